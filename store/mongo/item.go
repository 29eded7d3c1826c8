package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/inbox/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// itemDoc is the MongoDB representation of an inbox item.
// Payload is kept as a JSON string so it round-trips exactly like the
// other backends regardless of nested document decoding.
type itemDoc struct {
	ID                  bson.ObjectID `bson:"_id,omitempty"`
	InboxSeq            int64         `bson:"inbox_seq"`
	InboxID             string        `bson:"inbox_id"`
	TenantID            string        `bson:"tenant_id"`
	RoomID              string        `bson:"room_id"`
	ActorID             string        `bson:"actor_id"`
	SourceEventID       string        `bson:"source_event_id"`
	SourceEventSequence int64         `bson:"source_event_sequence"`
	SourceEventType     string        `bson:"source_event_type"`
	SourceActorID       string        `bson:"source_actor_id,omitempty"`
	SourceEventAt       time.Time     `bson:"source_event_at"`
	ThreadID            string        `bson:"thread_id,omitempty"`
	Topic               string        `bson:"topic"`
	Payload             string        `bson:"payload"`
	CreatedAt           time.Time     `bson:"created_at"`
	AckedAt             *time.Time    `bson:"acked_at"`
	AckedBy             string        `bson:"acked_by,omitempty"`
}

func newItemDoc(it store.Item) (*itemDoc, error) {
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &itemDoc{
		InboxSeq:            it.InboxSeq,
		InboxID:             it.InboxID,
		TenantID:            it.TenantID,
		RoomID:              it.RoomID,
		ActorID:             it.ActorID,
		SourceEventID:       it.SourceEventID,
		SourceEventSequence: it.SourceEventSequence,
		SourceEventType:     it.SourceEventType,
		SourceActorID:       it.SourceActorID,
		SourceEventAt:       it.SourceEventAt,
		ThreadID:            it.ThreadID,
		Topic:               string(it.Topic),
		Payload:             string(payload),
		CreatedAt:           it.CreatedAt,
	}, nil
}

func (d *itemDoc) toItem() (store.Item, error) {
	it := store.Item{
		InboxSeq:            d.InboxSeq,
		InboxID:             d.InboxID,
		TenantID:            d.TenantID,
		RoomID:              d.RoomID,
		ActorID:             d.ActorID,
		SourceEventID:       d.SourceEventID,
		SourceEventSequence: d.SourceEventSequence,
		SourceEventType:     d.SourceEventType,
		SourceActorID:       d.SourceActorID,
		SourceEventAt:       d.SourceEventAt.UTC(),
		ThreadID:            d.ThreadID,
		Topic:               store.Topic(d.Topic),
		Payload:             map[string]any{},
		CreatedAt:           d.CreatedAt.UTC(),
		AckedBy:             d.AckedBy,
	}
	if d.AckedAt != nil {
		t := d.AckedAt.UTC()
		it.AckedAt = &t
	}
	if d.Payload != "" {
		if err := json.Unmarshal([]byte(d.Payload), &it.Payload); err != nil {
			return store.Item{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return it, nil
}

func docsToItems(docs []itemDoc) ([]store.Item, error) {
	out := make([]store.Item, 0, len(docs))
	for i := range docs {
		it, err := docs[i].toItem()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// nextSeq atomically allocates the next InboxSeq.
func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	opts := mongoopts.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(mongoopts.After)

	var result struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": seqCounterID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&result)
	if err != nil {
		return 0, fmt.Errorf("allocate seq: %w", err)
	}
	return result.Seq, nil
}

func scopeFilter(tenantID, roomID, actorID string) bson.M {
	filter := bson.M{"tenant_id": tenantID}
	if roomID != "" {
		filter["room_id"] = roomID
	}
	if actorID != "" {
		filter["actor_id"] = actorID
	}
	return filter
}

// =============================================================================
// Write Operations
// =============================================================================

// Insert stores drafts that are not already present. Uniqueness is
// enforced by the compound unique index; duplicates are skipped, leaving a
// gap in the sequence.
func (s *Store) Insert(ctx context.Context, drafts []store.ItemData) ([]store.Item, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	for _, d := range drafts {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	if len(drafts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := time.Now().UTC()
	var inserted []store.Item
	for _, d := range drafts {
		seq, err := s.nextSeq(ctx)
		if err != nil {
			return nil, err
		}
		it := store.NewItem(d, seq, uuid.New().String(), now)
		doc, err := newItemDoc(it)
		if err != nil {
			return nil, err
		}
		if _, err := s.items.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return nil, fmt.Errorf("insert item: %w", err)
		}
		inserted = append(inserted, it)
	}
	return inserted, nil
}

// AckOne acknowledges a single item owned by the actor.
func (s *Store) AckOne(ctx context.Context, req store.AckOneRequest) (*store.Item, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}
	req, err := req.Normalize()
	if err != nil {
		return nil, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	owner := bson.M{"inbox_id": req.InboxID, "tenant_id": req.TenantID, "actor_id": req.ActorID}
	unread := bson.M{"inbox_id": req.InboxID, "tenant_id": req.TenantID, "actor_id": req.ActorID, "acked_at": nil}
	update := bson.M{"$set": bson.M{"acked_at": time.Now().UTC(), "acked_by": req.AckedBy}}

	var doc itemDoc
	err = s.items.FindOneAndUpdate(ctx, unread, update,
		mongoopts.FindOneAndUpdate().SetReturnDocument(mongoopts.After),
	).Decode(&doc)
	changed := true
	if errors.Is(err, mongo.ErrNoDocuments) {
		changed = false
		err = s.items.FindOne(ctx, owner).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("ack item: %w", err)
	}

	it, err := doc.toItem()
	if err != nil {
		return nil, false, err
	}
	return &it, changed, nil
}

// AckMany acknowledges the union of explicit IDs and the cursor range.
// Each candidate is updated conditionally so concurrent callers never
// acknowledge the same item twice.
func (s *Store) AckMany(ctx context.Context, req store.AckManyRequest) ([]store.Item, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	if req.Empty() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := scopeFilter(req.TenantID, req.RoomID, req.ActorID)
	filter["acked_at"] = nil
	var or bson.A
	if req.UpToCursor > 0 {
		or = append(or, bson.M{"inbox_seq": bson.M{"$lte": req.UpToCursor}})
	}
	if len(req.IDs) > 0 {
		or = append(or, bson.M{"inbox_id": bson.M{"$in": req.IDs}})
	}
	filter["$or"] = or

	cursor, err := s.items.Find(ctx, filter, mongoopts.Find().SetSort(bson.D{bson.E{Key: "inbox_seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find ack candidates: %w", err)
	}
	defer cursor.Close(ctx)

	var candidates []itemDoc
	if err := cursor.All(ctx, &candidates); err != nil {
		return nil, fmt.Errorf("decode ack candidates: %w", err)
	}

	now := time.Now().UTC()
	var acked []itemDoc
	for _, c := range candidates {
		res, err := s.items.UpdateOne(ctx,
			bson.M{"_id": c.ID, "acked_at": nil},
			bson.M{"$set": bson.M{"acked_at": now, "acked_by": req.AckedBy}},
		)
		if err != nil {
			return nil, fmt.Errorf("ack item: %w", err)
		}
		if res.ModifiedCount == 0 {
			continue
		}
		c.AckedAt, c.AckedBy = &now, req.AckedBy
		acked = append(acked, c)
	}
	return docsToItems(acked)
}

// =============================================================================
// Read Operations
// =============================================================================

// List returns items matching the query ordered by InboxSeq.
func (s *Store) List(ctx context.Context, q store.ListQuery) ([]store.Item, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := scopeFilter(q.TenantID, q.RoomID, q.ActorID)
	if q.UnreadOnly {
		filter["acked_at"] = nil
	}
	dir := 1
	if q.Order == store.SortDesc {
		dir = -1
	}
	if q.Cursor > 0 {
		op := "$gt"
		if dir < 0 {
			op = "$lt"
		}
		filter["inbox_seq"] = bson.M{op: q.Cursor}
	}

	findOpts := mongoopts.Find().
		SetSort(bson.D{bson.E{Key: "inbox_seq", Value: dir}}).
		SetLimit(int64(q.Limit))

	cursor, err := s.items.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []itemDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return docsToItems(docs)
}

// CountUnread counts unread items matching the filter.
func (s *Store) CountUnread(ctx context.Context, f store.UnreadFilter) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if err := f.Validate(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := scopeFilter(f.TenantID, f.RoomID, f.ActorID)
	filter["acked_at"] = nil
	n, err := s.items.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// UnreadCounts returns unread totals grouped by (tenant, room, actor).
func (s *Store) UnreadCounts(ctx context.Context) ([]store.UnreadCount, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	pipeline := bson.A{
		bson.M{"$match": bson.M{"acked_at": nil}},
		bson.M{"$group": bson.M{
			"_id": bson.M{
				"tenant": "$tenant_id",
				"room":   "$room_id",
				"actor":  "$actor_id",
			},
			"unread": bson.M{"$sum": 1},
		}},
	}

	cursor, err := s.items.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	defer cursor.Close(ctx)

	var results []struct {
		ID struct {
			Tenant string `bson:"tenant"`
			Room   string `bson:"room"`
			Actor  string `bson:"actor"`
		} `bson:"_id"`
		Unread int64 `bson:"unread"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("decode unread counts: %w", err)
	}

	out := make([]store.UnreadCount, len(results))
	for i, r := range results {
		out[i] = store.UnreadCount{TenantID: r.ID.Tenant, RoomID: r.ID.Room, ActorID: r.ID.Actor, Count: r.Unread}
	}
	return out, nil
}

// =============================================================================
// Cursor Operations
// =============================================================================

// ProjectorCursor returns the stored cursor for name, or 0.
func (s *Store) ProjectorCursor(ctx context.Context, name string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc struct {
		LastSeq int64 `bson:"last_seq"`
	}
	err := s.cursors.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	return doc.LastSeq, nil
}

// SetProjectorCursor stores max(current, value) using $max.
func (s *Store) SetProjectorCursor(ctx context.Context, name string, value int64) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, store.ErrInvalidID
	}
	if value < 0 {
		value = 0
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	opts := mongoopts.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(mongoopts.After)

	var doc struct {
		LastSeq int64 `bson:"last_seq"`
	}
	err := s.cursors.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{
			"$max": bson.M{"last_seq": value},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
		opts,
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("set cursor: %w", err)
	}
	return doc.LastSeq, nil
}
