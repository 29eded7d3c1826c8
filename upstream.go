package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rbaliyan/inbox/consumer"
	"github.com/rbaliyan/inbox/store"
)

// Local upstream defaults.
const (
	DefaultMaxPollWait = 30 * time.Second
	DefaultPollLimit   = 100
)

// RoomResolver maps a requested room, which may be an alias, to a room id.
type RoomResolver interface {
	ResolveRoom(ctx context.Context, tenantID, roomID string) (string, error)
}

type upstreamOptions struct {
	rooms       RoomResolver
	maxWait     time.Duration
	pollLimit   int
	presenceTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// UpstreamOption configures a LocalUpstream.
type UpstreamOption func(*upstreamOptions)

// WithRoomResolver sets the room alias resolver. Without one, room ids are
// used as given.
func WithRoomResolver(r RoomResolver) UpstreamOption {
	return func(o *upstreamOptions) {
		if r != nil {
			o.rooms = r
		}
	}
}

// WithMaxPollWait caps the long-poll wait a client may request.
func WithMaxPollWait(d time.Duration) UpstreamOption {
	return func(o *upstreamOptions) {
		if d >= 0 {
			o.maxWait = d
		}
	}
}

// WithPollLimit bounds the events returned by one poll.
func WithPollLimit(n int) UpstreamOption {
	return func(o *upstreamOptions) {
		if n > 0 {
			o.pollLimit = store.ClampLimit(n)
		}
	}
}

// WithPresenceTTL expires presence that has not been refreshed within d.
// Zero, the default, keeps presence until Leave.
func WithPresenceTTL(d time.Duration) UpstreamOption {
	return func(o *upstreamOptions) {
		if d >= 0 {
			o.presenceTTL = d
		}
	}
}

// WithUpstreamLogger sets a custom logger.
func WithUpstreamLogger(l *slog.Logger) UpstreamOption {
	return func(o *upstreamOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// withClock overrides time.Now in tests.
func withClock(now func() time.Time) UpstreamOption {
	return func(o *upstreamOptions) {
		o.now = now
	}
}

// LocalUpstream serves consumer sessions directly from a Service.
//
// Cursors are decimal InboxSeq values. Presence is explicit: an actor must
// Enter a room before polling it, otherwise Poll reports
// consumer.ErrSessionInvalidated.
type LocalUpstream struct {
	svc      Service
	opts     *upstreamOptions
	presence *presence
}

var _ consumer.Upstream = (*LocalUpstream)(nil)

// NewLocalUpstream creates an upstream over svc.
func NewLocalUpstream(svc Service, opts ...UpstreamOption) *LocalUpstream {
	o := &upstreamOptions{
		maxWait:   DefaultMaxPollWait,
		pollLimit: DefaultPollLimit,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &LocalUpstream{
		svc:      svc,
		opts:     o,
		presence: newPresence(o.presenceTTL, o.now),
	}
}

// Bootstrap resolves the room and returns the actor's unread backlog with
// the cursor to poll from. It does not register presence.
func (u *LocalUpstream) Bootstrap(ctx context.Context, req consumer.BootstrapRequest) (*consumer.BootstrapResponse, error) {
	if err := validateSession(req.TenantID, req.ActorID); err != nil {
		return nil, err
	}
	room, err := u.resolveRoom(ctx, req.TenantID, req.RoomID)
	if err != nil {
		return nil, err
	}

	items, err := u.svc.List(ctx, ListQuery{
		TenantID:   req.TenantID,
		RoomID:     room,
		ActorID:    req.ActorID,
		UnreadOnly: true,
		Limit:      store.MaxListLimit,
		Order:      SortAsc,
	})
	if err != nil {
		return nil, u.wrap(err)
	}

	resp := &consumer.BootstrapResponse{RoomID: room, Inbox: make([]consumer.Event, 0, len(items))}
	for i := range items {
		resp.Inbox = append(resp.Inbox, toEvent(&items[i]))
	}

	// A truncated backlog resumes right after its last item so the rest is
	// delivered by Poll. Otherwise start past everything the actor has,
	// acknowledged or not.
	if len(items) >= store.MaxListLimit {
		resp.Cursor = formatCursor(items[len(items)-1].InboxSeq)
		return resp, nil
	}
	latest, err := u.svc.List(ctx, ListQuery{
		TenantID: req.TenantID,
		RoomID:   room,
		ActorID:  req.ActorID,
		Limit:    1,
		Order:    SortDesc,
	})
	if err != nil {
		return nil, u.wrap(err)
	}
	var seq int64
	if len(items) > 0 {
		seq = items[len(items)-1].InboxSeq
	}
	if len(latest) > 0 {
		seq = max(seq, latest[0].InboxSeq)
	}
	resp.Cursor = formatCursor(seq)
	return resp, nil
}

// Poll returns items after the cursor, waiting up to req.Wait for new ones.
func (u *LocalUpstream) Poll(ctx context.Context, req consumer.PollRequest) (*consumer.PollResponse, error) {
	if err := validateSession(req.TenantID, req.ActorID); err != nil {
		return nil, err
	}
	room, err := u.resolveRoom(ctx, req.TenantID, req.RoomID)
	if err != nil {
		return nil, err
	}
	key := presenceKey{tenantID: req.TenantID, roomID: room, actorID: req.ActorID}
	if !u.presence.check(key, req.Heartbeat) {
		return nil, consumer.ErrSessionInvalidated
	}
	cursor, err := parseCursor(req.Cursor)
	if err != nil {
		return nil, err
	}

	wait := min(max(req.Wait, 0), u.opts.maxWait)
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		// Subscribe before listing so an insert between the two is not missed.
		changed := u.svc.Changed(req.TenantID)
		items, err := u.svc.List(ctx, ListQuery{
			TenantID: req.TenantID,
			RoomID:   room,
			ActorID:  req.ActorID,
			Cursor:   cursor,
			Limit:    u.opts.pollLimit,
			Order:    SortAsc,
		})
		if err != nil {
			return nil, u.wrap(err)
		}
		if len(items) > 0 {
			resp := &consumer.PollResponse{
				Events:     make([]consumer.Event, 0, len(items)),
				NextCursor: formatCursor(items[len(items)-1].InboxSeq),
			}
			for i := range items {
				if matchesTypes(&items[i], req.Types) {
					resp.Events = append(resp.Events, toEvent(&items[i]))
				}
			}
			return resp, nil
		}

		if timeout == nil {
			return &consumer.PollResponse{Events: []consumer.Event{}, NextCursor: formatCursor(cursor)}, nil
		}
		select {
		case <-changed:
			if !u.svc.IsConnected() {
				return nil, ErrNotConnected
			}
		case <-timeout:
			return &consumer.PollResponse{Events: []consumer.Event{}, NextCursor: formatCursor(cursor)}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack acknowledges the union of explicit ids and everything up to the cursor.
func (u *LocalUpstream) Ack(ctx context.Context, req consumer.AckRequest) (*consumer.AckResponse, error) {
	if err := validateSession(req.TenantID, req.ActorID); err != nil {
		return nil, err
	}
	room := ""
	if req.RoomID != "" {
		r, err := u.resolveRoom(ctx, req.TenantID, req.RoomID)
		if err != nil {
			return nil, err
		}
		room = r
	}
	var upTo int64
	if req.UpToCursor != "" {
		c, err := parseCursor(req.UpToCursor)
		if err != nil {
			return nil, err
		}
		upTo = c
	}

	res, err := u.svc.AckMany(ctx, AckManyRequest{
		TenantID:   req.TenantID,
		ActorID:    req.ActorID,
		RoomID:     room,
		IDs:        req.IDs,
		UpToCursor: upTo,
	})
	if err != nil {
		if _, ok := IsEventPublishError(err); !ok || res == nil {
			return nil, u.wrap(err)
		}
		u.opts.logger.Warn("ack event publish failed", "actor", req.ActorID, "error", err)
	}
	return &consumer.AckResponse{AckedCount: res.AckedCount, AckedIDs: res.AckedIDs}, nil
}

// Enter registers the actor as present in the room.
func (u *LocalUpstream) Enter(ctx context.Context, req consumer.PresenceRequest) error {
	if err := validateSession(req.TenantID, req.ActorID); err != nil {
		return err
	}
	room, err := u.resolveRoom(ctx, req.TenantID, req.RoomID)
	if err != nil {
		return err
	}
	u.presence.enter(presenceKey{tenantID: req.TenantID, roomID: room, actorID: req.ActorID})
	u.opts.logger.Debug("actor entered room", "tenant", req.TenantID, "room", room, "actor", req.ActorID)
	return nil
}

// Leave removes the actor's presence. Leaving twice is not an error.
func (u *LocalUpstream) Leave(ctx context.Context, req consumer.PresenceRequest) error {
	if err := validateSession(req.TenantID, req.ActorID); err != nil {
		return err
	}
	room, err := u.resolveRoom(ctx, req.TenantID, req.RoomID)
	if err != nil {
		return err
	}
	u.presence.leave(presenceKey{tenantID: req.TenantID, roomID: room, actorID: req.ActorID})
	u.opts.logger.Debug("actor left room", "tenant", req.TenantID, "room", room, "actor", req.ActorID)
	return nil
}

// Present reports whether the actor currently holds a session in the room.
func (u *LocalUpstream) Present(tenantID, roomID, actorID string) bool {
	return u.presence.check(presenceKey{tenantID: tenantID, roomID: roomID, actorID: actorID}, false)
}

func (u *LocalUpstream) resolveRoom(ctx context.Context, tenantID, roomID string) (string, error) {
	room := strings.TrimSpace(roomID)
	if u.opts.rooms != nil {
		r, err := u.opts.rooms.ResolveRoom(ctx, tenantID, room)
		if err != nil {
			return "", fmt.Errorf("%w: %w", consumer.ErrBadRequest, err)
		}
		room = r
	}
	if room == "" {
		return "", badRequest(&ValidationError{Field: "roomId", Message: "is required"})
	}
	return room, nil
}

// wrap tags validation failures so transports report them as bad requests.
func (u *LocalUpstream) wrap(err error) error {
	if !IsRetryableError(err) {
		return badRequest(err)
	}
	return err
}

func badRequest(err error) error {
	return fmt.Errorf("%w: %w", consumer.ErrBadRequest, err)
}

func validateSession(tenantID, actorID string) error {
	if err := validateAck(tenantID, actorID); err != nil {
		return badRequest(err)
	}
	return nil
}

func parseCursor(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, badRequest(fmt.Errorf("%w: %q", ErrInvalidCursor, s))
	}
	return v, nil
}

func formatCursor(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

// matchesTypes reports whether the item passes an allow-list of event types
// or topics. An empty list allows everything.
func matchesTypes(it *Item, types []string) bool {
	if len(types) == 0 {
		return true
	}
	return slices.Contains(types, it.SourceEventType) || slices.Contains(types, string(it.Topic))
}

func toEvent(it *Item) consumer.Event {
	return consumer.Event{
		ID:        it.InboxID,
		Cursor:    formatCursor(it.InboxSeq),
		Type:      it.SourceEventType,
		Topic:     string(it.Topic),
		TenantID:  it.TenantID,
		RoomID:    it.RoomID,
		ActorID:   it.SourceActorID,
		ThreadID:  it.ThreadID,
		Timestamp: it.SourceEventAt,
		Payload:   it.Payload,
	}
}

type presenceKey struct {
	tenantID string
	roomID   string
	actorID  string
}

// presence tracks which actors hold a session in which room.
type presence struct {
	mu   sync.Mutex
	seen map[presenceKey]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func newPresence(ttl time.Duration, now func() time.Time) *presence {
	return &presence{seen: make(map[presenceKey]time.Time), ttl: ttl, now: now}
}

func (p *presence) enter(k presenceKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[k] = p.now()
}

func (p *presence) leave(k presenceKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seen, k)
}

// check reports whether k is present, refreshing it when touch is set.
// Expired entries are removed.
func (p *presence) check(k presenceKey, touch bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.seen[k]
	if !ok {
		return false
	}
	now := p.now()
	if p.ttl > 0 && now.Sub(last) > p.ttl {
		delete(p.seen, k)
		return false
	}
	if touch {
		p.seen[k] = now
	}
	return true
}
