package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/rbaliyan/inbox/counter"
	"github.com/rbaliyan/inbox/projector"
	"github.com/rbaliyan/inbox/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Type aliases for commonly used store types.
// These allow users to work with the inbox package without importing store directly.
type (
	Item           = store.Item
	ListQuery      = store.ListQuery
	UnreadFilter   = store.UnreadFilter
	AckOneRequest  = store.AckOneRequest
	AckManyRequest = store.AckManyRequest
	SortOrder      = store.SortOrder
)

// Re-exported sort order constants.
const (
	SortAsc  = store.SortAsc
	SortDesc = store.SortDesc
)

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// EventProjector turns domain events into stored inbox items.
type EventProjector interface {
	// ProjectEvent projects one event and returns the newly inserted items.
	// Re-projecting an event returns an empty slice.
	ProjectEvent(ctx context.Context, ev projector.Event) ([]Item, error)
	// ProjectEvents projects a batch in one store write. Events whose drafts
	// fail validation are skipped and logged.
	ProjectEvents(ctx context.Context, events []projector.Event) ([]Item, error)
}

// ItemReader provides authoritative reads.
type ItemReader interface {
	List(ctx context.Context, q ListQuery) ([]Item, error)
	CountUnread(ctx context.Context, f UnreadFilter) (int64, error)
}

// ItemAcker acknowledges items.
type ItemAcker interface {
	AckOne(ctx context.Context, req AckOneRequest) (*AckOneResult, error)
	AckMany(ctx context.Context, req AckManyRequest) (*AckManyResult, error)
}

// CursorKeeper stores the projector checkpoint under the configured name.
type CursorKeeper interface {
	ProjectorCursor(ctx context.Context) (int64, error)
	SetProjectorCursor(ctx context.Context, value int64) (int64, error)
}

// UnreadIndex exposes the non-authoritative unread counter.
type UnreadIndex interface {
	// RebuildUnreadCounters recomputes every counter from a store snapshot.
	RebuildUnreadCounters(ctx context.Context) (*RebuildResult, error)
	// UnreadHint reads the side counter. It may lag the store; use
	// CountUnread when correctness matters.
	UnreadHint(ctx context.Context, key counter.Key) (int64, error)
}

// Service manages inbox projection, reads and acknowledgement.
//
// Composed of:
//   - ServiceHealth: Health and state queries (IsConnected)
//   - EventProjector: ProjectEvent, ProjectEvents
//   - ItemReader: List, CountUnread
//   - ItemAcker: AckOne, AckMany
//   - CursorKeeper: ProjectorCursor, SetProjectorCursor
//   - UnreadIndex: RebuildUnreadCounters, UnreadHint
type Service interface {
	ServiceHealth
	EventProjector
	ItemReader
	ItemAcker
	CursorKeeper
	UnreadIndex

	// Connect establishes connections to storage backends.
	Connect(ctx context.Context) error
	// Close closes all connections.
	Close(ctx context.Context) error
	// Changed returns a channel closed the next time items are inserted for
	// tenantID. Callers must request a new channel after each wakeup.
	Changed(tenantID string) <-chan struct{}
	// Events returns per-service event instances.
	Events() *ServiceEvents
}

// Compile-time check
var _ projector.Sink = Service(nil)

// AckOneResult is the outcome of AckOne.
type AckOneResult struct {
	// Item is nil when no item matched.
	Item *Item
	// Changed is true only when this call acknowledged the item.
	Changed bool
}

// AckManyResult is the outcome of AckMany.
type AckManyResult struct {
	AckedCount int
	AckedIDs   []string
}

// RebuildResult summarizes a counter rebuild.
type RebuildResult struct {
	// Keys is the number of (tenant, room, actor) entries with unread items.
	Keys int
	// Unread is the total unread items in the snapshot.
	Unread int64
	// Drifted counts entries whose previous counter value differed.
	Drifted int
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	store    store.Store
	counter  counter.Counter
	logger   *slog.Logger
	opts     *options
	state    int32 // stateDisconnected, stateConnecting, or stateConnected
	otel     *otelInstrumentation
	writeSem *semaphore.Weighted // Limits concurrent writes and lets Close drain them
	notify   *notifier
	eventBus *event.Bus     // Event bus for publishing events
	events   *ServiceEvents // Per-service event instances
}

// NewService creates a new inbox service.
// Call Connect() to establish connections to backends.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &service{
		store:    o.store,
		counter:  o.counter,
		logger:   o.logger,
		opts:     o,
		otel:     otelInstr,
		writeSem: semaphore.NewWeighted(int64(o.maxConcurrentWrites)),
		notify:   newNotifier(),
	}, nil
}

// Events returns per-service event instances.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

func (s *service) checkConnected() error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Connect establishes connections to storage backends.
func (s *service) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	if err := s.initEventBus(ctx); err != nil {
		s.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	success = true
	s.logger.Info("inbox service connected", "projector", s.opts.projectorName)
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus initializes the event bus for this service.
func (s *service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "inbox"
	}
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}
	return nil
}

// Close waits for in-flight writes, then closes the event bus and store.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// New writes fail checkConnected from here on; acquiring every slot
	// waits for the ones already running.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.writeSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentWrites)); err != nil {
		s.logger.Warn("timeout waiting for in-flight operations, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.writeSem.Release(int64(s.opts.maxConcurrentWrites))
	}

	s.notify.broadcastAll()

	if s.eventBus != nil {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.logger.Info("inbox service closed")
	return errors.Join(errs...)
}

// Changed returns the wakeup channel for tenantID.
func (s *service) Changed(tenantID string) <-chan struct{} {
	return s.notify.wait(tenantID)
}

// acquire takes a write slot.
func (s *service) acquire(ctx context.Context) (func(), error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := s.writeSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.writeSem.Release(1) }, nil
}

// =============================================================================
// Projection
// =============================================================================

// ProjectEvent projects a single event.
func (s *service) ProjectEvent(ctx context.Context, ev projector.Event) ([]Item, error) {
	drafts := projector.Project(ev)
	for _, d := range drafts {
		if err := d.Validate(); err != nil {
			return nil, &ValidationError{Field: "event", Message: fmt.Sprintf("event %s lacks tenant or room", ev.EventID)}
		}
	}
	return s.insert(ctx, 1, drafts)
}

// ProjectEvents projects a batch of events with a single store write.
func (s *service) ProjectEvents(ctx context.Context, events []projector.Event) ([]Item, error) {
	var drafts []store.ItemData
	for _, ev := range events {
		projected := projector.Project(ev)
		valid := true
		for _, d := range projected {
			if d.Validate() != nil {
				valid = false
				break
			}
		}
		if !valid {
			s.logger.Warn("skipping event with incomplete scope",
				"event_id", ev.EventID, "tenant", ev.TenantID, "room", ev.RoomID)
			continue
		}
		drafts = append(drafts, projected...)
	}
	return s.insert(ctx, len(events), drafts)
}

func (s *service) insert(ctx context.Context, events int, drafts []store.ItemData) (items []Item, err error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, endSpan := s.otel.startSpan(ctx, "inbox.project",
		attribute.Int("event_count", events),
		attribute.Int("draft_count", len(drafts)),
	)
	start := time.Now()
	defer func() {
		endSpan(err)
		s.otel.recordProject(ctx, time.Since(start), events, len(items), err)
	}()

	if len(drafts) == 0 {
		return nil, nil
	}

	inserted, err := s.store.Insert(ctx, drafts)
	if err != nil {
		return nil, fmt.Errorf("insert items: %w", err)
	}
	if len(inserted) == 0 {
		return nil, nil
	}

	for i := range inserted {
		s.bumpCounter(ctx, &inserted[i], 1, "insert")
	}

	tenants := make(map[string]struct{})
	var pubErr error
	for _, group := range groupBySource(inserted) {
		first := group[0]
		tenants[first.TenantID] = struct{}{}
		data := ItemsDeliveredEvent{
			TenantID:      first.TenantID,
			SourceEventID: first.SourceEventID,
			DeliveredAt:   first.CreatedAt,
		}
		for _, it := range group {
			data.InboxIDs = append(data.InboxIDs, it.InboxID)
			data.ActorIDs = append(data.ActorIDs, it.ActorID)
		}
		if err := publish(ctx, s, s.events.ItemsDelivered, "ItemsDelivered", first.TenantID, data); err != nil && pubErr == nil {
			pubErr = err
		}
	}
	for tenantID := range tenants {
		s.notify.broadcast(tenantID)
	}

	s.logger.Debug("projected items", "events", events, "inserted", len(inserted))
	return inserted, pubErr
}

// groupBySource splits items into runs sharing a tenant and source event.
func groupBySource(items []Item) [][]Item {
	var groups [][]Item
	index := make(map[[2]string]int)
	for _, it := range items {
		k := [2]string{it.TenantID, it.SourceEventID}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], it)
	}
	return groups
}

// bumpCounter adjusts the side counter. Failures are logged and swallowed.
func (s *service) bumpCounter(ctx context.Context, it *Item, delta int64, op string) {
	key := counter.Key{TenantID: it.TenantID, RoomID: it.RoomID, ActorID: it.ActorID}
	if err := s.counter.Add(ctx, key, delta); err != nil {
		s.otel.recordCounterError(ctx, op)
		s.logger.Warn("unread counter update failed",
			"tenant", it.TenantID, "room", it.RoomID, "actor", it.ActorID, "error", err)
	}
}

// =============================================================================
// Reads
// =============================================================================

// List returns items from the store of record.
func (s *service) List(ctx context.Context, q ListQuery) (items []Item, err error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(q.TenantID) == "" {
		return nil, &ValidationError{Field: "tenantId", Message: "is required"}
	}

	ctx, endSpan := s.otel.startSpan(ctx, "inbox.list",
		attribute.String("tenant", q.TenantID),
		attribute.Bool("unread_only", q.UnreadOnly),
	)
	start := time.Now()
	defer func() {
		endSpan(err)
		s.otel.recordList(ctx, time.Since(start), "list", err)
	}()

	items, err = s.store.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// CountUnread returns the authoritative unread count. The side counter is
// never consulted.
func (s *service) CountUnread(ctx context.Context, f UnreadFilter) (n int64, err error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(f.TenantID) == "" {
		return 0, &ValidationError{Field: "tenantId", Message: "is required"}
	}

	start := time.Now()
	defer func() {
		s.otel.recordList(ctx, time.Since(start), "count", err)
	}()

	n, err = s.store.CountUnread(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// =============================================================================
// Acknowledgement
// =============================================================================

func validateAck(tenantID, actorID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return &ValidationError{Field: "tenantId", Message: "is required"}
	}
	if strings.TrimSpace(actorID) == "" {
		return &ValidationError{Field: "actorId", Message: "is required"}
	}
	return nil
}

// AckOne acknowledges a single item. Acknowledging an acked item reports
// Changed=false; an unknown id yields a nil Item. Neither is an error.
func (s *service) AckOne(ctx context.Context, req AckOneRequest) (res *AckOneResult, err error) {
	if err := validateAck(req.TenantID, req.ActorID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.InboxID) == "" {
		return nil, &ValidationError{Field: "inboxId", Message: "is required"}
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, endSpan := s.otel.startSpan(ctx, "inbox.ack_one",
		attribute.String("tenant", req.TenantID),
		attribute.String("actor", req.ActorID),
	)
	start := time.Now()
	defer func() {
		changed := 0
		if res != nil && res.Changed {
			changed = 1
		}
		endSpan(err)
		s.otel.recordAck(ctx, time.Since(start), "one", changed, err)
	}()

	item, changed, err := s.store.AckOne(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ack item: %w", err)
	}
	res = &AckOneResult{Item: item, Changed: changed}
	if !changed {
		return res, nil
	}

	s.bumpCounter(ctx, item, -1, "ack")
	return res, s.publishAcked(ctx, []Item{*item})
}

// AckMany acknowledges the union of IDs and the cursor range.
func (s *service) AckMany(ctx context.Context, req AckManyRequest) (res *AckManyResult, err error) {
	if err := validateAck(req.TenantID, req.ActorID); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, endSpan := s.otel.startSpan(ctx, "inbox.ack_many",
		attribute.String("tenant", req.TenantID),
		attribute.String("actor", req.ActorID),
		attribute.Int("id_count", len(req.IDs)),
		attribute.Int64("up_to_cursor", req.UpToCursor),
	)
	start := time.Now()
	defer func() {
		changed := 0
		if res != nil {
			changed = res.AckedCount
		}
		endSpan(err)
		s.otel.recordAck(ctx, time.Since(start), "many", changed, err)
	}()

	items, err := s.store.AckMany(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ack items: %w", err)
	}

	res = &AckManyResult{AckedCount: len(items), AckedIDs: make([]string, 0, len(items))}
	for i := range items {
		res.AckedIDs = append(res.AckedIDs, items[i].InboxID)
		s.bumpCounter(ctx, &items[i], -1, "ack")
	}
	if len(items) == 0 {
		return res, nil
	}
	return res, s.publishAcked(ctx, items)
}

func (s *service) publishAcked(ctx context.Context, items []Item) error {
	first := items[0]
	data := ItemsAckedEvent{
		TenantID: first.TenantID,
		ActorID:  first.ActorID,
		AckedBy:  first.AckedBy,
	}
	if first.AckedAt != nil {
		data.AckedAt = *first.AckedAt
	}
	for _, it := range items {
		data.InboxIDs = append(data.InboxIDs, it.InboxID)
	}
	return publish(ctx, s, s.events.ItemsAcked, "ItemsAcked", first.TenantID, data)
}

// =============================================================================
// Projector cursor
// =============================================================================

// ProjectorCursor returns the checkpoint for the configured projector name.
func (s *service) ProjectorCursor(ctx context.Context) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	v, err := s.store.ProjectorCursor(ctx, s.opts.projectorName)
	if err != nil {
		return 0, fmt.Errorf("read projector cursor: %w", err)
	}
	return v, nil
}

// SetProjectorCursor merges value into the checkpoint and returns the stored value.
func (s *service) SetProjectorCursor(ctx context.Context, value int64) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	v, err := s.store.SetProjectorCursor(ctx, s.opts.projectorName, value)
	if err != nil {
		return 0, fmt.Errorf("write projector cursor: %w", err)
	}
	if v > value {
		s.logger.Debug("projector cursor kept higher value", "requested", value, "stored", v)
	}
	return v, nil
}

// =============================================================================
// Unread counter
// =============================================================================

// RebuildUnreadCounters replaces every counter with a snapshot of the store.
// Writes racing the rebuild may be lost from the counter and are repaired by
// the next rebuild.
func (s *service) RebuildUnreadCounters(ctx context.Context) (res *RebuildResult, err error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "inbox.rebuild_counters")
	defer func() { endSpan(err) }()

	counts, err := s.store.UnreadCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot unread counts: %w", err)
	}

	snapshot := make(map[counter.Key]int64, len(counts))
	res = &RebuildResult{Keys: len(counts)}
	for _, c := range counts {
		snapshot[counter.Key{TenantID: c.TenantID, RoomID: c.RoomID, ActorID: c.ActorID}] = c.Count
		res.Unread += c.Count
	}

	// Compare against the current counters to report drift.
	var drifted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.rebuildConcurrency)
	for key, want := range snapshot {
		g.Go(func() error {
			got, err := s.counter.Get(gctx, key)
			if err != nil {
				return err
			}
			if got != want {
				drifted.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("unread counter drift check failed", "error", err)
	}
	res.Drifted = int(drifted.Load())

	if err := s.counter.Replace(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("replace counters: %w", err)
	}

	s.logger.Info("rebuilt unread counters", "keys", res.Keys, "unread", res.Unread, "drifted", res.Drifted)
	return res, nil
}

// UnreadHint reads the side counter.
func (s *service) UnreadHint(ctx context.Context, key counter.Key) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	return s.counter.Get(ctx, key)
}
