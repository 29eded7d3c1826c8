// Package file provides a single-document JSON implementation of store.Store.
//
// The whole inbox state lives in one JSON file that is rewritten on every
// mutation through a temporary file and an atomic rename. All writers are
// serialized through one mutex, which also enforces item uniqueness.
// With an empty path the store keeps state in memory only, which is useful
// for tests and single-process demos.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/inbox/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// document is the persisted shape of the store.
type document struct {
	Seq     int64            `json:"seq"`
	Items   []*store.Item    `json:"items"`
	Cursors map[string]int64 `json:"cursors"`
}

// Store implements store.Store on top of a JSON file.
type Store struct {
	path      string
	opts      *options
	logger    *slog.Logger
	connected int32

	mu      sync.Mutex
	seq     int64
	items   []*store.Item // ordered by InboxSeq
	byKey   map[store.ItemKey]*store.Item
	byID    map[string]*store.Item
	cursors map[string]int64

	now func() time.Time
}

// New creates a file store persisting to path. Call Connect() to load
// existing state.
func New(path string, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		path:   path,
		opts:   o,
		logger: o.logger,
		now:    time.Now,
	}
}

// Path returns the state file path ("" for memory-only stores).
func (s *Store) Path() string {
	return s.path
}

// Connect loads the state file if it exists.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	doc, err := s.load()
	if err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("load state: %w", err)
	}

	s.mu.Lock()
	s.reset(doc)
	count := len(s.items)
	s.mu.Unlock()

	s.logger.Info("opened inbox file store", "path", s.path, "items", count)
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// reset replaces in-memory state with doc. Caller must hold s.mu.
func (s *Store) reset(doc *document) {
	s.seq = doc.Seq
	s.items = doc.Items[:0:0]
	s.byKey = make(map[store.ItemKey]*store.Item, len(doc.Items))
	s.byID = make(map[string]*store.Item, len(doc.Items))
	s.cursors = doc.Cursors
	if s.cursors == nil {
		s.cursors = make(map[string]int64)
	}
	for _, it := range doc.Items {
		if it == nil {
			continue
		}
		if _, dup := s.byKey[it.Key()]; dup {
			continue
		}
		if it.Payload == nil {
			it.Payload = map[string]any{}
		}
		s.items = append(s.items, it)
		s.byKey[it.Key()] = it
		s.byID[it.InboxID] = it
		if it.InboxSeq > s.seq {
			s.seq = it.InboxSeq
		}
	}
	sort.Slice(s.items, func(i, j int) bool { return s.items[i].InboxSeq < s.items[j].InboxSeq })
}

func (s *Store) load() (*document, error) {
	if s.path == "" {
		return &document{}, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &document{}, nil
		}
		return nil, err
	}
	var doc document
	if len(data) == 0 {
		return &doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return &doc, nil
}

// persist writes the current state. Caller must hold s.mu.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(document{Seq: s.seq, Items: s.items, Cursors: s.cursors})
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, s.opts.dirMode); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, s.opts.fileMode); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// =============================================================================
// Item Operations
// =============================================================================

// Insert stores drafts that are not already present.
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevSeq, prevLen := s.seq, len(s.items)
	now := s.now().UTC()
	var added []*store.Item
	for _, d := range drafts {
		if _, exists := s.byKey[d.Key()]; exists {
			continue
		}
		s.seq++
		it := store.NewItem(d, s.seq, uuid.New().String(), now)
		s.items = append(s.items, &it)
		s.byKey[it.Key()] = &it
		s.byID[it.InboxID] = &it
		added = append(added, &it)
	}
	if len(added) == 0 {
		return nil, nil
	}

	if err := s.persist(); err != nil {
		for _, it := range added {
			delete(s.byKey, it.Key())
			delete(s.byID, it.InboxID)
		}
		s.items = s.items[:prevLen]
		s.seq = prevSeq
		return nil, fmt.Errorf("insert items: %w", err)
	}

	out := make([]store.Item, len(added))
	for i, it := range added {
		out[i] = *it.Clone()
	}
	return out, nil
}

// List returns items matching the query ordered by InboxSeq.
func (s *Store) List(ctx context.Context, q store.ListQuery) ([]store.Item, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Item, 0, min(q.Limit, len(s.items)))
	visit := func(it *store.Item) bool {
		if q.After(it.InboxSeq) && q.Matches(it) {
			out = append(out, *it.Clone())
		}
		return len(out) < q.Limit
	}
	if q.Order == store.SortDesc {
		for i := len(s.items) - 1; i >= 0; i-- {
			if !visit(s.items[i]) {
				break
			}
		}
	} else {
		for _, it := range s.items {
			if !visit(it) {
				break
			}
		}
	}
	return out, nil
}

// CountUnread counts unread items matching the filter.
func (s *Store) CountUnread(ctx context.Context, f store.UnreadFilter) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if err := f.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, it := range s.items {
		if f.Matches(it) {
			n++
		}
	}
	return n, nil
}

// UnreadCounts returns unread totals grouped by (tenant, room, actor).
func (s *Store) UnreadCounts(ctx context.Context) ([]store.UnreadCount, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct{ tenant, room, actor string }
	idx := make(map[key]int)
	var out []store.UnreadCount
	for _, it := range s.items {
		if !it.Unread() {
			continue
		}
		k := key{it.TenantID, it.RoomID, it.ActorID}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, store.UnreadCount{TenantID: it.TenantID, RoomID: it.RoomID, ActorID: it.ActorID})
		}
		out[i].Count++
	}
	return out, nil
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

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byID[req.InboxID]
	if !ok || it.TenantID != req.TenantID || it.ActorID != req.ActorID {
		return nil, false, nil
	}
	if !it.Unread() {
		return it.Clone(), false, nil
	}

	now := s.now().UTC()
	it.AckedAt, it.AckedBy = &now, req.AckedBy
	if err := s.persist(); err != nil {
		it.AckedAt, it.AckedBy = nil, ""
		return nil, false, fmt.Errorf("ack item: %w", err)
	}
	return it.Clone(), true, nil
}

// AckMany acknowledges the union of explicit IDs and the cursor range.
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

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var changed []*store.Item
	for _, it := range s.items {
		if req.Matches(it) {
			it.AckedAt, it.AckedBy = &now, req.AckedBy
			changed = append(changed, it)
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if err := s.persist(); err != nil {
		for _, it := range changed {
			it.AckedAt, it.AckedBy = nil, ""
		}
		return nil, fmt.Errorf("ack items: %w", err)
	}

	out := make([]store.Item, len(changed))
	for i, it := range changed {
		out[i] = *it.Clone()
	}
	return out, nil
}

// =============================================================================
// Cursor Operations
// =============================================================================

// ProjectorCursor returns the stored cursor for name.
func (s *Store) ProjectorCursor(ctx context.Context, name string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, store.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[name], nil
}

// SetProjectorCursor stores max(current, value).
func (s *Store) SetProjectorCursor(ctx context.Context, name string, value int64) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, store.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.cursors[name]
	if value <= prev {
		return prev, nil
	}
	s.cursors[name] = value
	if err := s.persist(); err != nil {
		if had {
			s.cursors[name] = prev
		} else {
			delete(s.cursors, name)
		}
		return 0, fmt.Errorf("set cursor: %w", err)
	}
	return value, nil
}
