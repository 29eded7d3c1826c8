package store

import (
	"slices"
	"strings"
)

// SortOrder represents the sort direction.
type SortOrder int

const (
	// SortAsc sorts by ascending InboxSeq.
	SortAsc SortOrder = 1
	// SortDesc sorts by descending InboxSeq.
	SortDesc SortOrder = -1
)

// List limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ClampLimit applies the default and bounds to a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// ListQuery selects inbox items.
type ListQuery struct {
	TenantID   string // required
	RoomID     string // optional
	ActorID    string // optional
	UnreadOnly bool
	// Cursor is an exclusive InboxSeq bound; 0 means no bound.
	Cursor int64
	Limit  int
	Order  SortOrder
}

// Normalize validates the query and applies defaults.
func (q ListQuery) Normalize() (ListQuery, error) {
	if strings.TrimSpace(q.TenantID) == "" {
		return q, ErrInvalidRequest
	}
	q.Limit = ClampLimit(q.Limit)
	if q.Order != SortDesc {
		q.Order = SortAsc
	}
	if q.Cursor < 0 {
		q.Cursor = 0
	}
	return q, nil
}

// Matches reports whether item falls within the query scope, ignoring
// cursor and limit.
func (q ListQuery) Matches(item *Item) bool {
	if item.TenantID != q.TenantID {
		return false
	}
	if q.RoomID != "" && item.RoomID != q.RoomID {
		return false
	}
	if q.ActorID != "" && item.ActorID != q.ActorID {
		return false
	}
	if q.UnreadOnly && !item.Unread() {
		return false
	}
	return true
}

// After reports whether seq lies past the cursor in the query direction.
func (q ListQuery) After(seq int64) bool {
	if q.Cursor == 0 {
		return true
	}
	if q.Order == SortDesc {
		return seq < q.Cursor
	}
	return seq > q.Cursor
}

// UnreadFilter scopes an unread count.
type UnreadFilter struct {
	TenantID string // required
	RoomID   string // optional
	ActorID  string // optional
}

// Validate checks required fields.
func (f UnreadFilter) Validate() error {
	if strings.TrimSpace(f.TenantID) == "" {
		return ErrInvalidRequest
	}
	return nil
}

// Matches reports whether an unread item is counted by the filter.
func (f UnreadFilter) Matches(item *Item) bool {
	return ListQuery{TenantID: f.TenantID, RoomID: f.RoomID, ActorID: f.ActorID, UnreadOnly: true}.Matches(item)
}

// AckOneRequest acknowledges one item by InboxID.
type AckOneRequest struct {
	TenantID string
	ActorID  string
	InboxID  string
	// AckedBy defaults to ActorID.
	AckedBy string
}

// Normalize validates the request and applies defaults.
func (r AckOneRequest) Normalize() (AckOneRequest, error) {
	if strings.TrimSpace(r.TenantID) == "" || strings.TrimSpace(r.ActorID) == "" {
		return r, ErrInvalidRequest
	}
	if strings.TrimSpace(r.InboxID) == "" {
		return r, ErrInvalidID
	}
	if r.AckedBy == "" {
		r.AckedBy = r.ActorID
	}
	return r, nil
}

// AckManyRequest acknowledges the union of explicit IDs and every item with
// InboxSeq <= UpToCursor. UpToCursor 0 means no cursor bound.
type AckManyRequest struct {
	TenantID   string
	ActorID    string
	RoomID     string // optional
	IDs        []string
	UpToCursor int64
	AckedBy    string
}

// Normalize validates the request, deduplicates IDs and applies defaults.
func (r AckManyRequest) Normalize() (AckManyRequest, error) {
	if strings.TrimSpace(r.TenantID) == "" || strings.TrimSpace(r.ActorID) == "" {
		return r, ErrInvalidRequest
	}
	ids := make([]string, 0, len(r.IDs))
	for _, id := range r.IDs {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	r.IDs = ids
	if r.UpToCursor < 0 {
		r.UpToCursor = 0
	}
	if r.AckedBy == "" {
		r.AckedBy = r.ActorID
	}
	return r, nil
}

// Empty reports whether the request selects nothing.
func (r AckManyRequest) Empty() bool {
	return len(r.IDs) == 0 && r.UpToCursor <= 0
}

// Matches reports whether an unread item is selected by the request.
func (r AckManyRequest) Matches(item *Item) bool {
	if item.TenantID != r.TenantID || item.ActorID != r.ActorID || !item.Unread() {
		return false
	}
	if r.RoomID != "" && item.RoomID != r.RoomID {
		return false
	}
	if r.UpToCursor > 0 && item.InboxSeq <= r.UpToCursor {
		return true
	}
	return slices.Contains(r.IDs, item.InboxID)
}

// UnreadCount is the unread total for one (tenant, room, actor).
type UnreadCount struct {
	TenantID string
	RoomID   string
	ActorID  string
	Count    int64
}
