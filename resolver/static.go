// Package resolver provides RoomResolver implementations.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/rbaliyan/inbox"
)

// ErrUnknownRoom is returned by strict resolvers for unmapped rooms.
var ErrUnknownRoom = errors.New("resolver: unknown room")

// Static is a map-based RoomResolver for testing and simple deployments.
// Aliases are global across tenants. Safe for concurrent use (read-only after creation).
type Static struct {
	aliases     map[string]string
	defaultRoom string
	strict      bool
}

var _ inbox.RoomResolver = (*Static)(nil)

// Option configures a Static resolver.
type Option func(*Static)

// WithDefaultRoom sets the room used when the request names none.
func WithDefaultRoom(room string) Option {
	return func(s *Static) {
		s.defaultRoom = room
	}
}

// WithStrict rejects rooms that are neither an alias nor an alias target.
func WithStrict(strict bool) Option {
	return func(s *Static) {
		s.strict = strict
	}
}

// NewStatic creates a Static resolver from a map of alias to room id.
// The map is copied to prevent external mutation.
func NewStatic(aliases map[string]string, opts ...Option) *Static {
	s := &Static{aliases: maps.Clone(aliases)}
	if s.aliases == nil {
		s.aliases = map[string]string{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveRoom returns the room id for an alias. Unknown names pass through
// unchanged unless the resolver is strict.
func (s *Static) ResolveRoom(_ context.Context, _ string, room string) (string, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return s.defaultRoom, nil
	}
	if id, ok := s.aliases[room]; ok {
		return id, nil
	}
	if s.strict && !s.isTarget(room) {
		return "", fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	return room, nil
}

func (s *Static) isTarget(room string) bool {
	for _, id := range s.aliases {
		if id == room {
			return true
		}
	}
	return false
}
