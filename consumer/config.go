package consumer

import (
	"fmt"
	"strings"
	"time"

	"github.com/rbaliyan/inbox/retry"
)

// Default configuration values.
const (
	DefaultPollWait         = 25 * time.Second
	DefaultRebootstrapAfter = 3
	DefaultBuffer           = 64
)

// Config describes one actor's session.
type Config struct {
	ActorID  string // required
	TenantID string // required
	// RoomID is the requested room. It may be an alias resolved by bootstrap.
	RoomID string
	// Types is an allow-list of event types or topics. Empty means all.
	Types []string

	// PollWait is the server-side long-poll timeout.
	PollWait time.Duration
	// BaseDelay, MaxBackoff and Jitter shape retry delays. A negative
	// Jitter disables jitter.
	BaseDelay  time.Duration
	MaxBackoff time.Duration
	Jitter     time.Duration

	// AutoAck acknowledges everything up to each new cursor. With Types set
	// only the delivered event ids are acknowledged; filtered-out items stay
	// unread.
	AutoAck bool
	// Heartbeat asks the upstream to refresh presence on every poll.
	Heartbeat bool

	// RebootstrapAfter is the number of consecutive invalidated-session
	// failures that triggers a new bootstrap.
	RebootstrapAfter int
	// Buffer is the Messages channel capacity.
	Buffer int
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.PollWait <= 0 {
		c.PollWait = DefaultPollWait
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = retry.DefaultBaseDelay
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = retry.DefaultMaxBackoff
	}
	switch {
	case c.Jitter == 0:
		c.Jitter = retry.DefaultJitter
	case c.Jitter < 0:
		c.Jitter = 0
	}
	if c.RebootstrapAfter <= 0 {
		c.RebootstrapAfter = DefaultRebootstrapAfter
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	return c
}

// Validate checks required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ActorID) == "" {
		return fmt.Errorf("%w: actor id is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidConfig)
	}
	return nil
}

func (c Config) backoff(rnd func() float64) retry.Backoff {
	return retry.Backoff{
		Base:   c.BaseDelay,
		Max:    c.MaxBackoff,
		Jitter: c.Jitter,
		Rand:   rnd,
	}
}
