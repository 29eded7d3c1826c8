package projector

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbaliyan/inbox/retry"
	"github.com/rbaliyan/inbox/store"
)

// Sink receives projected events and owns the projector checkpoint.
// inbox.Service satisfies it.
type Sink interface {
	ProjectEvents(ctx context.Context, events []Event) ([]store.Item, error)
	ProjectorCursor(ctx context.Context) (int64, error)
	SetProjectorCursor(ctx context.Context, value int64) (int64, error)
}

// Runner feeds events from a Source into a Sink and checkpoints progress
// after each batch is durably projected.
type Runner struct {
	src  Source
	sink Sink
	opts *options

	// last sequence seen per tenant/room, for gap reporting
	last map[streamKey]int64
}

type streamKey struct{ tenant, room string }

// NewRunner creates a runner.
func NewRunner(src Source, sink Sink, opts ...Option) *Runner {
	return &Runner{
		src:  src,
		sink: sink,
		opts: newOptions(opts...),
		last: make(map[streamKey]int64),
	}
}

// Run projects until ctx is cancelled. It returns nil on cancellation.
func (r *Runner) Run(ctx context.Context) error {
	r.opts.logger.Info("projector started", "batch_size", r.opts.batchSize)
	for {
		n, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.opts.logger.Error("projection round failed", "error", err)
		}
		if n > 0 && err == nil {
			continue
		}
		if retry.Sleep(ctx, r.opts.pollInterval) != nil {
			r.opts.logger.Info("projector stopped")
			return nil
		}
	}
}

// RunOnce drains the source from the stored cursor and returns how many
// events were processed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	cursor, err := r.sink.ProjectorCursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}

	total := 0
	for {
		events, err := retry.DoWithResult(ctx, r.opts.retry, func(ctx context.Context) ([]Event, error) {
			return r.src.FetchSince(ctx, cursor, r.opts.batchSize)
		})
		if err != nil {
			return total, fmt.Errorf("fetch events after %d: %w", cursor, err)
		}
		if len(events) == 0 {
			return total, nil
		}

		r.observe(events)

		inserted, err := r.sink.ProjectEvents(ctx, events)
		if err != nil {
			return total, fmt.Errorf("project events: %w", err)
		}

		high := cursor
		for _, ev := range events {
			high = max(high, ev.Sequence)
		}
		if high <= cursor {
			return total, errors.New("projector: source returned no events past the cursor")
		}
		if cursor, err = r.sink.SetProjectorCursor(ctx, high); err != nil {
			return total, fmt.Errorf("write cursor: %w", err)
		}

		total += len(events)
		r.opts.logger.Debug("projected batch", "events", len(events), "items", len(inserted), "cursor", cursor)
		if len(events) < r.opts.batchSize {
			return total, nil
		}
	}
}

// observe logs sequence gaps. Gaps are informational: replayed events are
// absorbed by idempotent insertion.
func (r *Runner) observe(events []Event) {
	for _, ev := range events {
		k := streamKey{ev.TenantID, ev.RoomID}
		if prev, ok := r.last[k]; ok && ev.Sequence > prev+1 {
			r.opts.logger.Debug("event sequence gap",
				"tenant", ev.TenantID, "room", ev.RoomID, "from", prev, "to", ev.Sequence)
		}
		if ev.Sequence > r.last[k] {
			r.last[k] = ev.Sequence
		}
	}
}
