package consumer

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Group runs one consumer per config against a shared upstream.
type Group struct {
	consumers []*Consumer
}

// NewGroup creates a consumer for every config. Configs are validated up
// front, so a group is never partially constructed.
func NewGroup(up Upstream, cfgs []Config, opts ...Option) (*Group, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("%w: no consumers configured", ErrInvalidConfig)
	}
	g := &Group{consumers: make([]*Consumer, 0, len(cfgs))}
	for i, cfg := range cfgs {
		c, err := New(up, cfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("consumer %d: %w", i, err)
		}
		g.consumers = append(g.consumers, c)
	}
	return g, nil
}

// Consumers returns the group's consumers in config order.
func (g *Group) Consumers() []*Consumer {
	return g.consumers
}

// Run starts every consumer and calls handle for each message, serially
// per consumer. It returns once ctx is done and every consumer has
// delivered its ClosedMessage. If a consumer fails to start, the ones
// already started are stopped before Run returns the error.
func (g *Group) Run(ctx context.Context, handle func(*Consumer, Message)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egCtx := errgroup.WithContext(runCtx)
	for i, c := range g.consumers {
		if err := c.Start(egCtx); err != nil {
			cancel()
			_ = eg.Wait()
			return fmt.Errorf("start consumer %d: %w", i, err)
		}
		eg.Go(func() error {
			for msg := range c.Messages() {
				if handle != nil {
					handle(c, msg)
				}
			}
			return nil
		})
	}
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop stops every consumer, waiting for each until ctx is done.
func (g *Group) Stop(ctx context.Context) error {
	var errs []error
	for _, c := range g.consumers {
		if err := c.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
