// Command inbox-poller runs one consumer per configured actor against an
// inboxd endpoint and writes every delivered event to stdout as JSON lines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rbaliyan/inbox/consumer"
	"github.com/rbaliyan/inbox/consumer/httpupstream"
	"github.com/rbaliyan/inbox/internal/config"
)

func main() {
	var (
		configFile string
		actors     string
	)
	flag.StringVar(&configFile, "config", "", "Path to YAML configuration file")
	flag.StringVar(&actors, "actors", "", "Comma separated actor ids (overrides configuration)")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	if actors != "" {
		cfg.Poller.Actors = strings.Split(actors, ",")
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("inbox-poller failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if len(cfg.Poller.Actors) == 0 {
		return errors.New("no actors configured")
	}
	cfgs := make([]consumer.Config, 0, len(cfg.Poller.Actors))
	for _, actor := range cfg.Poller.Actors {
		cfgs = append(cfgs, consumer.Config{
			ActorID:   strings.TrimSpace(actor),
			TenantID:  cfg.Poller.TenantID,
			RoomID:    cfg.Poller.RoomID,
			Types:     cfg.Poller.Types,
			PollWait:  cfg.Poller.PollWait,
			AutoAck:   cfg.Poller.AutoAck,
			Heartbeat: true,
		})
	}

	up := httpupstream.New(cfg.Poller.URL, httpupstream.WithLogger(logger))
	group, err := consumer.NewGroup(up, cfgs, consumer.WithLogger(logger))
	if err != nil {
		return err
	}

	var mu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	handle := func(c *consumer.Consumer, msg consumer.Message) {
		switch m := msg.(type) {
		case consumer.EventMessage:
			mu.Lock()
			defer mu.Unlock()
			if err := enc.Encode(struct {
				Actor string         `json:"actor"`
				Event consumer.Event `json:"event"`
			}{c.Config().ActorID, m.Event}); err != nil {
				logger.Warn("write event failed", "error", err)
			}
		case consumer.BatchMessage:
			logger.Debug("batch delivered", "actor", c.Config().ActorID, "events", len(m.Events), "cursor", m.Cursor)
		case consumer.ErrorMessage:
			logger.Warn("upstream call failed", "actor", c.Config().ActorID, "op", m.Op, "attempt", m.Attempt, "error", m.Err)
		case consumer.ClosedMessage:
			logger.Info("consumer closed", "actor", c.Config().ActorID)
		}
	}

	logger.Info("polling", "url", cfg.Poller.URL, "actors", len(cfgs))
	runErr := group.Run(ctx, handle)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(runErr, group.Stop(stopCtx))
}
