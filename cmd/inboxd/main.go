// Command inboxd runs the inbox service: the projection runner that turns
// domain events into inbox items, and the HTTP endpoint consumers poll.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rbaliyan/inbox"
	"github.com/rbaliyan/inbox/counter"
	"github.com/rbaliyan/inbox/httpapi"
	"github.com/rbaliyan/inbox/internal/config"
	"github.com/rbaliyan/inbox/projector"
	"github.com/rbaliyan/inbox/resolver"
	"github.com/rbaliyan/inbox/store"
	"github.com/rbaliyan/inbox/store/file"
	inboxmongo "github.com/rbaliyan/inbox/store/mongo"
	"github.com/rbaliyan/inbox/store/sqldb"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	var (
		configFile  string
		showVersion bool
	)
	flag.StringVar(&configFile, "config", "", "Path to YAML configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: inboxd [options]\n\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables prefixed with %s override the file, e.g.\n", config.EnvPrefix)
		fmt.Fprintf(os.Stderr, "  INBOX_STORE_DRIVER      file, postgres, sqlite3, mongo\n")
		fmt.Fprintf(os.Stderr, "  INBOX_COUNTER_BACKEND   memory, redis\n")
		fmt.Fprintf(os.Stderr, "  INBOX_HTTP_ADDR         listen address\n")
		fmt.Fprintf(os.Stderr, "  INBOX_PROJECTOR_SOURCE  JSON-lines event log\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("inboxd version %s\n", version)
		return
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("inboxd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanups []func(context.Context) error
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](shutdownCtx); err != nil {
				logger.Warn("cleanup failed", "error", err)
			}
		}
	}()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closeStore != nil {
		cleanups = append(cleanups, closeStore)
	}

	opts := []inbox.Option{
		inbox.WithStore(st),
		inbox.WithLogger(logger),
		inbox.WithProjectorName(cfg.Projector.Name),
		inbox.WithOTel(cfg.OTel),
	}
	if cfg.UsesRedis() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanups = append(cleanups, func(context.Context) error { return rdb.Close() })
		if cfg.Counter.Backend == config.CounterRedis {
			opts = append(opts, inbox.WithCounter(counter.NewRedis(rdb, counter.WithPrefix(cfg.Counter.Prefix))))
		}
		if cfg.Redis.Events {
			opts = append(opts, inbox.WithRedisClient(rdb))
		}
	}

	svc, err := inbox.NewService(opts...)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Connect(ctx); err != nil {
		return fmt.Errorf("connect service: %w", err)
	}
	cleanups = append(cleanups, svc.Close)

	if cfg.Projector.RebuildCounters {
		res, err := svc.RebuildUnreadCounters(ctx)
		if err != nil {
			return fmt.Errorf("rebuild counters: %w", err)
		}
		logger.Info("unread counters rebuilt", "keys", res.Keys, "unread", res.Unread, "drifted", res.Drifted)
	}

	up := inbox.NewLocalUpstream(svc,
		inbox.WithRoomResolver(resolver.NewStatic(cfg.HTTP.RoomAliases, resolver.WithDefaultRoom(cfg.HTTP.DefaultRoom))),
		inbox.WithMaxPollWait(cfg.HTTP.MaxPollWait),
		inbox.WithPresenceTTL(cfg.HTTP.PresenceTTL),
		inbox.WithUpstreamLogger(logger),
	)
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewHandler(up,
			httpapi.WithLogger(logger),
			httpapi.WithBootstrapLimit(cfg.HTTP.BootstrapInterval, cfg.HTTP.BootstrapBurst),
			httpapi.WithOTel(cfg.OTel),
		),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTP.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", ln.Addr().String(), "version", version)
		return serve(gctx, srv, ln, logger, shutdownTimeout)
	})
	if cfg.Projector.Source != "" {
		runner := projector.NewRunner(projector.NewJSONLSource(cfg.Projector.Source), svc,
			projector.WithBatchSize(cfg.Projector.BatchSize),
			projector.WithPollInterval(cfg.Projector.PollInterval),
			projector.WithLogger(logger.With("component", "projector")),
		)
		g.Go(func() error { return runner.Run(gctx) })
	} else {
		logger.Info("no projector source configured, serving only")
	}
	return g.Wait()
}

// serve runs srv on ln until ctx is done. Request contexts derive from a
// context cancelled at shutdown, so long-polls return before Shutdown waits
// on them.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger, timeout time.Duration) error {
	reqCtx, cancelRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRequests()
	srv.BaseContext = func(net.Listener) context.Context { return reqCtx }

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	cancelRequests()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}

// openStore builds the configured store. The returned cleanup releases
// driver resources the store does not own.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(context.Context) error, error) {
	switch cfg.Store.Driver {
	case config.DriverFile:
		return file.New(cfg.Store.Path, file.WithLogger(logger)), nil, nil
	case config.DriverPostgres, config.DriverSQLite:
		s, err := sqldb.Open(cfg.Store.Driver, cfg.Store.DSN,
			sqldb.WithTable(cfg.Store.TablePrefix+"items"),
			sqldb.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, err
		}
		return s, func(context.Context) error { return s.DB().Close() }, nil
	case config.DriverMongo:
		client, err := mongo.Connect(mongoopts.Client().ApplyURI(cfg.Store.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		s := inboxmongo.New(client,
			inboxmongo.WithDatabase(cfg.Store.MongoDatabase),
			inboxmongo.WithLogger(logger),
		)
		return s, client.Disconnect, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
