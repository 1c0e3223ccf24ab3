// stateflowd is the state machine runtime daemon: it hosts the registry,
// takes events in over NATS, serves the operator API over HTTP and streams
// transition snapshots to websocket observers.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stateflowio/stateflow/pkg/config"
	"github.com/stateflowio/stateflow/pkg/core"
	"github.com/stateflowio/stateflow/pkg/db"
	"github.com/stateflowio/stateflow/pkg/fsm"
	"github.com/stateflowio/stateflow/pkg/history"
	"github.com/stateflowio/stateflow/pkg/ingest"
	promexport "github.com/stateflowio/stateflow/pkg/observability/prometheus"
	"github.com/stateflowio/stateflow/pkg/observability/tracing"
	"github.com/stateflowio/stateflow/pkg/observer"
	"github.com/stateflowio/stateflow/pkg/persistence"
	"github.com/stateflowio/stateflow/pkg/registry"
	"github.com/stateflowio/stateflow/pkg/web"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	flag.Parse()

	logger := core.NewDefaultLogger()
	if err := run(*configPath, logger); err != nil {
		logger.Errorf("stateflowd: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, logger core.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, traceShutdown, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer traceShutdown(context.Background())

	provider, store, err := buildStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer provider.Close()

	var reg *registry.Registry
	bus := observer.NewBus(
		observer.WithSampling(cfg.Observer.SampleN),
		observer.WithDebug(cfg.Observer.Debug),
		observer.WithBusLogger(logger),
		observer.OnSubscribersGone(func() {
			if reg != nil {
				reg.PurgeDebugCache()
			}
		}),
	)

	if cfg.Observer.Debug {
		logTap := observer.AttachLogger(bus, logger)
		defer logTap.Close()
	}

	metrics := promexport.NewRegistryMetrics(prometheus.DefaultRegisterer, "stateflowd")

	regOpts := []registry.RegistryOption{
		registry.WithBus(bus),
		registry.WithMetrics(metrics),
		registry.WithQueueSize(cfg.Registry.QueueSize),
		registry.WithRetryPolicy(persistence.RetryPolicy{
			Attempts:  cfg.Registry.RetryAttempts,
			BaseDelay: cfg.Registry.RetryBaseDelay.Std(),
		}),
		registry.WithDebugCacheSize(cfg.Registry.DebugCacheSize),
		registry.WithArchiverWorkers(cfg.History.ArchiverWorkers),
		registry.WithRegistryLogger(logger),
		registry.WithFatalHandler(func(err error) {
			logger.Errorf("unrecoverable storage failure, exiting: %v", err)
			os.Exit(1)
		}),
	}
	if store != nil {
		regOpts = append(regOpts, registry.WithHistoryStore(store))
	}
	reg = registry.New(provider, regOpts...)

	if err := reg.RegisterDefinition(callSessionDefinition()); err != nil {
		return fmt.Errorf("register definition: %w", err)
	}

	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("registry start: %w", err)
	}
	defer func() {
		grace, cancel := context.WithTimeout(context.Background(), cfg.Registry.ShutdownGrace.Std())
		defer cancel()
		if err := reg.Shutdown(grace); err != nil {
			logger.Errorf("shutdown: %v", err)
		}
	}()

	retention := history.NewRetention(reg.HistoryStore(), cfg.History.RetentionMaxAge.Std(),
		history.WithRetentionInterval(cfg.History.RetentionInterval.Std()),
		history.WithRetentionLogger(logger),
	)
	retention.Start()
	defer retention.Stop()

	nc, ncCleanup, err := connectNATS(cfg, logger)
	if err != nil {
		return err
	}
	defer ncCleanup()

	source := ingest.NewNATSSource(nc, reg, cfg.NATS.SubjectPrefix,
		ingest.WithSourceLogger(logger),
		ingest.WithTracer(tracer),
	)
	if err := source.Start(); err != nil {
		return fmt.Errorf("nats source: %w", err)
	}
	defer source.Stop()

	relay := observer.NewNATSPublisher(nc, bus, cfg.NATS.SubjectPrefix, logger)
	defer relay.Close()

	adminOpts := []web.AdminOption{web.WithAdminLogger(logger), web.WithTracer(tracer)}
	if cfg.Auth.APIKeyHash != "" {
		adminOpts = append(adminOpts, web.WithAPIKeyHash([]byte(cfg.Auth.APIKeyHash)))
	}
	admin := web.NewAdminServer(reg, adminOpts...)
	go func() {
		if err := admin.ListenAndServe(cfg.Server.AdminAddr); err != nil {
			logger.Errorf("admin api: %v", err)
		}
	}()
	defer admin.Shutdown()

	go serveMetrics(cfg.Server.MetricsAddr, logger)
	go serveStream(cfg, bus, logger)

	logger.Infof("stateflowd up: admin=%s metrics=%s stream=%s nats=%s driver=%s",
		cfg.Server.AdminAddr, cfg.Server.MetricsAddr, cfg.Server.StreamAddr,
		cfg.NATS.URL, cfg.Persistence.Driver)

	<-ctx.Done()
	logger.Infof("signal received, shutting down")
	return nil
}

// buildStorage assembles the persistence provider and, for SQL drivers, the
// history store sharing its pool. The memory driver returns a nil store so
// the registry falls back to its in-memory archive.
func buildStorage(cfg config.Config, logger core.Logger) (persistence.Provider, history.Store, error) {
	if cfg.Persistence.Driver == "memory" {
		logger.Warnf("memory persistence selected: machines do not survive restarts")
		return persistence.NewMemoryProvider(), nil, nil
	}

	dsns := cfg.Persistence.ShardDSNs
	if len(dsns) == 0 {
		dsns = []string{cfg.Persistence.DSN}
	}

	var shards []persistence.Provider
	var firstPool *db.Pool
	for _, dsn := range dsns {
		pool, err := db.NewPool(db.PoolConfig{
			DriverName:   cfg.Persistence.Driver,
			DSN:          dsn,
			MaxOpenConns: cfg.Persistence.MaxOpenConns,
			MaxIdleConns: cfg.Persistence.MaxIdleConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open pool %s: %w", dsn, err)
		}
		if firstPool == nil {
			firstPool = pool
		}
		p, err := persistence.NewSQLProvider(pool, cfg.Persistence.Table)
		if err != nil {
			return nil, nil, err
		}
		shards = append(shards, p)
	}

	if len(shards) == 1 {
		store, err := history.NewSQLStore(firstPool, cfg.History.Table, cfg.Persistence.Table)
		if err != nil {
			return nil, nil, err
		}
		return shards[0], store, nil
	}

	sharded, err := persistence.NewShardedProvider(shards...)
	if err != nil {
		return nil, nil, err
	}
	// The archive lives on the first shard's database; active rows are spread
	// across all shards, so the move's delete must go through the provider.
	store, err := history.NewSQLStore(firstPool, cfg.History.Table, cfg.Persistence.Table,
		history.WithActiveProvider(sharded))
	if err != nil {
		return nil, nil, err
	}
	return sharded, store, nil
}

// connectNATS dials the configured server, or boots an embedded one first.
func connectNATS(cfg config.Config, logger core.Logger) (*nats.Conn, func(), error) {
	url := cfg.NATS.URL
	cleanup := func() {}

	if cfg.NATS.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{
			Host:      "127.0.0.1",
			Port:      -1,
			JetStream: false,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("embedded nats: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(10 * time.Second) {
			return nil, nil, fmt.Errorf("embedded nats did not come up")
		}
		url = srv.ClientURL()
		cleanup = srv.Shutdown
		logger.Infof("embedded nats server on %s", url)
	}

	nc, err := nats.Connect(url,
		nats.Name("stateflowd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, func() {
		nc.Drain()
		cleanup()
	}, nil
}

func serveMetrics(addr string, logger core.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorf("metrics endpoint: %v", err)
	}
}

func serveStream(cfg config.Config, bus *observer.Bus, logger core.Logger) {
	wsOpts := []observer.WSOption{
		observer.WithWSBuffer(cfg.Observer.WSBuffer),
		observer.WithWSLogger(logger),
	}
	if cfg.Auth.JWTSecret != "" {
		wsOpts = append(wsOpts, observer.WithJWTSecret([]byte(cfg.Auth.JWTSecret)))
	}
	mux := http.NewServeMux()
	mux.Handle("/stream", observer.NewWSServer(bus, wsOpts...))
	if err := http.ListenAndServe(cfg.Server.StreamAddr, mux); err != nil {
		logger.Errorf("stream endpoint: %v", err)
	}
}

// callSessionDefinition is the workflow bundled with the reference daemon.
// Deployments embedding the runtime register their own definitions instead.
func callSessionDefinition() *fsm.Definition {
	def, err := fsm.NewBuilder("call-session").
		InitialState("IDLE").
		State("IDLE").
		On("Incoming", "RINGING").
		Offline(true).
		Done().
		State("RINGING").
		On("Answer", "CONNECTED").
		On("Hangup", "HUNGUP").
		Timeout(30*time.Second, "MISSED").
		Done().
		State("CONNECTED").
		On("Hangup", "HUNGUP").
		On("Hold", "ON_HOLD").
		Done().
		State("ON_HOLD").
		On("Resume", "CONNECTED").
		On("Hangup", "HUNGUP").
		Timeout(5*time.Minute, "HUNGUP").
		Done().
		State("MISSED").
		Final(true).
		Done().
		State("HUNGUP").
		Final(true).
		Done().
		Build()
	if err != nil {
		panic(err)
	}
	return def
}
