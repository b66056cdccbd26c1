// machinad runs the state machine registry as a standalone daemon: stores,
// timer wheel, archival and retention pipelines, NATS ingress, admin API and
// the observability listener, all wired from one config file.
//
// The daemon hosts a single order-lifecycle definition. Deployments with
// their own definitions embed pkg/registry as a library instead; this binary
// is the reference wiring.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxorio/machina/pkg/admin"
	"github.com/fluxorio/machina/pkg/archive"
	"github.com/fluxorio/machina/pkg/config"
	"github.com/fluxorio/machina/pkg/fsm"
	"github.com/fluxorio/machina/pkg/ingress"
	"github.com/fluxorio/machina/pkg/logging"
	"github.com/fluxorio/machina/pkg/metrics"
	"github.com/fluxorio/machina/pkg/registry"
	"github.com/fluxorio/machina/pkg/store"
	"github.com/fluxorio/machina/pkg/store/pgshard"
	"github.com/fluxorio/machina/pkg/store/sqlstore"
	"github.com/fluxorio/machina/pkg/timer"
	"github.com/fluxorio/machina/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := logging.LevelInfo
	if *debug {
		level = logging.LevelDebug
	}
	logger := logging.New(level)

	if err := run(*configPath, logger); err != nil {
		logger.Errorf("machinad: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, logger logging.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Infof("registry %s starting: backend %s", cfg.Registry.ID, cfg.Storage.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mx := metrics.Get()

	tp, err := tracing.Setup(tracing.Config{
		Exporter:    cfg.Tracing.Exporter,
		ZipkinURL:   cfg.Tracing.ZipkinURL,
		ServiceName: cfg.Registry.ID,
	}, logger)
	if err != nil {
		return err
	}

	snapshots, history, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	archiver := archive.NewManager(snapshots, history, archive.Config{
		Workers:       cfg.Archival.Workers,
		QueueCapacity: cfg.Archival.QueueCapacity,
		MaxRetries:    cfg.Archival.MaxRetries,
		BackoffBase:   time.Duration(cfg.Archival.BackoffBaseMs) * time.Millisecond,
		EnqueueWait:   time.Duration(cfg.Archival.EnqueueWaitMs) * time.Millisecond,
	}, logger, mx)
	archiver.Start(ctx)

	retention := archive.NewRetentionManager(history, archive.RetentionConfig{
		Horizon:       cfg.RetentionHorizon(),
		SweepInterval: time.Duration(cfg.Retention.SweepIntervalMinutes) * time.Minute,
	}, logger, mx)
	retention.Start(ctx)

	wheel := timer.NewWheel(logger)
	wheel.Start(ctx, cfg.TickPeriod())

	def, err := orderDefinition()
	if err != nil {
		return err
	}
	reg := registry.New(snapshots, history, registry.Options{
		DefaultFactory: func(id string) (*fsm.Machine, error) {
			return fsm.NewMachine(def, id), nil
		},
		Archiver:         archiver,
		Wheel:            wheel,
		RehydrateTimeout: cfg.RehydrateTimeout(),
		IdleTTL:          cfg.IdleTTL(),
		Tracer:           tp.Tracer("machina/registry"),
		Logger:           logger,
		Metrics:          mx,
	})
	reg.StartSweeper(ctx)

	// Reconcile machines that terminated before a previous shutdown finished
	// their archival.
	if n, err := archiver.MoveAllFinishedMachines(ctx, def.FinalStates()); err != nil {
		logger.Warnf("startup archival scan: %v", err)
	} else if n > 0 {
		logger.Infof("startup archival scan enqueued %d machines", n)
	}

	var ing *ingress.Server
	if cfg.Ingress.Enabled {
		ing, err = ingress.NewServer(reg, ingress.Config{
			URL:           cfg.Ingress.URL,
			SubjectPrefix: cfg.Ingress.SubjectPrefix,
			QueueGroup:    cfg.Ingress.QueueGroup,
			Name:          cfg.Registry.ID,
		}, logger)
		if err != nil {
			return err
		}
		if err := ing.Start(ctx); err != nil {
			return err
		}
	}

	var adminSrv *admin.Server
	if cfg.Admin.ListenAddr != "" {
		adminSrv = admin.NewServer(reg, snapshots, history, archiver, retention, admin.Config{
			ListenAddr: cfg.Admin.ListenAddr,
			JWTSecret:  cfg.Admin.JWTSecret,
		}, logger)
		go func() {
			if err := adminSrv.Start(); err != nil {
				logger.Errorf("admin API: %v", err)
			}
		}()
	}

	var obs *admin.ObsServer
	if cfg.Admin.ObsListenAddr != "" {
		obs = admin.NewObsServer(cfg.Admin.ObsListenAddr, metrics.DefaultRegistry, logger)
		reg.AddListener(obs.Listener())
		go func() {
			if err := obs.Start(); err != nil {
				logger.Errorf("observability listener: %v", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if ing != nil {
		ing.Close()
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("admin shutdown: %v", err)
		}
	}
	if obs != nil {
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("observability shutdown: %v", err)
		}
	}
	wheel.Stop()
	reg.StopSweeper()
	if err := archiver.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("archival shutdown: %v", err)
	}
	retention.Shutdown()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("tracing shutdown: %v", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// openStores wires the snapshot and history stores for the configured
// backend. The returned closer releases pools and file handles.
func openStores(ctx context.Context, cfg config.Config, logger logging.Logger) (store.SnapshotStore, store.HistoryStore, func(), error) {
	noop := func() {}

	switch cfg.Storage.Backend {
	case "memory":
		return store.NewMemorySnapshotStore(), store.NewMemoryHistoryStore(), noop, nil

	case "file":
		snaps, err := store.NewFileSnapshotStore(filepath.Join(cfg.Storage.Dir, "active"))
		if err != nil {
			return nil, nil, nil, err
		}
		hist, err := store.NewFileHistoryStore(filepath.Join(cfg.Storage.Dir, "history"))
		if err != nil {
			return nil, nil, nil, err
		}
		return snaps, hist, noop, nil

	case "sqlite":
		dsn := filepath.Join(cfg.Storage.Dir, cfg.ActiveDatabase()+".db")
		db, err := sqlstore.Open(ctx, sqlstore.DefaultPoolConfig(dsn, "sqlite3"))
		if err != nil {
			return nil, nil, nil, err
		}
		return finishSQL(ctx, db, sqlstore.DialectSQLite)

	case "postgres":
		db, err := sqlstore.Open(ctx, sqlstore.DefaultPoolConfig(cfg.Storage.DSN, "postgres"))
		if err != nil {
			return nil, nil, nil, err
		}
		return finishSQL(ctx, db, sqlstore.DialectPostgres)

	case "pgshard":
		var shards []pgshard.ShardConfig
		for _, sc := range cfg.Shards {
			if !sc.Enabled {
				continue
			}
			shards = append(shards, pgshard.ShardConfig{
				DSN:      sc.DSN(cfg.ActiveDatabase()),
				PoolSize: sc.ConnectionPoolSize,
			})
		}
		snaps, err := pgshard.New(ctx, shards, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		// History is unsharded: one postgres database named after the
		// registry, hosted on the first shard endpoint.
		first := firstEnabledShard(cfg.Shards)
		hdsn := first.DSN(cfg.HistoryDatabase())
		db, err := sqlstore.Open(ctx, sqlstore.DefaultPoolConfig(hdsn, "postgres"))
		if err != nil {
			snaps.Close()
			return nil, nil, nil, err
		}
		if err := sqlstore.EnsureSchema(ctx, db, sqlstore.DialectPostgres); err != nil {
			snaps.Close()
			db.Close()
			return nil, nil, nil, err
		}
		hist := sqlstore.NewHistoryStore(db, sqlstore.DialectPostgres)
		return snaps, hist, func() { snaps.Close(); db.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func finishSQL(ctx context.Context, db *sql.DB, dialect string) (store.SnapshotStore, store.HistoryStore, func(), error) {
	if err := sqlstore.EnsureSchema(ctx, db, dialect); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	snaps := sqlstore.NewSnapshotStore(db, dialect)
	hist := sqlstore.NewHistoryStore(db, dialect)
	return snaps, hist, func() { db.Close() }, nil
}

func firstEnabledShard(shards []config.ShardConfig) config.ShardConfig {
	for _, s := range shards {
		if s.Enabled {
			return s
		}
	}
	return config.ShardConfig{}
}

// orderDefinition is the daemon's built-in order lifecycle: pending orders
// confirm or cancel, confirmed orders ship, shipped orders deliver, and a
// pending order that sees no decision within the timeout cancels itself.
func orderDefinition() (*fsm.Definition, error) {
	return fsm.NewBuilder("order").
		Initial("pending").
		State("pending").
		TimeoutAfter(3600, "cancelled").
		On("confirm", "confirmed").Done().
		On("cancel", "cancelled").Done().
		Done().
		State("confirmed").
		On("ship", "shipped").Done().
		On("cancel", "cancelled").Done().
		Done().
		State("shipped").
		On("deliver", "delivered").Done().
		Done().
		State("delivered").Final(true).Done().
		State("cancelled").Final(true).Done().
		Build()
}
