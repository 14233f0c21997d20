package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quantfleet/ordergate/internal/alerts"
	"github.com/quantfleet/ordergate/internal/breaker"
	"github.com/quantfleet/ordergate/internal/config"
	"github.com/quantfleet/ordergate/internal/events"
	"github.com/quantfleet/ordergate/internal/fills"
	"github.com/quantfleet/ordergate/internal/limits"
	"github.com/quantfleet/ordergate/internal/metrics"
	"github.com/quantfleet/ordergate/internal/queue"
	"github.com/quantfleet/ordergate/internal/ratelimit"
	"github.com/quantfleet/ordergate/internal/scheduler"
	"github.com/quantfleet/ordergate/internal/store"
	"github.com/quantfleet/ordergate/internal/venue"
	"github.com/quantfleet/ordergate/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("engine exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}

	repo, err := store.NewGormStore(db, logger.Component(log, "store"))
	if err != nil {
		return err
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis not available, proceeding without shared limit cache", zap.Error(err))
		} else {
			cache = rdb
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	quotas := limits.NewStaticQuotaSource()
	registry := venue.NewRegistry(logger.Component(log, "venue"))
	pushEvents := make(chan venue.PushEvent, 1024)
	var sessions []*venue.Session
	for _, vc := range cfg.Venues {
		// Live adapters register here as they are implemented; paper mode
		// runs against the simulator.
		registry.Register(venue.NewSimAdapter(vc.Name))
		if vc.AccountQuota > 0 {
			quotas.SetAccountQuota(vc.Name, vc.Market, vc.AccountQuota)
		}
		for symbol, quota := range vc.SymbolQuotas {
			quotas.SetSymbolQuota(vc.Name, vc.Market, symbol, quota)
		}
		if vc.PushURL != "" {
			sessions = append(sessions,
				venue.NewSession(vc.Name, vc.PushURL, pushEvents, logger.Component(log, "session")))
		}
	}

	tracker := limits.NewTracker(quotas, cache, cfg.Limits, logger.Component(log, "limits"))
	limiter := ratelimit.NewLimiter(cfg.RateLimit, logger.Component(log, "ratelimit"))
	brk := breaker.New(cfg.Breaker.MaxFailures, m, logger.Component(log, "breaker"))

	var emitter events.Emitter = events.NewBus(logger.Component(log, "events"))
	if cfg.Kafka.Enabled {
		emitter = events.Multi{
			emitter,
			events.NewKafkaEmitter(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Component(log, "kafka")),
		}
	}
	defer emitter.Close()

	sink := alerts.NewSafe(alerts.NewLogSink(logger.Component(log, "alerts")), log)

	manager := queue.NewManager(cfg.Queue, repo, tracker, limiter, brk, registry,
		sink, emitter, m, logger.Component(log, "queue"))

	monitor := fills.NewMonitor(cfg.Fills, repo, registry, manager, emitter, m,
		pushEvents, logger.Component(log, "fills"))
	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	sched := scheduler.New(cfg.Scheduler, repo, manager, logger.Component(log, "scheduler"))
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	for _, s := range sessions {
		if err := s.Start(ctx); err != nil {
			return err
		}
		defer s.Stop()
	}

	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}()

	log.Info("order admission engine running",
		zap.String("environment", cfg.Environment),
		zap.Strings("venues", registry.List()))

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch cfg.Database.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.Database.DSN), gormCfg)
	default:
		return gorm.Open(sqlite.Open(cfg.Database.DSN), gormCfg)
	}
}
