package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"reqledger/pkg/config"
	"reqledger/pkg/hardening"
	"reqledger/pkg/httpx"
	"reqledger/pkg/idempotency"
	"reqledger/pkg/inbound"
	"reqledger/pkg/ledgerbus"
	"reqledger/pkg/logx"
	"reqledger/pkg/metrics"
	"reqledger/pkg/ratelimit"
	"reqledger/pkg/store"
	"reqledger/pkg/stream"
	"reqledger/pkg/telemetry"
)

const serviceName = "ledgerd"

type postgresDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type initTelemetryFunc func(ctx context.Context, o telemetry.Options, log *logx.Logger) (func(context.Context) error, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
	openRedisFn     = store.NewRedis
	openPostgresFn  = func(ctx context.Context, opts store.PostgresOptions) (postgresDB, error) {
		return store.NewPostgresPool(ctx, opts)
	}
	newPublisherFn = func(cfg ledgerbus.KafkaConfig, log *logx.Logger) (*ledgerbus.Publisher, error) {
		return ledgerbus.NewKafkaPublisher(cfg, log)
	}
	gaugeInterval = 15 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg, err := config.Load(".env")
	if err != nil {
		logFatalf("ledgerd: %v", err)
		return
	}
	if err := runLedgerd(ctx, cfg, initTelemetryFn, listenFn); err != nil {
		logFatalf("ledgerd: %v", err)
	}
}

func runLedgerd(ctx context.Context, cfg config.Config, initTelemetry initTelemetryFunc, listen listenFunc) error {
	logger := logx.New(os.Stderr, logx.ParseLevel(cfg.LogLevel))
	if err := hardening.ValidateProduction(cfg.HardeningOptions(serviceName)); err != nil {
		return err
	}
	if initTelemetry == nil || listen == nil {
		return errors.New("telemetry and listen functions required")
	}
	shutdown, err := initTelemetry(ctx, telemetry.OptionsFromEnv(serviceName), logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	s, closeFn, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	s.startLoops(loopCtx)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	logger.Infof("ledgerd listening on %s (backend=%s)", cfg.Addr, s.backend)

	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Infof("ledgerd shutting down")
		return server.Shutdown(shutdownCtx)
	}
}

type server struct {
	cfg       config.Config
	log       *logx.Logger
	backend   string
	cache     store.Cache
	ledger    *store.LedgerStore
	engine    *idempotency.Engine
	metrics   *metrics.Registry
	events    *stream.Hub
	publisher *ledgerbus.Publisher
	limiter   ratelimit.Limiter
	purger    *store.PostgresCache
}

// newServer opens the configured ledger backend and assembles the engine
// with its observers. The returned func releases every opened resource.
func newServer(ctx context.Context, cfg config.Config, logger *logx.Logger) (*server, func(), error) {
	s := &server{
		cfg:     cfg,
		log:     logger,
		metrics: metrics.NewRegistry(),
		events:  stream.NewHub(100),
	}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var redisClient *redis.Client
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		s.backend = config.BackendMemory
		s.cache = store.NewMemoryCache()
	case config.BackendPostgres:
		db, err := openPostgresFn(ctx, cfg.PostgresOptions())
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, db.Close)
		pc := store.NewPostgresCache(db)
		if err := pc.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		s.backend = config.BackendPostgres
		s.cache = pc
		s.purger = pc
	case config.BackendRedis:
		client, err := openRedisFn(ctx, cfg.RedisOptions())
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		redisClient = client
		s.backend = config.BackendRedis
		s.cache = store.NewRedisCache(client)
	default:
		client, err := openRedisFn(ctx, cfg.RedisOptions())
		if err != nil {
			logger.Warnf("redis unavailable, falling back to in-memory ledger: %v", err)
			client = nil
		}
		redisClient = client
		s.cache = store.NewCache(ctx, client)
		s.backend = config.BackendMemory
		if _, ok := s.cache.(*store.RedisCache); ok {
			s.backend = config.BackendRedis
		}
	}
	if redisClient != nil {
		closers = append(closers, func() { _ = redisClient.Close() })
	}

	if cfg.RateLimitPerMin > 0 {
		if redisClient != nil {
			s.limiter = ratelimit.NewRedis(redisClient, cfg.RateLimitWindow)
		} else {
			s.limiter = ratelimit.NewInMemory(cfg.RateLimitWindow)
		}
	}

	observers := idempotency.Observers{metricsObserver(s.metrics), s.events}
	if cfg.Kafka.Enabled {
		pub, err := newPublisherFn(ledgerbus.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("kafka: %w", err)
		}
		s.publisher = pub
		observers = append(observers, pub)
		closers = append(closers, func() { _ = pub.Close() })
	}

	s.ledger = store.NewLedgerStore(s.cache, cfg.LedgerOptions())
	s.engine = idempotency.New(s.ledger, idempotency.WithLogger(logger), idempotency.WithObserver(observers))
	return s, closeAll, nil
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(s.metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/metrics", s.metrics.Handler())
	r.Get("/metrics/prometheus", s.metrics.PrometheusHandler())

	maxBody := s.cfg.Ledger.MaxBodyBytes
	orders := inbound.New(s.engine, inbound.Config{SaveRequestBody: true, MaxBodyBytes: maxBody, MaxResponseBytes: maxBody}, s.log)
	echo := inbound.New(s.engine, inbound.Config{RequireRequestID: true, MaxBodyBytes: maxBody, MaxResponseBytes: maxBody}, s.log)

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(s.limiter, s.cfg.RateLimitPerMin, ratelimit.ClientIP))
		r.With(orders.Handler).Post("/v1/orders", s.createOrder)
		r.With(echo.Handler).Post("/v1/echo", s.echo)
	})

	r.Get("/v1/ledger/events", s.streamEvents)
	r.Get("/v1/ledger/{request_id}", s.getEntry)
	r.Delete("/v1/ledger/{request_id}", s.deleteEntry)
	return r
}

func (s *server) startLoops(ctx context.Context) {
	if s.publisher != nil {
		go s.publisher.Run(ctx)
	}
	if s.purger != nil && s.cfg.Ledger.PurgeInterval > 0 {
		go s.purgeLoop(ctx, s.cfg.Ledger.PurgeInterval)
	}
	go s.gaugeLoop(ctx, gaugeInterval)
}

func (s *server) purgeLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeOnce(ctx)
		}
	}
}

func (s *server) purgeOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := s.purger.PurgeExpired(ctx)
	if err != nil {
		s.log.Warnf("purge expired ledger rows: %v", err)
		return
	}
	if n > 0 {
		s.log.Infof("purged %d expired ledger rows", n)
	}
	s.metrics.SetGauge("ledger_purged_last", float64(n))
}

func (s *server) gaugeLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	s.updateGauges()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateGauges()
		}
	}
}

func (s *server) updateGauges() {
	s.metrics.SetGauge("stream_subscribers", float64(s.events.Subscribers()))
	s.metrics.SetGauge("stream_dropped", float64(s.events.Dropped()))
	if s.publisher != nil {
		dropped, failed := s.publisher.Stats()
		s.metrics.SetGauge("bus_dropped", float64(dropped))
		s.metrics.SetGauge("bus_failed", float64(failed))
	}
	if mem, ok := s.cache.(*store.MemoryCache); ok {
		s.metrics.SetGauge("ledger_memory_entries", float64(mem.Len()))
	}
}

// metricsObserver counts engine decisions, recorded outcomes and error codes.
func metricsObserver(reg *metrics.Registry) idempotency.Observer {
	return idempotency.ObserverFunc(func(_ context.Context, evt idempotency.Event) {
		switch evt.Type {
		case idempotency.EventCreated:
			reg.IncDecision("execute")
		case idempotency.EventReplayed:
			reg.IncDecision("replay")
		case idempotency.EventRejected:
			reg.IncDecision("reject")
			reg.IncErrorCode(evt.Code)
		case idempotency.EventRecorded:
			reg.IncOutcome(string(evt.Status))
		case idempotency.EventRecordFailed:
			reg.IncOutcome("record_failed")
			reg.IncErrorCode(evt.Code)
		}
	})
}
