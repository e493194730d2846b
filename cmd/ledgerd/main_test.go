package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqledger/pkg/config"
	"reqledger/pkg/idempotency"
	"reqledger/pkg/ledgerbus"
	"reqledger/pkg/logx"
	"reqledger/pkg/metrics"
	"reqledger/pkg/store"
	"reqledger/pkg/telemetry"
)

func testConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	cfg, err := config.FromLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.NoError(t, err)
	return cfg
}

func noTelemetry(context.Context, telemetry.Options, *logx.Logger) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

type fakeDB struct {
	execErr error
	pingErr error
	tag     string
	closed  bool
	sql     []string
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag(f.tag), nil
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return missingRow{} }
func (f *fakeDB) Ping(context.Context) error                       { return f.pingErr }
func (f *fakeDB) Close()                                           { f.closed = true }

type missingRow struct{}

func (missingRow) Scan(...any) error { return pgx.ErrNoRows }

func stubPostgres(t *testing.T, db *fakeDB, err error) {
	t.Helper()
	orig := openPostgresFn
	openPostgresFn = func(context.Context, store.PostgresOptions) (postgresDB, error) {
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	t.Cleanup(func() { openPostgresFn = orig })
}

func TestRunLedgerdServesRoutes(t *testing.T) {
	cfg := testConfig(t, map[string]string{"LEDGER_BACKEND": "memory", "ADDR": "127.0.0.1:0"})

	var handler http.Handler
	err := runLedgerd(context.Background(), cfg, noTelemetry, func(srv *http.Server) error {
		handler = srv.Handler
		assert.Equal(t, 15*time.Second, srv.ReadTimeout)
		return http.ErrServerClosed
	})
	require.NoError(t, err)
	require.NotNil(t, handler)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"backend":"memory"`)
}

func TestRunLedgerdErrors(t *testing.T) {
	t.Run("nil functions", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"LEDGER_BACKEND": "memory"})
		assert.Error(t, runLedgerd(context.Background(), cfg, nil, nil))
	})

	t.Run("telemetry", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"LEDGER_BACKEND": "memory"})
		err := runLedgerd(context.Background(), cfg, func(context.Context, telemetry.Options, *logx.Logger) (func(context.Context) error, error) {
			return nil, errors.New("collector down")
		}, func(*http.Server) error { return nil })
		assert.ErrorContains(t, err, "otel")
	})

	t.Run("production hardening", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"LEDGER_BACKEND": "memory", "ENVIRONMENT": "production"})
		err := runLedgerd(context.Background(), cfg, noTelemetry, func(*http.Server) error { return nil })
		assert.ErrorContains(t, err, "in-memory ledger backend")
	})

	t.Run("listen", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"LEDGER_BACKEND": "memory"})
		err := runLedgerd(context.Background(), cfg, noTelemetry, func(*http.Server) error { return errors.New("address in use") })
		assert.ErrorContains(t, err, "address in use")
	})

	t.Run("redis unavailable", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"LEDGER_BACKEND": "redis", "REDIS_ADDR": "127.0.0.1:1"})
		orig := openRedisFn
		openRedisFn = func(context.Context, store.RedisOptions) (*redis.Client, error) { return nil, errors.New("refused") }
		defer func() { openRedisFn = orig }()
		err := runLedgerd(context.Background(), cfg, noTelemetry, func(*http.Server) error { return nil })
		assert.ErrorContains(t, err, "redis: refused")
	})

	t.Run("postgres unavailable", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"LEDGER_BACKEND": "postgres"})
		stubPostgres(t, nil, errors.New("no route"))
		err := runLedgerd(context.Background(), cfg, noTelemetry, func(*http.Server) error { return nil })
		assert.ErrorContains(t, err, "postgres: no route")
	})

	t.Run("postgres schema", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"LEDGER_BACKEND": "postgres"})
		db := &fakeDB{execErr: errors.New("permission denied")}
		stubPostgres(t, db, nil)
		err := runLedgerd(context.Background(), cfg, noTelemetry, func(*http.Server) error { return nil })
		assert.ErrorContains(t, err, "postgres schema")
		assert.True(t, db.closed)
	})

	t.Run("kafka", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"LEDGER_BACKEND": "memory", "KAFKA_ENABLED": "true", "KAFKA_BROKERS": "k1:9092"})
		orig := newPublisherFn
		newPublisherFn = func(ledgerbus.KafkaConfig, *logx.Logger) (*ledgerbus.Publisher, error) {
			return nil, errors.New("bad brokers")
		}
		defer func() { newPublisherFn = orig }()
		err := runLedgerd(context.Background(), cfg, noTelemetry, func(*http.Server) error { return nil })
		assert.ErrorContains(t, err, "kafka: bad brokers")
	})
}

func TestRunLedgerdShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t, map[string]string{"LEDGER_BACKEND": "memory", "ADDR": "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- runLedgerd(ctx, cfg, noTelemetry, func(srv *http.Server) error {
			close(started)
			return srv.ListenAndServe()
		})
	}()
	<-started
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ledgerd did not shut down")
	}
}

func TestMainCallsLogFatalfOnError(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "memory")
	origFatal, origTelemetry, origListen := logFatalf, initTelemetryFn, listenFn
	defer func() { logFatalf, initTelemetryFn, listenFn = origFatal, origTelemetry, origListen }()

	var fatal string
	logFatalf = func(format string, args ...any) { fatal = format }
	initTelemetryFn = noTelemetry
	listenFn = func(*http.Server) error { return nil }
	main()
	assert.Empty(t, fatal)

	initTelemetryFn = func(context.Context, telemetry.Options, *logx.Logger) (func(context.Context) error, error) {
		return nil, errors.New("boom")
	}
	main()
	assert.Equal(t, "ledgerd: %v", fatal)

	fatal = ""
	t.Setenv("LEDGER_TTL_SEC", "soon")
	main()
	assert.Equal(t, "ledgerd: %v", fatal)
}

func TestNewServerBackends(t *testing.T) {
	ctx := context.Background()

	t.Run("auto falls back to memory", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"RATE_LIMIT_PER_MIN": "5"})
		orig := openRedisFn
		openRedisFn = func(context.Context, store.RedisOptions) (*redis.Client, error) { return nil, errors.New("refused") }
		defer func() { openRedisFn = orig }()
		s, closeFn, err := newServer(ctx, cfg, logx.Discard())
		require.NoError(t, err)
		defer closeFn()
		assert.Equal(t, config.BackendMemory, s.backend)
		assert.NotNil(t, s.limiter)
	})

	t.Run("auto picks redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(t, map[string]string{"REDIS_ADDR": mr.Addr()})
		s, closeFn, err := newServer(ctx, cfg, logx.Discard())
		require.NoError(t, err)
		defer closeFn()
		assert.Equal(t, config.BackendRedis, s.backend)
		assert.Nil(t, s.limiter)
	})

	t.Run("postgres purges expired rows", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"LEDGER_BACKEND": "postgres"})
		db := &fakeDB{tag: "DELETE 3"}
		stubPostgres(t, db, nil)
		s, closeFn, err := newServer(ctx, cfg, logx.Discard())
		require.NoError(t, err)
		assert.Equal(t, config.BackendPostgres, s.backend)
		require.NotNil(t, s.purger)
		assert.Contains(t, db.sql[0], "CREATE TABLE IF NOT EXISTS ledger_entries")

		s.purgeOnce(ctx)
		assert.Equal(t, 3.0, s.metrics.Snapshot().Gauges["ledger_purged_last"])

		db.execErr = errors.New("lock timeout")
		s.purgeOnce(ctx)
		assert.Equal(t, 3.0, s.metrics.Snapshot().Gauges["ledger_purged_last"])

		closeFn()
		assert.True(t, db.closed)
	})
}

func TestLoopsStopWithContext(t *testing.T) {
	cfg := testConfig(t, map[string]string{"LEDGER_BACKEND": "postgres", "LEDGER_PURGE_INTERVAL_SEC": "1"})
	stubPostgres(t, &fakeDB{tag: "DELETE 0"}, nil)
	s, closeFn, err := newServer(context.Background(), cfg, logx.Discard())
	require.NoError(t, err)
	defer closeFn()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.purgeLoop(ctx, 5*time.Millisecond)
		close(done)
	}()
	go s.gaugeLoop(ctx, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		gauges := s.metrics.Snapshot().Gauges
		_, purged := gauges["ledger_purged_last"]
		_, subs := gauges["stream_subscribers"]
		return purged && subs
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestMetricsObserver(t *testing.T) {
	reg := metrics.NewRegistry()
	obs := metricsObserver(reg)
	ctx := context.Background()
	obs.Observe(ctx, idempotency.Event{Type: idempotency.EventCreated})
	obs.Observe(ctx, idempotency.Event{Type: idempotency.EventReplayed})
	obs.Observe(ctx, idempotency.Event{Type: idempotency.EventRejected, Code: idempotency.CodeDuplicateMessage})
	obs.Observe(ctx, idempotency.Event{Type: idempotency.EventRecorded, Status: "PROCESSED"})
	obs.Observe(ctx, idempotency.Event{Type: idempotency.EventRecordFailed, Code: idempotency.CodeInternal})

	snap := reg.Snapshot()
	assert.Equal(t, int64(1), snap.Decisions["execute"])
	assert.Equal(t, int64(1), snap.Decisions["replay"])
	assert.Equal(t, int64(1), snap.Decisions["reject"])
	assert.Equal(t, int64(1), snap.Outcomes["PROCESSED"])
	assert.Equal(t, int64(1), snap.Outcomes["RECORD_FAILED"])
	assert.Equal(t, int64(1), snap.ErrorCodes["DUPLICATE_MESSAGE"])
	assert.Equal(t, int64(1), snap.ErrorCodes["INTERNAL"])
}

func TestUpdateGaugesReportsMemoryEntries(t *testing.T) {
	s, closeFn, err := newServer(context.Background(), testConfig(t, map[string]string{"LEDGER_BACKEND": "memory"}), logx.Discard())
	require.NoError(t, err)
	defer closeFn()
	require.NoError(t, s.cache.Set(context.Background(), "k", "v", 0))
	s.updateGauges()
	gauges := s.metrics.Snapshot().Gauges
	assert.Equal(t, 1.0, gauges["ledger_memory_entries"])
	_, hasBus := gauges["bus_dropped"]
	assert.False(t, hasBus)
}
