package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	alertapp "fleetwatch/internal/alerts/application"
	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/alerts/infrastructure/memory"
	alertpg "fleetwatch/internal/alerts/infrastructure/postgres"
	alertredis "fleetwatch/internal/alerts/infrastructure/redis"
	alerthttp "fleetwatch/internal/alerts/interfaces/http"
	"fleetwatch/internal/alerts/notify"
	analyticsapp "fleetwatch/internal/analytics/application"
	analyticshttp "fleetwatch/internal/analytics/interfaces/http"
	"fleetwatch/internal/config"
	"fleetwatch/internal/observability/metrics"
	telemetryapp "fleetwatch/internal/telemetry/application"
	telemetry "fleetwatch/internal/telemetry/domain"
	telemetrymemory "fleetwatch/internal/telemetry/infrastructure/memory"
	telemetrypg "fleetwatch/internal/telemetry/infrastructure/postgres"
	amqpin "fleetwatch/internal/telemetry/interfaces/amqp"
	ingesthttp "fleetwatch/internal/telemetry/interfaces/http"
	kafkain "fleetwatch/internal/telemetry/interfaces/kafka"
	"fleetwatch/internal/telemetry/simulator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fleetwatch stopped", "error", err)
		os.Exit(1)
	}
}

// stores groups the repositories of the selected storage backend.
type stores struct {
	db        *sql.DB
	pool      *pgxpool.Pool
	rules     alertapp.RuleRepository
	alerts    alertapp.AlertRepository
	vehicles  alertapp.VehicleDirectory
	positions telemetry.PositionWriter
	distance  telemetry.DistanceQuery
	batch     *telemetrypg.BatchWriter
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	metrics.Init(st.db, logger)

	var redisClient *goredis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = alertredis.NewClient(ctx, alertredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	hub := notify.NewHub(logger)
	var feed *alertredis.Feed
	sinkOpts := []alertapp.SinkOption{alertapp.WithSinkLogger(logger)}
	switch cfg.FanoutMode {
	case config.FanoutLocal:
		sinkOpts = append(sinkOpts, alertapp.WithPublisher(hub))
	case config.FanoutRedis:
		feed = alertredis.NewFeed(redisClient, cfg.Redis.Prefix, logger)
		sinkOpts = append(sinkOpts, alertapp.WithPublisher(feed))
	}

	var gate alertapp.DebounceGate = alertapp.NewMemoryGate()
	if cfg.Redis.Gate {
		gate = alertredis.NewGate(redisClient, cfg.Redis.Prefix, 0)
	}

	thresholds, err := alertapp.NewThresholdStore(st.rules,
		alertapp.WithTTL(cfg.ThresholdTTL),
		alertapp.WithThresholdLogger(logger),
	)
	if err != nil {
		return err
	}
	sink, err := alertapp.NewSink(st.vehicles, st.alerts, sinkOpts...)
	if err != nil {
		return err
	}

	broker := alerthttp.NewStreamBroker()
	notifiers := []alertapp.AlertNotifier{broker}
	var webhook *notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		webhook, err = newWebhookNotifier(cfg.Notify, st.alerts, logger)
		if err != nil {
			return err
		}
		defer webhook.Close()
		async := notify.NewAsyncNotifier(webhook,
			notify.WithQueueSize(cfg.Notify.Queue),
			notify.WithSendTimeout(cfg.Notify.Timeout),
			notify.WithAsyncLogger(logger),
		)
		defer async.Close()
		notifiers = append(notifiers, async)
	}
	fanout := notify.NewMultiNotifier(notifiers...)

	service, err := alertapp.NewService(st.rules, st.alerts, thresholds, sink,
		alertapp.WithGate(gate),
		alertapp.WithNotifier(fanout),
		alertapp.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	listenerCtx, cancelListeners := context.WithCancel(context.Background())
	defer cancelListeners()
	hub.Subscribe(fanout.Listener(listenerCtx))
	hub.Subscribe(func(alert alerts.Alert) {
		logger.Info("alert fired", "alert_id", alert.ID, "vehicle_id", alert.VehicleID, "kind", string(alert.Kind), "priority", string(alert.Priority))
	})

	sessions, err := alertapp.NewSessions(service,
		alertapp.WithQueueSize(cfg.SessionQueue),
		alertapp.WithIdleTimeout(cfg.SessionIdle),
		alertapp.WithSessionEnder(service),
		alertapp.WithSessionsLogger(logger),
	)
	if err != nil {
		return err
	}
	pipeline, err := telemetryapp.NewPipeline(sessions,
		telemetryapp.WithPositionWriter(st.positions),
		telemetryapp.WithPipelineLogger(logger),
	)
	if err != nil {
		return err
	}

	kpis, err := analyticsapp.NewKPIService(st.alerts, st.vehicles,
		analyticsapp.WithDistanceQuery(st.distance),
		analyticsapp.WithKPILogger(logger),
	)
	if err != nil {
		return err
	}

	mux, err := newMux(st, service, pipeline, broker, kpis, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(mux, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var workers []func(context.Context) error
	if st.batch != nil {
		workers = append(workers, st.batch.Run)
	}

	switch cfg.FanoutMode {
	case config.FanoutPostgres:
		listener, err := alertpg.NewAlertListener(cfg.DatabaseURL, st.alerts, alertpg.WithListenerLogger(logger))
		if err != nil {
			return err
		}
		workers = append(workers, func(ctx context.Context) error { return listener.Run(ctx, hub.Publish) })
	case config.FanoutRedis:
		workers = append(workers, func(ctx context.Context) error { return feed.Subscribe(ctx, hub.Publish) })
	}

	if cfg.AMQP.URL != "" {
		consumer, err := amqpin.NewConsumer(amqpin.Config{
			URL:      cfg.AMQP.URL,
			Exchange: cfg.AMQP.Exchange,
			Queue:    cfg.AMQP.Queue,
			Prefetch: cfg.AMQP.Prefetch,
		}, pipeline, logger)
		if err != nil {
			return err
		}
		workers = append(workers, consumer.Run)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		consumer, err := kafkain.NewConsumer(kafkain.Config{
			Brokers: cfg.Kafka.Brokers,
			Topics:  cfg.Kafka.Topics,
			GroupID: cfg.Kafka.GroupID,
			Version: cfg.Kafka.Version,
			Oldest:  cfg.Kafka.Oldest,
		}, pipeline, logger)
		if err != nil {
			return err
		}
		workers = append(workers, consumer.Run)
	}

	if cfg.Simulator.Enabled {
		sim, err := simulator.New(cfg.Simulator.Vehicles, cfg.Simulator.Lat, cfg.Simulator.Lng,
			simulator.WithInterval(cfg.Simulator.Interval),
			simulator.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		workers = append(workers, func(ctx context.Context) error { return sim.Run(ctx, pipeline) })
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, worker := range workers {
		g.Go(func() error { return ignoreCanceled(worker(gctx)) })
	}

	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "storage", cfg.Storage, "fanout", cfg.FanoutMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		if err := sessions.Close(shutdownCtx); err != nil {
			logger.Warn("sessions shutdown", "error", err)
		}
		cancelListeners()
		return nil
	})

	return g.Wait()
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Storage == config.StorageMemory {
		positions := telemetrymemory.NewPositionStore(0)
		logger.Info("using in-memory storage", "vehicles", cfg.DemoFleet)
		return &stores{
			rules:     memory.NewRuleRepository(cfg.SeedRules()...),
			alerts:    memory.NewAlertRepository(),
			vehicles:  memory.NewVehicleDirectory(memory.DemoFleet(cfg.DemoFleet)...),
			positions: positions,
			distance:  positions,
		}, nil
	}

	db, err := alertpg.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	st := &stores{db: db}
	if err := alertpg.Migrate(ctx, db); err != nil {
		st.Close()
		return nil, err
	}
	ruleRepo := alertpg.NewRuleRepository(db)
	seeded, err := alertpg.SeedRules(ctx, ruleRepo, cfg.SeedRules())
	if err != nil {
		st.Close()
		return nil, err
	}
	if seeded > 0 {
		logger.Info("alert rules seeded", "count", seeded)
	}
	st.rules = ruleRepo
	st.alerts = alertpg.NewAlertRepository(db)
	st.vehicles = alertpg.NewVehicleRepository(db)

	st.pool, err = telemetrypg.NewPool(ctx, cfg.DatabaseURL, 8)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.batch, err = telemetrypg.NewBatchWriter(st.pool,
		telemetrypg.WithBatchSize(cfg.Positions.BatchSize),
		telemetrypg.WithFlushInterval(cfg.Positions.FlushInterval),
		telemetrypg.WithBufferSize(cfg.Positions.Buffer),
		telemetrypg.WithWriterLogger(logger),
	)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.positions = st.batch
	st.distance = telemetrypg.NewDistanceRepository(st.pool)
	return st, nil
}

func newWebhookNotifier(cfg config.NotifyConfig, reader notify.AlertReader, logger *slog.Logger) (*notify.Notifier, error) {
	channel, err := notify.NewWebhookChannel(cfg.WebhookURL)
	if err != nil {
		return nil, err
	}
	tpl, err := notify.NewTemplate(cfg.Template)
	if err != nil {
		return nil, fmt.Errorf("alert notify template: %w", err)
	}
	opts := []notify.Option{
		notify.WithLogger(logger),
		notify.WithRequestTimeout(cfg.Timeout),
		notify.WithCooldown(cfg.Cooldown),
		notify.WithDedupeWindow(cfg.DedupeWindow),
		notify.WithEscalation(cfg.EscalationAfter),
	}
	if base := strings.TrimRight(cfg.DashboardURL, "/"); base != "" {
		opts = append(opts, notify.WithLinkResolver(func(_ context.Context, alert alerts.Alert) string {
			return base + "/alerts/" + alert.ID
		}))
	}
	return notify.NewNotifier(reader, channel, tpl, opts...)
}

func newMux(st *stores, service *alertapp.Service, pipeline *telemetryapp.Pipeline, broker *alerthttp.StreamBroker, kpis *analyticsapp.KPIService, logger *slog.Logger) (*http.ServeMux, error) {
	ingestHandler, err := ingesthttp.NewIngestHandler(pipeline, logger)
	if err != nil {
		return nil, err
	}
	alertHandler, err := alerthttp.NewHandler(service)
	if err != nil {
		return nil, err
	}
	rulesHandler, err := alerthttp.NewRulesHandler(service)
	if err != nil {
		return nil, err
	}
	kpiHandler, err := analyticshttp.NewKPIHandler(kpis)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/ingest/positions", ingestHandler)
	mux.Handle("/api/v1/alerts/stream", alerthttp.NewStreamHandler(broker))
	mux.Handle("/api/v1/alerts/ws", alerthttp.NewWebSocketHandler(broker, logger))
	mux.Handle("/api/v1/alerts", alertHandler)
	mux.Handle("/api/v1/alerts/", alertHandler)
	mux.Handle("/api/v1/alert-rules", rulesHandler)
	mux.Handle("/api/v1/alert-rules/", rulesHandler)
	mux.Handle("/api/v1/kpis", kpiHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if st.db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := st.db.PingContext(ctx); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", resp.status, "duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

// Flush keeps SSE streaming working through the middleware.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
