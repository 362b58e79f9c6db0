package main

import (
	"context"
	"errors"
	"flag"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"maskguard-service/internal/classifier"
	"maskguard-service/internal/config"
	"maskguard-service/internal/control"
	"maskguard-service/internal/db"
	"maskguard-service/internal/dispatch"
	"maskguard-service/internal/domain/detection"
	httpapi "maskguard-service/internal/http"
	"maskguard-service/internal/metrics"
	"maskguard-service/internal/repository"
	"maskguard-service/internal/service"
	"maskguard-service/internal/sink"
	"maskguard-service/internal/source"
	"maskguard-service/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to config file (or MASKGUARD_CONFIG)")
	flag.Parse()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "maskguard").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log = newLogger(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("service stopped with error")
	}
	log.Info().Msg("service stopped")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.Level(level).With().Timestamp().Str("service", "maskguard").Logger()
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gdb, err := db.New(cfg.DB.DSN, db.Options{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	}, log)
	if err != nil {
		return err
	}
	repo := repository.NewDetectionRepository(gdb)
	complianceService := service.NewComplianceService(repo, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	runID := uuid.New()
	log.Info().Str("run_id", runID.String()).Int("sources", len(cfg.Sources)).Msg("starting maskguard")

	var mqttClient *sink.MQTTClient
	if cfg.MQTT.Enabled() {
		mqttClient = sink.NewMQTTClient(sink.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}, log)
		if err := mqttClient.Connect(ctx); err != nil {
			// connect-retry keeps trying; deliveries fail and retry meanwhile
			log.Warn().Err(err).Msg("mqtt broker not reachable yet")
		}
		defer mqttClient.Close()
	}

	sinks, alertSink := buildSinks(cfg, runID, repo, m, mqttClient, log)

	sup, err := supervisor.New(supervisor.Config{
		QueueCapacity:       cfg.Pipeline.QueueCapacity,
		Workers:             cfg.Pipeline.Workers,
		ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
		PopTimeout:          cfg.Pipeline.PopTimeout,
		PushTimeout:         cfg.Pipeline.PushTimeout,
		PushRetries:         cfg.Pipeline.PushRetries,
		RestartCooldown:     cfg.Supervisor.RestartCooldown,
		MaxRestarts:         cfg.Supervisor.MaxRestarts,
		HealthInterval:      cfg.Supervisor.HealthInterval,
		ShutdownGrace:       cfg.Pipeline.ShutdownGrace,
		FlushTimeout:        cfg.Pipeline.FlushTimeout,
	}, sourceConfigs(cfg.Sources), classifier.NewHTTPClassifier(classifier.Config{
		Endpoint:    cfg.Classifier.Endpoint,
		Timeout:     cfg.Classifier.Timeout,
		JPEGQuality: cfg.Classifier.JPEGQuality,
	}), sinks, source.NewCapture, m, log)
	if err != nil {
		return err
	}
	sup.Dispatcher().OnFailure = func(err *detection.SinkDeliveryError) {
		log.Warn().Err(err.Err).
			Str("sink", err.Sink).
			Str("source_id", err.SourceID).
			Uint64("sequence", err.Sequence).
			Int("attempts", err.Attempts).
			Msg("event lost for sink")
	}

	if alertSink != nil {
		if err := alertSink.Restore(ctx, sup.SourceIDs()); err != nil {
			log.Warn().Err(err).Msg("failed to restore alert cool-downs")
		}
	}

	router := httpapi.NewRouter(httpapi.RouterConfig{
		AllowOrigins: cfg.HTTP.AllowOrigins,
		JWTSecret:    cfg.Auth.JWTSecret,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, httpapi.NewHandler(complianceService, sup, log), log)
	srv := &stdhttp.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var ctrl *control.Handler
	if mqttClient != nil && cfg.MQTT.Control {
		ctrl = control.NewHandler(control.Config{
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Shutdown: func() {
				log.Warn().Msg("shutdown requested over mqtt")
				cancel()
			},
		}, mqttClient, mqttClient, sup, log)
		sup.OnHealth = ctrl.OnHealth
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}
	if ctrl != nil {
		if err := ctrl.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("mqtt control plane unavailable")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		runRetention(gctx, complianceService, cfg.Retention, log)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown requested")

		shutdownErr := sup.Shutdown()
		httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown failed")
		}
		if shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("pipeline shutdown incomplete")
		}
		return nil
	})

	return g.Wait()
}

func buildSinks(cfg *config.Config, runID uuid.UUID, repo *repository.DetectionRepository, m *metrics.Metrics, mqttClient *sink.MQTTClient, log zerolog.Logger) ([]supervisor.SinkRegistration, *sink.AlertSink) {
	var regs []supervisor.SinkRegistration
	add := func(s dispatch.Sink, c config.SinkConfig) {
		regs = append(regs, supervisor.SinkRegistration{Sink: s, Lane: dispatch.LaneConfig{
			Buffer:        c.Buffer,
			MaxRetries:    c.MaxRetries,
			RetryDelay:    c.RetryDelay,
			MaxRetryDelay: c.MaxRetryDelay,
		}})
	}

	if cfg.Sinks.Storage.Enabled {
		add(sink.NewStorageSink(repo, runID, log), cfg.Sinks.Storage)
	}
	if cfg.Sinks.Metrics.Enabled {
		add(sink.NewMetricsSink(m), cfg.Sinks.Metrics)
	}
	if cfg.Sinks.Telemetry.Enabled && mqttClient != nil {
		add(sink.NewTelemetrySink(mqttClient, cfg.MQTT.TopicPrefix), cfg.Sinks.Telemetry)
	}

	var alertSink *sink.AlertSink
	if cfg.Sinks.Alert.Enabled {
		var notifiers []sink.Notifier
		if cfg.Alert.Telegram.Enabled() {
			notifiers = append(notifiers, sink.NewTelegramNotifier(sink.TelegramConfig{
				Token:   cfg.Alert.Telegram.Token,
				ChatID:  cfg.Alert.Telegram.ChatID,
				BaseURL: cfg.Alert.Telegram.BaseURL,
			}))
		}
		if mqttClient != nil {
			notifiers = append(notifiers, sink.NewMQTTNotifier(mqttClient, cfg.MQTT.TopicPrefix))
		}

		if len(notifiers) == 0 {
			log.Warn().Msg("alert sink enabled but no notifier configured, alerts disabled")
		} else {
			policy, _ := sink.ParseAlertPolicy(cfg.Alert.Policy)
			gate := sink.NewAlertGate(policy, cfg.Alert.Cooldown, cfg.Alert.MinViolations)
			alertSink = sink.NewAlertSink(gate, notifiers, repo, m, log)
			add(alertSink, cfg.Sinks.Alert)
		}
	}
	return regs, alertSink
}

func sourceConfigs(in []config.SourceConfig) []source.Config {
	out := make([]source.Config, 0, len(in))
	for _, s := range in {
		out = append(out, source.Config{
			ID:            s.ID,
			URL:           s.URL,
			Device:        s.Device,
			FrameSkip:     s.FrameSkip,
			ResizeWidth:   s.ResizeWidth,
			ResizeHeight:  s.ResizeHeight,
			OpenTimeout:   s.OpenTimeout,
			ReadTimeout:   s.ReadTimeout,
			MaxRetries:    s.MaxRetries,
			RetryDelay:    s.RetryDelay,
			MaxRetryDelay: s.MaxRetryDelay,
		})
	}
	return out
}

func runRetention(ctx context.Context, svc *service.ComplianceService, cfg config.RetentionConfig, log zerolog.Logger) {
	if cfg.Days <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := svc.CleanupOldEvents(ctx, cfg.Days); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("retention cleanup failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
