package main

import (
	"context"
	"fmt"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goreferral/pkg/billing"
	billingprom "github.com/mihaimyh/goreferral/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/goreferral/pkg/commission"
	zlog "github.com/mihaimyh/goreferral/pkg/commission/logger/zerolog"
	commissionprom "github.com/mihaimyh/goreferral/pkg/commission/metrics/prometheus"
	"github.com/mihaimyh/goreferral/pkg/config"
	"github.com/mihaimyh/goreferral/pkg/notify"
	"github.com/mihaimyh/goreferral/pkg/server"
	"github.com/mihaimyh/goreferral/storage/firestore"
	"github.com/mihaimyh/goreferral/storage/memory"
	"github.com/mihaimyh/goreferral/storage/postgres"
	"github.com/mihaimyh/goreferral/storage/redis"
	"github.com/mihaimyh/goreferral/storage/tiered"
)

const (
	metricsNamespace = "referral"
	eventTTL         = 72 * time.Hour
)

// app holds the wired dependencies shared by the subcommands
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry

	pg     *postgres.Storage
	ledger *commission.Ledger
	outbox notify.Repository
	inbox  notify.Inbox

	eventLog       billing.EventLog
	billingMetrics billing.Metrics
	health         map[string]server.HealthCheck
	closers        []func()
}

// newApp connects storage and builds the ledger. Without DATABASE_URL or a
// Firestore project a development process runs on in-memory storage.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		health:   make(map[string]server.HealthCheck),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.DatabaseURL != "" {
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		pgConfig.AutoMigrate = cfg.IsDevelopment()
		pg, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pg = pg
		a.closers = append(a.closers, pg.Close)
		a.health["postgres"] = pg.Ping
		a.outbox = pg.Outbox()
		a.inbox = pg.Inbox()
	} else {
		a.outbox = notify.NewMemoryRepository()
		a.inbox = notify.NewMemoryInbox()
	}

	store, err := a.newStorage(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	metrics := commissionprom.NewMetrics(a.registry, metricsNamespace)
	a.billingMetrics = billingprom.NewMetrics(a.registry, metricsNamespace)
	ledgerLogger := zlog.NewLogger(logger.With().Str("component", "ledger").Logger())
	breaker := commission.NewCircuitBreakerStorage(store, commission.DefaultCircuitBreakerConfig(), metrics, ledgerLogger)

	ledgerConfig := commission.DefaultConfig()
	ledgerConfig.MaxPayments = cfg.MaxPayments
	ledgerConfig.Metrics = metrics
	ledgerConfig.Logger = ledgerLogger
	ledgerConfig.Notifier = notify.NewOutboxNotifier(a.outbox)
	ledger, err := commission.NewLedger(breaker, ledgerConfig)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create ledger: %w", err)
	}
	a.ledger = ledger
	return a, nil
}

// newStorage picks the ledger backend. Notifications stay on Postgres
// whenever DATABASE_URL is set, whichever backend holds the ledger.
func (a *app) newStorage(ctx context.Context) (commission.Storage, error) {
	switch a.cfg.Ledger() {
	case config.BackendFirestore:
		client, err := gcfirestore.NewClient(ctx, a.cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("connect firestore: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		fs, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return nil, err
		}
		a.health["firestore"] = fs.Ping
		return fs, nil
	case config.BackendPostgres:
		if a.pg == nil {
			return nil, fmt.Errorf("postgres ledger requires DATABASE_URL")
		}
		return a.pg, nil
	default:
		a.logger.Warn().Msg("using in-memory ledger storage, balances are lost on restart")
		return memory.New(), nil
	}
}

// newEventLog layers Redis over Postgres when both are configured so
// replicas share delivery history without a database round trip per webhook
func (a *app) newEventLog() (billing.EventLog, error) {
	var hot billing.EventLog
	if a.cfg.RedisURL != "" {
		rconfig := redis.DefaultConfig()
		rconfig.EventTTL = eventTTL
		rlog, err := redis.NewFromURL(a.cfg.RedisURL, rconfig)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rlog.Close() })
		a.health["redis"] = rlog.Ping
		hot = rlog
	}

	switch {
	case hot != nil && a.pg != nil:
		log, err := tiered.New(tiered.Config{
			Hot:           hot,
			Cold:          a.pg.EventLog(eventTTL),
			AsyncHotWrite: true,
			AsyncErrorHandler: func(err error) {
				a.logger.Warn().Err(err).Msg("event log sync")
			},
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = log.Close() })
		return log, nil
	case hot != nil:
		return hot, nil
	case a.pg != nil:
		return a.pg.EventLog(eventTTL), nil
	default:
		return billing.NewMemoryEventLog(eventTTL), nil
	}
}

// newPublisher routes in-app messages to the inbox, operator messages to the
// alert webhook and mirrors everything to RabbitMQ when configured
func (a *app) newPublisher() (notify.Publisher, error) {
	router := notify.NewRouter().Route(notify.ChannelInApp, notify.NewInAppPublisher(a.inbox))

	if a.cfg.OperatorAlertURL != "" {
		alerts, err := notify.NewAlertPublisher(notify.AlertConfig{URL: a.cfg.OperatorAlertURL}, a.logger)
		if err != nil {
			return nil, err
		}
		router.Route(notify.ChannelOperator, alerts)
	} else {
		router.Route(notify.ChannelOperator, notify.PublisherFunc(func(_ context.Context, msg *notify.Message) error {
			a.logger.Warn().
				Str("kind", msg.Kind).
				Str("recipient_id", msg.RecipientID).
				RawJSON("payload", msg.Payload).
				Msg("operator alert")
			return nil
		}))
	}

	if a.cfg.RabbitMQURL != "" {
		broker, err := notify.NewRabbitMQPublisher(a.cfg.RabbitMQURL, "referral.notifications", a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		a.closers = append(a.closers, func() { _ = broker.Close() })
		router.Mirror(broker)
	}
	return router, nil
}

func (a *app) newProcessor() (*notify.Processor, error) {
	publisher, err := a.newPublisher()
	if err != nil {
		return nil, err
	}
	pconfig := notify.DefaultProcessorConfig()
	pconfig.PollInterval = a.cfg.OutboxPollInterval
	pconfig.BatchSize = a.cfg.OutboxBatchSize
	pconfig.MaxRetries = a.cfg.OutboxMaxRetries
	pconfig.Retention = a.cfg.OutboxRetention()
	pconfig.CleanupInterval = a.cfg.OutboxCleanupInterval
	return notify.NewProcessor(a.outbox, publisher, pconfig, a.logger), nil
}

func (a *app) billingConfig(secret string) billing.Config {
	return billing.Config{
		Ledger:        a.ledger,
		WebhookSecret: secret,
		EventLog:      a.eventLog,
		RateLimit:     a.cfg.WebhookRateLimit,
		Metrics:       a.billingMetrics,
		Logger:        zlog.NewLogger(a.logger.With().Str("component", "billing").Logger()),
	}
}

// sweep matures due commissions and completes expired relationships once
func (a *app) sweep(ctx context.Context) error {
	matured, err := a.ledger.MatureCommissions(ctx, 0)
	if err != nil {
		return err
	}
	completed, err := a.ledger.CompleteExpired(ctx, 0)
	if err != nil {
		return err
	}
	a.logger.Debug().Int("matured", len(matured)).Int("completed", len(completed)).Msg("sweep finished")
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
