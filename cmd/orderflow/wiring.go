package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/orderflow/internal/config"
	"github.com/ehr/orderflow/internal/domain/diagnostics"
	"github.com/ehr/orderflow/internal/platform/db"
	"github.com/ehr/orderflow/internal/platform/hl7v2"
	"github.com/ehr/orderflow/internal/platform/messaging"
	"github.com/ehr/orderflow/internal/platform/notification"
	"github.com/ehr/orderflow/internal/platform/reporting"
	"github.com/ehr/orderflow/internal/platform/telemetry"
	"github.com/ehr/orderflow/internal/platform/webhook"
	"github.com/ehr/orderflow/internal/platform/websocket"
)

// store bundles the repositories of whichever driver is configured.
type store struct {
	orders  diagnostics.OrderRepository
	tickets diagnostics.EscalationRepository
	probe   db.Probe
	reports reporting.Querier
	pool    *pgxpool.Pool
	close   func()
}

func (s *store) Close() {
	if s.close != nil {
		s.close()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		sq, err := diagnostics.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return &store{
			orders:  sq.Orders(),
			tickets: sq.Escalations(),
			probe:   db.Probe{Driver: config.StoreSQLite, Ping: sq.Ping, Stats: sq.Stats},
			reports: reporting.DBQuerier{DB: sq.DB()},
			close:   func() { _ = sq.Close() },
		}, nil
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:         cfg.DatabaseURL,
			MaxConns:    cfg.DBMaxConns,
			MinConns:    cfg.DBMinConns,
			MaxIdleTime: 5 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &store{
			orders:  diagnostics.NewOrderRepoPG(pool),
			tickets: diagnostics.NewEscalationRepoPG(pool),
			probe:   db.PoolProbe(pool),
			reports: reporting.PoolQuerier{Pool: pool},
			pool:    pool,
			close:   pool.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// sinks are the in-process destinations for lifecycle events. All of them
// exist regardless of NOTIFY_TRANSPORT so their admin surfaces stay up.
type sinks struct {
	mail  *notification.Manager
	hub   *websocket.Hub
	hooks *webhook.Manager
}

func newSinks(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sinks, error) {
	s := &sinks{
		mail:  newNotificationManager(cfg, logger),
		hub:   websocket.NewHub(),
		hooks: webhook.NewManager(webhook.NewMemoryStore(0), logger),
	}
	if cfg.WebhookURL != "" {
		if _, err := s.hooks.Register(ctx, cfg.WebhookURL, cfg.WebhookSecret, nil); err != nil {
			return nil, fmt.Errorf("register WEBHOOK_URL: %w", err)
		}
	}
	return s, nil
}

// feed publishes every committed transition to the live stream, and to
// webhooks when that transport is enabled.
func (s *sinks) feed(svc *diagnostics.Service, cfg *config.Config, logger zerolog.Logger) {
	svc.OnCommit(diagnostics.PublishTransitions(s.hub, diagnostics.TopicOrders, logger))
	if cfg.UsesTransport(config.NotifyWebhook) {
		bg := backgroundPublisher{p: s.hooks, timeout: cfg.NotifyTimeout, logger: logger}
		svc.OnCommit(diagnostics.PublishTransitions(bg, diagnostics.TopicOrders, logger))
	}
}

// hl7Header names both ends of the laboratory interface.
func hl7Header(cfg *config.Config) hl7v2.Header {
	return hl7v2.Header{
		SendingApp:   cfg.HL7SendingApp,
		SendingFac:   cfg.HL7SendingFacility,
		ReceivingApp: cfg.HL7ReceivingApp,
		ReceivingFac: cfg.HL7ReceivingFacility,
	}
}

// forwardHL7 sends approved results and cancellations to the laboratory
// system when HL7_MLLP_ADDR is set.
func forwardHL7(svc *diagnostics.Service, cfg *config.Config, logger zerolog.Logger) {
	svc.SetHL7Header(hl7Header(cfg))
	if cfg.HL7MLLPAddr == "" {
		return
	}
	client := hl7v2.NewClient(cfg.HL7MLLPAddr, cfg.HL7Timeout)
	svc.OnCommit(diagnostics.ForwardResults(client, hl7Header(cfg), cfg.HL7Timeout, logger))
	logger.Info().Str("addr", client.Addr()).Msg("hl7 result forwarding enabled")
}

// backgroundPublisher delivers off the request goroutine. Topics nobody
// subscribed to are not an error.
type backgroundPublisher struct {
	p       diagnostics.Publisher
	timeout time.Duration
	logger  zerolog.Logger
}

func (b backgroundPublisher) Publish(ctx context.Context, topic string, body []byte) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer cancel()
		if err := b.p.Publish(ctx, topic, body); err != nil && !errors.Is(err, webhook.ErrNoEndpoints) {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("background publish failed")
		}
	}()
	return nil
}

// newNotificationManager delivers over SMTP when a relay is configured and
// otherwise logs each message.
func newNotificationManager(cfg *config.Config, logger zerolog.Logger) *notification.Manager {
	var sender notification.EmailSender
	if cfg.SMTPHost != "" {
		sender = notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else {
		sender = notification.NewLogSender(logger)
	}
	return notification.NewManager(sender, nil, 24*time.Hour)
}

// buildNotifier fans escalations out to every configured transport, each
// counted under its own label. The returned func releases broker connections.
func buildNotifier(ctx context.Context, cfg *config.Config, logger zerolog.Logger, s *sinks, metrics *telemetry.Metrics) (diagnostics.Notifier, func(), error) {
	var (
		notifiers  []diagnostics.Notifier
		publishers []messaging.Publisher
	)
	closeAll := func() {
		for _, p := range publishers {
			if err := p.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing publisher")
			}
		}
	}

	for _, transport := range cfg.NotifyTransport {
		transport = strings.ToLower(transport)
		var n diagnostics.Notifier
		switch transport {
		case config.NotifyLog:
			n = diagnostics.LogNotifier(logger)
		case config.NotifyRedis:
			p, err := messaging.NewRedisPublisher(ctx, messaging.RedisConfig{URL: cfg.RedisURL})
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			publishers = append(publishers, p)
			n = diagnostics.PublishNotifier(p, cfg.RedisChannel)
		case config.NotifyAMQP:
			p, err := messaging.NewAMQPPublisher(messaging.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange})
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			publishers = append(publishers, p)
			n = diagnostics.PublishNotifier(p, cfg.AMQPRoutingKey)
		case config.NotifyEmail:
			n = diagnostics.EmailNotifier(s.mail, cfg.EscalationEmailTo)
		case config.NotifyWebsocket:
			n = diagnostics.PublishNotifier(s.hub, diagnostics.TopicEscalations)
		case config.NotifyWebhook:
			n = diagnostics.PublishNotifier(s.hooks, diagnostics.TopicEscalations)
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown notification transport %q", transport)
		}
		notifiers = append(notifiers, diagnostics.InstrumentNotifier(transport, n, metrics))
		logger.Info().Str("transport", transport).Msg("escalation transport enabled")
	}

	if len(notifiers) == 1 {
		return notifiers[0], closeAll, nil
	}
	return diagnostics.MultiNotifier(notifiers...), closeAll, nil
}
