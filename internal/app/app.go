// Package app wires the collections engine from configuration. The gateway,
// worker and scheduler binaries all start from New.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/ai"
	"github.com/lalithlochan/dunning/internal/circuitbreaker"
	"github.com/lalithlochan/dunning/internal/clock"
	"github.com/lalithlochan/dunning/internal/collections"
	"github.com/lalithlochan/dunning/internal/config"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/dispatch"
	"github.com/lalithlochan/dunning/internal/memstore"
	"github.com/lalithlochan/dunning/internal/redis"
	"github.com/lalithlochan/dunning/internal/report"
	"github.com/lalithlochan/dunning/internal/sns"
)

// Store is every contract the engine, dispatcher and queue worker need
type Store interface {
	collections.Store
	dispatch.Repository
	dispatch.QueueRepository
}

// App holds the shared components of every binary
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Store      Store
	Service    *collections.Service
	Dispatcher *dispatch.Dispatcher
	Channel    dispatch.Channel
	Breaker    *circuitbreaker.CircuitBreaker
	Generator  collections.MessageGenerator
	Redis      *redis.Client // nil when Redis is not configured or unreachable

	probes  []Probe
	closers []func()
}

// Probe checks one backing service for the health endpoint
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Probes lists the connected backing services; the in-memory store has none.
func (a *App) Probes() []Probe {
	return a.probes
}

// New connects the store and builds the engine. Redis, SNS and SES are
// optional: a failure there is logged and the feature stays off.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.openRedis(ctx)

	channel, err := a.newChannel(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Breaker = circuitbreaker.New(circuitbreaker.Config{
		Name:                channel.Name(),
		MaxFailures:         cfg.BreakerMaxFailures,
		RecoveryTimeout:     time.Duration(cfg.BreakerRecoverSeconds) * time.Second,
		HalfOpenMaxRequests: 1,
	}, clock.Real(), logger)
	a.Channel = dispatch.NewProtectedChannel(channel, a.Breaker, logger)

	a.Generator, err = a.newGenerator()
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []dispatch.Option{dispatch.WithNotifiers(a.notifiers(ctx)...)}
	if a.Redis != nil {
		opts = append(opts, dispatch.WithLocker(redis.NewBatchLock(a.Redis, redis.DefaultLockTTL, logger)))
	}
	a.Dispatcher = dispatch.NewDispatcher(a.Store, a.Channel, logger, opts...)

	a.Service = collections.NewService(collections.Params{
		Store:               a.Store,
		Generator:           a.Generator,
		Logger:              logger,
		CriticalAgeDays:     cfg.CriticalAgeDays,
		DedupeWindow:        cfg.DedupeWindow(),
		DefaultSendInterval: cfg.SendInterval(),
	})

	logger.Info("collections engine initialized",
		zap.String("store", cfg.Store),
		zap.String("channel", channel.Name()),
		zap.Bool("ai_enabled", cfg.AIEnabled),
		zap.Bool("redis_enabled", a.Redis != nil),
	)
	return a, nil
}

// Close releases connections in reverse order of opening
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.Store == "memory" {
		a.Logger.Warn("using in-memory store, data is lost on exit")
		a.Store = memstore.New(clock.Real())
		return nil
	}

	database, err := db.New(ctx, db.Config{
		Host:     a.Config.DBHost,
		Port:     a.Config.DBPort,
		User:     a.Config.DBUser,
		Password: a.Config.DBPassword,
		Database: a.Config.DBName,
		SSLMode:  a.Config.DBSSLMode,
		AppName:  "dunning",
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, database.Close)
	a.probes = append(a.probes, Probe{Name: "postgres", Check: database.Health})

	a.Logger.Info("database connection established",
		zap.String("host", a.Config.DBHost),
		zap.Int("port", a.Config.DBPort),
		zap.String("database", a.Config.DBName),
	)
	a.Store = db.NewRepository(database, a.Logger)
	return nil
}

func (a *App) openRedis(ctx context.Context) {
	if a.Config.RedisHost == "" {
		return
	}
	client, err := redis.New(ctx, redis.Config{
		Host:      a.Config.RedisHost,
		Port:      a.Config.RedisPort,
		Password:  a.Config.RedisPassword,
		DB:        a.Config.RedisDB,
		KeyPrefix: a.Config.RedisKeyPrefix,
	}, a.Logger)
	if err != nil {
		a.Logger.Warn("redis unavailable, batch lock and idempotency disabled",
			zap.Error(err),
			zap.String("host", a.Config.RedisHost),
		)
		return
	}
	a.Redis = client
	a.probes = append(a.probes, Probe{Name: "redis", Check: client.Ping})
	a.closers = append(a.closers, func() { _ = client.Close() })
}

func (a *App) newChannel(ctx context.Context) (dispatch.Channel, error) {
	switch a.Config.Channel {
	case "whatsapp":
		return dispatch.NewWhatsAppChannel(dispatch.WhatsAppConfig{
			URL:      a.Config.WhatsAppWebhookURL,
			Token:    a.Config.WhatsAppWebhookToken,
			Instance: a.Config.WhatsAppInstance,
			Timeout:  time.Duration(a.Config.WebhookTimeout) * time.Second,
		}, a.Logger), nil
	case "sms":
		ch, err := dispatch.NewSMSChannel(ctx, dispatch.SMSConfig{
			Region:   a.Config.SNSRegion,
			SenderID: a.Config.SNSSenderID,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SMS channel: %w", err)
		}
		return ch, nil
	default:
		return dispatch.NewLogChannel(a.Logger), nil
	}
}

func (a *App) newGenerator() (collections.MessageGenerator, error) {
	if !a.Config.AIEnabled {
		a.Logger.Info("OPENAI_API_KEY not set, using template messages")
		return ai.TemplateGenerator{}, nil
	}
	client, err := ai.NewClient(ai.Config{
		APIKey: a.Config.OpenAIAPIKey,
		Model:  a.Config.OpenAIModel,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create AI client: %w", err)
	}
	return ai.NewMessageGenerator(client, a.Logger), nil
}

func (a *App) notifiers(ctx context.Context) []dispatch.CompletionNotifier {
	var out []dispatch.CompletionNotifier

	if a.Config.SNSTopicARN != "" {
		p, err := sns.NewPublisher(ctx, a.Config.SNSRegion, a.Config.SNSTopicARN, a.Logger)
		if err != nil {
			a.Logger.Warn("SNS publisher unavailable, batch events disabled", zap.Error(err))
		} else {
			out = append(out, p)
		}
	}

	if a.Config.SESFromEmail != "" && a.Config.ReportEmail != "" {
		r, err := report.NewSESReporter(ctx, report.SESConfig{
			Region:    a.Config.AWSRegion,
			FromEmail: a.Config.SESFromEmail,
			To:        a.Config.ReportEmail,
		}, a.Logger)
		if err != nil {
			a.Logger.Warn("SES reporter unavailable, batch reports disabled", zap.Error(err))
		} else {
			out = append(out, r)
		}
	}

	return out
}
