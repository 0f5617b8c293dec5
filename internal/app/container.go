package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/acme/outbound-call-engine/internal/api/handlers"
	"github.com/acme/outbound-call-engine/internal/config"
	"github.com/acme/outbound-call-engine/internal/infra/db"
	"github.com/acme/outbound-call-engine/internal/infra/redis"
	"github.com/acme/outbound-call-engine/internal/llm"
	"github.com/acme/outbound-call-engine/internal/policy"
	"github.com/acme/outbound-call-engine/internal/queue"
	"github.com/acme/outbound-call-engine/internal/repository"
	pgrepo "github.com/acme/outbound-call-engine/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-call-engine/internal/repository/scylla"
	"github.com/acme/outbound-call-engine/internal/scheduler"
	callsvc "github.com/acme/outbound-call-engine/internal/service/call"
	campaignsvc "github.com/acme/outbound-call-engine/internal/service/campaign"
	"github.com/acme/outbound-call-engine/internal/service/concurrency"
	"github.com/acme/outbound-call-engine/internal/service/conversation"
	"github.com/acme/outbound-call-engine/internal/service/outcome"
	"github.com/acme/outbound-call-engine/internal/service/placement"
	"github.com/acme/outbound-call-engine/internal/telephony"
	telephonyMock "github.com/acme/outbound-call-engine/internal/telephony/mock"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *Repositories
		services     *Services
		dispatchers  *Dispatchers
		providers    *Providers
	}
}

// Repositories groups the durable stores.
type Repositories struct {
	Intents   repository.IntentRepository
	Campaigns repository.CampaignRepository
	Windows   repository.CallingWindowRepository
	Links     repository.LinkRepository
	Contacts  repository.ContactRepository
	Notes     repository.NoteRepository
	Counters  repository.CounterRepository
	Calls     repository.CallStore
	Sessions  repository.ConversationStore
	History   repository.HistoryStore
}

// Services groups the domain services.
type Services struct {
	Campaign     *campaignsvc.Service
	Call         *callsvc.Service
	Conversation *conversation.Manager
	Placement    *placement.Adapter
	Retrier      *placement.Retrier
	Outcome      *outcome.Processor
	Scheduler    *scheduler.Scheduler
}

// Dispatchers groups the Kafka producers.
type Dispatchers struct {
	CallDispatcher        *queue.CallDispatcher
	StatusPublisher       *queue.StatusPublisher
	NotificationPublisher *queue.NotificationPublisher
}

// Providers groups external integrations.
type Providers struct {
	Telephony telephony.Provider
	LLM       *llm.Client
	Locker    *concurrency.Locker
	Rates     *concurrency.RateCounter
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(ctx, cfg.Scylla)
	if err != nil {
		_ = pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		_ = scylla.Close()
		_ = pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		_ = redisClient.Close()
		_ = scylla.Close()
		_ = pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config
		pgdb := c.Postgres.DB()
		session := c.Scylla.Session()

		repos := &Repositories{
			Intents:   pgrepo.NewIntentRepository(pgdb),
			Campaigns: pgrepo.NewCampaignRepository(pgdb),
			Windows:   pgrepo.NewCallingWindowRepository(pgdb),
			Links:     pgrepo.NewLinkRepository(pgdb),
			Contacts:  pgrepo.NewContactRepository(pgdb),
			Notes:     pgrepo.NewNoteRepository(pgdb),
			Counters:  pgrepo.NewCounterRepository(pgdb),
			Calls:     scyllarepo.NewCallStore(session),
			Sessions:  scyllarepo.NewConversationStore(session, cfg.Scylla.ConversationTTL),
			History:   scyllarepo.NewHistoryStore(session, cfg.Outcome.HistoryCap),
		}

		disp := &Dispatchers{
			CallDispatcher:        queue.NewCallDispatcher(c.Kafka, cfg.Kafka.DispatchTopic),
			StatusPublisher:       queue.NewStatusPublisher(c.Kafka, cfg.Kafka.StatusTopic),
			NotificationPublisher: queue.NewNotificationPublisher(c.Kafka, cfg.Kafka.NotificationTopic),
		}

		provs := &Providers{
			Telephony: newTelephonyProvider(cfg.Telephony),
			LLM:       llm.NewClient(cfg.LLM, &http.Client{Timeout: cfg.LLM.Timeout}),
			Locker:    concurrency.NewLocker(c.Redis.Inner()),
			Rates:     concurrency.NewRateCounter(c.Redis.Inner(), repos.Counters),
		}

		campaigns := campaignsvc.NewService(repos.Campaigns, repos.Windows, repos.Links, repos.Intents, provs.Rates)
		retrier := placement.NewRetrier(repos.Intents, repos.Links, placement.NewBackoff(cfg.Placement), c.Logger)

		conversations := conversation.NewManager(conversation.Deps{
			Calls:     repos.Calls,
			Sessions:  repos.Sessions,
			Intents:   repos.Intents,
			Contacts:  repos.Contacts,
			History:   repos.History,
			Generator: provs.LLM,
			Locker:    provs.Locker,
			Status:    disp.StatusPublisher,
		}, cfg.Conversation, cfg.LLM, c.Logger)

		maxAttempts := cfg.Placement.DefaultMaxAttempts
		processor := outcome.NewProcessor(outcome.Deps{
			Calls:     repos.Calls,
			Sessions:  repos.Sessions,
			Intents:   repos.Intents,
			Links:     repos.Links,
			Contacts:  repos.Contacts,
			Notes:     repos.Notes,
			History:   repos.History,
			Analyzer:  outcome.NewAnalyzer(provs.LLM, c.Logger),
			FollowUps: outcome.NewFollowUpScheduler(repos.Intents, disp.NotificationPublisher, maxAttempts, c.Logger),
		}, c.Logger)

		svcs := &Services{
			Campaign: campaigns,
			Call: callsvc.NewService(callsvc.Deps{
				Intents:   repos.Intents,
				Links:     repos.Links,
				Contacts:  repos.Contacts,
				Calls:     repos.Calls,
				Campaigns: campaigns,
				Sessions:  conversations,
			}, cfg.Placement),
			Conversation: conversations,
			Placement: placement.NewAdapter(placement.Deps{
				Intents:   repos.Intents,
				Links:     repos.Links,
				Contacts:  repos.Contacts,
				Calls:     repos.Calls,
				Campaigns: campaigns,
				Provider:  provs.Telephony,
				Locker:    provs.Locker,
				Rates:     provs.Rates,
				Retrier:   retrier,
			}, cfg.Placement, cfg.Telephony, c.Logger),
			Retrier: retrier,
			Outcome: processor,
			Scheduler: scheduler.New(scheduler.Deps{
				Intents:   repos.Intents,
				Links:     repos.Links,
				Contacts:  repos.Contacts,
				Campaigns: campaigns,
				Evaluator: policy.NewEvaluator(repos.Links, provs.Rates, cfg.Policy.Cooldown),
				Rates:     provs.Rates,
				Publisher: disp.CallDispatcher,
				Failures:  retrier,
			}, cfg.Scheduler, cfg.Placement, c.Logger),
		}

		c.components.repositories = repos
		c.components.dispatchers = disp
		c.components.providers = provs
		c.components.services = svcs
	})
}

func newTelephonyProvider(cfg config.TelephonyConfig) telephony.Provider {
	if cfg.Provider == "twilio" {
		return telephony.NewTwilioProvider(cfg, &http.Client{Timeout: cfg.RequestTimeout})
	}
	return telephonyMock.NewProvider()
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *Repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *Services {
	c.initComponents()
	return c.components.services
}

// Dispatchers exposes Kafka dispatchers.
func (c *Container) Dispatchers() *Dispatchers {
	c.initComponents()
	return c.components.dispatchers
}

// Providers exposes external providers.
func (c *Container) Providers() *Providers {
	c.initComponents()
	return c.components.providers
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() *handlers.HandlerSet {
	svcs := c.Services()
	return handlers.NewHandlerSet(handlers.Services{
		Campaigns:     svcs.Campaign,
		Calls:         svcs.Call,
		Conversations: svcs.Conversation,
	}, handlers.Options{
		AuthToken:       c.Config.Telephony.AuthToken,
		CallbackBaseURL: c.Config.Telephony.CallbackBaseURL,
		Health: map[string]handlers.HealthCheck{
			"postgres": c.Postgres.Ping,
			"scylla":   c.Scylla.Ping,
			"redis":    c.Redis.Ping,
		},
	}, c.Logger)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if d := c.components.dispatchers; d != nil {
		if err := d.CallDispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher close: %w", err))
		}
		if err := d.StatusPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("status publisher close: %w", err))
		}
		if err := d.NotificationPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("notification publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx, c.Kafka.Topics(), 12, 1)
}
