// Package app builds the object graph from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"concierge-agent/internal/buffer"
	"concierge-agent/internal/config"
	"concierge-agent/internal/conversation"
	"concierge-agent/internal/dedup"
	"concierge-agent/internal/delivery"
	"concierge-agent/internal/integrations/openai"
	"concierge-agent/internal/integrations/paramstore"
	"concierge-agent/internal/optout"
	"concierge-agent/internal/reminder"
	"concierge-agent/internal/repository"
	"concierge-agent/internal/usecase"
	"concierge-agent/internal/webhook"
)

// SSM parameter names under ssm.prefix.
const (
	paramAIKey         = "open-ai-token"
	paramDeliveryToken = "delivery-token"
)

type App struct {
	Store     repository.Store
	OptOut    *optout.StateMachine
	Concierge *usecase.Concierge
	Scheduler *reminder.Scheduler
	Webhook   *webhook.Handler

	cfg       config.Config
	logger    *slog.Logger
	awsCfg    *aws.Config
	params    *paramstore.Client
	transport delivery.Transport
	completer usecase.Completer
	sendOpts  []delivery.Option
	bufOpts   []buffer.Option
	closers   []func() error
}

type Option func(*App)

// WithStore replaces the configured store backend.
func WithStore(s repository.Store) Option {
	return func(a *App) { a.Store = s }
}

// WithTransport replaces the HTTP delivery transport.
func WithTransport(t delivery.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithCompleter replaces the OpenAI client.
func WithCompleter(c usecase.Completer) Option {
	return func(a *App) { a.completer = c }
}

func WithDeliveryOptions(opts ...delivery.Option) Option {
	return func(a *App) { a.sendOpts = append(a.sendOpts, opts...) }
}

func WithBufferOptions(opts ...buffer.Option) Option {
	return func(a *App) { a.bufOpts = append(a.bufOpts, opts...) }
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	if a.Store == nil {
		store, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		a.Store = store
	}

	ai, err := a.openCompleter(ctx)
	if err != nil {
		return err
	}
	sender, err := a.openSender(ctx)
	if err != nil {
		return err
	}

	conv, err := conversation.New(a.Store, conversation.Config{
		MaxHistory:  a.cfg.Conversation.MaxHistory,
		TTL:         a.cfg.Conversation.TTL,
		ProfileTTL:  a.cfg.Conversation.ProfileTTL,
		FallbackTTL: a.cfg.Conversation.FallbackTTL,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("app: conversation store: %w", err)
	}

	var classifier optout.Classifier
	if !a.cfg.OptOut.DisableAI {
		c, err := optout.NewAIClassifier(ai, a.cfg.OptOut.ClassifierModel)
		if err != nil {
			return fmt.Errorf("app: opt-out classifier: %w", err)
		}
		classifier = c
	}
	a.OptOut, err = optout.NewStateMachine(a.Store, optout.NewDetector(classifier, a.logger), a.cfg.Conversation.TTL, a.logger)
	if err != nil {
		return fmt.Errorf("app: opt-out state machine: %w", err)
	}

	meetings, err := reminder.NewMeetingRepo(a.Store, a.cfg.Reminder.Retention, a.logger)
	if err != nil {
		return fmt.Errorf("app: meeting repo: %w", err)
	}
	windows, err := a.cfg.ReminderWindows()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	messages, err := reminder.NewMessages(a.cfg.Reminder.DayOfTemplate, a.cfg.Reminder.LeadTimeTemplate)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.Scheduler, err = reminder.NewScheduler(meetings, a.OptOut, sender, messages, reminder.SchedulerConfig{
		Interval: a.cfg.Reminder.Interval,
		Windows:  windows,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("app: scheduler: %w", err)
	}

	a.Concierge, err = usecase.NewConcierge(usecase.Deps{
		Dedup: dedup.New(dedup.Config{
			TTL:           a.cfg.Dedup.TTL,
			MaxEntries:    a.cfg.Dedup.MaxEntries,
			ResetInterval: a.cfg.Dedup.ResetInterval,
		}),
		Consent:       a.OptOut,
		Conversations: conv,
		AI:            ai,
		Sender:        sender,
		Meetings:      meetings,
	}, usecase.Config{
		SystemPrompt:  a.cfg.AI.SystemPrompt,
		OptOutAck:     a.cfg.OptOut.AckMessage,
		BufferWindow:  a.cfg.Buffer.Window,
		TurnTimeout:   a.cfg.Server.TurnTimeout,
		BufferOptions: a.bufOpts,
		Logger:        a.logger,
	})
	if err != nil {
		return fmt.Errorf("app: concierge: %w", err)
	}

	a.Webhook, err = webhook.NewHandler(a.Concierge, a.Store, a.cfg.Server.WebhookSecret, a.logger)
	if err != nil {
		return fmt.Errorf("app: webhook: %w", err)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (repository.Store, error) {
	sc := a.cfg.Store
	switch sc.Backend {
	case config.BackendMemory:
		a.logger.Warn("using in-memory store; state is lost on restart")
		return repository.NewMemoryStore(), nil
	case config.BackendRedis:
		store, client, err := repository.OpenRedis(ctx, repository.RedisConfig{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return store, nil
	case config.BackendDynamoDB:
		awsCfg, err := a.loadAWS(ctx)
		if err != nil {
			return nil, err
		}
		store, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), sc.DynamoTable)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		return store, nil
	case config.BackendSQLite, config.BackendPostgres:
		dialect, err := repository.DialectByName(sc.Backend)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		store, err := repository.OpenSQL(ctx, dialect, sc.SQLDSN)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("app: unknown store backend %q", sc.Backend)
	}
}

func (a *App) loadAWS(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
	}
	a.awsCfg = &cfg
	return cfg, nil
}

// secret returns a token source for a value that is either set directly in
// the config or stored in SSM under ssm.prefix.
func (a *App) secret(ctx context.Context, direct, param, key string) (func(context.Context) (string, error), error) {
	if direct != "" {
		return func(context.Context) (string, error) { return direct, nil }, nil
	}
	if a.cfg.SSMPrefix == "" {
		return nil, fmt.Errorf("app: %s is not set and ssm.prefix is empty", key)
	}
	if a.params == nil {
		awsCfg, err := a.loadAWS(ctx)
		if err != nil {
			return nil, err
		}
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.params = params
	}
	return paramstore.TokenSource(a.params, paramstore.Join(a.cfg.SSMPrefix, param)), nil
}

func (a *App) openCompleter(ctx context.Context) (usecase.Completer, error) {
	if a.completer != nil {
		return a.completer, nil
	}
	keys, err := a.secret(ctx, a.cfg.AI.APIKey, paramAIKey, "ai.api_key")
	if err != nil {
		return nil, err
	}
	client, err := openai.NewClient(keys,
		openai.WithBaseURL(a.cfg.AI.BaseURL),
		openai.WithDefaults(a.cfg.AI.Model, a.cfg.AI.MaxTokens, a.cfg.AI.Temperature, a.cfg.AI.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return client, nil
}

func (a *App) openSender(ctx context.Context) (*delivery.Client, error) {
	transport := a.transport
	if transport == nil {
		if a.cfg.Delivery.BaseURL == "" {
			return nil, errors.New("app: delivery.base_url is required")
		}
		token, err := a.secret(ctx, a.cfg.Delivery.Token, paramDeliveryToken, "delivery.token")
		if err != nil {
			return nil, err
		}
		t, err := delivery.NewHTTPTransport(a.cfg.Delivery.BaseURL, token)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		transport = t
	}
	opts := append([]delivery.Option{delivery.WithLogger(a.logger)}, a.sendOpts...)
	client, err := delivery.New(transport, delivery.Policy{
		MinDelay:       a.cfg.Delivery.MinDelay,
		MaxDelay:       a.cfg.Delivery.MaxDelay,
		MaxRetries:     a.cfg.Delivery.MaxRetries,
		RetryBaseDelay: a.cfg.Delivery.RetryBaseDelay,
		RatePerSecond:  a.cfg.Delivery.RatePerSecond,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return client, nil
}

// Close releases store connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
