package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bdobrica/Kizuna/common/retry"
	"github.com/bdobrica/Kizuna/internal/kizuna/api"
	"github.com/bdobrica/Kizuna/internal/kizuna/archive"
	"github.com/bdobrica/Kizuna/internal/kizuna/chat"
	"github.com/bdobrica/Kizuna/internal/kizuna/llm"
	"github.com/bdobrica/Kizuna/internal/kizuna/matrix"
	"github.com/bdobrica/Kizuna/internal/kizuna/memory"
	"github.com/bdobrica/Kizuna/internal/kizuna/moderation"
	"github.com/bdobrica/Kizuna/internal/kizuna/persona"
	"github.com/bdobrica/Kizuna/internal/kizuna/state"
	"github.com/bdobrica/Kizuna/internal/kizuna/store"
)

const closeTimeout = 30 * time.Second

// App is the assembled Kizuna application.
type App struct {
	cfg    Config
	logger *slog.Logger

	store    *store.Store
	redis    *redis.Client
	engine   *chat.Engine
	runner   *memory.SynthesisRunner
	exporter *archive.Exporter
	api      *api.Server
	matrix   *matrix.Client
	bridge   *matrix.Bridge
}

// New builds every component from cfg. Nothing is started; see Run. If
// logger is nil, the default slog logger is used.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	logger := a.logger
	logger.Info("opening database", "driver", cfg.Database.Driver, "path", cfg.Database.Path)
	st, err := store.Open(store.Config{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		DSN:    cfg.Database.DSN,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.store = st

	buffer, err := a.newBuffer(ctx)
	if err != nil {
		return err
	}
	ltm := a.newLongTermStore()
	gateway := memory.NewGateway(buffer, ltm, memory.GatewayConfig{
		TopK:  cfg.LTM.TopK,
		Retry: retry.DefaultConfig,
	}, logger)

	provider, err := a.newProvider()
	if err != nil {
		return err
	}

	gate, err := moderation.NewKeywordGate(cfg.Moderation.BlockedWords, cfg.Moderation.InjectionPhrases)
	if err != nil {
		return err
	}

	characters, err := a.newCatalog()
	if err != nil {
		return err
	}

	var summariser memory.Summariser = memory.NoopSummariser{}
	if cfg.LLM.Provider != ProviderScripted {
		summariser = memory.NewLLMSummariser(llm.TextGenerator{
			Provider: provider,
			Model:    orDefault(cfg.Synthesis.Model, cfg.LLM.Model),
		}, logger)
	}
	synth := memory.NewSynthesizer(buffer, ltm, summariser, logger)

	tagCase, _ := state.ParseTagCase(cfg.Chat.TagCase)
	engine, err := chat.NewEngine(chat.Options{
		Sessions:    state.NewSQLRepository(st.DB(), logger),
		Memory:      gateway,
		Provider:    provider,
		Gate:        gate,
		Characters:  characters,
		Synthesizer: synth,
		Logger:      logger,
		Config: chat.Config{
			Model:        cfg.LLM.Model,
			MaxTokens:    cfg.LLM.MaxTokens,
			Temperature:  cfg.LLM.Temperature,
			MemoryTokens: cfg.Chat.MemoryTokens,
			TagCase:      tagCase,
		},
	})
	if err != nil {
		return err
	}
	a.engine = engine

	trigger, _ := memory.ParseTrigger(cfg.Synthesis.Trigger)
	a.runner = memory.NewSynthesisRunner(engine, memory.RunnerConfig{
		Trigger:   trigger,
		Interval:  cfg.Synthesis.Interval,
		Threshold: cfg.SynthesisThreshold(),
	}, logger)
	engine.SetNotifier(a.runner)

	sink, err := a.newSink(ctx)
	if err != nil {
		return err
	}
	a.exporter = archive.NewExporter(engine, sink, logger)

	if cfg.HTTP.Addr != "" {
		a.api = api.NewServer(api.Config{Addr: cfg.HTTP.Addr, TurnTimeout: cfg.HTTP.TurnTimeout}, engine, logger)
		a.api.SetExporter(a.exporter)
		a.api.AddHealthCheck("database", st.Ping)
		if a.redis != nil {
			a.api.AddHealthCheck("redis", func(ctx context.Context) error {
				return a.redis.Ping(ctx).Err()
			})
		}
	}

	if cfg.Matrix.Enabled {
		logger.Info("connecting to Matrix", "homeserver", cfg.Matrix.Homeserver)
		client, err := matrix.New(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Rooms:       cfg.Matrix.Rooms,
			SyncStore:   matrix.NewDBSyncStore(st.DB()),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Matrix client: %w", err)
		}
		a.matrix = client
		a.bridge = matrix.NewBridge(engine, matrix.NewSQLRoomSessions(st.DB()), client, matrix.BridgeConfig{
			CharacterID: cfg.Matrix.CharacterID,
			TurnTimeout: cfg.HTTP.TurnTimeout,
		}, logger)
	}
	return nil
}

func (a *App) newBuffer(ctx context.Context) (memory.ShortTermBuffer, error) {
	cfg := a.cfg.Buffer
	if cfg.Backend != BackendRedis {
		return memory.NewMemoryBuffer(cfg.Capacity), nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		// The gateway degrades to long-term memory while Redis is down.
		a.logger.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "err", err)
	}
	return memory.NewRedisBuffer(a.redis, memory.RedisBufferConfig{
		Capacity:  cfg.Capacity,
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.TTL,
	}, a.logger), nil
}

func (a *App) newLongTermStore() memory.LongTermStore {
	cfg := a.cfg.LTM
	var embedder memory.Embedder = memory.NewHashEmbedder(0)
	if cfg.Embedder == EmbedderOpenAI {
		embedder = memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
			APIKey:  cfg.EmbeddingAPIKey,
			BaseURL: cfg.EmbeddingBaseURL,
			Model:   cfg.EmbeddingModel,
		})
	}
	if cfg.Backend == BackendMemory {
		return memory.NewMemoryStore(embedder)
	}
	return memory.NewSQLStore(a.store.DB(), embedder, a.logger)
}

func (a *App) newProvider() (llm.Provider, error) {
	cfg := a.cfg.LLM
	var p llm.Provider
	switch cfg.Provider {
	case ProviderOpenAI:
		p = llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case ProviderAnthropic:
		p = llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	case ProviderScripted:
		a.logger.Warn("using the scripted llm provider; replies are canned")
		return llm.NewScriptedProvider(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	rc := retry.DefaultConfig
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	a.logger.Info("llm provider ready", "provider", p.Name(), "model", cfg.Model)
	return llm.WithRetry(p, rc, a.logger), nil
}

func (a *App) newCatalog() (*persona.Catalog, error) {
	cat, err := persona.NewCatalog(persona.DefaultCharacter())
	if err != nil {
		return nil, err
	}
	for i, path := range a.cfg.Chat.CharacterFiles {
		ch, err := cat.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			if err := cat.SetDefault(ch.ID); err != nil {
				return nil, err
			}
		}
	}
	if id := a.cfg.Chat.DefaultCharacter; id != "" {
		if err := cat.SetDefault(id); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

func (a *App) newSink(ctx context.Context) (archive.Sink, error) {
	sink, err := a.newPlainSink(ctx)
	if err != nil {
		return nil, err
	}
	sealer, err := a.cfg.ArchiveSealer()
	if err != nil || sealer == nil {
		return sink, err
	}
	return archive.NewSealedSink(sink, sealer)
}

func (a *App) newPlainSink(ctx context.Context) (archive.Sink, error) {
	cfg := a.cfg.Archive
	if cfg.Backend == ArchiveS3 {
		client, err := archive.NewS3Client(ctx, archive.S3Config{
			Bucket:   cfg.Bucket,
			Prefix:   cfg.Prefix,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return archive.NewS3Sink(client, cfg.Bucket, cfg.Prefix)
	}
	return archive.NewDirSink(cfg.Dir)
}

// Engine returns the chat engine, for commands that drive it directly.
func (a *App) Engine() *chat.Engine { return a.engine }

// Exporter returns the session exporter.
func (a *App) Exporter() *archive.Exporter { return a.exporter }

// Config returns the configuration the app was built from.
func (a *App) Config() Config { return a.cfg }

// Run starts the background services (synthesis runner, HTTP API, Matrix
// bridge) and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	go a.runner.Run(ctx)

	if a.api != nil {
		if err := a.api.Start(ctx); err != nil {
			return err
		}
	}

	if a.matrix != nil {
		a.logger.Info("starting Matrix sync")
		if err := a.matrix.Start(ctx, a.bridge.Handle); err != nil {
			return fmt.Errorf("failed to start Matrix client: %w", err)
		}
	}

	a.logger.Info("kizuna is running",
		"http", a.cfg.HTTP.Addr,
		"matrix", a.cfg.Matrix.Enabled,
		"synthesis_trigger", a.runner.Trigger(),
	)
	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}

// Close stops the services and waits for pending memory writes before
// closing connections.
func (a *App) Close() error {
	if a.runner != nil {
		a.runner.Stop()
	}
	if a.matrix != nil {
		a.logger.Info("stopping Matrix client")
		a.matrix.Stop()
	}
	if a.api != nil {
		a.api.Stop()
	}

	var errs []error
	if a.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := a.engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush memory: %w", err))
		}
		cancel()
	}
	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	if a.store != nil {
		a.logger.Info("closing database")
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}

// orDefault returns s if non-empty, otherwise fallback.
func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
