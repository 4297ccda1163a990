package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/retrobot/internal/audio"
	"github.com/raphaelgruber/retrobot/internal/config"
	"github.com/raphaelgruber/retrobot/internal/db"
	"github.com/raphaelgruber/retrobot/internal/filestore"
	"github.com/raphaelgruber/retrobot/internal/llm"
	"github.com/raphaelgruber/retrobot/internal/metrics"
	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/pgstore"
	"github.com/raphaelgruber/retrobot/internal/pipeline"
	"github.com/raphaelgruber/retrobot/internal/retro"
	"github.com/raphaelgruber/retrobot/internal/service"
	"github.com/raphaelgruber/retrobot/internal/session"
	"github.com/raphaelgruber/retrobot/internal/stt"
)

// backend is what every session store offers the CLI.
type backend interface {
	session.Store
	service.RecordSink
	ListSessions(ctx context.Context) ([]*models.Session, error)
	Records(ctx context.Context, userID string, limit int) ([]models.RetroRecord, error)
}

// openBackend connects the configured store and returns it with its closer.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, func(), error) {
	switch cfg.Store {
	case config.StoreSurreal:
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := client.InitSchema(ctx); err != nil {
			_ = client.Close(ctx)
			return nil, nil, fmt.Errorf("initialize schema: %w", err)
		}
		return client, func() {
			if err := client.Close(context.Background()); err != nil {
				logger.Warn("failed to close database", "error", err)
			}
		}, nil

	case config.StorePostgres:
		store, err := pgstore.Open(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return store, store.Close, nil

	case config.StoreFile:
		store, err := filestore.New(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// voiceStack is the pipeline with its collaborators.
type voiceStack struct {
	temp     *audio.Manager
	pipeline *pipeline.Orchestrator
	provider string
}

// newVoiceStack builds temp storage, transcoder, speech-to-text and the
// optional cleanup stage from cfg.
func newVoiceStack(ctx context.Context, cfg config.Config, collector *metrics.Collector, logger *slog.Logger) (*voiceStack, error) {
	temp, err := audio.NewManager(cfg.TempDir, audio.Limits{
		MaxFileBytes: cfg.MaxFileBytes,
		MaxDirBytes:  cfg.MaxTempDirBytes,
		MinFreeBytes: cfg.MinFreeDiskBytes,
	}, logger)
	if err != nil {
		return nil, err
	}

	conv := audio.NewConverter(cfg.FFmpegPath, logger)
	conv.Format = cfg.AudioFormat
	conv.Codec = cfg.AudioCodec
	conv.Bitrate = cfg.AudioBitrate
	conv.SampleRate = cfg.AudioSampleRate
	conv.MaxInputBytes = cfg.MaxFileBytes
	conv.Timeout = cfg.ConversionTimeout

	var (
		provider stt.Transcriber
		model    string
	)
	switch cfg.STTProvider {
	case config.STTGemini:
		provider, err = stt.NewGemini(ctx, cfg.GeminiAPIKey, "", nil)
		if err != nil {
			return nil, err
		}
		model = cfg.GeminiModel
	case config.STTOpenAI:
		provider = stt.NewWhisper(cfg.OpenAIAPIKey, cfg.OpenAIURL)
		model = cfg.WhisperModel
	default:
		return nil, fmt.Errorf("unknown speech-to-text provider %q", cfg.STTProvider)
	}
	transcriber := stt.NewClient(provider, stt.ClientConfig{
		Model:    model,
		Language: cfg.Language,
		Timeout:  cfg.TranscriptionTimeout,
		Retry:    cfg.ServiceRetry,
		Metrics:  collector,
		Logger:   logger,
	})

	pcfg := pipeline.Config{Workers: cfg.Workers, Metrics: collector, Logger: logger}
	if cfg.CleanupEnabled {
		m, err := llm.NewModel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("cleanup model: %w", err)
		}
		pcfg.Cleaner = llm.NewCleaner(m, llm.CleanerConfig{
			Timeout: cfg.CleanupTimeout,
			Retry:   cfg.ServiceRetry,
			Metrics: collector,
			Logger:  logger,
		})
	}

	return &voiceStack{
		temp:     temp,
		pipeline: pipeline.New(temp, conv, transcriber, pcfg),
		provider: provider.Name(),
	}, nil
}

// newPlanner builds the todo planner. Without RETRO_TODOS_LLM it splits the
// answers as typed.
func newPlanner(ctx context.Context, cfg config.Config, collector *metrics.Collector, logger *slog.Logger) (*llm.Planner, error) {
	var model *llm.Model
	if cfg.TodosLLM {
		m, err := llm.NewModel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("planning model: %w", err)
		}
		model = m
	}
	return llm.NewPlanner(model, llm.PlannerConfig{
		Timeout: cfg.CleanupTimeout,
		Retry:   cfg.ServiceRetry,
		Metrics: collector,
		Logger:  logger,
	}), nil
}

// app is a fully wired retrospective service.
type app struct {
	service   *service.RetroService
	machine   *retro.Machine
	voice     *voiceStack
	store     backend
	collector *metrics.Collector
	closers   []func()
}

func newApp(ctx context.Context, cfg config.Config, sender service.Sender, logger *slog.Logger) (*app, error) {
	a := &app{collector: metrics.NewCollector()}

	store, closeStore, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	catalogue, err := retro.LoadCatalogue(cfg.StepsFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	var (
		orchestrator *pipeline.Orchestrator
		temp         *audio.Manager
	)
	if cfg.VoiceEnabled {
		a.voice, err = newVoiceStack(ctx, cfg, a.collector, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("voice pipeline: %w", err)
		}
		orchestrator, temp = a.voice.pipeline, a.voice.temp
		a.closers = append(a.closers, orchestrator.Close)
	}

	a.machine = retro.NewMachine(session.NewRegistry(), store, logger,
		retro.WithCatalogue(catalogue),
		retro.WithIdleTimeout(cfg.IdleTimeout),
		retro.WithPersistRetry(cfg.PersistRetry, cfg.PersistTimeout),
		retro.WithMetrics(a.collector),
		retro.WithJobCanceller(func(token string) {
			if orchestrator != nil {
				orchestrator.Cancel(token)
			}
		}),
	)
	scfg := service.Config{
		SweepInterval: cfg.SweepInterval,
		SinkRetry:     cfg.PersistRetry,
		SinkTimeout:   cfg.PersistTimeout,
		PlanTimeout:   cfg.CleanupTimeout,
		Reminders:     cfg.Reminders,
		ReminderAt:    cfg.ReminderAt,
		Logger:        logger,
	}
	if cfg.TodosEnabled {
		scfg.Planner, err = newPlanner(ctx, cfg, a.collector, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.service = service.NewRetroService(a.machine, orchestrator, temp, sender, store, scfg)
	a.closers = append(a.closers, a.service.Close)
	return a, nil
}

// Close releases everything in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

var errVoiceDisabled = errors.New("voice input is disabled (set RETRO_VOICE_ENABLED=true)")
