package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aaronsb/livetranscripts/internal/ai"
	"github.com/aaronsb/livetranscripts/internal/ai/gemini"
	"github.com/aaronsb/livetranscripts/internal/ai/openai"
	"github.com/aaronsb/livetranscripts/internal/api"
	"github.com/aaronsb/livetranscripts/internal/audiosource"
	"github.com/aaronsb/livetranscripts/internal/batcher"
	"github.com/aaronsb/livetranscripts/internal/config"
	"github.com/aaronsb/livetranscripts/internal/contextmgr"
	"github.com/aaronsb/livetranscripts/internal/dispatcher"
	"github.com/aaronsb/livetranscripts/internal/hub"
	"github.com/aaronsb/livetranscripts/internal/knowledge"
	"github.com/aaronsb/livetranscripts/internal/session"
	"github.com/aaronsb/livetranscripts/internal/storage/sqlite"
	"github.com/aaronsb/livetranscripts/internal/transcript"
	"github.com/aaronsb/livetranscripts/pkg/logger"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting live transcripts server", logger.String("version", Version))

	primary, fallback, chatProvider := buildModels(cfg, log)

	store, err := sqlite.Open(cfg.Storage.SQLitePath, log)
	if err != nil {
		log.Error("failed to open session-log storage", logger.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	const defaultSessionID = "default"
	registry := hub.NewRegistry()

	h := hub.New(buildHubConfig(cfg), primary, fallback, chatProvider, log)
	registry.Put(defaultSessionID, h)
	h.OnStop(func(snap session.Snapshot, tr *transcript.Transcript) {
		snapshot := tr.Snapshot()
		rec := sqlite.SessionRecord{
			StartedAt:          snap.StartedAt,
			StoppedAt:          time.Now().UTC(),
			Focus:              snap.Focus,
			FullText:           snapshot.Text,
			TranscriptionCount: len(snapshot.Transcriptions),
		}
		if _, err := store.StoreSession(rec); err != nil {
			log.Error("failed to store session log", logger.Error(err))
		}
		registry.Remove(defaultSessionID)
	})

	if cfg.Knowledge.DocsDir != "" {
		items, err := knowledge.LoadDir(cfg.Knowledge.DocsDir)
		if err != nil {
			log.Warn("failed to load knowledge directory", logger.Error(err), logger.String("dir", cfg.Knowledge.DocsDir))
		} else {
			h.SetKnowledge(items)
			log.Info("loaded knowledge items", logger.Int("count", len(items)))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)

	var src *audiosource.FFmpegSource
	if cfg.Audio.SourceType == "ffmpeg" && cfg.Audio.SourceURL != "" {
		src = audiosource.NewFFmpegSource(audiosource.FFmpegConfig{
			Path:           cfg.Audio.FFmpegPath,
			SourceURL:      cfg.Audio.SourceURL,
			SampleRate:     cfg.Audio.SampleRate,
			Channels:       1,
			FrameSamples:   cfg.VAD.FrameDurationMs * cfg.Audio.SampleRate / 1000,
			ReconnectDelay: time.Duration(cfg.Audio.FFmpegReconnectDelaySecs * float64(time.Second)),
			BlockTimeout:   time.Duration(cfg.Batching.QueueBlockTimeoutSecs * float64(time.Second)),
		}, h, log)
		if err := src.Start(ctx); err != nil {
			log.Error("failed to start audio source", logger.Error(err))
		}
	}

	router := api.NewRouter(h, registry, defaultSessionID, log)

	allPorts := []int{cfg.Server.Port}
	allPorts = append(allPorts, cfg.Server.AdditionalPorts...)

	var servers []*http.Server
	for _, port := range allPorts {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
		srv := &http.Server{
			Addr:         addr,
			Handler:      router.Routes(),
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
		}
		servers = append(servers, srv)
		go func(s *http.Server) {
			log.Info("starting http server", logger.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server error", logger.String("addr", s.Addr), logger.Error(err))
			}
		}(srv)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")

	if src != nil {
		src.Stop()
	}
	h.StopSession()
	h.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("http server shutdown error", logger.String("addr", srv.Addr), logger.Error(err))
			}
		}(s)
	}
	wg.Wait()

	log.Info("server fully stopped")
}

func buildHubConfig(cfg *config.Config) hub.Config {
	return hub.Config{
		Batcher: batcher.Config{
			SampleRate:       cfg.Audio.SampleRate,
			FrameSize:        cfg.VAD.FrameDurationMs * cfg.Audio.SampleRate / 1000,
			MinBatchDuration: cfg.Batching.MinBatchDuration,
			MaxBatchDuration: cfg.Batching.MaxBatchDuration,
			SilenceThreshold: cfg.Batching.SilenceDurationThreshold,
			Overlap:          cfg.Batching.BatchOverlap,
		},
		Dispatcher: dispatcher.Config{
			Parallelism: cfg.Transcription.Parallelism,
			MaxRetries:  cfg.Transcription.MaxRetries,
			RetryDelay:  time.Duration(cfg.Transcription.RetryDelaySecs * float64(time.Second)),
			APITimeout:  time.Duration(cfg.Transcription.APITimeoutSecs * float64(time.Second)),
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    1,
		},
		ContextMgr: contextmgr.Config{
			KnowledgeByteBudget: cfg.ContextMgr.KnowledgeByteBudget,
			Model:               chatModelID(cfg.ContextMgr.ChatModel),
			Temperature:         0.3,
			MaxTokens:           1024,
		},
		InsightInterval:        time.Duration(cfg.ContextMgr.InsightIntervalSecs * float64(time.Second)),
		QuestionInterval:       time.Duration(cfg.ContextMgr.QuestionUpdateIntervalSecs * float64(time.Second)),
		NumDynamicQuestions:    cfg.ContextMgr.NumDynamicQuestions,
		RingBufferDurationSecs: cfg.Audio.BufferDuration,
	}
}

// buildModels resolves the transcription.model/model_fallback config
// entries into dispatcher Models. Each entry is "provider:model" (e.g.
// "openai:whisper-1", "gemini:gemini-2.0-flash"); a bare model id without
// a prefix is treated as openai, matching the teacher's Whisper-first
// default.
func buildModels(cfg *config.Config, log *logger.Logger) (dispatcher.Model, []dispatcher.Model, ai.ChatProvider) {
	timeout := time.Duration(cfg.Transcription.APITimeoutSecs * float64(time.Second))

	resolve := func(spec string) dispatcher.Model {
		provider, model := splitProviderPrefix(spec)
		switch provider {
		case "gemini":
			return dispatcher.Model{ID: spec, Provider: geminiForModel(cfg, log, model, timeout)}
		default:
			return dispatcher.Model{ID: spec, Provider: openaiForModel(cfg, log, model, timeout)}
		}
	}

	primary := resolve(cfg.Transcription.Model)
	fallback := make([]dispatcher.Model, 0, len(cfg.Transcription.ModelFallback))
	for _, spec := range cfg.Transcription.ModelFallback {
		fallback = append(fallback, resolve(spec))
	}

	chatProviderName, chatModel := splitProviderPrefix(cfg.ContextMgr.ChatModel)
	var chatProviderClient ai.ChatProvider
	if chatProviderName == "gemini" {
		chatProviderClient = gemini.NewClient(cfg.Transcription.GeminiAPIKey, chatModel, log, timeout)
	} else {
		chatProviderClient = openai.NewClient(cfg.Transcription.OpenAIAPIKey, chatModel, log, cfg.Transcription.OpenAIBaseURL, timeout)
	}

	return primary, fallback, chatProviderClient
}

// splitProviderPrefix splits a "provider:model" spec into its provider name
// and bare model id. A spec with no prefix is treated as openai, matching
// the teacher's Whisper-first default.
func splitProviderPrefix(spec string) (provider, model string) {
	provider, model, found := strings.Cut(spec, ":")
	if !found {
		return "openai", spec
	}
	return provider, model
}

// chatModelID returns the bare model id context-manager calls should send to
// the chat provider, stripped of its "provider:" prefix if any.
func chatModelID(spec string) string {
	_, model := splitProviderPrefix(spec)
	return model
}

func openaiForModel(cfg *config.Config, log *logger.Logger, model string, timeout time.Duration) *openai.Client {
	return openai.NewClient(cfg.Transcription.OpenAIAPIKey, model, log, cfg.Transcription.OpenAIBaseURL, timeout)
}

func geminiForModel(cfg *config.Config, log *logger.Logger, model string, timeout time.Duration) *gemini.Client {
	return gemini.NewClient(cfg.Transcription.GeminiAPIKey, model, log, timeout)
}
