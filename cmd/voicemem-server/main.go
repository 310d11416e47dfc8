package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mseverin/voicemem/internal/config"
	"github.com/mseverin/voicemem/internal/engine"
	"github.com/mseverin/voicemem/internal/llm"
	"github.com/mseverin/voicemem/internal/server"
	"github.com/mseverin/voicemem/internal/storage"
	"github.com/mseverin/voicemem/internal/storage/postgres"
	"github.com/mseverin/voicemem/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional, env vars used otherwise)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadConfigFromFile(*configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineCfg := engine.DefaultConfig()
	engineCfg.NumWorkers = cfg.Memory.RebuildWorkers
	engineCfg.QueueSize = cfg.Memory.RebuildQueueSize
	engineCfg.RebuildTimeout = cfg.Memory.RebuildTimeout
	engineCfg.MaxPromptAge = cfg.Memory.MaxPromptAge
	if cfg.Storage.Engine == "sqlite" && engineCfg.NumWorkers > 1 {
		// Single writer for SQLite to avoid database locking
		engineCfg.NumWorkers = 1
	}

	memoryEngine, err := engine.New(store, engineCfg)
	if err != nil {
		log.Fatalf("Failed to initialize memory engine: %v", err)
	}

	// Both LLM collaborators are optional; without an API key, cleared
	// sessions are dropped instead of folded into episode summaries, and
	// /api/speak reports unavailable.
	var synth llm.Synthesizer
	if cfg.LLM.APIKey != "" {
		memoryEngine.SetCompleter(llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.ChatModel,
		}))
		synth = llm.NewSpeechClient(llm.SpeechConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.TTSModel,
			Voice:   cfg.LLM.TTSVoice,
		})
	}

	if err := memoryEngine.Start(ctx); err != nil {
		log.Fatalf("Failed to start memory engine: %v", err)
	}

	addr, _, err := server.Start(ctx, cfg, memoryEngine, synth)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("voicemem API running at http://%s", addr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")

	if err := memoryEngine.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down memory engine: %v", err)
	}

	cancel()
	time.Sleep(1 * time.Second) // Give time for connections to close
}

// openStore selects the storage backend from configuration.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.New(cfg.Storage.PostgresDSN)
	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, err
		}
		return sqlite.New(cfg.Storage.DataPath + "/voicemem.db")
	}
}
