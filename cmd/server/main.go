package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"ivf-companion/internal/config"
	"ivf-companion/internal/core"
	"ivf-companion/internal/db"
	httpserver "ivf-companion/internal/http"
	"ivf-companion/internal/llm"
	"ivf-companion/internal/logging"
	"ivf-companion/internal/persona"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default ./config.yaml if present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logging.New(os.Stderr, "info", "console")
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	// Persona catalogue: built-in variants plus an optional override file
	catalogue, err := persona.Builtin()
	if cfg.Persona.File != "" {
		catalogue, err = persona.Load(cfg.Persona.File)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load personas")
	}
	if err := catalogue.SetDefault(cfg.Persona.Default); err != nil {
		logger.Fatal().Err(err).Msg("invalid default persona")
	}

	sealer, err := db.NewSealer(cfg.Session.Secret)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise credential sealing")
	}
	if cfg.Session.Secret == "" && cfg.Database.Driver != db.DriverMemory {
		logger.Warn().Msg("session.secret is empty; stored API keys will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.URL, sealer)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open session store")
	}
	defer store.Close()

	clients := llm.NewFactory(llm.Config{
		BaseURL:            cfg.OpenAI.BaseURL,
		ChatModel:          cfg.OpenAI.ChatModel,
		TranscriptionModel: cfg.OpenAI.TranscriptionModel,
		SpeechModel:        cfg.OpenAI.SpeechModel,
	})
	chat := core.NewChatService(clients, catalogue, logging.Component(logger, "chat"))
	chat.HistoryWindow = cfg.Chat.HistoryWindow
	chat.Voice = cfg.OpenAI.Voice
	chat.ServerCredential = cfg.OpenAI.APIKey

	srv, err := httpserver.NewServer(store, chat, catalogue, logging.Component(logger, "http"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct server")
	}
	srv.PCMSampleRate = cfg.Audio.PCMSampleRate

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	sweeper := db.NewSweeper(store, cfg.Session.IdleTimeout, cfg.Session.SweepInterval, logging.Component(logger, "sweeper"))

	logger.Info().
		Str("addr", httpSrv.Addr).
		Str("store", cfg.Database.Driver).
		Str("persona", catalogue.Default().Name).
		Bool("server_credential", chat.ServerOnline()).
		Msg("listening")

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	})
	wg.Go(func() { sweeper.Run(ctx) })

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	wg.Wait()
}
