package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/chatturn/internal/handlers"
	"github.com/MegaGrindStone/chatturn/internal/services"
	"gopkg.in/yaml.v3"
)

const errLoggerKey = "err"

func main() {
	if err := run(); err != nil {
		slog.Error("Server failed", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
}

func loadConfig() (config, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return config{}, fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, "chatturn")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		return config{}, fmt.Errorf("error creating config directory: %w", err)
	}

	cfgFile, err := os.Open(filepath.Join(cfgPath, "server.yaml"))
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	cfg.applyDefaults(cfgPath)

	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))
	slog.SetDefault(logger)

	if len(cfg.Credentials) == 0 {
		return errors.New("at least one credential is required, set credentials or CHATTURN_TOKEN")
	}

	llm, err := cfg.LLM.llm(cfg.SystemPrompt, logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}
	titleGen, err := cfg.LLM.titleGen(cfg.TitleGeneratorPrompt, logger)
	if err != nil {
		return fmt.Errorf("error creating title generator: %w", err)
	}

	boltDB, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("error opening store: %w", err)
	}
	defer boltDB.Close()

	m := handlers.NewMain(llm, titleGen, boltDB, cfg.handlerOptions(), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", m.HandleConversations)
	mux.HandleFunc("POST /api/conversations", m.HandleNewConversation)
	mux.HandleFunc("/api/conversations/continue", m.HandleContinueConversation)
	mux.HandleFunc("GET /api/events", m.HandleEvents)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port), slog.String("db", cfg.DBPath))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Shutdown waits for turns still streaming, bounded by ctx.
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}

	return nil
}
