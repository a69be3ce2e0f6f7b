package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chadiek/voice-agent/internal/agent"
	"github.com/chadiek/voice-agent/internal/barge"
	"github.com/chadiek/voice-agent/internal/config"
	"github.com/chadiek/voice-agent/internal/httpserver"
	"github.com/chadiek/voice-agent/internal/infra/storage"
	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/registry"
	"github.com/chadiek/voice-agent/internal/rtc"
	"github.com/chadiek/voice-agent/internal/transcript"
	"github.com/chadiek/voice-agent/internal/transport"
	"github.com/chadiek/voice-agent/internal/tts"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func newStore(ctx context.Context, cfg config.StoreConfig) (agent.Store, error) {
	switch cfg.Backend {
	case config.StoreSupabase:
		return storage.NewSupabase(storage.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Table:          cfg.SupabaseTable,
		})
	case config.StoreDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return storage.NewDynamoDB(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable)
	}
	return storage.NewMemory(), nil
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store %s: %w", cfg.Store.Backend, err)
	}
	logger.Info("session store ready", zap.String("backend", cfg.Store.Backend))

	reg := registry.New(registry.Options{Retention: cfg.Session.RegistryRetention}, logger.Named("registry"))
	defer reg.Close()

	generator := llm.NewClient(llm.Options{
		BaseURL:       cfg.LLM.BaseURL,
		APIKey:        cfg.LLM.APIKey,
		Model:         cfg.LLM.Model,
		FallbackModel: cfg.LLM.FallbackModel,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		Timeout:       cfg.LLM.Timeout,
	}, logger.Named("llm"))

	var fallback tts.Synthesizer
	if cfg.STT.APIKey != "" {
		fallback = tts.NewDeepgramSynthesizer(cfg.STT.APIKey, cfg.TTS.DeepgramModel, cfg.TTS.SampleRate, logger.Named("tts"))
	}
	speaker := tts.NewStreamer(tts.Options{
		URL:        cfg.TTS.URL,
		APIKey:     cfg.TTS.APIKey,
		Model:      cfg.TTS.Model,
		VoiceID:    cfg.TTS.VoiceID,
		Speed:      cfg.TTS.Speed,
		Pitch:      cfg.TTS.Pitch,
		SampleRate: cfg.TTS.SampleRate,
		Lead:       cfg.TTS.Lead,
	}, fallback, logger.Named("tts"))

	sttOpts := transcript.Options{
		URL:               cfg.STT.URL,
		APIKey:            cfg.STT.APIKey,
		Model:             cfg.STT.Model,
		SampleRate:        cfg.STT.SampleRate,
		EagerEOTThreshold: cfg.STT.EagerEOTThreshold,
		EOTThreshold:      cfg.STT.EOTThreshold,
		EOTTimeout:        cfg.STT.EOTTimeout,
	}
	sttLogger := logger.Named("stt")

	manager := agent.NewManager(agent.Deps{
		Store:     store,
		Notifier:  reg,
		Generator: generator,
		Speaker:   speaker,
		NewRecognizer: func(h transcript.Handlers) agent.Recognizer {
			return transcript.NewChannel(sttOpts, h, sttLogger)
		},
		Barge: barge.Config{
			SampleRate:           cfg.STT.SampleRate,
			EnergyThreshold:      cfg.Barge.EnergyThreshold,
			MinConsecutiveFrames: cfg.Barge.MinFrames,
			Cooldown:             cfg.Barge.Cooldown,
		},
		Orchestrator: agent.OrchestratorConfig{
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		},
		ArchiveAfter: cfg.Session.ArchiveAfter,
		Logger:       logger.Named("agent"),
	}, cfg.Session.IdleTimeout)
	defer manager.Close()
	go manager.Run(ctx)

	sessions := transport.FromManager(manager)
	srv := httpserver.New(httpserver.Deps{
		Sessions: manager,
		Registry: reg,
		WS: transport.NewWSHandler(sessions, transport.WSOptions{
			RecognizerRate: cfg.STT.SampleRate,
		}, logger.Named("ws")),
		Twilio: transport.NewTwilioHandler(sessions, transport.TwilioOptions{
			RecognizerRate: cfg.STT.SampleRate,
			AuthToken:      cfg.Twilio.AuthToken,
		}, logger.Named("twilio")),
		RTC: rtc.NewHandler(sessions, rtc.Options{
			ICEServersJSON: cfg.HTTP.ICEServersJSON,
			RecognizerRate: cfg.STT.SampleRate,
		}, logger.Named("rtc")),
		AuthPassword:    cfg.HTTP.AuthPassword,
		PublicBaseURL:   cfg.HTTP.PublicBaseURL,
		TwilioAuthToken: cfg.Twilio.AuthToken,
		Logger:          logger.Named("http"),
	})

	server := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.HTTP.Address))
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = server.Close()
	}
	return nil
}
