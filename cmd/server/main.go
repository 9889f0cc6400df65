package main

import (
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/arients/VoiceChatBot/internal/config"
	"github.com/arients/VoiceChatBot/internal/gate"
	"github.com/arients/VoiceChatBot/internal/httpapi"
	"github.com/arients/VoiceChatBot/internal/prompt"
	"github.com/arients/VoiceChatBot/internal/upstream"
	"github.com/arients/VoiceChatBot/shared"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServer()
	if err != nil {
		shared.NewStdLogger().Error("loading configuration", err)
		os.Exit(1)
	}

	var logger shared.LoggerAdapter
	if cfg.LogFile != "" {
		logger = shared.NewFileLogger(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, false)
	} else {
		logger = shared.NewStdLogger()
	}
	logger = logger.With(
		zap.String("component", "server"),
		zap.String("version", shared.Version),
	)

	vendor, err := upstream.NewClient(logger, cfg.OpenAIKey, cfg.BaseURL)
	if err != nil {
		logger.Error("creating upstream client", err)
		os.Exit(1)
	}

	g := gate.New(logger, cfg.MaxSessions)
	prompts := prompt.NewGenerator(logger, vendor)

	r := httpapi.NewRouter(logger, g, vendor, prompts)
	logger.Info("listening", zap.String("port", cfg.Port))
	if err := r.Run(":" + cfg.Port); err != nil {
		logger.Error("server stopped", err)
		os.Exit(1)
	}
}
