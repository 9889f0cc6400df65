package config

import (
	"fmt"

	"github.com/arients/VoiceChatBot/shared"
)

// Server holds backend configuration, read from the environment once at
// startup. The process refuses to start without a vendor API key.
type Server struct {
	Port        string
	OpenAIKey   string
	BaseURL     string
	MaxSessions int

	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

func LoadServer() (Server, error) {
	key, err := shared.Getenv(shared.GetenvString, "OPENAI_API_KEY", true, "")
	if err != nil {
		return Server{}, fmt.Errorf("loading OPENAI_API_KEY: %w", err)
	}
	port, err := shared.Getenv(shared.GetenvString, "PORT", false, "8080")
	if err != nil {
		return Server{}, fmt.Errorf("loading PORT: %w", err)
	}
	baseURL, err := shared.Getenv(shared.GetenvString, "OPENAI_BASE_URL", false, "https://api.openai.com/v1")
	if err != nil {
		return Server{}, fmt.Errorf("loading OPENAI_BASE_URL: %w", err)
	}
	maxSessions, err := shared.Getenv(shared.GetenvInt, "MAX_SESSIONS", false, 20)
	if err != nil {
		return Server{}, fmt.Errorf("loading MAX_SESSIONS: %w", err)
	}
	logFile, err := shared.Getenv(shared.GetenvString, "LOG_FILE", false, "")
	if err != nil {
		return Server{}, fmt.Errorf("loading LOG_FILE: %w", err)
	}
	return Server{
		Port:          port,
		OpenAIKey:     key,
		BaseURL:       baseURL,
		MaxSessions:   maxSessions,
		LogFile:       logFile,
		LogMaxSizeMB:  10,
		LogMaxBackups: 2,
		LogMaxAgeDays: 3,
	}, nil
}
