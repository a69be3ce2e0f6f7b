// Package config loads settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultICEServers = `[{"urls":["stun:stun.l.google.com:19302"]}]`

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSupabase = "supabase"
	StoreDynamoDB = "dynamodb"
)

// Config holds application configuration.
type Config struct {
	HTTP    HTTPConfig
	Log     LogConfig
	STT     STTConfig
	LLM     LLMConfig
	TTS     TTSConfig
	Barge   BargeConfig
	Store   StoreConfig
	Twilio  TwilioConfig
	Session SessionConfig

	// Warnings lists problems found while loading, for the caller to log
	// once a logger exists.
	Warnings []string
}

type HTTPConfig struct {
	Address        string
	AuthPassword   string
	ICEServersJSON string
	// PublicBaseURL is the externally reachable origin, used for Twilio
	// stream URLs and signature checks.
	PublicBaseURL string
}

type LogConfig struct {
	Level  string
	Format string
}

type STTConfig struct {
	APIKey            string
	URL               string
	Model             string
	SampleRate        int
	EagerEOTThreshold float64
	EOTThreshold      float64
	EOTTimeout        time.Duration
}

type LLMConfig struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	Temperature   float64
	MaxTokens     int
	Timeout       time.Duration
}

type TTSConfig struct {
	URL           string
	APIKey        string
	Model         string
	VoiceID       string
	Speed         float64
	Pitch         float64
	SampleRate    int
	Lead          time.Duration
	DeepgramModel string
}

type BargeConfig struct {
	EnergyThreshold float64
	MinFrames       int
	Cooldown        time.Duration
}

type StoreConfig struct {
	Backend                string
	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseTable          string
	DynamoDBTable          string
}

type TwilioConfig struct {
	AuthToken string
}

type SessionConfig struct {
	IdleTimeout       time.Duration
	ArchiveAfter      time.Duration
	RegistryRetention time.Duration
}

type loader struct {
	warnings []string
}

func (l *loader) warn(format string, args ...any) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func (l *loader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// first returns the first non-empty variable among keys.
func (l *loader) first(def string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return def
}

func (l *loader) integer(key string, def int) int {
	v := l.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.warn("%s=%q is not an integer, using %d", key, v, def)
		return def
	}
	return n
}

func (l *loader) float(key string, def float64) float64 {
	v := l.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.warn("%s=%q is not a number, using %g", key, v, def)
		return def
	}
	return f
}

func (l *loader) millis(key string, def time.Duration) time.Duration {
	return time.Duration(l.integer(key, int(def/time.Millisecond))) * time.Millisecond
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	l := &loader{}
	if err := godotenv.Load(); err != nil {
		l.warn("no .env file loaded: %v", err)
	}

	cfg := Config{
		HTTP: HTTPConfig{
			Address:        l.str("HTTP_ADDRESS", ":8080"),
			AuthPassword:   l.str("AUTH_PASSWORD", ""),
			ICEServersJSON: l.str("ICE_SERVERS_JSON", defaultICEServers),
			PublicBaseURL:  strings.TrimRight(l.str("PUBLIC_BASE_URL", ""), "/"),
		},
		Log: LogConfig{
			Level:  l.str("LOG_LEVEL", "info"),
			Format: l.str("LOG_FORMAT", "json"),
		},
		STT: STTConfig{
			APIKey:            l.str("DEEPGRAM_API_KEY", ""),
			URL:               l.str("STT_URL", ""),
			Model:             l.str("STT_MODEL", ""),
			SampleRate:        l.integer("STT_SAMPLE_RATE", 16000),
			EagerEOTThreshold: l.float("STT_EAGER_EOT_THRESHOLD", 0),
			EOTThreshold:      l.float("STT_EOT_THRESHOLD", 0),
			EOTTimeout:        l.millis("STT_EOT_TIMEOUT_MS", 0),
		},
		LLM: LLMConfig{
			BaseURL:       l.str("LLM_BASE_URL", ""),
			APIKey:        l.first("", "LLM_API_KEY", "CEREBRAS_API_KEY"),
			Model:         l.first("gpt-oss-120b", "LLM_MODEL", "CEREBRAS_MODEL_ID"),
			FallbackModel: l.str("LLM_FALLBACK_MODEL", "llama-4-maverick-17b-128e-instruct"),
			Temperature:   l.float("LLM_TEMPERATURE", 0.6),
			MaxTokens:     l.integer("LLM_MAX_TOKENS", 512),
			Timeout:       l.millis("LLM_TIMEOUT_MS", 30*time.Second),
		},
		TTS: TTSConfig{
			URL:           l.str("TTS_URL", ""),
			APIKey:        l.str("TTS_API_KEY", ""),
			Model:         l.str("TTS_MODEL", "speech-02-turbo"),
			VoiceID:       l.str("TTS_VOICE_ID", ""),
			Speed:         l.float("TTS_SPEED", 1),
			Pitch:         l.float("TTS_PITCH", 0),
			SampleRate:    l.integer("TTS_SAMPLE_RATE", 24000),
			Lead:          l.millis("TTS_LEAD_MS", 250*time.Millisecond),
			DeepgramModel: l.str("DEEPGRAM_TTS_MODEL", "aura-2-thalia-en"),
		},
		Barge: BargeConfig{
			EnergyThreshold: l.float("BARGE_ENERGY_THRESHOLD", 500),
			MinFrames:       l.integer("BARGE_MIN_FRAMES", 5),
			Cooldown:        l.millis("BARGE_COOLDOWN_MS", 800*time.Millisecond),
		},
		Store: StoreConfig{
			Backend:                strings.ToLower(l.str("STORE_BACKEND", StoreMemory)),
			SupabaseURL:            l.str("SUPABASE_URL", ""),
			SupabaseServiceRoleKey: l.str("SUPABASE_SERVICE_ROLE_KEY", ""),
			SupabaseTable:          l.str("SUPABASE_TABLE", "sessions"),
			DynamoDBTable:          l.str("DYNAMODB_TABLE", ""),
		},
		Twilio: TwilioConfig{
			AuthToken: l.str("TWILIO_AUTH_TOKEN", ""),
		},
		Session: SessionConfig{
			IdleTimeout:       l.millis("SESSION_IDLE_TIMEOUT_MS", 5*time.Minute),
			ArchiveAfter:      time.Duration(l.integer("SESSION_ARCHIVE_AFTER_HOURS", 24*30)) * time.Hour,
			RegistryRetention: l.millis("REGISTRY_RETENTION_MS", time.Hour),
		},
	}

	if cfg.STT.APIKey == "" {
		l.warn("DEEPGRAM_API_KEY not set - transcription will not work")
	}
	if cfg.LLM.APIKey == "" {
		l.warn("LLM_API_KEY not set - LLM will not work")
	}
	if cfg.TTS.APIKey == "" && cfg.STT.APIKey == "" {
		l.warn("TTS_API_KEY and DEEPGRAM_API_KEY not set - TTS will not work")
	}
	switch cfg.Store.Backend {
	case StoreMemory:
	case StoreSupabase:
		if cfg.Store.SupabaseURL == "" || cfg.Store.SupabaseServiceRoleKey == "" {
			l.warn("STORE_BACKEND=supabase needs SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY")
		}
	case StoreDynamoDB:
		if cfg.Store.DynamoDBTable == "" {
			l.warn("STORE_BACKEND=dynamodb needs DYNAMODB_TABLE")
		}
	default:
		l.warn("unknown STORE_BACKEND %q, using memory", cfg.Store.Backend)
		cfg.Store.Backend = StoreMemory
	}

	cfg.Warnings = l.warnings
	return cfg
}
