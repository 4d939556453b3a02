package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the typed process configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	TempRoot     string
	TempMaxBytes int64
	MaxSessions  int

	CacheTTL           time.Duration
	CacheSweepInterval time.Duration
	ResolveTimeout     time.Duration
	RedisAddr          string
	RedisDB            int

	GCInterval        time.Duration
	StaleAfter        time.Duration
	DisconnectAfter   time.Duration
	SessionRetention  time.Duration
	ReclaimAckTimeout time.Duration

	ChunkSize        int
	ProgressInterval time.Duration
	AcquireTimeout   time.Duration
	MergeTimeoutMax  time.Duration
	FFmpegPath       string

	RateLimitPerMinute int
}

// FromEnv builds a Config from the environment, applying defaults.
func FromEnv() Config {
	return Config{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		TempRoot:     GetEnv("TEMP_ROOT", filepath.Join(os.TempDir(), "media-gateway")),
		TempMaxBytes: GetEnvInt64("TEMP_MAX_BYTES", 20<<30),
		MaxSessions:  GetEnvInt("MAX_SESSIONS", 16),

		CacheTTL:           GetEnvDuration("CACHE_TTL", time.Hour),
		CacheSweepInterval: GetEnvDuration("CACHE_SWEEP_INTERVAL", 5*time.Minute),
		ResolveTimeout:     GetEnvDuration("RESOLVE_TIMEOUT", 20*time.Second),
		RedisAddr:          GetEnv("REDIS_ADDR", ""),
		RedisDB:            GetEnvInt("REDIS_DB", 0),

		GCInterval:        GetEnvDuration("GC_INTERVAL", time.Minute),
		StaleAfter:        GetEnvDuration("STALE_AFTER", 30*time.Minute),
		DisconnectAfter:   GetEnvDuration("DISCONNECT_AFTER", 2*time.Minute),
		SessionRetention:  GetEnvDuration("SESSION_RETENTION", 5*time.Minute),
		ReclaimAckTimeout: GetEnvDuration("RECLAIM_ACK_TIMEOUT", 10*time.Second),

		ChunkSize:        GetEnvInt("CHUNK_SIZE", 256<<10),
		ProgressInterval: GetEnvDuration("PROGRESS_INTERVAL", 250*time.Millisecond),
		AcquireTimeout:   GetEnvDuration("ACQUIRE_TIMEOUT", 30*time.Minute),
		MergeTimeoutMax:  GetEnvDuration("MERGE_TIMEOUT_MAX", 10*time.Minute),
		FFmpegPath:       GetEnv("FFMPEG_PATH", "ffmpeg"),

		RateLimitPerMinute: GetEnvInt("RATE_LIMIT_PER_MINUTE", 60),
	}
}
