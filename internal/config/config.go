// Package config loads FanRide's runtime configuration from the environment, applying
// sane defaults and aggregating every validation problem into a single startup error.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the HTTP/WS surface listens on.
	DefaultAddr = ":8080"
	// DefaultPingInterval controls the keepalive cadence for hub WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size on the hub.
	DefaultMaxPayloadBytes int64 = 1 << 20
	// DefaultMaxClients bounds concurrent hub connections. Zero disables the limit.
	DefaultMaxClients = 1024

	// DefaultLogLevel controls verbosity for application logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "fanride-backend.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultArchiveDumpWindow bounds how frequently archive exports may be requested.
	DefaultArchiveDumpWindow = time.Minute
	// DefaultArchiveDumpBurst sets how many archive export requests may be made per window.
	DefaultArchiveDumpBurst = 1

	// DefaultMomentumWindow is the default number of momentum points GetMomentum returns.
	DefaultMomentumWindow = 60
	// DefaultLeaderboardTop is the default number of leaderboard entries GetLeaderboard returns.
	DefaultLeaderboardTop = 10

	// DefaultPollIntervalSeconds is the ingestion worker's default poll cadence.
	DefaultPollIntervalSeconds = 5

	// ChangeFeedModeLive starts the projector at the current tail of the event container.
	ChangeFeedModeLive = "live"
	// ChangeFeedModeRebuild purges all leases and replays the event container from the beginning.
	ChangeFeedModeRebuild = "rebuild"
)

// Config captures all runtime tunables for the FanRide backend process.
type Config struct {
	Address         string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	TLSCertPath     string
	TLSKeyPath      string
	AdminToken      string
	HubAuthSecret   string

	ArchiveDir         string
	ArchiveDumpWindow  time.Duration
	ArchiveDumpBurst   int

	Logging LoggingConfig

	Cosmos      CosmosConfig
	ChangeFeed  ChangeFeedConfig
	AFLFeed     AFLFeedConfig
	MomentumMax int
	LeaderboardTop int
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// CosmosConfig holds the document-store connection settings. The endpoint and key are read
// from COSMOS_ACCOUNT_ENDPOINT_DEV and COSMOS_KEY_DEV only; there are no test or prod variants.
type CosmosConfig struct {
	AccountEndpoint   string
	Key               string
	Database          string
	ContainerEvents         string
	ContainerMatchState     string
	ContainerTesHistory     string
	ContainerLeaderboard    string
	ContainerLeases         string
	ConsistencyLevel  string
	UseSameType       bool
}

// ChangeFeedConfig selects how the projector starts its change-feed subscription.
type ChangeFeedConfig struct {
	Mode string // "live" or "rebuild"
}

// AFLFeedConfig configures the external sports-feed ingestion worker.
type AFLFeedConfig struct {
	Enabled            bool
	StreamID           string
	Endpoint           string
	PollIntervalSeconds int
	APIKeyHeader       string
	APIKey             string
}

// Load reads the FanRide configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:           getString("FANRIDE_ADDR", DefaultAddr),
		AllowedOrigins:    parseList(os.Getenv("FANRIDE_ALLOWED_ORIGINS")),
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		PingInterval:      DefaultPingInterval,
		MaxClients:        DefaultMaxClients,
		TLSCertPath:       strings.TrimSpace(os.Getenv("FANRIDE_TLS_CERT")),
		TLSKeyPath:        strings.TrimSpace(os.Getenv("FANRIDE_TLS_KEY")),
		AdminToken:        strings.TrimSpace(os.Getenv("FANRIDE_ADMIN_TOKEN")),
		HubAuthSecret:     resolveEnvIndirection(os.Getenv("FANRIDE_HUB_AUTH_SECRET")),
		ArchiveDir:        getString("FANRIDE_ARCHIVE_DIR", "storage/archives"),
		ArchiveDumpWindow: DefaultArchiveDumpWindow,
		ArchiveDumpBurst:  DefaultArchiveDumpBurst,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("FANRIDE_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("FANRIDE_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		Cosmos: CosmosConfig{
			AccountEndpoint: resolveEnvIndirection(getString("COSMOS_ACCOUNT_ENDPOINT_DEV", "https://fanride-dev.documents.local")),
			Key:             resolveEnvIndirection(getString("COSMOS_KEY_DEV", "env:COSMOS_KEY_DEV")),
			Database:        getString("COSMOS_DATABASE", "fanride"),
			ContainerEvents:      getString("COSMOS_CONTAINER_ES", "es"),
			ContainerMatchState:  getString("COSMOS_CONTAINER_RM_MATCH_STATE", "rm_match_state"),
			ContainerTesHistory:  getString("COSMOS_CONTAINER_RM_TES_HISTORY", "rm_tes_history"),
			ContainerLeaderboard: getString("COSMOS_CONTAINER_RM_LEADERBOARD", "rm_leaderboard"),
			ContainerLeases:      getString("COSMOS_CONTAINER_LEASES", "leases"),
			ConsistencyLevel: getString("COSMOS_CONSISTENCY_LEVEL", "Strong"),
			UseSameType:      true,
		},
		ChangeFeed: ChangeFeedConfig{
			Mode: normaliseChangeFeedMode(getString("CHANGEFEED_MODE", ChangeFeedModeLive)),
		},
		AFLFeed: AFLFeedConfig{
			Enabled:             getBoolDefault("AFLFEED_ENABLED", false),
			StreamID:            strings.TrimSpace(os.Getenv("AFLFEED_STREAM_ID")),
			Endpoint:            strings.TrimSpace(os.Getenv("AFLFEED_ENDPOINT")),
			PollIntervalSeconds: DefaultPollIntervalSeconds,
			APIKeyHeader:        getString("AFLFEED_API_KEY_HEADER", "X-Api-Key"),
			APIKey:              resolveEnvIndirection(os.Getenv("AFLFEED_API_KEY")),
		},
		MomentumMax:    DefaultMomentumWindow,
		LeaderboardTop: DefaultLeaderboardTop,
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("FANRIDE_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FANRIDE_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FANRIDE_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FANRIDE_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FANRIDE_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FANRIDE_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FANRIDE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FANRIDE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FANRIDE_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FANRIDE_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FANRIDE_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("FANRIDE_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FANRIDE_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("FANRIDE_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FANRIDE_ARCHIVE_DUMP_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("FANRIDE_ARCHIVE_DUMP_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.ArchiveDumpWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FANRIDE_ARCHIVE_DUMP_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("FANRIDE_ARCHIVE_DUMP_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.ArchiveDumpBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AFLFEED_POLL_INTERVAL_SECONDS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("AFLFEED_POLL_INTERVAL_SECONDS must be a positive integer, got %q", raw))
		} else {
			cfg.AFLFeed.PollIntervalSeconds = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("READMODEL_MOMENTUM_MAX_POINTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("READMODEL_MOMENTUM_MAX_POINTS must be a positive integer, got %q", raw))
		} else {
			cfg.MomentumMax = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("READMODEL_LEADERBOARD_TOP")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("READMODEL_LEADERBOARD_TOP must be a positive integer, got %q", raw))
		} else {
			cfg.LeaderboardTop = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "FANRIDE_TLS_CERT and FANRIDE_TLS_KEY must be provided together")
	}

	// The event-sourced write path depends on strong consistency; refuse to start without it.
	if cfg.Cosmos.ConsistencyLevel != "Strong" {
		problems = append(problems, fmt.Sprintf("cosmos.consistencyLevel must equal \"Strong\", got %q", cfg.Cosmos.ConsistencyLevel))
	}
	if !cfg.Cosmos.UseSameType {
		problems = append(problems, "cosmos.useSameType must be true")
	}
	if cfg.Cosmos.Key == "" {
		problems = append(problems, "cosmos.key is empty; set COSMOS_KEY_DEV or the environment variable it points at via env:VAR")
	}
	if cfg.AFLFeed.Enabled && strings.TrimSpace(cfg.AFLFeed.StreamID) == "" {
		problems = append(problems, "aflFeed.streamId must be set when aflFeed.enabled is true")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func normaliseChangeFeedMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", ChangeFeedModeLive:
		return ChangeFeedModeLive
	case ChangeFeedModeRebuild, "startfrombeginning":
		return ChangeFeedModeRebuild
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}

// resolveEnvIndirection follows the `env:VAR` convention, letting a config value point at
// a secret held in another environment variable instead of embedding it directly.
func resolveEnvIndirection(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "env:") {
		return strings.TrimSpace(os.Getenv(strings.TrimPrefix(value, "env:")))
	}
	return value
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getBoolDefault(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
