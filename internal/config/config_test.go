package config

import (
	"strings"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FANRIDE_ADDR", "FANRIDE_ALLOWED_ORIGINS", "FANRIDE_MAX_PAYLOAD_BYTES",
		"FANRIDE_PING_INTERVAL", "FANRIDE_MAX_CLIENTS", "FANRIDE_TLS_CERT", "FANRIDE_TLS_KEY",
		"FANRIDE_ADMIN_TOKEN", "FANRIDE_ARCHIVE_DIR", "FANRIDE_ARCHIVE_DUMP_WINDOW",
		"FANRIDE_ARCHIVE_DUMP_BURST", "FANRIDE_LOG_LEVEL", "FANRIDE_LOG_PATH",
		"FANRIDE_LOG_MAX_SIZE_MB", "FANRIDE_LOG_MAX_BACKUPS", "FANRIDE_LOG_MAX_AGE_DAYS",
		"FANRIDE_LOG_COMPRESS", "COSMOS_ACCOUNT_ENDPOINT_DEV", "COSMOS_KEY_DEV", "COSMOS_DATABASE",
		"COSMOS_CONTAINER_ES", "COSMOS_CONTAINER_RM_MATCH_STATE", "COSMOS_CONTAINER_RM_TES_HISTORY",
		"COSMOS_CONTAINER_RM_LEADERBOARD", "COSMOS_CONTAINER_LEASES", "COSMOS_CONSISTENCY_LEVEL",
		"CHANGEFEED_MODE", "AFLFEED_ENABLED", "AFLFEED_STREAM_ID", "AFLFEED_ENDPOINT",
		"AFLFEED_POLL_INTERVAL_SECONDS", "AFLFEED_API_KEY_HEADER", "AFLFEED_API_KEY",
		"READMODEL_MOMENTUM_MAX_POINTS", "READMODEL_LEADERBOARD_TOP",
	} {
		t.Setenv(key, "")
	}
	// Startup refuses to run without a store secret; give the happy-path tests one.
	t.Setenv("COSMOS_KEY_DEV", "local-dev-key")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Errorf("Address = %q, want %q", cfg.Address, DefaultAddr)
	}
	if cfg.PingInterval != DefaultPingInterval {
		t.Errorf("PingInterval = %v, want %v", cfg.PingInterval, DefaultPingInterval)
	}
	if cfg.Cosmos.ConsistencyLevel != "Strong" {
		t.Errorf("ConsistencyLevel = %q, want Strong", cfg.Cosmos.ConsistencyLevel)
	}
	if !cfg.Cosmos.UseSameType {
		t.Errorf("UseSameType = false, want true")
	}
	if cfg.ChangeFeed.Mode != ChangeFeedModeLive {
		t.Errorf("ChangeFeed.Mode = %q, want %q", cfg.ChangeFeed.Mode, ChangeFeedModeLive)
	}
	if cfg.AFLFeed.PollIntervalSeconds != DefaultPollIntervalSeconds {
		t.Errorf("PollIntervalSeconds = %d, want %d", cfg.AFLFeed.PollIntervalSeconds, DefaultPollIntervalSeconds)
	}
	if cfg.MomentumMax != DefaultMomentumWindow {
		t.Errorf("MomentumMax = %d, want %d", cfg.MomentumMax, DefaultMomentumWindow)
	}
	if cfg.LeaderboardTop != DefaultLeaderboardTop {
		t.Errorf("LeaderboardTop = %d, want %d", cfg.LeaderboardTop, DefaultLeaderboardTop)
	}
}

func TestLoadChangeFeedModeAliases(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHANGEFEED_MODE", "startFromBeginning")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ChangeFeed.Mode != ChangeFeedModeRebuild {
		t.Errorf("ChangeFeed.Mode = %q, want %q", cfg.ChangeFeed.Mode, ChangeFeedModeRebuild)
	}
}

func TestLoadRejectsWeakConsistency(t *testing.T) {
	clearEnv(t)
	t.Setenv("COSMOS_CONSISTENCY_LEVEL", "Eventual")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() error = nil, want error for weak consistency")
	}
	if !strings.Contains(err.Error(), "consistencyLevel") {
		t.Errorf("error = %v, want mention of consistencyLevel", err)
	}
}

func TestLoadRequiresStreamIDWhenFeedEnabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("AFLFEED_ENABLED", "true")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() error = nil, want error for missing streamId")
	}
	if !strings.Contains(err.Error(), "streamId") {
		t.Errorf("error = %v, want mention of streamId", err)
	}
}

func TestLoadRejectsMissingCosmosKeySecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("COSMOS_KEY_DEV", "env:UNSET_COSMOS_SECRET")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() error = nil, want error for missing secret env")
	}
	if !strings.Contains(err.Error(), "cosmos.key") {
		t.Errorf("error = %v, want mention of cosmos.key", err)
	}
}

func TestLoadEnvIndirectionForCosmosKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("COSMOS_KEY_DEV", "env:MY_SECRET_COSMOS_KEY")
	t.Setenv("MY_SECRET_COSMOS_KEY", "super-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cosmos.Key != "super-secret" {
		t.Errorf("Cosmos.Key = %q, want resolved secret", cfg.Cosmos.Key)
	}
}

func TestLoadInvalidDurationAggregatesErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("FANRIDE_PING_INTERVAL", "not-a-duration")
	t.Setenv("FANRIDE_MAX_PAYLOAD_BYTES", "-5")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() error = nil, want aggregated validation error")
	}
	if !strings.Contains(err.Error(), "FANRIDE_PING_INTERVAL") || !strings.Contains(err.Error(), "FANRIDE_MAX_PAYLOAD_BYTES") {
		t.Errorf("error = %v, want both problems reported", err)
	}
}

func TestLoadTLSRequiresBothPaths(t *testing.T) {
	clearEnv(t)
	t.Setenv("FANRIDE_TLS_CERT", "/tmp/cert.pem")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() error = nil, want error for mismatched TLS config")
	}
}

func TestLoadAllowedOrigins(t *testing.T) {
	clearEnv(t)
	t.Setenv("FANRIDE_ALLOWED_ORIGINS", " https://fanride.example , https://admin.fanride.example ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"https://fanride.example", "https://admin.fanride.example"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Errorf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}
