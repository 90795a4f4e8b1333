package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENCRYPTION_MODE", "none")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Upstream.RateLimitPerSecond != 25 {
		t.Errorf("RateLimitPerSecond = %d, want 25", cfg.Upstream.RateLimitPerSecond)
	}
	if cfg.Upstream.RetryCount != 3 || cfg.Upstream.MaxThrottleRetries != 10 {
		t.Errorf("retry budgets = %d/%d, want 3/10", cfg.Upstream.RetryCount, cfg.Upstream.MaxThrottleRetries)
	}
	if cfg.Upstream.MaxPages != 1000 || cfg.Upstream.PerPage != 100 {
		t.Errorf("pagination = %d pages x %d, want 1000 x 100", cfg.Upstream.MaxPages, cfg.Upstream.PerPage)
	}
	if cfg.Upstream.PageTokenParam != "page_token" {
		t.Errorf("PageTokenParam = %q", cfg.Upstream.PageTokenParam)
	}
	if cfg.Upstream.RefreshMargin != 5*time.Minute {
		t.Errorf("RefreshMargin = %v", cfg.Upstream.RefreshMargin)
	}
	if cfg.Sync.MaxCacheAge != 24*time.Hour {
		t.Errorf("MaxCacheAge = %v", cfg.Sync.MaxCacheAge)
	}
	if cfg.Sync.StaleAfter != 45*time.Minute || cfg.Sync.StaleRetryDelay != 15*time.Minute {
		t.Errorf("stale sweep = %v/%v", cfg.Sync.StaleAfter, cfg.Sync.StaleRetryDelay)
	}
	if cfg.Sync.HistoryRetention != 90*24*time.Hour {
		t.Errorf("HistoryRetention = %v", cfg.Sync.HistoryRetention)
	}
	if cfg.Sync.DispatchBatch != 10 || cfg.Sync.MaxConcurrentSyncs != 4 {
		t.Errorf("dispatch = batch %d, concurrent %d", cfg.Sync.DispatchBatch, cfg.Sync.MaxConcurrentSyncs)
	}
}

func TestLoadRequiresKeyInEncryptedMode(t *testing.T) {
	t.Setenv("ENCRYPTION_MODE", "encrypted")
	t.Setenv("ENCRYPTION_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatalf("Load accepted encrypted mode without a key")
	}
}

func TestLoadRejectsUnknownEncryptionMode(t *testing.T) {
	t.Setenv("ENCRYPTION_MODE", "base64")
	if _, err := Load(); err == nil {
		t.Fatalf("Load accepted unknown encryption mode")
	}
}

func TestLoadNormalizesAndValidates(t *testing.T) {
	t.Setenv("ENCRYPTION_MODE", "none")
	t.Setenv("LOG_LEVEL", "WARNING")
	t.Setenv("GIN_MODE", "bogus")
	t.Setenv("API_BASE_PATH", "api/v2/")
	t.Setenv("UPSTREAM_API_URL", "https://api.example.com/v4/")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.GinMode != "release" {
		t.Errorf("GinMode = %q", cfg.GinMode)
	}
	if cfg.APIBasePath != "/api/v2" {
		t.Errorf("APIBasePath = %q", cfg.APIBasePath)
	}
	if cfg.Upstream.BaseURL != "https://api.example.com/v4" {
		t.Errorf("BaseURL = %q", cfg.Upstream.BaseURL)
	}
}

func TestLoadRejectsBadLimits(t *testing.T) {
	t.Setenv("ENCRYPTION_MODE", "none")
	t.Setenv("UPSTREAM_RATE_LIMIT", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("Load accepted zero rate limit")
	}
}
