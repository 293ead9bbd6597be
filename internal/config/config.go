// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Run       RunConfig       `mapstructure:"run"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Limits    LimitConfig     `mapstructure:"limits"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	CDX       CDXConfig       `mapstructure:"commoncrawl"`
	Paths     PathConfig      `mapstructure:"paths"`
	Verify    VerifyConfig    `mapstructure:"verify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// RunConfig governs a single harvest run.
type RunConfig struct {
	MaxFiles  int    `mapstructure:"max_files"`
	MaxGitHub int    `mapstructure:"max_github"`
	MaxWeb    int    `mapstructure:"max_web"`
	DryRun    bool   `mapstructure:"dry_run"`
	Source    string `mapstructure:"source"`
	Verbose   bool   `mapstructure:"verbose"`
}

// HTTPConfig configures outbound HTTP behavior for every source and the
// downloader.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRedirects   int    `mapstructure:"max_redirects"`
	UserAgent      string `mapstructure:"user_agent"`
}

// LimitConfig sets the hard resource bounds applied to untrusted downloads.
type LimitConfig struct {
	MaxDownloadBytes     int64   `mapstructure:"max_download_bytes"`
	MaxUncompressedBytes int64   `mapstructure:"max_uncompressed_bytes"`
	MaxZipEntries        int     `mapstructure:"max_zip_entries"`
	MaxCompressionRatio  float64 `mapstructure:"max_compression_ratio"`
}

// RateLimitConfig controls per-source pacing and backoff.
type RateLimitConfig struct {
	GitHubPerMinute   float64 `mapstructure:"github_per_minute"`
	WebPerSecond      float64 `mapstructure:"web_per_second"`
	WebBurst          int     `mapstructure:"web_burst"`
	BackoffBaseMs     int     `mapstructure:"backoff_base_ms"`
	BackoffMaxMs      int     `mapstructure:"backoff_max_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
}

// GitHubConfig configures the code-search source.
type GitHubConfig struct {
	APIBase string   `mapstructure:"api_base"`
	Token   string   `mapstructure:"token"`
	Topics  []string `mapstructure:"topics"`
}

// CDXConfig configures the Common Crawl index source.
type CDXConfig struct {
	IndexURL string `mapstructure:"index_url"`
}

// PathConfig sets where state, catalog, and published artifacts live.
type PathConfig struct {
	DataDir     string `mapstructure:"data_dir"`
	PublicDir   string `mapstructure:"public_dir"`
	SourcesFile string `mapstructure:"sources_file"`
}

// VerifyConfig configures the external compliance checker.
type VerifyConfig struct {
	Command        []string `mapstructure:"command"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	SaveReports    bool     `mapstructure:"save_reports"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.max_files", 200)
	v.SetDefault("run.max_github", 100)
	v.SetDefault("run.max_web", 50)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_redirects", 5)
	v.SetDefault("http.user_agent", "open-aasx-harvester/0.1 (+https://github.com/open-aasx-index/harvester)")
	v.SetDefault("limits.max_download_bytes", 50*1024*1024)
	v.SetDefault("limits.max_uncompressed_bytes", 100*1024*1024)
	v.SetDefault("limits.max_zip_entries", 500)
	v.SetDefault("limits.max_compression_ratio", 100)
	v.SetDefault("rate_limit.github_per_minute", 10)
	v.SetDefault("rate_limit.web_per_second", 1)
	v.SetDefault("rate_limit.web_burst", 5)
	v.SetDefault("rate_limit.backoff_base_ms", 1000)
	v.SetDefault("rate_limit.backoff_max_ms", 60000)
	v.SetDefault("rate_limit.backoff_multiplier", 2)
	v.SetDefault("github.api_base", "https://api.github.com")
	v.SetDefault("github.topics", []string{"aasx", "aas", "asset-administration-shell"})
	v.SetDefault("commoncrawl.index_url", "https://index.commoncrawl.org/CC-MAIN-2024-10-index")
	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.public_dir", "public")
	v.SetDefault("paths.sources_file", "sources.yml")
	v.SetDefault("verify.command", []string{"python3", "-m", "aas_test_engines"})
	v.SetDefault("verify.timeout_seconds", 120)
	v.SetDefault("verify.save_reports", true)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Run.MaxFiles <= 0 {
		return fmt.Errorf("run.max_files must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRedirects < 0 {
		return fmt.Errorf("http.max_redirects must be >= 0")
	}
	if c.Limits.MaxDownloadBytes <= 0 {
		return fmt.Errorf("limits.max_download_bytes must be > 0")
	}
	if c.RateLimit.WebPerSecond <= 0 {
		return fmt.Errorf("rate_limit.web_per_second must be > 0")
	}
	if c.RateLimit.GitHubPerMinute <= 0 {
		return fmt.Errorf("rate_limit.github_per_minute must be > 0")
	}
	switch c.Run.Source {
	case "", "github", "seeds", "sitemap", "commoncrawl":
	default:
		return fmt.Errorf("run.source must be one of github, seeds, sitemap, commoncrawl")
	}
	return nil
}

// HTTPTimeout converts the configured timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// VerifyTimeout converts the checker timeout into a duration.
func (c Config) VerifyTimeout() time.Duration {
	return time.Duration(c.Verify.TimeoutSeconds) * time.Second
}
