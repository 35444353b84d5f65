package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the chantrace server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir           string
	HTTPPort          int
	AMIAddr           string // host:port of the Asterisk manager interface
	AMIUsername       string
	AMISecret         string
	AMIReconnect      time.Duration // wait between reconnect attempts
	AccountCodeLength int           // digit count of trunk account codes
	AllEvents         bool          // track every AMI event, not just the interesting set
	FlushOnBoot       bool          // drop all tracked channels on FullyBooted
	LogLevel          string
	LogFormat         string // log output format: "text" or "json"
	APISecret         string // hex-encoded 32-byte secret for API JWT signing
	IssueToken        string // when set, print a bearer token for this client name and exit
}

// defaults
const (
	defaultDataDir           = "./data"
	defaultHTTPPort          = 8080
	defaultAMIAddr           = "127.0.0.1:5038"
	defaultAMIReconnect      = 5 * time.Second
	defaultAccountCodeLength = 9
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
)

// envPrefix is the prefix for all chantrace environment variables.
const envPrefix = "CHANTRACE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("chantrace", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call journal database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.AMIAddr, "ami-addr", defaultAMIAddr, "host:port of the Asterisk manager interface")
	fs.StringVar(&cfg.AMIUsername, "ami-username", "", "AMI login username")
	fs.StringVar(&cfg.AMISecret, "ami-secret", "", "AMI login secret")
	fs.DurationVar(&cfg.AMIReconnect, "ami-reconnect", defaultAMIReconnect, "wait between AMI reconnect attempts")
	fs.IntVar(&cfg.AccountCodeLength, "account-code-length", defaultAccountCodeLength, "digit count of trunk account codes embedded in channel names")
	fs.BoolVar(&cfg.AllEvents, "all-events", false, "process every AMI event instead of the channel-tracking subset")
	fs.BoolVar(&cfg.FlushOnBoot, "flush-on-boot", false, "drop all tracked channels when Asterisk reports FullyBooted")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.APISecret, "api-secret", "", "hex-encoded 32-byte secret for API JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.IssueToken, "issue-token", "", "print a bearer token for this API client name and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":            envPrefix + "DATA_DIR",
		"http-port":           envPrefix + "HTTP_PORT",
		"ami-addr":            envPrefix + "AMI_ADDR",
		"ami-username":        envPrefix + "AMI_USERNAME",
		"ami-secret":          envPrefix + "AMI_SECRET",
		"ami-reconnect":       envPrefix + "AMI_RECONNECT",
		"account-code-length": envPrefix + "ACCOUNT_CODE_LENGTH",
		"all-events":          envPrefix + "ALL_EVENTS",
		"flush-on-boot":       envPrefix + "FLUSH_ON_BOOT",
		"log-level":           envPrefix + "LOG_LEVEL",
		"log-format":          envPrefix + "LOG_FORMAT",
		"api-secret":          envPrefix + "API_SECRET",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "ami-addr":
			cfg.AMIAddr = val
		case "ami-username":
			cfg.AMIUsername = val
		case "ami-secret":
			cfg.AMISecret = val
		case "ami-reconnect":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.AMIReconnect = v
			}
		case "account-code-length":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AccountCodeLength = v
			}
		case "all-events":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.AllEvents = v
			}
		case "flush-on-boot":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.FlushOnBoot = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "api-secret":
			cfg.APISecret = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	host, port, ok := strings.Cut(c.AMIAddr, ":")
	if !ok || host == "" || port == "" {
		return fmt.Errorf("ami-addr must be host:port, got %q", c.AMIAddr)
	}
	if c.AMIReconnect < time.Second {
		return fmt.Errorf("ami-reconnect must be at least 1s, got %s", c.AMIReconnect)
	}
	if c.AccountCodeLength < 1 || c.AccountCodeLength > 20 {
		return fmt.Errorf("account-code-length must be between 1 and 20, got %d", c.AccountCodeLength)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// APISecretBytes returns the decoded 32-byte API signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) APISecretBytes() ([]byte, error) {
	if c.APISecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating api secret: %w", err)
		}
		c.APISecret = hex.EncodeToString(key)
		slog.Warn("no api-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.APISecret)
	if err != nil {
		return nil, fmt.Errorf("decoding api secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("api secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
