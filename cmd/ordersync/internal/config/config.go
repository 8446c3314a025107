package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	ordlog "github.com/recomma/ordersync/log"
)

const defaultEnvFile = ".env"

type AppConfig struct {
	SocketURL  string
	APIBaseURL string
	AuthToken  string
	authFile   string

	StoragePath      string
	HTTPListen       string
	UIOrigins        string
	CacheDebounce    time.Duration
	StallTimeout     time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	PingInterval     time.Duration
	JournalRetention time.Duration
	PruneInterval    time.Duration
	CleanupInterval  time.Duration

	EnvFile       string
	LogLevel      string
	LogFormatJSON bool
	LogGroups     string
	LogFile       string
}

func DefaultConfig() AppConfig {
	return AppConfig{
		StoragePath:      "ordersync.sqlite3",
		HTTPListen:       ":8080",
		CacheDebounce:    time.Second,
		StallTimeout:     5 * time.Second,
		ReconnectMin:     time.Second,
		ReconnectMax:     30 * time.Second,
		PingInterval:     25 * time.Second,
		JournalRetention: 72 * time.Hour,
		PruneInterval:    time.Hour,
		CleanupInterval:  10 * time.Minute,
		EnvFile:          defaultEnvFile,
		LogLevel:         "info",
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("ordersync", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.SocketURL, "socket-url", cfg.SocketURL, "Realtime order socket URL, ws:// or wss:// (env: ORDERSYNC_SOCKET_URL)")
	fs.StringVar(&cfg.APIBaseURL, "api-base-url", cfg.APIBaseURL, "Backend REST base URL for order history (env: ORDERSYNC_API_BASE_URL)")
	fs.StringVar(&cfg.AuthToken, "auth-token", cfg.AuthToken, "Bearer token for the socket and REST backend (env: ORDERSYNC_AUTH_TOKEN)")
	fs.StringVar(&cfg.authFile, "auth-token-file", cfg.authFile, "File holding the bearer token (env: ORDERSYNC_AUTH_TOKEN_FILE). Overrides auth-token if set.")

	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite database path (env: ORDERSYNC_STORAGE_PATH)")
	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP listen address (env: ORDERSYNC_HTTP_LISTEN)")
	fs.StringVar(&cfg.UIOrigins, "ui-origins", cfg.UIOrigins, "Comma separated origins allowed to call the API (env: ORDERSYNC_UI_ORIGINS)")
	fs.DurationVar(&cfg.CacheDebounce, "cache-debounce", cfg.CacheDebounce, "Delay before active orders are written to disk (env: ORDERSYNC_CACHE_DEBOUNCE)")
	fs.DurationVar(&cfg.StallTimeout, "stall-timeout", cfg.StallTimeout, "Time an event may hold the queue before it is skipped (env: ORDERSYNC_STALL_TIMEOUT)")
	fs.DurationVar(&cfg.ReconnectMin, "reconnect-min", cfg.ReconnectMin, "Initial socket reconnect delay (env: ORDERSYNC_RECONNECT_MIN)")
	fs.DurationVar(&cfg.ReconnectMax, "reconnect-max", cfg.ReconnectMax, "Maximum socket reconnect delay (env: ORDERSYNC_RECONNECT_MAX)")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Socket keepalive interval, 0 disables (env: ORDERSYNC_PING_INTERVAL)")
	fs.DurationVar(&cfg.JournalRetention, "journal-retention", cfg.JournalRetention, "How long processed events stay in the journal (env: ORDERSYNC_JOURNAL_RETENTION)")
	fs.DurationVar(&cfg.PruneInterval, "journal-prune-interval", cfg.PruneInterval, "Interval between journal prunes (env: ORDERSYNC_JOURNAL_PRUNE_INTERVAL)")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "Interval between drops of delivered, cancelled and rejected orders from memory, 0 disables (env: ORDERSYNC_CLEANUP_INTERVAL)")

	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "dotenv file loaded before reading ORDERSYNC_* variables")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: ORDERSYNC_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON (env: ORDERSYNC_LOG_JSON)")
	fs.StringVar(&cfg.LogGroups, "log-groups", cfg.LogGroups, "Only log these components, e.g. syncer,socket (env: ORDERSYNC_LOG_GROUPS)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also append JSON logs to this file (env: ORDERSYNC_LOG_FILE)")

	return fs
}

// LoadEnvFile loads the dotenv file named by the env-file flag. Variables
// already present in the environment are kept. A missing default file is
// not an error.
func LoadEnvFile(flags *pflag.FlagSet, cfg AppConfig) error {
	if cfg.EnvFile == "" {
		return nil
	}
	err := godotenv.Load(cfg.EnvFile)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) && !flagChanged(flags, "env-file") {
		return nil
	}
	return fmt.Errorf("load env file %q: %w", cfg.EnvFile, err)
}

func flagChanged(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}

// ApplyEnvDefaults fills every flag the user did not pass from its
// ORDERSYNC_* variable.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	var errs []error
	lookup := func(name, envKey string) (string, bool) {
		if _, ok := flagSet[name]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(envKey)
		return v, ok && v != ""
	}
	setString := func(name, envKey string, target *string) {
		if v, ok := lookup(name, envKey); ok {
			*target = v
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}

	setString("socket-url", "ORDERSYNC_SOCKET_URL", &cfg.SocketURL)
	setString("api-base-url", "ORDERSYNC_API_BASE_URL", &cfg.APIBaseURL)
	setString("auth-token", "ORDERSYNC_AUTH_TOKEN", &cfg.AuthToken)
	setString("auth-token-file", "ORDERSYNC_AUTH_TOKEN_FILE", &cfg.authFile)

	setString("storage-path", "ORDERSYNC_STORAGE_PATH", &cfg.StoragePath)
	setString("http-listen", "ORDERSYNC_HTTP_LISTEN", &cfg.HTTPListen)
	setString("ui-origins", "ORDERSYNC_UI_ORIGINS", &cfg.UIOrigins)
	setDuration("cache-debounce", "ORDERSYNC_CACHE_DEBOUNCE", &cfg.CacheDebounce)
	setDuration("stall-timeout", "ORDERSYNC_STALL_TIMEOUT", &cfg.StallTimeout)
	setDuration("reconnect-min", "ORDERSYNC_RECONNECT_MIN", &cfg.ReconnectMin)
	setDuration("reconnect-max", "ORDERSYNC_RECONNECT_MAX", &cfg.ReconnectMax)
	setDuration("ping-interval", "ORDERSYNC_PING_INTERVAL", &cfg.PingInterval)
	setDuration("journal-retention", "ORDERSYNC_JOURNAL_RETENTION", &cfg.JournalRetention)
	setDuration("journal-prune-interval", "ORDERSYNC_JOURNAL_PRUNE_INTERVAL", &cfg.PruneInterval)
	setDuration("cleanup-interval", "ORDERSYNC_CLEANUP_INTERVAL", &cfg.CleanupInterval)

	setString("log-level", "ORDERSYNC_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "ORDERSYNC_LOG_JSON", &cfg.LogFormatJSON)
	setString("log-groups", "ORDERSYNC_LOG_GROUPS", &cfg.LogGroups)
	setString("log-file", "ORDERSYNC_LOG_FILE", &cfg.LogFile)

	if cfg.authFile != "" {
		token, err := os.ReadFile(cfg.authFile)
		if err != nil {
			errs = append(errs, fmt.Errorf("reading auth token from %q: %w", cfg.authFile, err))
		} else {
			cfg.AuthToken = strings.TrimSpace(string(token))
		}
	}
	return errors.Join(errs...)
}

func ValidateConfig(cfg AppConfig) error {
	var problems []string
	if cfg.SocketURL == "" {
		problems = append(problems, "socket-url is required")
	} else if u, err := url.Parse(cfg.SocketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		problems = append(problems, "socket-url must be a ws:// or wss:// URL")
	}
	if cfg.APIBaseURL != "" {
		if u, err := url.Parse(cfg.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, "api-base-url must be an http:// or https:// URL")
		}
	}
	if strings.TrimSpace(cfg.StoragePath) == "" {
		problems = append(problems, "storage-path is required")
	}
	if cfg.StallTimeout <= 0 {
		problems = append(problems, "stall-timeout must be positive")
	}
	if cfg.CacheDebounce < 0 {
		problems = append(problems, "cache-debounce must not be negative")
	}
	if cfg.ReconnectMin <= 0 || cfg.ReconnectMax < cfg.ReconnectMin {
		problems = append(problems, "reconnect-min must be positive and not above reconnect-max")
	}
	if cfg.JournalRetention > 0 && cfg.PruneInterval <= 0 {
		problems = append(problems, "journal-prune-interval must be positive when journal-retention is set")
	}
	if cfg.CleanupInterval < 0 {
		problems = append(problems, "cleanup-interval must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GetLogHandler builds the process log handler writing to stderr, and also to
// LogFile when set. The returned closer releases the log file.
func GetLogHandler(cfg AppConfig, stderr io.Writer) (slog.Handler, io.Closer, error) {
	var level slog.Level
	if cfg.LogLevel == "" {
		level = slog.LevelInfo
	} else if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
		log.Printf("unknown log level %q, defaulting to info", cfg.LogLevel)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormatJSON {
		handler = slog.NewJSONHandler(stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(stderr, handlerOpts)
	}

	closer := io.Closer(nopCloser{})
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handler = ordlog.NewMultiHandler(handler, slog.NewJSONHandler(f, handlerOpts))
		closer = f
	}

	var groups []string
	for _, g := range strings.Split(cfg.LogGroups, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return ordlog.NewGroupFilterHandler(handler, groups), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
