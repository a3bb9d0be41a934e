package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LookupFunc resolves a configuration key, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// StoreConfig selects the persistence backend for deployment records.
type StoreConfig struct {
	Backend string `yaml:"backend"` // json | badger | sqlite
	Path    string `yaml:"path"`
	Key     string `yaml:"key"` // badger encryption key, 32 bytes hex/base64
}

// RuntimeConfig bounds the deployment pipeline and the supervised processes.
type RuntimeConfig struct {
	PythonBin         string        `yaml:"python_bin"`
	GitBin            string        `yaml:"git_bin"`
	Entrypoints       []string      `yaml:"entrypoints"`
	CloneTimeout      time.Duration `yaml:"clone_timeout"`
	InstallTimeout    time.Duration `yaml:"install_timeout"`
	SpawnTimeout      time.Duration `yaml:"spawn_timeout"`
	StopGrace         time.Duration `yaml:"stop_grace"`
	AutoRestartOnBoot bool          `yaml:"auto_restart_on_boot"`
}

type TelegramConfig struct {
	APIURL      string        `yaml:"api_url"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

type ControlConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config is the manager configuration. Values come from defaults, then an
// optional YAML file, then environment variables.
type Config struct {
	BotToken string  `yaml:"bot_token"`
	APIID    int64   `yaml:"api_id"`
	APIHash  string  `yaml:"api_hash"`
	AdminIDs []int64 `yaml:"admin_ids"`

	DataDir string `yaml:"data_dir"`
	LogsDir string `yaml:"logs_dir"`

	Store         StoreConfig    `yaml:"store"`
	Runtime       RuntimeConfig  `yaml:"runtime"`
	Telegram      TelegramConfig `yaml:"telegram"`
	Control       ControlConfig  `yaml:"control"`
	MetricsListen string         `yaml:"metrics_listen"`
	Log           LogConfig      `yaml:"log"`
}

// Default returns a Config with every optional field filled in.
func Default() *Config {
	return &Config{
		DataDir: "data",
		LogsDir: "logs",
		Store:   StoreConfig{Backend: "json"},
		Runtime: RuntimeConfig{
			PythonBin:      "python3",
			GitBin:         "git",
			Entrypoints:    []string{"bot.py", "main.py", "app.py"},
			CloneTimeout:   2 * time.Minute,
			InstallTimeout: 10 * time.Minute,
			SpawnTimeout:   15 * time.Second,
			StopGrace:      5 * time.Second,
		},
		Telegram: TelegramConfig{
			APIURL:      "https://api.telegram.org",
			PollTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
	}
}

// Load builds the configuration from an optional YAML file and the given
// lookup, then validates it. A nil lookup means os.LookupEnv.
func Load(path string, lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.fillStoreDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}

	str("BOT_TOKEN", &c.BotToken)
	str("API_HASH", &c.APIHash)
	if v, ok := lookup("API_ID"); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, "API_ID must be numeric")
		} else {
			c.APIID = id
		}
	}
	if v, ok := lookup("ADMIN_IDS"); ok && strings.TrimSpace(v) != "" {
		ids, err := ParseAdminIDs(v)
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			c.AdminIDs = ids
		}
	}

	str("DATA_DIR", &c.DataDir)
	str("LOGS_DIR", &c.LogsDir)
	str("STORE_BACKEND", &c.Store.Backend)
	str("STORE_PATH", &c.Store.Path)
	str("STORE_KEY", &c.Store.Key)

	str("PYTHON_BIN", &c.Runtime.PythonBin)
	str("GIT_BIN", &c.Runtime.GitBin)
	if v, ok := lookup("ENTRYPOINTS"); ok && strings.TrimSpace(v) != "" {
		c.Runtime.Entrypoints = splitList(v)
	}
	dur("CLONE_TIMEOUT", &c.Runtime.CloneTimeout)
	dur("INSTALL_TIMEOUT", &c.Runtime.InstallTimeout)
	dur("SPAWN_TIMEOUT", &c.Runtime.SpawnTimeout)
	dur("STOP_GRACE", &c.Runtime.StopGrace)
	boolean("AUTO_RESTART_ON_BOOT", &c.Runtime.AutoRestartOnBoot)

	str("TELEGRAM_API_URL", &c.Telegram.APIURL)
	dur("POLL_TIMEOUT", &c.Telegram.PollTimeout)

	str("CONTROL_LISTEN", &c.Control.Listen)
	str("CONTROL_TOKEN", &c.Control.Token)
	str("METRICS_LISTEN", &c.MetricsListen)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	integer("LOG_MAX_SIZE_MB", &c.Log.MaxSizeMB)
	integer("LOG_MAX_BACKUPS", &c.Log.MaxBackups)
	integer("LOG_MAX_AGE_DAYS", &c.Log.MaxAgeDays)
	boolean("LOG_COMPRESS", &c.Log.Compress)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

func (c *Config) fillStoreDefaults() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Path != "" {
		return
	}
	switch c.Store.Backend {
	case "badger":
		c.Store.Path = c.DataDir + "/bots.badger"
	case "sqlite":
		c.Store.Path = c.DataDir + "/bots.db"
	default:
		c.Store.Path = c.DataDir + "/bots_data.json"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string
	if strings.TrimSpace(c.BotToken) == "" {
		errs = append(errs, "BOT_TOKEN is not set")
	} else if !strings.Contains(c.BotToken, ":") {
		errs = append(errs, "BOT_TOKEN is malformed")
	}
	if len(c.AdminIDs) == 0 {
		errs = append(errs, "ADMIN_IDS is not set")
	}
	if c.APIID < 0 {
		errs = append(errs, "API_ID must be positive")
	}
	switch c.Store.Backend {
	case "json", "badger", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("STORE_BACKEND %q is not one of json, badger, sqlite", c.Store.Backend))
	}
	if len(c.Runtime.Entrypoints) == 0 {
		errs = append(errs, "ENTRYPOINTS is empty")
	}
	for name, d := range map[string]time.Duration{
		"CLONE_TIMEOUT":   c.Runtime.CloneTimeout,
		"INSTALL_TIMEOUT": c.Runtime.InstallTimeout,
		"SPAWN_TIMEOUT":   c.Runtime.SpawnTimeout,
		"STOP_GRACE":      c.Runtime.StopGrace,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if c.Control.Listen != "" && c.Control.Token == "" {
		errs = append(errs, "CONTROL_TOKEN is required when CONTROL_LISTEN is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// IsAdmin reports whether id is an authorized operator.
func (c *Config) IsAdmin(id int64) bool {
	for _, a := range c.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

// ParseAdminIDs parses a comma-separated list of user ids. Blank entries are skipped.
func ParseAdminIDs(raw string) ([]int64, error) {
	var out []int64
	for _, part := range splitList(raw) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ADMIN_IDS: %q is not a user id", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ChainLookup consults each lookup in order and returns the first non-empty value.
func ChainLookup(lookups ...LookupFunc) LookupFunc {
	return func(key string) (string, bool) {
		for _, l := range lookups {
			if l == nil {
				continue
			}
			if v, ok := l(key); ok && strings.TrimSpace(v) != "" {
				return v, true
			}
		}
		return "", false
	}
}

// MapLookup adapts a map, mostly for tests and .env files.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}
