package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

const appName = "newsposter"

// MinMessageChars is the smallest accepted message.max_chars. Below it a
// digest header and one entry with its link no longer fit in a block.
const MinMessageChars = 512

type Config struct {
	Title         string        `yaml:"title"`
	Categories    []Category    `yaml:"categories"`
	Sources       []Source      `yaml:"sources"`
	SourcesFile   string        `yaml:"sources_file"`
	Keywords      Keywords      `yaml:"keywords"`
	Fetch         Fetch         `yaml:"fetch"`
	Enrich        Enrich        `yaml:"enrich"`
	Links         Links         `yaml:"links"`
	Summarization Summarization `yaml:"summarization"`
	Message       Message       `yaml:"message"`
	Telegram      Telegram      `yaml:"telegram"`
	Store         Store         `yaml:"store"`
	Schedule      Schedule      `yaml:"schedule"`
	Server        Server        `yaml:"server"`
	Logging       Logging       `yaml:"logging"`

	DryRun   bool `yaml:"dry_run"`
	ForceRun bool `yaml:"force_run"`
}

// Category is a topical bucket. Articles inherit the category of their source.
type Category struct {
	ID       string   `yaml:"id"`
	Label    string   `yaml:"label"`
	Emoji    string   `yaml:"emoji"`
	Keywords []string `yaml:"keywords"`
}

type Source struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Category string `yaml:"category"`
}

type Keywords struct {
	Allow          []string `yaml:"allow"`
	Block          []string `yaml:"block"`
	BlockedDomains []string `yaml:"blocked_domains"`
}

type Fetch struct {
	Timeout      Duration `yaml:"timeout"`
	Concurrency  int      `yaml:"concurrency"`
	MaxPerSource int      `yaml:"max_per_source"`
	MaxAge       Duration `yaml:"max_age"`
	UserAgent    string   `yaml:"user_agent"`
}

// Links controls how shortened article links are expanded. An empty
// Shorteners list means the built-in set of shortener hosts.
type Links struct {
	ResolveShortened bool     `yaml:"resolve_shortened"`
	Shorteners       []string `yaml:"shorteners"`
	Timeout          Duration `yaml:"timeout"`
	Concurrency      int      `yaml:"concurrency"`
}

type Enrich struct {
	Enabled  bool     `yaml:"enabled"`
	MinChars int      `yaml:"min_chars"`
	Timeout  Duration `yaml:"timeout"`
}

type Summarization struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	OllamaURL    string `yaml:"ollama_url"`
	OpenAIModel  string `yaml:"openai_model"`
	APIKeyEnv    string `yaml:"api_key_env"`
	MaxChars     int    `yaml:"max_chars"`
	MaxSentences int    `yaml:"max_sentences"`
}

type Message struct {
	MaxChars       int    `yaml:"max_chars"`
	MaxPerCategory int    `yaml:"max_per_category"`
	Footer         string `yaml:"footer"`
}

type Telegram struct {
	APIURL         string   `yaml:"api_url"`
	BotTokenEnv    string   `yaml:"bot_token_env"`
	ChatID         string   `yaml:"chat_id"`
	ChatIDEnv      string   `yaml:"chat_id_env"`
	Timeout        Duration `yaml:"timeout"`
	Pacing         Duration `yaml:"pacing"`
	MaxAttempts    int      `yaml:"max_attempts"`
	DisablePreview bool     `yaml:"disable_preview"`

	// BotToken is only ever read from the environment.
	BotToken string `yaml:"-"`
}

type Store struct {
	Backend     string   `yaml:"backend"`
	Path        string   `yaml:"path"`
	RedisAddr   string   `yaml:"redis_addr"`
	RedisDB     int      `yaml:"redis_db"`
	RedisPrefix string   `yaml:"redis_prefix"`
	Retention   Duration `yaml:"retention"`
	LockTTL     Duration `yaml:"lock_ttl"`
}

type Schedule struct {
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// Duration is a time.Duration that also accepts a day suffix ("7d").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration parses Go durations plus whole days, e.g. "7d", "36h", "90m".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// ConfigDir returns the XDG config directory for newsposter.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, appName)
}

// DataDir returns the XDG data directory for newsposter.
func DataDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

// ResolveConfigPath finds the config file following priority:
// explicit path > $XDG_CONFIG_HOME/newsposter/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'newsposter init' to create a default config",
		xdgConfig,
	)
}

// Load reads a config file, merges the sources file and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}

	if cfg.SourcesFile != "" {
		sourcesPath := cfg.SourcesFile
		if !filepath.IsAbs(sourcesPath) {
			sourcesPath = filepath.Join(filepath.Dir(path), sourcesPath)
		}
		extra, err := LoadSourcesFile(sourcesPath)
		if err != nil {
			return nil, err
		}
		cfg.Sources = append(cfg.Sources, extra...)
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Title: "Daily Tech News",
		Fetch: Fetch{
			Timeout:      Duration(20 * time.Second),
			Concurrency:  4,
			MaxPerSource: 20,
			MaxAge:       Duration(48 * time.Hour),
			UserAgent:    "newsposter/1.0 (+feed digest bot)",
		},
		Enrich: Enrich{
			MinChars: 200,
			Timeout:  Duration(15 * time.Second),
		},
		Links: Links{
			ResolveShortened: true,
			Timeout:          Duration(10 * time.Second),
			Concurrency:      4,
		},
		Summarization: Summarization{
			Provider:     "openai",
			Model:        "qwen2.5:7b",
			OllamaURL:    "http://localhost:11434",
			OpenAIModel:  "gpt-4o-mini",
			APIKeyEnv:    "OPENAI_API_KEY",
			MaxChars:     300,
			MaxSentences: 3,
		},
		Message: Message{
			MaxChars:       4096,
			MaxPerCategory: 5,
		},
		Telegram: Telegram{
			APIURL:         "https://api.telegram.org",
			BotTokenEnv:    "TELEGRAM_BOT_TOKEN",
			ChatIDEnv:      "TELEGRAM_CHAT_ID",
			Timeout:        Duration(30 * time.Second),
			Pacing:         Duration(1500 * time.Millisecond),
			MaxAttempts:    3,
			DisablePreview: true,
		},
		Store: Store{
			Backend:     "sqlite",
			RedisAddr:   "localhost:6379",
			RedisPrefix: appName,
			Retention:   Duration(7 * 24 * time.Hour),
			LockTTL:     Duration(30 * time.Minute),
		},
		Schedule: Schedule{
			Cron:     "0 12 * * *",
			Timezone: "America/New_York",
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays environment-style runtime settings onto the config.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if c.Telegram.BotTokenEnv != "" {
		c.Telegram.BotToken = getenv(c.Telegram.BotTokenEnv)
	}
	if c.Telegram.ChatIDEnv != "" {
		if v := getenv(c.Telegram.ChatIDEnv); v != "" {
			c.Telegram.ChatID = v
		}
	}
	if v, ok := envBool(getenv("DRY_RUN")); ok {
		c.DryRun = v
	}
	if v, ok := envBool(getenv("FORCE_RUN")); ok {
		c.ForceRun = v
	}
	if v := getenv("NEWSPOSTER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func envBool(v string) (bool, bool) {
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate checks the structural consistency of the configuration.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Categories) == 0 {
		errs = append(errs, errors.New("at least one category is required"))
	}
	seen := make(map[string]struct{}, len(c.Categories))
	for i, cat := range c.Categories {
		if cat.ID == "" {
			errs = append(errs, fmt.Errorf("categories[%d]: id is required", i))
			continue
		}
		if _, dup := seen[cat.ID]; dup {
			errs = append(errs, fmt.Errorf("categories[%d]: duplicate id %q", i, cat.ID))
		}
		seen[cat.ID] = struct{}{}
	}

	for i, src := range c.Sources {
		if src.Name == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: name is required", i))
		}
		u, err := url.Parse(src.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("sources[%d] %q: invalid url %q", i, src.Name, src.URL))
		}
		if _, ok := seen[src.Category]; !ok {
			errs = append(errs, fmt.Errorf("sources[%d] %q: unknown category %q", i, src.Name, src.Category))
		}
	}

	if c.Message.MaxChars < MinMessageChars || c.Message.MaxChars > 4096 {
		errs = append(errs, fmt.Errorf("message.max_chars must be in %d..4096, got %d", MinMessageChars, c.Message.MaxChars))
	}
	if c.Message.MaxPerCategory < 0 {
		errs = append(errs, errors.New("message.max_per_category must not be negative"))
	}
	if c.Summarization.MaxChars <= 0 {
		errs = append(errs, errors.New("summarization.max_chars must be positive"))
	}
	if c.Links.Timeout < 0 || c.Links.Concurrency < 0 {
		errs = append(errs, errors.New("links.timeout and links.concurrency must not be negative"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be positive"))
	}
	if c.Telegram.Pacing < 0 {
		errs = append(errs, errors.New("telegram.pacing must not be negative"))
	}
	if c.Telegram.MaxAttempts < 1 {
		errs = append(errs, errors.New("telegram.max_attempts must be at least 1"))
	}
	if c.Store.Retention <= 0 {
		errs = append(errs, errors.New("store.retention must be positive"))
	}
	switch c.Store.Backend {
	case "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.backend must be sqlite or redis, got %q", c.Store.Backend))
	}

	return errors.Join(errs...)
}

// ValidateDelivery checks the settings needed to actually post messages.
func (c *Config) ValidateDelivery() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token missing: set %s", c.Telegram.BotTokenEnv)
	}
	if c.Telegram.ChatID == "" {
		return fmt.Errorf("telegram chat id missing: set telegram.chat_id or %s", c.Telegram.ChatIDEnv)
	}
	return nil
}

// Category returns the configured category with the given id.
func (c *Config) Category(id string) (Category, bool) {
	for _, cat := range c.Categories {
		if cat.ID == id {
			return cat, true
		}
	}
	return Category{}, false
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Store.Path != "" {
		return filepath.Dir(c.Store.Path)
	}
	return DataDir()
}

// DBPath returns the SQLite dedup store location.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(DataDir(), appName+".db")
}
