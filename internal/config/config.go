package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config is the full typed configuration for a posting campaign.
type Config struct {
	Server     ServerConfig              `json:"server"`
	TextGen    TextGenConfig             `json:"textgen"`
	Bluesky    BlueskyConfig             `json:"bluesky"`
	Strategies map[string]StrategyConfig `json:"strategies"`
	Posting    PostingConfig             `json:"posting"`
	Rules      RulesConfig               `json:"rules"`
	Campaign   CampaignConfig            `json:"campaign"`
	Storage    StorageConfig             `json:"storage"`
	Log        LogConfig                 `json:"log"`
}

type ServerConfig struct {
	Port int `json:"port"`
	// AdminToken guards the mutating console endpoints; empty leaves them
	// open (local development).
	AdminToken string `json:"admin_token"`
}

type TextGenConfig struct {
	BaseURL       string  `json:"base_url"`
	APIKey        string  `json:"api_key"`
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	UseModeration bool    `json:"use_moderation"`
}

type BlueskyConfig struct {
	Host     string `json:"host"`
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

// StrategyConfig describes one enabled improvement strategy. Marker is the
// signature token every valid post from the strategy must carry.
type StrategyConfig struct {
	Enabled bool   `json:"enabled"`
	Name    string `json:"name"`
	Marker  string `json:"marker"`
}

type PostingConfig struct {
	ShiftIntervalMinutes   int `json:"shift_interval_minutes"`
	MetricsIntervalMinutes int `json:"metrics_interval_minutes"`
}

type RulesConfig struct {
	ForbiddenWords []string `json:"forbidden_words"`
	MaxHashtags    int      `json:"max_hashtags"`
	Tone           string   `json:"tone"`
	Topics         []string `json:"topics"`
}

type CampaignConfig struct {
	TargetFollowers int `json:"target_followers"`
	DurationDays    int `json:"duration_days"`
}

type StorageConfig struct {
	DataDir string `json:"data_dir"`
}

type LogConfig struct {
	Level string `json:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		TextGen: TextGenConfig{
			BaseURL:       "https://api.openai.com",
			Model:         "gpt-4o-mini",
			Temperature:   0.8,
			MaxTokens:     400,
			UseModeration: true,
		},
		Bluesky: BlueskyConfig{
			Host: "https://bsky.social",
		},
		Posting: PostingConfig{
			ShiftIntervalMinutes:   30,
			MetricsIntervalMinutes: 5,
		},
		Rules: RulesConfig{
			ForbiddenWords: []string{"crypto", "trading", "investment advice"},
			MaxHashtags:    2,
			Tone:           "adventurous but accurate",
			Topics:         []string{"real-world AI deployments"},
		},
		Campaign: CampaignConfig{
			TargetFollowers: 1000,
			DurationDays:    30,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/fieldnotes"
	}
	return ".fieldnotes"
}

// Load reads configuration from the JSON file at path, applies FIELDNOTES_*
// environment overrides, and validates required keys. A missing or invalid
// required key is a fatal startup error: the caller exits non-zero.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides lets secrets and connection details come from the
// environment instead of the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FIELDNOTES_TEXTGEN_API_KEY"); v != "" {
		cfg.TextGen.APIKey = v
	}
	if v := os.Getenv("FIELDNOTES_TEXTGEN_BASE_URL"); v != "" {
		cfg.TextGen.BaseURL = v
	}
	if v := os.Getenv("FIELDNOTES_BLUESKY_HANDLE"); v != "" {
		cfg.Bluesky.Handle = v
	}
	if v := os.Getenv("FIELDNOTES_BLUESKY_PASSWORD"); v != "" {
		cfg.Bluesky.Password = v
	}
	if v := os.Getenv("FIELDNOTES_BLUESKY_HOST"); v != "" {
		cfg.Bluesky.Host = v
	}
	if v := os.Getenv("FIELDNOTES_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("FIELDNOTES_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("FIELDNOTES_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

func validate(cfg Config) error {
	var missing []string

	if cfg.TextGen.APIKey == "" {
		missing = append(missing, "textgen.api_key (or FIELDNOTES_TEXTGEN_API_KEY)")
	}
	if cfg.Bluesky.Handle == "" {
		missing = append(missing, "bluesky.handle")
	}
	if cfg.Bluesky.Password == "" {
		missing = append(missing, "bluesky.password (or FIELDNOTES_BLUESKY_PASSWORD)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if len(EnabledStrategies(cfg)) == 0 {
		return fmt.Errorf("no enabled strategies configured")
	}
	for id, sc := range cfg.Strategies {
		if sc.Enabled && sc.Marker == "" {
			return fmt.Errorf("strategy %q is enabled but has no signature marker", id)
		}
	}

	if cfg.Posting.ShiftIntervalMinutes <= 0 {
		return fmt.Errorf("posting.shift_interval_minutes must be positive")
	}
	if cfg.Posting.MetricsIntervalMinutes <= 0 {
		return fmt.Errorf("posting.metrics_interval_minutes must be positive")
	}
	if cfg.Campaign.DurationDays <= 0 {
		return fmt.Errorf("campaign.duration_days must be positive")
	}
	return nil
}

// EnabledStrategies returns the ids of all enabled strategies in stable
// (sorted) order so the round-robin rotation is deterministic across runs.
func EnabledStrategies(cfg Config) []string {
	var ids []string
	for id, sc := range cfg.Strategies {
		if sc.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ShiftInterval returns the posting cadence as a duration.
func (p PostingConfig) ShiftInterval() time.Duration {
	return time.Duration(p.ShiftIntervalMinutes) * time.Minute
}

// MetricsInterval returns the metrics cadence as a duration.
func (p PostingConfig) MetricsInterval() time.Duration {
	return time.Duration(p.MetricsIntervalMinutes) * time.Minute
}

// CampaignDuration returns the configured campaign length.
func (c CampaignConfig) CampaignDuration() time.Duration {
	return time.Duration(c.DurationDays) * 24 * time.Hour
}
