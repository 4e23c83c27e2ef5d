package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/h1v3-io/inbox/internal/hours"
	"github.com/h1v3-io/inbox/internal/scheduler"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

// Config is the top-level inbox configuration.
type Config struct {
	Instance InstanceConfig  `json:"instance" yaml:"instance"`
	Store    StoreConfig     `json:"store" yaml:"store"`
	Engine   EngineConfig    `json:"engine" yaml:"engine"`
	Ticks    scheduler.Ticks `json:"ticks" yaml:"ticks"`
	Channels []ChannelConfig `json:"channels" yaml:"channels"`
	Slack    *SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`
	Chatbot  *ChatbotConfig  `json:"chatbot,omitempty" yaml:"chatbot,omitempty"`
	API      APIConfig       `json:"api" yaml:"api"`
}

// InstanceConfig holds process-level settings.
type InstanceConfig struct {
	ID       string `json:"id" yaml:"id"`
	DataDir  string `json:"data_dir" yaml:"data_dir"`
	MediaDir string `json:"media_dir,omitempty" yaml:"media_dir,omitempty"` // default <data_dir>/media
}

// StoreConfig selects the ticket database.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn" yaml:"dsn"`       // default <data_dir>/inbox.db for sqlite
}

// EngineConfig holds the synchronization engine's pacing and retry knobs.
// Zero values fall back to the component defaults.
type EngineConfig struct {
	MaxAttempts       int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseBackoff       Duration `json:"base_backoff,omitempty" yaml:"base_backoff,omitempty"`
	MaxBackoff        Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
	DeleteWindow      Duration `json:"delete_window,omitempty" yaml:"delete_window,omitempty"`
	PartDelay         Duration `json:"part_delay,omitempty" yaml:"part_delay,omitempty"`
	MaxPartLen        int      `json:"max_part_len,omitempty" yaml:"max_part_len,omitempty"`
	ReadBatch         int      `json:"read_batch,omitempty" yaml:"read_batch,omitempty"`
	ReadPause         Duration `json:"read_pause,omitempty" yaml:"read_pause,omitempty"`
	PresencePause     Duration `json:"presence_pause,omitempty" yaml:"presence_pause,omitempty"`
	CacheTTL          Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
	CacheSize         int      `json:"cache_size,omitempty" yaml:"cache_size,omitempty"`
	FarewellTolerance Duration `json:"farewell_tolerance,omitempty" yaml:"farewell_tolerance,omitempty"`
	ReconnectAttempts int      `json:"reconnect_attempts,omitempty" yaml:"reconnect_attempts,omitempty"`
	ReconnectDelay    Duration `json:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty"`
}

// ChannelConfig describes one channel session and its tenant policy.
type ChannelConfig struct {
	ID     string               `json:"id" yaml:"id"`
	Tenant string               `json:"tenant" yaml:"tenant"`
	Kind   protocol.ChannelKind `json:"kind" yaml:"kind"`

	// Token is the bot token (telegram) or access token (whatsapp, messenger, instagram).
	Token         string  `json:"token" yaml:"token"`
	PhoneNumberID string  `json:"phone_number_id,omitempty" yaml:"phone_number_id,omitempty"`
	AppSecret     string  `json:"app_secret,omitempty" yaml:"app_secret,omitempty"`
	VerifyToken   string  `json:"verify_token,omitempty" yaml:"verify_token,omitempty"`
	APIBase       string  `json:"api_base,omitempty" yaml:"api_base,omitempty"`
	AllowFrom     []int64 `json:"allow_from,omitempty" yaml:"allow_from,omitempty"`

	Farewell          string       `json:"farewell,omitempty" yaml:"farewell,omitempty"`
	Hours             hours.Config `json:"hours,omitempty" yaml:"hours,omitempty"`
	OutOfHoursMessage string       `json:"out_of_hours_message,omitempty" yaml:"out_of_hours_message,omitempty"`
	CloseOutOfHours   bool         `json:"close_out_of_hours,omitempty" yaml:"close_out_of_hours,omitempty"`
	SendRate          float64      `json:"send_rate,omitempty" yaml:"send_rate,omitempty"` // sends per second
	SendBurst         int          `json:"send_burst,omitempty" yaml:"send_burst,omitempty"`
}

// SlackConfig routes dispatch-failure alerts to Slack.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
	BotToken   string `json:"bot_token,omitempty" yaml:"bot_token,omitempty"`
	Channel    string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// ChatbotConfig points at the external chatbot flow service.
type ChatbotConfig struct {
	URL   string `json:"url" yaml:"url"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host        string   `json:"host" yaml:"host"`
	Port        int      `json:"port" yaml:"port"`
	Key         string   `json:"api_key" yaml:"api_key"`
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// Duration is a time.Duration written as "30s" in config files. Bare
// numbers are read as seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q", x)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(x * float64(time.Second))
	case int:
		*d = Duration(time.Duration(x) * time.Second)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Load reads configuration from a JSON (comments allowed) or YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := decode(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = "default"
	}
	if c.Instance.DataDir == "" {
		c.Instance.DataDir = "/data"
	}
	if c.Instance.MediaDir == "" {
		c.Instance.MediaDir = filepath.Join(c.Instance.DataDir, "media")
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" && c.Store.Driver == "sqlite" {
		c.Store.DSN = filepath.Join(c.Instance.DataDir, "inbox.db")
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// LoadFromEnv builds a single-channel config from environment variables with
// the INBOX_ prefix. A .env file in the working directory is read first;
// variables already set win.
func LoadFromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}

	cfg := &Config{
		Instance: InstanceConfig{
			ID:       getenv("INBOX_INSTANCE_ID", "default"),
			DataDir:  getenv("INBOX_DATA_DIR", "/data"),
			MediaDir: os.Getenv("INBOX_MEDIA_DIR"),
		},
		Store: StoreConfig{
			Driver: getenv("INBOX_DB_DRIVER", "sqlite"),
			DSN:    os.Getenv("INBOX_DB_DSN"),
		},
		API: APIConfig{
			Host: getenv("INBOX_API_HOST", "0.0.0.0"),
			Port: getenvInt("INBOX_API_PORT", 8080),
			Key:  os.Getenv("INBOX_API_KEY"),
		},
	}
	if origins := os.Getenv("INBOX_CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = splitList(origins)
	}

	tenant := getenv("INBOX_TENANT", "default")
	if token := os.Getenv("INBOX_TELEGRAM_TOKEN"); token != "" {
		ch := ChannelConfig{ID: getenv("INBOX_TELEGRAM_CHANNEL_ID", "telegram"), Tenant: tenant,
			Kind: protocol.ChannelTelegram, Token: token, Farewell: os.Getenv("INBOX_FAREWELL")}
		if ids := os.Getenv("INBOX_TELEGRAM_ALLOW_FROM"); ids != "" {
			parsed, err := parseInt64List(ids)
			if err != nil {
				return nil, fmt.Errorf("config: INBOX_TELEGRAM_ALLOW_FROM: %w", err)
			}
			ch.AllowFrom = parsed
		}
		cfg.Channels = append(cfg.Channels, ch)
	}
	if token := os.Getenv("INBOX_WHATSAPP_TOKEN"); token != "" {
		cfg.Channels = append(cfg.Channels, ChannelConfig{
			ID:            getenv("INBOX_WHATSAPP_CHANNEL_ID", "whatsapp"),
			Tenant:        tenant,
			Kind:          protocol.ChannelWhatsApp,
			Token:         token,
			PhoneNumberID: os.Getenv("INBOX_WHATSAPP_PHONE_NUMBER_ID"),
			AppSecret:     os.Getenv("INBOX_WHATSAPP_APP_SECRET"),
			VerifyToken:   os.Getenv("INBOX_WHATSAPP_VERIFY_TOKEN"),
			Farewell:      os.Getenv("INBOX_FAREWELL"),
		})
	}

	if url := os.Getenv("INBOX_SLACK_WEBHOOK_URL"); url != "" {
		cfg.Slack = &SlackConfig{WebhookURL: url}
	}
	if url := os.Getenv("INBOX_CHATBOT_URL"); url != "" {
		cfg.Chatbot = &ChatbotConfig{URL: url, Token: os.Getenv("INBOX_CHATBOT_TOKEN")}
	}

	cfg.Engine.MaxAttempts = getenvInt("INBOX_MAX_ATTEMPTS", 0)
	cfg.Engine.MaxPartLen = getenvInt("INBOX_MAX_PART_LEN", 0)
	for key, dst := range map[string]*Duration{
		"INBOX_PART_DELAY":    &cfg.Engine.PartDelay,
		"INBOX_READ_PAUSE":    &cfg.Engine.ReadPause,
		"INBOX_DELETE_WINDOW": &cfg.Engine.DeleteWindow,
	} {
		if v := os.Getenv(key); v != "" {
			if err := dst.set(v); err != nil {
				return nil, fmt.Errorf("config: %s: %w", key, err)
			}
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Validate checks for required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Instance.ID == "" {
		errs = append(errs, "instance.id is required")
	}
	if c.Instance.DataDir == "" {
		errs = append(errs, "instance.data_dir is required")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		errs = append(errs, "store.dsn is required for postgres")
	}

	seen := make(map[string]bool)
	for i, ch := range c.Channels {
		if ch.ID == "" {
			errs = append(errs, fmt.Sprintf("channels[%d].id is required", i))
		} else if seen[ch.ID] {
			errs = append(errs, fmt.Sprintf("channels[%d].id %q is duplicated", i, ch.ID))
		}
		seen[ch.ID] = true
		if ch.Tenant == "" {
			errs = append(errs, fmt.Sprintf("channels[%d].tenant is required", i))
		}
		if ch.Token == "" {
			errs = append(errs, fmt.Sprintf("channels[%d].token is required", i))
		}
		switch ch.Kind {
		case protocol.ChannelTelegram, protocol.ChannelMessenger, protocol.ChannelInstagram:
		case protocol.ChannelWhatsApp:
			if ch.PhoneNumberID == "" {
				errs = append(errs, fmt.Sprintf("channels[%d].phone_number_id is required for whatsapp", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("channels[%d].kind %q is not supported", i, ch.Kind))
		}
		if ch.Hours.Enabled {
			if _, err := hours.New(ch.Hours); err != nil {
				errs = append(errs, fmt.Sprintf("channels[%d].hours: %v", i, err))
			}
		}
		if ch.SendRate < 0 {
			errs = append(errs, fmt.Sprintf("channels[%d].send_rate must not be negative", i))
		}
	}

	if c.Slack != nil && c.Slack.WebhookURL == "" && (c.Slack.BotToken == "" || c.Slack.Channel == "") {
		errs = append(errs, "slack needs webhook_url or bot_token with channel")
	}
	if c.Chatbot != nil && c.Chatbot.URL == "" {
		errs = append(errs, "chatbot.url is required")
	}
	if c.Engine.MaxPartLen < 0 || c.Engine.MaxAttempts < 0 {
		errs = append(errs, "engine limits must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Channel returns the channel config with the given id.
func (c *Config) Channel(id string) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64List(s string) ([]int64, error) {
	parts := splitList(s)
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
