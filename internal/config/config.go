package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Run modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	BotToken   string `envconfig:"BOT_TOKEN" required:"true"`
	BotAPI     string `envconfig:"BOT_API_ENDPOINT" default:"https://api.telegram.org/bot%s/%s"`
	DBPath     string `envconfig:"DB_PATH" default:"./data/panchang.db"`
	RunMode    string `envconfig:"RUN_MODE" default:"polling"` // polling|webhook
	WebhookURL string `envconfig:"WEBHOOK_URL"`                // public https URL, webhook mode only
	WebhookKey string `envconfig:"WEBHOOK_SECRET"`             // echoed by Telegram in every webhook call
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`   // debug|info|warn|error
	HTTPAddr   string `envconfig:"HTTP_ADDR" default:":8080"`  // healthz, and the webhook in webhook mode

	GeoNamesUser  string            `envconfig:"GEONAMES_USER"`
	GeoNamesURL   string            `envconfig:"GEONAMES_URL" default:"http://api.geonames.org"`
	CityTimezones map[string]string `envconfig:"CITY_TIMEZONES"` // "Vijayawada:Asia/Kolkata,Paris:Europe/Paris"

	ContentURL     string        `envconfig:"CONTENT_URL" default:"http://localhost:4000"`
	ContentTimeout time.Duration `envconfig:"CONTENT_TIMEOUT" default:"30s"`

	ResolveTimeout time.Duration `envconfig:"RESOLVE_TIMEOUT" default:"10s"`
	TZCacheTTL     time.Duration `envconfig:"TZ_CACHE_TTL" default:"24h"`

	StoreTimeout       time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`
	StoreRetryAttempts int           `envconfig:"STORE_RETRY_ATTEMPTS" default:"5"`
	StoreRetryDelay    time.Duration `envconfig:"STORE_RETRY_DELAY" default:"500ms"`

	DialogueTTL time.Duration `envconfig:"DIALOGUE_TTL" default:"30m"`
	SendRate    float64       `envconfig:"SEND_RATE" default:"25"` // outbound messages per second
}

// Telegram only accepts these characters in a webhook secret token.
var webhookSecretRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

// Load reads environment variables into Config.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks combinations envconfig cannot express.
func (c Config) Validate() error {
	switch c.RunMode {
	case ModePolling:
	case ModeWebhook:
		if c.WebhookURL == "" {
			return errors.New("WEBHOOK_URL is required in webhook mode")
		}
		if !webhookSecretRe.MatchString(c.WebhookKey) {
			return errors.New("WEBHOOK_SECRET is required in webhook mode: 1-256 of A-Z a-z 0-9 _ -")
		}
	default:
		return fmt.Errorf("unknown RUN_MODE %q", c.RunMode)
	}
	if c.GeoNamesUser == "" && len(c.CityTimezones) == 0 {
		return errors.New("either GEONAMES_USER or CITY_TIMEZONES must be set")
	}
	if c.StoreRetryAttempts < 1 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be at least 1, got %d", c.StoreRetryAttempts)
	}
	return nil
}

// WebhookPath is the local route for updates, taken from WebhookURL.
func (c Config) WebhookPath() string {
	u, err := url.Parse(c.WebhookURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "/webhook"
	}
	return u.Path
}
