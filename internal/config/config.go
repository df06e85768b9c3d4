// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Driver kinds understood by the driver factory.
const (
	DriverChrome        = "chrome"
	DriverRemote        = "remote"
	DriverFirefox       = "firefox"
	DriverFirefoxRemote = "firefox-remote"
)

// Notification channel kinds.
const (
	NotifyDiscord = "discord"
	NotifySMTP    = "smtp"
	NotifyLog     = "log"
)

// validTerms are the academic terms the portal offers.
var validTerms = []string{"fall", "spring", "summer"}

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Portal    PortalConfig      `mapstructure:"portal" yaml:"portal"`
	Driver    DriverConfig      `mapstructure:"driver" yaml:"driver"`
	Notify    NotifyConfig      `mapstructure:"notify" yaml:"notify"`
	Enroll    EnrollConfig      `mapstructure:"enroll" yaml:"enroll"`
	Cookies   CookiesConfig     `mapstructure:"cookies" yaml:"cookies"`
	// Selectors is decoded separately because its keys contain dots.
	Selectors map[string]string `mapstructure:"-" yaml:"selectors"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// PortalConfig holds the account used against the registration portal.
type PortalConfig struct {
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"-"`
	// Term is a case-insensitive fragment of the term label, e.g. "fall".
	Term string `mapstructure:"term" yaml:"term"`
}

// DriverConfig selects and tunes the browser driver.
type DriverConfig struct {
	Kind      string        `mapstructure:"kind" yaml:"kind"`
	Headless  bool          `mapstructure:"headless" yaml:"headless"`
	RemoteURL string        `mapstructure:"remote_url" yaml:"remote_url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Args      []string      `mapstructure:"args" yaml:"args"`
}

// NotifyConfig configures the operator notification channel.
type NotifyConfig struct {
	Kind    string        `mapstructure:"kind" yaml:"kind"`
	Modulo  int           `mapstructure:"modulo" yaml:"modulo"`
	Discord DiscordConfig `mapstructure:"discord" yaml:"discord"`
	SMTP    SMTPConfig    `mapstructure:"smtp" yaml:"smtp"`

	// SuccessImage is an optional image URL attached to enrollment successes.
	SuccessImage string `mapstructure:"success_image" yaml:"success_image"`
}

// DiscordConfig holds webhook settings.
type DiscordConfig struct {
	URL       string  `mapstructure:"url" yaml:"-"`
	Mentions  string  `mapstructure:"mentions" yaml:"mentions"`
	AvatarURL string  `mapstructure:"avatar_url" yaml:"avatar_url"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// SMTPConfig holds mail relay settings.
type SMTPConfig struct {
	Host     string   `mapstructure:"host" yaml:"host"`
	Port     int      `mapstructure:"port" yaml:"port"`
	Username string   `mapstructure:"username" yaml:"username"`
	Password string   `mapstructure:"password" yaml:"-"`
	From     string   `mapstructure:"from" yaml:"from"`
	To       []string `mapstructure:"to" yaml:"to"`
}

// EnrollConfig tunes the enrollment stages and the retry loop.
type EnrollConfig struct {
	Sleep          time.Duration `mapstructure:"sleep" yaml:"sleep"`
	SettleDelay    time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ApprovalPoll   time.Duration `mapstructure:"approval_poll" yaml:"approval_poll"`
	LandingRetries int           `mapstructure:"landing_retries" yaml:"landing_retries"`
	Debug          bool          `mapstructure:"debug" yaml:"debug"`
}

// CookiesConfig controls the authentication artifact cache.
type CookiesConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// legacyEnv maps config keys to the environment names used by earlier
// releases of the bot, so existing .env files keep working.
var legacyEnv = map[string]string{
	"portal.username":         "FSU_USERNAME",
	"portal.password":         "FSU_PASSWORD",
	"portal.term":             "FSU_SEMESTER",
	"notify.discord.url":      "DISCORD_URL",
	"notify.discord.mentions": "DISCORD_PINGS",
	"notify.modulo":           "DISCORD_MODULO",
	"driver.kind":             "DRIVER",
	"driver.headless":         "DRIVER_HEADLESS",
	"driver.remote_url":       "DRIVER_REMOTE",
	"driver.timeout":          "DRIVER_TIMEOUT",
	"enroll.sleep":            "DRIVER_SLEEP",
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "classbot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 7)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Driver --
	v.SetDefault("driver.kind", DriverChrome)
	v.SetDefault("driver.headless", false)
	v.SetDefault("driver.timeout", "15s")

	// -- Notify --
	v.SetDefault("notify.kind", NotifyDiscord)
	v.SetDefault("notify.modulo", 5)
	v.SetDefault("notify.success_image", "")
	v.SetDefault("notify.discord.rate_limit", 0.5)
	v.SetDefault("notify.smtp.port", 587)

	// -- Enroll --
	v.SetDefault("enroll.sleep", "2s")
	v.SetDefault("enroll.settle_delay", "2s")
	v.SetDefault("enroll.approval_poll", "1s")
	v.SetDefault("enroll.landing_retries", 5)
	v.SetDefault("enroll.debug", false)

	// -- Cookies --
	v.SetDefault("cookies.enabled", true)
	v.SetDefault("cookies.dir", "~/.classbot/cookies")
}

// BindLegacyEnv binds the old environment variable names for each key.
// The CLASSBOT_ prefixed names still win because they are bound first.
func BindLegacyEnv(v *viper.Viper) {
	for key, env := range legacyEnv {
		prefixed := "CLASSBOT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, env)
	}
}

// Decode unmarshals v without validating it. Commands that only need part
// of the tree, such as the logger or the notify channel, use it directly.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config

	BindLegacyEnv(v)
	_ = v.BindEnv("notify.smtp.password", "CLASSBOT_SMTP_PASSWORD")

	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	selectors, err := flattenSelectors(v.Get("selectors"))
	if err != nil {
		return nil, err
	}
	cfg.Selectors = selectors
	return &cfg, nil
}

// flattenSelectors turns the selectors block into landmark -> expression.
// Viper may hand back "cart.continue" either as a flat key or split into
// nested maps, so both shapes are joined back with dots.
func flattenSelectors(raw interface{}) (map[string]string, error) {
	out := make(map[string]string)
	var walk func(prefix string, node interface{}) error
	walk = func(prefix string, node interface{}) error {
		switch n := node.(type) {
		case nil:
			return nil
		case string:
			if prefix == "" {
				return fmt.Errorf("selectors must be a map of landmark to expression")
			}
			out[prefix] = n
			return nil
		case map[string]interface{}:
			for k, child := range n {
				key := k
				if prefix != "" {
					key = prefix + "." + k
				}
				if err := walk(key, child); err != nil {
					return err
				}
			}
			return nil
		case map[interface{}]interface{}:
			m := make(map[string]interface{}, len(n))
			for k, child := range n {
				m[fmt.Sprint(k)] = child
			}
			return walk(prefix, m)
		case map[string]string:
			for k, child := range n {
				if err := walk(prefix, map[string]interface{}{k: child}); err != nil {
					return err
				}
			}
			return nil
		default:
			return fmt.Errorf("selectors.%s: expected a string expression, got %T", prefix, node)
		}
	}
	if err := walk("", raw); err != nil {
		return nil, err
	}
	return out, nil
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	cfg, err := Decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DecodeHook returns the hooks used when unmarshalling. Bare integers are
// accepted for durations and read as seconds, which is how DRIVER_TIMEOUT
// and DRIVER_SLEEP were always written.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func secondsToDurationHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if t != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch f.Kind() {
	case reflect.String:
		s := strings.TrimSpace(data.(string))
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
	case reflect.Int, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
	}
	return data, nil
}

// Validate checks the configuration for required fields and sane values.
// It also normalizes the term to lower case.
func (c *Config) Validate() error {
	if err := c.Portal.Validate(); err != nil {
		return fmt.Errorf("portal configuration invalid: %w", err)
	}
	if err := c.Driver.Validate(); err != nil {
		return fmt.Errorf("driver configuration invalid: %w", err)
	}
	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify configuration invalid: %w", err)
	}
	if err := c.Enroll.Validate(); err != nil {
		return fmt.Errorf("enroll configuration invalid: %w", err)
	}
	if c.Cookies.Enabled && c.Cookies.Dir == "" {
		return fmt.Errorf("cookies.dir is required when cookies are enabled")
	}
	return nil
}

// Validate checks the portal account settings.
func (p *PortalConfig) Validate() error {
	if p.Username == "" {
		return fmt.Errorf("portal.username is required")
	}
	if p.Password == "" {
		return fmt.Errorf("portal.password is required")
	}
	p.Term = strings.ToLower(strings.TrimSpace(p.Term))
	for _, t := range validTerms {
		if p.Term == t {
			return nil
		}
	}
	return fmt.Errorf("portal.term must be one of %s, got %q", strings.Join(validTerms, ", "), p.Term)
}

// Validate checks the driver settings.
func (d *DriverConfig) Validate() error {
	d.Kind = strings.ToLower(d.Kind)
	if d.Timeout <= 0 {
		return fmt.Errorf("driver.timeout must be a positive duration")
	}
	switch d.Kind {
	case DriverChrome, DriverFirefox:
		return nil
	case DriverRemote, DriverFirefoxRemote:
		if d.RemoteURL == "" {
			return fmt.Errorf("driver.remote_url is required for driver kind %q", d.Kind)
		}
		u, err := url.Parse(d.RemoteURL)
		if err != nil {
			return fmt.Errorf("driver.remote_url is not a valid URL: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
			return nil
		}
		return fmt.Errorf("driver.remote_url must use http, https, ws or wss, got %q", u.Scheme)
	default:
		return fmt.Errorf("unknown driver.kind %q", d.Kind)
	}
}

// Validate checks the notification settings.
func (n *NotifyConfig) Validate() error {
	if n.Modulo <= 0 {
		return fmt.Errorf("notify.modulo must be a positive integer")
	}
	n.Kind = strings.ToLower(n.Kind)
	switch n.Kind {
	case NotifyDiscord:
		if n.Discord.URL == "" {
			return fmt.Errorf("notify.discord.url is required for the discord channel")
		}
		if n.Discord.RateLimit <= 0 {
			return fmt.Errorf("notify.discord.rate_limit must be positive")
		}
	case NotifySMTP:
		if n.SMTP.Host == "" || n.SMTP.From == "" || len(n.SMTP.To) == 0 {
			return fmt.Errorf("notify.smtp.host, notify.smtp.from and notify.smtp.to are required")
		}
	case NotifyLog:
	default:
		return fmt.Errorf("unknown notify.kind %q", n.Kind)
	}
	if n.SuccessImage != "" {
		u, err := url.Parse(n.SuccessImage)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("notify.success_image must be an http or https URL")
		}
	}
	return nil
}

// Validate checks the enrollment loop timings.
func (e *EnrollConfig) Validate() error {
	if e.Sleep < 0 {
		return fmt.Errorf("enroll.sleep must not be negative")
	}
	if e.SettleDelay < 0 {
		return fmt.Errorf("enroll.settle_delay must not be negative")
	}
	if e.ApprovalPoll <= 0 {
		return fmt.Errorf("enroll.approval_poll must be a positive duration")
	}
	if e.LandingRetries <= 0 {
		return fmt.Errorf("enroll.landing_retries must be a positive integer")
	}
	return nil
}
