package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Card store backends.
const (
	CardStoreRedis  = "redis"
	CardStoreSQLite = "sqlite"
	CardStoreMemory = "memory"
)

// Config holds all box configuration
type Config struct {
	// Remote service
	APIRoot         string        `mapstructure:"api-root"`
	APISecret       string        `mapstructure:"api-secret"`
	FirmwareVersion string        `mapstructure:"firmware-version"`
	RequestTimeout  time.Duration `mapstructure:"request-timeout"`

	// Local services
	RedisAddr   string `mapstructure:"redis-addr"`
	CardStore   string `mapstructure:"card-store"`
	SQLitePath  string `mapstructure:"sqlite-path"`
	MetricsAddr string `mapstructure:"metrics-addr"`
	LogLevel    int    `mapstructure:"log-level"`

	// Vehicle bus
	CANInterface   string        `mapstructure:"can-interface"`
	CANReadTimeout time.Duration `mapstructure:"can-read-timeout"`

	// GPIO lines
	GPIOChip      int `mapstructure:"gpio-chip"`
	LedRedLine    int `mapstructure:"led-red-line"`
	LedGreenLine  int `mapstructure:"led-green-line"`
	LedBlueLine   int `mapstructure:"led-blue-line"`
	LedStatusLine int `mapstructure:"led-status-line"`
	CANSleepLine  int `mapstructure:"can-sleep-line"`

	// RFID reader
	RFIDSPIPort     string        `mapstructure:"rfid-spi-port"`
	RFIDResetPin    string        `mapstructure:"rfid-reset-pin"`
	RFIDIRQPin      string        `mapstructure:"rfid-irq-pin"`
	RFIDReadTimeout time.Duration `mapstructure:"rfid-read-timeout"`

	// Sensors
	ADCDevice      string  `mapstructure:"adc-device"`
	ADCChannel     int     `mapstructure:"adc-channel"`
	BatteryDivider float64 `mapstructure:"battery-divider"`
	W1Devices      string  `mapstructure:"w1-devices"`

	// Uplink
	WifiInterface  string        `mapstructure:"wifi-interface"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`

	// Firmware
	FirmwareImagePath    string        `mapstructure:"firmware-image-path"`
	FirmwareMaxResumes   int           `mapstructure:"firmware-max-resumes"`
	FirmwareTimeout      time.Duration `mapstructure:"firmware-timeout"`
	FirmwareStallTimeout time.Duration `mapstructure:"firmware-stall-timeout"`

	// Workflow timings
	TagPoll          time.Duration `mapstructure:"tag-poll"`
	TagTimeout       time.Duration `mapstructure:"tag-timeout"`
	TelemetryPeriod  time.Duration `mapstructure:"telemetry-period"`
	TelemetryTimeout time.Duration `mapstructure:"telemetry-timeout"`
	FirmwareBackoff  time.Duration `mapstructure:"firmware-backoff"`
	DenyDwell        time.Duration `mapstructure:"deny-dwell"`
	ErrorDwell       time.Duration `mapstructure:"error-dwell"`

	// Command sequencer
	SendTimeout   time.Duration `mapstructure:"send-timeout"`
	SequenceDwell time.Duration `mapstructure:"sequence-dwell"`
	VerifyWindow  time.Duration `mapstructure:"verify-window"`
}

var defaults = map[string]interface{}{
	"api-root":         "https://carshare.example.com/api/box/",
	"api-secret":       "",
	"firmware-version": "dev",
	"request-timeout":  10 * time.Second,

	"redis-addr":   "127.0.0.1:6379",
	"card-store":   CardStoreRedis,
	"sqlite-path":  "/var/lib/carshare-box/cards.db",
	"metrics-addr": "",
	"log-level":    3,

	"can-interface":    "can0",
	"can-read-timeout": 500 * time.Millisecond,

	"gpio-chip":       0,
	"led-red-line":    33,
	"led-green-line":  25,
	"led-blue-line":   32,
	"led-status-line": 23,
	"can-sleep-line":  16,

	"rfid-spi-port":     "",
	"rfid-reset-pin":    "GPIO17",
	"rfid-irq-pin":      "GPIO22",
	"rfid-read-timeout": 200 * time.Millisecond,

	"adc-device":      "iio:device0",
	"adc-channel":     0,
	"battery-divider": 179.0,
	"w1-devices":      "/sys/bus/w1/devices",

	"wifi-interface":  "wlan0",
	"connect-timeout": 5000 * time.Millisecond,

	"firmware-image-path":    "/var/lib/carshare-box/update.img",
	"firmware-max-resumes":   5,
	"firmware-timeout":       10 * time.Minute,
	"firmware-stall-timeout": 30 * time.Second,

	"tag-poll":          500 * time.Millisecond,
	"tag-timeout":       20000 * time.Millisecond,
	"telemetry-period":  120000 * time.Millisecond,
	"telemetry-timeout": 8000 * time.Millisecond,
	"firmware-backoff":  60000 * time.Millisecond,
	"deny-dwell":        1000 * time.Millisecond,
	"error-dwell":       2000 * time.Millisecond,

	"send-timeout":   100 * time.Millisecond,
	"sequence-dwell": 2000 * time.Millisecond,
	"verify-window":  1500 * time.Millisecond,
}

// Load reads configuration from flags, environment, config file and
// defaults, in that order of precedence. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Environment variables (CARSHARE_API_ROOT, etc.)
	v.SetEnvPrefix("CARSHARE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/carshare-box")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.APIRoot == "" {
		return fmt.Errorf("api-root cannot be empty")
	}
	switch c.CardStore {
	case CardStoreRedis, CardStoreMemory:
	case CardStoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite-path cannot be empty with the sqlite card store")
		}
	default:
		return fmt.Errorf("unknown card-store %q", c.CardStore)
	}
	if c.LogLevel < 0 || c.LogLevel > 4 {
		return fmt.Errorf("log-level must be between 0 and 4")
	}
	if c.BatteryDivider <= 0 {
		return fmt.Errorf("battery-divider must be positive")
	}
	if c.FirmwareMaxResumes < 0 {
		return fmt.Errorf("firmware-max-resumes must be non-negative")
	}
	for name, d := range map[string]time.Duration{
		"tag-poll":               c.TagPoll,
		"tag-timeout":            c.TagTimeout,
		"telemetry-period":       c.TelemetryPeriod,
		"telemetry-timeout":      c.TelemetryTimeout,
		"connect-timeout":        c.ConnectTimeout,
		"firmware-timeout":       c.FirmwareTimeout,
		"firmware-stall-timeout": c.FirmwareStallTimeout,
		"send-timeout":           c.SendTimeout,
		"verify-window":          c.VerifyWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
