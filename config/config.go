// Package config loads backend and device settings from an optional YAML
// file and RPIMSG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/kabili207/rpi-messages-go/core/protocol"
)

// EnvPrefix prefixes every environment override, e.g.
// RPIMSG_SESSION_LISTEN or RPIMSG_MQTT_BROKER.
const EnvPrefix = "RPIMSG"

// ServerConfig configures rpimsg-server.
type ServerConfig struct {
	Session   SessionConfig   `mapstructure:"session"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Messages  MessagesConfig  `mapstructure:"messages"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type SessionConfig struct {
	Listen    string        `mapstructure:"listen"`
	IOTimeout time.Duration `mapstructure:"io_timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	RateBurst int           `mapstructure:"rate_burst"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database, or the snapshot file for the memory
	// driver. An empty path keeps memory storage volatile.
	Path string `mapstructure:"path"`
	// Seed stores the sample conversation for the sample device on start.
	Seed bool `mapstructure:"seed"`
}

type PresenceConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type MessagesConfig struct {
	Lifetime time.Duration `mapstructure:"lifetime"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TLS         bool   `mapstructure:"tls"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	// RetryDelay separates attempts to reach the broker at startup.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type DiscoveryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Instance    string        `mapstructure:"instance"`
	ScanTimeout time.Duration `mapstructure:"scan_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DeviceConfig configures rpimsg-device.
type DeviceConfig struct {
	DeviceID  protocol.DeviceID `mapstructure:"device_id"`
	Server    ServerLink        `mapstructure:"server"`
	Display   DisplayConfig     `mapstructure:"display"`
	Panel     PanelConfig       `mapstructure:"panel"`
	Discovery DiscoveryConfig   `mapstructure:"discovery"`
	Logging   LoggingConfig     `mapstructure:"logging"`
}

// ServerLink is how the device reaches the backend.
type ServerLink struct {
	// Address is "host:port". Empty means discover the backend over mDNS.
	Address        string        `mapstructure:"address"`
	IOTimeout      time.Duration `mapstructure:"io_timeout"`
	FetchInterval  time.Duration `mapstructure:"fetch_interval"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type DisplayConfig struct {
	Duration         time.Duration `mapstructure:"duration"`
	PriorityDuration time.Duration `mapstructure:"priority_duration"`
}

// Panel drivers.
const (
	PanelLog    = "log"
	PanelSerial = "serial"
)

type PanelConfig struct {
	Driver   string `mapstructure:"driver"`
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baud_rate"`
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("session.listen", ":1338")
	v.SetDefault("session.io_timeout", 10*time.Second)
	v.SetDefault("session.rate_limit", 5.0)
	v.SetDefault("session.rate_burst", 10)
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.listen", ":3000")
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.path", "messages.db")
	v.SetDefault("storage.seed", false)
	v.SetDefault("presence.timeout", 3*time.Minute)
	v.SetDefault("messages.lifetime", 10*time.Minute)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.tls", false)
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic_prefix", "rpimsg")
	v.SetDefault("mqtt.retry_delay", 10*time.Second)
	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.instance", "rpi-messages")
	v.SetDefault("discovery.scan_timeout", 3*time.Second)
	setLoggingDefaults(v)
}

func setDeviceDefaults(v *viper.Viper) {
	v.SetDefault("device_id", protocol.DefaultDeviceID)
	v.SetDefault("server.address", "")
	v.SetDefault("server.io_timeout", 10*time.Second)
	v.SetDefault("server.fetch_interval", 60*time.Second)
	v.SetDefault("server.reconnect_delay", 2*time.Second)
	v.SetDefault("display.duration", 5*time.Second)
	v.SetDefault("display.priority_duration", 3*time.Second)
	v.SetDefault("panel.driver", PanelLog)
	v.SetDefault("panel.port", "")
	v.SetDefault("panel.baud_rate", 115200)
	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.instance", "")
	v.SetDefault("discovery.scan_timeout", 3*time.Second)
	setLoggingDefaults(v)
}

func setLoggingDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// LoadServer reads the backend configuration.
func LoadServer(configPath string) (*ServerConfig, error) {
	v := newViper(configPath, "server")
	setServerDefaults(v)

	var cfg ServerConfig
	if err := load(v, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// LoadDevice reads the device configuration.
func LoadDevice(configPath string) (*DeviceConfig, error) {
	v := newViper(configPath, "device")
	setDeviceDefaults(v)

	var cfg DeviceConfig
	if err := load(v, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func newViper(configPath, name string) *viper.Viper {
	v := viper.New()

	// Environment variable support
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	return v
}

func load(v *viper.Viper, out any) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		deviceIDHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(out, hook); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	return nil
}

// deviceIDHook parses device ids given as strings ("0xcafebabe") as hex.
// Numeric values, such as an unquoted hex literal in YAML, pass through.
func deviceIDHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeFor[protocol.DeviceID]() || from.Kind() != reflect.String {
		return data, nil
	}
	return protocol.ParseDeviceID(data.(string))
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
