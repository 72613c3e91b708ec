// Package config holds the rateway configuration model.
//
// Configuration is read from a TOML file (see LoadConfigFromFile) and can be
// overridden from the environment (see ApplyEnv), which is also the only
// source when rateway is started with -env. Durations are kept as strings in
// the file and parsed by the GetXxx accessors.
package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultGatewayURL     = "wss://gateway.discord.gg"
	DefaultGatewayVersion = 10
	DefaultAPIBaseURL     = "https://discord.com/api/v10"
)

// ShardsConfig controls how many shards are run and how they are grouped.
type ShardsConfig struct {
	PerCluster int `toml:"per_cluster"` // Shards per cluster (one exchange and queue each)
	Extra      int `toml:"extra"`       // Added on top of the recommended shard count
	Total      int `toml:"total"`       // If > 0, skips the recommendation entirely
}

// GatewayConfig holds gateway connection tuning.
type GatewayConfig struct {
	URL               string `toml:"url"`
	Version           int    `toml:"version"`
	Compress          bool   `toml:"compress"`            // Request zlib payload compression
	LargeThreshold    int    `toml:"large_threshold"`     // 50-250, member count above which guilds are "large"
	HandshakeTimeout  string `toml:"handshake_timeout"`   // Websocket dial timeout
	HelloTimeout      string `toml:"hello_timeout"`       // How long to wait for Hello after connecting
	IdentifyWindow    string `toml:"identify_window"`     // Per-bucket identify window
	ReconnectInitial  string `toml:"reconnect_initial"`   // First reconnect backoff
	ReconnectMax      string `toml:"reconnect_max"`       // Reconnect backoff cap
	CommandsPerMinute int    `toml:"commands_per_minute"` // Outbound command budget per shard
	EventBuffer       int    `toml:"event_buffer"`        // Cluster fan-in channel size
}

// CacheConfig tunes the entity cache.
type CacheConfig struct {
	MessageLimit int `toml:"message_limit"` // Messages kept per channel
}

// APIConfig points at the REST API used once at startup.
type APIConfig struct {
	BaseURL string `toml:"base_url"`
	Timeout string `toml:"timeout"`
}

// MetricsConfig controls the admin HTTP server (metrics, health, status).
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// Config holds all configuration for the application.
type Config struct {
	Token        string        `toml:"token"`
	Intents      uint64        `toml:"intents"`
	AMQP         string        `toml:"amqp"`
	CacheEnabled bool          `toml:"cache_enabled"`
	Shards       ShardsConfig  `toml:"shards"`
	Gateway      GatewayConfig `toml:"gateway"`
	Cache        CacheConfig   `toml:"cache"`
	API          APIConfig     `toml:"api"`
	Metrics      MetricsConfig `toml:"metrics"`
	Logging      LoggingConfig `toml:"logging"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		CacheEnabled: true,
		Shards: ShardsConfig{
			PerCluster: 8,
			Extra:      8,
		},
		Gateway: GatewayConfig{
			URL:               DefaultGatewayURL,
			Version:           DefaultGatewayVersion,
			LargeThreshold:    250,
			HandshakeTimeout:  "10s",
			HelloTimeout:      "20s",
			IdentifyWindow:    "5s",
			ReconnectInitial:  "1s",
			ReconnectMax:      "2m",
			CommandsPerMinute: 120,
			EventBuffer:       256,
		},
		Cache: CacheConfig{
			MessageLimit: 100,
		},
		API: APIConfig{
			BaseURL: DefaultAPIBaseURL,
			Timeout: "15s",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
	}
}

func parseDurationOr(value, fallback string) (time.Duration, error) {
	if value == "" {
		value = fallback
	}
	return time.ParseDuration(value)
}

// GetHandshakeTimeout parses the websocket dial timeout
func (g *GatewayConfig) GetHandshakeTimeout() (time.Duration, error) {
	return parseDurationOr(g.HandshakeTimeout, "10s")
}

// GetHelloTimeout parses the Hello wait timeout
func (g *GatewayConfig) GetHelloTimeout() (time.Duration, error) {
	return parseDurationOr(g.HelloTimeout, "20s")
}

// GetIdentifyWindow parses the identify bucket window
func (g *GatewayConfig) GetIdentifyWindow() (time.Duration, error) {
	return parseDurationOr(g.IdentifyWindow, "5s")
}

// GetReconnectInitial parses the first reconnect delay
func (g *GatewayConfig) GetReconnectInitial() (time.Duration, error) {
	return parseDurationOr(g.ReconnectInitial, "1s")
}

// GetReconnectMax parses the reconnect delay cap
func (g *GatewayConfig) GetReconnectMax() (time.Duration, error) {
	return parseDurationOr(g.ReconnectMax, "2m")
}

func withDefault(name string, get func() (time.Duration, error), fallback time.Duration) time.Duration {
	d, err := get()
	if err != nil || d <= 0 {
		if err != nil {
			log.Printf("WARNING: Failed to parse gateway %s: %v, using default (%v)", name, err, fallback)
		}
		return fallback
	}
	return d
}

func (g *GatewayConfig) GetHandshakeTimeoutWithDefault() time.Duration {
	return withDefault("handshake_timeout", g.GetHandshakeTimeout, 10*time.Second)
}

func (g *GatewayConfig) GetHelloTimeoutWithDefault() time.Duration {
	return withDefault("hello_timeout", g.GetHelloTimeout, 20*time.Second)
}

func (g *GatewayConfig) GetIdentifyWindowWithDefault() time.Duration {
	return withDefault("identify_window", g.GetIdentifyWindow, 5*time.Second)
}

func (g *GatewayConfig) GetReconnectInitialWithDefault() time.Duration {
	return withDefault("reconnect_initial", g.GetReconnectInitial, time.Second)
}

func (g *GatewayConfig) GetReconnectMaxWithDefault() time.Duration {
	return withDefault("reconnect_max", g.GetReconnectMax, 2*time.Minute)
}

// GetTimeout parses the REST API timeout
func (a *APIConfig) GetTimeout() (time.Duration, error) {
	return parseDurationOr(a.Timeout, "15s")
}

// Validate checks the settings rateway cannot start without.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.AMQP == "" {
		return fmt.Errorf("amqp URI is required")
	}
	if c.Shards.PerCluster <= 0 {
		return fmt.Errorf("shards.per_cluster must be positive (got %d)", c.Shards.PerCluster)
	}
	if c.Shards.Extra < 0 {
		return fmt.Errorf("shards.extra cannot be negative (got %d)", c.Shards.Extra)
	}
	if c.Shards.Total < 0 {
		return fmt.Errorf("shards.total cannot be negative (got %d)", c.Shards.Total)
	}
	if c.Gateway.LargeThreshold != 0 && (c.Gateway.LargeThreshold < 50 || c.Gateway.LargeThreshold > 250) {
		return fmt.Errorf("gateway.large_threshold must be between 50 and 250 (got %d)", c.Gateway.LargeThreshold)
	}
	if c.Gateway.CommandsPerMinute < 0 {
		return fmt.Errorf("gateway.commands_per_minute cannot be negative")
	}
	durations := map[string]func() (time.Duration, error){
		"gateway.handshake_timeout": c.Gateway.GetHandshakeTimeout,
		"gateway.hello_timeout":     c.Gateway.GetHelloTimeout,
		"gateway.identify_window":   c.Gateway.GetIdentifyWindow,
		"gateway.reconnect_initial": c.Gateway.GetReconnectInitial,
		"gateway.reconnect_max":     c.Gateway.GetReconnectMax,
		"api.timeout":               c.API.GetTimeout,
	}
	for name, get := range durations {
		if _, err := get(); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg with the environment variables rateway has always
// understood: DISCORD_TOKEN, INTENTS, SHARDS_PER_CLUSTER, EXTRA_SHARDS,
// AMQP_URI and CACHE_ENABLED, plus TOTAL_SHARDS and LOG_LEVEL.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup("DISCORD_TOKEN"); ok {
		cfg.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup("AMQP_URI"); ok {
		cfg.AMQP = strings.TrimSpace(v)
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Logging.Level = strings.TrimSpace(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SHARDS_PER_CLUSTER", &cfg.Shards.PerCluster},
		{"EXTRA_SHARDS", &cfg.Shards.Extra},
		{"TOTAL_SHARDS", &cfg.Shards.Total},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("cannot parse %s: %w", e.key, err)
		}
		*e.dst = n
	}

	if v, ok := lookup("INTENTS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("cannot parse INTENTS: %w", err)
		}
		cfg.Intents = n
	}
	if v, ok := lookup("CACHE_ENABLED"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("cannot parse CACHE_ENABLED: %w", err)
		}
		cfg.CacheEnabled = b
	}
	return nil
}

// LoadConfigFromFile decodes the TOML file at configPath into cfg. Keys that
// do not map to a field are reported but do not fail the load.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file", err)
	}
	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false'", err)
	}
	if strings.Contains(errMsg, "incompatible types") {
		return fmt.Errorf("%w\n\nHINT: a value has the wrong type; durations are quoted strings like \"5s\", counts are bare integers", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
