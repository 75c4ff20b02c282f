// Package config loads and validates the tracking engine's runtime
// configuration: threshold tunables, watchdog/geofence toggles, logging
// options, the selected storage driver, and that driver's connection
// settings. Values are layered via viper: defaults, then an optional YAML
// file, then TRACKER_*-prefixed environment variables, which take
// precedence over the file. Aggregated validation joins every problem into
// one error.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Thresholds holds the status engine's timing/speed tunables.
type Thresholds struct {
	IdleAfter        time.Duration
	UnreachableAfter time.Duration
	OfflineAfter     time.Duration
	MinSpeedKmh      float64
	MaxJumpDistanceM float64
}

// WatchdogConfig holds the background sweeper's tunables.
type WatchdogConfig struct {
	Enabled        bool
	CheckInterval  time.Duration
	MaxConcurrency int
}

// LoggingConfig holds the obslog sink's tunables.
type LoggingConfig struct {
	Level    string
	JSON     bool
	Console  bool
	FilePath string
}

// RedisConfig holds connection settings for the "redis" storage driver.
type RedisConfig struct {
	Addr string
}

// NATSConfig holds connection settings for the "nats" storage driver.
type NATSConfig struct {
	URL string
}

// KafkaConfig holds connection settings for the "kafka" storage driver.
type KafkaConfig struct {
	Brokers []string
}

// ArchiveConfig holds the optional TimescaleDB write-behind archive sink.
type ArchiveConfig struct {
	Enabled bool
	DSN     string
}

// HTTPConfig holds the outer gateway's bind address and ingest rate limit.
type HTTPConfig struct {
	Addr           string
	RateLimitRPS   float64
	RateLimitBurst int
}

// MQTTConfig holds the outer gateway's MQTT ingest bridge settings.
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
}

// Config is the fully resolved, validated configuration.
type Config struct {
	Thresholds      Thresholds
	Watchdog        WatchdogConfig
	GeofenceEnabled bool
	Logging         LoggingConfig
	StorageDriver   string
	Redis           RedisConfig
	NATS            NATSConfig
	Kafka           KafkaConfig
	Archive         ArchiveConfig
	HTTP            HTTPConfig
	MQTT            MQTTConfig
}

// Validate aggregates every configuration problem into a single error,
// joining every problem into one error.
func (c *Config) Validate() error {
	var errs []string

	if c.Thresholds.IdleAfter <= 0 {
		errs = append(errs, "thresholds.idleAfter must be > 0")
	}
	if c.Thresholds.UnreachableAfter <= 0 {
		errs = append(errs, "thresholds.unreachableAfter must be > 0")
	}
	if c.Thresholds.OfflineAfter <= 0 {
		errs = append(errs, "thresholds.offlineAfter must be > 0")
	}
	if c.Thresholds.OfflineAfter <= c.Thresholds.UnreachableAfter {
		errs = append(errs, "thresholds.offlineAfter must be greater than thresholds.unreachableAfter")
	}
	if c.Thresholds.MinSpeedKmh < 0 {
		errs = append(errs, "thresholds.minSpeed cannot be negative")
	}
	if c.Thresholds.MaxJumpDistanceM <= 0 {
		errs = append(errs, "thresholds.maxJumpDistance must be > 0")
	}
	if c.Watchdog.CheckInterval <= 0 {
		errs = append(errs, "watchdog.checkInterval must be > 0")
	}
	if c.Watchdog.MaxConcurrency <= 0 {
		errs = append(errs, "watchdog.maxConcurrency must be > 0")
	}

	switch c.StorageDriver {
	case "memory", "redis", "nats", "kafka", "websocket":
	default:
		errs = append(errs, fmt.Sprintf("storageDriver %q is not one of memory, redis, nats, kafka, websocket", c.StorageDriver))
	}
	if c.StorageDriver == "redis" && strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, "redis.addr is required when storageDriver=redis")
	}
	if c.StorageDriver == "nats" && strings.TrimSpace(c.NATS.URL) == "" {
		errs = append(errs, "nats.url is required when storageDriver=nats")
	}
	if c.StorageDriver == "kafka" && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka.brokers is required when storageDriver=kafka")
	}
	if c.Archive.Enabled && strings.TrimSpace(c.Archive.DSN) == "" {
		errs = append(errs, "archive.dsn is required when archive.enabled=true")
	}
	if c.HTTP.RateLimitRPS < 0 {
		errs = append(errs, "http.rateLimitRps cannot be negative")
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		errs = append(errs, "mqtt.broker is required when mqtt.enabled=true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}

// Load reads defaults, TRACKER_*-prefixed environment variables, and an
// optional YAML file (if filePath is non-empty) via viper, then validates
// the result.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRACKER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading file %s: %w", filePath, err)
		}
	}

	cfg := &Config{
		Thresholds: Thresholds{
			IdleAfter:        millis(v, "thresholds.idle_after_ms"),
			UnreachableAfter: millis(v, "thresholds.unreachable_after_ms"),
			OfflineAfter:     millis(v, "thresholds.offline_after_ms"),
			MinSpeedKmh:      v.GetFloat64("thresholds.min_speed_kmh"),
			MaxJumpDistanceM: v.GetFloat64("thresholds.max_jump_m"),
		},
		Watchdog: WatchdogConfig{
			Enabled:        v.GetBool("watchdog.enabled"),
			CheckInterval:  millis(v, "watchdog.interval_ms"),
			MaxConcurrency: v.GetInt("watchdog.max_concurrency"),
		},
		GeofenceEnabled: v.GetBool("geofence.enabled"),
		Logging: LoggingConfig{
			Level:    v.GetString("log.level"),
			JSON:     v.GetBool("log.json"),
			Console:  v.GetBool("log.console"),
			FilePath: v.GetString("log.file"),
		},
		StorageDriver: v.GetString("storage.driver"),
		Redis:         RedisConfig{Addr: v.GetString("redis.addr")},
		NATS:          NATSConfig{URL: v.GetString("nats.url")},
		Kafka:         KafkaConfig{Brokers: splitCSV(v.GetString("kafka.brokers"))},
		Archive: ArchiveConfig{
			Enabled: v.GetBool("archive.enabled"),
			DSN:     v.GetString("archive.dsn"),
		},
		HTTP: HTTPConfig{
			Addr:           v.GetString("http.addr"),
			RateLimitRPS:   v.GetFloat64("http.rate_limit_rps"),
			RateLimitBurst: v.GetInt("http.rate_limit_burst"),
		},
		MQTT: MQTTConfig{
			Enabled:  v.GetBool("mqtt.enabled"),
			Broker:   v.GetString("mqtt.broker"),
			ClientID: v.GetString("mqtt.client_id"),
			Topic:    v.GetString("mqtt.topic"),
			QoS:      byte(v.GetInt("mqtt.qos")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("thresholds.idle_after_ms", 300_000)
	v.SetDefault("thresholds.unreachable_after_ms", 30_000)
	v.SetDefault("thresholds.offline_after_ms", 600_000)
	v.SetDefault("thresholds.min_speed_kmh", 1.5)
	v.SetDefault("thresholds.max_jump_m", 300.0)
	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.interval_ms", 5_000)
	v.SetDefault("watchdog.max_concurrency", 16)
	v.SetDefault("geofence.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", "")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.dsn", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit_rps", 200.0)
	v.SetDefault("http.rate_limit_burst", 400)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "tracker-core")
	v.SetDefault("mqtt.topic", "tracking/+/location")
	v.SetDefault("mqtt.qos", 1)
}

// millis reads an integer milliseconds setting and converts it to a
// time.Duration; viper's GetDuration treats bare numbers as nanoseconds,
// which is not the unit these settings are expressed in.
func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
