// Copyright 2024 The brokerguard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for brokerguard: file
// loading, environment overrides and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// BrokerConfig identifies this broker and how clients reach it.
type BrokerConfig struct {
	ClusterName    string   `yaml:"cluster_name" json:"cluster_name" env:"BG_CLUSTER_NAME"`
	BrokerHost     string   `yaml:"broker_host" json:"broker_host" env:"BG_BROKER_HOST"`
	ListenAddress  string   `yaml:"listen_address" json:"listen_address" env:"BG_LISTEN_ADDRESS"`
	InternalUsers  []string `yaml:"internal_users" json:"internal_users" env:"BG_INTERNAL_USERS"`
	DefaultAccount string   `yaml:"default_account" json:"default_account" env:"BG_DEFAULT_ACCOUNT"`
	// InlineClient enables server-side publishing as an internal session.
	InlineClient bool `yaml:"inline_client" json:"inline_client" env:"BG_INLINE_CLIENT"`
}

// SessionConfig tunes the session registry and its cache.
type SessionConfig struct {
	Shards           int           `yaml:"shards" json:"shards" env:"BG_SESSION_SHARDS"`
	CacheBackend     string        `yaml:"cache_backend" json:"cache_backend" env:"BG_SESSION_CACHE_BACKEND"`
	CacheTTL         time.Duration `yaml:"cache_ttl" json:"cache_ttl" env:"BG_SESSION_CACHE_TTL"`
	TerminalStateTTL time.Duration `yaml:"terminal_state_ttl" json:"terminal_state_ttl" env:"BG_TERMINAL_STATE_TTL"`
}

// EnricherConfig tunes message header enrichment.
type EnricherConfig struct {
	MessageSizeLogThreshold int    `yaml:"message_size_log_threshold" json:"message_size_log_threshold" env:"BG_MESSAGE_SIZE_LOG_THRESHOLD"`
	MissingTopicSuffix      string `yaml:"missing_topic_suffix" json:"missing_topic_suffix" env:"BG_MISSING_TOPIC_SUFFIX"`
	InternalAddressPrefix   string `yaml:"internal_address_prefix" json:"internal_address_prefix" env:"BG_INTERNAL_ADDRESS_PREFIX"`
	ConnectorName           string `yaml:"connector_name" json:"connector_name" env:"BG_CONNECTOR_NAME"`
}

// HTTPAuthConfig configures the HTTP audit endpoint.
type HTTPAuthConfig struct {
	URL         string `yaml:"url" json:"url" env:"BG_AUTH_URL"`
	BearerToken string `yaml:"bearer_token" json:"bearer_token" env:"BG_AUTH_TOKEN"`
}

// KafkaAuthConfig configures the Kafka audit topic.
type KafkaAuthConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers" env:"BG_AUTH_KAFKA_BROKERS"`
	Topic   string   `yaml:"topic" json:"topic" env:"BG_AUTH_KAFKA_TOPIC"`
}

// AuthConfig configures delivery of connect/disconnect audit notifications.
type AuthConfig struct {
	Notifier      string          `yaml:"notifier" json:"notifier" env:"BG_AUTH_NOTIFIER"`
	Timeout       time.Duration   `yaml:"timeout" json:"timeout" env:"BG_AUTH_TIMEOUT"`
	Workers       int             `yaml:"workers" json:"workers" env:"BG_AUTH_WORKERS"`
	QueueSize     int             `yaml:"queue_size" json:"queue_size" env:"BG_AUTH_QUEUE_SIZE"`
	NotifyConnect bool            `yaml:"notify_connect" json:"notify_connect" env:"BG_AUTH_NOTIFY_CONNECT"`
	HTTP          HTTPAuthConfig  `yaml:"http" json:"http"`
	Kafka         KafkaAuthConfig `yaml:"kafka" json:"kafka"`
}

// DisconnectConfig tunes the disconnect command processor.
type DisconnectConfig struct {
	ForceCloseStolen bool `yaml:"force_close_stolen" json:"force_close_stolen" env:"BG_FORCE_CLOSE_STOLEN"`
	Graceful         bool `yaml:"graceful" json:"graceful" env:"BG_DISCONNECT_GRACEFUL"`
}

// RedisEventsConfig selects the pub/sub channel carrying device events.
type RedisEventsConfig struct {
	Channel string `yaml:"channel" json:"channel" env:"BG_EVENTS_REDIS_CHANNEL"`
}

// MQTTEventsConfig selects the upstream MQTT topic carrying device events.
type MQTTEventsConfig struct {
	BrokerURL string `yaml:"broker_url" json:"broker_url" env:"BG_EVENTS_MQTT_URL"`
	Topic     string `yaml:"topic" json:"topic" env:"BG_EVENTS_MQTT_TOPIC"`
	ClientID  string `yaml:"client_id" json:"client_id" env:"BG_EVENTS_MQTT_CLIENT_ID"`
	QoS       int    `yaml:"qos" json:"qos" env:"BG_EVENTS_MQTT_QOS"`
}

// EventsConfig selects where device service events come from.
type EventsConfig struct {
	Source string            `yaml:"source" json:"source" env:"BG_EVENTS_SOURCE"`
	Redis  RedisEventsConfig `yaml:"redis" json:"redis"`
	MQTT   MQTTEventsConfig  `yaml:"mqtt" json:"mqtt"`
}

// DeviceRegistryConfig selects the device-to-client resolver.
type DeviceRegistryConfig struct {
	Driver       string        `yaml:"driver" json:"driver" env:"BG_DEVICE_DRIVER"`
	DSN          string        `yaml:"dsn" json:"dsn" env:"BG_DEVICE_DSN"`
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout" env:"BG_DEVICE_QUERY_TIMEOUT"`
}

// RedisConfig is shared by the Redis session cache and the Redis event source.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr" env:"BG_REDIS_ADDR"`
	Password  string `yaml:"password" json:"password" env:"BG_REDIS_PASSWORD"`
	DB        int    `yaml:"db" json:"db" env:"BG_REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"BG_REDIS_KEY_PREFIX"`
}

// MetricsConfig configures the metrics and health endpoint.
type MetricsConfig struct {
	Address string `yaml:"address" json:"address" env:"BG_METRICS_ADDRESS"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"BG_LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"BG_LOG_FORMAT"`
}

// Config holds the complete configuration
type Config struct {
	Broker         BrokerConfig         `yaml:"broker" json:"broker"`
	Session        SessionConfig        `yaml:"session" json:"session"`
	Enricher       EnricherConfig       `yaml:"enricher" json:"enricher"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	Disconnect     DisconnectConfig     `yaml:"disconnect" json:"disconnect"`
	Events         EventsConfig         `yaml:"events" json:"events"`
	DeviceRegistry DeviceRegistryConfig `yaml:"device_registry" json:"device_registry"`
	Redis          RedisConfig          `yaml:"redis" json:"redis"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
}

// DefaultConfig returns a default configuration. ClusterName has no default
// and must be configured; BrokerHost defaults to the local hostname.
func DefaultConfig() *Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &Config{
		Broker: BrokerConfig{
			BrokerHost:     host,
			ListenAddress:  ":1883",
			DefaultAccount: "default",
		},
		Session: SessionConfig{
			Shards:           32,
			CacheBackend:     "memory",
			CacheTTL:         10 * time.Minute,
			TerminalStateTTL: time.Minute,
		},
		Enricher: EnricherConfig{
			MessageSizeLogThreshold: 100000,
			MissingTopicSuffix:      "MQTT/MISSING",
			InternalAddressPrefix:   "active",
			ConnectorName:           "mqtt",
		},
		Auth: AuthConfig{
			Notifier:      "log",
			Timeout:       5 * time.Second,
			Workers:       4,
			QueueSize:     1024,
			NotifyConnect: true,
			Kafka:         KafkaAuthConfig{Topic: "broker-auth"},
		},
		Disconnect: DisconnectConfig{
			ForceCloseStolen: true,
			Graceful:         true,
		},
		Events: EventsConfig{
			Source: "none",
			Redis:  RedisEventsConfig{Channel: "device-events"},
			MQTT: MQTTEventsConfig{
				Topic: "$EVENTS/device",
				QoS:   1,
			},
		},
		DeviceRegistry: DeviceRegistryConfig{
			Driver:       "memory",
			QueryTimeout: 2 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "brokerguard:conn:",
		},
		Metrics: MetricsConfig{Address: ":8082"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig loads configuration from a file on top of DefaultConfig, applies
// BG_* environment overrides and validates the result. An empty path uses
// the defaults plus environment.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}

		switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		case ".json":
			err = json.Unmarshal(data, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from BG_* environment variables. Unset
// variables leave the field untouched.
func ApplyEnv(cfg *Config) error {
	err := envdecode.StrictDecode(cfg)
	switch {
	case err == nil:
		return nil
	// StrictDecode reports "no variable set" as ErrInvalidTarget; cfg is
	// always a valid struct pointer here.
	case errors.Is(err, envdecode.ErrInvalidTarget), errors.Is(err, envdecode.ErrNoTargetFieldsAreSet):
		return nil
	default:
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
}

// SaveConfig saves configuration to a file
func SaveConfig(cfg *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// Validate checks required fields and enumerated options.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Broker.ClusterName != "", "broker.cluster_name cannot be empty")
	check(c.Broker.BrokerHost != "", "broker.broker_host cannot be empty")
	check(c.Broker.ListenAddress != "", "broker.listen_address cannot be empty")
	check(c.Broker.DefaultAccount != "", "broker.default_account cannot be empty")

	check(c.Session.Shards > 0, "session.shards must be positive, got %d", c.Session.Shards)
	check(oneOf(c.Session.CacheBackend, "memory", "redis"),
		"session.cache_backend: unsupported backend %q (supported: memory, redis)", c.Session.CacheBackend)
	check(c.Session.CacheTTL > 0, "session.cache_ttl must be positive")
	check(c.Session.TerminalStateTTL >= 0, "session.terminal_state_ttl cannot be negative")

	check(c.Enricher.MessageSizeLogThreshold > 0, "enricher.message_size_log_threshold must be positive")
	check(c.Enricher.ConnectorName != "", "enricher.connector_name cannot be empty")

	check(oneOf(c.Auth.Notifier, "http", "kafka", "log"),
		"auth.notifier: unsupported notifier %q (supported: http, kafka, log)", c.Auth.Notifier)
	check(c.Auth.Timeout > 0, "auth.timeout must be positive")
	check(c.Auth.Workers > 0, "auth.workers must be positive")
	check(c.Auth.QueueSize > 0, "auth.queue_size must be positive")
	if c.Auth.Notifier == "http" {
		check(c.Auth.HTTP.URL != "", "auth.http.url is required for the http notifier")
	}
	if c.Auth.Notifier == "kafka" {
		check(len(c.Auth.Kafka.Brokers) > 0, "auth.kafka.brokers is required for the kafka notifier")
		check(c.Auth.Kafka.Topic != "", "auth.kafka.topic is required for the kafka notifier")
	}

	check(oneOf(c.Events.Source, "none", "redis", "mqtt"),
		"events.source: unsupported source %q (supported: none, redis, mqtt)", c.Events.Source)
	switch c.Events.Source {
	case "redis":
		check(c.Events.Redis.Channel != "", "events.redis.channel is required for the redis source")
	case "mqtt":
		check(c.Events.MQTT.BrokerURL != "", "events.mqtt.broker_url is required for the mqtt source")
		check(c.Events.MQTT.Topic != "", "events.mqtt.topic is required for the mqtt source")
		check(c.Events.MQTT.QoS >= 0 && c.Events.MQTT.QoS <= 2, "events.mqtt.qos must be 0, 1 or 2")
	}

	check(oneOf(c.DeviceRegistry.Driver, "memory", "postgres"),
		"device_registry.driver: unsupported driver %q (supported: memory, postgres)", c.DeviceRegistry.Driver)
	if c.DeviceRegistry.Driver == "postgres" {
		check(c.DeviceRegistry.DSN != "", "device_registry.dsn is required for the postgres driver")
	}
	check(c.DeviceRegistry.QueryTimeout > 0, "device_registry.query_timeout must be positive")

	if c.Session.CacheBackend == "redis" || c.Events.Source == "redis" {
		check(c.Redis.Addr != "", "redis.addr is required when redis is used")
	}

	check(c.Metrics.Address != "", "metrics.address cannot be empty")
	check(oneOf(strings.ToLower(c.Logging.Format), "text", "json"),
		"logging.format: unsupported format %q (supported: text, json)", c.Logging.Format)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// IsInternalUser reports whether username is listed in broker.internal_users.
func (c *Config) IsInternalUser(username string) bool {
	for _, u := range c.Broker.InternalUsers {
		if u == username {
			return true
		}
	}
	return false
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
