// Copyright 2022 The energymon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ===============================================================================
// Broker Related Config

// BrokerReconnectConfig defines the reconnect backoff parameters
type BrokerReconnectConfig struct {
	// InitialInterval is the wait before the first reconnect attempt in milliseconds
	InitialInterval int `mapstructure:"initial_interval_ms" json:"initial_interval_ms" yaml:"initial_interval_ms" validate:"gte=10"`
	// MaxInterval is the upper bound on the wait between reconnect attempts in seconds
	MaxInterval int `mapstructure:"max_interval_sec" json:"max_interval_sec" yaml:"max_interval_sec" validate:"gte=1"`
	// Multiplier is the growth factor applied to the wait after each failed attempt
	Multiplier float64 `mapstructure:"multiplier" json:"multiplier" yaml:"multiplier" validate:"gte=1"`
}

// BrokerConfig defines parameters for connecting to the telemetry broker
type BrokerConfig struct {
	// Driver selects the broker client: mqtt (3.1.1), mqtt5, or nats
	Driver string `mapstructure:"driver" json:"driver" yaml:"driver" validate:"required,oneof=mqtt mqtt5 nats"`
	// ServerURI is the broker connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" yaml:"server_uri" validate:"required,uri"`
	// ClientID is the client identifier presented to the broker
	ClientID string `mapstructure:"client_id" json:"client_id" yaml:"client_id" validate:"required"`
	// Topic is the sensor-feed topic / subject to subscribe to
	Topic string `mapstructure:"topic" json:"topic" yaml:"topic" validate:"required"`
	// QoS is the MQTT subscription QoS. Ignored by NATS.
	QoS int `mapstructure:"qos" json:"qos" yaml:"qos" validate:"gte=0,lte=2"`
	// Username is the optional broker user
	Username string `mapstructure:"username" json:"username,omitempty" yaml:"username,omitempty"`
	// Password is the optional broker password
	Password string `mapstructure:"password" json:"-" yaml:"-"`
	// ConnectTimeout is the max duration for connecting to the broker in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" yaml:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect BrokerReconnectConfig `mapstructure:"reconnect" json:"reconnect" yaml:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Storage Related Config

// PostgresConfig defines parameters for the postgres storage driver
type PostgresConfig struct {
	// URL is the postgres connection string
	URL string `mapstructure:"url" json:"-" yaml:"-"`
	// MaxConns is the max number of pooled connections
	MaxConns int32 `mapstructure:"max_conns" json:"max_conns" yaml:"max_conns" validate:"gte=1"`
	// Table is the readings table name
	Table string `mapstructure:"table" json:"table" yaml:"table" validate:"required"`
}

// StorageConfig defines the reading store parameters
type StorageConfig struct {
	// Driver selects the store: memory or postgres
	Driver string `mapstructure:"driver" json:"driver" yaml:"driver" validate:"required,oneof=memory postgres"`
	// OperationTimeout is the max duration of a single store operation in seconds
	OperationTimeout int `mapstructure:"operation_timeout_sec" json:"operation_timeout_sec" yaml:"operation_timeout_sec" validate:"gte=1"`
	// HealthProbeInterval is the period between store health probes in seconds
	HealthProbeInterval int `mapstructure:"health_probe_interval_sec" json:"health_probe_interval_sec" yaml:"health_probe_interval_sec" validate:"gte=1"`
	// Postgres holds the postgres driver parameters
	Postgres PostgresConfig `mapstructure:"postgres" json:"postgres" yaml:"postgres" validate:"required,dive"`
}

// LatestCacheConfig defines the optional latest reading cache
type LatestCacheConfig struct {
	// Enabled whether to maintain the cache
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	// RedisAddr is the redis server address
	RedisAddr string `mapstructure:"redis_addr" json:"redis_addr" yaml:"redis_addr"`
	// RedisDB is the redis logical database
	RedisDB int `mapstructure:"redis_db" json:"redis_db" yaml:"redis_db" validate:"gte=0"`
	// Key is the redis key holding the latest reading
	Key string `mapstructure:"key" json:"key" yaml:"key"`
	// TTL is the expiry of the cached entry in seconds
	TTL int `mapstructure:"ttl_sec" json:"ttl_sec" yaml:"ttl_sec" validate:"gte=0"`
}

// ===============================================================================
// Pipeline Related Config

// IngestConfig defines the inbound message processing parameters
type IngestConfig struct {
	// ProcessingBuffer is the number of received messages which can be queued for processing
	ProcessingBuffer int `mapstructure:"processing_buffer" json:"processing_buffer" yaml:"processing_buffer" validate:"gte=1"`
}

// BroadcastConfig defines the live fan-out parameters
type BroadcastConfig struct {
	// SubscriberBuffer is the per viewer delivery buffer. Oldest entries are dropped when full.
	SubscriberBuffer int `mapstructure:"subscriber_buffer" json:"subscriber_buffer" yaml:"subscriber_buffer" validate:"gte=1"`
}

// QueryConfig defines the historical query parameters
type QueryConfig struct {
	// DefaultRangeHours is the range used when a request does not specify "hours"
	DefaultRangeHours int `mapstructure:"default_range_hours" json:"default_range_hours" yaml:"default_range_hours" validate:"gte=1"`
	// MaxRangeHours is the largest accepted range
	MaxRangeHours int `mapstructure:"max_range_hours" json:"max_range_hours" yaml:"max_range_hours" validate:"gtefield=DefaultRangeHours"`
	// BackfillSize is the number of readings sent to a new live viewer
	BackfillSize int `mapstructure:"backfill_size" json:"backfill_size" yaml:"backfill_size" validate:"gte=1,lte=100"`
	// Timezone is the IANA zone used for calendar day boundaries. "Local" uses the server zone.
	Timezone string `mapstructure:"timezone" json:"timezone" yaml:"timezone" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" yaml:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" yaml:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout. Live streams are not bound by it.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" yaml:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header" yaml:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers" yaml:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" yaml:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" yaml:"logging_config" validate:"required,dive"`
}

// APIEndpointConfig defines API endpoint config
type APIEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" yaml:"path_prefix" validate:"required"`
}

// MetricsConfig defines the prometheus exposition parameters
type MetricsConfig struct {
	// Enabled whether to serve the metrics end-point
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	// Path is the metrics end-point path
	Path string `mapstructure:"path" json:"path" yaml:"path"`
}

// CORSConfig defines the cross-origin access policy for browser dashboards
type CORSConfig struct {
	// Enabled whether to answer cross-origin requests
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	// AllowedOrigins origins allowed to call the APIs. "*" allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`
	// AllowedHeaders extra request headers accepted on cross-origin calls
	AllowedHeaders []string `mapstructure:"allowed_headers" json:"allowed_headers" yaml:"allowed_headers"`
	// MaxAgeSec how long browsers may cache a preflight result
	MaxAgeSec int `mapstructure:"max_age_sec" json:"max_age_sec" yaml:"max_age_sec" validate:"gte=0"`
}

// APIServerConfig defines configuration for the API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" yaml:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints APIEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" yaml:"endpoint_config" validate:"required,dive"`
	// Metrics is the prometheus end-point config
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" yaml:"metrics" validate:"required,dive"`
	// CORS is the cross-origin access policy
	CORS CORSConfig `mapstructure:"cors" json:"cors" yaml:"cors" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Broker are the broker related config parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" yaml:"broker" validate:"required,dive"`
	// Storage are the reading store config parameters
	Storage StorageConfig `mapstructure:"storage" json:"storage" yaml:"storage" validate:"required,dive"`
	// Cache is the latest reading cache config
	Cache LatestCacheConfig `mapstructure:"cache" json:"cache" yaml:"cache" validate:"required,dive"`
	// Ingest are the inbound processing config parameters
	Ingest IngestConfig `mapstructure:"ingest" json:"ingest" yaml:"ingest" validate:"required,dive"`
	// Broadcast are the live fan-out config parameters
	Broadcast BroadcastConfig `mapstructure:"broadcast" json:"broadcast" yaml:"broadcast" validate:"required,dive"`
	// Query are the historical query config parameters
	Query QueryConfig `mapstructure:"query" json:"query" yaml:"query" validate:"required,dive"`
	// API are the API server configs
	API APIServerConfig `mapstructure:"api" json:"api" yaml:"api" validate:"required,dive"`
}

// Validate checks the struct tags, then the cross section constraints
func (c *SystemConfig) Validate(validate *validator.Validate) error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Storage.Driver == "postgres" && c.Storage.Postgres.URL == "" {
		return fmt.Errorf("storage.postgres.url is required by the postgres driver")
	}
	if c.Cache.Enabled && (c.Cache.RedisAddr == "" || c.Cache.Key == "") {
		return fmt.Errorf("cache.redis_addr and cache.key are required when the cache is enabled")
	}
	if c.API.Metrics.Enabled && c.API.Metrics.Path == "" {
		return fmt.Errorf("api.metrics.path is required when metrics are enabled")
	}
	if c.API.CORS.Enabled && len(c.API.CORS.AllowedOrigins) == 0 {
		return fmt.Errorf("api.cors.allowed_origins is required when CORS is enabled")
	}
	return nil
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default broker settings
	viper.SetDefault("broker.driver", "mqtt")
	viper.SetDefault("broker.server_uri", "tcp://127.0.0.1:1883")
	viper.SetDefault("broker.client_id", "energymon")
	viper.SetDefault("broker.topic", "home/energy/meter1")
	viper.SetDefault("broker.qos", 1)
	viper.SetDefault("broker.connect_timeout_sec", 10)
	viper.SetDefault("broker.reconnect.initial_interval_ms", 500)
	viper.SetDefault("broker.reconnect.max_interval_sec", 60)
	viper.SetDefault("broker.reconnect.multiplier", 2.0)

	// Default storage settings
	viper.SetDefault("storage.driver", "memory")
	viper.SetDefault("storage.operation_timeout_sec", 5)
	viper.SetDefault("storage.health_probe_interval_sec", 15)
	viper.SetDefault("storage.postgres.max_conns", 8)
	viper.SetDefault("storage.postgres.table", "energy_readings")

	// Default cache settings
	viper.SetDefault("cache.enabled", false)
	viper.SetDefault("cache.redis_addr", "127.0.0.1:6379")
	viper.SetDefault("cache.redis_db", 0)
	viper.SetDefault("cache.key", "energymon:reading:latest")
	viper.SetDefault("cache.ttl_sec", 86400)

	// Default pipeline settings
	viper.SetDefault("ingest.processing_buffer", 256)
	viper.SetDefault("broadcast.subscriber_buffer", 64)
	viper.SetDefault("query.default_range_hours", 24)
	viper.SetDefault("query.max_range_hours", 24*31)
	viper.SetDefault("query.backfill_size", 100)
	viper.SetDefault("query.timezone", "Local")

	// Default API server settings
	viper.SetDefault("api.endpoint_config.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 5000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Energymon-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("api.metrics.enabled", true)
	viper.SetDefault("api.metrics.path", "/metrics")
	viper.SetDefault("api.cors.enabled", true)
	viper.SetDefault("api.cors.allowed_origins", []string{"*"})
	viper.SetDefault("api.cors.allowed_headers", []string{"Content-Type"})
	viper.SetDefault("api.cors.max_age_sec", 600)
}
