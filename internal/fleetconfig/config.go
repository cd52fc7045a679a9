// Package fleetconfig loads configuration shared by the room-server and
// discovery binaries.
package fleetconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface. Each binary reads the
// sections it needs; unused sections are harmless defaults.
type Config struct {
	// Environment is the running environment (development, staging, production).
	Environment string `mapstructure:"environment"`

	// Server configures the process's own HTTP surfaces.
	Server struct {
		// Host is the bind address for the admin HTTP server.
		Host string `mapstructure:"host"`
		// AdminPort serves /healthz, /metrics, and (discovery only) /fleet.
		AdminPort int `mapstructure:"admin_port"`
		// ReadTimeout bounds reading the admin HTTP request.
		ReadTimeout time.Duration `mapstructure:"read_timeout"`
		// WriteTimeout bounds writing the admin HTTP response.
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`

	// RoomServer configures the room-server process only.
	RoomServer struct {
		// PublicURL is the externally-reachable address clients dial.
		// Must be unique across the fleet; used as the bus routing key.
		// Required only for the room-server binary — see
		// ValidateRoomServer — since discovery never sets it.
		PublicURL string `mapstructure:"public_url"`
		// ListenAddr is where the WebSocket accept loop binds.
		ListenAddr string `mapstructure:"listen_addr"`
		// SyncRooms mirrors room lifecycle events to the bus when true.
		SyncRooms bool `mapstructure:"sync_rooms"`
		// SyncClients mirrors client lifecycle events to the bus when true
		// (only effective if SyncRooms is also true).
		SyncClients bool `mapstructure:"sync_clients"`
		// DefaultPingInterval is applied to rooms that don't override it.
		// Zero disables the per-room heartbeat by default.
		DefaultPingInterval time.Duration `mapstructure:"default_ping_interval"`
		// DefaultMissedPingsLimit is the default heartbeat eviction threshold.
		DefaultMissedPingsLimit int `mapstructure:"default_missed_pings_limit"`
		// DefaultKeepAlive is applied to rooms that don't override it.
		DefaultKeepAlive bool `mapstructure:"default_keep_alive"`
	} `mapstructure:"room_server"`

	// Discovery configures the discovery process only.
	Discovery struct {
		// ServerTimeout is the ping-age after which a mirrored RS is evicted.
		ServerTimeout time.Duration `mapstructure:"server_timeout"`
		// DefaultTokenExpiry is loaded but not read by either binary: token
		// generation falls back to token.DefaultExpiry (1m) when the caller
		// sets no expiry.
		DefaultTokenExpiry time.Duration `mapstructure:"default_token_expiry"`
	} `mapstructure:"discovery"`

	// Bus configures the shared Redis-backed message bus.
	Bus struct {
		// Addr is the Redis server address.
		Addr string `mapstructure:"addr"`
		// Password is the Redis password, if any.
		Password string `mapstructure:"password"`
		// Database is the Redis database index.
		Database int `mapstructure:"database"`
		// DialTimeout bounds establishing the Redis connection.
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
		// RequestTimeout is loaded and clamped by Validate but not read:
		// discovery's rooms.<publicUrl> request uses its own fixed 2s timeout.
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"bus"`

	// Token configures the join-token scheme shared by RS and D.
	Token struct {
		// Secret signs and verifies tokens. Sourced from DISCOVERY_SECRET
		// if unset here. Refused outside development when still empty.
		Secret string `mapstructure:"secret"`
		// Issuer is the fixed issuer claim stamped on generated tokens.
		Issuer string `mapstructure:"issuer"`
	} `mapstructure:"token"`

	// History configures the optional Mongo-backed fleet event log.
	History struct {
		// Enabled turns the audit trail on. Disabled by default: it is
		// a supplemental, best-effort feature, never load-bearing.
		Enabled bool `mapstructure:"enabled"`
		// URI is the MongoDB connection URI.
		URI string `mapstructure:"uri"`
		// Database is the MongoDB database name.
		Database string `mapstructure:"database"`
		// Timeout bounds each write to the history collection.
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"history"`

	// Logging configures the structured logger.
	Logging struct {
		// Level is the minimum enabled logging level.
		Level string `mapstructure:"level"`
		// OutputPaths lists where logs are written.
		OutputPaths []string `mapstructure:"output_paths"`
	} `mapstructure:"logging"`
}

// Load loads configuration from file, environment variables, and defaults,
// the way the teacher's LoadConfig does: defaults, then an optional file
// found via CONFIG_FILE or ./configs, then an environment overlay, then
// APP_* environment variables, in that override order.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("fleet")
	v.SetConfigType("yaml")

	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/roomfleet")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	v.SetConfigName(fmt.Sprintf("fleet.%s", env))
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to merge environment config file: %w", err)
		}
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Environment = env

	if cfg.Token.Secret == "" {
		cfg.Token.Secret = os.Getenv("DISCOVERY_SECRET")
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.admin_port", 9090)
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "5s")

	v.SetDefault("room_server.listen_addr", ":8080")
	v.SetDefault("room_server.sync_rooms", true)
	v.SetDefault("room_server.sync_clients", true)
	v.SetDefault("room_server.default_ping_interval", "0s")
	v.SetDefault("room_server.default_missed_pings_limit", 1)
	v.SetDefault("room_server.default_keep_alive", false)

	v.SetDefault("discovery.server_timeout", "5s")
	v.SetDefault("discovery.default_token_expiry", "1m")

	v.SetDefault("bus.addr", "localhost:6379")
	v.SetDefault("bus.database", 0)
	v.SetDefault("bus.dial_timeout", "5s")
	v.SetDefault("bus.request_timeout", "2s")

	v.SetDefault("token.issuer", "roomfleet-discovery")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.uri", "mongodb://localhost:27017")
	v.SetDefault("history.database", "roomfleet")
	v.SetDefault("history.timeout", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output_paths", []string{"stdout"})
}
