// services/fleet/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	ServiceBus  ServiceBusConfig  `mapstructure:"service_bus"`
	MQTT        *MQTTConfig       `mapstructure:"mqtt"`
	Geolocation GeolocationConfig `mapstructure:"geolocation"`
	Device      DeviceConfig      `mapstructure:"device"`
	Hub         HubConfig         `mapstructure:"hub"`
	Ride        RideConfig        `mapstructure:"ride"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Simulation  SimulationConfig  `mapstructure:"simulation"`
	Logger      *logrus.Logger
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// ServiceBusConfig holds the Azure Service Bus settings for event publishing.
type ServiceBusConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	QueueName        string `mapstructure:"queue_name"`
}

// MQTTConfig holds MQTT broker settings for event publishing.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	TopicPrefix       string        `mapstructure:"topic_prefix"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// GeolocationConfig holds settings for the WiFi geolocation lookup.
type GeolocationConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// DeviceConfig holds the default device timing and battery settings, pushed
// to devices during the config exchange.
type DeviceConfig struct {
	ScanInterval        time.Duration `mapstructure:"scan_interval" json:"scan_interval"`
	ScanIntervalLowBatt time.Duration `mapstructure:"scan_interval_low_batt" json:"scan_interval_low_batt"`
	HubProbeInterval    time.Duration `mapstructure:"hub_probe_interval" json:"hub_probe_interval"`
	StatusInterval      time.Duration `mapstructure:"status_interval" json:"status_interval"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`
	ConfigRetryBackoff  time.Duration `mapstructure:"config_retry_backoff" json:"config_retry_backoff"`
	DeepSleepDuration   time.Duration `mapstructure:"deep_sleep_duration" json:"deep_sleep_duration"`
	MaxBufferRecords    int           `mapstructure:"max_buffer_records" json:"max_buffer_records"`
	MaxNetworks         int           `mapstructure:"max_networks" json:"max_networks"`
	RSSIThreshold       int           `mapstructure:"rssi_threshold" json:"rssi_threshold"`
	CriticalVoltage     float64       `mapstructure:"critical_voltage" json:"critical_voltage"`
	LowVoltage          float64       `mapstructure:"low_voltage" json:"low_voltage"`
	FullVoltage         float64       `mapstructure:"full_voltage" json:"full_voltage"`
	DevMode             bool          `mapstructure:"dev_mode" json:"dev_mode"`
}

// HubConfig holds the hub-side session manager settings.
type HubConfig struct {
	SyncInterval      time.Duration `mapstructure:"sync_interval" json:"sync_interval"`
	SyncThreshold     int           `mapstructure:"sync_threshold" json:"sync_threshold"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
	DeviceTimeout     time.Duration `mapstructure:"device_timeout" json:"device_timeout"`
	PowerSaveDuration time.Duration `mapstructure:"power_save_duration" json:"power_save_duration"`
}

// RideConfig holds the trip reconstruction constants.
type RideConfig struct {
	MinMovementMeters float64 `mapstructure:"min_movement_meters"`
	MinTripMeters     float64 `mapstructure:"min_trip_meters"`
	RSSIScaleFactor   float64 `mapstructure:"rssi_scale_factor"`
	CO2PerKmGrams     float64 `mapstructure:"co2_per_km_grams"`
}

// StorageConfig holds settings for durable device buffer persistence.
type StorageConfig struct {
	BufferPath string `mapstructure:"buffer_path"`
}

// SimulationConfig holds settings for the fleet emulator.
type SimulationConfig struct {
	Devices   int           `mapstructure:"devices"`
	Hubs      int           `mapstructure:"hubs"`
	TimeScale float64       `mapstructure:"time_scale"`
	Duration  time.Duration `mapstructure:"duration"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("FLEET")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")

	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.topic_prefix", "fleet/events")
	viper.SetDefault("mqtt.keep_alive", "30s")
	viper.SetDefault("mqtt.connect_timeout", "10s")
	viper.SetDefault("mqtt.max_reconnect_delay", "2m")

	viper.SetDefault("geolocation.endpoint", "https://www.googleapis.com/geolocation/v1/geolocate")
	viper.SetDefault("geolocation.timeout", "10s")
	viper.SetDefault("geolocation.min_interval", "1s")
	viper.SetDefault("geolocation.cache_ttl", "24h")

	viper.SetDefault("device.scan_interval", "300s")
	viper.SetDefault("device.scan_interval_low_batt", "900s")
	viper.SetDefault("device.hub_probe_interval", "10s")
	viper.SetDefault("device.status_interval", "30s")
	viper.SetDefault("device.connect_timeout", "10s")
	viper.SetDefault("device.config_retry_backoff", "2s")
	viper.SetDefault("device.deep_sleep_duration", "1h")
	viper.SetDefault("device.max_buffer_records", 100)
	viper.SetDefault("device.max_networks", 20)
	viper.SetDefault("device.rssi_threshold", -90)
	viper.SetDefault("device.critical_voltage", 3.2)
	viper.SetDefault("device.low_voltage", 3.45)
	viper.SetDefault("device.full_voltage", 4.2)
	viper.SetDefault("device.dev_mode", false)

	viper.SetDefault("hub.sync_interval", "300s")
	viper.SetDefault("hub.sync_threshold", 50)
	viper.SetDefault("hub.heartbeat_interval", "60s")
	viper.SetDefault("hub.device_timeout", "120s")
	viper.SetDefault("hub.power_save_duration", "1h")

	viper.SetDefault("ride.min_movement_meters", 5.0)
	viper.SetDefault("ride.min_trip_meters", 80.0)
	viper.SetDefault("ride.rssi_scale_factor", 8.0)
	viper.SetDefault("ride.co2_per_km_grams", 145.0)

	viper.SetDefault("storage.buffer_path", "/data/fleet/buffers")

	viper.SetDefault("simulation.devices", 3)
	viper.SetDefault("simulation.hubs", 1)
	viper.SetDefault("simulation.time_scale", 60.0)
	viper.SetDefault("simulation.duration", "0")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error if using env vars
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
