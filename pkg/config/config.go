// Package config handles configuration loading and management for all
// three cp02-bridge daemons (stationd, gatewayd, aggregatord): YAML with
// struct-tag validation and a default-path search.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Mode selects which deployment shape a daemon runs as.
type Mode string

const (
	ModeStation    Mode = "station"
	ModeGateway    Mode = "gateway"
	ModeAggregator Mode = "aggregator"
)

// Config is the full configuration block shared by the three daemons;
// each reads the sections relevant to its shape.
type Config struct {
	Mode      Mode   `yaml:"mode" json:"mode" validate:"omitempty,oneof=station gateway aggregator"`
	GatewayID string `yaml:"gateway_id" json:"gateway_id"`

	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`

	ServerHost string `yaml:"server_host" json:"server_host" validate:"required"`
	ServerPort int    `yaml:"server_port" json:"server_port" validate:"required,min=1,max=65535"`
	WSPort     int    `yaml:"ws_port" json:"ws_port" validate:"omitempty,min=1,max=65535"`

	APIKey       string `yaml:"api_key" json:"api_key"`
	APIKeyHeader string `yaml:"api_key_header" json:"api_key_header"`

	GatewayTimeoutSeconds int `yaml:"gateway_timeout_seconds" json:"gateway_timeout_seconds" validate:"min=1"`

	OTAUploadDir    string `yaml:"ota_upload_dir" json:"ota_upload_dir"`
	MaxFirmwareSize int64  `yaml:"max_firmware_size" json:"max_firmware_size" validate:"min=1"`

	TokenRefreshInterval time.Duration `yaml:"token_refresh_interval" json:"token_refresh_interval"`
	TokenStoragePath     string        `yaml:"token_storage_path" json:"token_storage_path" validate:"required"`

	HistoryDBPath        string `yaml:"history_db_path" json:"history_db_path"`
	HistoryRetentionDays int    `yaml:"history_retention_days" json:"history_retention_days" validate:"min=1"`

	Station StationConfig `yaml:"station" json:"station"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// MQTTConfig configures the aggregator's bus adapter and gatewayd's
// publisher side.
type MQTTConfig struct {
	Host        string        `yaml:"mqtt_host" json:"mqtt_host"`
	Port        int           `yaml:"mqtt_port" json:"mqtt_port"`
	User        string        `yaml:"mqtt_user" json:"mqtt_user"`
	Password    string        `yaml:"mqtt_password" json:"mqtt_password"`
	TopicPrefix string        `yaml:"mqtt_topic_prefix" json:"mqtt_topic_prefix" validate:"required"`
	KeepAlive   time.Duration `yaml:"mqtt_keepalive" json:"mqtt_keepalive"`
}

// StationConfig configures the direct BLE adapter (stationd/gatewayd).
type StationConfig struct {
	Address      string        `yaml:"address" json:"address"`
	ScanTimeout  time.Duration `yaml:"scan_timeout" json:"scan_timeout"`
	FrameVersion uint8         `yaml:"frame_version" json:"frame_version"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`
	Output string `yaml:"output" json:"output" validate:"omitempty,oneof=stdout file"`
	File   string `yaml:"file" json:"file"`
}

// MetricsConfig holds the Prometheus endpoint settings. The daemons do not
// read it: the REST server always serves /metrics.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

var defaultPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./cp02-bridge.yaml",
	"~/.config/cp02-bridge/config.yaml",
	"/etc/cp02-bridge/config.yaml",
}

// Load loads configuration from path, or the first default path that
// exists, or DefaultConfig() if none do.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range defaultPaths {
		if len(p) > 0 && p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	cfg := DefaultConfig()
	return cfg, Validate(cfg)
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs struct-tag validation.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save persists cfg to path as YAML, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a runnable default configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode:       ModeStation,
		ServerHost: "0.0.0.0",
		ServerPort: 8080,
		WSPort:     8081,

		APIKeyHeader: "X-API-Key",

		GatewayTimeoutSeconds: 30,

		OTAUploadDir:    "./ota",
		MaxFirmwareSize: 4 * 1024 * 1024,

		TokenRefreshInterval: 300 * time.Second,
		TokenStoragePath:     "./data/tokens.json",

		HistoryDBPath:        "./data/history.db",
		HistoryRetentionDays: 7,

		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        1883,
			TopicPrefix: "cp02",
			KeepAlive:   60 * time.Second,
		},

		Station: StationConfig{
			ScanTimeout:  10 * time.Second,
			FrameVersion: 0,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},

		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
