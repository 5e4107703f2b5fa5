// Package config provides configuration handling for the TCP simulator.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kdavies/tcpsim/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Config represents the complete simulator configuration.
type Config struct {
	// Link contains the virtual network's delay/loss/bandwidth settings.
	Link LinkConfig `json:"link" yaml:"link"`

	// Connection contains per-endpoint settings shared by both sides.
	Connection ConnectionConfig `json:"connection" yaml:"connection"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// LinkConfig describes the virtual network between the two endpoints.
type LinkConfig struct {
	// DelaySeconds is the one-way propagation delay.
	DelaySeconds float64 `json:"delaySeconds" yaml:"delaySeconds"`

	// LossRate is the independent per-segment drop probability, in [0,1).
	LossRate float64 `json:"lossRate" yaml:"lossRate"`

	// BandwidthKBPerSec caps serialization throughput; zero means unmetered.
	BandwidthKBPerSec float64 `json:"bandwidthKBPerSec" yaml:"bandwidthKBPerSec"`
}

// ConnectionConfig describes the endpoints the simulator binds.
type ConnectionConfig struct {
	// ClientPort and ServerPort identify the two simulated endpoints.
	ClientPort uint16 `json:"clientPort" yaml:"clientPort"`
	ServerPort uint16 `json:"serverPort" yaml:"serverPort"`

	// CongestionAlgorithm is one of Reno, NewReno, Cubic, BBR.
	CongestionAlgorithm string `json:"congestionAlgorithm" yaml:"congestionAlgorithm"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Link: LinkConfig{
			DelaySeconds:      0.1,
			LossRate:          0.0,
			BandwidthKBPerSec: 1000.0,
		},
		Connection: ConnectionConfig{
			ClientPort:          5000,
			ServerPort:          8000,
			CongestionAlgorithm: "Reno",
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file, inferring the format
// from its extension.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables, overriding
// whatever was already set.
func LoadFromEnv(config *Config) {
	if val := os.Getenv("LINK_DELAY_SECONDS"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			config.Link.DelaySeconds = f
		}
	}
	if val := os.Getenv("LINK_LOSS_RATE"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			config.Link.LossRate = f
		}
	}
	if val := os.Getenv("LINK_BANDWIDTH_KB_PER_SEC"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			config.Link.BandwidthKBPerSec = f
		}
	}

	if val := os.Getenv("CONNECTION_CLIENT_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Connection.ClientPort = uint16(port)
		}
	}
	if val := os.Getenv("CONNECTION_SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Connection.ServerPort = uint16(port)
		}
	}
	if val := os.Getenv("CONNECTION_CONGESTION_ALGORITHM"); val != "" {
		config.Connection.CongestionAlgorithm = val
	}

	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("LOGGING_MAX_SIZE"); val != "" {
		if maxSize, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = maxSize
		}
	}
	if val := os.Getenv("LOGGING_MAX_BACKUPS"); val != "" {
		if maxBackups, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = maxBackups
		}
	}
	if val := os.Getenv("LOGGING_MAX_AGE"); val != "" {
		if maxAge, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = maxAge
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Link.DelaySeconds < 0 || c.Link.DelaySeconds > 5 {
		return fmt.Errorf("invalid link delay: %v", c.Link.DelaySeconds)
	}
	if c.Link.LossRate < 0 || c.Link.LossRate >= 1 {
		return fmt.Errorf("invalid link loss rate (must be in [0,1)): %v", c.Link.LossRate)
	}
	if c.Link.BandwidthKBPerSec < 0 {
		return fmt.Errorf("invalid link bandwidth: %v", c.Link.BandwidthKBPerSec)
	}

	if c.Connection.ClientPort == 0 {
		return fmt.Errorf("invalid client port: %d", c.Connection.ClientPort)
	}
	if c.Connection.ServerPort == 0 {
		return fmt.Errorf("invalid server port: %d", c.Connection.ServerPort)
	}
	if c.Connection.ClientPort == c.Connection.ServerPort {
		return fmt.Errorf("client and server ports must differ: both %d", c.Connection.ClientPort)
	}
	switch strings.ToLower(c.Connection.CongestionAlgorithm) {
	case "reno", "newreno", "cubic", "bbr":
		// Valid algorithms.
	default:
		return fmt.Errorf("invalid congestion algorithm: %s", c.Connection.CongestionAlgorithm)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	var level logging.Level
	switch c.Logging.Level {
	case "debug":
		level = logging.DebugLevel
	case "info":
		level = logging.InfoLevel
	case "warn":
		level = logging.WarnLevel
	case "error":
		level = logging.ErrorLevel
	default:
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		dir := "."
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			dir = c.Logging.File[:lastSlash]
		}

		filename := c.Logging.File
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			filename = c.Logging.File[lastSlash+1:]
		}

		err := logging.EnableFileLogging(
			dir,
			filename,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file, inferring the format
// from its extension.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	dir := "."
	if lastSlash := strings.LastIndex(path, "/"); lastSlash != -1 {
		dir = path[:lastSlash]
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
