package server

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full relay configuration. Defaults are applied first, then
// the YAML file (if any) is layered on top, then the result is validated.
type Config struct {
	Name     string         `yaml:"name" validate:"required"`
	Logger   LoggerConfig   `yaml:"logger"`
	Socket   SocketConfig   `yaml:"socket"`
	Session  SessionConfig  `yaml:"session"`
	Database DatabaseConfig `yaml:"database"`
	Chat     ChatConfig     `yaml:"chat"`
	Call     CallConfig     `yaml:"call"`
}

type LoggerConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
	// File enables rotated file output in addition to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=1"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=1"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
}

type SocketConfig struct {
	Address             string `yaml:"address"`
	Port                int    `yaml:"port" validate:"gte=1,lte=65535"`
	PingPeriodMs        int    `yaml:"ping_period_ms" validate:"gte=1000"`
	PongWaitMs          int    `yaml:"pong_wait_ms" validate:"gte=1000"`
	WriteWaitMs         int    `yaml:"write_wait_ms" validate:"gte=100"`
	OutgoingQueueSize   int    `yaml:"outgoing_queue_size" validate:"gte=1"`
	MaxMessageSizeBytes int64  `yaml:"max_message_size_bytes" validate:"gte=1024"`
	ReadBufferSizeBytes int    `yaml:"read_buffer_size_bytes" validate:"gte=1024"`
}

type SessionConfig struct {
	// TokenKey is the HMAC key the portal's auth service signs session tokens
	// with. The relay only verifies, it never issues.
	TokenKey string `yaml:"token_key" validate:"required"`
}

type DatabaseConfig struct {
	Address         string `yaml:"address" validate:"required"`
	MaxConns        int32  `yaml:"max_conns" validate:"gte=1"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

type ChatConfig struct {
	EditWindowSec     int    `yaml:"edit_window_sec" validate:"gte=1"`
	HistoryPageSize   int    `yaml:"history_page_size" validate:"gte=1,lte=500"`
	RecallPlaceholder string `yaml:"recall_placeholder" validate:"required"`
}

type CallConfig struct {
	RingTimeoutSec int    `yaml:"ring_timeout_sec" validate:"gte=1"`
	RoomBaseURL    string `yaml:"room_base_url" validate:"required,url"`
	TokenKey       string `yaml:"token_key" validate:"required"`
	TokenExpirySec int    `yaml:"token_expiry_sec" validate:"gte=60"`
}

// NewConfig returns a configuration populated with production defaults.
func NewConfig() *Config {
	return &Config{
		Name: "relay",
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxAgeDays: 30,
			MaxBackups: 5,
		},
		Socket: SocketConfig{
			Address:             "0.0.0.0",
			Port:                7350,
			PingPeriodMs:        15000,
			PongWaitMs:          25000,
			WriteWaitMs:         5000,
			OutgoingQueueSize:   64,
			MaxMessageSizeBytes: 65536,
			ReadBufferSizeBytes: 4096,
		},
		Session: SessionConfig{
			TokenKey: "defaultsigningkey",
		},
		Database: DatabaseConfig{
			Address:         "postgres://relay@localhost:5432/atrium",
			MaxConns:        8,
			ConnMaxLifetime: "1h",
		},
		Chat: ChatConfig{
			EditWindowSec:     300,
			HistoryPageSize:   50,
			RecallPlaceholder: "[message recalled]",
		},
		Call: CallConfig{
			RingTimeoutSec: 30,
			RoomBaseURL:    "https://meet.atrium.internal",
			TokenKey:       "defaultroomkey",
			TokenExpirySec: 7200,
		},
	}
}

// ParseConfig loads the config file at path over the defaults and validates
// the result. An empty path keeps the defaults.
func ParseConfig(path string) (*Config, error) {
	config := NewConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("could not parse config file: %w", err)
		}
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func (c *Config) EditWindow() time.Duration {
	return time.Duration(c.Chat.EditWindowSec) * time.Second
}

func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutSec) * time.Second
}

func (c *Config) PingPeriod() time.Duration {
	return time.Duration(c.Socket.PingPeriodMs) * time.Millisecond
}

func (c *Config) PongWait() time.Duration {
	return time.Duration(c.Socket.PongWaitMs) * time.Millisecond
}

func (c *Config) WriteWait() time.Duration {
	return time.Duration(c.Socket.WriteWaitMs) * time.Millisecond
}
