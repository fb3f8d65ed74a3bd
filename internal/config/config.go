package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
)

type ServerConfig struct {
	Port                  int      `json:"port"`
	HeartbeatIntervalSec  int      `json:"heartbeat_interval_sec"`
	HeartbeatTimeoutCount int      `json:"heartbeat_timeout_count"`
	AllowedOrigins        []string `json:"allowed_origins"`
}

type AuthConfig struct {
	IntrospectionURL string `json:"introspection_url"`
	RequireIdentity  bool   `json:"require_identity"`
	CacheSize        int    `json:"cache_size"`
	CacheTTLSec      int    `json:"cache_ttl_sec"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type FirmwareConfig struct {
	Minimum string `json:"minimum"`
}

type DiscordConfig struct {
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type MQTTConfig struct {
	BrokerURL   string `json:"broker_url"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Database DatabaseConfig `json:"database"`
	Firmware FirmwareConfig `json:"firmware"`
	Alerts   struct {
		Discord DiscordConfig `json:"discord"`
	} `json:"alerts"`
	Bridge struct {
		MQTT MQTTConfig `json:"mqtt"`
	} `json:"bridge"`
}

const (
	defaultHeartbeatIntervalSec  = 10
	defaultHeartbeatTimeoutCount = 3
	defaultAuthCacheSize         = 1024
	defaultAuthCacheTTLSec       = 300
	defaultDatabasePath          = "./csms.db"
	defaultMQTTClientID          = "csms"
	defaultMQTTTopicPrefix       = "csms"
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("validation error: server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.HeartbeatIntervalSec <= 0 {
		cfg.Server.HeartbeatIntervalSec = defaultHeartbeatIntervalSec
	}
	if cfg.Server.HeartbeatTimeoutCount <= 0 {
		cfg.Server.HeartbeatTimeoutCount = defaultHeartbeatTimeoutCount
	}

	if cfg.Auth.RequireIdentity && cfg.Auth.IntrospectionURL == "" {
		return fmt.Errorf("validation error: auth.introspection_url is required when auth.require_identity is set")
	}
	if cfg.Auth.CacheSize <= 0 {
		cfg.Auth.CacheSize = defaultAuthCacheSize
	}
	if cfg.Auth.CacheTTLSec <= 0 {
		cfg.Auth.CacheTTLSec = defaultAuthCacheTTLSec
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}

	if cfg.Firmware.Minimum != "" {
		if _, err := semver.NewVersion(cfg.Firmware.Minimum); err != nil {
			return fmt.Errorf("validation error: firmware.minimum %q is not a valid version: %w", cfg.Firmware.Minimum, err)
		}
	}

	if cfg.Alerts.Discord.BotToken != "" && cfg.Alerts.Discord.ChannelID == "" {
		return fmt.Errorf("validation error: alerts.discord.channel_id is required when a bot token is set")
	}

	if cfg.Bridge.MQTT.BrokerURL != "" {
		if cfg.Bridge.MQTT.ClientID == "" {
			cfg.Bridge.MQTT.ClientID = defaultMQTTClientID
		}
		if cfg.Bridge.MQTT.TopicPrefix == "" {
			cfg.Bridge.MQTT.TopicPrefix = defaultMQTTTopicPrefix
		}
	}

	return nil
}
