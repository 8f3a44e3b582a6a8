// Package config holds every tunable policy of the engine: transport
// endpoints, queue and cache bounds, reconnect and sweep cadence. Values
// come from the profile's config.toml, overridable per-field through
// CHATSYNC_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sethvargo/go-envconfig"
)

// Config is the full engine configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Conn   ConnConfig   `toml:"connection"`
	Queue  QueueConfig  `toml:"queue"`
	Cache  CacheConfig  `toml:"cache"`
	Bus    BusConfig    `toml:"bus"`
}

// ServerConfig locates the remote endpoints and the transport strategy.
type ServerConfig struct {
	ChannelURL string `toml:"channel_url" env:"CHATSYNC_CHANNEL_URL"`
	RestURL    string `toml:"rest_url" env:"CHATSYNC_REST_URL"`
	Transport  string `toml:"transport" env:"CHATSYNC_TRANSPORT"` // auto, channel, rest
}

// ConnConfig tunes the connection manager.
type ConnConfig struct {
	ConnectTimeout    time.Duration `toml:"connect_timeout" env:"CHATSYNC_CONNECT_TIMEOUT"`
	ReconnectAttempts int           `toml:"reconnect_attempts" env:"CHATSYNC_RECONNECT_ATTEMPTS"`
	ReconnectBase     time.Duration `toml:"reconnect_base" env:"CHATSYNC_RECONNECT_BASE"`
	ReconnectMax      time.Duration `toml:"reconnect_max" env:"CHATSYNC_RECONNECT_MAX"`
	GraceDelay        time.Duration `toml:"grace_delay" env:"CHATSYNC_GRACE_DELAY"`
}

// QueueConfig tunes the offline queue.
type QueueConfig struct {
	Capacity   int           `toml:"capacity" env:"CHATSYNC_QUEUE_CAPACITY"`
	MaxRetries int           `toml:"max_retries" env:"CHATSYNC_QUEUE_MAX_RETRIES"`
	Expiry     time.Duration `toml:"expiry" env:"CHATSYNC_QUEUE_EXPIRY"`
	ItemDelay  time.Duration `toml:"item_delay" env:"CHATSYNC_QUEUE_ITEM_DELAY"`
}

// CacheConfig bounds the message cache.
type CacheConfig struct {
	MessagesPerConversation int `toml:"messages_per_conversation" env:"CHATSYNC_CACHE_PER_CONVERSATION"`
	TotalMessages           int `toml:"total_messages" env:"CHATSYNC_CACHE_TOTAL"`
	Conversations           int `toml:"conversations" env:"CHATSYNC_CACHE_CONVERSATIONS"`
}

// BusConfig tunes the subscription sweeper.
type BusConfig struct {
	SweepInterval  time.Duration `toml:"sweep_interval" env:"CHATSYNC_SWEEP_INTERVAL"`
	MaxListenerAge time.Duration `toml:"max_listener_age" env:"CHATSYNC_MAX_LISTENER_AGE"`
}

// Default returns the production policy values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Transport: "auto",
		},
		Conn: ConnConfig{
			ConnectTimeout:    15 * time.Second,
			ReconnectAttempts: 5,
			ReconnectBase:     time.Second,
			ReconnectMax:      30 * time.Second,
			GraceDelay:        3 * time.Second,
		},
		Queue: QueueConfig{
			Capacity:   100,
			MaxRetries: 3,
			Expiry:     24 * time.Hour,
			ItemDelay:  500 * time.Millisecond,
		},
		Cache: CacheConfig{
			MessagesPerConversation: 500,
			TotalMessages:           5000,
			Conversations:           100,
		},
		Bus: BusConfig{
			SweepInterval:  5 * time.Minute,
			MaxListenerAge: time.Hour,
		},
	}
}

// Load reads path (missing file is fine, defaults apply) and then applies
// environment overrides.
func Load(ctx context.Context, path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing env vars: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent dirs as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
