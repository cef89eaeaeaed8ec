package config

import "time"

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" json:"server"`
	Streams StreamsConfig `mapstructure:"streams" json:"streams"`
	Store   StoreConfig   `mapstructure:"store" json:"store"`
	Engine  EngineConfig  `mapstructure:"engine" json:"engine"`
	Log     LogConfig     `mapstructure:"log" json:"log"`
}

// ServerConfig configures the websocket gateway.
type ServerConfig struct {
	Bind string `mapstructure:"bind" json:"bind"`
	Port int    `mapstructure:"port" json:"port"`
	Path string `mapstructure:"path" json:"path"`
}

// StreamsConfig configures the stream registry and its background sweeps.
type StreamsConfig struct {
	// GCDelaySeconds is how long after a start call the deferred registry
	// check runs, and how long terminal streams linger before bulk sweeps
	// may remove them.
	GCDelaySeconds int `mapstructure:"gc_delay_seconds" json:"gc_delay_seconds"`
	// NotifySuppressSeconds is the expiry window of the lifecycle
	// notification dedup set.
	NotifySuppressSeconds int `mapstructure:"notify_suppress_seconds" json:"notify_suppress_seconds"`
}

// GCDelay returns the deferred sweep delay as a duration.
func (c StreamsConfig) GCDelay() time.Duration {
	return time.Duration(c.GCDelaySeconds) * time.Second
}

// NotifySuppress returns the lifecycle dedup window as a duration.
func (c StreamsConfig) NotifySuppress() time.Duration {
	return time.Duration(c.NotifySuppressSeconds) * time.Second
}

// StoreConfig configures message persistence.
type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" json:"sqlite_path"`
}

// EngineConfig configures the default upstream engine selection.
type EngineConfig struct {
	Name  string `mapstructure:"name" json:"name"`
	Model string `mapstructure:"model" json:"model"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `mapstructure:"level" json:"level"`
	Development bool   `mapstructure:"development" json:"development"`
}
