package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the configuration. When configPath is empty the usual search
// path applies: ./.agentstream/config.json, ./config.json, then
// ~/.agentstream/config.json. A missing file is not an error; defaults and
// environment variables (prefix AGENTSTREAM_) still apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(".", ".agentstream"))
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(home, ".agentstream"))
		v.SetConfigName("config")
		v.SetConfigType("json")
	}

	v.SetEnvPrefix("AGENTSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind", "127.0.0.1")
	v.SetDefault("server.port", 18990)
	v.SetDefault("server.path", "/ws")

	v.SetDefault("streams.gc_delay_seconds", 300)
	v.SetDefault("streams.notify_suppress_seconds", 30)

	v.SetDefault("store.sqlite_path", defaultSQLitePath())

	v.SetDefault("engine.name", "claude")
	v.SetDefault("engine.model", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

func defaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".agentstream", "agentstream.db")
	}
	return filepath.Join(home, ".agentstream", "agentstream.db")
}
