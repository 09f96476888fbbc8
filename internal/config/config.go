package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string
	LogFormat   string

	VotesPerMin int
	VoteBurst   int

	// Live rooms whose channel has been empty this long are closed.
	RoomIdleTTL   time.Duration
	SweepInterval time.Duration

	// Used by the watch client.
	ServerURL string
}

// Load reads configuration from the environment, falling back to the yaml
// file named by CONFIG_FILE and then to defaults. Values that do not parse
// fall back to their defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("vote_rate_per_min", 60)
	v.SetDefault("vote_burst", 10)
	v.SetDefault("room_idle_ttl", "10m")
	v.SetDefault("sweep_interval", "1m")
	v.SetDefault("server_url", "http://localhost:8080")
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	return Config{
		Port:          v.GetString("port"),
		DatabaseURL:   v.GetString("database_url"),
		LogLevel:      v.GetString("log_level"),
		LogFormat:     v.GetString("log_format"),
		VotesPerMin:   getInt(v, "vote_rate_per_min", 60),
		VoteBurst:     getInt(v, "vote_burst", 10),
		RoomIdleTTL:   getDuration(v, "room_idle_ttl", 10*time.Minute),
		SweepInterval: getDuration(v, "sweep_interval", time.Minute),
		ServerURL:     v.GetString("server_url"),
	}, nil
}

func getInt(v *viper.Viper, key string, fallback int) int {
	i, err := strconv.Atoi(v.GetString(key))
	if err != nil {
		return fallback
	}
	return i
}

func getDuration(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
