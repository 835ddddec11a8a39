// Package config loads relay settings from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// ListenAddr is the bind address of the HTTP/WebSocket server.
	ListenAddr string

	// RelayURL is where the bridge dials back into the relay. Empty
	// disables local bridge starts.
	RelayURL string
	// RelayOrigin is an optional Origin header for the bridge dial.
	RelayOrigin string

	// CollaboratorURL is the base URL of the generation subsystem. Empty
	// means collaborator-backed endpoints answer 503.
	CollaboratorURL string

	// SharedSecret gates both surfaces. Empty disables the gate
	// (development only).
	SharedSecret string

	PresenceStoreURL string
	BusURL           string

	LogLevel string

	PresenceTTL     time.Duration
	PresenceRefresh time.Duration
}

func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("PRESENCE_STORE_URL", "redis://127.0.0.1:6379/0")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PRESENCE_TTL", "120s")
	v.SetDefault("PRESENCE_REFRESH", "30s")

	cfg := &Config{
		ListenAddr:       v.GetString("LISTEN_ADDR"),
		RelayURL:         v.GetString("RELAY_URL"),
		RelayOrigin:      v.GetString("RELAY_ORIGIN"),
		CollaboratorURL:  v.GetString("COLLABORATOR_URL"),
		SharedSecret:     v.GetString("SHARED_SECRET"),
		PresenceStoreURL: v.GetString("PRESENCE_STORE_URL"),
		BusURL:           v.GetString("BUS_URL"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		PresenceTTL:      v.GetDuration("PRESENCE_TTL"),
		PresenceRefresh:  v.GetDuration("PRESENCE_REFRESH"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the TTL/refresh relationship: a record must survive at
// least two missed refresh cycles.
func (c *Config) Validate() error {
	if c.PresenceRefresh <= 0 {
		return fmt.Errorf("config: PRESENCE_REFRESH must be positive, got %s", c.PresenceRefresh)
	}
	if c.PresenceTTL < 2*c.PresenceRefresh {
		return fmt.Errorf("config: PRESENCE_TTL (%s) must be at least twice PRESENCE_REFRESH (%s)",
			c.PresenceTTL, c.PresenceRefresh)
	}
	return nil
}
