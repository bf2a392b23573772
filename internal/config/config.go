// Package config provides YAML-based configuration loading for the session
// sync engine, the stats manager and the servers around them.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// Config is the complete xblsync configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Multiplayer MultiplayerConfig `yaml:"multiplayer"`
	Stats       StatsConfig       `yaml:"stats"`
	Server      ServerConfig      `yaml:"server"`
	RTA         RTAConfig         `yaml:"rta"`
	Storage     StorageConfig     `yaml:"storage"`
}

// LogConfig controls the charmbracelet logger.
type LogConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	Timestamps bool   `yaml:"timestamps"`
}

// MultiplayerConfig tunes the session writer and client work loop.
type MultiplayerConfig struct {
	ServiceConfigID string        `yaml:"service_config_id"`
	LobbyTemplate   string        `yaml:"lobby_template"`
	GameTemplate    string        `yaml:"game_template"`
	ResyncCooldown  time.Duration `yaml:"resync_cooldown"`
	DoWorkInterval  time.Duration `yaml:"do_work_interval"`
	MonotonicGuard  bool          `yaml:"monotonic_guard"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// StatsConfig sets the stats flush cadence.
type StatsConfig struct {
	NormalInterval  time.Duration `yaml:"normal_interval"`
	HighInterval    time.Duration `yaml:"high_interval"`
	BackgroundFlush time.Duration `yaml:"background_flush"` // 0 disables
}

// ServerConfig configures `xblsync serve`.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	SSHListen    string        `yaml:"ssh_listen"` // empty disables the SSH monitor
	HostKeyPath  string        `yaml:"host_key_path"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// RTAConfig configures the shoulder tap subscriber.
type RTAConfig struct {
	URL        string        `yaml:"url"`
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// StorageConfig locates the SQLite journal.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// LogLevel parses Log.Level.
func (c Config) LogLevel() (log.Level, error) {
	if c.Log.Level == "" {
		return log.InfoLevel, nil
	}
	lvl, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.InfoLevel, fmt.Errorf("config: log.level: %w", err)
	}
	return lvl, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"multiplayer.resync_cooldown", c.Multiplayer.ResyncCooldown},
		{"multiplayer.do_work_interval", c.Multiplayer.DoWorkInterval},
		{"stats.normal_interval", c.Stats.NormalInterval},
		{"stats.high_interval", c.Stats.HighInterval},
		{"server.ping_interval", c.Server.PingInterval},
		{"rta.min_backoff", c.RTA.MinBackoff},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive, got %s", p.name, p.d))
		}
	}

	if c.Stats.BackgroundFlush < 0 {
		errs = append(errs, fmt.Errorf("config: stats.background_flush must not be negative"))
	}
	if c.Stats.HighInterval > c.Stats.NormalInterval {
		errs = append(errs, fmt.Errorf("config: stats.high_interval %s exceeds normal_interval %s",
			c.Stats.HighInterval, c.Stats.NormalInterval))
	}
	if c.RTA.MaxBackoff < c.RTA.MinBackoff {
		errs = append(errs, fmt.Errorf("config: rta.max_backoff must be at least min_backoff"))
	}
	if c.Multiplayer.EventBuffer < 1 {
		errs = append(errs, fmt.Errorf("config: multiplayer.event_buffer must be at least 1"))
	}
	if c.Multiplayer.ServiceConfigID == "" {
		errs = append(errs, fmt.Errorf("config: multiplayer.service_config_id is required"))
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, fmt.Errorf("config: storage.db_path is required"))
	}
	return errors.Join(errs...)
}
