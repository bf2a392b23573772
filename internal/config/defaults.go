package config

import (
	_ "embed"
	"time"
)

//go:embed defaults/xblsync.yaml
var defaultYAML []byte

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			Timestamps: true,
		},
		Multiplayer: MultiplayerConfig{
			ServiceConfigID: "00000000-0000-0000-0000-000000000000",
			LobbyTemplate:   "lobby",
			GameTemplate:    "game",
			ResyncCooldown:  30 * time.Second,
			DoWorkInterval:  100 * time.Millisecond,
			MonotonicGuard:  true,
			EventBuffer:     64,
		},
		Stats: StatsConfig{
			NormalInterval:  30 * time.Second,
			HighInterval:    5 * time.Second,
			BackgroundFlush: 5 * time.Minute,
		},
		Server: ServerConfig{
			Listen:       ":8080",
			SSHListen:    "",
			HostKeyPath:  "~/.xblsync/ssh_host_ed25519",
			PingInterval: 30 * time.Second,
		},
		RTA: RTAConfig{
			URL:        "ws://localhost:8080/rta",
			MinBackoff: 500 * time.Millisecond,
			MaxBackoff: 30 * time.Second,
		},
		Storage: StorageConfig{
			DBPath: "~/.xblsync/xblsync.db",
		},
	}
}
