package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// EngineConfig carries every tunable of the session core. Defaults match
// production behaviour; tests construct the struct directly with short
// durations instead of going through the environment.
type EngineConfig struct {
	SessionIdleTTL  time.Duration `env:"SESSION_IDLE_TTL" envDefault:"2h"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" envDefault:"60s"`
	IdleWarnAfter   time.Duration `env:"SESSION_IDLE_WARN_AFTER" envDefault:"30m"`
	AliveWarnAfter  time.Duration `env:"SESSION_ALIVE_WARN_AFTER" envDefault:"1h"`

	MaxActionHistory   int `env:"MAX_ACTION_HISTORY" envDefault:"100"`
	MaxSnapshotHistory int `env:"MAX_SNAPSHOT_HISTORY" envDefault:"50"`
	MaxEventHistory    int `env:"MAX_EVENT_HISTORY" envDefault:"50"`

	LockHoldTimeout   time.Duration `env:"LOCK_HOLD_TIMEOUT" envDefault:"5s"`
	LockRateWindow    time.Duration `env:"LOCK_RATE_WINDOW" envDefault:"60s"`
	LockRateThreshold int           `env:"LOCK_RATE_THRESHOLD" envDefault:"60"`

	PresenceInterval time.Duration `env:"PRESENCE_INTERVAL" envDefault:"10s"`
	PresenceGrace    time.Duration `env:"PRESENCE_GRACE" envDefault:"20s"`

	ReconnectBaseDelay  time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMultiplier float64       `env:"RECONNECT_MULTIPLIER" envDefault:"2"`
	ReconnectMaxDelay   time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectMaxTries   int           `env:"RECONNECT_MAX_TRIES" envDefault:"8"`
	ReconnectWindow     time.Duration `env:"RECONNECT_WINDOW" envDefault:"4m"`
	HeartbeatInterval   time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatMissLimit  int           `env:"HEARTBEAT_MISS_LIMIT" envDefault:"3"`

	BatchWindow time.Duration `env:"BATCH_WINDOW" envDefault:"50ms"`
	BatchMax    int           `env:"BATCH_MAX" envDefault:"20"`

	AutoplayTimeout time.Duration `env:"AUTOPLAY_TIMEOUT" envDefault:"30s"`
}

func LoadEngine() (EngineConfig, error) {
	var cfg EngineConfig
	err := env.Parse(&cfg)
	return cfg, err
}
