package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"relic-rush/server/internal/aoi"
	"relic-rush/server/internal/session"
	"relic-rush/server/internal/sim"
)

// RoomConfig tunes one room's simulation, visibility, and session handling.
type RoomConfig struct {
	MaxPlayers  int     `yaml:"max_players" json:"maxPlayers"`
	Pickups     int     `yaml:"pickups" json:"pickups"`
	Obstacles   int     `yaml:"obstacles" json:"obstacles"`
	Enemies     int     `yaml:"enemies" json:"enemies"`
	AOICellSize float64 `yaml:"aoi_cell_size" json:"aoiCellSize"`

	World      sim.WorldConfig       `yaml:"world" json:"world"`
	Loop       sim.LoopConfig        `yaml:"loop" json:"loop"`
	Validation sim.ValidationPolicy  `yaml:"validation" json:"validation"`
	Session    session.ManagerConfig `yaml:"session" json:"session"`
}

// Config is the full server configuration, loadable from YAML with zero
// values falling back to defaults.
type Config struct {
	Addr     string `yaml:"addr" json:"addr"`
	QUICAddr string `yaml:"quic_addr" json:"quicAddr"`
	// CertFile and KeyFile enable the QUIC listener; with either empty the
	// server runs websocket-only.
	CertFile string `yaml:"cert_file" json:"certFile"`
	KeyFile  string `yaml:"key_file" json:"keyFile"`

	// MaxMalformedFrames closes a connection after this many undecodable
	// frames. Isolated garbage is tolerated; a stream of it is not.
	MaxMalformedFrames int `yaml:"max_malformed_frames" json:"maxMalformedFrames"`

	Room RoomConfig `yaml:"room" json:"room"`
}

// DefaultConfig returns the configuration used when no file is provided.
func DefaultConfig() Config {
	return Config{
		Addr:               DefaultAddr,
		QUICAddr:           DefaultQUICAddr,
		MaxMalformedFrames: DefaultMaxMalformedFrames,
		Room: RoomConfig{
			MaxPlayers:  DefaultMaxPlayers,
			Pickups:     DefaultPickupCount,
			Obstacles:   DefaultObstacleCount,
			Enemies:     DefaultEnemyCount,
			AOICellSize: aoi.DefaultCellSize,
			World:       sim.DefaultWorldConfig(),
			Loop:        sim.DefaultLoopConfig(),
			Validation:  sim.DefaultValidationPolicy(),
		},
	}
}

// LoadConfig reads a YAML config file, filling omitted fields from defaults.
// An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg.normalized(), nil
}

func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if c.Addr == "" {
		c.Addr = defaults.Addr
	}
	if c.QUICAddr == "" {
		c.QUICAddr = defaults.QUICAddr
	}
	if c.MaxMalformedFrames <= 0 {
		c.MaxMalformedFrames = defaults.MaxMalformedFrames
	}
	c.Room = c.Room.normalized()
	return c
}

func (c RoomConfig) normalized() RoomConfig {
	defaults := DefaultConfig().Room
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = defaults.MaxPlayers
	}
	if c.Pickups < 0 {
		c.Pickups = defaults.Pickups
	}
	if c.Obstacles < 0 {
		c.Obstacles = defaults.Obstacles
	}
	if c.Enemies < 0 {
		c.Enemies = defaults.Enemies
	}
	if c.AOICellSize <= 0 {
		c.AOICellSize = defaults.AOICellSize
	}
	if c.Loop.TickRate <= 0 {
		c.Loop.TickRate = defaults.Loop.TickRate
	}
	if c.Loop.CatchupMaxTicks <= 0 {
		c.Loop.CatchupMaxTicks = defaults.Loop.CatchupMaxTicks
	}
	if c.Loop.CommandCapacity <= 0 {
		c.Loop.CommandCapacity = defaults.Loop.CommandCapacity
	}
	if c.Loop.PerActorLimit <= 0 {
		c.Loop.PerActorLimit = defaults.Loop.PerActorLimit
	}
	if c.Validation.MaxMagnitude <= 0 {
		c.Validation = defaults.Validation
	}
	return c
}
