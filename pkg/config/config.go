// Package config loads simulator settings with viper and topology files with yaml.v3.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Settings is the top-level settings file.
type Settings struct {
	Log        LogConfig        `mapstructure:"log"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Topology   string           `mapstructure:"topology"`
}

type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"` // text | json
	File   LogFileConfig `mapstructure:"file"`
}

type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type SimulationConfig struct {
	ArpTTL       time.Duration `mapstructure:"arp_ttl"`
	CableDelay   time.Duration `mapstructure:"cable_delay"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PingCount    int           `mapstructure:"ping_count"`
	PingSize     int           `mapstructure:"ping_size"`
	// 0 keeps ARP entries forever.
	ArpCacheTTL time.Duration `mapstructure:"arp_cache_ttl"`
}

const EnvPrefix = "PSIM"

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "psim.log")
	v.SetDefault("log.file.max_size_mb", 10)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age_days", 7)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("simulation.arp_ttl", 3*time.Second)
	v.SetDefault("simulation.cable_delay", 10*time.Millisecond)
	v.SetDefault("simulation.ping_timeout", 10*time.Second)
	v.SetDefault("simulation.ping_interval", time.Second)
	v.SetDefault("simulation.ping_count", 4)
	v.SetDefault("simulation.ping_size", 56)
	v.SetDefault("simulation.arp_cache_ttl", time.Duration(0))

	v.SetDefault("topology", "")
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() *Settings {
	s, err := LoadSettings("")
	if err != nil {
		// defaults alone always decode
		panic(err)
	}
	return s
}

// LoadSettings reads path (YAML) on top of the defaults. An empty path uses
// defaults and environment only. PSIM_SIMULATION_ARP_TTL=500ms overrides
// simulation.arp_ttl.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read settings %s", path)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) Validate() error {
	sim := s.Simulation
	switch {
	case sim.ArpTTL <= 0:
		return errors.New("simulation.arp_ttl must be positive")
	case sim.CableDelay < 0:
		return errors.New("simulation.cable_delay must not be negative")
	case sim.PingTimeout <= 0:
		return errors.New("simulation.ping_timeout must be positive")
	case sim.PingCount <= 0:
		return errors.New("simulation.ping_count must be positive")
	case sim.PingSize < 0:
		return errors.New("simulation.ping_size must not be negative")
	}
	switch strings.ToLower(s.Log.Format) {
	case "text", "json":
	default:
		return errors.Errorf("unsupported log format %q", s.Log.Format)
	}
	return nil
}
