// Package config loads depthd settings from defaults, an optional yaml file
// and DEPTHD_* environment variables.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/plugin"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/synchronizer"
)

// EnvPrefix prefixes every environment override, e.g. DEPTHD_SYNC_HALF_WINDOW
const EnvPrefix = "DEPTHD"

var ErrInvalid = errors.New("config: invalid value")

type SHMConfig struct {
	Color string `mapstructure:"color"`
	Depth string `mapstructure:"depth"`
}

type SyncConfig struct {
	HalfWindow         time.Duration `mapstructure:"half_window"`
	DepthDelayOffColor time.Duration `mapstructure:"depth_delay_off_color"`
	MaxPending         int           `mapstructure:"max_pending"`
	PendingTimeout     time.Duration `mapstructure:"pending_timeout"`
	DisableSkewFix     bool          `mapstructure:"disable_skew_correction"`
}

type PluginConfig struct {
	// Empty disables the compute engine.
	Name        string   `mapstructure:"name"`
	Major       uint32   `mapstructure:"major"`
	Minor       uint32   `mapstructure:"minor"`
	SearchPath  []string `mapstructure:"search_path"`
	Calibration string   `mapstructure:"calibration"`
	Mode        uint32   `mapstructure:"mode"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Color bool   `mapstructure:"color"`
}

// Config is the full daemon configuration
type Config struct {
	Streams     []string      `mapstructure:"streams"`
	QueueDepth  int           `mapstructure:"queue_depth"`
	PopTimeout  time.Duration `mapstructure:"pop_timeout"`
	HTTPAddr    string        `mapstructure:"http_addr"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	RecordPath  string        `mapstructure:"record_path"`

	SHM    SHMConfig    `mapstructure:"shm"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Plugin PluginConfig `mapstructure:"plugin"`
	Log    LogConfig    `mapstructure:"log"`
}

// SetDefaults installs every default on v
func SetDefaults(v *viper.Viper) {
	d := synchronizer.DefaultConfig()

	v.SetDefault("streams", []string{"color", "depth"})
	v.SetDefault("queue_depth", 2)
	v.SetDefault("pop_timeout", time.Second)
	v.SetDefault("http_addr", ":8082")
	v.SetDefault("metrics_addr", ":9091")
	v.SetDefault("record_path", "./recordings")

	v.SetDefault("shm.color", "/depth_sensor_color")
	v.SetDefault("shm.depth", "/depth_sensor_depth")

	v.SetDefault("sync.half_window", d.HalfWindow)
	v.SetDefault("sync.depth_delay_off_color", d.DepthDelayOffColor)
	v.SetDefault("sync.max_pending", d.MaxPending)
	v.SetDefault("sync.pending_timeout", d.PendingTimeout)
	v.SetDefault("sync.disable_skew_correction", false)

	v.SetDefault("plugin.name", "")
	v.SetDefault("plugin.major", plugin.ExpectedVersion.Major)
	v.SetDefault("plugin.minor", plugin.ExpectedVersion.Minor)
	v.SetDefault("plugin.search_path", []string{})
	v.SetDefault("plugin.calibration", "")
	v.SetDefault("plugin.mode", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", true)
}

// New returns a viper instance with defaults and environment binding
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (when non-empty) into v and decodes the result. A missing
// default config.yaml in the working directory or /etc/depthd is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(os.ExpandEnv("$HOME/.depthd"))
		v.AddConfigPath("/etc/depthd")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "config: read")
		}
	} else {
		logger.Info("Config", "Using config file %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the daemon cannot run with
func (c *Config) Validate() error {
	if c.QueueDepth <= 0 {
		return errors.Wrapf(ErrInvalid, "queue_depth %d", c.QueueDepth)
	}
	if c.Sync.HalfWindow < 0 || c.Sync.PendingTimeout < 0 {
		return errors.Wrap(ErrInvalid, "sync durations must not be negative")
	}
	if c.Sync.MaxPending < 0 {
		return errors.Wrapf(ErrInvalid, "sync.max_pending %d", c.Sync.MaxPending)
	}
	if len(c.Streams) == 0 {
		return errors.Wrap(ErrInvalid, "no streams enabled")
	}
	for _, s := range c.Streams {
		switch strings.ToLower(s) {
		case "color", "depth":
		default:
			return errors.Wrapf(ErrInvalid, "unknown stream %q", s)
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	return nil
}

// SyncConfig converts the sync section for the synchronizer
func (c *Config) SyncConfig() synchronizer.Config {
	return synchronizer.Config{
		HalfWindow:                   c.Sync.HalfWindow,
		DepthDelayOffColor:           c.Sync.DepthDelayOffColor,
		MaxPending:                   c.Sync.MaxPending,
		PendingTimeout:               c.Sync.PendingTimeout,
		DisableStartupSkewCorrection: c.Sync.DisableSkewFix,
	}
}

// HasStream reports whether name is in the enabled stream list
func (c *Config) HasStream(name string) bool {
	for _, s := range c.Streams {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// PluginVersion is the plugin version the daemon accepts
func (c *Config) PluginVersion() plugin.Version {
	return plugin.Version{Major: c.Plugin.Major, Minor: c.Plugin.Minor}
}
