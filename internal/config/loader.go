// Package config loads the heascreen application configuration.
//
// Precedence, lowest to highest: built-in defaults, the config file,
// HEASCREEN_* environment variables, runtime overrides (usually CLI flags).
// The run manifest is separate; this package only configures the process
// (server, logging, metrics, registry locations).
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HEASCREEN"

// Config is the application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Runs    RunsConfig    `mapstructure:"runs"`
	Cache   CacheConfig   `mapstructure:"cache"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`

	// Profile is SIMPLE (console) or STRUCTURED (JSON).
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RunsConfig locates run directories.
type RunsConfig struct {
	// Root is scanned by "runs list".
	Root string `mapstructure:"root"`
}

// CacheConfig configures the cross-run prediction cache.
type CacheConfig struct {
	// Dir is used when a manifest enables caching without naming a dir.
	Dir string `mapstructure:"dir"`
}

// envSpec maps one environment variable onto a config key.
type envSpec struct {
	Name string
	Key  string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile makes Load read path instead of searching default locations.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load builds the configuration and stores it for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	configMu.Lock()
	defer configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, configFile); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Key, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	// Set outranks env and file in viper's precedence.
	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	if cfg.Debug.Enabled {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the configuration from the last successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in [0,65535], got %d", c.Server.Port))
	}
	switch c.Logging.Profile {
	case "SIMPLE", "STRUCTURED":
	default:
		errs = append(errs, fmt.Errorf("logging.profile must be simple or structured, got %q", c.Logging.Profile))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "simple")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "heascreen")

	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)

	v.SetDefault("runs.root", "runs")
	v.SetDefault("cache.dir", "")
}

func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: EnvPrefix + "_HOST", Key: "server.host"},
		{Name: EnvPrefix + "_PORT", Key: "server.port"},
		{Name: EnvPrefix + "_READ_TIMEOUT", Key: "server.read_timeout"},
		{Name: EnvPrefix + "_WRITE_TIMEOUT", Key: "server.write_timeout"},
		{Name: EnvPrefix + "_IDLE_TIMEOUT", Key: "server.idle_timeout"},
		{Name: EnvPrefix + "_SHUTDOWN_TIMEOUT", Key: "server.shutdown_timeout"},
		{Name: EnvPrefix + "_LOG_LEVEL", Key: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Key: "logging.profile"},
		{Name: EnvPrefix + "_METRICS_ENABLED", Key: "metrics.enabled"},
		{Name: EnvPrefix + "_DEBUG", Key: "debug.enabled"},
		{Name: EnvPrefix + "_RUNS_ROOT", Key: "runs.root"},
		{Name: EnvPrefix + "_CACHE_DIR", Key: "cache.dir"},
	}
}

// readConfigFile merges the explicit file, or the first of
// $XDG_CONFIG_HOME/heascreen/config.yaml and ~/.config/heascreen/config.yaml
// that exists. Missing default files are not an error.
func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}
	for _, dir := range userConfigDirs() {
		path := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

func userConfigDirs() []string {
	var dirs []string
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, "heascreen"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "heascreen"))
	}
	return dirs
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = v
	}
	return out
}
