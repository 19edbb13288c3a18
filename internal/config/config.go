// Package config loads the daemon configuration from the user config
// directory, with HOSTVISOR_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	appName           = "hostvisor"
	envPrefix         = "HOSTVISOR"
	defaultConfigName = "config"
	defaultConfigFile = "config.json"
)

type Config struct {
	ServersPath    string           `mapstructure:"servers_path"`
	BackupsPath    string           `mapstructure:"backups_path"`
	TemplatesPath  string           `mapstructure:"templates_path"`
	DatabasePath   string           `mapstructure:"database_path"`
	ListenAddr     string           `mapstructure:"listen_addr"`
	LogLevel       string           `mapstructure:"log_level"`
	LogFormat      string           `mapstructure:"log_format"`
	ConsoleHistory int              `mapstructure:"console_history"`
	PortRangeStart int              `mapstructure:"port_range_start"`
	PortRangeEnd   int              `mapstructure:"port_range_end"`
	Supervisor     SupervisorConfig `mapstructure:"supervisor"`
	Metrics        MetricsConfig    `mapstructure:"metrics"`

	// File is the config file that was read.
	File string `mapstructure:"-"`
}

// SupervisorConfig controls graceful stops and crash restarts.
type SupervisorConfig struct {
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	StartupDelay      time.Duration `mapstructure:"startup_delay"`
	RestartDelay      time.Duration `mapstructure:"restart_delay"`
	MaxRestarts       int           `mapstructure:"max_restarts"`
	RestartBackoff    float64       `mapstructure:"restart_backoff"`
	MaxRestartDelay   time.Duration `mapstructure:"max_restart_delay"`
	RestartResetAfter time.Duration `mapstructure:"restart_reset_after"`
}

type MetricsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Dir returns the directory holding the config file, database and default
// data directories. HOSTVISOR_CONFIG_DIR overrides it.
func Dir() (string, error) {
	if dir := os.Getenv(envPrefix + "_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config directory: %w", err)
	}
	return filepath.Join(base, appName), nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("servers_path", filepath.Join(configDir, "servers"))
	v.SetDefault("backups_path", filepath.Join(configDir, "backups"))
	v.SetDefault("templates_path", filepath.Join(configDir, "templates"))
	v.SetDefault("database_path", filepath.Join(configDir, "hostvisor.db"))
	v.SetDefault("listen_addr", "127.0.0.1:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("console_history", 500)
	v.SetDefault("port_range_start", 25565)
	v.SetDefault("port_range_end", 25665)

	v.SetDefault("supervisor.grace_period", "10s")
	v.SetDefault("supervisor.startup_delay", "1s")
	v.SetDefault("supervisor.restart_delay", "5s")
	v.SetDefault("supervisor.max_restarts", 0)
	v.SetDefault("supervisor.restart_backoff", 1.0)
	v.SetDefault("supervisor.max_restart_delay", "5m")
	v.SetDefault("supervisor.restart_reset_after", "10m")

	v.SetDefault("metrics.interval", "5s")
}

// Load reads config.{json,yaml,toml} from configDir. When no config file
// exists a config.json with the defaults is written first.
func Load(configDir string) (*Config, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, configDir)
	v.SetConfigName(defaultConfigName)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		if err := writeDefault(configDir); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if cfg.File == "" {
		cfg.File = filepath.Join(configDir, defaultConfigFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func writeDefault(configDir string) error {
	d := viper.New()
	setDefaults(d, configDir)
	if err := d.WriteConfigAs(filepath.Join(configDir, defaultConfigFile)); err != nil {
		return fmt.Errorf("error writing default config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	for name, p := range map[string]string{
		"servers_path":  c.ServersPath,
		"backups_path":  c.BackupsPath,
		"database_path": c.DatabasePath,
	} {
		if p == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr %q: %w", c.ListenAddr, err))
	}
	if c.ConsoleHistory <= 0 {
		errs = append(errs, fmt.Errorf("console_history must be positive"))
	}
	if c.PortRangeStart <= 0 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd))
	}
	s := c.Supervisor
	if s.GracePeriod <= 0 || s.StartupDelay < 0 || s.RestartDelay < 0 {
		errs = append(errs, fmt.Errorf("supervisor durations must not be negative and grace_period must be set"))
	}
	if s.MaxRestartDelay < 0 || s.RestartResetAfter < 0 {
		errs = append(errs, fmt.Errorf("supervisor.max_restart_delay and restart_reset_after must not be negative"))
	}
	if s.RestartBackoff < 1 {
		errs = append(errs, fmt.Errorf("supervisor.restart_backoff must be at least 1, got %v", s.RestartBackoff))
	}
	if s.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("supervisor.max_restarts must not be negative"))
	}
	if c.Metrics.Interval <= 0 {
		errs = append(errs, fmt.Errorf("metrics.interval must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// BaseURL returns the HTTP address clients use to reach the daemon. A
// wildcard listen host is reached through loopback.
func (c *Config) BaseURL() string {
	host, port, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return "http://" + c.ListenAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
