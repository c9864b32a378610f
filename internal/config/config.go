// Package config loads lobbyd and lobbyctl settings from config/config.<env>.yaml,
// environment defaults and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/relaylobby/internal/domain"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	// relay hub
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendQueue  int           `mapstructure:"send_queue"`

	// session creation rate limit, per owner
	CreateLimit    int           `mapstructure:"create_limit"`
	CreateInterval time.Duration `mapstructure:"create_interval"`

	// lobbyctl
	RelayURL        string        `mapstructure:"relay_url"`
	DirectoryURL    string        `mapstructure:"directory_url"`
	Identity        uint64        `mapstructure:"identity"`
	FilterTag       string        `mapstructure:"filter_tag"`
	MaxPlayers      int           `mapstructure:"max_players"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	SessionName     string        `mapstructure:"session_name"`
	SessionPassword string        `mapstructure:"session_password"`
	Public          bool          `mapstructure:"public"`
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). A missing file is not
// an error. Flags, when given, override both the file and the defaults.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := bindFlags(v, flags); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		log.Debug().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "30s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_queue", 256)
	v.SetDefault("create_limit", 5)
	v.SetDefault("create_interval", "1m")
	v.SetDefault("relay_url", "ws://127.0.0.1:8080/ws/relay")
	v.SetDefault("directory_url", "http://127.0.0.1:8080/api")
	v.SetDefault("identity", 0)
	v.SetDefault("filter_tag", domain.DefaultFilterTag)
	v.SetDefault("max_players", 4)
	v.SetDefault("tick_interval", "16ms")
	v.SetDefault("session_name", "")
	v.SetDefault("session_password", "")
	v.SetDefault("public", true)
}

// bindFlags maps --log-level style flags onto log_level style keys.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		if bindErr := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); bindErr != nil {
			err = fmt.Errorf("bind flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be positive"))
	}
	if c.MaxPlayers < 1 {
		errs = append(errs, fmt.Errorf("max_players %d, need at least 1", c.MaxPlayers))
	}
	if c.CreateLimit < 1 || c.CreateInterval <= 0 {
		errs = append(errs, errors.New("create_limit and create_interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
