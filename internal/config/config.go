package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the flapctl configuration, shared by the target and remote roles.
type Config struct {
	Target Target `mapstructure:"target"`
	Remote Remote `mapstructure:"remote"`
}

// Target configures the device-side control endpoint.
type Target struct {
	Listen          string        `mapstructure:"listen"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	WatchdogTimeout time.Duration `mapstructure:"watchdog_timeout"`

	// AllowClaims restricts which peers may claim control: "all", "none",
	// a preset ("localhost", "lan"), a CIDR, or a literal address.
	AllowClaims []string `mapstructure:"allow_claims"`

	// FallbackStop/FallbackStart are the commands that pause and resume the
	// local decision logic around a remote session.
	FallbackStop  []string `mapstructure:"fallback_stop"`
	FallbackStart []string `mapstructure:"fallback_start"`

	// Artifacts maps artifact names to the local files served during the
	// initial sync.
	Artifacts map[string]string `mapstructure:"artifacts"`
}

// Remote configures the controller side.
type Remote struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Endpoint          string        `mapstructure:"endpoint"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	Backoff           Backoff       `mapstructure:"backoff"`
	Sync              Sync          `mapstructure:"sync"`
}

// Backoff shapes the reconnect delay curve.
type Backoff struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
	Jitter  float64       `mapstructure:"jitter"`
}

// Sync selects which artifacts the initial sync transfers and where they
// land locally.
type Sync struct {
	Dir      string `mapstructure:"dir"`
	Database bool   `mapstructure:"database"`
	Config   bool   `mapstructure:"config"`
	Pictures bool   `mapstructure:"pictures"`
	Model    bool   `mapstructure:"model"`
}

// Include returns the manifest flags keyed by artifact name.
func (s Sync) Include() map[string]bool {
	return map[string]bool{
		"database": s.Database,
		"config":   s.Config,
		"pictures": s.Pictures,
		"model":    s.Model,
	}
}

// Load reads the given config file, or ~/.flapctl/config.yaml when path is
// empty. Defaults apply when no file exists.
func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		configDir, err := Dir()
		if err != nil {
			return nil, err
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir)
	}

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No config file, defaults apply.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Remote.Endpoint == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Remote.Endpoint = host
		} else {
			cfg.Remote.Endpoint = "flapctl-remote"
		}
	}
	dir, err := homedir.Expand(cfg.Remote.Sync.Dir)
	if err != nil {
		return nil, err
	}
	cfg.Remote.Sync.Dir = dir
	for name, path := range cfg.Target.Artifacts {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, err
		}
		cfg.Target.Artifacts[name] = expanded
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("target.listen", ":5580")
	viper.SetDefault("target.settle_delay", "1s")
	viper.SetDefault("target.watchdog_timeout", "10s")
	viper.SetDefault("target.allow_claims", []string{"lan", "localhost"})
	viper.SetDefault("target.fallback_stop", []string{})
	viper.SetDefault("target.fallback_start", []string{})
	viper.SetDefault("target.artifacts", map[string]string{})

	viper.SetDefault("remote.host", "")
	viper.SetDefault("remote.port", 5580)
	viper.SetDefault("remote.heartbeat_interval", "2s")
	viper.SetDefault("remote.ack_timeout", "8s")
	viper.SetDefault("remote.dial_timeout", "5s")
	viper.SetDefault("remote.backoff.initial", "250ms")
	viper.SetDefault("remote.backoff.max", "30s")
	viper.SetDefault("remote.backoff.jitter", 0.2)
	viper.SetDefault("remote.sync.dir", "~/.flapctl/artifacts")
	viper.SetDefault("remote.sync.database", true)
	viper.SetDefault("remote.sync.config", true)
	viper.SetDefault("remote.sync.pictures", false)
	viper.SetDefault("remote.sync.model", true)
}

// Dir returns the flapctl configuration directory path.
func Dir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".flapctl"), nil
}

// EnsureDir creates the config directory if it doesn't exist.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}
