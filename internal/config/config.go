package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Destination DestinationConfig `mapstructure:"destination"`
	Store       StoreConfig       `mapstructure:"store"`
	Grant       GrantConfig       `mapstructure:"grant"`
	Copy        CopyConfig        `mapstructure:"copy"`
	Prune       PruneConfig       `mapstructure:"prune"`
	Lock        LockConfig        `mapstructure:"lock"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Server      ServerConfig      `mapstructure:"server"`
}

type DestinationConfig struct {
	SubscriptionID string `mapstructure:"subscription_id"`
	AccountName    string `mapstructure:"account_name"`
	Container      string `mapstructure:"container" validate:"required"`
}

// StoreConfig selects the document store holding copy jobs. Host is the
// bare hostname accepted on the command line; URI, when set, wins over it.
type StoreConfig struct {
	Driver  string        `mapstructure:"driver" validate:"oneof=elasticsearch mongo sqlite postgres memory"`
	Host    string        `mapstructure:"host"`
	URI     string        `mapstructure:"uri"`
	Index   string        `mapstructure:"index" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// GrantConfig controls read-URI issuance. A zero Timeout waits forever.
type GrantConfig struct {
	MaxAgeDays    int           `mapstructure:"max_age_days" validate:"gte=1"`
	ExpirySeconds int           `mapstructure:"expiry_seconds" validate:"gte=60,lte=2147483647"`
	PollInterval  time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// CopyConfig controls reconciliation. A zero Timeout leaves pending copies
// pending indefinitely.
type CopyConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type PruneConfig struct {
	OlderThanDays int `mapstructure:"older_than_days" validate:"gte=1"`
}

type LockConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type MetricsConfig struct {
	PushGateway string `mapstructure:"push_gateway" validate:"omitempty,url"`
	Job         string `mapstructure:"job" validate:"required"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

var Default = Config{
	Destination: DestinationConfig{
		Container: "snapshots",
	},
	Store: StoreConfig{
		Driver:  "elasticsearch",
		Host:    "localhost",
		Index:   "backup_copies",
		Timeout: 300 * time.Second,
	},
	Grant: GrantConfig{
		MaxAgeDays:    1,
		ExpirySeconds: 86400,
		PollInterval:  2 * time.Second,
		Timeout:       30 * time.Minute,
	},
	Copy: CopyConfig{
		Timeout: 72 * time.Hour,
	},
	Prune: PruneConfig{
		OlderThanDays: 3,
	},
	Lock: LockConfig{
		TTL: 5 * time.Minute,
	},
	Metrics: MetricsConfig{
		Job: "snapcopy",
	},
	Server: ServerConfig{
		Port: 9090,
	},
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"destination-subscription-id": "destination.subscription_id",
	"destination-account-name":    "destination.account_name",
	"store-host":                  "store.host",
	"store-driver":                "store.driver",
}

var validate = validator.New()

// Load reads the configuration from path, or from ~/.snapcopy/config.yaml
// when path is empty, then overlays SNAPCOPY_* variables and any flags set.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home dir: %w", err)
		}

		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(home, ".snapcopy"))
	}

	setDefaults(v)

	v.SetEnvPrefix("SNAPCOPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		_, notFound := errors.AsType[viper.ConfigFileNotFoundError](err)
		if path != "" || !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("destination.subscription_id", Default.Destination.SubscriptionID)
	v.SetDefault("destination.account_name", Default.Destination.AccountName)
	v.SetDefault("destination.container", Default.Destination.Container)
	v.SetDefault("store.driver", Default.Store.Driver)
	v.SetDefault("store.host", Default.Store.Host)
	v.SetDefault("store.uri", Default.Store.URI)
	v.SetDefault("store.index", Default.Store.Index)
	v.SetDefault("store.timeout", Default.Store.Timeout)
	v.SetDefault("grant.max_age_days", Default.Grant.MaxAgeDays)
	v.SetDefault("grant.expiry_seconds", Default.Grant.ExpirySeconds)
	v.SetDefault("grant.poll_interval", Default.Grant.PollInterval)
	v.SetDefault("grant.timeout", Default.Grant.Timeout)
	v.SetDefault("copy.timeout", Default.Copy.Timeout)
	v.SetDefault("prune.older_than_days", Default.Prune.OlderThanDays)
	v.SetDefault("lock.redis_addr", Default.Lock.RedisAddr)
	v.SetDefault("lock.ttl", Default.Lock.TTL)
	v.SetDefault("metrics.push_gateway", Default.Metrics.PushGateway)
	v.SetDefault("metrics.job", Default.Metrics.Job)
	v.SetDefault("server.port", Default.Server.Port)
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// RequireDestination reports a configuration error when no destination
// subscription was given. Copy and reconcile passes cannot run without one.
func (c *Config) RequireDestination() error {
	if c.Destination.SubscriptionID == "" {
		return errors.New("destination subscription id is required (--destination-subscription-id)")
	}

	return nil
}

// RequireAccount reports a configuration error when no destination storage
// account was given. Only the initiate pass needs one.
func (c *Config) RequireAccount() error {
	if err := c.RequireDestination(); err != nil {
		return err
	}

	if c.Destination.AccountName == "" {
		return errors.New("destination account name is required (--destination-account-name)")
	}

	return nil
}
