// Package config loads the settings of the issuance CLI from flags, an
// optional YAML file and ONCHAIN_ISSUER_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	defaultConfigFile = "onchain-issuer.yaml"
	configFileFlag    = "configfile"

	defaultPrefix    = "ONCHAIN_ISSUER_"
	defaultDelimiter = "."
)

const (
	WalletModeRPC = "rpc"
	WalletModeKey = "key"

	OfferModeOnchain   = "onchain"
	OfferModeDelegated = "delegated"
)

type Config struct {
	Issuer IssuerConfig `koanf:"issuer"`
	RPC    RPCConfig    `koanf:"rpc"`
	Wallet WalletConfig `koanf:"wallet"`
	Offer  OfferConfig  `koanf:"offer"`
	Poll   PollConfig   `koanf:"poll"`
	HTTP   HTTPConfig   `koanf:"http"`
	Log    LogConfig    `koanf:"log"`
}

type IssuerConfig struct {
	// URL is the base URL of the issuer service.
	URL string `koanf:"url"`
}

type RPCConfig struct {
	URL string `koanf:"url"`
}

type WalletConfig struct {
	// Mode is rpc when the node at rpc.url holds the keys, key when
	// transactions are signed locally with Key.
	Mode string `koanf:"mode"`
	Key  string `koanf:"key"`
}

type OfferConfig struct {
	Mode     string `koanf:"mode"`
	MethodID string `koanf:"methodid"`
	ChainID  int    `koanf:"chainid"`
	Network  string `koanf:"network"`
}

type PollConfig struct {
	Interval    time.Duration `koanf:"interval"`
	MaxAttempts uint          `koanf:"maxattempts"`
}

type HTTPConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// FlagSet returns the flags of every setting with its default value.
func FlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("config", pflag.ContinueOnError)
	flagSet.String(configFileFlag, defaultConfigFile, "Config file, ignored when it does not exist")
	flagSet.String("issuer.url", "http://localhost:8080", "Base URL of the issuer service")
	flagSet.String("rpc.url", "http://localhost:8545", "Ethereum JSON-RPC endpoint")
	flagSet.String("wallet.mode", WalletModeRPC, fmt.Sprintf("Wallet mode (%s, %s)", WalletModeRPC, WalletModeKey))
	flagSet.String("wallet.key", "", "Hex encoded private key, required in key wallet mode")
	flagSet.String("offer.mode", OfferModeOnchain, fmt.Sprintf("Offer mode (%s, %s)", OfferModeOnchain, OfferModeDelegated))
	flagSet.String("offer.methodid", "0x37c1d9ff", "Contract method the wallet app calls to fetch the credential")
	flagSet.Int("offer.chainid", 80002, "Chain id announced in onchain offers")
	flagSet.String("offer.network", "polygon-amoy", "Network announced in onchain offers")
	flagSet.Duration("poll.interval", 2*time.Second, "Interval between authentication status checks")
	flagSet.Uint("poll.maxattempts", 150, "Status checks before an authentication session expires")
	flagSet.Duration("http.timeout", 30*time.Second, "Timeout of issuer service requests")
	flagSet.String("log.level", "info", "Log level (trace, debug, info, warn, error)")
	flagSet.String("log.format", "text", "Log format (text, json)")
	return flagSet
}

// Load reads the configuration. Later sources win: flag defaults, config
// file, environment, explicitly set flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(defaultDelimiter)

	if err := k.Load(posflag.Provider(flags, defaultDelimiter, k), nil); err != nil {
		return nil, err
	}
	if err := loadFromFile(k, resolveConfigFilePath(flags)); err != nil {
		return nil, err
	}
	if err := loadFromEnv(k); err != nil {
		return nil, err
	}
	// posflag only overrides keys of flags that were changed
	if err := k.Load(posflag.Provider(flags, defaultDelimiter, k), nil); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// resolveConfigFilePath looks up the config file in the environment and
// the flags before anything else is loaded.
func resolveConfigFilePath(flags *pflag.FlagSet) string {
	k := koanf.New(defaultDelimiter)
	// can't return error
	_ = loadFromEnv(k)
	_ = k.Load(posflag.Provider(flags, defaultDelimiter, k), nil)
	return k.String(configFileFlag)
}

func loadFromFile(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("unable to load config file %s: %w", path, err)
		}
	}
	return nil
}

func loadFromEnv(k *koanf.Koanf) error {
	e := env.Provider(defaultPrefix, defaultDelimiter, func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, defaultPrefix)), "_", defaultDelimiter, -1)
	})
	return k.Load(e, nil)
}

// Validate checks the settings that have a fixed set of values.
func (c Config) Validate() error {
	switch c.Wallet.Mode {
	case WalletModeRPC:
	case WalletModeKey:
		if c.Wallet.Key == "" {
			return errors.New("wallet.key is required in key wallet mode")
		}
	default:
		return fmt.Errorf("invalid wallet.mode %q", c.Wallet.Mode)
	}
	switch c.Offer.Mode {
	case OfferModeOnchain, OfferModeDelegated:
	default:
		return fmt.Errorf("invalid offer.mode %q", c.Offer.Mode)
	}
	if c.Issuer.URL == "" {
		return errors.New("issuer.url is required")
	}
	if c.RPC.URL == "" {
		return errors.New("rpc.url is required")
	}
	if c.Poll.Interval <= 0 {
		return errors.New("poll.interval must be positive")
	}
	if c.Poll.MaxAttempts == 0 {
		return errors.New("poll.maxattempts must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}
	return nil
}

// Redacted returns a copy that is safe to print.
func (c Config) Redacted() Config {
	if c.Wallet.Key != "" {
		c.Wallet.Key = "<redacted>"
	}
	return c
}
