package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/opd-ai/newswire/client"
	"github.com/opd-ai/newswire/crypto"
	"github.com/opd-ai/newswire/protocol"
)

// SourceConfig holds the configuration for one remote announcement
// source.
type SourceConfig struct {
	// Name is the user-defined label for this source.
	Name string `mapstructure:"name" yaml:"name"`

	// URL is the exchange endpoint of the remote instance.
	URL string `mapstructure:"url" yaml:"url"`

	// Version pins the protocol version spoken with this source.
	// Empty selects the newest supported version.
	Version string `mapstructure:"version" yaml:"version"`

	// FrequencyMin is the minimum spacing between contacts, in
	// minutes.
	FrequencyMin int `mapstructure:"frequency_min" yaml:"frequency_min"`

	// RecipientKey is the remote's box public key as hex; requests are
	// sealed for it when set.
	RecipientKey string `mapstructure:"recipient_key" yaml:"recipient_key"`

	// SignerKey is the remote's signing public key as hex; responses
	// are verified against it when set.
	SignerKey string `mapstructure:"signer_key" yaml:"signer_key"`

	// Extra holds source-specific extension fields sent verbatim with
	// every request.
	Extra map[string]string `mapstructure:"extra" yaml:"extra"`
}

// ProviderConfig holds the serving side of the daemon.
type ProviderConfig struct {
	// Enabled turns the exchange endpoint on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// BoxSecretKey is the hex box secret key used to unseal incoming
	// requests. Optional; plaintext envelopes are always accepted.
	BoxSecretKey string `mapstructure:"box_secret_key" yaml:"box_secret_key"`

	// SignSeed is the hex Ed25519 seed used to sign responses.
	// Optional; responses go out unsigned without it.
	SignSeed string `mapstructure:"sign_seed" yaml:"sign_seed"`
}

// ConsumerConfig holds the pulling side of the daemon.
type ConsumerConfig struct {
	// Enabled turns the background pull/push cycle on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ReportStatistics opts in to pushing read statistics back to
	// sources. Off by default.
	ReportStatistics bool `mapstructure:"report_statistics" yaml:"report_statistics"`

	// StatisticsSalt feeds the user id anonymization hash. Required
	// when ReportStatistics is on.
	StatisticsSalt string `mapstructure:"statistics_salt" yaml:"statistics_salt"`

	// BoxSecretKey is the hex box secret key sources seal their
	// responses to. Optional; without it only plaintext envelopes can
	// be decoded.
	BoxSecretKey string `mapstructure:"box_secret_key" yaml:"box_secret_key"`

	// CycleIntervalSec is how often the background loop wakes up to
	// evaluate source schedules.
	CycleIntervalSec int `mapstructure:"cycle_interval_sec" yaml:"cycle_interval_sec"`

	Sources []SourceConfig `mapstructure:"sources" yaml:"sources"`
}

// IdentityConfig holds the values sent as the instance identity with
// every outgoing request.
type IdentityConfig struct {
	InstanceHash  string `mapstructure:"instance_hash" yaml:"instance_hash"`
	InstanceHash2 string `mapstructure:"instance_hash2" yaml:"instance_hash2"`
	DBUID         string `mapstructure:"db_uid" yaml:"db_uid"`
	Env           string `mapstructure:"env" yaml:"env"`
	AppName       string `mapstructure:"app_name" yaml:"app_name"`
	AppVersion    string `mapstructure:"app_version" yaml:"app_version"`
}

// Config is the top-level daemon configuration.
type Config struct {
	// DatabasePath is the sqlite file location.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	Identity IdentityConfig `mapstructure:"identity" yaml:"identity"`
	Consumer ConsumerConfig `mapstructure:"consumer" yaml:"consumer"`
	Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`
}

func defaultConfig() *Config {
	return &Config{
		DatabasePath: "newswire.db",
		Identity: IdentityConfig{
			Env:     "production",
			AppName: "newswire",
		},
		Consumer: ConsumerConfig{
			CycleIntervalSec: 300,
		},
		Provider: ProviderConfig{
			ListenAddr: ":8080",
		},
	}
}

// Load reads the configuration from a YAML file. A missing file yields
// the defaults; a present but invalid file is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("database_path", "newswire.db")
	v.SetDefault("identity.env", "production")
	v.SetDefault("identity.app_name", "newswire")
	v.SetDefault("consumer.cycle_interval_sec", 300)
	v.SetDefault("provider.listen_addr", ":8080")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Consumer.Sources {
		if cfg.Consumer.Sources[i].FrequencyMin == 0 {
			cfg.Consumer.Sources[i].FrequencyMin = 60
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions and malformed
// values so the daemon fails at startup rather than mid-cycle.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}

	if c.Consumer.Enabled && len(c.Consumer.Sources) == 0 {
		return fmt.Errorf("consumer enabled but no sources configured")
	}
	if c.Consumer.Enabled {
		// Every protocol version requires these request fields; an
		// empty one would fail each pull mid-cycle.
		identity := []struct {
			key   string
			value string
		}{
			{"identity.instance_hash", c.Identity.InstanceHash},
			{"identity.instance_hash2", c.Identity.InstanceHash2},
			{"identity.db_uid", c.Identity.DBUID},
			{"identity.app_version", c.Identity.AppVersion},
		}
		for _, field := range identity {
			if field.value == "" {
				return fmt.Errorf("%s required when consumer is enabled", field.key)
			}
		}
	}
	if c.Consumer.ReportStatistics && c.Consumer.StatisticsSalt == "" {
		return fmt.Errorf("consumer.statistics_salt required when report_statistics is on")
	}
	if c.Consumer.CycleIntervalSec <= 0 {
		return fmt.Errorf("consumer.cycle_interval_sec must be positive")
	}
	if c.Consumer.BoxSecretKey != "" {
		if _, err := crypto.DecodeKey(c.Consumer.BoxSecretKey); err != nil {
			return fmt.Errorf("consumer.box_secret_key: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Consumer.Sources))
	for i, src := range c.Consumer.Sources {
		if src.Name == "" {
			return fmt.Errorf("source %d: name must not be empty", i)
		}
		if seen[src.Name] {
			return fmt.Errorf("source %q: duplicate name", src.Name)
		}
		seen[src.Name] = true

		if src.URL == "" {
			return fmt.Errorf("source %q: url must not be empty", src.Name)
		}
		if src.Version != "" && !protocol.Supported(protocol.Version(src.Version)) {
			return fmt.Errorf("source %q: unsupported version %q", src.Name, src.Version)
		}
		if src.FrequencyMin <= 0 {
			return fmt.Errorf("source %q: frequency_min must be positive", src.Name)
		}
		if src.RecipientKey != "" {
			if _, err := crypto.DecodeKey(src.RecipientKey); err != nil {
				return fmt.Errorf("source %q: recipient_key: %w", src.Name, err)
			}
		}
		if src.SignerKey != "" {
			if _, err := crypto.DecodeKey(src.SignerKey); err != nil {
				return fmt.Errorf("source %q: signer_key: %w", src.Name, err)
			}
		}
	}

	if c.Provider.Enabled {
		if c.Provider.ListenAddr == "" {
			return fmt.Errorf("provider.listen_addr must not be empty")
		}
		if c.Provider.BoxSecretKey != "" {
			if _, err := crypto.DecodeKey(c.Provider.BoxSecretKey); err != nil {
				return fmt.Errorf("provider.box_secret_key: %w", err)
			}
		}
		if c.Provider.SignSeed != "" {
			if _, err := crypto.DecodeKey(c.Provider.SignSeed); err != nil {
				return fmt.Errorf("provider.sign_seed: %w", err)
			}
		}
	}

	return nil
}

// ClientSources converts the configured sources into the orchestrator's
// form. Validate must have passed; key decoding errors here mean the
// config was mutated after loading.
func (c *Config) ClientSources() ([]client.Source, error) {
	sources := make([]client.Source, 0, len(c.Consumer.Sources))
	for _, src := range c.Consumer.Sources {
		out := client.Source{
			Name:      src.Name,
			URL:       src.URL,
			Version:   protocol.Version(src.Version),
			Frequency: time.Duration(src.FrequencyMin) * time.Minute,
			Extra:     src.Extra,
		}
		if src.RecipientKey != "" {
			key, err := crypto.DecodeKey(src.RecipientKey)
			if err != nil {
				return nil, fmt.Errorf("source %q: recipient_key: %w", src.Name, err)
			}
			out.RecipientKey = key
			out.HasRecipientKey = true
		}
		if src.SignerKey != "" {
			key, err := crypto.DecodeKey(src.SignerKey)
			if err != nil {
				return nil, fmt.Errorf("source %q: signer_key: %w", src.Name, err)
			}
			out.SignerKey = key
			out.HasSignerKey = true
		}
		sources = append(sources, out)
	}
	return sources, nil
}

// ConsumerKeyPair derives the box key pair used to decode sealed
// responses, or nil when no secret is configured.
func (c *Config) ConsumerKeyPair() (*crypto.KeyPair, error) {
	if c.Consumer.BoxSecretKey == "" {
		return nil, nil
	}
	secret, err := crypto.DecodeKey(c.Consumer.BoxSecretKey)
	if err != nil {
		return nil, fmt.Errorf("consumer.box_secret_key: %w", err)
	}
	return crypto.FromSecretKey(secret)
}

// ClientIdentity converts the identity block into the orchestrator's
// form, stamping the protocol revision the build speaks.
func (c *Config) ClientIdentity() client.Identity {
	return client.Identity{
		InstanceHash:     c.Identity.InstanceHash,
		InstanceHash2:    c.Identity.InstanceHash2,
		DBUID:            c.Identity.DBUID,
		Env:              c.Identity.Env,
		AppName:          c.Identity.AppName,
		AppVersion:       c.Identity.AppVersion,
		ExtensionVersion: string(protocol.Latest),
	}
}
