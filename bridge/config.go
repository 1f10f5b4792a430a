package bridge

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"skein/native"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type CommitCfg struct {
	Auto     bool          `koanf:"auto"`     // enable the timer-driven commit
	Interval time.Duration `koanf:"interval"` // auto-commit cadence
}

type RevokeCfg struct {
	FlushTimeout time.Duration `koanf:"flush_timeout"` // bound on commit-before-revoke
	FlushRetries int           `koanf:"flush_retries"` // commit attempts before giving the partition up
}

type Config struct {
	Driver    string   `koanf:"driver"` // sarama|confluent
	Brokers   []string `koanf:"brokers"`
	Topics    []string `koanf:"topics"`
	GroupID   string   `koanf:"group_id"`
	ClientID  string   `koanf:"client_id"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default newest)
	Version   string   `koanf:"version"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	PollInterval     time.Duration `koanf:"poll_interval"`     // native poll timeout
	DrainPolls       int           `koanf:"drain_polls"`       // best-effort polls after shutdown
	RegistryCapacity int64         `koanf:"registry_capacity"` // max unacknowledged sends
	MessageBuffer    int           `koanf:"message_buffer"`    // consumer stream buffer

	Commit CommitCfg `koanf:"commit"`
	Revoke RevokeCfg `koanf:"revoke"`

	// Properties passes driver-specific keys straight through.
	Properties map[string]string `koanf:"properties"`
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// LoadConfig merges YAML (if present) with env-vars
// (prefix `SKEIN__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("bridge schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider("SKEIN__", "__", nil), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// ---------------------------------------------------------------------------
// defaults
// ---------------------------------------------------------------------------

func applyDefaults(c *Config) {
	if c.Driver == "" {
		c.Driver = "sarama"
	}
	if c.StartFrom == "" {
		c.StartFrom = "newest"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.DrainPolls == 0 {
		c.DrainPolls = 10
	}
	if c.RegistryCapacity == 0 {
		c.RegistryCapacity = 30_000
	}
	if c.MessageBuffer == 0 {
		c.MessageBuffer = 256
	}
	if c.Commit.Interval == 0 {
		c.Commit.Interval = 5 * time.Second
	}
	if c.Revoke.FlushTimeout == 0 {
		c.Revoke.FlushTimeout = 5 * time.Second
	}
	if c.Revoke.FlushRetries == 0 {
		c.Revoke.FlushRetries = 3
	}
}

func (c Config) nativeConfig() native.Config {
	return native.Config{
		Brokers:    c.Brokers,
		Topics:     c.Topics,
		GroupID:    c.GroupID,
		ClientID:   c.ClientID,
		Version:    c.Version,
		StartFrom:  c.StartFrom,
		TLSEnabled: c.TLSEn,
		SASLUser:   c.SASLUser,
		SASLPass:   c.SASLPass,
		QueueSize:  c.MessageBuffer * 4,
		Properties: c.Properties,
	}
}
