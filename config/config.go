package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the client's runtime configuration. The contract addresses
// themselves live in the deployment descriptor written by the deploy
// tooling, not here.
type Config struct {
	RPCEndpoint    string `toml:"RPCEndpoint"`
	DescriptorPath string `toml:"DescriptorPath"`
	KeystorePath   string `toml:"KeystorePath"`
	PassphraseEnv  string `toml:"PassphraseEnv"`
	DataDir        string `toml:"DataDir"`
	ListenAddress  string `toml:"ListenAddress"`
	// DurationUnit states how the connected contracts interpret loan
	// durations: "seconds" for test deployments, "days" for production.
	DurationUnit string `toml:"DurationUnit"`
	// PollIntervalSeconds bounds how often the reconciler refreshes.
	PollIntervalSeconds uint64 `toml:"PollIntervalSeconds"`
	// EventWindowBlocks bounds historical event queries to the most
	// recent N blocks.
	EventWindowBlocks uint64 `toml:"EventWindowBlocks"`
	LogFile           string `toml:"LogFile"`
	Environment       string `toml:"Environment"`
}

// Load reads the configuration from path, writing a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg, path)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config, path string) {
	dir := filepath.Dir(path)
	if strings.TrimSpace(cfg.RPCEndpoint) == "" {
		cfg.RPCEndpoint = "http://127.0.0.1:8545"
	}
	if strings.TrimSpace(cfg.DescriptorPath) == "" {
		cfg.DescriptorPath = filepath.Join(dir, "addresses.json")
	}
	if strings.TrimSpace(cfg.KeystorePath) == "" {
		cfg.KeystorePath = filepath.Join(dir, "account.keystore")
	}
	if strings.TrimSpace(cfg.PassphraseEnv) == "" {
		cfg.PassphraseEnv = "LENDCTL_PASSPHRASE"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(dir, "lendctl-data")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = "127.0.0.1:8790"
	}
	if strings.TrimSpace(cfg.DurationUnit) == "" {
		cfg.DurationUnit = "seconds"
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 30
	}
	if cfg.EventWindowBlocks == 0 {
		cfg.EventWindowBlocks = 1000
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg, path)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Validate rejects configurations the client cannot run with.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.RPCEndpoint) == "" {
		return fmt.Errorf("config: RPCEndpoint required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.DurationUnit)) {
	case "seconds", "days":
	default:
		return fmt.Errorf("config: DurationUnit must be seconds or days, got %q", cfg.DurationUnit)
	}
	if cfg.PollIntervalSeconds == 0 {
		return fmt.Errorf("config: PollIntervalSeconds must be positive")
	}
	if cfg.EventWindowBlocks == 0 {
		return fmt.Errorf("config: EventWindowBlocks must be positive")
	}
	return nil
}
