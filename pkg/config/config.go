package config

import (
	"encoding/json"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// Config holds user defaults. Command line options extend the lists and
// override the single values.
type Config struct {
	path string

	// Bintools is a directory containing nix-support/dynamic-linker and
	// nix-support/orig-libc.
	Bintools string `json:"bintools"`

	// Patchelf is the patch tool to run, looked up on PATH when empty.
	Patchelf string `json:"patchelf"`

	Libraries     []string `json:"libs"`
	IgnoreMissing []string `json:"ignore-missing"`
	ExtraArgs     []string `json:"extra-args"`
}

const (
	DefaultConfigPath = "~/.config/autopatchelf/config.json"

	// DefaultBintools is substituted at packaging time.
	DefaultBintools = "@defaultBintools@"
)

// LoadConfig reads the config file named by AUTOPATCHELF_CONFIG, or the
// default location. A missing default file yields an empty config, while
// a missing explicitly named file is an error.
func LoadConfig() (*Config, error) {
	if loc := os.Getenv("AUTOPATCHELF_CONFIG"); loc != "" {
		cfg, err := loadFile(loc)
		if err != nil {
			return nil, err
		}

		return updateFromEnv(cfg), nil
	}

	path, err := homedir.Expand(DefaultConfigPath)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); err == nil {
		cfg, err := loadFile(path)
		if err != nil {
			return nil, err
		}

		return updateFromEnv(cfg), nil
	}

	return updateFromEnv(&Config{path: path}), nil
}

func loadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config")
	}

	defer f.Close()

	var cfg Config

	err = json.NewDecoder(f).Decode(&cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding config %s", path)
	}

	cfg.path = path

	for i, lib := range cfg.Libraries {
		dir, err := homedir.Expand(lib)
		if err != nil {
			return nil, err
		}

		cfg.Libraries[i] = dir
	}

	return &cfg, nil
}

func updateFromEnv(cfg *Config) *Config {
	if dir := os.Getenv("NIX_BINTOOLS"); dir != "" {
		cfg.Bintools = dir
	}

	if cfg.Bintools == "" {
		cfg.Bintools = DefaultBintools
	}

	return cfg
}

// Path returns the file the config was read from, or would be.
func (c *Config) Path() string {
	return c.path
}
