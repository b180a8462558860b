package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional flashall configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults. Unset keys are nil.
type DefaultsConfig struct {
	SparseLimit              *string `toml:"sparse_limit"`
	Slot                     *string `toml:"slot"`
	SkipSecondary            *bool   `toml:"skip_secondary"`
	SkipReboot               *bool   `toml:"skip_reboot"`
	DisableSuperOptimization *bool   `toml:"disable_super_optimization"`
	DisableFastbootInfo      *bool   `toml:"disable_fastboot_info"`
	BWLimit                  *string `toml:"bwlimit"`
	Journal                  *bool   `toml:"journal"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "flashall", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads the config file at path. A missing file is a zero Config.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		return Config{}, &UnknownKeyError{Path: path, Key: keys[0].String()}
	}
	return cfg, nil
}

// UnknownKeyError reports a key the config file should not contain.
type UnknownKeyError struct {
	Path string
	Key  string
}

func (e *UnknownKeyError) Error() string {
	return e.Path + ": unknown key " + e.Key
}
