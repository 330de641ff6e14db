package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// ConfigFile is the config.toml structure. Env vars override file values,
// file values override defaults.
type ConfigFile struct {
	ListenPort       int               `toml:"listen_port"`
	UpstreamBase     string            `toml:"upstream_base"`
	AmpAPIKey        string            `toml:"amp_api_key"`
	CredentialsPath  string            `toml:"credentials_path"`
	LogFile          string            `toml:"log_file"`
	Debug            bool              `toml:"debug"`
	CodexFingerprint bool              `toml:"codex_fingerprint"`
	DisableAnthropic bool              `toml:"disable_anthropic"`
	DisableCodex     bool              `toml:"disable_codex"`
	DisableGoogle    bool              `toml:"disable_google"`
	ModelMap         map[string]string `toml:"models"`
}

// loadConfigFile loads config.toml if it exists. A missing file is fine; a
// malformed one aborts startup.
func loadConfigFile(path string) (*ConfigFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var cfg ConfigFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// getConfigString returns the config value with priority: env var > config file > default.
func getConfigString(envKey string, configValue string, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

func getConfigInt(envKey string, configValue int, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

func getConfigBool(envKey string, configValue bool, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue {
		return true
	}
	return defaultValue
}
