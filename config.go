package shmcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// Config holds the file-configurable options.
type Config struct {
	Dir           string `json:"dir"`             //nolint:tagliatelle // snake_case for config file
	SegmentSize   int64  `json:"segment_size"`    //nolint:tagliatelle
	LockTimeoutMS int64  `json:"lock_timeout_ms"` //nolint:tagliatelle
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".shmcache.json"

// Config errors.
var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("cannot read config file")
	errConfigInvalid      = errors.New("invalid config file")
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Dir:           os.TempDir(),
		SegmentSize:   0, // 0 means DefaultSegmentSize at attach
		LockTimeoutMS: 0, // 0 means the engine default
	}
}

// getGlobalConfigPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/shmc/config.json if set, otherwise
// ~/.config/shmc/config.json. Returns empty string if the home
// directory cannot be determined.
func getGlobalConfigPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "shmc", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "shmc", "config.json")
	}

	return ""
}

// LoadConfig loads configuration with the following precedence
// (highest wins):
//  1. Defaults
//  2. Global user config
//  3. Project config at workDir/.shmcache.json (if it exists)
//  4. Explicit config file via configPath (if non-empty)
//  5. Caller overrides via cliOverrides (non-zero fields win)
func LoadConfig(workDir, configPath string, cliOverrides Config) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	var sources ConfigSources

	if globalPath := getGlobalConfigPath(); globalPath != "" {
		globalCfg, err := readConfigFile(globalPath)

		switch {
		case err == nil:
			sources.Global = globalPath
			cfg = mergeConfig(cfg, globalCfg)
		case errors.Is(err, errConfigFileNotFound):
			// No global config is fine.
		default:
			return Config{}, ConfigSources{}, err
		}
	}

	projectPath := filepath.Join(workDir, ConfigFileName)

	projectCfg, err := readConfigFile(projectPath)

	switch {
	case err == nil:
		sources.Project = projectPath
		cfg = mergeConfig(cfg, projectCfg)
	case errors.Is(err, errConfigFileNotFound):
		// No project config is fine.
	default:
		return Config{}, ConfigSources{}, err
	}

	if configPath != "" {
		explicitCfg, err := readConfigFile(configPath)
		if err != nil {
			return Config{}, ConfigSources{}, err
		}

		sources.Project = configPath
		cfg = mergeConfig(cfg, explicitCfg)
	}

	cfg = mergeConfig(cfg, cliOverrides)

	return cfg, sources, nil
}

// readConfigFile reads and parses one config file. Files are HuJSON:
// standard JSON plus comments and trailing commas.
func readConfigFile(path string) (Config, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from the caller's config search
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", errConfigFileNotFound, path)
		}

		return Config{}, fmt.Errorf("%w: %s: %w", errConfigFileRead, path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", errConfigInvalid, path, err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", errConfigInvalid, path, err)
	}

	return cfg, nil
}

// mergeConfig overlays non-zero fields of over onto base.
func mergeConfig(base, over Config) Config {
	if over.Dir != "" {
		base.Dir = over.Dir
	}

	if over.SegmentSize != 0 {
		base.SegmentSize = over.SegmentSize
	}

	if over.LockTimeoutMS != 0 {
		base.LockTimeoutMS = over.LockTimeoutMS
	}

	return base
}
