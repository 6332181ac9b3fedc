package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// GlobalConfigDirectoryName is the directory under the user's home holding the global configuration.
	GlobalConfigDirectoryName = ".toolstream"
	// GlobalConfigFileName is the configuration file name inside GlobalConfigDirectoryName.
	GlobalConfigFileName = "config.yaml"
	// LocalConfigFileName is the configuration file discovered in the working directory.
	LocalConfigFileName = ".toolstream.yaml"

	// StoreDriverMemory keeps replies in process memory.
	StoreDriverMemory = "memory"
	// StoreDriverSQLite persists replies into a SQLite database file.
	StoreDriverSQLite = "sqlite"
)

// LoadOptions controls how application configuration is discovered.
type LoadOptions struct {
	WorkingDirectory string
	ExplicitFilePath string
}

// ApplicationConfiguration holds every configurable section.
type ApplicationConfiguration struct {
	Parser        ParserConfiguration        `mapstructure:"parser"`
	Valve         ValveConfiguration         `mapstructure:"valve"`
	Appender      AppenderConfiguration      `mapstructure:"appender"`
	Authorization AuthorizationConfiguration `mapstructure:"authorization"`
	Tokens        TokenConfiguration         `mapstructure:"tokens"`
	Store         StoreConfiguration         `mapstructure:"store"`
	Server        ServerConfiguration        `mapstructure:"server"`
}

// ParserConfiguration tunes the streaming tokenizer.
type ParserConfiguration struct {
	SafeTail *int `mapstructure:"safe_tail"`
}

// ValveConfiguration tunes the suppression valve.
type ValveConfiguration struct {
	GuardWindow *int `mapstructure:"guard_window"`
	MaxHeld     *int `mapstructure:"max_held"`
}

// AppenderConfiguration controls how often the streamed content is persisted.
type AppenderConfiguration struct {
	PersistEvery *int `mapstructure:"persist_every"`
}

// AuthorizationConfiguration decides which servers are trusted to run without a prompt.
type AuthorizationConfiguration struct {
	DefaultAutoAuthorize *bool                                  `mapstructure:"default_auto_authorize"`
	Servers              map[string]ServerAuthorizationSettings `mapstructure:"servers"`
}

// ServerAuthorizationSettings holds the per-server override.
type ServerAuthorizationSettings struct {
	AutoAuthorize *bool `mapstructure:"auto_authorize"`
}

// TokenConfiguration controls token counting defaults.
type TokenConfiguration struct {
	Enabled *bool  `mapstructure:"enabled"`
	Model   string `mapstructure:"model"`
}

// StoreConfiguration selects where replies and card events are kept.
type StoreConfiguration struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// ServerConfiguration holds defaults for the serve command.
type ServerConfiguration struct {
	Address string `mapstructure:"address"`
}

// LoadApplicationConfiguration loads configuration from global and local files.
func LoadApplicationConfiguration(options LoadOptions) (ApplicationConfiguration, error) {
	workingDirectory := options.WorkingDirectory
	if workingDirectory == "" {
		currentDirectory, err := os.Getwd()
		if err != nil {
			return ApplicationConfiguration{}, fmt.Errorf("determine working directory: %w", err)
		}
		workingDirectory = currentDirectory
	}

	var merged ApplicationConfiguration

	if homeDirectory, err := os.UserHomeDir(); err == nil && homeDirectory != "" {
		globalPath := filepath.Join(homeDirectory, GlobalConfigDirectoryName, GlobalConfigFileName)
		globalConfig, loadErr := loadConfigurationFromPath(globalPath)
		if loadErr != nil {
			return ApplicationConfiguration{}, loadErr
		}
		merged = merged.Merge(globalConfig)
	}

	localPath, resolveErr := resolveLocalConfigPath(workingDirectory, options.ExplicitFilePath)
	if resolveErr != nil {
		return ApplicationConfiguration{}, resolveErr
	}
	if localPath != "" {
		localConfig, loadErr := loadConfigurationFromPath(localPath)
		if loadErr != nil {
			return ApplicationConfiguration{}, loadErr
		}
		merged = merged.Merge(localConfig)
	}

	if err := merged.Validate(); err != nil {
		return ApplicationConfiguration{}, err
	}
	return merged, nil
}

// Validate rejects values no component can run with.
func (config ApplicationConfiguration) Validate() error {
	positive := map[string]*int{
		"parser.safe_tail":       config.Parser.SafeTail,
		"valve.guard_window":     config.Valve.GuardWindow,
		"valve.max_held":         config.Valve.MaxHeld,
		"appender.persist_every": config.Appender.PersistEvery,
	}
	for key, value := range positive {
		if value != nil && *value <= 0 {
			return fmt.Errorf("configuration %s must be positive, got %d", key, *value)
		}
	}
	switch strings.ToLower(config.Store.Driver) {
	case "", StoreDriverMemory:
	case StoreDriverSQLite:
		if config.Store.Path == "" {
			return fmt.Errorf("configuration store.path is required for the %s driver", StoreDriverSQLite)
		}
	default:
		return fmt.Errorf("unsupported store driver %q", config.Store.Driver)
	}
	return nil
}

// ServerAutoAuthorize returns the per-server overrides keyed by lower-case server name.
func (config AuthorizationConfiguration) ServerAutoAuthorize() map[string]bool {
	if len(config.Servers) == 0 {
		return nil
	}
	result := make(map[string]bool, len(config.Servers))
	for name, settings := range config.Servers {
		if settings.AutoAuthorize == nil {
			continue
		}
		result[strings.ToLower(name)] = *settings.AutoAuthorize
	}
	return result
}

func resolveLocalConfigPath(workingDirectory, explicitPath string) (string, error) {
	if explicitPath != "" {
		if filepath.IsAbs(explicitPath) {
			return explicitPath, nil
		}
		if workingDirectory == "" {
			absolute, err := filepath.Abs(explicitPath)
			if err != nil {
				return "", fmt.Errorf("resolve configuration path %s: %w", explicitPath, err)
			}
			return absolute, nil
		}
		return filepath.Join(workingDirectory, explicitPath), nil
	}
	if workingDirectory == "" {
		return "", nil
	}
	return filepath.Join(workingDirectory, LocalConfigFileName), nil
}

func loadConfigurationFromPath(path string) (ApplicationConfiguration, error) {
	if path == "" {
		return ApplicationConfiguration{}, nil
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return ApplicationConfiguration{}, nil
		}
		return ApplicationConfiguration{}, fmt.Errorf("stat configuration %s: %w", path, statErr)
	}
	if info.IsDir() {
		return ApplicationConfiguration{}, fmt.Errorf("configuration path %s is a directory", path)
	}

	reader := viper.New()
	reader.SetConfigFile(path)
	if readErr := reader.ReadInConfig(); readErr != nil {
		return ApplicationConfiguration{}, fmt.Errorf("read configuration from %s: %w", path, readErr)
	}
	var config ApplicationConfiguration
	if decodeErr := reader.Unmarshal(&config); decodeErr != nil {
		return ApplicationConfiguration{}, fmt.Errorf("decode configuration from %s: %w", path, decodeErr)
	}
	return config, nil
}

// Merge overlays override onto the receiver returning the combined configuration.
func (config ApplicationConfiguration) Merge(override ApplicationConfiguration) ApplicationConfiguration {
	result := config
	if override.Parser.SafeTail != nil {
		result.Parser.SafeTail = cloneInt(override.Parser.SafeTail)
	}
	if override.Valve.GuardWindow != nil {
		result.Valve.GuardWindow = cloneInt(override.Valve.GuardWindow)
	}
	if override.Valve.MaxHeld != nil {
		result.Valve.MaxHeld = cloneInt(override.Valve.MaxHeld)
	}
	if override.Appender.PersistEvery != nil {
		result.Appender.PersistEvery = cloneInt(override.Appender.PersistEvery)
	}
	result.Authorization = result.Authorization.merge(override.Authorization)
	result.Tokens = result.Tokens.merge(override.Tokens)
	if override.Store.Driver != "" {
		result.Store.Driver = override.Store.Driver
	}
	if override.Store.Path != "" {
		result.Store.Path = override.Store.Path
	}
	if override.Server.Address != "" {
		result.Server.Address = override.Server.Address
	}
	return result
}

func (config AuthorizationConfiguration) merge(override AuthorizationConfiguration) AuthorizationConfiguration {
	result := config
	if override.DefaultAutoAuthorize != nil {
		result.DefaultAutoAuthorize = cloneBool(override.DefaultAutoAuthorize)
	}
	if len(override.Servers) > 0 {
		servers := make(map[string]ServerAuthorizationSettings, len(config.Servers)+len(override.Servers))
		for name, settings := range config.Servers {
			servers[name] = ServerAuthorizationSettings{AutoAuthorize: cloneBool(settings.AutoAuthorize)}
		}
		for name, settings := range override.Servers {
			if settings.AutoAuthorize == nil {
				continue
			}
			servers[name] = ServerAuthorizationSettings{AutoAuthorize: cloneBool(settings.AutoAuthorize)}
		}
		result.Servers = servers
	}
	return result
}

func (config TokenConfiguration) merge(override TokenConfiguration) TokenConfiguration {
	result := config
	if override.Enabled != nil {
		result.Enabled = cloneBool(override.Enabled)
	}
	if override.Model != "" {
		result.Model = override.Model
	}
	return result
}

func cloneBool(value *bool) *bool {
	if value == nil {
		return nil
	}
	cloned := *value
	return &cloned
}

func cloneInt(value *int) *int {
	if value == nil {
		return nil
	}
	cloned := *value
	return &cloned
}
