package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// InitTarget identifies where configuration should be initialized.
type InitTarget string

const (
	// InitTargetLocal writes configuration into the working directory.
	InitTargetLocal InitTarget = "local"
	// InitTargetGlobal writes configuration into the global configuration directory.
	InitTargetGlobal InitTarget = "global"
)

// ErrConfigurationExists reports an init without Force over an existing file.
var ErrConfigurationExists = errors.New("configuration file already exists")

// defaultSettings are the values written by InitializeConfiguration. They mirror the
// built-in defaults of the parser, the valve and the appender.
var defaultSettings = map[string]any{
	"parser.safe_tail":                     32,
	"valve.guard_window":                   64,
	"valve.max_held":                       16384,
	"appender.persist_every":               200,
	"authorization.default_auto_authorize": false,
	"authorization.servers":                map[string]any{},
	"tokens.enabled":                       false,
	"tokens.model":                         "gpt-4o",
	"store.driver":                         StoreDriverMemory,
	"store.path":                           "",
	"server.address":                       "127.0.0.1:8765",
}

// InitOptions controls how configuration initialization behaves.
type InitOptions struct {
	Target           InitTarget
	Force            bool
	WorkingDirectory string
}

// InitializeConfiguration writes the default settings to the requested target and returns
// the written path.
func InitializeConfiguration(options InitOptions) (string, error) {
	destinationPath, err := initDestination(options)
	if err != nil {
		return "", err
	}

	writer := viper.New()
	writer.SetConfigType("yaml")
	for key, value := range defaultSettings {
		writer.Set(key, value)
	}

	if options.Force {
		err = writer.WriteConfigAs(destinationPath)
	} else {
		err = writer.SafeWriteConfigAs(destinationPath)
	}
	var existsError viper.ConfigFileAlreadyExistsError
	if errors.As(err, &existsError) {
		return "", fmt.Errorf("%w at %s", ErrConfigurationExists, destinationPath)
	}
	if err != nil {
		return "", fmt.Errorf("write configuration to %s: %w", destinationPath, err)
	}
	return destinationPath, nil
}

func initDestination(options InitOptions) (string, error) {
	switch options.Target {
	case "", InitTargetLocal:
		workingDirectory := options.WorkingDirectory
		if workingDirectory == "" {
			current, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("determine working directory for configuration: %w", err)
			}
			workingDirectory = current
		}
		return filepath.Join(workingDirectory, LocalConfigFileName), nil
	case InitTargetGlobal:
		homeDirectory, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory for configuration: %w", err)
		}
		directory := filepath.Join(homeDirectory, GlobalConfigDirectoryName)
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return "", fmt.Errorf("create configuration directory %s: %w", directory, err)
		}
		return filepath.Join(directory, GlobalConfigFileName), nil
	default:
		return "", fmt.Errorf("unsupported init target %q", options.Target)
	}
}
