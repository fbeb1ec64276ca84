package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// UserConfig is the process-wide user configuration: who the author is and
// which auth tokens to present to remote hosts. Loaded once at start into an
// atomic cache and never mutated concurrently.
type UserConfig struct {
	Name       string            `mapstructure:"name"`
	Email      string            `mapstructure:"email"`
	AuthTokens map[string]string `mapstructure:"auth_tokens"`
}

var (
	// Cache the configuration after first load
	cachedConfig    atomic.Value // stores *UserConfig
	configLoadOnce  sync.Once
	configLoadError error

	// Only protect write operations
	writeMutex sync.Mutex

	// Debounce timer for config file changes
	debounceTimer *time.Timer
	debounceMutex sync.Mutex
)

// Dir returns the directory holding the user-level config file.
func Dir() string {
	if dir := os.Getenv("OXEN_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "oxen")
}

// InitConfig initializes the global viper configuration
func InitConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(Dir())
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("OXEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("name", "")
	viper.SetDefault("email", "")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.output", "stderr")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if err := os.MkdirAll(Dir(), 0755); err != nil {
				return fmt.Errorf("failed to create config dir: %w", err)
			}
			if err := viper.WriteConfigAs(filepath.Join(Dir(), "config.yaml")); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read created config: %w", err)
			}
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := reloadConfigCache(); err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}

	// Watch for config file changes with debouncing
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		// Debounce file changes to avoid reading partial writes
		debounceMutex.Lock()
		defer debounceMutex.Unlock()

		if debounceTimer != nil {
			debounceTimer.Stop()
		}

		debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
			writeMutex.Lock()
			defer writeMutex.Unlock()
			reloadConfigCache()
		})
	})

	return nil
}

// reloadConfigCache loads the configuration from viper into the cache
func reloadConfigCache() error {
	config := &UserConfig{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cachedConfig.Store(config)
	return nil
}

// GetUserConfig returns the cached configuration struct
func GetUserConfig() (*UserConfig, error) {
	if cfg := cachedConfig.Load(); cfg != nil {
		return cfg.(*UserConfig), nil
	}

	configLoadOnce.Do(func() {
		configLoadError = reloadConfigCache()
	})

	if configLoadError != nil {
		return nil, configLoadError
	}

	cfg := cachedConfig.Load()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	return cfg.(*UserConfig), nil
}

// SetUser writes the author name and email back to the user config file.
func SetUser(name, email string) error {
	writeMutex.Lock()
	defer writeMutex.Unlock()

	viper.Set("name", name)
	viper.Set("email", email)
	if err := viper.WriteConfig(); err != nil {
		return err
	}
	return reloadConfigCache()
}

// AuthTokenForHost returns the token configured for a remote host, if any.
func AuthTokenForHost(host string) string {
	cfg, err := GetUserConfig()
	if err != nil || cfg.AuthTokens == nil {
		return ""
	}
	return cfg.AuthTokens[host]
}
