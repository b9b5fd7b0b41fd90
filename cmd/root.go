package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/countermgr/internal/config"
	"github.com/zjrosen/countermgr/internal/log"
)

const envPrefix = "COUNTERMGR"

// localConfigPath is checked before the user config directory.
var localConfigPath = filepath.Join(".countermgr", "config.yaml")

var (
	version         = "dev"
	contractVersion = "dev"
	cfgFile         string
	debugFlag       bool
	addrFlag        string
	cfg             config.Config
)

var rootCmd = &cobra.Command{
	Use:   "countermgr",
	Short: "Coordinate counter children through an asynchronous environment",
	Long: `countermgr keeps a registry of counter children that live in an execution
environment. Requests are sent fire-and-forget; the registry is updated only
when the environment confirms them.

Run 'countermgr daemon' to start the coordinator and its HTTP API, then use
'countermgr children' or 'countermgr watch' against it.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/countermgr/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"write a debug log (path from COUNTERMGR_LOG, default debug.log)")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "",
		"daemon API address (overrides api.addr)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("api.addr", defaults.API.Addr)
	viper.SetDefault("api.read_timeout", defaults.API.ReadTimeout)
	viper.SetDefault("storage.driver", defaults.Storage.Driver)
	viper.SetDefault("storage.path", defaults.Storage.Path)
	viper.SetDefault("coordinator.queue_capacity", defaults.Coordinator.QueueCapacity)
	viper.SetDefault("coordinator.slow_handler_threshold", defaults.Coordinator.SlowHandlerThreshold)
	viper.SetDefault("runtime.address_prefix", defaults.Runtime.AddressPrefix)
	viper.SetDefault("cache.count_ttl", defaults.Cache.CountTTL)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	viper.SetDefault("log_level", defaults.LogLevel)

	// COUNTERMGR_API_ADDR overrides api.addr, and so on
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .countermgr/config.yaml (current directory)
		// 2. ~/.config/countermgr/config.yaml (user config)
		if _, err := os.Stat(localConfigPath); err == nil {
			viper.SetConfigFile(localConfigPath)
		} else {
			viper.AddConfigPath(config.DefaultConfigDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create the default user config
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			defaultPath := userConfigPath()
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
	if addrFlag != "" {
		cfg.API.Addr = addrFlag
	}
}

func userConfigPath() string {
	return filepath.Join(config.DefaultConfigDir(), "config.yaml")
}

// configFileUsed returns the config file in effect, or the default user path.
func configFileUsed() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	return userConfigPath()
}

// setupLogging opens the debug log when --debug or COUNTERMGR_DEBUG is set.
func setupLogging(_ *cobra.Command, _ []string) error {
	if !debugFlag && os.Getenv(envPrefix+"_DEBUG") == "" {
		return nil
	}
	logPath := os.Getenv(envPrefix + "_LOG")
	if logPath == "" {
		logPath = "debug.log"
	}
	if _, err := log.Init(logPath); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	log.SetMinLevel(log.ParseLevel(cfg.LogLevel))
	log.Info(log.CatConfig, "countermgr starting", "version", version, "config", viper.ConfigFileUsed())
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version strings (called from main with ldflags).
// release is recorded as the contract version; display is shown by --version.
func SetVersion(release, display string) {
	contractVersion = release
	version = display
	rootCmd.Version = display
}
