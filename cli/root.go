// Package cli implements the callgate command line.
package cli

import (
	"callgate/config"
	"callgate/logging"
	"callgate/registry"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger zerolog.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to callgate.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
}

var rootCmd = &cobra.Command{
	Use:   "callgate",
	Short: "Controller/worker RPC with directional call authorization",
	Long: "Runs a controller that workers connect to, or a worker agent. Every callable a worker\n" +
		"pushes onto the controller is checked against the direction its type declares.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format, "callgate", version)
		return err
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRegistry(rc config.RegistryConfig) (registry.Registry, error) {
	switch rc.Type {
	case config.RegistryEtcd:
		return registry.NewEtcdRegistry(rc.Endpoints, rc.DialTimeout)
	case config.RegistryMemory:
		return registry.NewMemoryRegistry(), nil
	case config.RegistryNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown registry type %q", rc.Type)
	}
}
