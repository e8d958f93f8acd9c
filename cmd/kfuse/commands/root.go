// Package commands implements the kfuse subcommands.
package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/born-ml/kfuse/internal/config"
	"github.com/born-ml/kfuse/internal/logging"
	"github.com/born-ml/kfuse/internal/runtime"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "kfuse",
	Short: "Array expression kernel compiler",
	Long: `kfuse specializes array operations into kernels for a device or a
parallel CPU backend, caches them per argument signature and fuses chains
of element-wise calls into single launches.`,
	Version:       version,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		return logging.Init(level, cfg.Logging.File, cfg.Logging.Console)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./kfuse.yaml or $HOME/.kfuse/kfuse.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("backend", "", "backend: device or cpu-parallel")
	rootCmd.PersistentFlags().String("driver", "", "device driver: sim or webgpu")
	rootCmd.PersistentFlags().String("dump-dir", "", "write generated kernel sources to this directory")

	_ = viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("driver", rootCmd.PersistentFlags().Lookup("driver"))
	_ = viper.BindPFlag("dump_dir", rootCmd.PersistentFlags().Lookup("dump-dir"))
}

// loadConfig reads the config file and environment, then applies the flags
// the user set explicitly.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if s := viper.GetString("backend"); s != "" {
		cfg.Backend = s
	}
	if s := viper.GetString("driver"); s != "" {
		cfg.Driver = s
	}
	if s := viper.GetString("dump_dir"); s != "" {
		cfg.DumpDir = s
	}
	return cfg, nil
}

func openEngine() (*runtime.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return runtime.New(runtime.FromConfig(cfg))
}
