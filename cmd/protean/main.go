package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"protean/internal/config"
	"protean/internal/logging"
	"protean/internal/runtime"
)

var (
	configPath string
	verbose    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "protean",
	Short: "protean - capability evolution runtime",
	Long: `protean is a self-evolving capability runtime.

Capabilities are registered behind a uniform descriptor and executed
through pluggable providers (builtin, script, dynlib, process,
external_api). Missing capabilities can be evolved at runtime: generated,
compiled, validated and loaded without restarting the host, with full
version history and rollback.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		return logging.Init(level, cfg.Logging.File)
	},
}

func openRuntime() (*runtime.Runtime, error) {
	return runtime.New(cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}
