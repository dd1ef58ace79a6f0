package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-drive/config"
	"github.com/wippyai/wasm-drive/drive/gateway"
	"github.com/wippyai/wasm-drive/engine"
)

type rootOptions struct {
	configPath string
	debug      bool
	root       string
	kind       string

	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "wasmdrive",
		Short:         "Run WebAssembly guests against a storage drive",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable guest and drive diagnostics")
	cmd.PersistentFlags().StringVar(&opts.kind, "drive", "", "drive kind: none, dir, memory or gateway")
	cmd.PersistentFlags().StringVar(&opts.root, "root", "", "directory served by the dir drive")

	cmd.AddCommand(
		newRunCmd(opts),
		newCatCmd(opts),
		newBrowseCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}

// load resolves configuration, applies flag overrides and installs loggers.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("drive") {
		cfg.Drive.Kind = o.kind
	}
	if cmd.Flags().Changed("root") {
		cfg.Drive.Root = o.root
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Diagnostics are gated by the environment, so --debug sets it for the
	// whole process.
	if o.debug {
		if err := os.Setenv(cfg.Log.DebugEnv, "1"); err != nil {
			return fmt.Errorf("set %s: %w", cfg.Log.DebugEnv, err)
		}
		if cfg.Log.Level == "info" {
			cfg.Log.Level = "debug"
		}
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	engine.SetLogger(logger.Named("engine"))
	gateway.SetLogger(logger.Named("gateway"))

	o.cfg = cfg
	o.logger = logger
	return nil
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := opts.cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
