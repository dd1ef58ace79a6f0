package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-drive/bridge"
	"github.com/wippyai/wasm-drive/engine"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		funcName string
		args     []string
		noAsync  bool
	)

	cmd := &cobra.Command{
		Use:   "run <guest.wasm>",
		Short: "Run a guest export with the drive bridge linked in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, argv []string) error {
			params := make([]uint64, len(args))
			for i, a := range args {
				v, err := strconv.ParseInt(a, 0, 32)
				if err != nil {
					return fmt.Errorf("argument %d: %w", i, err)
				}
				params[i] = api.EncodeI32(int32(v))
			}

			results, err := runGuest(cmd.Context(), opts, argv[0], funcName, noAsync, params)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Fprintln(cmd.OutOrStdout(), api.DecodeI32(r))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&funcName, "func", "f", "main", "exported function to call")
	cmd.Flags().StringSliceVarP(&args, "arg", "a", nil, "i32 arguments, comma separated")
	cmd.Flags().BoolVar(&noAsync, "no-asyncify", false, "run asyncified guests without suspension")
	return cmd
}

func runGuest(ctx context.Context, opts *rootOptions, file, funcName string, noAsync bool, params []uint64) ([]uint64, error) {
	wasm, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read guest: %w", err)
	}

	h, err := newHost(opts.cfg, opts.logger)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	eng, err := engine.New(ctx, &opts.cfg.Engine)
	if err != nil {
		return nil, err
	}
	defer eng.Close(ctx)

	if _, err := bridge.Instantiate(ctx, eng.Runtime(), h.bridge, opts.cfg.BridgeImports()); err != nil {
		return nil, err
	}

	inst, err := eng.Instantiate(ctx, wasm, engine.InstanceConfig{
		Asyncify:        opts.cfg.Asyncify,
		DisableAsyncify: noAsync,
	})
	if err != nil {
		return nil, err
	}
	defer inst.Close(ctx)

	opts.logger.Debug("running guest",
		zap.String("file", file),
		zap.String("func", funcName),
		zap.Bool("asyncify", inst.Asyncify() != nil))

	results, err := inst.Run(ctx, funcName, params...)
	if err != nil {
		return nil, err
	}
	if s := inst.Scheduler(); s != nil {
		opts.logger.Debug("guest finished", zap.Int("suspends", s.Suspends()))
	}
	return results, nil
}
