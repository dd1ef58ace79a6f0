package main

import (
	"github.com/spf13/cobra"
)

func newCatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>...",
		Short: "Read drive files through the bridge and print them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHost(opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer h.Close()

			for _, name := range args {
				data, err := h.cat(cmd.Context(), name)
				if err != nil {
					return err
				}
				if _, err := cmd.OutOrStdout().Write(data); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
