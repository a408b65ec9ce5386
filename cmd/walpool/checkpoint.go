package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/walpool/internal/infrastructure/database"
)

func (a *app) checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Run a WAL checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			modeName, err := cmd.Flags().GetString("mode")
			if err != nil {
				return err
			}
			mode, err := database.ParseCheckpointMode(modeName)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, _, err := a.openLibrary(ctx, nil)
			if err != nil {
				return err
			}
			defer a.closePool(pool)

			result, err := pool.Checkpoint(ctx, mode)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint %s: %d/%d frames, busy=%t\n",
				mode, result.CheckpointedFrames, result.LogFrames, result.Busy)
			return nil
		},
	}
	cmd.Flags().String("mode", "passive", "checkpoint mode (passive, full, restart, truncate)")
	return cmd
}
