package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newResetQueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-queue [beadId]",
		Short: "delete all tickets of any status, for a single bead or the whole queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := configureLogger("info", devLogs)
			rt, err := bootstrap(logger)
			if err != nil {
				logger.Error("citadel: startup failed", "error", err)
				os.Exit(1)
			}
			defer rt.Close()

			if len(args) == 1 {
				n, err := rt.reg.Queue.ResetBead(args[0])
				if err != nil {
					logger.Error("reset-queue: failed", "bead", args[0], "error", err)
					os.Exit(1)
				}
				logger.Info("reset-queue: removed tickets for bead", "bead", args[0], "count", n)
				return nil
			}

			n, err := rt.reg.Queue.ResetAll()
			if err != nil {
				logger.Error("reset-queue: failed", "error", err)
				os.Exit(1)
			}
			logger.Info("reset-queue: removed all tickets", "count", n)
			return nil
		},
	}
}
