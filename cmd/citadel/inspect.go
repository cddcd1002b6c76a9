package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type inspectOutput struct {
	Bead          any             `json:"bead"`
	ActiveTicket  any             `json:"active_ticket,omitempty"`
	LastOutput    json.RawMessage `json:"last_output,omitempty"`
	PendingWorker int             `json:"pending_worker"`
	PendingGate   int             `json:"pending_gatekeeper"`
}

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <beadId>",
		Short: "print a bead, its active ticket, and its most recent output as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := configureLogger("info", devLogs)
			rt, err := bootstrap(logger)
			if err != nil {
				logger.Error("citadel: startup failed", "error", err)
				os.Exit(1)
			}
			defer rt.Close()

			ctx := context.Background()
			beadID := args[0]

			b, err := rt.reg.Beads.Show(ctx, beadID)
			if err != nil {
				logger.Error("inspect: failed", "bead", beadID, "error", err)
				os.Exit(1)
			}

			active, err := rt.reg.Queue.GetActiveTicket(beadID)
			if err != nil {
				logger.Error("inspect: get active ticket failed", "bead", beadID, "error", err)
				os.Exit(1)
			}

			output, err := rt.reg.Queue.GetOutput(beadID)
			if err != nil {
				logger.Error("inspect: get output failed", "bead", beadID, "error", err)
				os.Exit(1)
			}

			pendingWorker, _ := rt.reg.Queue.GetPendingCount("worker")
			pendingGate, _ := rt.reg.Queue.GetPendingCount("gatekeeper")

			result := inspectOutput{
				Bead:          b,
				ActiveTicket:  active,
				LastOutput:    output,
				PendingWorker: pendingWorker,
				PendingGate:   pendingGate,
			}

			encoded, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding inspect output: %w", err)
			}
			fmt.Println(string(encoded))
			return nil
		},
	}
}
