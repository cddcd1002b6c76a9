// Command citadel runs the bead orchestration conductor and its worker and
// gatekeeper pools, or offers a small set of operator commands against a
// running instance's state.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	configPath string
	devLogs    bool
)

func main() {
	root := &cobra.Command{
		Use:   "citadel",
		Short: "citadel orchestrates beads through formulas, a work queue, and worker pools",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "citadel.toml", "path to config file")
	root.PersistentFlags().BoolVar(&devLogs, "dev", false, "use text log format (default is JSON)")

	root.AddCommand(newStartCommand())
	root.AddCommand(newResetQueueCommand())
	root.AddCommand(newInspectCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configureLogger(logLevel string, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
