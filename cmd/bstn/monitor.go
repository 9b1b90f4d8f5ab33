package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bstn/internal/coordinator"
	"github.com/srg/bstn/internal/registry"
	"github.com/srg/bstn/internal/transport"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Continuously poll all configured basestations",
	Long: `Continuously poll every basestation in the config file and print each
state change as it is observed. Runs until interrupted with Ctrl+C.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().BoolP("verbose", "v", false, "Enable verbose logging")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("no devices configured; pass --config with a devices list")
	}

	cmd.SilenceUsage = true

	manager, err := registry.New(cfg, transport.NewBLETransport(logger), logger)
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Monitoring %d basestations, Ctrl+C to stop\n", manager.Len())

	updates := make(chan coordinator.Snapshot)
	for _, entry := range manager.Entries() {
		ch, unsubscribe := entry.Coordinator.Subscribe()
		defer unsubscribe()

		go func(ch <-chan coordinator.Snapshot) {
			for snap := range ch {
				select {
				case updates <- snap:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nStopping")
			return nil
		case snap := <-updates:
			printSnapshot(out, snap)
		}
	}
}

func printSnapshot(out io.Writer, snap coordinator.Snapshot) {
	timestamp := snap.UpdatedAt.Format(time.RFC3339)

	switch {
	case !snap.Available:
		color.New(color.FgRed).Fprintf(out, "%s  %s  unavailable\n", timestamp, snap.Name)
	case snap.HasState:
		stateColor(snap.State).Fprintf(out, "%s  %s  %s\n", timestamp, snap.Name, snap.State.Label())
	case snap.Err != nil:
		color.New(color.FgYellow).Fprintf(out, "%s  %s  poll failed: %v\n", timestamp, snap.Name, snap.Err)
	default:
		color.New(color.FgGreen).Fprintf(out, "%s  %s  visible\n", timestamp, snap.Name)
	}
}
