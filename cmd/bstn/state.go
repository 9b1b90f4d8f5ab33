package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bstn/internal/protocol"
)

// stateCmd represents the state command
var stateCmd = &cobra.Command{
	Use:   "state <address|name>",
	Short: "Read a basestation's power state",
	Long: `Read a basestation's power state.

Valve family basestations report their actual state over GATT. The Vive
family cannot be read back; for those the command only reports whether the
device is visible.`,
	Args: cobra.ExactArgs(1),
	RunE: runState,
}

func init() {
	addTargetFlags(stateCmd)
}

func runState(cmd *cobra.Command, args []string) error {
	dev, _, err := resolveDevice(cmd, args[0])
	if err != nil {
		return err
	}
	defer dev.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := dev.RefreshPowerState(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if state, observedAt, ok := dev.CachedPowerState(); ok {
		stateColor(state).Fprintf(out, "%s: %s\n", dev.DisplayName(), state.Label())
		fmt.Fprintf(out, "observed at %s\n", observedAt.Format(time.RFC3339))
		return nil
	}

	// Write-only family: visibility is all the protocol offers.
	color.New(color.FgGreen).Fprintf(out, "%s: visible\n", dev.DisplayName())
	return nil
}

func stateColor(state protocol.PowerState) *color.Color {
	switch state {
	case protocol.StateOn:
		return color.New(color.FgGreen)
	case protocol.StateStandby:
		return color.New(color.FgYellow)
	case protocol.StateSleep:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgCyan)
	}
}
