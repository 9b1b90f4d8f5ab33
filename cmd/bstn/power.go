package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bstn/internal/basestation"
)

// onCmd represents the on command
var onCmd = &cobra.Command{
	Use:   "on <address|name>",
	Short: "Power a basestation on",
	Long: `Power a basestation on.

The target is either an address (any common MAC notation) or the name of a
device from the config file. Vive family basestations additionally need a
pairing id, either from the config file or via --pair-id.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPower(cmd, args[0], "on", func(ctx context.Context, dev basestation.Device) error {
			return dev.TurnOn(ctx)
		})
	},
}

// offCmd represents the off command
var offCmd = &cobra.Command{
	Use:   "off <address|name>",
	Short: "Power a basestation off",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPower(cmd, args[0], "off", func(ctx context.Context, dev basestation.Device) error {
			return dev.TurnOff(ctx)
		})
	},
}

// standbyCmd represents the standby command
var standbyCmd = &cobra.Command{
	Use:   "standby <address|name>",
	Short: "Put a basestation into standby",
	Long: `Put a basestation into standby.

Standby is a low-power idle distinct from full sleep and is only supported
by the Valve family.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPower(cmd, args[0], "standby", func(ctx context.Context, dev basestation.Device) error {
			pr, ok := dev.(basestation.PowerReadable)
			if !ok {
				return fmt.Errorf("%s does not support standby", dev.DisplayName())
			}
			return pr.SetStandby(ctx)
		})
	},
}

// identifyCmd represents the identify command
var identifyCmd = &cobra.Command{
	Use:   "identify <address|name>",
	Short: "Blink a basestation's LED to locate it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPower(cmd, args[0], "identify", func(ctx context.Context, dev basestation.Device) error {
			pr, ok := dev.(basestation.PowerReadable)
			if !ok {
				return fmt.Errorf("%s does not support identify", dev.DisplayName())
			}
			return pr.Identify(ctx)
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{onCmd, offCmd, standbyCmd, identifyCmd} {
		addTargetFlags(cmd)
	}
}

// signalContext returns a context cancelled by Ctrl+C.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runPower(cmd *cobra.Command, target, action string, op func(context.Context, basestation.Device) error) error {
	dev, _, err := resolveDevice(cmd, target)
	if err != nil {
		return err
	}
	defer dev.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := op(ctx, dev); err != nil {
		if errors.Is(err, basestation.ErrMissingPairID) {
			return fmt.Errorf("%s requires a pairing id; set pair_id in the config or pass --pair-id", dev.DisplayName())
		}
		return err
	}

	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "%s: %s\n", dev.DisplayName(), action)
	return nil
}
