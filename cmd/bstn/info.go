package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <address|name>",
	Short: "Read a basestation's device information",
	Long: `Read a basestation's device information: firmware revision, model,
hardware revision, manufacturer, and family-specific fields such as the
radio channel (Valve) or pairing id (Vive).`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

var (
	infoFormat string
	infoForce  bool
)

func init() {
	addTargetFlags(infoCmd)
	infoCmd.Flags().StringVarP(&infoFormat, "format", "f", "table", "Output format (table, json)")
	infoCmd.Flags().BoolVar(&infoForce, "force", false, "Re-read even if cached info is current")
}

func runInfo(cmd *cobra.Command, args []string) error {
	if infoFormat != "table" && infoFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", infoFormat)
	}

	dev, _, err := resolveDevice(cmd, args[0])
	if err != nil {
		return err
	}
	defer dev.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := dev.ReadDeviceInfo(ctx, infoForce); err != nil {
		return err
	}

	fields := dev.InfoFields()
	out := cmd.OutOrStdout()

	if infoFormat == "json" {
		doc := make(map[string]string, len(fields))
		for _, f := range fields {
			doc[string(f.Key)] = f.Value
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	fmt.Fprintf(out, "%s (%s)\n\n", dev.DisplayName(), dev.Identity().Address)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, f := range fields {
		fmt.Fprintf(w, "%s\t%s\n", f.Key, f.Value)
	}
	return w.Flush()
}
