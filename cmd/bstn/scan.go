package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bstn/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby basestations",
	Long: `Scan for nearby basestations.

Only devices advertising a known basestation name (LHB- for the Valve
family, HTC BS for the Vive family) are listed.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolP("verbose", "v", false, "Enable verbose logging")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext()
	defer cancel()

	s := scanner.NewScanner(logger)
	if err := s.Scan(ctx, &scanner.ScanOptions{Duration: scanDuration}); err != nil {
		return err
	}

	candidates := s.Candidates()
	if scanFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(candidates)
	}

	if len(candidates) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No basestations found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tTYPE\tRSSI\tLAST SEEN")
	for _, c := range candidates {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			c.Address, c.Name, c.Variant, c.RSSI, c.LastSeen.Format(time.RFC3339))
	}
	return w.Flush()
}
