package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogger creates a logger with the appropriate log level based on flags.
// It respects both --log-level and --verbose flags, with --log-level taking
// precedence. One-shot commands default to silence; monitor runs unattended
// for hours, so it defaults to info and reports availability flips and poll
// trouble on stderr without extra flags.
func configureLogger(cmd *cobra.Command, verboseFlagName string) (*logrus.Logger, error) {
	logLevel := logrus.PanicLevel
	if cmd.Name() == "monitor" {
		logLevel = logrus.InfoLevel
	}

	// Check --log-level first (takes precedence)
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		parsed, err := logrus.ParseLevel(logLevelStr)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
		logLevel = parsed
	} else if verboseFlagName != "" {
		// Fall back to --verbose flag if no --log-level specified
		verbose, _ := cmd.Flags().GetBool(verboseFlagName)
		if verbose {
			logLevel = logrus.DebugLevel
		}
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
