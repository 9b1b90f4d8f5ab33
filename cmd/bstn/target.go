package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bstn/internal/basestation"
	"github.com/srg/bstn/internal/governor"
	"github.com/srg/bstn/internal/transport"
	"github.com/srg/bstn/pkg/config"
)

var (
	targetType   string
	targetName   string
	targetPairID uint32
)

// addTargetFlags registers the flags shared by every command that addresses
// a single basestation.
func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&targetType, "type", "t", "", "Basestation family (valve, vive); inferred from config or name when omitted")
	cmd.Flags().StringVarP(&targetName, "name", "n", "", "Display name")
	cmd.Flags().Uint32Var(&targetPairID, "pair-id", 0, "Pairing id for Vive family power commands")
	cmd.Flags().BoolP("verbose", "v", false, "Enable verbose logging")
}

// loadConfig reads the --config file when one was given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// resolveIdentity turns a command-line target into a device identity. The
// target matches a configured device by address or name first; otherwise it
// must be an address, with the family taken from flags or the name prefix.
func resolveIdentity(cfg *config.Config, target string) (basestation.Identity, error) {
	for _, dc := range cfg.Devices {
		identity, err := dc.Identity()
		if err != nil {
			continue
		}
		if strings.EqualFold(dc.Name, target) {
			return identity, nil
		}
		if canonical, err := basestation.CanonicalAddress(target); err == nil && canonical == identity.Address {
			return identity, nil
		}
	}

	variant, err := pickVariant()
	if err != nil {
		return basestation.Identity{}, err
	}

	var pairID *uint32
	if targetPairID != 0 {
		id := targetPairID
		pairID = &id
	}

	return basestation.NewIdentity(target, targetName, variant, pairID)
}

func pickVariant() (basestation.Variant, error) {
	if targetType != "" {
		return basestation.ParseVariant(targetType)
	}
	if v, ok := basestation.VariantForName(targetName); ok {
		return v, nil
	}
	return 0, fmt.Errorf("device not in config; specify --type valve or --type vive")
}

// buildDevice constructs a governed device for the target.
func buildDevice(cfg *config.Config, identity basestation.Identity, logger *logrus.Logger) basestation.Device {
	return basestation.New(identity, transport.NewBLETransport(logger), basestation.Options{
		Config:   cfg.DeviceOptions(),
		Governor: cfg.GovernorOptions(),
		Limiter:  governor.NewLimiter(int64(cfg.MaxConcurrentConnections)),
		Logger:   logger,
	})
}

// resolveDevice is the common preamble of single-device commands.
func resolveDevice(cmd *cobra.Command, target string) (basestation.Device, *config.Config, error) {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return nil, nil, err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	identity, err := resolveIdentity(cfg, target)
	if err != nil {
		return nil, nil, err
	}

	cmd.SilenceUsage = true
	return buildDevice(cfg, identity, logger), cfg, nil
}
