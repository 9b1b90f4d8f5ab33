// Package basestation implements the domain object for one physical
// tracking basestation: its identity, its cached power and device-info
// state, and the governed BLE operations consumers call. Two protocol
// families exist; the Valve (V2) family can read its power state back,
// the Vive (V1) family is command-only and needs a pairing id.
package basestation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"

	"github.com/srg/bstn/internal/protocol"
)

// ErrMissingPairID is returned when a Vive power command is issued without
// a configured pairing id. It is caller misuse, reported synchronously; the
// governor and transport are never touched.
var ErrMissingPairID = errors.New("pairing id is not configured")

// Variant identifies the protocol family of a basestation.
type Variant int

const (
	// VariantValve is the V2 family: power state is readable, standby and
	// identify are supported.
	VariantValve Variant = iota

	// VariantVive is the V1 family: write-only power commands carrying a
	// pairing id, no state readback.
	VariantVive
)

func (v Variant) String() string {
	switch v {
	case VariantValve:
		return "valve"
	case VariantVive:
		return "vive"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// MarshalText renders the variant name, used by JSON and YAML output.
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// ParseVariant converts a configuration string to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "valve":
		return VariantValve, nil
	case "vive":
		return VariantVive, nil
	default:
		return 0, fmt.Errorf("unknown device type %q (want valve or vive)", s)
	}
}

// VariantForName guesses the family from an advertised device name.
func VariantForName(name string) (Variant, bool) {
	switch {
	case strings.HasPrefix(name, protocol.ValveNamePrefix):
		return VariantValve, true
	case strings.HasPrefix(name, protocol.ViveNamePrefix):
		return VariantVive, true
	default:
		return 0, false
	}
}

var macPattern = regexp.MustCompile(`^[0-9A-F]{12}$`)

// CanonicalAddress normalizes a MAC address to uppercase colon-separated
// hex, accepting colon, dash, or bare-hex input.
func CanonicalAddress(mac string) (string, error) {
	stripped := strings.ToUpper(strings.NewReplacer(":", "", "-", "", " ", "").Replace(mac))
	if !macPattern.MatchString(stripped) {
		return "", fmt.Errorf("invalid device address %q", mac)
	}

	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, stripped[i:i+2])
	}
	return strings.Join(parts, ":"), nil
}

// Identity is the immutable description of one physical unit. It is fixed
// at construction and never mutated afterwards.
type Identity struct {
	// Address is the canonical uppercase colon-separated transport address.
	Address string

	// Name is the user- or discovery-supplied display name, may be empty.
	Name string

	// Variant selects the protocol family.
	Variant Variant

	// PairID is the Vive pairing id; nil when not configured.
	PairID *uint32
}

// NewIdentity validates and canonicalizes an identity.
func NewIdentity(address, name string, variant Variant, pairID *uint32) (Identity, error) {
	canonical, err := CanonicalAddress(address)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Address: canonical,
		Name:    name,
		Variant: variant,
		PairID:  pairID,
	}, nil
}

// InfoKey names one device-information field.
type InfoKey string

const (
	InfoFirmware     InfoKey = "firmware"
	InfoModel        InfoKey = "model"
	InfoHardware     InfoKey = "hardware"
	InfoManufacturer InfoKey = "manufacturer"
	InfoChannel      InfoKey = "channel"
	InfoPairID       InfoKey = "pair_id"
)

// InfoField is one resolved device-information field.
type InfoField struct {
	Key   InfoKey
	Value string
}

// Config holds the per-device tunables resolved at construction time.
// Changing them requires rebuilding the device.
type Config struct {
	// ConnectionTimeout bounds each transport connect.
	ConnectionTimeout time.Duration `default:"10s"`

	// InfoCacheWindow is how long a successful device-info read satisfies
	// later non-forced reads. Info fields are static; they do not warrant
	// frequent BLE traffic.
	InfoCacheWindow time.Duration `default:"30m"`

	// InfoReadRetries is the first-establish retry count for a device that
	// is entirely unreachable on the initial info read.
	InfoReadRetries int `default:"3"`

	// InfoRetryDelay is the base delay between info read retries, doubling
	// per attempt.
	InfoRetryDelay time.Duration `default:"2s"`

	// OptimisticWrites updates the cached power state from a successful
	// write without a confirming read. The scheduled refresh reconciles.
	OptimisticWrites bool `default:"true"`
}

// DefaultConfig returns the per-device defaults.
func DefaultConfig() Config {
	var c Config
	defaults.SetDefaults(&c)
	return c
}

// Device is the capability surface shared by both protocol families.
// Reads return copies of cached state; mutating operations go through the
// connection governor.
type Device interface {
	Identity() Identity
	DisplayName() string

	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	RefreshPowerState(ctx context.Context) error
	ReadDeviceInfo(ctx context.Context, force bool) error

	CachedPowerState() (state protocol.PowerState, observedAt time.Time, ok bool)
	IsOn() bool
	HasFreshState() bool
	Available() bool
	ConsecutiveFailures() int
	Info(key InfoKey) (string, bool)
	InfoFields() []InfoField

	Close() error
}

// PowerReadable is the extended surface of the Valve family.
type PowerReadable interface {
	Device

	SetStandby(ctx context.Context) error
	IsInStandby() bool
	Identify(ctx context.Context) error
}
