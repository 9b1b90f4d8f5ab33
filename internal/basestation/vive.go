package basestation

import (
	"context"
	"fmt"

	"github.com/srg/bstn/internal/governor"
	"github.com/srg/bstn/internal/protocol"
	"github.com/srg/bstn/internal/transport"
)

// ViveDevice is the V1 family: write-only power commands that embed a
// pairing id, no state readback.
type ViveDevice struct {
	*device
}

// NewVive builds a Vive-family device. A configured pairing id is exposed
// as an info field right away.
func NewVive(identity Identity, t transport.Transport, opts Options) *ViveDevice {
	d := &ViveDevice{device: newDevice(identity, t, opts)}
	d.specific = d
	if identity.PairID != nil {
		d.info.Set(InfoPairID, protocol.FormatPairID(*identity.PairID))
	}
	return d
}

func (d *ViveDevice) writePower(ctx context.Context, cmd protocol.PowerCommand, on bool) error {
	if d.identity.PairID == nil {
		return ErrMissingPairID
	}

	payload, err := protocol.EncodeVivePower(cmd, *d.identity.PairID)
	if err != nil {
		return err
	}

	_, err = d.execute(ctx, operation{
		characteristic: protocol.VivePowerCharacteristicUUID,
		payload:        payload,
		withResponse:   true,
		retry:          true,
	})
	if err != nil {
		return err
	}

	// No readback exists on this family; the write outcome is the only
	// signal there is.
	d.mu.Lock()
	d.isOn = on
	d.mu.Unlock()
	return nil
}

// TurnOn powers the basestation up. Requires a configured pairing id.
func (d *ViveDevice) TurnOn(ctx context.Context) error {
	return d.writePower(ctx, protocol.PowerOn, true)
}

// TurnOff powers the basestation down. Requires a configured pairing id.
func (d *ViveDevice) TurnOff(ctx context.Context) error {
	return d.writePower(ctx, protocol.PowerSleep, false)
}

// RefreshPowerState probes reachability only: the V1 protocol cannot read
// power state back, so the scheduled refresh reduces to "is the device
// advertising", feeding the same governor state as a real read would.
func (d *ViveDevice) RefreshPowerState(ctx context.Context) error {
	if err := d.gov.BeginAttempt(); err != nil {
		return err
	}

	err := d.transport.Probe(ctx, d.identity.Address, d.cfg.ConnectionTimeout)
	if err != nil {
		d.gov.EndAttempt(governor.OutcomeFailure)
		return fmt.Errorf("probe for %s failed: %w", d.identity.Address, err)
	}

	d.gov.EndAttempt(governor.OutcomeSuccess)
	return nil
}

// readSpecificInfo echoes the configured pairing id as an info field.
func (d *ViveDevice) readSpecificInfo(_ transport.Conn, set func(InfoKey, string)) bool {
	if d.identity.PairID == nil {
		return false
	}
	set(InfoPairID, protocol.FormatPairID(*d.identity.PairID))
	return true
}
