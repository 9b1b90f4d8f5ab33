package basestation

import (
	"context"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/srg/bstn/internal/protocol"
	"github.com/srg/bstn/internal/transport"
)

// ValveDevice is the V2 family: power state readback, standby, identify.
type ValveDevice struct {
	*device
}

// NewValve builds a Valve-family device.
func NewValve(identity Identity, t transport.Transport, opts Options) *ValveDevice {
	d := &ValveDevice{device: newDevice(identity, t, opts)}
	d.specific = d
	return d
}

func (d *ValveDevice) writePower(ctx context.Context, cmd protocol.PowerCommand, resulting protocol.PowerState) error {
	payload, err := protocol.EncodeValvePower(cmd)
	if err != nil {
		return err
	}

	_, err = d.execute(ctx, operation{
		characteristic: protocol.ValvePowerCharacteristicUUID,
		payload:        payload,
		withResponse:   true,
		retry:          true,
	})
	if err != nil {
		return err
	}

	// The write succeeded at the transport layer. Updating the cache here
	// saves a confirming read; the scheduled refresh reconciles drift.
	if d.cfg.OptimisticWrites {
		d.updatePowerState(resulting)
	}
	return nil
}

// TurnOn powers the basestation up.
func (d *ValveDevice) TurnOn(ctx context.Context) error {
	return d.writePower(ctx, protocol.PowerOn, protocol.StateOn)
}

// TurnOff puts the basestation into full sleep.
func (d *ValveDevice) TurnOff(ctx context.Context) error {
	return d.writePower(ctx, protocol.PowerSleep, protocol.StateSleep)
}

// SetStandby puts the basestation into standby, which is distinct from
// full sleep.
func (d *ValveDevice) SetStandby(ctx context.Context) error {
	return d.writePower(ctx, protocol.PowerStandby, protocol.StateStandby)
}

// IsInStandby reports whether the last observed state was standby.
func (d *ValveDevice) IsInStandby() bool {
	state, _, ok := d.CachedPowerState()
	return ok && state == protocol.StateStandby
}

// RefreshPowerState performs the canonical governed read of the power
// characteristic. A failed poll leaves the previous cached value untouched
// so one bad tick never flaps availability-adjacent state.
func (d *ValveDevice) RefreshPowerState(ctx context.Context) error {
	data, err := d.execute(ctx, operation{
		characteristic: protocol.ValvePowerCharacteristicUUID,
		retry:          true,
	})
	if err != nil {
		return err
	}

	state, err := protocol.DecodePowerRead(data)
	if err != nil {
		// Connected fine but the payload was unusable; keep the old value.
		d.logger.WithField("address", d.identity.Address).Debug("Empty power state payload")
		return nil
	}

	d.updatePowerState(state)
	return nil
}

// Identify blinks the basestation LED. The write is fire-and-forget and a
// single attempt is enough; this is cosmetic, not safety-critical.
func (d *ValveDevice) Identify(ctx context.Context) error {
	_, err := d.execute(ctx, operation{
		characteristic: protocol.ValveIdentifyCharacteristic,
		payload:        protocol.EncodeIdentify(),
		withResponse:   false,
		retry:          false,
	})
	if err == nil {
		d.logger.WithField("address", d.identity.Address).Info("Identify command sent")
	}
	return err
}

// readSpecificInfo contributes the radio channel field.
func (d *ValveDevice) readSpecificInfo(conn transport.Conn, set func(InfoKey, string)) bool {
	data, err := conn.ReadCharacteristic(protocol.ValveChannelCharacteristic)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"address": d.identity.Address,
			"error":   err,
		}).Debug("Failed to read channel")
		return false
	}

	channel, ok := protocol.DecodeChannel(data)
	if !ok {
		return false
	}
	set(InfoChannel, strconv.Itoa(channel))
	return true
}
