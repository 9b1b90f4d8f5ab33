// Package protocol implements the wire encoding for the two basestation
// protocol families: the Valve (V2) single-byte power protocol and the
// Vive (V1) 20-byte structured command protocol. Everything here is pure
// byte translation; transport concerns live elsewhere.
package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// GATT characteristic UUIDs for the Valve (V2) family.
const (
	ValvePowerServiceUUID        = "00001523-1212-efde-1523-785feabcd124"
	ValvePowerCharacteristicUUID = "00001525-1212-efde-1523-785feabcd124"
	ValveChannelCharacteristic   = "00001524-1212-efde-1523-785feabcd124"
	ValveIdentifyCharacteristic  = "00008421-1212-efde-1523-785feabcd124"
)

// GATT characteristic UUIDs for the Vive (V1) family.
const (
	VivePowerServiceUUID        = "0000cb00-0000-1000-8000-00805f9b34fb"
	VivePowerCharacteristicUUID = "0000cb01-0000-1000-8000-00805f9b34fb"
)

// Standard Device Information characteristics (Bluetooth SIG assigned).
const (
	FirmwareCharacteristic     = "00002a26-0000-1000-8000-00805f9b34fb"
	ModelCharacteristic        = "00002a24-0000-1000-8000-00805f9b34fb"
	HardwareCharacteristic     = "00002a27-0000-1000-8000-00805f9b34fb"
	ManufacturerCharacteristic = "00002a29-0000-1000-8000-00805f9b34fb"
)

// Advertised name prefixes used to recognize the protocol family.
const (
	ViveNamePrefix  = "HTC BS"
	ValveNamePrefix = "LHB-"
)

// PowerState is the raw state byte read from the Valve power characteristic.
// Unknown bytes keep their value; Label reports them as "Unknown (0xNN)".
type PowerState byte

const (
	StateSleep      PowerState = 0x00
	StateStartingUp PowerState = 0x01
	StateStandby    PowerState = 0x02
	StateBootingA   PowerState = 0x08
	StateBootingB   PowerState = 0x09
	StateOn         PowerState = 0x0B
)

var stateLabels = map[PowerState]string{
	StateSleep:      "Sleep",
	StateStartingUp: "Starting Up",
	StateStandby:    "Standby",
	StateBootingA:   "Booting",
	StateBootingB:   "Booting",
	StateOn:         "On",
}

// Known reports whether the state byte is in the documented lookup table.
func (s PowerState) Known() bool {
	_, ok := stateLabels[s]
	return ok
}

// Label returns the human readable name for the state.
func (s PowerState) Label() string {
	if label, ok := stateLabels[s]; ok {
		return label
	}
	return fmt.Sprintf("Unknown (0x%02X)", byte(s))
}

// IsOn reports whether the device should be considered powered.
// Anything except full sleep counts as on, matching the switch semantics.
func (s PowerState) IsOn() bool {
	return s != StateSleep
}

// PowerCommand is a domain-level power intent, encoded per family below.
type PowerCommand int

const (
	PowerOn PowerCommand = iota
	PowerStandby
	PowerSleep
)

func (c PowerCommand) String() string {
	switch c {
	case PowerOn:
		return "on"
	case PowerStandby:
		return "standby"
	case PowerSleep:
		return "sleep"
	default:
		return fmt.Sprintf("power_command(%d)", int(c))
	}
}

// EncodeValvePower returns the single-byte payload written to the Valve
// power characteristic.
func EncodeValvePower(cmd PowerCommand) ([]byte, error) {
	switch cmd {
	case PowerOn:
		return []byte{0x01}, nil
	case PowerStandby:
		return []byte{0x02}, nil
	case PowerSleep:
		return []byte{0x00}, nil
	default:
		return nil, fmt.Errorf("unsupported valve power command: %v", cmd)
	}
}

// EncodeVivePower returns the 20-byte structured command for the Vive
// power characteristic. The pairing id is embedded little-endian at
// offset 4. Standby does not exist in the V1 protocol.
func EncodeVivePower(cmd PowerCommand, pairID uint32) ([]byte, error) {
	payload := make([]byte, 20)
	payload[0] = 0x12

	switch cmd {
	case PowerOn:
		// flag bytes stay zero
	case PowerSleep:
		payload[1] = 0x02
		payload[3] = 0x01
	default:
		return nil, fmt.Errorf("unsupported vive power command: %v", cmd)
	}

	binary.LittleEndian.PutUint32(payload[4:8], pairID)
	return payload, nil
}

// EncodeIdentify returns the payload that blinks the Valve basestation LED.
// It must be written without response.
func EncodeIdentify() []byte {
	return []byte{0x00}
}

// DecodePowerRead extracts the power state from a power characteristic read.
// An empty payload is the only decode failure; unrecognized bytes are valid
// states with an Unknown label.
func DecodePowerRead(data []byte) (PowerState, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty power state payload")
	}
	return PowerState(data[0]), nil
}

// DecodeInfoString decodes a device-information characteristic value.
// The second return is false when the payload is empty or not valid UTF-8;
// callers treat that as a missing field, not an error.
func DecodeInfoString(data []byte) (string, bool) {
	if len(data) == 0 || !utf8.Valid(data) {
		return "", false
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "", false
	}
	return s, true
}

// DecodeChannel decodes the Valve channel characteristic (big-endian integer).
func DecodeChannel(data []byte) (int, bool) {
	if len(data) == 0 || len(data) > 4 {
		return 0, false
	}
	var n int
	for _, b := range data {
		n = n<<8 | int(b)
	}
	return n, true
}

// FormatPairID renders a Vive pairing id the way it is shown to users.
func FormatPairID(pairID uint32) string {
	return fmt.Sprintf("0x%08X", pairID)
}
