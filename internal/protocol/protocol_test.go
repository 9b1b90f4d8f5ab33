package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPowerState_Label(t *testing.T) {
	tests := []struct {
		name     string
		state    PowerState
		expected string
		known    bool
	}{
		{"sleep", StateSleep, "Sleep", true},
		{"starting up", StateStartingUp, "Starting Up", true},
		{"standby", StateStandby, "Standby", true},
		{"booting 0x08", StateBootingA, "Booting", true},
		{"booting 0x09", StateBootingB, "Booting", true},
		{"on", StateOn, "On", true},
		{"unknown byte", PowerState(0x42), "Unknown (0x42)", false},
		{"unknown high byte", PowerState(0xFF), "Unknown (0xFF)", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.Label())
			assert.Equal(t, tt.known, tt.state.Known())
		})
	}
}

func TestPowerState_TableIsNeverUnknown(t *testing.T) {
	// Every byte in the documented lookup table must resolve to a real label.
	for state, label := range stateLabels {
		assert.True(t, state.Known())
		assert.NotContains(t, label, "Unknown")
	}
}

func TestDecodePowerRead(t *testing.T) {
	state, err := DecodePowerRead([]byte{0x0B})
	require.NoError(t, err)
	assert.Equal(t, StateOn, state)
	assert.True(t, state.IsOn())

	// Out-of-table byte is preserved losslessly.
	state, err = DecodePowerRead([]byte{0x7E, 0x00})
	require.NoError(t, err)
	assert.Equal(t, byte(0x7E), byte(state))
	assert.False(t, state.Known())

	_, err = DecodePowerRead(nil)
	assert.Error(t, err)
}

func TestPowerState_IsOn(t *testing.T) {
	assert.False(t, StateSleep.IsOn())
	assert.True(t, StateStandby.IsOn())
	assert.True(t, StateOn.IsOn())
	assert.True(t, StateBootingA.IsOn())
}

func TestEncodeValvePower(t *testing.T) {
	tests := []struct {
		cmd      PowerCommand
		expected []byte
	}{
		{PowerOn, []byte{0x01}},
		{PowerStandby, []byte{0x02}},
		{PowerSleep, []byte{0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			payload, err := EncodeValvePower(tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, payload)
		})
	}

	_, err := EncodeValvePower(PowerCommand(99))
	assert.Error(t, err)
}

func TestEncodeVivePower(t *testing.T) {
	const pairID = uint32(0xDEADBEEF)

	on, err := EncodeVivePower(PowerOn, pairID)
	require.NoError(t, err)
	require.Len(t, on, 20)
	assert.Equal(t, byte(0x12), on[0])
	assert.Equal(t, byte(0x00), on[1])
	assert.Equal(t, byte(0x00), on[3])
	assert.Equal(t, pairID, binary.LittleEndian.Uint32(on[4:8]))

	off, err := EncodeVivePower(PowerSleep, pairID)
	require.NoError(t, err)
	require.Len(t, off, 20)
	assert.Equal(t, byte(0x12), off[0])
	assert.Equal(t, byte(0x02), off[1])
	assert.Equal(t, byte(0x01), off[3])
	assert.Equal(t, pairID, binary.LittleEndian.Uint32(off[4:8]))

	// Trailing bytes are zero in both commands.
	for i := 8; i < 20; i++ {
		assert.Equal(t, byte(0x00), on[i])
		assert.Equal(t, byte(0x00), off[i])
	}

	// V1 protocol has no standby command.
	_, err = EncodeVivePower(PowerStandby, pairID)
	assert.Error(t, err)
}

func TestEncodeIdentify(t *testing.T) {
	assert.Equal(t, []byte{0x00}, EncodeIdentify())
}

func TestDecodeInfoString(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
		ok       bool
	}{
		{"plain string", []byte("1.0.0"), "1.0.0", true},
		{"padded string", []byte("  LHB-12345678  "), "LHB-12345678", true},
		{"surrounding whitespace", []byte("\tValve Corporation\n"), "Valve Corporation", true},
		{"empty", []byte{}, "", false},
		{"nil", nil, "", false},
		{"whitespace only", []byte("   "), "", false},
		{"invalid utf8", []byte{0xFF, 0xFE, 0x01}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := DecodeInfoString(tt.data)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, s)
		})
	}
}

func TestDecodeChannel(t *testing.T) {
	ch, ok := DecodeChannel([]byte{0x01})
	assert.True(t, ok)
	assert.Equal(t, 1, ch)

	ch, ok = DecodeChannel([]byte{0x00, 0x10})
	assert.True(t, ok)
	assert.Equal(t, 16, ch)

	_, ok = DecodeChannel(nil)
	assert.False(t, ok)

	_, ok = DecodeChannel([]byte{1, 2, 3, 4, 5})
	assert.False(t, ok)
}

func TestFormatPairID(t *testing.T) {
	assert.Equal(t, "0xDEADBEEF", FormatPairID(0xDEADBEEF))
	assert.Equal(t, "0x00000001", FormatPairID(1))
}
