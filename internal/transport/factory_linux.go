package transport

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates the platform ble.Device. It is a variable so tests
// can substitute a fake adapter.
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
