package pci

const (
	bridgeVendorID = 0x8086
	bridgeDeviceID = 0x6000

	// base class 0x06 (bridge), subclass 0x00 (host).
	classHostBridge = 0x060000
)

// NewHostBridge builds the root complex for slot 0. It has no BARs; its only
// job is to answer configuration cycles so firmware finds a sane bus.
func NewHostBridge() *Device {
	d, err := NewDevice(0, bridgeVendorID, bridgeDeviceID, classHostBridge)
	if err != nil {
		// The bridge geometry is constant; this cannot fail.
		panic(err)
	}

	return d
}
