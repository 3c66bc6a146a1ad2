// Package radio owns the local radio: availability, scanning, advertising, connections and ordered writes.
package radio

import (
	"context"
)

// PowerState is the adapter state reported by a driver.
type PowerState int

const (
	StateUnknown PowerState = iota
	StatePoweredOn
	StatePoweredOff
	StateUnauthorized
	StateUnsupported
)

func (s PowerState) String() string {
	switch s {
	case StatePoweredOn:
		return "powered_on"
	case StatePoweredOff:
		return "powered_off"
	case StateUnauthorized:
		return "unauthorized"
	case StateUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Capability is tri-state: some platforms cannot tell whether the peripheral role works until it is tried.
type Capability int

const (
	CapabilityUnknown Capability = iota
	CapabilitySupported
	CapabilityUnsupported
)

// Advertisement is one scan result.
type Advertisement struct {
	DeviceID         string
	Name             string
	RSSI             int
	ManufacturerData []byte
}

// Channel is a connected payment characteristic. Frames are whole wire messages.
type Channel interface {
	Write(ctx context.Context, frame []byte) error
	Receive() <-chan []byte
	Done() <-chan struct{}
}

// Peripheral is an outbound connection before service discovery.
type Peripheral interface {
	ID() string
	DiscoverServices(ctx context.Context) error
	Characteristic(service, characteristic string) (Channel, error)
	Disconnect() error
}

// Central is an inbound connection accepted while advertising.
type Central interface {
	ID() string
	Channel() Channel
	Disconnect() error
}

// Driver adapts a platform radio stack.
type Driver interface {
	State(ctx context.Context) (PowerState, error)
	RequestPermissions(ctx context.Context) (bool, error)

	StartScan(ctx context.Context, found func(Advertisement)) error
	StopScan() error

	AdvertisingCapability() Capability
	SetDeviceName(name string) error
	SetManufacturerData(data []byte) error
	StartAdvertising(ctx context.Context, serviceUUID string) error
	StopAdvertising() error

	Connect(ctx context.Context, deviceID string) (Peripheral, error)
	Accept(ctx context.Context) (Central, error)
}
