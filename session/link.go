package session

import (
	"context"
)

const (
	// DefaultServiceUUID identifies the clipboard exchange service.
	DefaultServiceUUID = "6e2f0001-9d2c-4b7a-a8f0-3c6a1f5e0b11"
	// DefaultCharacteristicUUID identifies the write/notify characteristic of that service.
	DefaultCharacteristicUUID = "6e2f0002-9d2c-4b7a-a8f0-3c6a1f5e0b11"

	// DefaultMTU is the link MTU before negotiation.
	DefaultMTU = 23
	// MaxMTU is the MTU requested after subscribing.
	MaxMTU = 512
	// ATTOverhead is subtracted from the MTU to get the usable write size.
	ATTOverhead = 3
	// MinPayloadSize and MaxPayloadSize bound the usable write size.
	MinPayloadSize = 20
	MaxPayloadSize = 512
)

// State is the connection state of one peer session.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateBonding          State = "bonding"
	StateBondFailed       State = "bond_failed"
	StateServiceDiscovery State = "service_discovery"
	StateConnected        State = "connected"
)

// Advertisement is one device seen while scanning.
type Advertisement struct {
	Address  string
	Name     string
	DeviceID string
}

// Service is a discovered GATT-like service.
type Service struct {
	UUID            string
	Characteristics []string
}

// HasCharacteristic reports whether the service exposes uuid.
func (s Service) HasCharacteristic(uuid string) bool {
	for _, c := range s.Characteristics {
		if c == uuid {
			return true
		}
	}
	return false
}

// EventKind identifies a link event.
type EventKind string

const (
	EventBondState    EventKind = "bond_state"
	EventMTUChanged   EventKind = "mtu_changed"
	EventNotification EventKind = "notification"
	EventDisconnected EventKind = "disconnected"
)

// LinkEvent is delivered on Link.Events.
type LinkEvent struct {
	Kind           EventKind
	Bonded         bool
	MTU            int
	Service        string
	Characteristic string
	Value          []byte
	Err            error
}

// Radio finds and connects to nearby devices.
type Radio interface {
	Scan(ctx context.Context, found func(Advertisement)) error
	Connect(ctx context.Context, address string) (Link, error)
}

// Link is one low-bandwidth connection. Events must be drained until it is closed.
type Link interface {
	Address() string
	Events() <-chan LinkEvent
	Bonded() bool
	CreateBond() error
	DiscoverServices(ctx context.Context) ([]Service, error)
	Subscribe(service, characteristic string) error
	RequestMTU(mtu int) error
	Write(ctx context.Context, service, characteristic string, value []byte) error
	Close() error
}

// PayloadSizeForMTU converts a link MTU into the usable write size.
func PayloadSizeForMTU(mtu int) int {
	size := mtu - ATTOverhead
	if size < MinPayloadSize {
		return MinPayloadSize
	}
	if size > MaxPayloadSize {
		return MaxPayloadSize
	}
	return size
}
