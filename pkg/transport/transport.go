// Package transport defines the link boundary between the ADB engine and
// whatever carries its frames: a USB host controller, or the TCP link an
// Android device exposes for network debugging. It also provides the USB
// configuration-descriptor walk that selects the ADB interface on an
// attached device.
//
// The engine is the only caller; implementations need not be safe for
// concurrent use, since all I/O happens inside the engine's poll step.
package transport

import (
	"errors"

	"github.com/google/uuid"
)

// Errors returned by transport implementations.
var (
	// ErrNoData indicates a poll-mode read found nothing pending.
	ErrNoData = errors.New("no data pending")

	// ErrClosed indicates the link to the device is gone.
	ErrClosed = errors.New("transport closed")

	// ErrNoADBInterface indicates the device exposes no interface with
	// the ADB class/subclass/protocol triple and two bulk endpoints.
	ErrNoADBInterface = errors.New("no adb interface on device")
)

// Event identifies a bus-level hotplug notification.
type Event int

const (
	// Attach signals a device appeared on the bus.
	Attach Event = iota

	// Detach signals a device left the bus.
	Detach
)

// String returns a human-readable event name.
func (e Event) String() string {
	switch e {
	case Attach:
		return "attach"
	case Detach:
		return "detach"
	default:
		return "invalid"
	}
}

// Device is one attached peer offering bulk transfer in both directions.
type Device interface {
	// ID uniquely identifies this device for the lifetime of its
	// attachment. A re-attached device gets a fresh identity.
	ID() uuid.UUID

	// Descriptors returns the raw configuration descriptor blob for the
	// device's active configuration, to be walked by FindADBInterface.
	Descriptors() ([]byte, error)

	// Configure selects the configuration and endpoints named by cfg.
	// Called once per attachment, before any bulk transfer.
	Configure(cfg InterfaceConfig) error

	// BulkRead fills p from the IN endpoint and returns the byte count.
	// With wait false it polls: if nothing is pending it returns
	// (0, ErrNoData) immediately. With wait true it blocks until data
	// arrives or the link fails.
	BulkRead(p []byte, wait bool) (int, error)

	// BulkWrite sends p on the OUT endpoint and returns the byte count.
	BulkWrite(p []byte) (int, error)
}

// Bus delivers hotplug notifications and services link-level work. Poll
// must be called regularly; attach and detach events are delivered from
// inside Poll through the registered handler.
type Bus interface {
	// SetEventHandler registers the hotplug callback. Only one handler
	// is supported; a second call replaces the first.
	SetEventHandler(handler func(Device, Event))

	// Poll services the bus and dispatches pending hotplug events.
	Poll() error
}
