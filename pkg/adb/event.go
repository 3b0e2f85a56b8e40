package adb

// EventType identifies a protocol event surfaced to application code.
type EventType int

const (
	// EventConnect signals the device-level handshake completed. The
	// event carries the peer's identity banner and no connection.
	EventConnect EventType = iota

	// EventConnectionOpen signals a connection reached the open state.
	EventConnectionOpen

	// EventConnectionClose signals the peer closed an established
	// connection, or the device detached underneath it.
	EventConnectionClose

	// EventConnectionFailed signals the peer rejected an open attempt.
	EventConnectionFailed

	// EventConnectionReceive carries one inbound payload chunk. Large
	// payloads produce one event per transport packet, in order.
	EventConnectionReceive
)

// String returns a human-readable event name.
func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventConnectionOpen:
		return "connection open"
	case EventConnectionClose:
		return "connection close"
	case EventConnectionFailed:
		return "connection failed"
	case EventConnectionReceive:
		return "connection receive"
	default:
		return "invalid"
	}
}

// Event is delivered synchronously from within Poll. Data is only valid for
// the duration of the callback; handlers that keep payload bytes must copy
// them. Conn is the zero Handle for device-level events.
type Event struct {
	Type EventType
	Conn Handle // Addressed connection, zero for device-level events
	Dest string // Destination of the addressed connection, "" otherwise
	Data []byte // Identity banner or payload chunk, nil otherwise
}

// Handler receives protocol events. Handlers run inline with Poll and must
// not block; a handler may issue new writes, which re-enter the outbound
// path directly.
type Handler func(Event)

// dispatcher routes events through the two-tier delivery contract: the
// process-wide handler first, then the addressed connection's handler.
// Delivery is synchronous and unqueued.
type dispatcher struct {
	global Handler
}

func (d *dispatcher) fire(e Event, connHandler Handler) {
	if d.global != nil {
		d.global(e)
	}
	if connHandler != nil {
		connHandler(e)
	}
}
