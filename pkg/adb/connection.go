package adb

import "time"

// State tracks the lifecycle of one logical stream.
type State int

const (
	// StateUnused marks a free slot; the record holds no connection.
	StateUnused State = iota

	// StateClosed marks a registered connection awaiting an open attempt.
	StateClosed

	// StateOpening marks a connection with an OPEN in flight.
	StateOpening

	// StateOpen marks an established connection ready for writes.
	StateOpen

	// StateWriting marks a connection with a WRITE awaiting its OKAY.
	StateWriting

	// StateReceiving marks a connection reassembling an inbound payload.
	StateReceiving
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUnused:
		return "unused"
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateWriting:
		return "writing"
	case StateReceiving:
		return "receiving"
	default:
		return "invalid"
	}
}

// Handle refers to a connection slot at a particular generation. The zero
// Handle is never valid. A handle goes stale the moment its slot returns to
// the unused state; every Engine method checks this before touching the
// slot, so a reused slot can never be reached through an old handle.
type Handle struct {
	index int
	gen   uint32
}

// Connection is one pool-allocated stream record. The table is the sole
// owner; the engine borrows records for the duration of a single poll step.
type Connection struct {
	localID    uint32    // Stream id assigned by this host, slot index + 1
	remoteID   uint32    // Stream id assigned by the peer, valid once open
	dest       string    // Service to open on the peer, e.g. "tcp:1234"
	persistent bool      // Reopen automatically after a close
	lastOpen   time.Time // Most recent OPEN attempt, gates retries

	bytesReceived uint32 // Progress of the in-flight inbound payload
	bytesExpected uint32 // Declared length of the in-flight inbound payload

	handler Handler // Optional per-connection event callback
	state   State
	gen     uint32 // Bumped on release, invalidates outstanding handles
}

// table is a fixed-capacity pool of connection records. Slots are reused;
// capacity is set once at engine construction and never grows.
type table struct {
	slots      []Connection
	maxDestLen int
}

func newTable(capacity, maxDestLen int) *table {
	t := &table{
		slots:      make([]Connection, capacity),
		maxDestLen: maxDestLen,
	}
	// Generations start at 1 so the zero Handle matches nothing.
	for i := range t.slots {
		t.slots[i].gen = 1
	}
	return t
}

// add claims the first unused slot for a new connection. The destination
// string is sent NUL-terminated, so it must fit maxDestLen less one.
func (t *table) add(dest string, persistent bool, handler Handler) (Handle, error) {
	if len(dest)+1 > t.maxDestLen {
		return Handle{}, ErrDestTooLong
	}

	for i := range t.slots {
		c := &t.slots[i]
		if c.state != StateUnused {
			continue
		}

		c.localID = uint32(i + 1) // stream id zero is reserved
		c.remoteID = 0
		c.dest = dest
		c.persistent = persistent
		c.handler = handler
		c.lastOpen = time.Time{}
		c.bytesReceived = 0
		c.bytesExpected = 0
		c.state = StateClosed

		return Handle{index: i, gen: c.gen}, nil
	}

	return Handle{}, ErrTableFull
}

// get resolves a handle to its record, or nil if the handle is stale or the
// slot is unused.
func (t *table) get(h Handle) *Connection {
	if h.index < 0 || h.index >= len(t.slots) {
		return nil
	}
	c := &t.slots[h.index]
	if c.state == StateUnused || c.gen != h.gen {
		return nil
	}
	return c
}

// byLocalID finds the in-use connection addressed by a frame's arg1 echo.
// At most one connection carries a given local id while in use.
func (t *table) byLocalID(id uint32) (*Connection, Handle) {
	for i := range t.slots {
		c := &t.slots[i]
		if c.state != StateUnused && c.localID == id {
			return c, Handle{index: i, gen: c.gen}
		}
	}
	return nil, Handle{}
}

// handleOf returns the current handle for an in-use record.
func (t *table) handleOf(c *Connection) Handle {
	for i := range t.slots {
		if &t.slots[i] == c {
			return Handle{index: i, gen: c.gen}
		}
	}
	return Handle{}
}

// release returns a slot to the unused state and invalidates every handle
// issued for its current occupant.
func (t *table) release(c *Connection) {
	c.state = StateUnused
	c.handler = nil
	c.gen++
}
