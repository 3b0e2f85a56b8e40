package adb

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"adblink/pkg/transport"
)

// connectBannerMax caps how much of the peer's CNXN identity payload is
// consumed and surfaced through the connect event.
const connectBannerMax = 256

// Config holds the tunables of one engine instance. The zero value of any
// field falls back to its default at construction.
type Config struct {
	// MaxConnections is the fixed connection pool capacity.
	MaxConnections int

	// MaxDestLen caps the destination string including its trailing NUL.
	MaxDestLen int

	// PacketSize is the bulk transport packet size; inbound payloads are
	// reassembled in chunks of this size.
	PacketSize int

	// MaxPayload is the stream window size advertised in the handshake.
	MaxPayload uint32

	// RetryInterval throttles OPEN attempts for closed connections.
	RetryInterval time.Duration

	// SettleDelay is the bounded wait after sending the handshake CNXN,
	// covering the peer's enumeration latency.
	SettleDelay time.Duration

	// Banner is the host identity sent in the handshake.
	Banner string

	// SystemVersion is the protocol version advertised in the handshake.
	SystemVersion uint32
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 4,
		MaxDestLen:     64,
		PacketSize:     64,
		MaxPayload:     4096,
		RetryInterval:  time.Second,
		SettleDelay:    500 * time.Millisecond,
		Banner:         "host::adblink",
		SystemVersion:  0x01000000,
	}
}

// Engine drives the host side of the ADB protocol for one device: the
// device-level handshake, the per-connection state machines, and event
// delivery. All work happens inside Poll; the engine is single-threaded
// and must be polled on a regular cadence by one goroutine.
type Engine struct {
	cfg Config

	bus       transport.Bus
	device    transport.Device
	connected bool

	table      *table
	dispatcher dispatcher

	// Clock seams, overridden in tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// New creates an engine with the given tunables. Zero-valued fields take
// their defaults. Call Init before polling.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MaxDestLen <= 0 {
		cfg.MaxDestLen = def.MaxDestLen
	}
	if cfg.PacketSize <= 0 {
		cfg.PacketSize = def.PacketSize
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = def.MaxPayload
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.Banner == "" {
		cfg.Banner = def.Banner
	}
	if cfg.SystemVersion == 0 {
		cfg.SystemVersion = def.SystemVersion
	}

	return &Engine{
		cfg:   cfg,
		table: newTable(cfg.MaxConnections, cfg.MaxDestLen),
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// Init resets device-level state and attaches the transport bus, hooking
// the engine into its hotplug notifications. Registered connections
// survive; in-flight ones are force-closed first.
func (e *Engine) Init(bus transport.Bus) {
	if e.device != nil {
		e.closeAll()
	}
	e.device = nil
	e.connected = false
	e.bus = bus
	if bus != nil {
		bus.SetEventHandler(e.onBusEvent)
	}
}

// SetEventHandler registers the process-wide event handler. It is invoked
// before any connection-specific handler for every event.
func (e *Engine) SetEventHandler(handler Handler) {
	e.dispatcher.global = handler
}

// AddConnection registers a logical stream to the given destination, for
// example "tcp:1234" or "shell:ls". Persistent connections reopen
// automatically after a close, gated by the retry interval; non-persistent
// ones open once and release their slot when closed. The optional handler
// receives this connection's events after the global handler.
//
// The returned handle stays valid until the connection's slot is released;
// using it afterwards fails with ErrStaleHandle.
func (e *Engine) AddConnection(dest string, persistent bool, handler Handler) (Handle, error) {
	return e.table.add(dest, persistent, handler)
}

// Write sends data on an open connection. It fails synchronously with
// ErrNotConnected while the device link is down and ErrNotOpen unless the
// connection is in the open state; nothing is queued. On success the
// connection stays in the writing state until the peer acknowledges.
func (e *Engine) Write(h Handle, data []byte) error {
	if e.device == nil || !e.connected {
		return ErrNotConnected
	}

	c := e.table.get(h)
	if c == nil {
		return ErrStaleHandle
	}
	if c.state != StateOpen {
		return ErrNotOpen
	}

	if err := e.sendMessage(CmdWrite, c.localID, c.remoteID, data); err != nil {
		return fmt.Errorf("write connection %d: %w", c.localID, err)
	}
	c.state = StateWriting
	return nil
}

// WriteString sends a string on an open connection. The trailing NUL is
// transmitted, as the peer's service endpoints expect C strings.
func (e *Engine) WriteString(h Handle, s string) error {
	return e.Write(h, append([]byte(s), 0))
}

// Connected reports whether the device-level handshake has completed.
func (e *Engine) Connected() bool {
	return e.connected
}

// DeviceAttached reports whether an ADB device is currently adopted.
func (e *Engine) DeviceAttached() bool {
	return e.device != nil
}

// ConnectionInfo is a point-in-time snapshot of one in-use pool slot.
type ConnectionInfo struct {
	Handle     Handle
	LocalID    uint32
	RemoteID   uint32
	Dest       string
	State      State
	Persistent bool

	// Progress of the most recent inbound payload, in bytes. Equal once
	// the transfer has fully drained.
	BytesReceived uint32
	BytesExpected uint32
}

// Connections snapshots every in-use slot, in slot order. The snapshot is
// only current until the next poll step.
func (e *Engine) Connections() []ConnectionInfo {
	var infos []ConnectionInfo
	for i := range e.table.slots {
		c := &e.table.slots[i]
		if c.state == StateUnused {
			continue
		}
		infos = append(infos, ConnectionInfo{
			Handle:        Handle{index: i, gen: c.gen},
			LocalID:       c.localID,
			RemoteID:      c.remoteID,
			Dest:          c.dest,
			State:         c.state,
			Persistent:    c.persistent,
			BytesReceived: c.bytesReceived,
			BytesExpected: c.bytesExpected,
		})
	}
	return infos
}

// Poll runs one protocol step: bus servicing and hotplug, the device
// handshake, due connection opens, and at most one inbound frame routed to
// its connection. Events fire synchronously from inside this call. With no
// device attached, Poll is an idle step.
func (e *Engine) Poll() error {
	if e.bus != nil {
		if err := e.bus.Poll(); err != nil {
			return fmt.Errorf("bus poll: %w", err)
		}
	}

	if e.device == nil {
		return nil
	}

	// Advertise ourselves until the device answers. The settle wait
	// covers the peer's enumeration latency before the first response.
	if !e.connected {
		banner := append([]byte(e.cfg.Banner), 0)
		if err := e.sendMessage(CmdConnect, e.cfg.SystemVersion, e.cfg.MaxPayload, banner); err != nil {
			log.Warn().Err(err).Msg("Handshake send failed")
		}
		e.sleep(e.cfg.SettleDelay)
	}

	if e.connected {
		e.openDueConnections()
	}

	msg, ok := e.readMessage()
	if !ok {
		return nil
	}

	if msg.Command == CmdConnect {
		e.handleConnect(msg)
	}

	if c, h := e.table.byLocalID(msg.Arg1); c != nil {
		switch msg.Command {
		case CmdOkay:
			e.handleOkay(c, h, msg)
		case CmdClose:
			e.handleClose(c, h)
		case CmdWrite:
			e.handleWrite(c, h, msg)
		}
	}

	return nil
}

// onBusEvent reacts to hotplug notifications delivered from Bus.Poll.
func (e *Engine) onBusEvent(dev transport.Device, ev transport.Event) {
	switch ev {
	case transport.Attach:
		e.adoptDevice(dev)

	case transport.Detach:
		if e.device == nil || e.device.ID() != dev.ID() {
			return
		}
		log.Info().Str("device", dev.ID().String()).Msg("Device detached")
		e.closeAll()
		e.device = nil
		e.connected = false
	}
}

// adoptDevice enumerates an attached device and, if it carries an ADB
// interface, configures and adopts it. Non-ADB devices are ignored.
func (e *Engine) adoptDevice(dev transport.Device) {
	raw, err := dev.Descriptors()
	if err != nil {
		log.Warn().Err(err).Msg("Descriptor read failed")
		return
	}

	cfg, err := transport.FindADBInterface(raw)
	if err != nil {
		log.Debug().Str("device", dev.ID().String()).Msg("Not an adb device, ignoring")
		return
	}

	if err := dev.Configure(cfg); err != nil {
		log.Warn().Err(err).Msg("Device configuration failed")
		return
	}

	log.Info().
		Str("device", dev.ID().String()).
		Uint8("interface", cfg.Interface).
		Uint8("ep_in", cfg.InEndpoint).
		Uint8("ep_out", cfg.OutEndpoint).
		Msg("ADB device adopted")
	e.device = dev
}

// openDueConnections sends OPEN for every closed connection whose retry
// interval has elapsed. A connection whose send fails stays closed and is
// retried after the interval.
func (e *Engine) openDueConnections() {
	for i := range e.table.slots {
		c := &e.table.slots[i]
		if c.state != StateClosed {
			continue
		}
		if !c.lastOpen.IsZero() && e.now().Sub(c.lastOpen) < e.cfg.RetryInterval {
			continue
		}

		c.lastOpen = e.now()
		dest := append([]byte(c.dest), 0)
		if err := e.sendMessage(CmdOpen, c.localID, 0, dest); err != nil {
			log.Warn().Err(err).Str("dest", c.dest).Msg("Open send failed")
			continue
		}
		c.state = StateOpening
	}
}

// readMessage polls the device for one frame header, requesting exactly a
// header's worth so stream transports can frame the read. Corrupt or short
// headers are dropped, never retried.
func (e *Engine) readMessage() (Message, bool) {
	buf := make([]byte, MessageSize)
	n, err := e.device.BulkRead(buf, false)
	if err != nil {
		return Message{}, false
	}

	msg, ok := DecodeHeader(buf[:n])
	if !ok {
		log.Debug().Int("bytes", n).Msg("Dropped corrupt frame")
		return Message{}, false
	}
	return msg, true
}

// handleConnect consumes the device's CNXN response: its identity banner is
// read off the link and surfaced through the connect event, and the engine
// marks the device-level link established.
func (e *Engine) handleConnect(msg Message) {
	var banner []byte
	if msg.Length > 0 {
		want := msg.Length
		if want > connectBannerMax {
			want = connectBannerMax
		}
		banner = make([]byte, want)
		if _, err := e.device.BulkRead(banner, true); err != nil {
			log.Warn().Err(err).Msg("Connect banner read failed")
			return
		}
	}

	e.connected = true
	log.Info().Str("banner", string(banner)).Msg("Device connected")
	e.fire(EventConnect, nil, Handle{}, banner)
}

// handleOkay advances a connection on acknowledgment: an opening connection
// becomes open and records the peer's stream id, a writing connection
// returns to open. Anything else is unsolicited and ignored.
func (e *Engine) handleOkay(c *Connection, h Handle, msg Message) {
	switch c.state {
	case StateOpening:
		c.state = StateOpen
		c.remoteID = msg.Arg0
		e.fire(EventConnectionOpen, c, h, nil)

	case StateWriting:
		c.state = StateOpen

	default:
		log.Debug().
			Uint32("local_id", c.localID).
			Str("state", c.state.String()).
			Msg("Unsolicited OKAY, ignoring")
	}
}

// handleClose retires a connection on peer CLOSE or device detach. An
// opening connection fails, an established one closes; persistent
// connections return to closed and stay eligible for reopening, others
// release their slot.
func (e *Engine) handleClose(c *Connection, h Handle) {
	if c.state == StateOpening {
		e.fire(EventConnectionFailed, c, h, nil)
	} else {
		e.fire(EventConnectionClose, c, h, nil)
	}

	if c.persistent {
		c.state = StateClosed
	} else {
		e.table.release(c)
	}
}

// handleWrite reassembles an inbound payload in packet-size chunks, firing
// one receive event per chunk so large payloads stream without a staging
// buffer. Progress advances by the requested chunk length even on a
// transport short read, trusting the link to deliver the declared count
// eventually. A single OKAY acknowledging the peer's identifiers goes out
// after the declared length is consumed, and the connection returns to its
// prior state.
func (e *Engine) handleWrite(c *Connection, h Handle, msg Message) {
	previous := c.state
	c.state = StateReceiving
	c.bytesReceived = 0
	c.bytesExpected = msg.Length

	buf := make([]byte, e.cfg.PacketSize)
	remaining := int(msg.Length)
	for remaining > 0 {
		want := remaining
		if want > e.cfg.PacketSize {
			want = e.cfg.PacketSize
		}

		n, err := e.device.BulkRead(buf[:want], true)
		if err != nil {
			log.Warn().Err(err).Uint32("local_id", c.localID).Msg("Payload read failed")
			break
		}
		if n != want {
			log.Warn().
				Int("expected", want).
				Int("read", n).
				Int("left", remaining).
				Msg("Payload read mismatch")
		}

		c.bytesReceived += uint32(want)
		e.fire(EventConnectionReceive, c, h, buf[:want])

		remaining -= n
	}

	if err := e.sendMessage(CmdOkay, msg.Arg1, msg.Arg0, nil); err != nil {
		log.Warn().Err(err).Msg("Receive acknowledgment failed")
	}

	c.state = previous
}

// closeAll force-closes every connection that is neither unused nor
// closed, firing the usual close events.
func (e *Engine) closeAll() {
	for i := range e.table.slots {
		c := &e.table.slots[i]
		if c.state == StateUnused || c.state == StateClosed {
			continue
		}
		e.handleClose(c, e.table.handleOf(c))
	}
}

// sendMessage writes a header and optional payload to the device.
func (e *Engine) sendMessage(command, arg0, arg1 uint32, payload []byte) error {
	if e.device == nil {
		return ErrNotConnected
	}

	msg := NewMessage(command, arg0, arg1, payload)
	if _, err := e.device.BulkWrite(msg.Marshal()); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := e.device.BulkWrite(payload); err != nil {
			return err
		}
	}
	return nil
}

// fire delivers one event through the dispatcher.
func (e *Engine) fire(t EventType, c *Connection, h Handle, data []byte) {
	ev := Event{Type: t, Conn: h, Data: data}
	var connHandler Handler
	if c != nil {
		ev.Dest = c.dest
		connHandler = c.handler
	}
	e.dispatcher.fire(ev, connHandler)
}
