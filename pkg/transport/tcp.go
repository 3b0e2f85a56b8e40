package transport

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Timing for the TCP link. Poll-mode reads peek with a short deadline so
// the engine's poll step never stalls on an idle device.
const (
	tcpDialTimeout  = 3 * time.Second
	tcpPollTimeout  = time.Millisecond
	tcpRedialPeriod = time.Second
)

// tcpReadChunk sizes the staging reads that refill the device's stream
// buffer.
const tcpReadChunk = 4096

// tcpMaxPacketSize mirrors the bulk packet size a wired ADB endpoint
// advertises, keeping frame chunking identical across both link types.
const tcpMaxPacketSize = 64

// TCPDevice adapts a stream connection to the Device interface, speaking
// the same ADB framing Android exposes on its network debugging port. The
// device presents a synthetic configuration descriptor advertising the ADB
// interface triple, so the engine's attach path is identical for wired and
// networked peers.
type TCPDevice struct {
	id   uuid.UUID
	conn net.Conn
	rbuf []byte
	dead bool
}

// NewTCPDevice wraps an established connection as an attached device.
func NewTCPDevice(conn net.Conn) *TCPDevice {
	return &TCPDevice{
		id:   uuid.New(),
		conn: conn,
	}
}

// ID returns the identity assigned at attachment.
func (d *TCPDevice) ID() uuid.UUID {
	return d.id
}

// Descriptors returns a synthetic configuration blob: one configuration,
// one vendor-specific ADB interface, one bulk endpoint pair.
func (d *TCPDevice) Descriptors() ([]byte, error) {
	if d.dead {
		return nil, ErrClosed
	}
	return syntheticDescriptors(), nil
}

// Configure is a no-op: a stream connection has no endpoints to select.
func (d *TCPDevice) Configure(InterfaceConfig) error {
	if d.dead {
		return ErrClosed
	}
	return nil
}

// BulkRead reads from the stream. A stream does not preserve the peer's
// write boundaries, so inbound bytes are staged through an internal buffer
// and a transfer completes only once the full requested length is
// available. Poll mode reports ErrNoData until then; wait mode blocks for
// the remainder. Either way a successful read delivers exactly len(p)
// bytes, matching what a bulk endpoint would hand back.
func (d *TCPDevice) BulkRead(p []byte, wait bool) (int, error) {
	if d.dead {
		return 0, ErrClosed
	}

	if wait {
		n := d.take(p)
		if n < len(p) {
			d.conn.SetReadDeadline(time.Time{})
			if _, err := io.ReadFull(d.conn, p[n:]); err != nil {
				d.dead = true
				return n, ErrClosed
			}
		}
		return len(p), nil
	}

	if len(d.rbuf) < len(p) {
		d.conn.SetReadDeadline(time.Now().Add(tcpPollTimeout))
		chunk := make([]byte, tcpReadChunk)
		n, err := d.conn.Read(chunk)
		d.rbuf = append(d.rbuf, chunk[:n]...)
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				d.dead = true
				return 0, ErrClosed
			}
		}
	}
	if len(d.rbuf) < len(p) {
		return 0, ErrNoData
	}
	return d.take(p), nil
}

// take moves up to len(p) buffered bytes into p.
func (d *TCPDevice) take(p []byte) int {
	n := copy(p, d.rbuf)
	if n == len(d.rbuf) {
		d.rbuf = nil
	} else {
		d.rbuf = d.rbuf[n:]
	}
	return n
}

// BulkWrite sends p on the stream.
func (d *TCPDevice) BulkWrite(p []byte) (int, error) {
	if d.dead {
		return 0, ErrClosed
	}
	n, err := d.conn.Write(p)
	if err != nil {
		d.dead = true
		return n, ErrClosed
	}
	return n, nil
}

// Close tears down the underlying connection.
func (d *TCPDevice) Close() error {
	d.dead = true
	return d.conn.Close()
}

// TCPBus maintains the link to one networked ADB device. It dials the
// configured address with a redial backoff and reports attachment and
// detachment through the hotplug handler, from inside Poll.
type TCPBus struct {
	addr     string
	handler  func(Device, Event)
	device   *TCPDevice
	lastDial time.Time
}

// NewTCPBus creates a bus dialing the given host:port on each Poll until a
// device answers.
func NewTCPBus(addr string) *TCPBus {
	return &TCPBus{addr: addr}
}

// SetEventHandler registers the hotplug callback.
func (b *TCPBus) SetEventHandler(handler func(Device, Event)) {
	b.handler = handler
}

// Poll services the link: detects a dead device, or dials a new one when
// none is attached. Dial failures are not errors; the bus simply retries
// after the redial period.
func (b *TCPBus) Poll() error {
	if b.device != nil {
		if !b.device.dead {
			return nil
		}
		dev := b.device
		b.device = nil
		dev.conn.Close()
		if b.handler != nil {
			b.handler(dev, Detach)
		}
		return nil
	}

	if time.Since(b.lastDial) < tcpRedialPeriod {
		return nil
	}
	b.lastDial = time.Now()

	conn, err := net.DialTimeout("tcp", b.addr, tcpDialTimeout)
	if err != nil {
		log.Debug().Err(err).Str("addr", b.addr).Msg("Dial failed, will retry")
		return nil
	}

	b.device = NewTCPDevice(conn)
	log.Info().Str("addr", b.addr).Str("device", b.device.id.String()).Msg("Device attached")
	if b.handler != nil {
		b.handler(b.device, Attach)
	}
	return nil
}

// Close detaches the current device, if any, without firing an event.
func (b *TCPBus) Close() error {
	if b.device == nil {
		return nil
	}
	dev := b.device
	b.device = nil
	return dev.Close()
}

// syntheticDescriptors builds the configuration blob a TCPDevice presents:
// configuration 1 holding interface 0 with class ff/42/01 and a bulk
// endpoint pair (0x81 in, 0x01 out).
func syntheticDescriptors() []byte {
	buf := make([]byte, 0, 9+9+7+7)

	total := make([]byte, 2)
	binary.LittleEndian.PutUint16(total, 9+9+7+7)

	// Configuration descriptor.
	buf = append(buf, 9, descTypeConfiguration, total[0], total[1], 1, 1, 0, 0x80, 50)
	// Interface descriptor.
	buf = append(buf, 9, descTypeInterface, 0, 0, 2, adbClass, adbSubclass, adbProtocol, 0)
	// Bulk IN and OUT endpoint descriptors.
	buf = append(buf, 7, descTypeEndpoint, 0x81, transferTypeBulk, tcpMaxPacketSize, 0, 0)
	buf = append(buf, 7, descTypeEndpoint, 0x01, transferTypeBulk, tcpMaxPacketSize, 0, 0)

	return buf
}
