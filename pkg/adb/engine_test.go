package adb

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"adblink/pkg/transport"
)

// fakeDevice is a scriptable transport device. Queued reads are returned
// one transfer per BulkRead call; writes are captured for inspection.
type fakeDevice struct {
	id         uuid.UUID
	reads      [][]byte
	writes     [][]byte
	configured bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{id: uuid.New()}
}

func (d *fakeDevice) ID() uuid.UUID { return d.id }

func (d *fakeDevice) Descriptors() ([]byte, error) {
	// One configuration, one ADB interface, one bulk endpoint pair.
	return []byte{
		9, 0x02, 32, 0, 1, 1, 0, 0x80, 50,
		9, 0x04, 0, 0, 2, 0xff, 0x42, 0x01, 0,
		7, 0x05, 0x81, 0x02, 64, 0, 0,
		7, 0x05, 0x01, 0x02, 64, 0, 0,
	}, nil
}

func (d *fakeDevice) Configure(transport.InterfaceConfig) error {
	d.configured = true
	return nil
}

func (d *fakeDevice) BulkRead(p []byte, wait bool) (int, error) {
	if len(d.reads) == 0 {
		return 0, transport.ErrNoData
	}
	chunk := d.reads[0]
	d.reads = d.reads[1:]
	return copy(p, chunk), nil
}

func (d *fakeDevice) BulkWrite(p []byte) (int, error) {
	d.writes = append(d.writes, append([]byte(nil), p...))
	return len(p), nil
}

// queue appends one inbound transfer.
func (d *fakeDevice) queue(chunks ...[]byte) {
	d.reads = append(d.reads, chunks...)
}

// sentCommands decodes every captured header write.
func (d *fakeDevice) sentCommands() []Message {
	var msgs []Message
	for _, w := range d.writes {
		if m, ok := DecodeHeader(w); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// fakeBus delivers hotplug events on demand.
type fakeBus struct {
	handler func(transport.Device, transport.Event)
}

func (b *fakeBus) SetEventHandler(h func(transport.Device, transport.Event)) { b.handler = h }
func (b *fakeBus) Poll() error                                               { return nil }

func (b *fakeBus) attach(d transport.Device) { b.handler(d, transport.Attach) }
func (b *fakeBus) detach(d transport.Device) { b.handler(d, transport.Detach) }

// newTestEngine builds an engine with a fake clock, a no-op settle sleep,
// and an adopted fake device.
func newTestEngine(t *testing.T) (*Engine, *fakeDevice, *fakeBus, *time.Time) {
	t.Helper()

	e := New(Config{})
	clock := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return clock }
	e.sleep = func(time.Duration) {}

	bus := &fakeBus{}
	e.Init(bus)

	dev := newFakeDevice()
	bus.attach(dev)
	if !e.DeviceAttached() {
		t.Fatal("fake device was not adopted")
	}
	if !dev.configured {
		t.Fatal("device was not configured on attach")
	}

	return e, dev, bus, &clock
}

func poll(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Poll(); err != nil {
		t.Fatalf("poll: %v", err)
	}
}

// connectDevice completes the device-level handshake.
func connectDevice(t *testing.T, e *Engine, dev *fakeDevice) {
	t.Helper()
	dev.queue(NewMessage(CmdConnect, 0x01000000, 4096, nil).Marshal())
	poll(t, e)
	if !e.Connected() {
		t.Fatal("handshake did not complete")
	}
	dev.writes = nil
}

// openConnection adds a connection and walks it to the open state with the
// given peer stream id.
func openConnection(t *testing.T, e *Engine, dev *fakeDevice, dest string, persistent bool, remoteID uint32) Handle {
	t.Helper()

	h, err := e.AddConnection(dest, persistent, nil)
	if err != nil {
		t.Fatalf("add connection: %v", err)
	}
	localID := e.table.get(h).localID

	poll(t, e) // sends OPEN
	if got := e.table.get(h).state; got != StateOpening {
		t.Fatalf("state after OPEN = %v, want opening", got)
	}

	dev.queue(NewMessage(CmdOkay, remoteID, localID, nil).Marshal())
	poll(t, e)
	if got := e.table.get(h).state; got != StateOpen {
		t.Fatalf("state after OKAY = %v, want open", got)
	}
	dev.writes = nil
	return h
}

func TestHandshake(t *testing.T) {
	e, dev, _, _ := newTestEngine(t)

	var events []Event
	e.SetEventHandler(func(ev Event) { events = append(events, ev) })

	// First poll advertises the host; no response is queued yet.
	poll(t, e)
	msgs := dev.sentCommands()
	if len(msgs) != 1 || msgs[0].Command != CmdConnect {
		t.Fatalf("sent %+v, want one CNXN", msgs)
	}
	if msgs[0].Arg0 != 0x01000000 || msgs[0].Arg1 != 4096 {
		t.Fatalf("CNXN args %#x %d, want 0x01000000 4096", msgs[0].Arg0, msgs[0].Arg1)
	}
	wantBanner := []byte("host::adblink\x00")
	if !bytes.Equal(dev.writes[1], wantBanner) {
		t.Fatalf("banner payload %q, want %q", dev.writes[1], wantBanner)
	}
	if e.Connected() {
		t.Fatal("connected before the device answered")
	}

	// The device answers with its identity banner.
	peerBanner := []byte("device::pixel\x00")
	dev.queue(NewMessage(CmdConnect, 0x01000000, 4096, peerBanner).Marshal(), peerBanner)
	poll(t, e)

	if !e.Connected() {
		t.Fatal("not connected after CNXN response")
	}
	if len(events) != 1 || events[0].Type != EventConnect {
		t.Fatalf("events %+v, want one connect", events)
	}
	if !bytes.Equal(events[0].Data, peerBanner) {
		t.Fatalf("connect banner %q, want %q", events[0].Data, peerBanner)
	}
	if events[0].Conn != (Handle{}) {
		t.Fatal("device-level event carried a connection handle")
	}
}

func TestOpenSendsDestination(t *testing.T) {
	e, dev, _, _ := newTestEngine(t)
	connectDevice(t, e, dev)

	if _, err := e.AddConnection("tcp:1234", false, nil); err != nil {
		t.Fatal(err)
	}
	poll(t, e)

	msgs := dev.sentCommands()
	if len(msgs) != 1 || msgs[0].Command != CmdOpen {
		t.Fatalf("sent %+v, want one OPEN", msgs)
	}
	if msgs[0].Arg0 != 1 || msgs[0].Arg1 != 0 {
		t.Fatalf("OPEN args %d %d, want 1 0", msgs[0].Arg0, msgs[0].Arg1)
	}
	if want := []byte("tcp:1234\x00"); !bytes.Equal(dev.writes[1], want) {
		t.Fatalf("OPEN payload %q, want %q", dev.writes[1], want)
	}
}

func TestRetryGate(t *testing.T) {
	e, dev, _, clock := newTestEngine(t)
	connectDevice(t, e, dev)

	h, err := e.AddConnection("tcp:1234", true, nil)
	if err != nil {
		t.Fatal(err)
	}

	var events []Event
	e.SetEventHandler(func(ev Event) { events = append(events, ev) })

	poll(t, e) // first OPEN

	// Peer refuses before the open completes: a persistent connection
	// fails back to closed, keeping its slot.
	dev.queue(NewMessage(CmdClose, 0, 1, nil).Marshal())
	poll(t, e)
	if len(events) != 1 || events[0].Type != EventConnectionFailed {
		t.Fatalf("events %+v, want one connection failed", events)
	}
	if got := e.table.get(h).state; got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}

	// Not eligible again until the retry interval has elapsed.
	dev.writes = nil
	*clock = clock.Add(e.cfg.RetryInterval - time.Millisecond)
	poll(t, e)
	if len(dev.sentCommands()) != 0 {
		t.Fatal("OPEN sent before the retry interval elapsed")
	}

	// Eligible exactly at the interval.
	*clock = clock.Add(time.Millisecond)
	poll(t, e)
	msgs := dev.sentCommands()
	if len(msgs) != 1 || msgs[0].Command != CmdOpen {
		t.Fatalf("sent %+v, want one OPEN after the interval", msgs)
	}
}

func TestNonPersistentCloseReleasesSlot(t *testing.T) {
	e, dev, _, _ := newTestEngine(t)
	connectDevice(t, e, dev)

	var events []Event
	e.SetEventHandler(func(ev Event) { events = append(events, ev) })

	h := openConnection(t, e, dev, "shell:ls", false, 42)
	if len(events) != 1 || events[0].Type != EventConnectionOpen {
		t.Fatalf("events %+v, want one connection open", events)
	}
	if got := e.table.get(h).remoteID; got != 42 {
		t.Fatalf("remote id %d, want 42", got)
	}

	events = nil
	dev.queue(NewMessage(CmdClose, 42, 1, nil).Marshal())
	poll(t, e)

	if len(events) != 1 || events[0].Type != EventConnectionClose {
		t.Fatalf("events %+v, want one connection close", events)
	}
	if err := e.Write(h, []byte("x")); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("write through released handle returned %v, want ErrStaleHandle", err)
	}

	// The slot is immediately reusable under the same local id.
	h2, err := e.AddConnection("tcp:9999", false, nil)
	if err != nil {
		t.Fatalf("slot not reusable: %v", err)
	}
	if got := e.table.get(h2).localID; got != 1 {
		t.Fatalf("reused slot local id %d, want 1", got)
	}
}

func TestWriteLifecycle(t *testing.T) {
	e, dev, _, _ := newTestEngine(t)
	connectDevice(t, e, dev)
	h := openConnection(t, e, dev, "tcp:1234", false, 77)

	payload := []byte("ping")
	if err := e.Write(h, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	msgs := dev.sentCommands()
	if len(msgs) != 1 || msgs[0].Command != CmdWrite {
		t.Fatalf("sent %+v, want one WRTE", msgs)
	}
	if msgs[0].Arg0 != 1 || msgs[0].Arg1 != 77 {
		t.Fatalf("WRTE args %d %d, want 1 77", msgs[0].Arg0, msgs[0].Arg1)
	}
	if got := e.table.get(h).state; got != StateWriting {
		t.Fatalf("state after write = %v, want writing", got)
	}

	// A second write before the acknowledgment is refused.
	if err := e.Write(h, payload); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("write while writing returned %v, want ErrNotOpen", err)
	}

	dev.queue(NewMessage(CmdOkay, 77, 1, nil).Marshal())
	poll(t, e)
	if got := e.table.get(h).state; got != StateOpen {
		t.Fatalf("state after OKAY = %v, want open", got)
	}
}

func TestWriteErrors(t *testing.T) {
	e, dev, _, _ := newTestEngine(t)

	h, err := e.AddConnection("tcp:1", false, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Device link not up yet.
	if err := e.Write(h, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("write before handshake returned %v, want ErrNotConnected", err)
	}

	connectDevice(t, e, dev)

	// Connection registered but not open.
	written := len(dev.writes)
	if err := e.Write(h, []byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("write on closed connection returned %v, want ErrNotOpen", err)
	}
	if len(dev.writes) != written {
		t.Fatal("failed write produced an outbound frame")
	}
}

func TestReceiveReassembly(t *testing.T) {
	e, dev, _, _ := newTestEngine(t)
	connectDevice(t, e, dev)
	h := openConnection(t, e, dev, "tcp:1234", false, 99)

	payload := make([]byte, 130)
	for i := range payload {
		payload[i] = byte(i)
	}

	// One WRTE frame spanning three transport packets.
	dev.queue(
		NewMessage(CmdWrite, 99, 1, payload).Marshal(),
		payload[0:64],
		payload[64:128],
		payload[128:130],
	)

	var chunks [][]byte
	var progress []uint32
	e.SetEventHandler(func(ev Event) {
		if ev.Type == EventConnectionReceive {
			chunks = append(chunks, append([]byte(nil), ev.Data...))
			for _, info := range e.Connections() {
				if info.Handle == h {
					progress = append(progress, info.BytesReceived)
					if info.BytesExpected != 130 {
						t.Errorf("BytesExpected = %d, want 130", info.BytesExpected)
					}
					if info.State != StateReceiving {
						t.Errorf("state during receive = %v, want receiving", info.State)
					}
				}
			}
		}
	})
	poll(t, e)

	if len(chunks) != 3 {
		t.Fatalf("got %d receive events, want 3", len(chunks))
	}
	for i, want := range []int{64, 64, 2} {
		if len(chunks[i]) != want {
			t.Fatalf("chunk %d is %d bytes, want %d", i, len(chunks[i]), want)
		}
	}
	if !bytes.Equal(bytes.Join(chunks, nil), payload) {
		t.Fatal("reassembled payload differs from original")
	}

	// Each receive event reflects the running byte count.
	if len(progress) != 3 || progress[0] != 64 || progress[1] != 128 || progress[2] != 130 {
		t.Fatalf("receive progress %v, want [64 128 130]", progress)
	}

	// Exactly one OKAY acknowledging the peer's identifiers.
	msgs := dev.sentCommands()
	if len(msgs) != 1 || msgs[0].Command != CmdOkay {
		t.Fatalf("sent %+v, want one OKAY", msgs)
	}
	if msgs[0].Arg0 != 1 || msgs[0].Arg1 != 99 {
		t.Fatalf("OKAY args %d %d, want 1 99", msgs[0].Arg0, msgs[0].Arg1)
	}
	if got := e.table.get(h).state; got != StateOpen {
		t.Fatalf("state after receive = %v, want open", got)
	}
}

func TestDetachClosesOpenConnections(t *testing.T) {
	e, dev, bus, _ := newTestEngine(t)
	connectDevice(t, e, dev)

	openConnection(t, e, dev, "tcp:1", true, 10)
	openConnection(t, e, dev, "tcp:2", true, 20)

	// Third connection stays closed: no open events for it on detach.
	if _, err := e.AddConnection("tcp:3", true, nil); err != nil {
		t.Fatal(err)
	}

	var events []Event
	e.SetEventHandler(func(ev Event) { events = append(events, ev) })

	bus.detach(dev)

	if len(events) != 2 {
		t.Fatalf("got %d events on detach, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Type != EventConnectionClose {
			t.Fatalf("event %v, want connection close", ev.Type)
		}
	}
	if e.Connected() {
		t.Fatal("still connected after detach")
	}
	if e.DeviceAttached() {
		t.Fatal("device still attached after detach")
	}

	// Persistent connections remain registered, eligible to reopen once
	// a device reattaches.
	for _, info := range e.Connections() {
		if info.State != StateClosed {
			t.Fatalf("connection %q in state %v after detach, want closed", info.Dest, info.State)
		}
	}
}

func TestDetachOfForeignDeviceIgnored(t *testing.T) {
	e, dev, bus, _ := newTestEngine(t)
	connectDevice(t, e, dev)

	other := newFakeDevice()
	bus.detach(other)

	if !e.Connected() || !e.DeviceAttached() {
		t.Fatal("detach of an unrelated device tore down the link")
	}
}

func TestUnsolicitedAndUnroutableFrames(t *testing.T) {
	e, dev, _, _ := newTestEngine(t)
	connectDevice(t, e, dev)
	h := openConnection(t, e, dev, "tcp:1", false, 55)

	var events []Event
	e.SetEventHandler(func(ev Event) { events = append(events, ev) })

	// OKAY while open is unsolicited: state untouched, no event.
	dev.queue(NewMessage(CmdOkay, 55, 1, nil).Marshal())
	poll(t, e)
	if got := e.table.get(h).state; got != StateOpen {
		t.Fatalf("state after unsolicited OKAY = %v, want open", got)
	}

	// Frame addressed to an unknown local id is dropped silently.
	dev.queue(NewMessage(CmdClose, 0, 9, nil).Marshal())
	poll(t, e)
	if got := e.table.get(h).state; got != StateOpen {
		t.Fatalf("state after unroutable CLOSE = %v, want open", got)
	}

	// Corrupt header is discarded without touching anything.
	garbage := NewMessage(CmdClose, 0, 1, nil).Marshal()
	garbage[20] ^= 0xff
	dev.queue(garbage)
	poll(t, e)
	if got := e.table.get(h).state; got != StateOpen {
		t.Fatalf("state after corrupt frame = %v, want open", got)
	}

	if len(events) != 0 {
		t.Fatalf("spurious events: %+v", events)
	}
}

func TestPollIdleWithoutDevice(t *testing.T) {
	e := New(Config{})
	e.Init(&fakeBus{})

	// No device attached: poll is a no-op and must not fail.
	poll(t, e)
}
