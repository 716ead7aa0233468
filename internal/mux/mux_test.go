package mux

import (
	"bytes"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/librescoot/wcnss-mux/internal/endpoint"
	"github.com/librescoot/wcnss-mux/internal/framer"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeTransport is an in-memory wireTransport stand-in: downlinkFeed drives
// what serveTransport reads, writes land in writes, and flushes are
// counted rather than performed.
type fakeTransport struct {
	mu           sync.Mutex
	downlinkFeed []byte
	readPos      int
	writes       [][]byte
	flushes      int

	inFlight   int32
	overlapped int32
}

func (f *fakeTransport) ReadByte() (byte, error) {
	b, err := f.ReadExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (f *fakeTransport) ReadExact(n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readPos+n > len(f.downlinkFeed) {
		return nil, io.EOF
	}
	b := f.downlinkFeed[f.readPos : f.readPos+n]
	f.readPos += n
	return b, nil
}

// WriteAll deliberately does its bookkeeping outside of f.mu, with a sleep
// in between, so that two concurrent calls reaching it unguarded would
// observably overlap. This is what TestWriteToTransport_SerializesConcurrentUplinks
// relies on: the guard it's checking for is the Mux's writeMu, not this
// fake's own internal lock.
func (f *fakeTransport) WriteAll(p []byte) error {
	if atomic.AddInt32(&f.inFlight, 1) > 1 {
		atomic.StoreInt32(&f.overlapped, 1)
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	f.mu.Unlock()

	atomic.AddInt32(&f.inFlight, -1)
	return nil
}

func (f *fakeTransport) FlushInput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

// fakeConn is a minimal net.Conn-shaped reader for handleUplink: it only
// needs to be read from, since handleUplink never writes back to its
// client.
type fakeConn struct {
	net.Conn
	r *bytes.Reader
}

func (f *fakeConn) Read(p []byte) (int, error) { return f.r.Read(p) }

// TestHandleUplink_ForwardsFramesAndDropsSSR covers the uplink path shared
// by both client endpoints: ordinary frames reach the transport, the SSR
// sentinel is parsed but never forwarded.
func TestHandleUplink_ForwardsFramesAndDropsSSR(t *testing.T) {
	// BT_CMD (opcode 0x0001, 0 params), then SSR mark, then ANT_CTL (1
	// byte payload), then clean EOF.
	wire := []byte{
		framer.TypeBTCmd, 0x01, 0x00, 0x00,
		framer.TypeSSRMark,
		framer.TypeANTCtl, 0x01, 0xaa,
	}
	conn := &fakeConn{r: bytes.NewReader(wire)}
	ft := &fakeTransport{}
	m := &Mux{transport: ft, logger: discardLogger()}

	if err := m.handleUplink(conn); err != nil {
		t.Fatalf("handleUplink() err = %v", err)
	}

	if len(ft.writes) != 2 {
		t.Fatalf("got %d writes to transport, want 2 (SSR must be dropped)", len(ft.writes))
	}
	if !bytes.Equal(ft.writes[0], []byte{framer.TypeBTCmd, 0x01, 0x00, 0x00}) {
		t.Fatalf("first write = % x", ft.writes[0])
	}
	if !bytes.Equal(ft.writes[1], []byte{framer.TypeANTCtl, 0x01, 0xaa}) {
		t.Fatalf("second write = % x", ft.writes[1])
	}
}

// TestHandleUplink_UnknownTypeIsFatal covers the client-connection side of
// an unrecognized type byte: unlike the downlink path, this is fatal to
// the handler rather than a flush-and-resume.
func TestHandleUplink_UnknownTypeIsFatal(t *testing.T) {
	conn := &fakeConn{r: bytes.NewReader([]byte{0x7f})}
	m := &Mux{transport: &fakeTransport{}, logger: discardLogger()}

	if err := m.handleUplink(conn); err == nil {
		t.Fatalf("expected error for unknown uplink type byte")
	}
}

// TestServeTransport_UnexpectedTypeFlushesAndResumes covers the downlink
// side: BT_CMD is not expected on downlink, so it must be treated like an
// unknown byte (flush, no forwarding) rather than parsed as a BT_CMD
// frame, and parsing must resume at the next byte afterward.
func TestServeTransport_UnexpectedTypeFlushesAndResumes(t *testing.T) {
	btEndpoint := endpoint.New("bt_sock", discardLogger())
	ft := &fakeTransport{
		// The flush discards whatever the bogus BT_CMD byte's header and
		// payload would have been (they never appear here, modeling a
		// successful flush of the driver's input queue); the next byte the
		// loop sees is the following frame's type byte.
		downlinkFeed: []byte{
			framer.TypeBTCmd,
			framer.TypeBTEvt, 0x00, 0x01, 0x55,
		},
	}
	m := &Mux{transport: ft, bt: btEndpoint, ant: endpoint.New("ant_sock", discardLogger()), logger: discardLogger()}

	err := m.serveTransport()
	if err == nil {
		t.Fatalf("expected serveTransport to stop at EOF")
	}

	if ft.flushes != 1 {
		t.Fatalf("got %d flushes, want 1 for the unexpected BT_CMD byte", ft.flushes)
	}
}

// TestDestinationFor checks the downlink routing matrix directly: only the
// four known downlink type bytes have a destination, everything else
// (including BT_CMD/BT_SCO, which are valid uplink-only families, and the
// SSR sentinel) is unmapped and must fall through to a flush.
func TestDestinationFor(t *testing.T) {
	m := &Mux{bt: endpoint.New("bt_sock", discardLogger()), ant: endpoint.New("ant_sock", discardLogger())}

	tests := []struct {
		typeByte byte
		want     *endpoint.Endpoint
	}{
		{framer.TypeBTEvt, m.bt},
		{framer.TypeBTACL, m.bt},
		{framer.TypeANTCtl, m.ant},
		{framer.TypeANTData, m.ant},
		{framer.TypeBTCmd, nil},
		{framer.TypeBTSCO, nil},
		{framer.TypeSSRMark, nil},
		{0x7f, nil},
	}
	for _, tt := range tests {
		if got := m.destinationFor(tt.typeByte); got != tt.want {
			t.Errorf("destinationFor(0x%02x) = %v, want %v", tt.typeByte, got, tt.want)
		}
	}
}

// TestDeliver_AbsentPeerDiscardsSilently covers S6: a downlink frame for an
// endpoint with no connected peer is dropped without error.
func TestDeliver_AbsentPeerDiscardsSilently(t *testing.T) {
	m := &Mux{bt: endpoint.New("bt_sock", discardLogger()), logger: discardLogger()}
	frame := framer.Frame{Type: framer.TypeBTEvt, Header: []byte{0x00, 0x01}, Payload: []byte{0xaa}}

	// No peer has ever connected to m.bt, so Peer() is nil; deliver must
	// return without attempting a write.
	m.deliver(m.bt, frame)
}

// TestDeliver_WritesFrameBytesToPeer checks a connected peer actually
// receives the reassembled wire bytes, header and payload included. The
// peer is established through the real accept path (an abstract-namespace
// dial), not a test-only backdoor.
func TestDeliver_WritesFrameBytesToPeer(t *testing.T) {
	ep := endpoint.New("wcnssmux_test_deliver", discardLogger())
	stop := make(chan struct{})
	go ep.Serve(func(conn net.Conn) error {
		<-stop
		return nil
	}, func() {})

	var client net.Conn
	var err error
	for i := 0; i < 100; i++ {
		client, err = net.Dial("unix", "@wcnssmux_test_deliver")
		if err == nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial test endpoint: %v", err)
	}
	defer client.Close()
	defer close(stop)

	for i := 0; i < 100 && ep.Peer() == nil; i++ {
		time.Sleep(time.Millisecond)
	}
	if ep.Peer() == nil {
		t.Fatalf("endpoint never registered the dialed peer")
	}

	m := &Mux{bt: ep, logger: discardLogger()}
	frame := framer.Frame{Type: framer.TypeBTEvt, Header: []byte{0x00, 0x02}, Payload: []byte{0x11, 0x22}}

	done := make(chan struct{})
	go func() {
		m.deliver(m.bt, frame)
		close(done)
	}()

	got := make([]byte, 5)
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	<-done

	want := []byte{framer.TypeBTEvt, 0x00, 0x02, 0x11, 0x22}
	if !bytes.Equal(got, want) {
		t.Fatalf("peer received % x, want % x", got, want)
	}
}

// TestWriteToTransport_SerializesConcurrentUplinks covers S5: the writer
// mutex must prevent two uplink writers from ever being in flight against
// the transport at the same instant, even when several client handler
// goroutines call writeToTransport at once.
func TestWriteToTransport_SerializesConcurrentUplinks(t *testing.T) {
	ft := &fakeTransport{}
	m := &Mux{transport: ft, logger: discardLogger()}
	frame := framer.Frame{Type: framer.TypeBTACL, Header: []byte{0x00, 0x00, 0x01, 0x00}, Payload: []byte{0xff}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.writeToTransport(frame); err != nil {
				t.Errorf("writeToTransport: %v", err)
			}
		}()
	}
	wg.Wait()

	if ft.overlapped != 0 {
		t.Fatalf("writes overlapped despite mutex guard")
	}
	if len(ft.writes) != 8 {
		t.Fatalf("got %d writes, want 8", len(ft.writes))
	}
}
