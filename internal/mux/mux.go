// Package mux wires the two client endpoints and the shared transport
// together: uplink frames from either client go to the transport under a
// single writer mutex, and downlink frames from the transport are routed to
// whichever client owns that packet family.
package mux

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/librescoot/wcnss-mux/internal/endpoint"
	"github.com/librescoot/wcnss-mux/internal/framer"
	"github.com/librescoot/wcnss-mux/internal/status"
)

// wireTransport is the slice of *transport.Transport the mux core actually
// calls. Depending on an interface here, rather than the concrete type,
// lets the routing and writer-mutex logic be exercised against a fake in
// tests without a real serial device.
type wireTransport interface {
	ReadByte() (byte, error)
	ReadExact(n int) ([]byte, error)
	WriteAll(p []byte) error
	FlushInput() error
}

// Mux owns the transport and both client endpoints for the lifetime of the
// process. Exactly one writer mutex guards uplink writes to the transport;
// downlink writes to a client's peer connection need no such guard since the
// transport reader loop is the only goroutine that ever performs them.
type Mux struct {
	transport wireTransport
	bt        *endpoint.Endpoint
	ant       *endpoint.Endpoint
	status    *status.Store
	logger    *log.Logger

	writeMu sync.Mutex
}

// New assembles a Mux from its already-constructed collaborators. t is
// typically a *transport.Transport; any type satisfying wireTransport works.
func New(t wireTransport, bt, ant *endpoint.Endpoint, st *status.Store, logger *log.Logger) *Mux {
	return &Mux{
		transport: t,
		bt:        bt,
		ant:       ant,
		status:    st,
		logger:    logger,
	}
}

// Run starts both endpoints' accept loops in the background and then runs
// the transport reader loop on the calling goroutine until the transport
// fails or is closed. Its return mirrors the reference controller's main
// loop: a transport failure ends the process naturally, with no explicit
// exit call (that is reserved for the cleanup coordination in onDisconnect).
func (m *Mux) Run() error {
	if err := m.status.MarkTransportReady(); err != nil {
		m.logger.Printf("mux: failed to mark transport ready: %v", err)
	}

	go func() {
		if err := m.bt.Serve(m.handleUplink, m.onDisconnect); err != nil {
			m.logger.Printf("mux: bt endpoint stopped: %v", err)
		}
	}()
	go func() {
		if err := m.ant.Serve(m.handleUplink, m.onDisconnect); err != nil {
			m.logger.Printf("mux: ant endpoint stopped: %v", err)
		}
	}()

	return m.serveTransport()
}

// handleUplink is shared by both client endpoints: the wire format and the
// forwarding destination (the transport) are identical regardless of which
// stack sent the frame.
func (m *Mux) handleUplink(conn net.Conn) error {
	r := newConnReader(conn)
	for {
		typeByte, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		frame, err := framer.ParseNext(r, typeByte)
		if err != nil {
			return err
		}

		if frame.IsSSRMark() {
			continue
		}

		if err := m.writeToTransport(frame); err != nil {
			return err
		}
	}
}

// writeToTransport serializes uplink writes under the single writer mutex.
// A broken-peer-style failure (EPIPE, EBADF) is absorbed rather than
// returned, since the transport has no meaningful way to signal "the other
// end of a serial cable is gone" back to a client handler.
func (m *Mux) writeToTransport(f framer.Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.transport.WriteAll(f.Bytes()); err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.EBADF) {
			return nil
		}
		return fmt.Errorf("mux: write to transport: %w", err)
	}
	return nil
}

// serveTransport reads downlink frames forever, dispatching each to the
// client endpoint that owns its packet family. A type byte outside that set
// (including BT_CMD/BT_SCO, which are not expected on downlink, and the SSR
// sentinel) is not even handed to the framer: it triggers an input flush and
// parsing resumes at the next byte, matching the reference controller's
// type-byte switch.
func (m *Mux) serveTransport() error {
	for {
		typeByte, err := m.transport.ReadByte()
		if err != nil {
			return fmt.Errorf("mux: transport read: %w", err)
		}

		dest := m.destinationFor(typeByte)
		if dest == nil {
			m.logger.Printf("mux: unexpected downlink type 0x%02x, flushing", typeByte)
			if err := m.transport.FlushInput(); err != nil {
				return fmt.Errorf("mux: flush after unexpected type: %w", err)
			}
			continue
		}

		frame, err := framer.ParseNext(m.transport, typeByte)
		if err != nil {
			return fmt.Errorf("mux: downlink parse: %w", err)
		}

		m.deliver(dest, frame)
	}
}

// destinationFor maps a downlink type byte to the endpoint that owns it, or
// nil if the byte is not a recognized downlink family.
func (m *Mux) destinationFor(typeByte byte) *endpoint.Endpoint {
	switch typeByte {
	case framer.TypeBTEvt, framer.TypeBTACL:
		return m.bt
	case framer.TypeANTCtl, framer.TypeANTData:
		return m.ant
	default:
		return nil
	}
}

// deliver writes a downlink frame to its destination's current peer, if
// any. An absent peer silently discards the frame; a write failure is
// logged but never aborts the transport reader loop, since one sick client
// must not stop delivery to the other.
func (m *Mux) deliver(dest *endpoint.Endpoint, frame framer.Frame) {
	peer := dest.Peer()
	if peer == nil {
		return
	}

	if err := writeAllTo(peer, frame.Bytes()); err != nil {
		m.logger.Printf("mux: downlink write to %s failed: %v", dest.Name(), err)
	}
}

// writeAllTo loops until all bytes are written or an error occurs, the same
// partial-write discipline the transport uses for its own writes.
func writeAllTo(w io.Writer, p []byte) error {
	written := 0
	for written < len(p) {
		n, err := w.Write(p[written:])
		if n > 0 {
			written += n
		}
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}

// onDisconnect implements the shared cleanup coordination run after either
// endpoint's peer goes away: decrement the reference count unless a cleanup
// is already underway, and if both endpoints are now unoccupied and the
// transport was marked ready, mark it stopped and end the process. This is
// the only path in the mux that terminates the process; the three reader
// loops never do so on their own.
func (m *Mux) onDisconnect() {
	if err := m.status.DecrementRefCountIfNotCleaningUp(); err != nil {
		m.logger.Printf("mux: ref count decrement failed: %v", err)
	}

	if m.bt.Peer() != nil || m.ant.Peer() != nil {
		return
	}

	current, err := m.status.GetString(status.FieldHCIFilterStatus)
	if err != nil {
		m.logger.Printf("mux: reading transport status failed: %v", err)
		return
	}
	if current != "1" {
		return
	}

	if err := m.status.MarkTransportStopped(); err != nil {
		m.logger.Printf("mux: marking transport stopped failed: %v", err)
	}
	m.logger.Printf("mux: both endpoints disconnected, shutting down")
	os.Exit(0)
}
