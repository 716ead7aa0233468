// Package endpoint implements the per-client listener: bind a local
// rendezvous, accept exactly one peer, gate it on credentials, and
// republish a fresh listener once that peer goes away.
//
// The listener is abstract-namespace (Linux "@name" addressing via Go's
// net package, requiring no filesystem path) and is recreated for every
// acceptance cycle rather than kept listening across connections, matching
// the reference controller's socket lifecycle.
package endpoint

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Credential reduction constants, per the controller's admission rule.
const (
	BluetoothUID = 1002
	SystemUID    = 1000
	RootUID      = 0
	AIDUser      = 100000
	AIDApp       = 10000
)

// ErrRejected is returned by the handler loop plumbing when a peer fails
// the credential gate; it never escapes Serve, which simply loops back to
// listening, but is exposed for tests and logging call sites.
var ErrRejected = errors.New("endpoint: credential rejected")

// EffectiveUID reduces a raw peer uid to the value the credential gate
// checks, per the controller's admission rule: if uid already names a
// privileged account, use it directly; otherwise strip the multi-user
// offset, and if that's still not privileged, strip the per-app offset too.
func EffectiveUID(uid uint32) uint32 {
	if uid <= BluetoothUID {
		return uid
	}
	reduced := uid % AIDUser
	if reduced > BluetoothUID {
		reduced = reduced % AIDApp
	}
	return reduced
}

// Allowed reports whether an effective uid is one of the three accounts
// permitted to hold an endpoint's peer slot.
func Allowed(effectiveUID uint32) bool {
	switch effectiveUID {
	case BluetoothUID, SystemUID, RootUID:
		return true
	default:
		return false
	}
}

// Handler processes one connected peer until it disconnects or a fatal
// framing/write error occurs. It returns nil only when the peer closed its
// end cleanly (read EOF); any other return value is logged and treated the
// same way — the peer slot is cleared and a new listener is bound.
type Handler func(conn net.Conn) error

// Endpoint is a per-client listener plus its currently accepted peer, if
// any.
type Endpoint struct {
	name   string
	logger *log.Logger
	peer   atomic.Pointer[net.Conn]
}

// New creates an Endpoint bound to the given abstract-namespace name
// ("bt_sock" or "ant_sock"). It does not start listening until Serve runs.
func New(name string, logger *log.Logger) *Endpoint {
	return &Endpoint{name: name, logger: logger}
}

// Name returns the endpoint's rendezvous name.
func (e *Endpoint) Name() string { return e.name }

// Peer returns the currently connected peer, or nil if none is connected.
// Safe to call concurrently with Serve; this is the presence check the mux
// core's transport reader uses to decide whether a downlink frame has a
// destination.
func (e *Endpoint) Peer() net.Conn {
	p := e.peer.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Serve runs the accept/credential/handle loop forever. onDisconnect is
// invoked after every handler return (any reason), with the peer slot
// already cleared and the connection already closed — it implements the
// shared cleanup coordination in the mux core.
func (e *Endpoint) Serve(onFrame Handler, onDisconnect func()) error {
	for {
		conn, err := e.acceptOne()
		if err != nil {
			return fmt.Errorf("endpoint %s: accept: %w", e.name, err)
		}

		e.logger.Printf("endpoint %s: peer connected", e.name)
		e.peer.Store(&conn)

		if err := onFrame(conn); err != nil {
			e.logger.Printf("endpoint %s: handler exited: %v", e.name, err)
		}

		e.peer.Store(nil)
		conn.Close()
		e.logger.Printf("endpoint %s: peer disconnected", e.name)
		onDisconnect()
	}
}

// acceptOne binds a fresh listener, accepts exactly one peer, checks its
// credentials, and returns it — retrying internally (without returning to
// the caller) on a rejected peer, since a rejection is not a fatal
// condition for the endpoint as a whole.
func (e *Endpoint) acceptOne() (net.Conn, error) {
	for {
		ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: "@" + e.name, Net: "unix"})
		if err != nil {
			return nil, fmt.Errorf("listen: %w", err)
		}

		conn, err := ln.AcceptUnix()
		ln.Close()
		if err != nil {
			return nil, fmt.Errorf("accept: %w", err)
		}

		uid, err := peerUID(conn)
		if err != nil {
			e.logger.Printf("endpoint %s: credential lookup failed: %v", e.name, err)
			conn.Close()
			continue
		}

		effective := EffectiveUID(uid)
		if !Allowed(effective) {
			e.logger.Printf("endpoint %s: rejected peer uid=%d (effective=%d)", e.name, uid, effective)
			conn.Close()
			continue
		}

		return conn, nil
	}
}

// peerUID extracts the connecting process's uid via SO_PEERCRED.
func peerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("syscall conn: %w", err)
	}

	var ucred *unix.Ucred
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		ucred, ctrlErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, fmt.Errorf("control: %w", err)
	}
	if ctrlErr != nil {
		return 0, fmt.Errorf("getsockopt SO_PEERCRED: %w", ctrlErr)
	}
	return ucred.Uid, nil
}
