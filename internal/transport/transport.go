// Package transport owns the serial device shared by both client stacks.
//
// It exposes read-exact, a write-all that callers are expected to serialize
// externally (the mux owns the single writer-mutex discipline), and an
// input flush used to resynchronize after an unrecognized type byte. Line
// configuration (raw mode, RTS/CTS, 3,000,000 baud) follows the same
// flush-configure-flush-configure-flush sequence the reference controller
// firmware requires.
package transport

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Transport is a UART device opened for raw, flow-controlled I/O.
type Transport struct {
	file *os.File
	fd   int
}

// Open configures the serial line and returns a ready Transport: raw mode,
// 8 data bits, no parity, 1 stop bit, RTS/CTS hardware flow control,
// 3,000,000 baud both directions.
//
// The flush/configure/flush/configure/flush sequence mirrors the reference
// implementation exactly; it is a quirk of the controller's UART bring-up,
// not an accident of this rewrite.
func Open(devicePath string) (*Transport, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", devicePath, err)
	}
	fd := int(f.Fd())
	t := &Transport{file: f, fd: fd}

	if err := t.flush(); err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: initial flush: %w", err)
	}

	term, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: tcgetattr: %w", err)
	}

	makeRaw(term)
	term.Cflag |= unix.CRTSCTS
	term.Ispeed = unix.B3000000
	term.Ospeed = unix.B3000000
	term.Cflag &^= unix.CBAUD
	term.Cflag |= unix.B3000000

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, term); err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: tcsetattr: %w", err)
	}

	if err := t.flush(); err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: post-attr flush: %w", err)
	}

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, term); err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: tcsetattr (2nd): %w", err)
	}

	if err := t.flush(); err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: final flush: %w", err)
	}

	return t, nil
}

// makeRaw clears the flags cfmakeraw would, leaving 8-bit clean pass-through
// with no line editing, echo, or signal generation.
func makeRaw(term *unix.Termios) {
	term.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	term.Oflag &^= unix.OPOST
	term.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	term.Cflag &^= unix.CSIZE | unix.PARENB
	term.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	term.Cc[unix.VMIN] = 1
	term.Cc[unix.VTIME] = 0
}

func (t *Transport) flush() error {
	return unix.IoctlSetInt(t.fd, unix.TCFLSH, tcioflush)
}

// tcioflush is TCIOFLUSH: flush both the input and output queues.
const tcioflush = 2

// ReadByte returns exactly one byte, used by the reader loop to fetch the
// type indicator ahead of dispatching to the framer.
func (t *Transport) ReadByte() (byte, error) {
	b, err := t.ReadExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadExact reads until n bytes accumulate or a hard EOF/error occurs. A
// short read returns what was consumed so far alongside the error.
func (t *Transport) ReadExact(n int) ([]byte, error) {
	return readExact(t.file, n)
}

// readExact is the pure, transport-agnostic core of ReadExact, split out so
// it can be exercised in tests without a real serial device.
func readExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := r.Read(buf[got:])
		if m > 0 {
			got += m
		}
		if err != nil {
			if err == io.EOF && got == 0 {
				return buf[:0], io.EOF
			}
			return buf[:got], fmt.Errorf("transport: short read (%d/%d): %w", got, n, err)
		}
		if m == 0 && err == nil {
			return buf[:got], fmt.Errorf("transport: short read (%d/%d): no progress", got, n)
		}
	}
	return buf, nil
}

// WriteAll loops until all bytes are written or an error occurs, resuming
// partial writes at the correct offset. The caller is responsible for
// serializing calls to WriteAll against concurrent writers (the mux's
// writer mutex); this method makes no attempt to do so itself.
func (t *Transport) WriteAll(p []byte) error {
	return writeAll(t.file, p)
}

// writeAll is the pure, transport-agnostic core of WriteAll.
func writeAll(w io.Writer, p []byte) error {
	written := 0
	for written < len(p) {
		n, err := w.Write(p[written:])
		if n > 0 {
			written += n
		}
		if err != nil {
			return fmt.Errorf("transport: write: %w", err)
		}
		if n == 0 {
			if written == 0 {
				return fmt.Errorf("transport: write returned 0 with nothing written")
			}
			// A zero-length write after progress has been made is treated
			// as success of the bytes already written.
			break
		}
	}
	return nil
}

// FlushInput discards queued input bytes. Used on unknown-type recovery so
// parsing can resume after a misaligned or unexpected byte.
func (t *Transport) FlushInput() error {
	return unix.IoctlSetInt(t.fd, unix.TCFLSH, unix.TCIFLUSH)
}

// Close releases the underlying file descriptor.
func (t *Transport) Close() error {
	return t.file.Close()
}
