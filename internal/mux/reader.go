package mux

import (
	"io"

	"github.com/librescoot/wcnss-mux/internal/framer"
)

// connReader adapts any io.Reader to framer.ByteReader, used for both
// client endpoint connections and (via Transport, which already satisfies
// the interface natively) the shared UART.
type connReader struct {
	r io.Reader
}

func newConnReader(r io.Reader) *connReader {
	return &connReader{r: r}
}

// ReadByte reads exactly one byte, used by the caller to fetch the type
// indicator ahead of dispatching to the framer.
func (c *connReader) ReadByte() (byte, error) {
	b, err := c.ReadExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadExact implements framer.ByteReader.
func (c *connReader) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(c.r, buf)
	if got < n {
		if err == io.EOF && got == 0 {
			return buf[:0], io.EOF
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return buf[:got], err
	}
	return buf, nil
}

var _ framer.ByteReader = (*connReader)(nil)
