// Package lineframe implements the newline-delimited framing used on mesh
// connections: each frame is one UTF-8 JSON document terminated by '\n'.
package lineframe

import (
	"bufio"
	"errors"
	"io"
)

var ErrFrameTooLarge = errors.New("line frame too large")

// DefaultMaxFrameBytes is the maximum size of one frame, terminator included.
//
// The cap is enforced by the read buffer itself, so an oversize frame fails
// before any payload-sized allocation happens.
const DefaultMaxFrameBytes = 8192

// Reader reassembles newline-terminated frames from an arbitrary byte stream.
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader returns a Reader enforcing maxFrameBytes per frame. A
// non-positive maxFrameBytes falls back to DefaultMaxFrameBytes.
func NewReader(r io.Reader, maxFrameBytes int) *Reader {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Reader{
		br:  bufio.NewReaderSize(r, maxFrameBytes),
		max: maxFrameBytes,
	}
}

// ReadFrame returns the next complete frame without its terminator. A frame
// longer than the configured maximum yields ErrFrameTooLarge; framing
// violations are fatal for the connection, so the Reader must not be used
// afterwards.
func (r *Reader) ReadFrame() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	if len(line) > r.max {
		return nil, ErrFrameTooLarge
	}
	// Drop the '\n'; the slice aliases the bufio buffer, so copy out.
	b := make([]byte, len(line)-1)
	copy(b, line[:len(line)-1])
	return b, nil
}

// Writer frames outbound payloads, flushing after every frame so a complete
// envelope is on the wire before the next one begins.
type Writer struct {
	bw  *bufio.Writer
	max int
}

// NewWriter returns a Writer enforcing maxFrameBytes per frame. A
// non-positive maxFrameBytes falls back to DefaultMaxFrameBytes.
func NewWriter(w io.Writer, maxFrameBytes int) *Writer {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Writer{
		bw:  bufio.NewWriterSize(w, maxFrameBytes),
		max: maxFrameBytes,
	}
}

// WriteFrame writes one payload plus terminator and flushes.
func (w *Writer) WriteFrame(b []byte) error {
	if len(b)+1 > w.max {
		return ErrFrameTooLarge
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	return w.bw.Flush()
}
