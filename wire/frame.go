package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// FrameLengthSize is the width of the frame length prefix: a 4-byte
// big-endian unsigned integer, per SPEC_FULL.md §10.
const FrameLengthSize = 4

// ErrFrameTooLarge is returned when an incoming frame's declared length
// exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// DefaultHandshakeFrameMax is the 4096-byte ceiling mandated for handshake
// and control traffic.
const DefaultHandshakeFrameMax = 4096

// DefaultMessageFrameMax bounds an ordinary application-traffic frame once
// the handshake has completed. It equals MaxFieldSize; since a frame also
// carries a field's 4-byte length prefix (and, through package mux, a
// 1-byte channel id), a field at the MaxFieldSize limit does not fit in one
// frame.
const DefaultMessageFrameMax = MaxFieldSize

// FrameReader reads 4-byte-big-endian-length-prefixed frames from an
// underlying io.Reader, rejecting any frame above MaxFrameSize.
type FrameReader struct {
	r            io.Reader
	MaxFrameSize uint32
	lenBuf       [FrameLengthSize]byte
}

// NewFrameReader wraps r with a maximum accepted frame size.
func NewFrameReader(r io.Reader, maxFrameSize uint32) *FrameReader {
	return &FrameReader{r: r, MaxFrameSize: maxFrameSize}
}

// ReadFrame blocks until one full frame has been read, returning its raw
// bytes (without the length prefix). io.EOF is returned verbatim when the
// peer closed the connection cleanly between frames.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.r, f.lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(f.lenBuf[:])
	if length > f.MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// FrameWriter writes 4-byte-big-endian-length-prefixed frames to an
// underlying io.Writer.
type FrameWriter struct {
	w      io.Writer
	lenBuf [FrameLengthSize]byte
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter { return &FrameWriter{w: w} }

// WriteFrame writes one length-prefixed frame. Writes of the length prefix
// and the payload are not atomic with respect to concurrent writers; callers
// needing that guarantee use package mux.
func (f *FrameWriter) WriteFrame(payload []byte) error {
	binary.BigEndian.PutUint32(f.lenBuf[:], uint32(len(payload)))
	if _, err := f.w.Write(f.lenBuf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := f.w.Write(payload)
	return err
}
