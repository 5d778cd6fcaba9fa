// Package wire implements the deterministic, length-limited binary codec
// and length-delimited framing described in SPEC_FULL.md §6.3/§10: fixed
// width little-endian integers, explicit presence bytes for optional
// fields, 4-byte-length-prefixed variable-length arrays and strings, and a
// strict no-trailing-bytes decode rule.
package wire

import (
	"encoding/binary"
	"errors"
)

// Errors returned by Encoder/Decoder.
var (
	ErrTrailingBytes  = errors.New("wire: trailing bytes after decode")
	ErrTruncated      = errors.New("wire: input truncated")
	ErrFieldTooLarge  = errors.New("wire: length-prefixed field exceeds limit")
	ErrInvalidTagByte = errors.New("wire: invalid presence tag byte")
)

// MaxFieldSize bounds any single length-prefixed field a Decoder will
// accept, independent of the overall frame ceiling, as a defense against a
// corrupt or hostile length field causing an enormous allocation.
const MaxFieldSize = 16 * 1024 * 1024

// Encoder accumulates a deterministic little-endian binary encoding.
// The zero value is ready to use.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with capacity pre-reserved.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated encoding.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return len(e.buf) }

// PutUint8 appends a single byte.
func (e *Encoder) PutUint8(v uint8) { e.buf = append(e.buf, v) }

// PutBool appends a single 0/1 byte.
func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutUint8(1)
	} else {
		e.PutUint8(0)
	}
}

// PutUint32 appends a fixed-width little-endian uint32.
func (e *Encoder) PutUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

// PutUint64 appends a fixed-width little-endian uint64.
func (e *Encoder) PutUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

// PutBytes appends a 4-byte little-endian length prefix followed by b.
func (e *Encoder) PutBytes(b []byte) {
	e.PutUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// PutString appends a length-prefixed UTF-8 string.
func (e *Encoder) PutString(s string) { e.PutBytes([]byte(s)) }

// PutPresence writes the presence tag byte (1 if present) and, if present,
// runs fn to encode the value; fn is not called when present is false.
func (e *Encoder) PutPresence(present bool, fn func()) {
	e.PutBool(present)
	if present {
		fn()
	}
}

// Decoder reads a deterministic little-endian binary encoding produced by
// Encoder, rejecting trailing bytes and truncated/oversized fields.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder wraps buf for decoding.
func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

func (d *Decoder) remaining() int { return len(d.buf) - d.off }

// Uint8 reads a single byte.
func (d *Decoder) Uint8() (uint8, error) {
	if d.remaining() < 1 {
		return 0, ErrTruncated
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

// Bool reads a single 0/1 byte.
func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidTagByte
	}
}

// Uint32 reads a fixed-width little-endian uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

// Uint64 reads a fixed-width little-endian uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

// Bytes reads a 4-byte-length-prefixed byte slice.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if n > MaxFieldSize {
		return nil, ErrFieldTooLarge
	}
	if d.remaining() < int(n) {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return out, nil
}

// String reads a length-prefixed UTF-8 string.
func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Presence reads the tag byte and, if set, runs fn to decode the value.
func (d *Decoder) Presence(fn func() error) (bool, error) {
	present, err := d.Bool()
	if err != nil {
		return false, err
	}
	if present {
		if err := fn(); err != nil {
			return false, err
		}
	}
	return present, nil
}

// Finish must be called after decoding all expected fields; it fails with
// ErrTrailingBytes if any input remains, matching the base spec's
// no-trailing-bytes rule.
func (d *Decoder) Finish() error {
	if d.remaining() != 0 {
		return ErrTrailingBytes
	}
	return nil
}
