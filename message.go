// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package netcore

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"math/big"

	proto "github.com/golang/protobuf/proto"
	"golang.org/x/crypto/blake2b"
)

// SizeAxis is the byte size of an X or Y coordinate of a secp256k1 public
// key, and also of a signature component padded to fixed width.
const SizeAxis = 32

// EnvelopeSignaturePrefix is prepended to every hash computed for signing,
// the same anti-replay-across-contexts convention the chain layer's own
// signing code uses.
const EnvelopeSignaturePrefix = "===bdls-net Signed Message===\n"

// EnvelopeVersion is the current wire version of SignedEnvelope.
const EnvelopeVersion = 1

// MaxEnvelopeBody bounds the signed payload body, independent of the frame
// ceiling the message reader enforces.
const MaxEnvelopeBody = 16 * 1024 * 1024

// PubKeyAxis is a fixed-width big-endian encoding of one coordinate of an
// ECDSA public key.
type PubKeyAxis [SizeAxis]byte

// Marshal implements protobuf Marshaler.
func (t PubKeyAxis) Marshal() ([]byte, error) {
	out := make([]byte, SizeAxis)
	copy(out, t[:])
	return out, nil
}

// Unmarshal implements protobuf Unmarshaler. Short inputs are zero-padded
// on the left, matching big-endian fixed-width semantics.
func (t *PubKeyAxis) Unmarshal(data []byte) error {
	if len(data) > SizeAxis {
		return ErrPubKey
	}
	var zero PubKeyAxis
	*t = zero
	off := SizeAxis - len(data)
	copy(t[off:], data)
	return nil
}

// SignedEnvelope optionally wraps a Message payload with the sender's
// signature over its contents, authenticating provenance independent of
// (and in addition to) the TLS channel's peer identity. This supplements
// the base spec (see SPEC_FULL.md §7): it is not required for ordinary
// request/response traffic, but lets a payload be relayed by an
// intermediate peer while still attributable to its original signer.
type SignedEnvelope struct {
	Version uint32
	X, Y    PubKeyAxis
	R, S    []byte
	Body    []byte
}

// Reset, String and ProtoMessage make SignedEnvelope satisfy
// proto.Message; Marshal/Unmarshal below are the fast-path methods
// proto.Marshal/proto.Unmarshal prefer over reflection.
func (e *SignedEnvelope) Reset()         { *e = SignedEnvelope{} }
func (e *SignedEnvelope) String() string { return "SignedEnvelope" }
func (*SignedEnvelope) ProtoMessage()    {}

// Marshal implements protobuf Marshaler with a flat, deterministic layout:
// version(4) | X(32) | Y(32) | len(R)(4) R | len(S)(4) S | len(Body)(4) Body.
func (e *SignedEnvelope) Marshal() ([]byte, error) {
	if len(e.Body) > MaxEnvelopeBody {
		return nil, ErrEnvelopeTooBig
	}
	size := 4 + SizeAxis*2 + 4 + len(e.R) + 4 + len(e.S) + 4 + len(e.Body)
	out := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(out[off:], e.Version)
	off += 4
	copy(out[off:], e.X[:])
	off += SizeAxis
	copy(out[off:], e.Y[:])
	off += SizeAxis
	off = putBytes(out, off, e.R)
	off = putBytes(out, off, e.S)
	putBytes(out, off, e.Body)
	return out, nil
}

func putBytes(out []byte, off int, b []byte) int {
	binary.BigEndian.PutUint32(out[off:], uint32(len(b)))
	off += 4
	copy(out[off:], b)
	return off + len(b)
}

// Unmarshal is the inverse of Marshal; it rejects truncated or trailing
// input.
func (e *SignedEnvelope) Unmarshal(data []byte) error {
	if len(data) < 4+SizeAxis*2 {
		return ErrPubKey
	}
	off := 0
	e.Version = binary.BigEndian.Uint32(data[off:])
	off += 4
	copy(e.X[:], data[off:off+SizeAxis])
	off += SizeAxis
	copy(e.Y[:], data[off:off+SizeAxis])
	off += SizeAxis

	var err error
	e.R, off, err = getBytes(data, off)
	if err != nil {
		return err
	}
	e.S, off, err = getBytes(data, off)
	if err != nil {
		return err
	}
	e.Body, off, err = getBytes(data, off)
	if err != nil {
		return err
	}
	if off != len(data) {
		return ErrPubKey
	}
	if len(e.Body) > MaxEnvelopeBody {
		return ErrEnvelopeTooBig
	}
	return nil
}

func getBytes(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, 0, ErrPubKey
	}
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if n < 0 || off+n > len(data) {
		return nil, 0, ErrPubKey
	}
	out := make([]byte, n)
	copy(out, data[off:off+n])
	return out, off + n, nil
}

// hash computes blake2b-256(prefix || version || X || Y || len(body) || body).
func (e *SignedEnvelope) hash() []byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(EnvelopeSignaturePrefix))
	binary.Write(h, binary.BigEndian, e.Version)
	h.Write(e.X[:])
	h.Write(e.Y[:])
	binary.Write(h, binary.BigEndian, uint32(len(e.Body)))
	h.Write(e.Body)
	return h.Sum(nil)
}

// SignEnvelope builds and signs a SignedEnvelope wrapping body with
// privateKey, ready to be protobuf-marshaled onto the wire.
func SignEnvelope(body []byte, privateKey *ecdsa.PrivateKey) (*SignedEnvelope, error) {
	e := &SignedEnvelope{Version: EnvelopeVersion, Body: body}
	if err := e.X.Unmarshal(privateKey.PublicKey.X.Bytes()); err != nil {
		return nil, err
	}
	if err := e.Y.Unmarshal(privateKey.PublicKey.Y.Bytes()); err != nil {
		return nil, err
	}
	r, s, err := ecdsa.Sign(rand.Reader, privateKey, e.hash())
	if err != nil {
		return nil, err
	}
	e.R = r.Bytes()
	e.S = s.Bytes()
	return e, nil
}

// Verify checks the envelope's signature against its embedded public key
// and returns the signer's NodeId on success.
func (e *SignedEnvelope) Verify() (NodeId, bool) {
	pub := ecdsa.PublicKey{Curve: DefaultCurve}
	pub.X = new(big.Int).SetBytes(e.X[:])
	pub.Y = new(big.Int).SetBytes(e.Y[:])
	r := new(big.Int).SetBytes(e.R)
	s := new(big.Int).SetBytes(e.S)
	if !ecdsa.Verify(&pub, e.hash(), r, s) {
		return NodeId{}, false
	}
	return FingerprintPublicKey(&pub), true
}

// MarshalProto is a thin convenience wrapper so callers don't need to
// import golang/protobuf directly just to marshal an envelope.
func MarshalProto(e *SignedEnvelope) ([]byte, error) { return proto.Marshal(e) }

// UnmarshalProto is the inverse of MarshalProto.
func UnmarshalProto(data []byte) (*SignedEnvelope, error) {
	e := new(SignedEnvelope)
	if err := proto.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Message is the envelope carried over the outbound queue: a payload plus
// an optional signature. It is what gets handed into the writer and, once
// encoded, onto the wire.
type Message struct {
	Payload Payload
	Signed  *SignedEnvelope // nil unless the sender chose to sign it
}

// String renders a short description for logging.
func (m *Message) String() string {
	if m.Payload == nil {
		return "<nil message>"
	}
	return m.Payload.String()
}

// AckHandle is a one-shot acknowledgement the writer fires once the
// associated message has been handed to the sink and flushed (see
// SPEC_FULL.md §6.4, "Message Writer"). The zero value is not usable;
// construct with NewAckHandle.
type AckHandle struct {
	ch     chan struct{}
	closed bool
}

// NewAckHandle creates an AckHandle paired with a channel the producer can
// wait on.
func NewAckHandle() *AckHandle { return &AckHandle{ch: make(chan struct{})} }

// Fire signals the acknowledgement. Safe to call at most once; the writer
// guarantees this.
func (a *AckHandle) Fire() {
	if a == nil || a.closed {
		return
	}
	a.closed = true
	close(a.ch)
}

// Wait blocks until Fire is called.
func (a *AckHandle) Wait() <-chan struct{} { return a.ch }

// MessageQueueItem is a single entry on a connection's outbound queue: a
// shared-ownership message plus an optional acknowledgement handle. Every
// item eventually either is handed to the sink with its ack fired, or is
// drained during teardown with the pending-send gauge decremented — see
// SPEC_FULL.md §5 invariants.
type MessageQueueItem struct {
	Message *Message
	Ack     *AckHandle
}
