// Package handshake implements the application-level handshake described
// in SPEC_FULL.md §6.2: a single framed record exchanged in each
// direction over an already-established TLS stream, negotiating protocol
// version, chain identity, advertised address, an optional validator-key
// attestation, and the peer's syncing status.
package handshake

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"math/big"

	proto "github.com/gogo/protobuf/proto"

	netcore "github.com/xtaci/bdls-net"
)

// axisSize is the byte width of a fixed-size ECDSA public-key coordinate,
// matching netcore.SizeAxis.
const axisSize = netcore.SizeAxis

// Attestation proves the sender controls the validator/consensus private
// key matching an embedded public key, by signing the connection's
// ConnectionId (a value neither side can predict before TLS completes, so
// the signature cannot be replayed onto a different connection). This
// mirrors the teacher's KeyAuthInit/KeyAuthChallenge exchange in
// agent-tcp/tcp_peer.go, collapsed into a single proto-marshaled message
// since the ConnectionId already serves as the challenge nonce.
type Attestation struct {
	X, Y [axisSize]byte
	R, S []byte
}

// Reset, String and ProtoMessage satisfy gogo/protobuf's proto.Message;
// Marshal/Unmarshal below are the fast-path methods proto.Marshal and
// proto.Unmarshal prefer over reflection-based encoding.
func (a *Attestation) Reset()         { *a = Attestation{} }
func (a *Attestation) String() string { return "Attestation" }
func (*Attestation) ProtoMessage()    {}

// Marshal implements a flat, deterministic layout:
// X(32) | Y(32) | len(R)(4) R | len(S)(4) S.
func (a *Attestation) Marshal() ([]byte, error) {
	size := axisSize*2 + 4 + len(a.R) + 4 + len(a.S)
	out := make([]byte, size)
	off := 0
	copy(out[off:], a.X[:])
	off += axisSize
	copy(out[off:], a.Y[:])
	off += axisSize
	off = putBytes(out, off, a.R)
	putBytes(out, off, a.S)
	return out, nil
}

func putBytes(out []byte, off int, b []byte) int {
	binary.BigEndian.PutUint32(out[off:], uint32(len(b)))
	off += 4
	copy(out[off:], b)
	return off + len(b)
}

func getBytes(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, 0, ErrInvalidAttestationEncoding
	}
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if n < 0 || off+n > len(data) {
		return nil, 0, ErrInvalidAttestationEncoding
	}
	out := make([]byte, n)
	copy(out, data[off:off+n])
	return out, off + n, nil
}

// Unmarshal is the inverse of Marshal; it rejects truncated or trailing
// input.
func (a *Attestation) Unmarshal(data []byte) error {
	if len(data) < axisSize*2 {
		return ErrInvalidAttestationEncoding
	}
	off := 0
	copy(a.X[:], data[off:off+axisSize])
	off += axisSize
	copy(a.Y[:], data[off:off+axisSize])
	off += axisSize

	var err error
	a.R, off, err = getBytes(data, off)
	if err != nil {
		return err
	}
	a.S, off, err = getBytes(data, off)
	if err != nil {
		return err
	}
	if off != len(data) {
		return ErrInvalidAttestationEncoding
	}
	return nil
}

// SignAttestation builds an Attestation proving control of consensusKey
// over connID.
func SignAttestation(connID netcore.ConnectionId, consensusKey *ecdsa.PrivateKey) (*Attestation, error) {
	a := &Attestation{}
	xBytes := consensusKey.PublicKey.X.Bytes()
	yBytes := consensusKey.PublicKey.Y.Bytes()
	if len(xBytes) > axisSize || len(yBytes) > axisSize {
		return nil, ErrInvalidAttestationEncoding
	}
	copy(a.X[axisSize-len(xBytes):], xBytes)
	copy(a.Y[axisSize-len(yBytes):], yBytes)

	r, s, err := ecdsa.Sign(rand.Reader, consensusKey, connID[:])
	if err != nil {
		return nil, err
	}
	a.R = r.Bytes()
	a.S = s.Bytes()
	return a, nil
}

// Verify checks the attestation's signature against connID and returns
// the attested public key's NodeId on success. The attestation is bound to
// one connection through connID, which is derived from both TLS peer
// NodeIds; Negotiate records the returned NodeId as the peer's consensus
// key without comparing it to the TLS peer NodeId.
func (a *Attestation) Verify(connID netcore.ConnectionId) (netcore.NodeId, bool) {
	pub := ecdsa.PublicKey{Curve: netcore.DefaultCurve}
	pub.X = new(big.Int).SetBytes(a.X[:])
	pub.Y = new(big.Int).SetBytes(a.Y[:])
	r := new(big.Int).SetBytes(a.R)
	s := new(big.Int).SetBytes(a.S)
	if !ecdsa.Verify(&pub, connID[:], r, s) {
		return netcore.NodeId{}, false
	}
	return netcore.FingerprintPublicKey(&pub), true
}

// marshalProto and unmarshalProto wrap gogo/protobuf/proto so the
// handshake record codec (handshake.go) doesn't need its own import of
// the gogo package.
func marshalProto(a *Attestation) ([]byte, error) { return proto.Marshal(a) }

func unmarshalProto(data []byte) (*Attestation, error) {
	a := new(Attestation)
	if err := proto.Unmarshal(data, a); err != nil {
		return nil, err
	}
	return a, nil
}
