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
	"crypto/x509"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// NodeIdSize is the byte length of a NodeId, a blake2b-256 fingerprint.
const NodeIdSize = 32

// NodeId is the public-key fingerprint of a peer's TLS leaf certificate.
// It is derived once, at TLS handshake completion, and never changes for
// the lifetime of a connection.
type NodeId [NodeIdSize]byte

// String renders the fingerprint as hex, the way peer addresses are logged
// throughout this package.
func (id NodeId) String() string { return hex.EncodeToString(id[:]) }

// MarshalJSON implements json.Marshaler.
func (id NodeId) MarshalJSON() ([]byte, error) { return json.Marshal(id.String()) }

// UnmarshalJSON implements json.Unmarshaler.
func (id *NodeId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	bts, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(bts) != NodeIdSize {
		return ErrInvalidNodeId
	}
	copy(id[:], bts)
	return nil
}

// IsZero reports whether id is the zero fingerprint, i.e. never assigned.
func (id NodeId) IsZero() bool { return id == NodeId{} }

// FingerprintPublicKey derives a NodeId from an ECDSA public key the same
// way a peer's identity is derived from its validated leaf certificate:
// blake2b-256 over the uncompressed X||Y coordinate.
func FingerprintPublicKey(pub *ecdsa.PublicKey) NodeId {
	var buf [2 * SizeAxis]byte
	xb := pub.X.Bytes()
	yb := pub.Y.Bytes()
	copy(buf[SizeAxis-len(xb):SizeAxis], xb)
	copy(buf[2*SizeAxis-len(yb):], yb)
	return NodeId(blake2b.Sum256(buf[:]))
}

// FingerprintCertificate derives a NodeId from a validated X.509 leaf
// certificate's public key. Certificate *validation* (signature,
// self-signed chain rules, key-usage policy) is the caller's
// responsibility; see tlsconn.Dial/Accept.
func FingerprintCertificate(cert *x509.Certificate) (NodeId, error) {
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return NodeId{}, ErrUnsupportedKeyType
	}
	return FingerprintPublicKey(pub), nil
}
