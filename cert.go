package netcore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/tls"
	"crypto/x509"

	"github.com/btcsuite/btcd/btcec"
)

// DefaultCurve is the elliptic curve backing node identity keypairs and the
// self-signed TLS leaf certificates derived from them. Blockchain identity
// keys in this codebase are secp256k1, not a NIST curve, matching the
// signing curve used for application-level message signatures.
var DefaultCurve elliptic.Curve = btcec.S256()

// TlsCert is an owned X.509 certificate and its matching secret key. It is
// created once at node start from on-disk material (PEM-encoded cert and
// key; production key-ceremony tooling is out of scope for this package,
// see SPEC_FULL.md §1) and shared read-only across all connection tasks.
type TlsCert struct {
	leaf       *x509.Certificate
	privateKey *ecdsa.PrivateKey
	tlsCert    tls.Certificate
}

// NewTlsCert wraps an already-parsed certificate/key pair, as produced by
// LoadTlsCert or by a caller's own key-ceremony tooling.
func NewTlsCert(certDER []byte, privateKey *ecdsa.PrivateKey) (*TlsCert, error) {
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, err
	}

	return &TlsCert{
		leaf:       leaf,
		privateKey: privateKey,
		tlsCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  privateKey,
			Leaf:        leaf,
		},
	}, nil
}

// AsX509 returns the parsed leaf certificate.
func (c *TlsCert) AsX509() *x509.Certificate { return c.leaf }

// PrivateKey returns the secret key matching the leaf certificate.
func (c *TlsCert) PrivateKey() *ecdsa.PrivateKey { return c.privateKey }

// TLSCertificate returns the tls.Certificate suitable for
// tls.Config.Certificates.
func (c *TlsCert) TLSCertificate() tls.Certificate { return c.tlsCert }

// Fingerprint returns this certificate's NodeId, i.e. our own identity as
// seen by peers.
func (c *TlsCert) Fingerprint() (NodeId, error) { return FingerprintCertificate(c.leaf) }

// ValidatePeerCertificate enforces the certificate policy described in
// SPEC_FULL.md §6.1: the leaf must carry an ECDSA key on DefaultCurve and
// be self-signed, i.e. its signature verifies against its own public key.
// The issuer and subject names are not compared. Certificate *chains* are
// not walked: identity is the fingerprint of this one leaf, not a CA
// hierarchy.
func ValidatePeerCertificate(cert *x509.Certificate) error {
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return ErrUnsupportedKeyType
	}
	if pub.Curve != DefaultCurve {
		return ErrUnsupportedKeyType
	}
	// self-signed: the leaf's signature must verify against its own public
	// key. We deliberately use CheckSignature (not CheckSignatureFrom) since
	// these leaves carry no CA bit or key-usage extension for cert signing.
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return err
	}
	return nil
}
