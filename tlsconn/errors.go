package tlsconn

import (
	"crypto/x509"
	"errors"
	"fmt"
)

// ConnectionErrorKind classifies the stage at which establishing a
// connection failed, per SPEC_FULL.md §11. Callers that need to decide
// whether a failure is retriable (dial again) or terminal (ban the peer)
// switch on Kind rather than string-matching Cause.
type ConnectionErrorKind int

const (
	// TcpConnection covers failures in the raw net.Dial/net.Listen step.
	TcpConnection ConnectionErrorKind = iota
	// TcpNoDelay covers failure to disable Nagle's algorithm on the socket.
	TcpNoDelay
	// TlsInitialization covers failures building the tls.Config itself,
	// such as an unparsable local certificate.
	TlsInitialization
	// TlsHandshake covers failures during tls.Conn.Handshake that were not
	// already classified as a certificate policy violation.
	TlsHandshake
	// NoPeerCertificate is returned when the peer completes the handshake
	// without presenting any certificate at all.
	NoPeerCertificate
	// PeerCertificateInvalid is returned when the peer's certificate fails
	// parsing, the curve/key-type policy, or self-signature validation.
	PeerCertificateInvalid
)

func (k ConnectionErrorKind) String() string {
	switch k {
	case TcpConnection:
		return "tcp_connection"
	case TcpNoDelay:
		return "tcp_no_delay"
	case TlsInitialization:
		return "tls_initialization"
	case TlsHandshake:
		return "tls_handshake"
	case NoPeerCertificate:
		return "no_peer_certificate"
	case PeerCertificateInvalid:
		return "peer_certificate_invalid"
	default:
		return "unknown"
	}
}

// ConnectionError wraps a failure encountered while establishing a
// tlsconn connection with the stage at which it occurred.
type ConnectionError struct {
	Kind  ConnectionErrorKind
	Cause error
}

func (e ConnectionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("tlsconn: %s", e.Kind)
	}
	return fmt.Sprintf("tlsconn: %s: %v", e.Kind, e.Cause)
}

func (e ConnectionError) Unwrap() error { return e.Cause }

// asConnectionError unwraps err looking for a ConnectionError, which
// tls.Conn.Handshake propagates verbatim from VerifyPeerCertificate.
func asConnectionError(err error) (ConnectionError, bool) {
	var ce ConnectionError
	if errors.As(err, &ce) {
		return ce, true
	}
	return ConnectionError{}, false
}

// parseCertificate parses a single DER-encoded certificate as presented
// in tls.Config.VerifyPeerCertificate's rawCerts.
func parseCertificate(der []byte) (*x509.Certificate, error) {
	return x509.ParseCertificate(der)
}
