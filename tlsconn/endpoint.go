// Package tlsconn implements the TLS endpoint described in
// SPEC_FULL.md §6.1: synchronous-feeling wrappers that build a client or
// server TLS session over a TCP stream and extract the peer identity from
// the validated certificate. Peer identity is certificate-fingerprint
// based, not name based, so hostname verification is disabled and replaced
// with an explicit certificate-policy check.
package tlsconn

import (
	"crypto/tls"
	"crypto/x509"
	"net"

	netcore "github.com/xtaci/bdls-net"
)

// insecureServerName is never actually checked: VerifyPeerCertificate
// below replaces Go's hostname verification with fingerprint validation.
const insecureServerName = "this-will-not-be-checked.example.invalid"

func baseTLSConfig(cert *netcore.TlsCert) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert.TLSCertificate()},
		InsecureSkipVerify: true, // identity is a cert fingerprint, not a hostname
		MinVersion:         tls.VersionTLS12,
		ServerName:         insecureServerName,
	}
}

// verifyAndFingerprint runs SPEC_FULL.md's certificate policy against the
// single peer leaf certificate presented during the handshake and derives
// its NodeId.
func verifyAndFingerprint(rawCerts [][]byte) (netcore.NodeId, error) {
	if len(rawCerts) == 0 {
		return netcore.NodeId{}, ConnectionError{Kind: NoPeerCertificate}
	}
	leaf, err := parseCertificate(rawCerts[0])
	if err != nil {
		return netcore.NodeId{}, ConnectionError{Kind: PeerCertificateInvalid, Cause: err}
	}
	if err := netcore.ValidatePeerCertificate(leaf); err != nil {
		return netcore.NodeId{}, ConnectionError{Kind: PeerCertificateInvalid, Cause: err}
	}
	id, err := netcore.FingerprintCertificate(leaf)
	if err != nil {
		return netcore.NodeId{}, ConnectionError{Kind: PeerCertificateInvalid, Cause: err}
	}
	return id, nil
}

// Dial opens a TCP connection to addr, disables Nagle, and drives a TLS
// client handshake requiring and validating the server's certificate. On
// success it returns the peer's NodeId and the established *tls.Conn.
func Dial(cert *netcore.TlsCert, addr string) (netcore.NodeId, *tls.Conn, error) {
	tcpConn, err := net.Dial("tcp", addr)
	if err != nil {
		return netcore.NodeId{}, nil, ConnectionError{Kind: TcpConnection, Cause: err}
	}
	if tc, ok := tcpConn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			tcpConn.Close()
			return netcore.NodeId{}, nil, ConnectionError{Kind: TcpNoDelay, Cause: err}
		}
	}

	var peerID netcore.NodeId
	var verifyErr error
	cfg := baseTLSConfig(cert)
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		peerID, verifyErr = verifyAndFingerprint(rawCerts)
		return verifyErr
	}

	tlsConn := tls.Client(tcpConn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		tcpConn.Close()
		if ce, ok := asConnectionError(err); ok {
			return netcore.NodeId{}, nil, ce
		}
		return netcore.NodeId{}, nil, ConnectionError{Kind: TlsHandshake, Cause: err}
	}

	return peerID, tlsConn, nil
}

// Accept drives a TLS server handshake over an already-accepted TCP
// connection, disabling Nagle first.
func Accept(cert *netcore.TlsCert, conn net.Conn) (netcore.NodeId, *tls.Conn, error) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			conn.Close()
			return netcore.NodeId{}, nil, ConnectionError{Kind: TcpNoDelay, Cause: err}
		}
	}

	var peerID netcore.NodeId
	var verifyErr error
	cfg := baseTLSConfig(cert)
	cfg.ClientAuth = tls.RequireAnyClientCert
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		peerID, verifyErr = verifyAndFingerprint(rawCerts)
		return verifyErr
	}

	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		if ce, ok := asConnectionError(err); ok {
			return netcore.NodeId{}, nil, ce
		}
		return netcore.NodeId{}, nil, ConnectionError{Kind: TlsHandshake, Cause: err}
	}

	return peerID, tlsConn, nil
}
