package tlsconn

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	netcore "github.com/xtaci/bdls-net"
)

// selfSignedCert builds a throwaway self-signed ECDSA leaf on
// netcore.DefaultCurve, matching the certificate policy enforced by
// netcore.ValidatePeerCertificate. Certificate issuance tooling is out of
// scope for the production module (SPEC_FULL.md §1); this exists purely
// as a test fixture.
func selfSignedCert(t *testing.T, commonName string) *netcore.TlsCert {
	t.Helper()

	priv, err := ecdsa.GenerateKey(netcore.DefaultCurve, rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert, err := netcore.NewTlsCert(der, priv)
	require.NoError(t, err)
	return cert
}

func TestDialAcceptEstablishesMutualIdentity(t *testing.T) {
	serverCert := selfSignedCert(t, "server")
	clientCert := selfSignedCert(t, "client")

	expectedServerID, err := serverCert.Fingerprint()
	require.NoError(t, err)
	expectedClientID, err := clientCert.Fingerprint()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type acceptResult struct {
		id  netcore.NodeId
		err error
	}
	resultCh := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			resultCh <- acceptResult{err: err}
			return
		}
		id, tlsConn, err := Accept(serverCert, conn)
		if err == nil {
			defer tlsConn.Close()
		}
		resultCh <- acceptResult{id: id, err: err}
	}()

	clientID, clientConn, err := Dial(clientCert, ln.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	assert.Equal(t, expectedServerID, clientID)

	srv := <-resultCh
	require.NoError(t, srv.err)
	assert.Equal(t, expectedClientID, srv.id)
}

func TestAcceptRejectsMissingClientCertificate(t *testing.T) {
	serverCert := selfSignedCert(t, "server")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	resultCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			resultCh <- err
			return
		}
		_, _, err = Accept(serverCert, conn)
		resultCh <- err
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	// A TLS client that presents no certificate of its own.
	client := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	_ = client.Handshake()

	err = <-resultCh
	require.Error(t, err)
}

func TestDialRejectsUnreachableAddress(t *testing.T) {
	clientCert := selfSignedCert(t, "client")
	_, _, err := Dial(clientCert, "127.0.0.1:1")
	require.Error(t, err)
	ce, ok := asConnectionError(err)
	require.True(t, ok)
	assert.Equal(t, TcpConnection, ce.Kind)
}
