package handshake

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	netcore "github.com/xtaci/bdls-net"
	"github.com/xtaci/bdls-net/tlsconn"
)

func TestRecordEncodeDecodeRoundTripWithAttestation(t *testing.T) {
	consensusKey, err := ecdsa.GenerateKey(netcore.DefaultCurve, rand.Reader)
	require.NoError(t, err)

	var connID netcore.ConnectionId
	connID[0] = 0x42
	att, err := SignAttestation(connID, consensusKey)
	require.NoError(t, err)

	rec := &Record{
		Version:     netcore.ProtocolVersion{Major: 1, Minor: 2, Patch: 3},
		ChainName:   "testnet",
		Addr:        SocketAddr{IP: net.ParseIP("203.0.113.5"), Port: 4000},
		Attestation: att,
		Syncing:     true,
	}

	raw, err := rec.Encode()
	require.NoError(t, err)

	decoded, err := DecodeRecord(raw)
	require.NoError(t, err)

	assert.Equal(t, rec.Version, decoded.Version, "version mismatch, decoded: %s", spew.Sdump(decoded))
	assert.Equal(t, rec.ChainName, decoded.ChainName)
	assert.True(t, rec.Addr.IP.Equal(decoded.Addr.IP))
	assert.Equal(t, rec.Addr.Port, decoded.Addr.Port)
	assert.True(t, decoded.Syncing)
	require.NotNil(t, decoded.Attestation)

	id, ok := decoded.Attestation.Verify(connID)
	require.True(t, ok)
	assert.Equal(t, netcore.FingerprintPublicKey(&consensusKey.PublicKey), id)
}

func TestRecordEncodeDecodeRoundTripWithoutAttestation(t *testing.T) {
	rec := &Record{
		Version:   netcore.ProtocolVersion{Major: 2},
		ChainName: "mainnet",
		Addr:      SocketAddr{IP: net.ParseIP("::1"), Port: 9000},
	}
	raw, err := rec.Encode()
	require.NoError(t, err)

	decoded, err := DecodeRecord(raw)
	require.NoError(t, err)
	assert.Nil(t, decoded.Attestation)
	assert.False(t, decoded.Syncing)
	assert.True(t, rec.Addr.IP.Equal(decoded.Addr.IP))
}

func testCert(t *testing.T, cn string) *netcore.TlsCert {
	t.Helper()
	priv, err := ecdsa.GenerateKey(netcore.DefaultCurve, rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	cert, err := netcore.NewTlsCert(der, priv)
	require.NoError(t, err)
	return cert
}

func testContext(t *testing.T, cert *netcore.TlsCert, chain netcore.ChainInfo, tarpit netcore.TarpitPolicy) *netcore.Context {
	t.Helper()
	nc, err := netcore.NewContext(netcore.Config{
		Cert:             cert,
		Chain:            chain,
		PublicAddr:       "127.0.0.1:4000",
		HandshakeTimeout: 2 * time.Second,
		Weights:          netcore.WeightTable{},
		Tarpit:           tarpit,
	})
	require.NoError(t, err)
	return nc
}

func dialAndAccept(t *testing.T, serverCert, clientCert *netcore.TlsCert) (serverConn, clientConn *tls.Conn, cleanup func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	type acceptResult struct {
		conn *tls.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			acceptCh <- acceptResult{err: err}
			return
		}
		_, tlsConn, err := tlsconn.Accept(serverCert, raw)
		acceptCh <- acceptResult{conn: tlsConn, err: err}
	}()

	_, clientConn, err = tlsconn.Dial(clientCert, ln.Addr().String())
	require.NoError(t, err)

	srv := <-acceptCh
	require.NoError(t, srv.err)

	cleanup = func() {
		clientConn.Close()
		srv.conn.Close()
		ln.Close()
	}
	return srv.conn, clientConn, cleanup
}

func TestNegotiateSucceedsOnMatchingChain(t *testing.T) {
	serverCert := testCert(t, "server")
	clientCert := testCert(t, "client")
	serverConn, clientConn, cleanup := dialAndAccept(t, serverCert, clientCert)
	defer cleanup()

	chainInfo := netcore.ChainInfo{NetworkName: "testnet", OurVersion: netcore.ProtocolVersion{Major: 1}, MinimumVersion: netcore.ProtocolVersion{Major: 1}}
	serverNC := testContext(t, serverCert, chainInfo, netcore.TarpitPolicy{})
	clientNC := testContext(t, clientCert, chainInfo, netcore.TarpitPolicy{})

	var connID netcore.ConnectionId
	connID[0] = 7

	type out struct {
		outcome HandshakeOutcome
		err     error
	}
	serverCh := make(chan out, 1)
	go func() {
		o, err := Negotiate(context.Background(), serverNC, serverConn, connID)
		serverCh <- out{o, err}
	}()

	clientOutcome, err := Negotiate(context.Background(), clientNC, clientConn, connID)
	require.NoError(t, err)

	srv := <-serverCh
	require.NoError(t, srv.err)

	assert.Equal(t, uint16(4000), clientOutcome.PeerAddr.Port, "client outcome: %s", spew.Sdump(clientOutcome))
	assert.Equal(t, uint16(4000), srv.outcome.PeerAddr.Port, "server outcome: %s", spew.Sdump(srv.outcome))
}

func TestNegotiateFailsOnChainMismatch(t *testing.T) {
	serverCert := testCert(t, "server")
	clientCert := testCert(t, "client")
	serverConn, clientConn, cleanup := dialAndAccept(t, serverCert, clientCert)
	defer cleanup()

	serverNC := testContext(t, serverCert, netcore.ChainInfo{NetworkName: "mainnet", OurVersion: netcore.ProtocolVersion{Major: 1}}, netcore.TarpitPolicy{})
	clientNC := testContext(t, clientCert, netcore.ChainInfo{NetworkName: "testnet", OurVersion: netcore.ProtocolVersion{Major: 1}}, netcore.TarpitPolicy{})

	var connID netcore.ConnectionId

	serverErrCh := make(chan error, 1)
	go func() {
		_, err := Negotiate(context.Background(), serverNC, serverConn, connID)
		serverErrCh <- err
	}()

	_, clientErr := Negotiate(context.Background(), clientNC, clientConn, connID)
	require.Error(t, clientErr)
	ce, ok := clientErr.(Error)
	require.True(t, ok)
	assert.Equal(t, ChainMismatch, ce.Kind)

	serverErr := <-serverErrCh
	require.Error(t, serverErr)
}

func TestNegotiateTarpitsAndDelaysBeforeFailing(t *testing.T) {
	serverCert := testCert(t, "server")
	clientCert := testCert(t, "client")
	serverConn, clientConn, cleanup := dialAndAccept(t, serverCert, clientCert)
	defer cleanup()

	chainInfo := netcore.ChainInfo{
		NetworkName:    "testnet",
		OurVersion:     netcore.ProtocolVersion{Major: 1},
		MinimumVersion: netcore.ProtocolVersion{Major: 1},
	}

	const tarpitDuration = 150 * time.Millisecond
	serverNC := testContext(t, serverCert, chainInfo, netcore.TarpitPolicy{
		VersionThreshold: netcore.ProtocolVersion{Major: 1},
		Chance:           1.0,
		Duration:         tarpitDuration,
	})
	clientNC := testContext(t, clientCert, chainInfo, netcore.TarpitPolicy{})

	var connID netcore.ConnectionId
	connID[0] = 9

	type out struct {
		outcome HandshakeOutcome
		err     error
	}
	serverCh := make(chan out, 1)
	start := time.Now()
	go func() {
		o, err := Negotiate(context.Background(), serverNC, serverConn, connID)
		serverCh <- out{o, err}
	}()

	clientOutcome, clientErr := Negotiate(context.Background(), clientNC, clientConn, connID)
	require.NoError(t, clientErr, "client outcome: %s", spew.Sdump(clientOutcome))

	srv := <-serverCh
	elapsed := time.Since(start)

	require.Error(t, srv.err)
	se, ok := srv.err.(Error)
	require.True(t, ok)
	assert.Equal(t, Tarpitted, se.Kind)
	assert.GreaterOrEqual(t, elapsed, tarpitDuration, "tarpit must hold the connection open for at least the configured duration")
}

func TestNegotiateTimesOutWhenPeerNeverWrites(t *testing.T) {
	serverCert := testCert(t, "server")
	clientCert := testCert(t, "client")
	serverConn, clientConn, cleanup := dialAndAccept(t, serverCert, clientCert)
	defer cleanup()
	_ = clientConn

	serverNC := testContext(t, serverCert, netcore.ChainInfo{NetworkName: "testnet"}, netcore.TarpitPolicy{})
	serverNC.Cfg.HandshakeTimeout = 50 * time.Millisecond

	_, err := Negotiate(context.Background(), serverNC, serverConn, netcore.ConnectionId{})
	require.Error(t, err)
	ce, ok := err.(Error)
	require.True(t, ok)
	assert.Equal(t, HandshakeTimeout, ce.Kind)
}
