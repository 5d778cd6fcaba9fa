package handshake

import (
	"crypto/ecdsa"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	netcore "github.com/xtaci/bdls-net"
)

func TestAttestationSignVerifyRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(netcore.DefaultCurve, rand.Reader)
	require.NoError(t, err)

	var connID netcore.ConnectionId
	connID[0] = 0xAB

	att, err := SignAttestation(connID, key)
	require.NoError(t, err)

	id, ok := att.Verify(connID)
	require.True(t, ok)
	assert.Equal(t, netcore.FingerprintPublicKey(&key.PublicKey), id)
}

func TestAttestationVerifyRejectsWrongConnectionId(t *testing.T) {
	key, err := ecdsa.GenerateKey(netcore.DefaultCurve, rand.Reader)
	require.NoError(t, err)

	var connID, otherConnID netcore.ConnectionId
	connID[0] = 1
	otherConnID[0] = 2

	att, err := SignAttestation(connID, key)
	require.NoError(t, err)

	_, ok := att.Verify(otherConnID)
	assert.False(t, ok)
}

func TestAttestationMarshalUnmarshalRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(netcore.DefaultCurve, rand.Reader)
	require.NoError(t, err)

	var connID netcore.ConnectionId
	att, err := SignAttestation(connID, key)
	require.NoError(t, err)

	raw, err := marshalProto(att)
	require.NoError(t, err)

	decoded, err := unmarshalProto(raw)
	require.NoError(t, err)

	assert.Equal(t, att.X, decoded.X)
	assert.Equal(t, att.Y, decoded.Y)
	assert.Equal(t, att.R, decoded.R)
	assert.Equal(t, att.S, decoded.S)
}

func TestAttestationUnmarshalRejectsTruncated(t *testing.T) {
	_, err := unmarshalProto([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidAttestationEncoding)
}
