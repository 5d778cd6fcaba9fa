package netcore

import "errors"

// Configuration errors, mirroring the sentinel style of the original
// VerifyConfig checks.
var (
	ErrConfigChainName      = errors.New("config: chain name not set")
	ErrConfigCertificate    = errors.New("config: certificate not set")
	ErrConfigPublicAddr     = errors.New("config: public address not set")
	ErrConfigHandshake      = errors.New("config: handshake timeout must be positive")
	ErrConfigTarpitChance   = errors.New("config: tarpit chance must be within [0,1]")
	ErrConfigWeightsMissing = errors.New("config: payload weight table not set")
)

// Identity and certificate errors.
var (
	ErrInvalidNodeId      = errors.New("netcore: invalid node id encoding")
	ErrUnsupportedKeyType = errors.New("netcore: certificate public key is not ECDSA")
	ErrNoCertificate      = errors.New("netcore: no certificate loaded")
)

// Envelope / signature errors.
var (
	ErrPubKey          = errors.New("netcore: incorrect pubkey format")
	ErrEnvelopeTooBig  = errors.New("netcore: signed envelope exceeds maximum size")
	ErrSignatureFailed = errors.New("netcore: signature verification failed")
)
