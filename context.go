package netcore

import (
	"crypto/ecdsa"
	"crypto/tls"
	"time"

	"golang.org/x/crypto/blake2b"
)

// TarpitPolicy controls the handshake negotiator's tarpit trial: peers
// advertising a protocol version at or below VersionThreshold are, with
// probability Chance, held open idle for Duration before the connection is
// failed. Chance is a fraction in [0,1]; 0 disables the tarpit entirely.
type TarpitPolicy struct {
	VersionThreshold ProtocolVersion
	Duration         time.Duration
	Chance           float64
}

// Metrics is an intentionally opaque handle: registering and exposing
// metrics is out of scope for this module (SPEC_FULL.md §1). Callers that
// do wire up Prometheus/expvar collectors pass their own type through
// here; nothing in this package type-asserts it.
type Metrics interface{}

// MetricsHandle is a weak-style accessor: a dropped metrics registry is
// never kept alive merely because a connection task holds this function
// value, since the function itself owns no reference to the registry
// beyond whatever the host closed over.
type MetricsHandle func() (Metrics, bool)

// EventSink is the host-owned queue that connection tasks publish
// connection-lifecycle events into; incoming messages go to each
// ConnectionHandle's own channels instead. The core never drains its own
// queue; it only ever calls Publish.
type EventSink interface {
	Publish(event interface{})
}

// Config holds the on-disk/user-supplied parameters needed to build a
// Context. The host fills it in (cmd/netcorenode builds it from
// command-line flags); this package has no loader of its own. NewContext
// verifies it with VerifyConfig before the Context is built.
type Config struct {
	// Cert is this node's own TLS identity, its certificate and matching
	// private key.
	Cert *TlsCert

	// ConsensusKey is this node's optional validator signing key, attested
	// during the handshake. Nil means this node does not participate as a
	// validator.
	ConsensusKey *ecdsa.PrivateKey

	Chain ChainInfo

	// PublicAddr is the socket address this node advertises to peers
	// during the handshake; it need not match the listener's local
	// address (e.g. behind NAT).
	PublicAddr string

	HandshakeTimeout time.Duration
	Weights          WeightTable
	Tarpit           TarpitPolicy

	// MaxInFlightDemands caps the number of concurrently outstanding
	// demand/response exchanges per incoming connection. 0 means
	// unlimited.
	MaxInFlightDemands uint32

	Metrics MetricsHandle
	Events  EventSink
}

// VerifyConfig checks c for the minimum set of fields a Context cannot be
// built without, returning the first violated sentinel error it finds.
func VerifyConfig(c *Config) error {
	if c.Cert == nil {
		return ErrConfigCertificate
	}
	if c.Chain.NetworkName == "" {
		return ErrConfigChainName
	}
	if c.PublicAddr == "" {
		return ErrConfigPublicAddr
	}
	if c.HandshakeTimeout <= 0 {
		return ErrConfigHandshake
	}
	if c.Tarpit.Chance < 0 || c.Tarpit.Chance > 1 {
		return ErrConfigTarpitChance
	}
	if c.Weights == nil {
		return ErrConfigWeightsMissing
	}
	return nil
}

// Context is the shared, immutable-except-IsSyncing state every
// connection task is built against: identity, certificate, chain info,
// the handshake timeout, the payload weight table, tarpit policy, the
// demand ceiling, and host hooks for metrics and event delivery. It is
// built once at startup with NewContext and shared by pointer; only
// IsSyncing is ever mutated after construction.
type Context struct {
	OurID NodeId
	Cfg   Config

	// IsSyncing is flipped by the owning process (e.g. while catching up
	// from a snapshot) and read when building outgoing handshake records
	// to advertise our own syncing status to peers.
	IsSyncing atomicBool
}

// NewContext verifies cfg and derives OurID from its certificate.
func NewContext(cfg Config) (*Context, error) {
	if err := VerifyConfig(&cfg); err != nil {
		return nil, err
	}
	id, err := cfg.Cert.Fingerprint()
	if err != nil {
		return nil, err
	}
	return &Context{OurID: id, Cfg: cfg}, nil
}

// ConnectionIdSize is the length, in bytes, of a ConnectionId.
const ConnectionIdSize = 32

// ConnectionId is a deterministic per-connection value derived from the
// TLS session's exporter keying material (a channel binding) and both
// peers' NodeIds, so it is stable across the life of one connection and
// cannot be forged without breaking the TLS session it is bound to.
type ConnectionId [ConnectionIdSize]byte

// connectionIdExporterLabel is the exporter label passed to
// tls.Conn.ExportKeyingMaterial; it has no meaning beyond namespacing
// this derivation away from any other exporter use of the same session.
const connectionIdExporterLabel = "bdls-net connection-id"

// connectionIdExporterLength is the number of bytes of keying material
// requested from the TLS session before hashing it down to a
// ConnectionId together with both peer NodeIds.
const connectionIdExporterLength = 32

// DeriveConnectionId computes the ConnectionId for an established TLS
// session between ourID and peerID. Dialer and acceptor derive the same
// value independently: TLS exporter keying material is identical on both
// ends of one session, and the blake2b hash below is over a fixed,
// order-independent layout of (exporter material, our NodeId, peer
// NodeId) sorted lexicographically so dial and accept agree regardless
// of which side is "ours".
func DeriveConnectionId(conn *tls.Conn, ourID, peerID NodeId) (ConnectionId, error) {
	keyingMaterial, err := conn.ConnectionState().ExportKeyingMaterial(
		connectionIdExporterLabel, nil, connectionIdExporterLength)
	if err != nil {
		return ConnectionId{}, err
	}

	first, second := ourID, peerID
	if bytesLess(second[:], first[:]) {
		first, second = second, first
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return ConnectionId{}, err
	}
	h.Write(keyingMaterial)
	h.Write(first[:])
	h.Write(second[:])

	var id ConnectionId
	copy(id[:], h.Sum(nil))
	return id, nil
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
