package handshake

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"time"

	netcore "github.com/xtaci/bdls-net"
	"github.com/xtaci/bdls-net/wire"
)

// ErrInvalidPublicAddr is returned when a Context's configured PublicAddr
// cannot be parsed into a host/port pair for the handshake record.
var ErrInvalidPublicAddr = errors.New("handshake: invalid public address")

// SocketAddr is the wire representation of an advertised socket address:
// a v4 or v6 IP plus a port, tagged explicitly rather than inferred from
// length so a zero-length IP can never be misread as a family tag.
type SocketAddr struct {
	IP   net.IP
	Port uint16
}

func encodeSocketAddr(enc *wire.Encoder, addr SocketAddr) error {
	if ip4 := addr.IP.To4(); ip4 != nil {
		enc.PutBool(false)
		enc.PutBytes(ip4)
	} else if ip16 := addr.IP.To16(); ip16 != nil {
		enc.PutBool(true)
		enc.PutBytes(ip16)
	} else {
		return ErrInvalidPublicAddr
	}
	enc.PutUint32(uint32(addr.Port))
	return nil
}

func decodeSocketAddr(dec *wire.Decoder) (SocketAddr, error) {
	isV6, err := dec.Bool()
	if err != nil {
		return SocketAddr{}, err
	}
	ipBytes, err := dec.Bytes()
	if err != nil {
		return SocketAddr{}, err
	}
	if (isV6 && len(ipBytes) != net.IPv6len) || (!isV6 && len(ipBytes) != net.IPv4len) {
		return SocketAddr{}, ErrInvalidPublicAddr
	}
	port, err := dec.Uint32()
	if err != nil {
		return SocketAddr{}, err
	}
	return SocketAddr{IP: net.IP(ipBytes), Port: uint16(port)}, nil
}

// Record is the single framed message exchanged in each direction during
// the handshake (SPEC_FULL.md §10): protocol version, chain/network name,
// advertised address, an optional validator-key Attestation, and a
// syncing flag.
type Record struct {
	Version     netcore.ProtocolVersion
	ChainName   string
	Addr        SocketAddr
	Attestation *Attestation
	Syncing     bool
}

// Encode serializes the record with the deterministic wire codec.
func (r *Record) Encode() ([]byte, error) {
	enc := wire.NewEncoder(128)
	enc.PutUint32(r.Version.Major)
	enc.PutUint32(r.Version.Minor)
	enc.PutUint32(r.Version.Patch)
	enc.PutString(r.ChainName)
	if err := encodeSocketAddr(enc, r.Addr); err != nil {
		return nil, err
	}

	var attBytes []byte
	if r.Attestation != nil {
		b, err := marshalProto(r.Attestation)
		if err != nil {
			return nil, err
		}
		attBytes = b
	}
	enc.PutPresence(r.Attestation != nil, func() { enc.PutBytes(attBytes) })
	enc.PutBool(r.Syncing)
	return enc.Bytes(), nil
}

// DecodeRecord is the inverse of Encode.
func DecodeRecord(data []byte) (*Record, error) {
	dec := wire.NewDecoder(data)
	r := &Record{}

	var err error
	if r.Version.Major, err = dec.Uint32(); err != nil {
		return nil, err
	}
	if r.Version.Minor, err = dec.Uint32(); err != nil {
		return nil, err
	}
	if r.Version.Patch, err = dec.Uint32(); err != nil {
		return nil, err
	}
	if r.ChainName, err = dec.String(); err != nil {
		return nil, err
	}
	if r.Addr, err = decodeSocketAddr(dec); err != nil {
		return nil, err
	}

	_, err = dec.Presence(func() error {
		b, err := dec.Bytes()
		if err != nil {
			return err
		}
		att, err := unmarshalProto(b)
		if err != nil {
			return err
		}
		r.Attestation = att
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.Syncing, err = dec.Bool(); err != nil {
		return nil, err
	}
	if err := dec.Finish(); err != nil {
		return nil, err
	}
	return r, nil
}

// HandshakeOutcome is produced exactly once per successful handshake and
// consumed by the caller that installs the reader/writer tasks.
type HandshakeOutcome struct {
	PeerAddr         SocketAddr
	PeerConsensusKey *netcore.NodeId
	PeerSyncing      bool
}

func buildOutgoingRecord(nc *netcore.Context, connID netcore.ConnectionId) (*Record, error) {
	host, portStr, err := net.SplitHostPort(nc.Cfg.PublicAddr)
	if err != nil {
		return nil, ErrInvalidPublicAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, ErrInvalidPublicAddr
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, ErrInvalidPublicAddr
	}

	var att *Attestation
	if nc.Cfg.ConsensusKey != nil {
		att, err = SignAttestation(connID, nc.Cfg.ConsensusKey)
		if err != nil {
			return nil, err
		}
	}

	return &Record{
		Version:     nc.Cfg.Chain.OurVersion,
		ChainName:   nc.Cfg.Chain.NetworkName,
		Addr:        SocketAddr{IP: ip, Port: uint16(port)},
		Attestation: att,
		Syncing:     nc.IsSyncing.Load(),
	}, nil
}

// Negotiate drives the handshake over conn, bounded by
// nc.Cfg.HandshakeTimeout. Loopback detection happens in the caller
// (SPEC_FULL.md §6.4, §6.2) before Negotiate is ever invoked.
func Negotiate(ctx context.Context, nc *netcore.Context, conn *tls.Conn, connID netcore.ConnectionId) (HandshakeOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, nc.Cfg.HandshakeTimeout)
	defer cancel()

	type result struct {
		outcome HandshakeOutcome
		err     error
	}
	resultCh := make(chan result, 1)
	go func() {
		outcome, err := negotiate(ctx, nc, conn, connID)
		resultCh <- result{outcome, err}
	}()

	select {
	case <-ctx.Done():
		return HandshakeOutcome{}, Error{Kind: HandshakeTimeout, Cause: ctx.Err()}
	case r := <-resultCh:
		return r.outcome, r.err
	}
}

func negotiate(ctx context.Context, nc *netcore.Context, conn *tls.Conn, connID netcore.ConnectionId) (HandshakeOutcome, error) {
	ourRecord, err := buildOutgoingRecord(nc, connID)
	if err != nil {
		return HandshakeOutcome{}, Error{Kind: ProtocolViolation, Cause: err}
	}
	ourBytes, err := ourRecord.Encode()
	if err != nil {
		return HandshakeOutcome{}, Error{Kind: ProtocolViolation, Cause: err}
	}

	fw := wire.NewFrameWriter(conn)
	if err := fw.WriteFrame(ourBytes); err != nil {
		return HandshakeOutcome{}, Error{Kind: ProtocolViolation, Cause: err}
	}

	fr := wire.NewFrameReader(conn, wire.DefaultHandshakeFrameMax)
	peerBytes, err := fr.ReadFrame()
	if err != nil {
		return HandshakeOutcome{}, Error{Kind: ProtocolViolation, Cause: err}
	}

	peerRecord, err := DecodeRecord(peerBytes)
	if err != nil {
		return HandshakeOutcome{}, Error{Kind: ProtocolViolation, Cause: err}
	}

	if peerRecord.ChainName != nc.Cfg.Chain.NetworkName {
		return HandshakeOutcome{}, Error{Kind: ChainMismatch}
	}
	if peerRecord.Version.Compare(nc.Cfg.Chain.MinimumVersion) < 0 {
		return HandshakeOutcome{}, Error{Kind: IncompatibleVersion}
	}

	if tarpitted := maybeTarpit(ctx, nc, peerRecord.Version); tarpitted {
		return HandshakeOutcome{}, Error{Kind: Tarpitted, Cause: ErrTarpitted}
	}

	var peerKeyID *netcore.NodeId
	if peerRecord.Attestation != nil {
		id, ok := peerRecord.Attestation.Verify(connID)
		if !ok {
			return HandshakeOutcome{}, Error{Kind: InvalidAttestation}
		}
		peerKeyID = &id
	}

	return HandshakeOutcome{
		PeerAddr:         peerRecord.Addr,
		PeerConsensusKey: peerKeyID,
		PeerSyncing:      peerRecord.Syncing,
	}, nil
}

// maybeTarpit runs the Bernoulli trial against the configured tarpit
// policy and, if it fires, blocks for TarpitDuration (or until ctx is
// cancelled first) before reporting back that the connection should be
// failed.
func maybeTarpit(ctx context.Context, nc *netcore.Context, peerVersion netcore.ProtocolVersion) bool {
	policy := nc.Cfg.Tarpit
	if policy.Chance <= 0 || !peerVersion.LessOrEqual(policy.VersionThreshold) {
		return false
	}
	if rand.Float64() >= policy.Chance {
		return false
	}

	timer := time.NewTimer(policy.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return true
}
