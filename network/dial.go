package network

import (
	"context"
	"crypto/tls"
	"log"

	"github.com/xtaci/bdls-net/handshake"
	"github.com/xtaci/bdls-net/mux"
	"github.com/xtaci/bdls-net/tlsconn"
	"github.com/xtaci/bdls-net/wire"

	netcore "github.com/xtaci/bdls-net"
)

// LimiterFactory lets a host supply a per-connection Limiter, shared by the
// connection's MessageReader and MessageWriter, once the handshake has
// confirmed whether the peer authenticated
// as a validator (a non-nil consensus key in its Attestation). A nil
// factory means every connection gets UnlimitedLimiter{}.
type LimiterFactory func(isValidator bool) Limiter

// OutgoingChannel is the multiplexer channel id this module reserves for
// ordinary application traffic. A host that needs additional logical
// channels on the same connection can obtain further handles from the
// same Multiplexer; this package only ever drives this one.
const OutgoingChannel byte = 0

// ConnectOutgoing dials peerAddr, completes mutual TLS, derives the
// connection id, negotiates the handshake, and — on success — installs a
// MessageReader/MessageWriter pair and returns an Established outcome.
// ctx bounds the handshake negotiation (the TCP dial and TLS handshake do
// not take it); once the connection is established, ctx continues to
// govern the reader/writer tasks' lifetime. SPEC_FULL.md §6.4,
// "ConnectOutgoing".
func ConnectOutgoing(ctx context.Context, nc *netcore.Context, peerAddr string, decode DecodeFunc, limiters LimiterFactory) ConnectionOutcome {
	peerID, conn, err := tlsconn.Dial(nc.Cfg.Cert, peerAddr)
	if err != nil {
		return ConnectionOutcome{Kind: FailedEarly, Addr: peerAddr, Err: err}
	}

	if peerID == nc.OurID {
		conn.Close()
		return ConnectionOutcome{Kind: Loopback, Addr: peerAddr, PeerID: peerID}
	}

	connID, err := netcore.DeriveConnectionId(conn, nc.OurID, peerID)
	if err != nil {
		conn.Close()
		return ConnectionOutcome{Kind: Failed, Addr: peerAddr, PeerID: peerID, Err: err}
	}

	outcome, err := handshake.Negotiate(ctx, nc, conn, connID)
	if err != nil {
		conn.Close()
		return ConnectionOutcome{Kind: Failed, Addr: peerAddr, PeerID: peerID, Err: err}
	}

	return establish(ctx, nc, conn, peerID, outcome, decode, limiters)
}

// establish builds the multiplexer, outbound queue, demand semaphore and
// limiter for a freshly handshaken connection, then spawns its
// reader/writer tasks bound to ctx.
func establish(ctx context.Context, nc *netcore.Context, conn *tls.Conn, peerID netcore.NodeId, hs handshake.HandshakeOutcome, decode DecodeFunc, limiters LimiterFactory) ConnectionOutcome {
	m := mux.New(wire.NewFrameWriter(conn))
	h := m.GetChannelHandle(OutgoingChannel)

	isValidator := hs.PeerConsensusKey != nil
	var limiter Limiter = UnlimitedLimiter{}
	if limiters != nil {
		limiter = limiters(isValidator)
	}

	handle := &ConnectionHandle{
		PeerID:    peerID,
		Queue:     NewOutboundQueue(),
		Demands:   NewDemandSemaphore(nc.Cfg.MaxInFlightDemands),
		Limiter:   limiter,
		LowPrioCh: make(chan *netcore.Message, 64),
		NormalCh:  make(chan *netcore.Message, 64),
		Conn:      conn,
		Mux:       h,
	}

	writer := &MessageWriter{Queue: handle.Queue, Handle: handle.Mux, Limiter: handle.Limiter}
	reader := &MessageReader{
		Conn:     conn,
		MaxFrame: wire.DefaultMessageFrameMax,
		Decode:   decode,
		Weights:  nc.Cfg.Weights,
		Demands:  handle.Demands,
		Limiter:  handle.Limiter,
		Handle:   handle,
		PeerID:   peerID,
	}

	go func() {
		if err := writer.Run(ctx); err != nil {
			log.Printf("network: writer for %x stopped: %v", peerID, err)
		}
	}()
	go func() {
		if err := reader.Run(ctx); err != nil {
			log.Printf("network: reader for %x stopped: %v", peerID, err)
		}
		handle.Mux.Close()
	}()

	return ConnectionOutcome{
		Kind:         Established,
		Addr:         conn.RemoteAddr().String(),
		PeerID:       peerID,
		ConsensusKey: hs.PeerConsensusKey,
		Syncing:      hs.PeerSyncing,
		Handle:       handle,
	}
}
