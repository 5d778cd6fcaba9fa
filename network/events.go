package network

import (
	"crypto/tls"

	"github.com/xtaci/bdls-net/mux"

	netcore "github.com/xtaci/bdls-net"
)

// ConnectionOutcomeKind tags which variant of an outgoing or incoming
// connection outcome a ConnectionOutcome holds. SPEC_FULL.md §5 models this as a
// tagged union; Go has no sum type, so we use a kind tag plus the fields
// relevant to that kind, unused fields left zero.
type ConnectionOutcomeKind int

const (
	// Loopback: the peer's NodeId equals our own; no handshake was run.
	Loopback ConnectionOutcomeKind = iota
	// FailedEarly: TLS dial/accept failed before a peer identity was ever
	// confirmed (no NodeId available).
	FailedEarly
	// Failed: the connection failed after TLS completed; PeerID is known.
	Failed
	// Established: the connection is live and ready for reader/writer
	// installation.
	Established
)

// ConnectionOutcome is the tagged variant produced once per connection:
// returned by ConnectOutgoing, or published into the event queue (wrapped
// in IncomingConnectionEvent) by the acceptor's per-connection handler.
type ConnectionOutcome struct {
	Kind ConnectionOutcomeKind

	Addr string
	Err  error

	PeerID       netcore.NodeId
	ConsensusKey *netcore.NodeId
	Syncing      bool

	// Handle is non-nil only for Established: the connection's queue,
	// incoming channels and transport, whose reader/writer tasks are
	// already running.
	Handle *ConnectionHandle
}

// ConnectionHandle bundles what a connection's reader/writer tasks need
// once the handshake has completed: the per-connection outbound queue,
// demand semaphore, and the limiter shared by its reader and writer.
type ConnectionHandle struct {
	PeerID    netcore.NodeId
	Queue     *OutboundQueue
	Demands   *DemandSemaphore
	Limiter   Limiter
	LowPrioCh chan *netcore.Message
	NormalCh  chan *netcore.Message

	// Conn and Mux back the reader/writer tasks installed on this
	// connection; exposed so a caller tearing the connection down can
	// cancel the tasks' context and then close Conn to unblock the
	// reader's in-flight read.
	Conn *tls.Conn
	Mux  *mux.Handle
}

// IncomingConnectionEvent is published to the host EventSink once per
// accepted connection, carrying the same tagged ConnectionOutcome shape
// used for outgoing dials.
type IncomingConnectionEvent struct {
	Outcome ConnectionOutcome
}
