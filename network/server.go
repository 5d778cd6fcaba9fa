package network

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/xtaci/bdls-net/handshake"
	"github.com/xtaci/bdls-net/tlsconn"

	netcore "github.com/xtaci/bdls-net"
)

// acceptBackoffMin and acceptBackoffMax bound the exponential backoff the
// acceptor applies after a transient Accept error — e.g. the process
// briefly running out of file descriptors. The teacher's own acceptor
// (agent-tcp/agent.go) retries immediately with no backoff at all, which
// this redesign corrects: an unbounded retry-immediately loop spins a CPU
// core at 100% on a sustained resource exhaustion.
const (
	acceptBackoffMin = 10 * time.Millisecond
	acceptBackoffMax = 1 * time.Second
)

// Server accepts incoming connections on one listener, completes mutual
// TLS and the handshake for each, and installs a reader/writer pair on
// success. SPEC_FULL.md §6.4, "Server / acceptor loop".
type Server struct {
	Listener net.Listener
	Context  *netcore.Context
	Decode   DecodeFunc
	Limiters LimiterFactory

	// Events, if non-nil, receives one IncomingConnectionEvent per
	// accepted connection regardless of outcome.
	Events netcore.EventSink
}

// Run accepts connections until ctx is cancelled or the listener is
// closed, whichever happens first. It always closes the listener before
// returning, even on the ctx-cancelled path, so a concurrent Accept
// unblocks immediately rather than leaking a blocked acceptor goroutine.
func (s *Server) Run(ctx context.Context) error {
	defer s.Listener.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Listener.Close()
		case <-done:
		}
	}()
	defer close(done)

	backoff := acceptBackoffMin
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTemporary(err) {
				log.Printf("network: accept error, retrying in %s: %v", backoff, err)
				timer := time.NewTimer(backoff)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				}
				backoff *= 2
				if backoff > acceptBackoffMax {
					backoff = acceptBackoffMax
				}
				continue
			}
			return err
		}
		backoff = acceptBackoffMin

		go s.handleConn(ctx, conn)
	}
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Temporary()
	}
	return false
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	outcome := s.accept(ctx, conn)
	if s.Events != nil {
		s.Events.Publish(IncomingConnectionEvent{Outcome: outcome})
	}
}

func (s *Server) accept(ctx context.Context, conn net.Conn) ConnectionOutcome {
	nc := s.Context
	addr := conn.RemoteAddr().String()

	peerID, tlsConn, err := tlsconn.Accept(nc.Cfg.Cert, conn)
	if err != nil {
		conn.Close()
		return ConnectionOutcome{Kind: FailedEarly, Addr: addr, Err: err}
	}

	if peerID == nc.OurID {
		tlsConn.Close()
		return ConnectionOutcome{Kind: Loopback, Addr: addr, PeerID: peerID}
	}

	connID, err := netcore.DeriveConnectionId(tlsConn, nc.OurID, peerID)
	if err != nil {
		tlsConn.Close()
		return ConnectionOutcome{Kind: Failed, Addr: addr, PeerID: peerID, Err: err}
	}

	hs, err := handshake.Negotiate(ctx, nc, tlsConn, connID)
	if err != nil {
		tlsConn.Close()
		return ConnectionOutcome{Kind: Failed, Addr: addr, PeerID: peerID, Err: err}
	}

	return establish(ctx, nc, tlsConn, peerID, hs, s.Decode, s.Limiters)
}
