package network

import (
	"context"
	"crypto/tls"
	"io"
	"log"

	"github.com/xtaci/bdls-net/wire"

	netcore "github.com/xtaci/bdls-net"
)

// DecodeFunc decodes one demultiplexed frame (the leading channel byte
// already stripped) into a Message. The chain layer owns its concrete
// Payload types, so it supplies this rather than the core type-switching
// on payload kind.
type DecodeFunc func(frame []byte) (*netcore.Message, error)

// MessageReader reads framed, demultiplexed messages off one connection
// and schedules them onto the owning ConnectionHandle's incoming
// channels, or into a demand-response goroutine when the payload is a
// Demand. One MessageReader runs per connection, mirroring the teacher's
// readLoop in agent-tcp/tcp_peer.go. SPEC_FULL.md §6.4, "Message Reader".
type MessageReader struct {
	Conn     *tls.Conn
	MaxFrame uint32
	Decode   DecodeFunc
	Weights  netcore.WeightTable
	Demands  *DemandSemaphore
	Limiter  Limiter
	Handle   *ConnectionHandle
	PeerID   netcore.NodeId
}

type readResult struct {
	frame []byte
	err   error
}

// Run blocks until ctx is cancelled, the peer closes the connection, or a
// frame/decode error occurs. Cancellation races the blocking frame read
// via a helper goroutine; that goroutine only unblocks once the
// connection itself is closed by the caller's teardown, since a TLS read
// has no other way to be interrupted.
func (r *MessageReader) Run(ctx context.Context) error {
	fr := wire.NewFrameReader(r.Conn, r.MaxFrame)

	for {
		resultCh := make(chan readResult, 1)
		go func() {
			frame, err := fr.ReadFrame()
			resultCh <- readResult{frame: frame, err: err}
		}()

		var res readResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res = <-resultCh:
		}

		if res.err != nil {
			if res.err == io.EOF {
				return nil
			}
			return ReceiveError{Cause: res.err}
		}
		if len(res.frame) == 0 {
			continue
		}

		msg, err := r.Decode(res.frame[1:])
		if err != nil {
			return ReceiveError{Cause: err}
		}

		if err := r.dispatch(ctx, msg); err != nil {
			return err
		}
	}
}

func (r *MessageReader) dispatch(ctx context.Context, msg *netcore.Message) error {
	if demand, ok := msg.Payload.TryIntoDemand(); ok {
		return r.dispatchDemand(ctx, demand)
	}

	cost := msg.Payload.IncomingResourceEstimate(r.Weights)
	if err := r.Limiter.RequestAllowance(ctx, cost); err != nil {
		return err
	}

	ch := r.Handle.NormalCh
	if msg.Payload.IsLowPriority() {
		ch = r.Handle.LowPrioCh
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchDemand acquires a permit and hands the demand off to a
// background goroutine that waits for its response and enqueues it onto
// the outbound queue, releasing the permit on completion regardless of
// outcome.
func (r *MessageReader) dispatchDemand(ctx context.Context, demand netcore.Demand) error {
	if err := r.Demands.Acquire(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("network: bug: %v", ErrUnexpectedSemaphoreClose)
		return ErrUnexpectedSemaphoreClose
	}

	go func() {
		defer r.Demands.Release()

		response, ok := demand.Await()
		if !ok {
			return
		}

		ack := netcore.NewAckHandle()
		item := netcore.MessageQueueItem{Message: &netcore.Message{Payload: response}, Ack: ack}
		if err := r.Handle.Queue.Push(item); err != nil {
			log.Printf("network: failed to enqueue demand response to %x: %v", r.PeerID, err)
			return
		}
		<-ack.Wait()
	}()
	return nil
}
