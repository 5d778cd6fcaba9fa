package network

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/xtaci/bdls-net/mux"

	netcore "github.com/xtaci/bdls-net"
)

// MessageWriter drains one connection's OutboundQueue and pumps items
// through a multiplexer Handle, honoring the configured Limiter. One
// MessageWriter runs per connection, mirroring the teacher's sendLoop in
// agent-tcp/tcp_peer.go generalized to an arbitrary Payload type.
// SPEC_FULL.md §6.4, "Message Writer".
type MessageWriter struct {
	Queue   *OutboundQueue
	Handle  *mux.Handle
	Limiter Limiter

	// PendingOutbound, if non-nil, is decremented once per item as it
	// leaves the queue — the gauge SPEC_FULL.md §6.4 calls out.
	PendingOutbound *int64
}

// Run processes queued items until ctx is cancelled or a send fails. On
// return it always closes the queue and drains whatever is left, so later
// Push calls fail with ErrQueueClosed and drained items have their acks
// fired.
func (w *MessageWriter) Run(ctx context.Context) error {
	defer w.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.Queue.Wake():
		}

		for _, item := range w.Queue.Drain() {
			if err := w.sendOne(ctx, item); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (w *MessageWriter) sendOne(ctx context.Context, item netcore.MessageQueueItem) error {
	w.decrementPending()

	wireBytes, err := encodeOutgoing(item.Message)
	if err != nil {
		log.Printf("network: bug: dropping unencodable outgoing message %s: %v", item.Message, err)
		item.Ack.Fire()
		return nil
	}

	if err := w.Limiter.RequestAllowance(ctx, uint32(len(wireBytes))); err != nil {
		return err
	}

	if err := w.Handle.Send(wireBytes); err != nil {
		return err
	}

	if item.Ack != nil {
		item.Ack.Fire()
	}
	return nil
}

// encodeOutgoing produces the exact bytes sent on the wire, reused as-is
// for both the limiter's size accounting and the Handle.Send call — never
// encoded twice.
func encodeOutgoing(m *netcore.Message) ([]byte, error) {
	if m.Signed != nil {
		return netcore.MarshalProto(m.Signed)
	}
	return m.Payload.Encode()
}

func (w *MessageWriter) decrementPending() {
	if w.PendingOutbound != nil {
		atomic.AddInt64(w.PendingOutbound, -1)
	}
}

// teardown closes the queue for further pushes and drains whatever
// remains, still decrementing the pending gauge for each discarded item,
// then fires their acks so no producer blocks forever on Wait.
func (w *MessageWriter) teardown() {
	w.Queue.Close()
	for _, item := range w.Queue.Drain() {
		w.decrementPending()
		item.Ack.Fire()
	}
}
