package netcore

// Payload is the small capability interface every application message type
// must satisfy. The networking core never inspects message contents beyond
// these methods — per SPEC_FULL.md §1 the payload type itself belongs to
// the chain layer, not this package.
type Payload interface {
	// Encode serializes the payload using the deterministic wire codec
	// (see package wire). Implementations typically delegate to
	// wire.Encoder.
	Encode() ([]byte, error)

	// Decode deserializes into the payload, rejecting trailing bytes.
	Decode([]byte) error

	// String renders a short human-readable description, used in logs.
	String() string

	// IncomingResourceEstimate returns how many rate-limiter units this
	// message should cost to receive, given a weight table. Only consulted
	// for non-demand messages (see TryIntoDemand).
	IncomingResourceEstimate(weights WeightTable) uint32

	// IsLowPriority reports whether this message should be scheduled onto
	// the low-priority incoming queue rather than the normal one.
	IsLowPriority() bool

	// TryIntoDemand reports whether this payload is a demand, i.e. expects
	// a reply. ok is false for ordinary notifications.
	TryIntoDemand() (d Demand, ok bool)
}

// Demand is a received message that expects a reply. ok indicates whether a
// response payload was actually produced; if not, the demand is dropped
// without a reply.
type Demand interface {
	// Await blocks (or selects against ctx) until a response is ready.
	// A nil response with ok == false means "no reply, drop it".
	Await() (response Payload, ok bool)
}

// WeightTable maps a message kind identifier to the number of rate-limiter
// units it should consume on the wire. The concrete key space is owned by
// the chain layer; this package only carries the table through.
type WeightTable map[string]uint32

// Weight looks up the configured weight for a kind, returning fallback if
// the kind is not present or the table is nil.
func (w WeightTable) Weight(kind string, fallback uint32) uint32 {
	if w == nil {
		return fallback
	}
	if v, ok := w[kind]; ok {
		return v
	}
	return fallback
}
