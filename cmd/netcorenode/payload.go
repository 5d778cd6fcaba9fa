package main

import (
	"time"

	netcore "github.com/xtaci/bdls-net"
	"github.com/xtaci/bdls-net/wire"
)

// pingPayload is the demo application message this node gossips to every
// connected peer: a timestamp and a short text. Real chain integrations
// supply their own Payload types (SPEC_FULL.md §1, Non-goals); this one
// exists only so `netcorenode run` has something to exercise the reader
// and writer tasks with.
type pingPayload struct {
	SentAt  int64
	Text    string
	LowPrio bool
}

func (p *pingPayload) Encode() ([]byte, error) {
	enc := wire.NewEncoder(len(p.Text) + 16)
	enc.PutUint64(uint64(p.SentAt))
	enc.PutString(p.Text)
	enc.PutBool(p.LowPrio)
	return enc.Bytes(), nil
}

func (p *pingPayload) Decode(data []byte) error {
	dec := wire.NewDecoder(data)
	sentAt, err := dec.Uint64()
	if err != nil {
		return err
	}
	text, err := dec.String()
	if err != nil {
		return err
	}
	lowPrio, err := dec.Bool()
	if err != nil {
		return err
	}
	if err := dec.Finish(); err != nil {
		return err
	}
	p.SentAt = int64(sentAt)
	p.Text = text
	p.LowPrio = lowPrio
	return nil
}

func (p *pingPayload) String() string {
	return "ping[" + time.Unix(p.SentAt, 0).Format(time.RFC3339) + "] " + p.Text
}

func (p *pingPayload) IncomingResourceEstimate(weights netcore.WeightTable) uint32 {
	return weights.Weight("ping", uint32(len(p.Text))+1)
}

func (p *pingPayload) IsLowPriority() bool { return p.LowPrio }

func (p *pingPayload) TryIntoDemand() (netcore.Demand, bool) { return nil, false }

func decodePing(frame []byte) (*netcore.Message, error) {
	p := &pingPayload{}
	if err := p.Decode(frame); err != nil {
		return nil, err
	}
	return &netcore.Message{Payload: p}, nil
}
