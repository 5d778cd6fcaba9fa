package mux

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSink is a Sink that records every frame it is asked to write as its
// own slice, so a test can inspect the frames in the order the sink saw
// them without re-parsing a byte stream.
type memSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *memSink) WriteFrame(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.frames = append(s.frames, cp)
	return nil
}

func TestHandleSendPrefixesChannel(t *testing.T) {
	sink := &memSink{}
	m := New(sink)
	h := m.GetChannelHandle(5)

	require.NoError(t, h.Send([]byte("abc")))
	require.Len(t, sink.frames, 1)
	assert.Equal(t, byte(5), sink.frames[0][0])
	assert.Equal(t, []byte("abc"), sink.frames[0][1:])
}

func TestMultiplexerFairnessAcrossChannels(t *testing.T) {
	const channels = 3
	const perChannel = 100

	sink := &memSink{}
	m := New(sink)

	var wg sync.WaitGroup
	wg.Add(channels)
	for c := 0; c < channels; c++ {
		go func(channel byte) {
			defer wg.Done()
			h := m.GetChannelHandle(channel)
			defer h.Close()
			for i := 0; i < perChannel; i++ {
				var buf [4]byte
				binary.BigEndian.PutUint32(buf[:], uint32(i))
				require.NoError(t, h.Send(buf[:]))
			}
		}(byte(c))
	}
	wg.Wait()

	assert.Len(t, sink.frames, channels*perChannel)

	// Project by leading byte: each channel's frames must appear in
	// submission order even though the three goroutines interleaved.
	perChannelSeen := make(map[byte][]uint32)
	for _, f := range sink.frames {
		channel := f[0]
		seq := binary.BigEndian.Uint32(f[1:])
		perChannelSeen[channel] = append(perChannelSeen[channel], seq)
	}
	require.Len(t, perChannelSeen, channels)
	for c := byte(0); c < channels; c++ {
		seqs := perChannelSeen[c]
		require.Len(t, seqs, perChannel)
		for i, seq := range seqs {
			assert.EqualValues(t, i, seq, "channel %d out of order at position %d", c, i)
		}
	}
}

func TestHandleCloseClosesSinkOnlyAfterLastHandle(t *testing.T) {
	sink := &closableSink{}
	m := New(sink)
	h1 := m.GetChannelHandle(0)
	h2 := m.GetChannelHandle(1)

	require.NoError(t, h1.Close())
	assert.False(t, sink.closed)

	require.NoError(t, h2.Close())
	assert.True(t, sink.closed)
}

type closableSink struct {
	bytes.Buffer
	closed bool
}

func (s *closableSink) WriteFrame(payload []byte) error { return nil }
func (s *closableSink) Close() error                    { s.closed = true; return nil }

func TestSendAfterCloseFails(t *testing.T) {
	sink := &closableSink{}
	m := New(sink)
	h := m.GetChannelHandle(0)
	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.Send([]byte("x")), ErrClosed)
}
