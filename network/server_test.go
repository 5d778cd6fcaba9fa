package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	netcore "github.com/xtaci/bdls-net"
)

// tempAcceptError satisfies net.Error with Temporary() == true, the same
// shape as the EINTR/EMFILE-class errors net.Listener.Accept can return.
type tempAcceptError struct{}

func (tempAcceptError) Error() string   { return "network test: temporary accept error" }
func (tempAcceptError) Timeout() bool   { return false }
func (tempAcceptError) Temporary() bool { return true }

var errStopAcceptLoop = errors.New("network test: stop accept loop")

// flakyListener returns tempFailures consecutive temporary errors from
// Accept, recording when each call happened, then returns a permanent
// error so Server.Run exits instead of looping forever.
type flakyListener struct {
	tempFailures int

	mu       sync.Mutex
	attempts []time.Time
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.attempts = append(l.attempts, time.Now())
	n := len(l.attempts)
	l.mu.Unlock()

	if n <= l.tempFailures {
		return nil, tempAcceptError{}
	}
	return nil, errStopAcceptLoop
}

func (l *flakyListener) Close() error   { return nil }
func (l *flakyListener) Addr() net.Addr { return &net.TCPAddr{} }

// TestServerRunBacksOffGeometricallyOnTemporaryAcceptErrors covers the
// "acceptor backoff" scenario: five consecutive temporary Accept errors
// must produce retry delays that double each time (10ms, 20ms, 40ms,
// 80ms, 160ms), capped at acceptBackoffMax, not an immediate-retry spin.
func TestServerRunBacksOffGeometricallyOnTemporaryAcceptErrors(t *testing.T) {
	ln := &flakyListener{tempFailures: 5}
	srv := &Server{Listener: ln, Context: &netcore.Context{}}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- srv.Run(context.Background())
	}()

	select {
	case err := <-runErrCh:
		require.ErrorIs(t, err, errStopAcceptLoop)
	case <-time.After(5 * time.Second):
		t.Fatal("Server.Run never returned after exhausting temporary accept errors")
	}

	ln.mu.Lock()
	attempts := append([]time.Time(nil), ln.attempts...)
	ln.mu.Unlock()

	require.Len(t, attempts, ln.tempFailures+1, "expected one Accept call per temporary failure plus the final terminal call")

	wantBackoff := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		160 * time.Millisecond,
	}
	for i, want := range wantBackoff {
		gap := attempts[i+1].Sub(attempts[i])
		assert.GreaterOrEqualf(t, gap, want-2*time.Millisecond, "retry %d: gap %s shorter than the expected %s backoff", i+1, gap, want)
		assert.LessOrEqualf(t, gap, acceptBackoffMax+500*time.Millisecond, "retry %d: gap %s exceeds the backoff cap", i+1, gap)
	}
}
