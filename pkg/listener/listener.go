// Package listener implements the gateway's accept loop: bind one TCP
// listener per ingress mode, accept in a loop, and hand each accepted
// connection off to its own goroutine.
package listener

import (
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/secureproxy/gateway/pkg/pipeline"
)

// acceptErrorBackoff is how long the loop pauses after an accept error
// before retrying, so a burst of failures doesn't spin
// the CPU.
const acceptErrorBackoff = 50 * time.Millisecond

// Handler processes one accepted connection to completion.
type Handler func(net.Conn, *pipeline.Deps)

// Listener binds addr and dispatches accepted connections to handle,
// one goroutine per connection, passing deps through unchanged.
type Listener struct {
	Addr   string
	Handle Handler
	Deps   *pipeline.Deps
	Logger *zap.Logger

	mu sync.Mutex
	ln net.Listener
}

// Serve binds addr and accepts until the listener is closed (by
// Close, or by the caller cancelling the process). Accept errors are
// logged and the loop continues; the loop only exits when the
// underlying listener itself reports it is closed.
func (l *Listener) Serve() error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	return l.serveOn(ln)
}

// Close closes the underlying listener if Serve has bound one,
// unblocking the accept loop with a "use of closed network
// connection" error. Safe to call before Serve binds; in that case it
// is a no-op and the eventual Serve call proceeds unaffected.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

// serveOn runs the accept loop against an already-bound listener. Split
// out from Serve so tests can bind to an ephemeral port and learn the
// real address before the loop starts accepting.
func (l *Listener) serveOn(ln net.Listener) error {
	l.Logger.Info("listening", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Only a closed listener ends the loop; every other accept
			// error is logged and retried after a short pause.
			if errors.Is(err, net.ErrClosed) {
				l.Logger.Info("listener closed", zap.Error(err))
				return err
			}
			l.Logger.Warn("accept error", zap.Error(err))
			time.Sleep(acceptErrorBackoff)
			continue
		}

		go l.Handle(conn, l.Deps)
	}
}
