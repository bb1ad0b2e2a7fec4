package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// Handler processes one accepted connection. It is invoked in its own
// goroutine per connection and should not return until the exchange is
// complete (spec.md §4.2: "each blocking on a single request/response
// exchange").
type Handler func(ctx context.Context, conn *Conn)

// Listener accepts hook-client connections on the local endpoint and
// dispatches each to a Handler.
type Listener struct {
	ln     net.Listener
	logger *slog.Logger
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Listen creates a Listener bound to the platform's local endpoint at
// path (a filesystem path on Unix, a pipe name on Windows).
func Listen(path string, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := listenPlatform(path)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, logger: logger, conns: make(map[*Conn]struct{})}, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, invoking handler for each in its own goroutine. Serve blocks
// until every in-flight handler has returned after shutdown.
func (l *Listener) Serve(ctx context.Context, handler Handler) {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		raw, err := l.ln.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, net.ErrClosed) {
				break
			}
			l.logger.Warn("transport: accept error", "error", err)
			continue
		}

		conn := newConn(raw, l.logger)
		l.trackConn(conn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrackConn(conn)
			defer func() { _ = conn.Close() }()
			handler(ctx, conn)
		}()
	}
	l.wg.Wait()
}

func (l *Listener) trackConn(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[c] = struct{}{}
}

func (l *Listener) untrackConn(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, c)
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// CloseActive force-closes every connection currently being served. Used
// during daemon shutdown (spec.md §5 "Cancellation"): any hook still
// parked waiting for a verdict sees EOF and falls through to its host's
// default behavior, rather than hanging forever.
func (l *Listener) CloseActive() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.conns {
		_ = c.Close()
	}
}
