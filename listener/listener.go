// Package listener implements the accept loop: bind a TCP listener,
// enforce a global concurrency ceiling via a weighted semaphore
// (deferring, never dropping, accepts past the ceiling), dispatch one
// goroutine per accepted socket, and drain in-flight connections up to a
// deadline on graceful shutdown before closing forcibly.
package listener

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Handler processes one accepted connection. engine.Engine satisfies this.
type Handler interface {
	HandleConnection(ctx context.Context, conn net.Conn)
}

// Config holds the listener's tunables.
type Config struct {
	BindAddress    string
	MaxConnections int64
	DrainDeadline  time.Duration
	AcceptBackoff  time.Duration
}

// DefaultConfig returns the stock listener tunables.
func DefaultConfig() Config {
	return Config{MaxConnections: 1024, DrainDeadline: 30 * time.Second, AcceptBackoff: 50 * time.Millisecond}
}

// Listener owns the bound socket and the bounded dispatch of accepted
// connections to Handler.
type Listener struct {
	cfg     Config
	handler Handler
	log     logrus.FieldLogger
	sem     *semaphore.Weighted

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	addrOnce sync.Once
	addrCh   chan net.Addr
}

// New builds a Listener; it does not bind until Run is called.
func New(cfg Config, handler Handler, log logrus.FieldLogger) *Listener {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1024
	}
	if cfg.AcceptBackoff <= 0 {
		cfg.AcceptBackoff = 50 * time.Millisecond
	}
	return &Listener{
		cfg:     cfg,
		handler: handler,
		log:     log,
		sem:     semaphore.NewWeighted(cfg.MaxConnections),
		conns:   make(map[net.Conn]struct{}),
		addrCh:  make(chan net.Addr, 1),
	}
}

// BoundAddr blocks until Run has successfully bound the listening socket
// (or ctx is done) and returns its address — useful for tests and for
// callers that need the resolved port when BindAddress ends in ":0".
func (l *Listener) BoundAddr(ctx context.Context) (net.Addr, error) {
	select {
	case addr := <-l.addrCh:
		l.addrCh <- addr // allow repeated observers
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run binds cfg.BindAddress and accepts connections until ctx is cancelled,
// then drains in-flight handlers up to cfg.DrainDeadline before returning.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.BindAddress)
	if err != nil {
		return err
	}
	l.addrOnce.Do(func() { l.addrCh <- ln.Addr() })

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	// gctx is derived from ctx so cancelling Run propagates into every
	// in-flight handler.
	group, gctx := errgroup.WithContext(ctx)

	for {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			break // ctx cancelled while waiting for a free slot
		}

		conn, err := ln.Accept()
		if err != nil {
			l.sem.Release(1)
			if errors.Is(err, net.ErrClosed) {
				break
			}
			select {
			case <-ctx.Done():
			case <-time.After(l.cfg.AcceptBackoff):
			}
			continue
		}

		l.track(conn)
		group.Go(func() error {
			defer l.untrack(conn)
			defer l.sem.Release(1)
			l.handler.HandleConnection(gctx, conn)
			return nil
		})
	}

	return l.drain(group)
}

func (l *Listener) track(conn net.Conn) {
	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

// drain waits for in-flight handlers to finish up to DrainDeadline, then
// force-closes any still-tracked connections.
func (l *Listener) drain(group *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(l.cfg.DrainDeadline):
		l.mu.Lock()
		for conn := range l.conns {
			conn.Close()
		}
		l.mu.Unlock()
		<-done
		return nil
	}
}
