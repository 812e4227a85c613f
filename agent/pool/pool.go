// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/meshlink/mux"
)

const defaultDialTimeout = 10 * time.Second

// DialFunc opens the raw connection a session runs over. Wrapping it in
// TLS, if wanted, is up to the caller.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Conn is a pooled client session to one address.
type Conn struct {
	refCount    int32
	shouldClose int32

	addr     string
	session  *mux.Session
	lastUsed time.Time

	pool *ConnPool
}

func (c *Conn) Close() error {
	return c.session.Close()
}

// markForUse does all the bookkeeping required to ready a connection for use.
// The pool lock must be held.
func (c *Conn) markForUse() {
	c.lastUsed = time.Now()
	atomic.AddInt32(&c.refCount, 1)
}

// Stream is a stream opened from the pool. Closing it releases its
// session's reference.
type Stream struct {
	*mux.Stream

	conn    *Conn
	release sync.Once
}

func (s *Stream) Close() error {
	err := s.Stream.Close()
	s.done()
	return err
}

func (s *Stream) Reset() error {
	err := s.Stream.Reset()
	s.done()
	return err
}

func (s *Stream) done() {
	s.release.Do(func() {
		s.conn.pool.releaseConn(s.conn)
	})
}

// ConnPool maintains at most one multiplexed client session per address,
// opening streams on it on demand. Sessions idle for MaxTime are closed;
// zero disables reaping.
type ConnPool struct {
	// Dial opens raw connections. A plain TCP dialer is used when nil.
	Dial DialFunc

	// MuxConfig configures every session. DefaultConfig is used when nil.
	MuxConfig *mux.Config

	// Logger is used by the pool and handed to its sessions
	Logger hclog.Logger

	// The maximum time to keep a connection open
	MaxTime time.Duration

	sync.Mutex

	// pool maps an address to an open connection
	pool map[string]*Conn

	// limiter is used to throttle the number of connect attempts
	// to a given address. The first thread will attempt a connection
	// and put a channel in here, which all other threads will wait
	// on to close.
	limiter map[string]chan struct{}

	// Used to indicate the pool is shutdown
	shutdown   bool
	shutdownCh chan struct{}

	// once initializes the internal data structures and connection
	// reaping on first use.
	once sync.Once
}

// init configures the initial data structures. It should be called
// by p.once.Do(p.init) in all public methods.
func (p *ConnPool) init() {
	p.pool = make(map[string]*Conn)
	p.limiter = make(map[string]chan struct{})
	p.shutdownCh = make(chan struct{})
	if p.Logger == nil {
		p.Logger = hclog.NewNullLogger()
	}
	if p.MaxTime > 0 {
		go p.reap()
	}
}

// Shutdown is used to close the connection pool
func (p *ConnPool) Shutdown() error {
	p.once.Do(p.init)

	p.Lock()
	defer p.Unlock()

	for _, conn := range p.pool {
		conn.Close()
	}
	p.pool = make(map[string]*Conn)

	if p.shutdown {
		return nil
	}
	p.shutdown = true
	close(p.shutdownCh)
	return nil
}

// NumSessions returns the number of pooled sessions.
func (p *ConnPool) NumSessions() int {
	p.once.Do(p.init)

	p.Lock()
	defer p.Unlock()
	return len(p.pool)
}

// acquire will return a pooled connection, if available. Otherwise it will
// wait for an existing connection attempt to finish, if one if in progress,
// and will return that one if it succeeds. If all else fails, it will return a
// newly-created connection and add it to the pool.
func (p *ConnPool) acquire(ctx context.Context, addr string) (*Conn, error) {
	if addr == "" {
		return nil, fmt.Errorf("pool: ConnPool.acquire requires an address")
	}

	// Check to see if there's a pooled connection available. This is up
	// here since it should the vastly more common case than the rest
	// of the code here.
	p.Lock()
	if p.shutdown {
		p.Unlock()
		return nil, fmt.Errorf("pool: shutdown")
	}
	c := p.pool[addr]
	if c != nil && !c.session.IsClosed() {
		c.markForUse()
		p.Unlock()
		return c, nil
	}
	if c != nil {
		delete(p.pool, addr)
	}

	// If not (while we are still locked), set up the throttling structure
	// for this address, which will make everyone else wait until our
	// attempt is done.
	var wait chan struct{}
	var ok bool
	if wait, ok = p.limiter[addr]; !ok {
		wait = make(chan struct{})
		p.limiter[addr] = wait
	}
	isLeadThread := !ok
	p.Unlock()

	// If we are the lead thread, make the new connection and then wake
	// everybody else up to see if we got it.
	if isLeadThread {
		c, err := p.getNewConn(ctx, addr)
		p.Lock()
		delete(p.limiter, addr)
		close(wait)
		if err != nil {
			p.Unlock()
			return nil, err
		}

		p.pool[addr] = c
		p.Unlock()
		return c, nil
	}

	// Otherwise, wait for the lead thread to attempt the connection
	// and use what's in the pool at that point.
	select {
	case <-p.shutdownCh:
		return nil, fmt.Errorf("pool: shutdown")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wait:
	}

	// See if the lead thread was able to get us a connection.
	p.Lock()
	if c := p.pool[addr]; c != nil {
		c.markForUse()
		p.Unlock()
		return c, nil
	}

	p.Unlock()
	return nil, fmt.Errorf("pool: lead thread didn't get connection")
}

// getNewConn is used to return a new connection
func (p *ConnPool) getNewConn(ctx context.Context, addr string) (*Conn, error) {
	dial := p.Dial
	if dial == nil {
		dial = dialTCP
	}
	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	conf := mux.DefaultConfig()
	if p.MuxConfig != nil {
		copied := *p.MuxConfig
		conf = &copied
	}
	conf.Logger = p.Logger.With("addr", addr)

	// Create a multiplexed session
	session, err := mux.Client(conn, conf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create mux client: %w", err)
	}
	metrics.IncrCounter([]string{"pool", "session", "new"}, 1)

	// Wrap the connection
	c := &Conn{
		refCount: 1,
		addr:     addr,
		session:  session,
		lastUsed: time.Now(),
		pool:     p,
	}
	return c, nil
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: defaultDialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// clearConn is used to clear any cached connection, potentially in response to an error
func (p *ConnPool) clearConn(conn *Conn) {
	// Ensure returned streams are closed
	atomic.StoreInt32(&conn.shouldClose, 1)

	// Clear from the cache
	p.Lock()
	if c, ok := p.pool[conn.addr]; ok && c == conn {
		delete(p.pool, conn.addr)
	}
	p.Unlock()

	// Close down immediately if idle
	if refCount := atomic.LoadInt32(&conn.refCount); refCount == 0 {
		conn.Close()
	}
}

// releaseConn is invoked when we are done with a conn to reduce the ref count
func (p *ConnPool) releaseConn(conn *Conn) {
	refCount := atomic.AddInt32(&conn.refCount, -1)
	if refCount == 0 && atomic.LoadInt32(&conn.shouldClose) == 1 {
		conn.Close()
	}
}

// retryable reports whether err means the pooled session is gone and a
// fresh one may succeed.
func retryable(err error) bool {
	return errors.Is(err, mux.ErrSessionShutdown) || errors.Is(err, mux.ErrRemoteGoAway)
}

// OpenStream opens a stream to addr, creating a session if none is pooled.
// A pooled session that turns out to be dead is replaced once.
func (p *ConnPool) OpenStream(ctx context.Context, addr string) (*Stream, error) {
	p.once.Do(p.init)

	retries := 0
START:
	// Try to get a conn first
	conn, err := p.acquire(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to get conn: %w", err)
	}

	stream, err := conn.session.OpenStream(ctx)
	if err != nil {
		if retryable(err) {
			p.clearConn(conn)
		}
		p.releaseConn(conn)

		// Try to redial, possible that the TCP session closed due to timeout
		if retryable(err) && retries == 0 {
			retries++
			goto START
		}
		return nil, fmt.Errorf("failed to start stream: %w", err)
	}
	return &Stream{Stream: stream, conn: conn}, nil
}

// Ping measures the round trip time to addr over its pooled session.
func (p *ConnPool) Ping(ctx context.Context, addr string) (time.Duration, error) {
	p.once.Do(p.init)

	conn, err := p.acquire(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("failed to get conn: %w", err)
	}
	defer p.releaseConn(conn)

	rtt, err := conn.session.PingContext(ctx)
	if err != nil {
		if retryable(err) {
			p.clearConn(conn)
		}
		return 0, err
	}
	return rtt, nil
}

// Reap is used to close conns open over maxTime
func (p *ConnPool) reap() {
	for {
		// Sleep for a while
		select {
		case <-p.shutdownCh:
			return
		case <-time.After(time.Second):
		}

		// Reap all old conns
		p.Lock()
		var removed []string
		now := time.Now()
		for addr, conn := range p.pool {
			// Skip recently used connections
			if now.Sub(conn.lastUsed) < p.MaxTime {
				continue
			}

			// Skip connections with active streams
			if atomic.LoadInt32(&conn.refCount) > 0 {
				continue
			}

			// Close the conn
			conn.Close()

			// Remove from pool
			removed = append(removed, addr)
		}
		for _, addr := range removed {
			delete(p.pool, addr)
		}
		p.Unlock()
		if len(removed) > 0 {
			p.Logger.Debug("reaped idle sessions", "count", len(removed))
		}
	}
}
