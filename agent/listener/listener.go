// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package listener accepts raw connections and serves a multiplexed
// responder session on each one.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-connlimit"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/time/rate"

	"github.com/hashicorp/meshlink/mux"
)

// Config tunes a Server. The zero value serves with mux.DefaultConfig and no
// limits.
type Config struct {
	// MuxConfig is copied for every accepted session.
	MuxConfig *mux.Config

	// MaxConnsPerClientIP caps concurrent connections from one client IP.
	// Zero means unlimited.
	MaxConnsPerClientIP int

	// AcceptRate limits how fast new connections are accepted. Zero or
	// rate.Inf disables the limit.
	AcceptRate  rate.Limit
	AcceptBurst int

	Logger hclog.Logger
}

// Server runs the accept loop for one net.Listener.
type Server struct {
	config   Config
	logger   hclog.Logger
	listener net.Listener
	handler  mux.StreamHandler

	connLimiter *connlimit.Limiter
	acceptLimit *rate.Limiter

	lock     sync.Mutex
	sessions map[string]*mux.Session
	shutdown bool

	wg sync.WaitGroup
}

// New returns a Server that hands every inbound stream of every accepted
// session to handler.
func New(l net.Listener, config Config, handler mux.StreamHandler) *Server {
	logger := config.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		config:   config,
		logger:   logger.Named("listener"),
		listener: l,
		handler:  handler,
		sessions: make(map[string]*mux.Session),
		connLimiter: connlimit.NewLimiter(connlimit.Config{
			MaxConnsPerClientIP: config.MaxConnsPerClientIP,
		}),
	}
	if config.AcceptRate > 0 && config.AcceptRate != rate.Inf {
		burst := config.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		s.acceptLimit = rate.NewLimiter(config.AcceptRate, burst)
	}
	return s
}

// Addr is the address being listened on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done or Shutdown is called. It
// returns nil on a clean stop.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Shutdown() })
	defer stop()

	s.logger.Info("accepting connections", "addr", s.listener.Addr())
	for {
		if s.acceptLimit != nil {
			if err := s.acceptLimit.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.isShutdown() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("temporary error accepting connection", "error", err)
				continue
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		s.wg.Add(1)
		go s.handleConn(conn)
		metrics.IncrCounter([]string{"listener", "accept_conn"}, 1)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	free, err := s.connLimiter.Accept(conn)
	if err != nil {
		s.logger.Error("rejecting connection from client over per-client IP limit",
			"remote_addr", conn.RemoteAddr(),
			"limit", s.config.MaxConnsPerClientIP,
		)
		metrics.IncrCounter([]string{"listener", "conn_limited"}, 1)
		conn.Close()
		return
	}
	conn = connlimit.Wrap(conn, free)

	id, err := uuid.GenerateUUID()
	if err != nil {
		s.logger.Error("failed to generate session id", "error", err)
		conn.Close()
		return
	}
	logger := s.logger.With("session_id", id, "remote_addr", conn.RemoteAddr())

	conf := mux.DefaultConfig()
	if s.config.MuxConfig != nil {
		copied := *s.config.MuxConfig
		conf = &copied
	}
	conf.Logger = logger

	session, err := mux.Server(conn, conf)
	if err != nil {
		logger.Error("failed to start session", "error", err)
		conn.Close()
		return
	}

	if !s.register(id, session) {
		session.Close()
		return
	}
	defer s.deregister(id)

	cancel := session.OnStream(s.handler)
	defer cancel()

	logger.Debug("session established")
	<-session.CloseChan()
	// Wait for the connection to be released so the per-IP slot is free
	// before the session disappears from the table.
	session.Close()
	logger.Debug("session closed", "error", errors.Unwrap(session.Err()))
}

func (s *Server) register(id string, session *mux.Session) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.shutdown {
		return false
	}
	s.sessions[id] = session
	return true
}

func (s *Server) deregister(id string) {
	s.lock.Lock()
	delete(s.sessions, id)
	s.lock.Unlock()
}

func (s *Server) isShutdown() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.shutdown
}

// NumSessions returns the number of live sessions.
func (s *Server) NumSessions() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.sessions)
}

// Sessions returns the IDs of the live sessions.
func (s *Server) Sessions() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops accepting, closes every session and waits for their
// handlers to return.
func (s *Server) Shutdown() error {
	s.lock.Lock()
	if s.shutdown {
		s.lock.Unlock()
		return nil
	}
	s.shutdown = true
	sessions := s.sessions
	s.sessions = make(map[string]*mux.Session)
	s.lock.Unlock()

	var result error
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("failed to close listener: %w", err))
	}
	for id, session := range sessions {
		if err := session.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close session %s: %w", id, err))
		}
	}
	s.wg.Wait()
	return result
}
