// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package mux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/meshlink/lib"
)

// Role decides which half of the stream ID space a session allocates from.
type Role int

const (
	// RoleInitiator is the side that established the connection. It uses
	// odd stream IDs.
	RoleInitiator Role = iota

	// RoleResponder uses even stream IDs.
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Session multiplexes streams over a single connection. It has one
// goroutine reading and dispatching frames and one writing them; frames
// are written one at a time, control frames ahead of data frames, each
// class in FIFO order.
type Session struct {
	role   Role
	config *Config
	logger hclog.Logger
	conn   io.ReadWriteCloser

	// streamLock guards the stream map, the counters and ID allocation.
	streamLock   sync.Mutex
	streams      map[uint32]*Stream
	inbound      int
	outbound     int
	nextStreamID uint64
	lastRemoteID uint32

	handlers *handlerRegistry
	acceptCh chan *Stream

	pingLock sync.Mutex
	pings    map[uint32]chan struct{}
	pingID   uint32

	controlCh chan *Frame
	dataCh    chan *Frame

	localGoAway  atomic.Bool
	remoteGoAway atomic.Bool

	lastActivity atomic.Int64

	shutdownLock sync.Mutex
	shutdown     bool
	shutdownErr  error
	exitGoAway   *uint32
	shutdownCh   chan struct{}

	sendDoneCh chan struct{}
	recvDoneCh chan struct{}
	closedCh   chan struct{}
}

// Client creates the initiator side of a session over conn.
func Client(conn io.ReadWriteCloser, config *Config) (*Session, error) {
	return New(conn, config, RoleInitiator)
}

// Server creates the responder side of a session over conn.
func Server(conn io.ReadWriteCloser, config *Config) (*Session, error) {
	return New(conn, config, RoleResponder)
}

// New verifies config and starts a session over conn. A nil config means
// DefaultConfig. No I/O happens when the config is invalid.
func New(conn io.ReadWriteCloser, config *Config, role Role) (*Session, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}

	conf := *config
	logger := conf.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("mux").With("role", role.String())
	conf.Logger = logger

	s := &Session{
		role:       role,
		config:     &conf,
		logger:     logger,
		conn:       conn,
		streams:    make(map[uint32]*Stream),
		handlers:   newHandlerRegistry(),
		acceptCh:   make(chan *Stream, conf.AcceptBacklog),
		pings:      make(map[uint32]chan struct{}),
		controlCh:  make(chan *Frame, controlQueueSize),
		dataCh:     make(chan *Frame, dataQueueSize),
		shutdownCh: make(chan struct{}),
		sendDoneCh: make(chan struct{}),
		recvDoneCh: make(chan struct{}),
		closedCh:   make(chan struct{}),
	}
	if role == RoleInitiator {
		s.nextStreamID = 1
	} else {
		s.nextStreamID = 2
	}
	s.lastActivity.Store(time.Now().UnixNano())

	go s.recvLoop()
	go s.sendLoop()
	if conf.EnableKeepAlive {
		go s.keepalive()
	}
	metrics.IncrCounterWithLabels([]string{"mux", "session", "open"}, 1,
		[]metrics.Label{{Name: "role", Value: role.String()}})
	return s, nil
}

// IsClosed reports whether the session has shut down.
func (s *Session) IsClosed() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// CloseChan is closed when the session shuts down.
func (s *Session) CloseChan() <-chan struct{} {
	return s.shutdownCh
}

// Err returns nil while the session is running. After shutdown it returns
// an error matching ErrSessionShutdown that unwraps to the cause; the cause
// is nil for a local Close.
func (s *Session) Err() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	return s.shutdownErr
}

func (s *Session) sessionErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrSessionShutdown
}

// NumStreams returns the number of open streams.
func (s *Session) NumStreams() int {
	s.streamLock.Lock()
	defer s.streamLock.Unlock()
	return len(s.streams)
}

// LastActivity returns the time a frame was last received.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// OpenStream creates a new outbound stream. It fails with ErrTooManyStreams
// at MaxOutboundStreams, with ErrRemoteGoAway after the peer sent GoAway and
// with ErrSessionShutdown once the session is closed. ctx bounds the wait
// for the SYN to be queued; it does not wait for the peer's ACK.
func (s *Session) OpenStream(ctx context.Context) (*Stream, error) {
	if s.IsClosed() {
		return nil, s.sessionErr()
	}
	if s.remoteGoAway.Load() {
		return nil, ErrRemoteGoAway
	}

	s.streamLock.Lock()
	if s.IsClosed() {
		s.streamLock.Unlock()
		return nil, s.sessionErr()
	}
	if s.outbound >= s.config.MaxOutboundStreams {
		s.streamLock.Unlock()
		metrics.IncrCounter([]string{"mux", "stream", "open_refused"}, 1)
		return nil, ErrTooManyStreams
	}
	if s.nextStreamID > math.MaxUint32 {
		s.streamLock.Unlock()
		return nil, ErrStreamsExhausted
	}
	id := uint32(s.nextStreamID)
	s.nextStreamID += 2
	stream := newStream(s, id, true)
	s.streams[id] = stream
	s.outbound++
	s.streamLock.Unlock()

	if err := stream.open(ctx); err != nil {
		stream.markReset(ErrStreamReset)
		s.closeStream(id)
		return nil, err
	}
	metrics.IncrCounterWithLabels([]string{"mux", "stream", "opened"}, 1,
		[]metrics.Label{{Name: "direction", Value: "outbound"}})
	return stream, nil
}

// Open is OpenStream returning a net.Conn.
func (s *Session) Open() (net.Conn, error) {
	stream, err := s.OpenStream(context.Background())
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// AcceptStream waits for the next inbound stream not claimed by an OnStream
// handler.
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case stream := <-s.acceptCh:
		return stream, nil
	case <-s.shutdownCh:
		return nil, s.sessionErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept is AcceptStream returning a net.Conn, so a Session can be used as
// a net.Listener.
func (s *Session) Accept() (net.Conn, error) {
	stream, err := s.AcceptStream(context.Background())
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Addr returns the local address, for net.Listener.
func (s *Session) Addr() net.Addr {
	return s.LocalAddr()
}

// OnStream registers h for inbound streams. While any handler is
// registered, inbound streams go to the oldest one instead of AcceptStream.
// The returned function unregisters h.
func (s *Session) OnStream(h StreamHandler) (cancel func()) {
	return s.handlers.add(h)
}

// Ping sends a ping and waits for the answer, returning the round trip
// time. It gives up with ErrTimeout after the keepalive timeout, or the
// connection write timeout when no keepalive timeout is configured.
func (s *Session) Ping() (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.pingTimeout())
	defer cancel()
	rtt, err := s.PingContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return 0, ErrTimeout
	}
	return rtt, err
}

// PingContext is Ping bounded by ctx instead of the keepalive timeout.
func (s *Session) PingContext(ctx context.Context) (time.Duration, error) {
	ch := make(chan struct{})
	s.pingLock.Lock()
	id := s.pingID
	s.pingID++
	s.pings[id] = ch
	s.pingLock.Unlock()

	defer func() {
		s.pingLock.Lock()
		delete(s.pings, id)
		s.pingLock.Unlock()
	}()

	start := time.Now()
	f := NewPingFrame(FlagSYN, id)
	if err := s.sendControl(ctx, &f); err != nil {
		return 0, err
	}

	select {
	case <-ch:
		metrics.MeasureSince([]string{"mux", "ping", "rtt"}, start)
		return time.Since(start), nil
	case <-s.shutdownCh:
		return 0, s.sessionErr()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// GoAway tells the peer to stop opening streams. Existing streams are not
// affected and inbound SYNs are refused from now on.
func (s *Session) GoAway() error {
	if s.localGoAway.Swap(true) {
		return nil
	}
	f := NewGoAwayFrame(GoAwayNormal)
	return s.sendControl(context.Background(), &f)
}

// Close sends a normal GoAway, resets every stream and closes the
// connection. It returns once the connection is closed.
func (s *Session) Close() error {
	s.exitErr(nil)
	<-s.closedCh
	return nil
}

// exitErr shuts the session down because of err; nil means a local Close.
// It never blocks so it can be called from any goroutine.
func (s *Session) exitErr(err error) {
	s.shutdownLock.Lock()
	if s.shutdown {
		s.shutdownLock.Unlock()
		return
	}
	s.shutdown = true
	shutdownErr := &sessionError{cause: err}
	s.shutdownErr = shutdownErr
	if code, ok := goAwayCodeFor(err); ok {
		s.exitGoAway = &code
	}
	close(s.shutdownCh)
	s.shutdownLock.Unlock()

	if err != nil && !errors.Is(err, ErrRemoteGoAway) && !lib.IsErrEOF(err) {
		s.logger.Error("session closed", "error", err)
	} else {
		s.logger.Debug("session closed", "error", err)
	}
	metrics.IncrCounter([]string{"mux", "session", "close"}, 1)

	s.streamLock.Lock()
	streams := s.streams
	s.streams = make(map[uint32]*Stream)
	s.inbound, s.outbound = 0, 0
	s.streamLock.Unlock()
	for _, stream := range streams {
		stream.forceClose(shutdownErr)
	}

	go s.closeConn()
}

// goAwayCodeFor picks the GoAway sent on shutdown, if any.
func goAwayCodeFor(err error) (uint32, bool) {
	var goAwayErr *GoAwayError
	switch {
	case err == nil:
		return GoAwayNormal, true
	case errors.As(err, &goAwayErr), errors.Is(err, ErrRemoteGoAway):
		return 0, false
	case IsProtocolError(err):
		return GoAwayProtoErr, true
	case errors.Is(err, ErrControlQueueFull):
		return GoAwayInternalErr, true
	}
	return 0, false
}

// closeConn gives the writer a bounded time to flush the final GoAway, then
// closes the connection and waits for the reader to stop.
func (s *Session) closeConn() {
	timer := time.NewTimer(s.config.ConnectionWriteTimeout)
	select {
	case <-s.sendDoneCh:
	case <-timer.C:
	}
	timer.Stop()

	if err := s.conn.Close(); err != nil {
		s.logger.Debug("failed to close connection", "error", err)
	}
	<-s.recvDoneCh
	<-s.sendDoneCh
	close(s.closedCh)
}

// closeStream removes a stream from the map once it is closed or reset.
func (s *Session) closeStream(id uint32) {
	s.streamLock.Lock()
	stream, ok := s.streams[id]
	if ok {
		delete(s.streams, id)
		if stream.outbound {
			s.outbound--
		} else {
			s.inbound--
		}
	}
	drained := ok && len(s.streams) == 0 && s.remoteGoAway.Load()
	s.streamLock.Unlock()

	if drained {
		s.exitErr(ErrRemoteGoAway)
	}
}

// sendControl queues a control frame, waiting for room up to the
// connection write timeout.
func (s *Session) sendControl(ctx context.Context, f *Frame) error {
	if s.IsClosed() {
		return s.sessionErr()
	}
	timer := time.NewTimer(s.config.ConnectionWriteTimeout)
	defer timer.Stop()

	select {
	case s.controlCh <- f:
		return nil
	case <-s.shutdownCh:
		return s.sessionErr()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendControlNoWait queues a control frame without blocking. It is used by
// the dispatch loop, which must keep reading. A full queue means the peer
// is not reading what it provokes, and ends the session.
func (s *Session) sendControlNoWait(f *Frame) {
	select {
	case s.controlCh <- f:
	default:
		s.exitErr(ErrControlQueueFull)
	}
}

// queueData queues a data frame for the writer.
func (s *Session) queueData(ctx context.Context, timeout <-chan time.Time, f *Frame) error {
	if s.IsClosed() {
		return s.sessionErr()
	}
	select {
	case s.dataCh <- f:
		return nil
	case <-s.shutdownCh:
		return s.sessionErr()
	case <-timeout:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendLoop is the only writer of the connection.
func (s *Session) sendLoop() {
	defer close(s.sendDoneCh)

	w := bufio.NewWriterSize(s.conn, readBufferSize)
	var enc Encoder
	write := func(f *Frame) error {
		if err := enc.WriteFrame(w, f); err != nil {
			return err
		}
		metrics.IncrCounterWithLabels([]string{"mux", "frame", "sent"}, 1,
			[]metrics.Label{{Name: "type", Value: f.Type.String()}})
		return nil
	}

	for {
		var f *Frame
		select {
		case f = <-s.controlCh:
		default:
			select {
			case f = <-s.controlCh:
			case f = <-s.dataCh:
				// A SYN or ACK queued before this frame must go first.
				if err := s.drainControl(write); err != nil {
					s.writeFailed(err)
					return
				}
			case <-s.shutdownCh:
				s.writeGoAway(&enc, w)
				return
			}
		}

		if err := write(f); err != nil {
			s.writeFailed(err)
			return
		}
		if len(s.controlCh) == 0 && len(s.dataCh) == 0 {
			if err := w.Flush(); err != nil {
				s.writeFailed(err)
				return
			}
		}
	}
}

func (s *Session) drainControl(write func(*Frame) error) error {
	for {
		select {
		case f := <-s.controlCh:
			if err := write(f); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Session) writeFailed(err error) {
	if !s.IsClosed() {
		s.logger.Error("failed to write frame", "error", err)
	}
	s.exitErr(err)
}

// writeGoAway flushes the GoAway chosen by exitErr, bounded by the
// connection write timeout when the connection supports deadlines.
func (s *Session) writeGoAway(enc *Encoder, w *bufio.Writer) {
	s.shutdownLock.Lock()
	code := s.exitGoAway
	s.shutdownLock.Unlock()
	if code == nil {
		return
	}

	if dc, ok := s.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = dc.SetWriteDeadline(time.Now().Add(s.config.ConnectionWriteTimeout))
	}
	f := NewGoAwayFrame(*code)
	if err := enc.WriteFrame(w, &f); err == nil {
		_ = w.Flush()
	}
}

// recvLoop is the single dispatch loop. It feeds the connection into the
// decoder and handles frames strictly in arrival order.
func (s *Session) recvLoop() {
	defer close(s.recvDoneCh)

	dec := NewDecoder(s.config.MaxMessageSize)
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.lastActivity.Store(time.Now().UnixNano())
			dec.Feed(buf[:n])
			for {
				f, derr := dec.Next()
				if errors.Is(derr, ErrNeedMoreData) {
					break
				}
				if derr != nil {
					metrics.IncrCounter([]string{"mux", "protocol_error"}, 1)
					s.exitErr(derr)
					return
				}
				if herr := s.handleFrame(&f); herr != nil {
					s.exitErr(herr)
					return
				}
			}
		}
		if err != nil {
			if !s.IsClosed() && !lib.IsErrEOF(err) {
				s.logger.Error("failed to read from connection", "error", err)
			}
			s.exitErr(err)
			return
		}
	}
}

func (s *Session) handleFrame(f *Frame) error {
	if s.logger.IsTrace() {
		s.logger.Trace("received frame", "frame", f.String())
	}
	metrics.IncrCounterWithLabels([]string{"mux", "frame", "received"}, 1,
		[]metrics.Label{{Name: "type", Value: f.Type.String()}})

	switch f.Type {
	case TypeData, TypeWindowUpdate:
		return s.handleStreamFrame(f)
	case TypePing:
		return s.handlePing(f)
	case TypeGoAway:
		return s.handleGoAway(f)
	}
	return fmt.Errorf("%w: %d", ErrInvalidFrameType, uint8(f.Type))
}

func (s *Session) isLocalID(id uint32) bool {
	if s.role == RoleInitiator {
		return id%2 == 1
	}
	return id%2 == 0
}

// seenLocked reports whether id was ever used in this session.
func (s *Session) seenLocked(id uint32) bool {
	if s.isLocalID(id) {
		return uint64(id) < s.nextStreamID
	}
	return id <= s.lastRemoteID
}

func (s *Session) handleStreamFrame(f *Frame) error {
	id := f.StreamID
	if id == 0 {
		return fmt.Errorf("%w: %s frame on stream 0", ErrInvalidStreamState, f.Type)
	}

	s.streamLock.Lock()
	stream := s.streams[id]
	seen := s.seenLocked(id)
	s.streamLock.Unlock()

	if f.Flags.Has(FlagSYN) {
		if stream != nil {
			stream.resetWith(fmt.Errorf("%w: duplicate SYN", ErrInvalidStreamState))
			return nil
		}
		s.incomingStream(f)
		return nil
	}

	if stream == nil {
		// Frames for streams that are already gone were in flight when the
		// stream closed. Anything else is answered with RST.
		if !seen && !f.Flags.Has(FlagRST) {
			s.logger.Warn("frame for unknown stream", "stream_id", id, "type", f.Type.String())
			s.sendReset(id)
		}
		return nil
	}

	var err error
	if f.Type == TypeData {
		err = stream.readData(f)
	} else {
		err = stream.incrSendWindow(f)
	}
	if err != nil {
		stream.resetWith(err)
	}
	return nil
}

// incomingStream handles a SYN for a new stream ID.
func (s *Session) incomingStream(f *Frame) {
	id := f.StreamID

	s.streamLock.Lock()
	var reason string
	switch {
	case s.isLocalID(id):
		reason = "wrong_parity"
	case id <= s.lastRemoteID:
		reason = "reused_id"
	case s.localGoAway.Load() || s.remoteGoAway.Load():
		reason = "go_away"
	case s.inbound >= s.config.MaxInboundStreams:
		reason = "inbound_limit"
	case s.handlers.len() == 0 && len(s.acceptCh) == cap(s.acceptCh):
		reason = "backlog_full"
	}
	if !s.isLocalID(id) && id > s.lastRemoteID {
		s.lastRemoteID = id
	}
	if reason == "" && f.Flags.Has(FlagRST) {
		// Opened and aborted in one frame. The ID is used up but there is
		// nothing to accept or answer.
		s.streamLock.Unlock()
		s.logger.Debug("dropping stream reset in its SYN", "stream_id", id)
		return
	}
	if reason != "" {
		s.streamLock.Unlock()
		s.logger.Warn("refusing inbound stream", "stream_id", id, "reason", reason)
		metrics.IncrCounterWithLabels([]string{"mux", "stream", "refused"}, 1,
			[]metrics.Label{{Name: "reason", Value: reason}})
		if !f.Flags.Has(FlagRST) {
			s.sendReset(id)
		}
		return
	}
	stream := newStream(s, id, false)
	s.streams[id] = stream
	s.inbound++
	s.streamLock.Unlock()

	stream.accept()

	var err error
	if f.Type == TypeData {
		err = stream.readData(f)
	} else {
		err = stream.incrSendWindow(f)
	}
	if err != nil {
		stream.resetWith(err)
		return
	}
	metrics.IncrCounterWithLabels([]string{"mux", "stream", "opened"}, 1,
		[]metrics.Label{{Name: "direction", Value: "inbound"}})

	if h := s.handlers.first(); h != nil {
		go h(stream)
		return
	}
	select {
	case s.acceptCh <- stream:
	default:
		stream.resetWith(fmt.Errorf("accept backlog full"))
	}
}

func (s *Session) sendReset(id uint32) {
	f := NewWindowUpdateFrame(id, FlagRST, 0)
	s.sendControlNoWait(&f)
}

func (s *Session) handlePing(f *Frame) error {
	switch {
	case f.Flags.Has(FlagSYN):
		reply := NewPingFrame(FlagACK, f.Length)
		s.sendControlNoWait(&reply)
	case f.Flags.Has(FlagACK):
		s.pingLock.Lock()
		if ch, ok := s.pings[f.Length]; ok {
			delete(s.pings, f.Length)
			close(ch)
		}
		s.pingLock.Unlock()
	default:
		return fmt.Errorf("%w: ping without SYN or ACK", ErrInvalidStreamState)
	}
	return nil
}

func (s *Session) handleGoAway(f *Frame) error {
	switch code := f.Length; code {
	case GoAwayNormal:
		s.logger.Debug("received go away")
		s.remoteGoAway.Store(true)
		s.streamLock.Lock()
		empty := len(s.streams) == 0
		s.streamLock.Unlock()
		if empty {
			return ErrRemoteGoAway
		}
		return nil
	case GoAwayProtoErr, GoAwayInternalErr:
		s.logger.Error("received go away", "code", goAwayString(code))
		return &GoAwayError{Code: code}
	default:
		return fmt.Errorf("%w: unknown go away code %d", ErrInvalidStreamState, code)
	}
}

// keepalive pings the peer whenever the connection has been idle for an
// interval and closes the session when a ping goes unanswered.
func (s *Session) keepalive() {
	interval := s.config.KeepAliveInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if time.Since(s.LastActivity()) < interval {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.config.keepAliveTimeout())
			_, err := s.PingContext(ctx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				s.logger.Error("keepalive failed", "error", ErrKeepAliveTimeout)
				metrics.IncrCounter([]string{"mux", "session", "keepalive_timeout"}, 1)
				s.exitErr(ErrKeepAliveTimeout)
				return
			}
		case <-s.shutdownCh:
			return
		}
	}
}

func (s *Session) LocalAddr() net.Addr {
	if a, ok := s.conn.(interface{ LocalAddr() net.Addr }); ok {
		return a.LocalAddr()
	}
	return muxAddr("local")
}

func (s *Session) RemoteAddr() net.Addr {
	if a, ok := s.conn.(interface{ RemoteAddr() net.Addr }); ok {
		return a.RemoteAddr()
	}
	return muxAddr("remote")
}

type muxAddr string

func (a muxAddr) Network() string { return "mux" }
func (a muxAddr) String() string  { return string(a) }
