// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package mux

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
)

// StreamState is the lifecycle state of a stream.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamEstablished
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
	StreamReset
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamOpen:
		return "open"
	case StreamEstablished:
		return "established"
	case StreamHalfClosedLocal:
		return "half-closed-local"
	case StreamHalfClosedRemote:
		return "half-closed-remote"
	case StreamClosed:
		return "closed"
	case StreamReset:
		return "reset"
	default:
		return "unknown"
	}
}

type streamEvent int

const (
	evSendSYN streamEvent = iota
	evRecvSYN
	evACK
	evLocalFIN
	evRemoteFIN
	evReset
)

// nextState is the stream transition table. ok is false when the event is
// not valid in the given state.
func nextState(state StreamState, ev streamEvent) (next StreamState, ok bool) {
	if ev == evReset {
		if state == StreamClosed || state == StreamReset {
			return state, false
		}
		return StreamReset, true
	}

	switch state {
	case StreamIdle:
		if ev == evSendSYN || ev == evRecvSYN {
			return StreamOpen, true
		}
	case StreamOpen:
		switch ev {
		case evACK:
			return StreamEstablished, true
		case evLocalFIN:
			return StreamHalfClosedLocal, true
		case evRemoteFIN:
			return StreamHalfClosedRemote, true
		}
	case StreamEstablished:
		switch ev {
		case evLocalFIN:
			return StreamHalfClosedLocal, true
		case evRemoteFIN:
			return StreamHalfClosedRemote, true
		}
	case StreamHalfClosedLocal:
		switch ev {
		case evRemoteFIN:
			return StreamClosed, true
		case evACK:
			// The ACK raced our FIN.
			return StreamHalfClosedLocal, true
		}
	case StreamHalfClosedRemote:
		if ev == evLocalFIN {
			return StreamClosed, true
		}
	}
	return state, false
}

// Stream is a logical duplex channel multiplexed over a Session. It
// implements net.Conn.
type Stream struct {
	id       uint32
	outbound bool
	session  *Session

	stateLock     sync.Mutex
	state         StreamState
	finRecv       bool
	readClosed    bool
	sessionClosed bool
	resetErr      error
	openTimer     *time.Timer
	closeTimer    *time.Timer
	idleTimer     *time.Timer
	lastData      atomic.Int64

	recvLock     sync.Mutex
	recvBuf      [][]byte
	recvBuffered uint32
	recvWin      recvWindow
	// recvWake is closed and replaced to wake every blocked reader at once.
	recvWake chan struct{}

	// sendLock allows one writer at a time so the chunks of one Write are
	// never interleaved with another's.
	sendLock   sync.Mutex
	windowLock sync.Mutex
	sendWin    sendWindow

	sendNotifyCh chan struct{}

	readDeadline  atomic.Value
	writeDeadline atomic.Value
}

func newStream(session *Session, id uint32, outbound bool) *Stream {
	conf := session.config
	s := &Stream{
		id:           id,
		outbound:     outbound,
		session:      session,
		state:        StreamIdle,
		recvWin:      newRecvWindow(conf.InitialStreamWindow, conf.MaxStreamWindow, conf.WindowUpdateThreshold),
		sendWin:      sendWindow{avail: conf.InitialStreamWindow},
		recvWake:     make(chan struct{}),
		sendNotifyCh: make(chan struct{}, 1),
	}
	s.readDeadline.Store(time.Time{})
	s.writeDeadline.Store(time.Time{})
	return s
}

// ID returns the stream ID.
func (s *Stream) ID() uint32 {
	return s.id
}

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

// Session returns the session the stream belongs to.
func (s *Stream) Session() *Session {
	return s.session
}

func (s *Stream) Read(b []byte) (int, error) {
	return s.read(context.Background(), b)
}

// ReadContext is Read with cancellation. On cancellation it returns
// ctx.Err() and leaves buffered data in place.
func (s *Stream) ReadContext(ctx context.Context, b []byte) (int, error) {
	return s.read(ctx, b)
}

func (s *Stream) read(ctx context.Context, b []byte) (int, error) {
	for {
		n, wait, err := s.readBuffered(b)
		if n > 0 || err != nil || len(b) == 0 {
			return n, err
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if deadline := s.readDeadline.Load().(time.Time); !deadline.IsZero() {
			timer = time.NewTimer(time.Until(deadline))
			timeout = timer.C
		}

		select {
		case <-wait:
		case <-s.session.shutdownCh:
		case <-timeout:
			return 0, ErrTimeout
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return 0, ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// readBuffered copies buffered data into b and sends a window update when
// enough of the window has been freed. With nothing buffered and no error
// it returns the channel that is closed on the next wake-up.
func (s *Stream) readBuffered(b []byte) (int, <-chan struct{}, error) {
	s.recvLock.Lock()
	if len(s.recvBuf) == 0 {
		err := s.readErr()
		wait := s.recvWake
		s.recvLock.Unlock()
		return 0, wait, err
	}

	n := 0
	for n < len(b) && len(s.recvBuf) > 0 {
		c := copy(b[n:], s.recvBuf[0])
		n += c
		if c == len(s.recvBuf[0]) {
			s.recvBuf[0] = nil
			s.recvBuf = s.recvBuf[1:]
		} else {
			s.recvBuf[0] = s.recvBuf[0][c:]
		}
	}
	s.recvBuffered -= uint32(n)

	var delta uint32
	if s.receiving() {
		delta = s.recvWin.update(s.recvBuffered, false)
	}
	s.recvLock.Unlock()

	if delta > 0 {
		s.sendWindowUpdate(delta)
	}
	return n, nil, nil
}

// sendWindowUpdate grants delta to the peer. A grant that never reached
// the writer is taken back so the next read offers it again.
func (s *Stream) sendWindowUpdate(delta uint32) {
	f := NewWindowUpdateFrame(s.id, 0, delta)
	err := s.session.sendControl(context.Background(), &f)
	if err == nil {
		return
	}
	s.session.logger.Debug("failed to send window update", "stream_id", s.id, "error", err)
	if s.session.IsClosed() {
		return
	}
	s.recvLock.Lock()
	s.recvWin.revoke(delta)
	s.recvLock.Unlock()
}

// wakeReaders releases every reader blocked on an empty buffer.
func (s *Stream) wakeReaders() {
	s.recvLock.Lock()
	close(s.recvWake)
	s.recvWake = make(chan struct{})
	s.recvLock.Unlock()
}

// receiving reports whether the peer may still send data.
func (s *Stream) receiving() bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return !s.finRecv && s.state != StreamReset && s.state != StreamClosed
}

// readErr returns the error a read on an empty buffer reports.
func (s *Stream) readErr() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	switch {
	case s.readClosed:
		return ErrStreamClosed
	case s.state == StreamReset && !s.sessionClosed:
		return s.resetErr
	case s.finRecv:
		return io.EOF
	case s.state == StreamReset:
		return s.resetErr
	}
	if s.session.IsClosed() {
		return s.session.sessionErr()
	}
	return nil
}

// writeErr returns the error a write in the current state reports.
func (s *Stream) writeErr() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	switch s.state {
	case StreamReset:
		return s.resetErr
	case StreamHalfClosedLocal, StreamClosed:
		return ErrStreamClosed
	}
	if s.session.IsClosed() {
		return s.session.sessionErr()
	}
	return nil
}

func (s *Stream) Write(b []byte) (int, error) {
	return s.write(context.Background(), b)
}

// WriteContext is Write with cancellation. On cancellation it returns the
// number of bytes already committed to the session along with ctx.Err();
// the send window reflects exactly those bytes.
func (s *Stream) WriteContext(ctx context.Context, b []byte) (int, error) {
	return s.write(ctx, b)
}

func (s *Stream) write(ctx context.Context, b []byte) (int, error) {
	s.sendLock.Lock()
	defer s.sendLock.Unlock()

	total := 0
	for total < len(b) {
		n, err := s.writeChunk(ctx, b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// writeChunk sends at most one frame worth of b, waiting for window when
// none is available.
func (s *Stream) writeChunk(ctx context.Context, b []byte) (int, error) {
	for {
		if err := s.writeErr(); err != nil {
			return 0, err
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if deadline := s.writeDeadline.Load().(time.Time); !deadline.IsZero() {
			timer = time.NewTimer(time.Until(deadline))
			timeout = timer.C
		}
		stop := func() {
			if timer != nil {
				timer.Stop()
			}
		}

		want := uint32(min(len(b), int(s.session.config.MaxMessageSize)))
		s.windowLock.Lock()
		n := s.sendWin.reserve(want)
		s.windowLock.Unlock()

		if n > 0 {
			body := make([]byte, n)
			copy(body, b[:n])
			f := NewDataFrame(s.id, 0, body)
			if err := s.session.queueData(ctx, timeout, &f); err != nil {
				stop()
				s.windowLock.Lock()
				s.sendWin.release(n)
				s.windowLock.Unlock()
				return 0, err
			}
			stop()
			s.touch()
			return int(n), nil
		}

		metrics.IncrCounter([]string{"mux", "stream", "window_blocked"}, 1)
		select {
		case <-s.sendNotifyCh:
		case <-s.session.shutdownCh:
		case <-timeout:
			return 0, ErrTimeout
		case <-ctx.Done():
			stop()
			return 0, ctx.Err()
		}
		stop()
	}
}

// CloseWrite half-closes the stream by sending FIN. Reads continue until
// the peer closes its side.
func (s *Stream) CloseWrite() error {
	s.stateLock.Lock()
	next, ok := nextState(s.state, evLocalFIN)
	if !ok {
		state, err := s.state, s.resetErr
		s.stateLock.Unlock()
		if state == StreamReset {
			return err
		}
		return nil
	}
	s.state = next
	closed := next == StreamClosed
	if closed {
		s.stopTimersLocked()
	} else if timeout := s.session.config.StreamCloseTimeout; timeout > 0 {
		s.closeTimer = time.AfterFunc(timeout, s.closeTimeout)
	}
	s.stateLock.Unlock()

	// Wake a writer waiting for window so it sees the closed state and
	// releases sendLock.
	asyncNotify(s.sendNotifyCh)

	s.sendLock.Lock()
	f := NewDataFrame(s.id, FlagFIN, nil)
	err := s.session.queueData(context.Background(), nil, &f)
	s.sendLock.Unlock()

	if closed {
		s.session.closeStream(s.id)
	}
	return err
}

// Close sends FIN and stops reading. Data arriving from the peer after
// Close resets the stream.
func (s *Stream) Close() error {
	s.stateLock.Lock()
	s.readClosed = true
	s.stateLock.Unlock()

	s.recvLock.Lock()
	s.recvBuf = nil
	s.recvBuffered = 0
	s.recvLock.Unlock()
	s.wakeReaders()

	err := s.CloseWrite()
	if errors.Is(err, ErrStreamReset) || errors.Is(err, ErrSessionShutdown) {
		return nil
	}
	return err
}

// Reset aborts the stream in both directions and discards buffered data.
func (s *Stream) Reset() error {
	if !s.markReset(ErrStreamReset) {
		return nil
	}
	f := NewWindowUpdateFrame(s.id, FlagRST, 0)
	err := s.session.sendControl(context.Background(), &f)
	s.session.closeStream(s.id)
	metrics.IncrCounterWithLabels([]string{"mux", "stream", "reset"}, 1,
		[]metrics.Label{{Name: "origin", Value: "local"}})
	if errors.Is(err, ErrSessionShutdown) {
		return nil
	}
	return err
}

// markReset moves the stream to Reset, discards its buffer and wakes all
// waiters. It returns false if the stream was already closed or reset.
func (s *Stream) markReset(err error) bool {
	s.stateLock.Lock()
	next, ok := nextState(s.state, evReset)
	if !ok {
		s.stateLock.Unlock()
		return false
	}
	s.state = next
	s.resetErr = err
	s.stopTimersLocked()
	s.stateLock.Unlock()

	s.recvLock.Lock()
	s.recvBuf = nil
	s.recvBuffered = 0
	s.recvLock.Unlock()

	s.notifyWaiting()
	return true
}

// resetWith resets the stream because of a local decision, such as a peer
// violating flow control or a timer firing, and tells the peer with RST.
// It never blocks, so it is safe to call from the dispatch loop.
func (s *Stream) resetWith(reason error) {
	appErr := ErrStreamReset
	var me *Error
	if errors.As(reason, &me) && me.timeout {
		appErr = me
	}
	if !s.markReset(appErr) {
		return
	}
	s.session.logger.Warn("resetting stream", "stream_id", s.id, "error", reason)
	f := NewWindowUpdateFrame(s.id, FlagRST, 0)
	s.session.sendControlNoWait(&f)
	s.session.closeStream(s.id)
	metrics.IncrCounterWithLabels([]string{"mux", "stream", "reset"}, 1,
		[]metrics.Label{{Name: "origin", Value: "local"}})
}

// forceClose is called when the session shuts down. Buffered data stays
// readable; reads and writes then fail with err.
func (s *Stream) forceClose(err error) {
	s.stateLock.Lock()
	if s.state != StreamClosed && s.state != StreamReset {
		s.state = StreamReset
		s.resetErr = err
		s.sessionClosed = true
	}
	s.stopTimersLocked()
	s.stateLock.Unlock()
	s.notifyWaiting()
}

func (s *Stream) stopTimersLocked() {
	if s.openTimer != nil {
		s.openTimer.Stop()
		s.openTimer = nil
	}
	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Stream) openTimeout() {
	if s.State() == StreamOpen {
		s.resetWith(ErrStreamOpenTimeout)
	}
}

func (s *Stream) closeTimeout() {
	if s.State() == StreamHalfClosedLocal {
		s.resetWith(ErrStreamCloseTimeout)
	}
}

// touch records data moving in either direction.
func (s *Stream) touch() {
	if s.session.config.StreamIdleTimeout > 0 {
		s.lastData.Store(time.Now().UnixNano())
	}
}

func (s *Stream) startIdleTimer() {
	timeout := s.session.config.StreamIdleTimeout
	if timeout <= 0 {
		return
	}
	s.lastData.Store(time.Now().UnixNano())
	s.stateLock.Lock()
	if s.idleTimer == nil && s.state != StreamClosed && s.state != StreamReset {
		s.idleTimer = time.AfterFunc(timeout, s.idleTimeout)
	}
	s.stateLock.Unlock()
}

// idleTimeout resets the stream once no data has moved for the idle
// timeout, and otherwise re-arms for the remainder.
func (s *Stream) idleTimeout() {
	timeout := s.session.config.StreamIdleTimeout
	idle := time.Since(time.Unix(0, s.lastData.Load()))
	if idle < timeout {
		s.stateLock.Lock()
		if s.idleTimer != nil {
			s.idleTimer.Reset(timeout - idle)
		}
		s.stateLock.Unlock()
		return
	}
	s.resetWith(ErrStreamIdleTimeout)
}

func (s *Stream) notifyWaiting() {
	s.wakeReaders()
	asyncNotify(s.sendNotifyCh)
}

// open sends the SYN for an outbound stream.
func (s *Stream) open(ctx context.Context) error {
	s.stateLock.Lock()
	next, _ := nextState(s.state, evSendSYN)
	s.state = next
	s.stateLock.Unlock()

	s.recvLock.Lock()
	delta := s.recvWin.update(0, true)
	s.recvLock.Unlock()

	f := NewWindowUpdateFrame(s.id, FlagSYN, delta)
	if err := s.session.sendControl(ctx, &f); err != nil {
		return err
	}

	if timeout := s.session.config.StreamOpenTimeout; timeout > 0 {
		s.stateLock.Lock()
		if s.state == StreamOpen {
			s.openTimer = time.AfterFunc(timeout, s.openTimeout)
		}
		s.stateLock.Unlock()
	}
	s.startIdleTimer()
	return nil
}

// accept moves an inbound stream to Established and queues the ACK. Called
// from the dispatch loop.
func (s *Stream) accept() {
	s.stateLock.Lock()
	s.state, _ = nextState(s.state, evRecvSYN)
	s.state, _ = nextState(s.state, evACK)
	s.stateLock.Unlock()

	s.recvLock.Lock()
	delta := s.recvWin.update(0, true)
	s.recvLock.Unlock()

	f := NewWindowUpdateFrame(s.id, FlagACK, delta)
	s.session.sendControlNoWait(&f)
	s.startIdleTimer()
}

// processFlags applies ACK and RST. It reports whether the stream was reset
// by the peer, in which case the rest of the frame is ignored.
func (s *Stream) processFlags(flags Flags) (reset bool) {
	if flags.Has(FlagRST) {
		if s.markReset(ErrStreamReset) {
			s.session.logger.Debug("stream reset by peer", "stream_id", s.id)
			metrics.IncrCounterWithLabels([]string{"mux", "stream", "reset"}, 1,
				[]metrics.Label{{Name: "origin", Value: "remote"}})
		}
		s.session.closeStream(s.id)
		return true
	}

	if flags.Has(FlagACK) && s.outbound {
		s.stateLock.Lock()
		if next, ok := nextState(s.state, evACK); ok {
			s.state = next
			if s.openTimer != nil {
				s.openTimer.Stop()
				s.openTimer = nil
			}
		}
		s.stateLock.Unlock()
	}
	return false
}

// processFIN applies a remote FIN after any payload in the same frame.
func (s *Stream) processFIN() error {
	s.stateLock.Lock()
	next, ok := nextState(s.state, evRemoteFIN)
	if !ok {
		state := s.state
		s.stateLock.Unlock()
		if state == StreamReset || state == StreamClosed {
			return nil
		}
		return ErrInvalidStreamState
	}
	s.state = next
	s.finRecv = true
	closed := next == StreamClosed
	if closed {
		s.stopTimersLocked()
	}
	s.stateLock.Unlock()

	s.wakeReaders()
	if closed {
		s.session.closeStream(s.id)
	}
	return nil
}

// readData handles a data frame. Called from the dispatch loop.
func (s *Stream) readData(f *Frame) error {
	if s.processFlags(f.Flags) {
		return nil
	}

	if len(f.Payload) > 0 {
		s.stateLock.Lock()
		state, finRecv, readClosed := s.state, s.finRecv, s.readClosed
		s.stateLock.Unlock()

		switch {
		case state == StreamReset || state == StreamClosed:
			return nil
		case finRecv:
			return ErrInvalidStreamState
		case readClosed:
			return ErrStreamClosed
		}

		s.recvLock.Lock()
		if err := s.recvWin.consume(uint32(len(f.Payload))); err != nil {
			s.recvLock.Unlock()
			return err
		}
		s.recvBuf = append(s.recvBuf, f.Payload)
		s.recvBuffered += uint32(len(f.Payload))
		s.recvLock.Unlock()
		s.touch()
		s.wakeReaders()
	}

	if f.Flags.Has(FlagFIN) {
		return s.processFIN()
	}
	return nil
}

// incrSendWindow handles a window update frame. Called from the dispatch
// loop.
func (s *Stream) incrSendWindow(f *Frame) error {
	if s.processFlags(f.Flags) {
		return nil
	}

	if f.Length > 0 {
		s.windowLock.Lock()
		err := s.sendWin.grow(f.Length)
		s.windowLock.Unlock()
		if err != nil {
			return err
		}
		asyncNotify(s.sendNotifyCh)
	}

	if f.Flags.Has(FlagFIN) {
		return s.processFIN()
	}
	return nil
}

func (s *Stream) LocalAddr() net.Addr {
	return s.session.LocalAddr()
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.session.RemoteAddr()
}

func (s *Stream) SetDeadline(t time.Time) error {
	if err := s.SetReadDeadline(t); err != nil {
		return err
	}
	return s.SetWriteDeadline(t)
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.readDeadline.Store(t)
	s.wakeReaders()
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.writeDeadline.Store(t)
	asyncNotify(s.sendNotifyCh)
	return nil
}

// asyncNotify does a non-blocking send on a channel of capacity one.
func asyncNotify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
