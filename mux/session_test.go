// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package mux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/meshlink/sdk/testutil"
)

var (
	_ net.Conn     = (*Stream)(nil)
	_ net.Listener = (*Session)(nil)
)

func testConfig(t testing.TB) *Config {
	conf := DefaultConfig()
	conf.Logger = testutil.Logger(t)
	conf.ConnectionWriteTimeout = time.Second
	return conf
}

// testSessionPair connects an initiator and a responder over net.Pipe. A
// nil config means testConfig.
func testSessionPair(t *testing.T, clientConf, serverConf *Config) (*Session, *Session) {
	t.Helper()
	if clientConf == nil {
		clientConf = testConfig(t)
	}
	if serverConf == nil {
		serverConf = testConfig(t)
	}

	c1, c2 := net.Pipe()
	client, err := Client(c1, clientConf)
	require.NoError(t, err)
	server, err := Server(c2, serverConf)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// testRawPeer runs an initiator session against a bare connection. Frames
// written by the session are decoded onto the returned channel.
func testRawPeer(t *testing.T, conf *Config) (*Session, net.Conn, <-chan Frame) {
	t.Helper()
	if conf == nil {
		conf = testConfig(t)
	}

	c1, c2 := net.Pipe()
	client, err := Client(c1, conf)
	require.NoError(t, err)

	frames := make(chan Frame, 128)
	go func() {
		defer close(frames)
		dec := NewDecoder(1 << 20)
		buf := make([]byte, 4096)
		for {
			n, err := c2.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
				for {
					f, derr := dec.Next()
					if derr != nil {
						break
					}
					frames <- f
				}
			}
			if err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		c2.Close()
		for range frames {
		}
		client.Close()
	})
	return client, c2, frames
}

func writeFrame(t *testing.T, conn net.Conn, f Frame) {
	t.Helper()
	_, err := conn.Write(Encode(&f))
	require.NoError(t, err)
}

func nextFrame(t *testing.T, frames <-chan Frame, match func(Frame) bool) Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "connection closed while waiting for frame")
			if match(f) {
				return f
			}
		case <-timeout:
			t.Fatal("timed out waiting for frame")
		}
	}
}

func isStreamFrame(id uint32, flag Flags) func(Frame) bool {
	return func(f Frame) bool {
		return f.StreamID == id && f.Type == TypeWindowUpdate && f.Flags.Has(flag)
	}
}

func sendWindowAvail(s *Stream) uint32 {
	s.windowLock.Lock()
	defer s.windowLock.Unlock()
	return s.sendWin.avail
}

func TestSession_StreamExchange(t *testing.T) {
	client, server := testSessionPair(t, nil, nil)
	ctx := testutil.TestContext(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- func() error {
			stream, err := server.AcceptStream(ctx)
			if err != nil {
				return err
			}
			buf, err := io.ReadAll(stream)
			if err != nil {
				return err
			}
			if _, err := stream.Write(buf); err != nil {
				return err
			}
			return stream.Close()
		}()
	}()

	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), stream.ID())

	_, err = stream.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return stream.State() == StreamEstablished
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, stream.CloseWrite())
	echo, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(echo))
	require.NoError(t, <-errCh)

	require.Eventually(t, func() bool {
		return stream.State() == StreamClosed &&
			client.NumStreams() == 0 && server.NumStreams() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSession_StreamIDParity(t *testing.T) {
	client, server := testSessionPair(t, nil, nil)
	ctx := testutil.TestContext(t)

	for _, want := range []uint32{1, 3, 5} {
		s, err := client.OpenStream(ctx)
		require.NoError(t, err)
		require.Equal(t, want, s.ID())
	}
	for _, want := range []uint32{2, 4} {
		s, err := server.OpenStream(ctx)
		require.NoError(t, err)
		require.Equal(t, want, s.ID())
	}

	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), accepted.ID())
}

func TestSession_StreamsExhausted(t *testing.T) {
	client, _ := testSessionPair(t, nil, nil)
	ctx := testutil.TestContext(t)

	client.streamLock.Lock()
	client.nextStreamID = math.MaxUint32
	client.streamLock.Unlock()

	s, err := client.OpenStream(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(math.MaxUint32), s.ID())

	_, err = client.OpenStream(ctx)
	require.ErrorIs(t, err, ErrStreamsExhausted)
}

func TestSession_Backpressure(t *testing.T) {
	conf := testConfig(t)
	conf.InitialStreamWindow = 1024
	conf.MaxStreamWindow = 1024
	client, server := testSessionPair(t, conf, conf)
	ctx := testutil.TestContext(t)

	payload := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(payload)

	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := stream.Write(payload)
		done <- err
	}()

	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sendWindowAvail(stream) == 0
	}, time.Second, 5*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("write finished without window: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	got := make([]byte, len(payload))
	_, err = io.ReadFull(accepted, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.NoError(t, <-done)
}

func TestStream_WriteContextCancel(t *testing.T) {
	conf := testConfig(t)
	conf.InitialStreamWindow = 1024
	conf.MaxStreamWindow = 1024
	client, _ := testSessionPair(t, conf, conf)

	stream, err := client.OpenStream(testutil.TestContext(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		n   int
		err error
	}
	res := make(chan result, 1)
	go func() {
		n, err := stream.WriteContext(ctx, make([]byte, 4096))
		res <- result{n, err}
	}()

	require.Eventually(t, func() bool {
		return sendWindowAvail(stream) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()

	r := <-res
	require.ErrorIs(t, r.err, context.Canceled)
	require.Equal(t, 1024, r.n)
	require.Zero(t, sendWindowAvail(stream))
}

func TestStream_WriteChunksByMessageSize(t *testing.T) {
	conf := testConfig(t)
	conf.MaxMessageSize = 100
	client, _, frames := testRawPeer(t, conf)

	stream, err := client.OpenStream(testutil.TestContext(t))
	require.NoError(t, err)
	_, err = stream.Write(bytes.Repeat([]byte{'x'}, 250))
	require.NoError(t, err)

	syn := nextFrame(t, frames, func(Frame) bool { return true })
	require.Equal(t, TypeWindowUpdate, syn.Type)
	require.True(t, syn.Flags.Has(FlagSYN))

	var sizes []int
	for len(sizes) < 3 {
		f := nextFrame(t, frames, func(f Frame) bool { return f.Type == TypeData })
		sizes = append(sizes, len(f.Payload))
	}
	require.Equal(t, []int{100, 100, 50}, sizes)
}

func TestStream_ReadDeadline(t *testing.T) {
	client, _ := testSessionPair(t, nil, nil)

	stream, err := client.OpenStream(testutil.TestContext(t))
	require.NoError(t, err)

	require.NoError(t, stream.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err = stream.Read(make([]byte, 10))
	require.ErrorIs(t, err, ErrTimeout)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	require.True(t, netErr.Timeout())
}

func TestStream_ReadContext(t *testing.T) {
	client, _ := testSessionPair(t, nil, nil)

	stream, err := client.OpenStream(testutil.TestContext(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = stream.ReadContext(ctx, make([]byte, 10))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotEqual(t, StreamReset, stream.State())
}

func TestStream_Reset(t *testing.T) {
	client, server := testSessionPair(t, nil, nil)
	ctx := testutil.TestContext(t)

	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)
	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.Reset())
	require.Equal(t, StreamReset, stream.State())

	_, err = accepted.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrStreamReset)
	_, err = stream.Write([]byte("x"))
	require.ErrorIs(t, err, ErrStreamReset)

	require.Eventually(t, func() bool {
		return client.NumStreams() == 0 && server.NumStreams() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStream_DataAfterCloseResets(t *testing.T) {
	client, server := testSessionPair(t, nil, nil)
	ctx := testutil.TestContext(t)

	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)
	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	require.NoError(t, accepted.Close())

	require.Eventually(t, func() bool {
		_, err := stream.Write([]byte("x"))
		return errors.Is(err, ErrStreamReset)
	}, time.Second, 10*time.Millisecond)
}

func TestStream_HalfClose(t *testing.T) {
	client, server := testSessionPair(t, nil, nil)
	ctx := testutil.TestContext(t)

	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)
	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.CloseWrite())
	_, err = stream.Write([]byte("late"))
	require.ErrorIs(t, err, ErrStreamClosed)

	_, err = accepted.Read(make([]byte, 1))
	require.Equal(t, io.EOF, err)
	require.Equal(t, StreamHalfClosedRemote, accepted.State())

	_, err = accepted.Write([]byte("reply"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	require.Equal(t, "reply", string(buf))

	require.NoError(t, accepted.CloseWrite())
	_, err = stream.Read(buf)
	require.Equal(t, io.EOF, err)
	require.Equal(t, StreamClosed, stream.State())
	require.Equal(t, StreamClosed, accepted.State())
}

func TestStream_CloseTimeout(t *testing.T) {
	conf := testConfig(t)
	conf.StreamCloseTimeout = 30 * time.Millisecond
	client, server := testSessionPair(t, conf, nil)
	ctx := testutil.TestContext(t)

	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)
	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.CloseWrite())

	_, err = stream.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrStreamCloseTimeout)

	require.Eventually(t, func() bool {
		return accepted.State() == StreamReset
	}, time.Second, 5*time.Millisecond)
}

func TestStream_OpenTimeout(t *testing.T) {
	conf := testConfig(t)
	conf.StreamOpenTimeout = 30 * time.Millisecond
	client, _, frames := testRawPeer(t, conf)

	stream, err := client.OpenStream(testutil.TestContext(t))
	require.NoError(t, err)
	nextFrame(t, frames, isStreamFrame(1, FlagSYN))

	_, err = stream.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrStreamOpenTimeout)
	nextFrame(t, frames, isStreamFrame(1, FlagRST))
}

func TestSession_InboundStreamLimit(t *testing.T) {
	serverConf := testConfig(t)
	serverConf.MaxInboundStreams = 1
	client, server := testSessionPair(t, nil, serverConf)
	ctx := testutil.TestContext(t)

	first, err := client.OpenStream(ctx)
	require.NoError(t, err)
	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	second, err := client.OpenStream(ctx)
	require.NoError(t, err)
	_, err = second.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrStreamReset)
	require.Equal(t, StreamReset, second.State())

	_, err = first.Write([]byte("ok"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)
	require.Equal(t, "ok", string(buf))
}

func TestSession_OutboundStreamLimit(t *testing.T) {
	conf := testConfig(t)
	conf.MaxOutboundStreams = 1
	client, _ := testSessionPair(t, conf, nil)
	ctx := testutil.TestContext(t)

	_, err := client.OpenStream(ctx)
	require.NoError(t, err)
	_, err = client.OpenStream(ctx)
	require.ErrorIs(t, err, ErrTooManyStreams)
}

func TestSession_AcceptBacklogFull(t *testing.T) {
	serverConf := testConfig(t)
	serverConf.AcceptBacklog = 1
	client, server := testSessionPair(t, nil, serverConf)
	ctx := testutil.TestContext(t)

	_, err := client.OpenStream(ctx)
	require.NoError(t, err)
	second, err := client.OpenStream(ctx)
	require.NoError(t, err)

	_, err = second.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrStreamReset)

	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), accepted.ID())
}

func TestSession_OnStream(t *testing.T) {
	client, server := testSessionPair(t, nil, nil)
	ctx := testutil.TestContext(t)

	got := make(chan *Stream, 1)
	cancel := server.OnStream(func(s *Stream) { got <- s })

	first, err := client.OpenStream(ctx)
	require.NoError(t, err)
	select {
	case s := <-got:
		require.Equal(t, first.ID(), s.ID())
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	cancel()
	second, err := client.OpenStream(ctx)
	require.NoError(t, err)
	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	require.Equal(t, second.ID(), accepted.ID())
}

func TestSession_Ping(t *testing.T) {
	client, server := testSessionPair(t, nil, nil)

	rtt, err := client.Ping()
	require.NoError(t, err)
	require.Less(t, rtt, time.Second)

	_, err = server.PingContext(testutil.TestContext(t))
	require.NoError(t, err)
}

func TestSession_KeepAlive(t *testing.T) {
	conf := testConfig(t)
	conf.KeepAliveInterval = 10 * time.Millisecond
	client, server := testSessionPair(t, conf, conf)

	require.Never(t, func() bool {
		return client.IsClosed() || server.IsClosed()
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestSession_KeepAliveTimeout(t *testing.T) {
	conf := testConfig(t)
	conf.KeepAliveInterval = 10 * time.Millisecond
	conf.KeepAliveTimeout = 30 * time.Millisecond
	client, _, frames := testRawPeer(t, conf)

	ping := nextFrame(t, frames, func(f Frame) bool { return f.Type == TypePing })
	require.True(t, ping.Flags.Has(FlagSYN))

	select {
	case <-client.CloseChan():
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed")
	}

	err := client.Err()
	require.ErrorIs(t, err, ErrSessionShutdown)
	require.ErrorIs(t, err, ErrKeepAliveTimeout)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	require.True(t, netErr.Timeout())
}

func TestSession_AnswersPing(t *testing.T) {
	client, raw, frames := testRawPeer(t, nil)
	_ = client

	writeFrame(t, raw, NewPingFrame(FlagSYN, 77))
	pong := nextFrame(t, frames, func(f Frame) bool { return f.Type == TypePing })
	require.True(t, pong.Flags.Has(FlagACK))
	require.Equal(t, uint32(77), pong.Length)
}

func TestSession_MalformedHeader(t *testing.T) {
	client, raw, frames := testRawPeer(t, nil)

	stream, err := client.OpenStream(testutil.TestContext(t))
	require.NoError(t, err)
	nextFrame(t, frames, isStreamFrame(1, FlagSYN))

	bad := Encode(&Frame{Type: TypePing, Flags: FlagSYN})
	bad[0] = ProtocolVersion + 1
	_, err = raw.Write(bad)
	require.NoError(t, err)

	_, err = stream.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrSessionShutdown)
	require.ErrorIs(t, err, ErrInvalidVersion)

	goAway := nextFrame(t, frames, func(f Frame) bool { return f.Type == TypeGoAway })
	require.Equal(t, GoAwayProtoErr, goAway.Length)

	require.ErrorIs(t, client.Err(), ErrInvalidVersion)
	_, err = client.OpenStream(context.Background())
	require.ErrorIs(t, err, ErrSessionShutdown)
}

func TestSession_StreamZeroIsProtocolError(t *testing.T) {
	client, raw, frames := testRawPeer(t, nil)

	writeFrame(t, raw, NewDataFrame(0, 0, []byte("x")))

	goAway := nextFrame(t, frames, func(f Frame) bool { return f.Type == TypeGoAway })
	require.Equal(t, GoAwayProtoErr, goAway.Length)
	require.True(t, IsProtocolError(client.Err()))
}

func TestSession_UnknownStreamGetsReset(t *testing.T) {
	client, raw, frames := testRawPeer(t, nil)

	writeFrame(t, raw, NewDataFrame(4, 0, []byte("x")))
	nextFrame(t, frames, isStreamFrame(4, FlagRST))
	require.False(t, client.IsClosed())
}

func TestSession_RefusesWrongParitySYN(t *testing.T) {
	client, raw, frames := testRawPeer(t, nil)

	writeFrame(t, raw, NewWindowUpdateFrame(7, FlagSYN, 0))
	nextFrame(t, frames, isStreamFrame(7, FlagRST))
	require.Zero(t, client.NumStreams())
}

func TestSession_DuplicateSYNResetsStream(t *testing.T) {
	client, raw, frames := testRawPeer(t, nil)
	ctx := testutil.TestContext(t)

	writeFrame(t, raw, NewWindowUpdateFrame(2, FlagSYN, 0))
	nextFrame(t, frames, isStreamFrame(2, FlagACK))
	writeFrame(t, raw, NewWindowUpdateFrame(2, FlagSYN, 0))
	nextFrame(t, frames, isStreamFrame(2, FlagRST))

	accepted, err := client.AcceptStream(ctx)
	require.NoError(t, err)
	_, err = accepted.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrStreamReset)
}

func TestSession_DataAfterFINResetsStream(t *testing.T) {
	client, raw, frames := testRawPeer(t, nil)
	ctx := testutil.TestContext(t)

	writeFrame(t, raw, NewDataFrame(2, FlagSYN|FlagFIN, []byte("hi")))
	writeFrame(t, raw, NewDataFrame(2, 0, []byte("more")))
	nextFrame(t, frames, isStreamFrame(2, FlagRST))

	accepted, err := client.AcceptStream(ctx)
	require.NoError(t, err)
	require.Equal(t, StreamReset, accepted.State())
}

func TestSession_RecvWindowViolationResetsStream(t *testing.T) {
	conf := testConfig(t)
	conf.InitialStreamWindow = 1024
	conf.MaxStreamWindow = 1024
	client, raw, frames := testRawPeer(t, conf)

	writeFrame(t, raw, NewWindowUpdateFrame(2, FlagSYN, 0))
	writeFrame(t, raw, NewDataFrame(2, 0, make([]byte, 2000)))
	nextFrame(t, frames, isStreamFrame(2, FlagRST))
	require.False(t, client.IsClosed())
}

func TestSession_GoAway(t *testing.T) {
	client, server := testSessionPair(t, nil, nil)
	ctx := testutil.TestContext(t)

	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)
	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	require.NoError(t, server.GoAway())
	require.Eventually(t, func() bool {
		return client.remoteGoAway.Load()
	}, time.Second, 5*time.Millisecond)

	_, err = client.OpenStream(ctx)
	require.ErrorIs(t, err, ErrRemoteGoAway)

	// Existing streams keep working.
	_, err = stream.Write([]byte("still here"))
	require.NoError(t, err)
	buf := make([]byte, 10)
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)

	// Once drained the session closes on its own.
	require.NoError(t, stream.Close())
	require.NoError(t, accepted.Close())
	select {
	case <-client.CloseChan():
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed after drain")
	}
	require.ErrorIs(t, client.Err(), ErrRemoteGoAway)
}

func TestSession_GoAwayErrorCode(t *testing.T) {
	client, raw, _ := testRawPeer(t, nil)

	writeFrame(t, raw, NewGoAwayFrame(GoAwayInternalErr))
	select {
	case <-client.CloseChan():
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed")
	}

	var goAwayErr *GoAwayError
	require.True(t, errors.As(client.Err(), &goAwayErr))
	require.Equal(t, GoAwayInternalErr, goAwayErr.Code)
}

func TestSession_Close(t *testing.T) {
	client, server := testSessionPair(t, nil, nil)
	ctx := testutil.TestContext(t)

	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)
	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	_, err = accepted.Write([]byte("buffered"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		stream.recvLock.Lock()
		defer stream.recvLock.Unlock()
		return stream.recvBuffered == 8
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	require.True(t, client.IsClosed())

	buf := make([]byte, 8)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "buffered", string(buf[:n]))

	_, err = stream.Read(buf)
	require.ErrorIs(t, err, ErrSessionShutdown)
	require.NotErrorIs(t, err, ErrStreamReset)
	_, err = stream.Write([]byte("x"))
	require.ErrorIs(t, err, ErrSessionShutdown)
	_, err = client.OpenStream(ctx)
	require.ErrorIs(t, err, ErrSessionShutdown)
	_, err = client.AcceptStream(ctx)
	require.ErrorIs(t, err, ErrSessionShutdown)

	require.ErrorIs(t, client.Err(), ErrSessionShutdown)
	require.Nil(t, errors.Unwrap(client.Err()))

	select {
	case <-server.CloseChan():
	case <-time.After(2 * time.Second):
		t.Fatal("peer session not closed")
	}
	_, err = accepted.Read(buf)
	require.ErrorIs(t, err, ErrSessionShutdown)
	require.NoError(t, client.Close())
	require.Zero(t, client.NumStreams())
}

func TestSession_NetAdaptors(t *testing.T) {
	client, server := testSessionPair(t, nil, nil)

	done := make(chan error, 1)
	go func() {
		conn, err := server.Accept()
		if err != nil {
			done <- err
			return
		}
		_, err = io.Copy(conn, conn)
		if err == nil {
			err = conn.Close()
		}
		done <- err
	}()

	conn, err := client.Open()
	require.NoError(t, err)
	require.Equal(t, "pipe", conn.LocalAddr().Network())
	require.NotNil(t, server.Addr())

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, conn.(*Stream).CloseWrite())

	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, "ping", string(out))
	require.NoError(t, <-done)
}

func TestStream_ConcurrentReadersWake(t *testing.T) {
	cases := map[string]struct {
		end func(s *Stream) error
		err error
	}{
		"reset": {end: (*Stream).Reset, err: ErrStreamReset},
		"fin":   {end: (*Stream).CloseWrite, err: io.EOF},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			client, server := testSessionPair(t, nil, nil)
			ctx := testutil.TestContext(t)

			stream, err := client.OpenStream(ctx)
			require.NoError(t, err)
			accepted, err := server.AcceptStream(ctx)
			require.NoError(t, err)

			const readers = 3
			errCh := make(chan error, readers)
			for i := 0; i < readers; i++ {
				go func() {
					_, err := stream.Read(make([]byte, 1))
					errCh <- err
				}()
			}
			time.Sleep(20 * time.Millisecond)
			require.NoError(t, tc.end(accepted))

			for i := 0; i < readers; i++ {
				select {
				case err := <-errCh:
					require.ErrorIs(t, err, tc.err)
				case <-time.After(time.Second):
					t.Fatalf("reader %d still blocked", i)
				}
			}
		})
	}
}

func TestStream_ConcurrentReadersWakeOnLocalClose(t *testing.T) {
	client, _ := testSessionPair(t, nil, nil)

	stream, err := client.OpenStream(testutil.TestContext(t))
	require.NoError(t, err)

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := stream.Read(make([]byte, 1))
			errCh <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, stream.Close())

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			require.ErrorIs(t, err, ErrStreamClosed)
		case <-time.After(time.Second):
			t.Fatalf("reader %d still blocked", i)
		}
	}
}

func TestStream_WindowUpdateRetriedAfterSendFailure(t *testing.T) {
	conf := testConfig(t)
	conf.EnableKeepAlive = false
	conf.ConnectionWriteTimeout = 50 * time.Millisecond
	conf.MaxStreamWindow = conf.InitialStreamWindow

	// Nobody reads the other end, so the writer stalls and the control
	// queue fills up.
	c1, c2 := net.Pipe()
	defer c2.Close()
	sess, err := Client(c1, conf)
	require.NoError(t, err)
	defer sess.Close()

	filler := NewPingFrame(FlagACK, 0)
	require.Eventually(t, func() bool {
		for {
			select {
			case sess.controlCh <- &filler:
			default:
				return len(sess.controlCh) == cap(sess.controlCh)
			}
		}
	}, time.Second, time.Millisecond)

	stream := newStream(sess, 1, true)
	payload := make([]byte, 200*1024)
	stream.recvLock.Lock()
	require.NoError(t, stream.recvWin.consume(uint32(len(payload))))
	stream.recvBuf = [][]byte{payload}
	stream.recvBuffered = uint32(len(payload))
	before := stream.recvWin.avail
	stream.recvLock.Unlock()

	n, err := stream.Read(make([]byte, len(payload)))
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	stream.recvLock.Lock()
	defer stream.recvLock.Unlock()
	require.Equal(t, before, stream.recvWin.avail)
	require.Equal(t, uint32(len(payload)), stream.recvWin.update(0, false))
}

func TestStream_IdleTimeout(t *testing.T) {
	conf := testConfig(t)
	conf.StreamIdleTimeout = 50 * time.Millisecond
	client, server := testSessionPair(t, conf, nil)
	ctx := testutil.TestContext(t)

	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)
	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	// Steady traffic keeps the stream alive past the timeout.
	buf := make([]byte, 1)
	for i := 0; i < 10; i++ {
		_, err := stream.Write([]byte("x"))
		require.NoError(t, err)
		_, err = io.ReadFull(accepted, buf)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, StreamEstablished, stream.State())

	_, err = stream.Read(buf)
	require.ErrorIs(t, err, ErrStreamIdleTimeout)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	require.True(t, netErr.Timeout())

	require.Eventually(t, func() bool {
		return accepted.State() == StreamReset
	}, time.Second, 5*time.Millisecond)
}

func TestSession_PingWithoutKeepAlive(t *testing.T) {
	conf := testConfig(t)
	conf.EnableKeepAlive = false
	conf.KeepAliveInterval = 0
	conf.KeepAliveTimeout = 0
	require.NoError(t, VerifyConfig(conf))
	client, _ := testSessionPair(t, conf, conf)

	rtt, err := client.Ping()
	require.NoError(t, err)
	require.Less(t, rtt, time.Second)
}

func TestSession_DropsSYNWithRST(t *testing.T) {
	client, raw, frames := testRawPeer(t, nil)
	ctx := testutil.TestContext(t)

	writeFrame(t, raw, NewWindowUpdateFrame(2, FlagSYN|FlagRST, 0))
	writeFrame(t, raw, NewWindowUpdateFrame(4, FlagSYN, 0))
	nextFrame(t, frames, func(f Frame) bool {
		require.NotEqual(t, uint32(2), f.StreamID, "unexpected %s", f.String())
		return isStreamFrame(4, FlagACK)(f)
	})

	accepted, err := client.AcceptStream(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(4), accepted.ID())
	require.Equal(t, 1, client.NumStreams())
}
