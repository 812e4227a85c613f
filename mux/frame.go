// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package mux

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is one unit of the wire protocol. For data frames Length is the
// payload size; for the other types it carries the window delta, ping
// value or GoAway code and there is no payload.
type Frame struct {
	Version  uint8
	Type     FrameType
	Flags    Flags
	StreamID uint32
	Length   uint32
	Payload  []byte
}

// NewDataFrame builds a data frame. The payload is referenced, not copied.
func NewDataFrame(id uint32, flags Flags, payload []byte) Frame {
	return Frame{
		Version:  ProtocolVersion,
		Type:     TypeData,
		Flags:    flags,
		StreamID: id,
		Length:   uint32(len(payload)),
		Payload:  payload,
	}
}

func NewWindowUpdateFrame(id uint32, flags Flags, delta uint32) Frame {
	return Frame{Version: ProtocolVersion, Type: TypeWindowUpdate, Flags: flags, StreamID: id, Length: delta}
}

func NewPingFrame(flags Flags, value uint32) Frame {
	return Frame{Version: ProtocolVersion, Type: TypePing, Flags: flags, Length: value}
}

func NewGoAwayFrame(code uint32) Frame {
	return Frame{Version: ProtocolVersion, Type: TypeGoAway, Length: code}
}

func (f Frame) String() string {
	return fmt.Sprintf("Vsn:%d Type:%s Flags:%s StreamID:%d Length:%d",
		f.Version, f.Type, f.Flags, f.StreamID, f.Length)
}

// EncodeHeader writes the header of f into dst, which must hold at least
// HeaderSize bytes.
func EncodeHeader(dst []byte, f *Frame) {
	_ = dst[HeaderSize-1]
	dst[0] = f.Version
	dst[1] = uint8(f.Type)
	binary.BigEndian.PutUint16(dst[2:4], uint16(f.Flags))
	binary.BigEndian.PutUint32(dst[4:8], f.StreamID)
	length := f.Length
	if f.Type == TypeData {
		length = uint32(len(f.Payload))
	}
	binary.BigEndian.PutUint32(dst[8:12], length)
}

// Encode returns the full wire form of f in a newly allocated slice.
func Encode(f *Frame) []byte {
	var body []byte
	if f.Type == TypeData {
		body = f.Payload
	}
	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(out, f)
	copy(out[HeaderSize:], body)
	return out
}

// Encoder writes frames using a single reusable header buffer. It is not
// safe for concurrent use; a session owns exactly one, used by its writer.
type Encoder struct {
	hdr [HeaderSize]byte
}

// WriteFrame writes the header and, for data frames, the payload to w.
func (e *Encoder) WriteFrame(w io.Writer, f *Frame) error {
	EncodeHeader(e.hdr[:], f)
	if _, err := w.Write(e.hdr[:]); err != nil {
		return err
	}
	if f.Type == TypeData && len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Decoder turns an arbitrarily chunked byte stream into frames. Bytes are
// handed over with Feed and frames taken out with Next, which never blocks.
type Decoder struct {
	maxMessageSize uint32

	buf []byte
	off int

	// hdr is the parsed header of a frame whose payload is incomplete.
	hdr     Frame
	haveHdr bool
}

// NewDecoder returns a decoder rejecting data frames above maxMessageSize.
func NewDecoder(maxMessageSize uint32) *Decoder {
	return &Decoder{maxMessageSize: maxMessageSize}
}

// Feed appends p to the decoder's buffer. p is copied.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	} else if d.off > 0 && len(d.buf)+len(p) > cap(d.buf) {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes fed but not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next returns the next complete frame. It returns ErrNeedMoreData when the
// buffer holds only part of a frame, and a protocol error when the header
// is invalid. Protocol errors are sticky from the caller's point of view:
// the stream position is undefined afterwards.
func (d *Decoder) Next() (Frame, error) {
	if !d.haveHdr {
		if d.Buffered() < HeaderSize {
			return Frame{}, ErrNeedMoreData
		}
		hdr, err := d.parseHeader(d.buf[d.off : d.off+HeaderSize])
		if err != nil {
			return Frame{}, err
		}
		d.off += HeaderSize
		d.hdr = hdr
		d.haveHdr = true
	}

	f := d.hdr
	if f.Type == TypeData && f.Length > 0 {
		if d.Buffered() < int(f.Length) {
			return Frame{}, ErrNeedMoreData
		}
		f.Payload = make([]byte, f.Length)
		copy(f.Payload, d.buf[d.off:d.off+int(f.Length)])
		d.off += int(f.Length)
	}
	d.haveHdr = false
	d.hdr = Frame{}
	return f, nil
}

func (d *Decoder) parseHeader(b []byte) (Frame, error) {
	f := Frame{
		Version:  b[0],
		Type:     FrameType(b[1]),
		Flags:    Flags(binary.BigEndian.Uint16(b[2:4])),
		StreamID: binary.BigEndian.Uint32(b[4:8]),
		Length:   binary.BigEndian.Uint32(b[8:12]),
	}
	if f.Version != ProtocolVersion {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidVersion, f.Version)
	}
	if !f.Type.valid() {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidFrameType, uint8(f.Type))
	}
	if f.Type == TypeData && f.Length > d.maxMessageSize {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, f.Length, d.maxMessageSize)
	}
	return f, nil
}
