// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package mux

import "fmt"

const (
	// ProtocolVersion is the only version of the framing protocol that is
	// understood. A header carrying any other version is fatal.
	ProtocolVersion uint8 = 0

	// HeaderSize is the size of the fixed frame header on the wire.
	HeaderSize = sizeOfVersion + sizeOfType + sizeOfFlags + sizeOfStreamID + sizeOfLength

	sizeOfVersion  = 1
	sizeOfType     = 1
	sizeOfFlags    = 2
	sizeOfStreamID = 4
	sizeOfLength   = 4
)

// FrameType identifies the kind of frame.
type FrameType uint8

const (
	// TypeData carries stream payload. Flags may open or close the stream.
	TypeData FrameType = iota

	// TypeWindowUpdate grows the sender's window by the value in the
	// length field. Flags may open or close the stream.
	TypeWindowUpdate

	// TypePing is a session level liveness probe. The length field holds
	// an opaque value echoed back by the peer.
	TypePing

	// TypeGoAway tells the peer to stop opening streams. The length field
	// holds a GoAway code.
	TypeGoAway
)

func (t FrameType) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeWindowUpdate:
		return "window_update"
	case TypePing:
		return "ping"
	case TypeGoAway:
		return "go_away"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t FrameType) valid() bool {
	return t <= TypeGoAway
}

// Flags is the bitset carried in every frame header.
type Flags uint16

const (
	// FlagSYN opens a new stream.
	FlagSYN Flags = 1 << iota

	// FlagACK acknowledges a new stream, or answers a ping.
	FlagACK

	// FlagFIN half-closes the sender's side of the stream.
	FlagFIN

	// FlagRST aborts the stream.
	FlagRST
)

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var out string
	for _, pair := range []struct {
		flag Flags
		name string
	}{{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagFIN, "FIN"}, {FlagRST, "RST"}} {
		if f.Has(pair.flag) {
			if out != "" {
				out += "|"
			}
			out += pair.name
		}
	}
	return out
}

// GoAway codes carried in the length field of a GoAway frame.
const (
	GoAwayNormal uint32 = iota
	GoAwayProtoErr
	GoAwayInternalErr
)

func goAwayString(code uint32) string {
	switch code {
	case GoAwayNormal:
		return "normal"
	case GoAwayProtoErr:
		return "protocol error"
	case GoAwayInternalErr:
		return "internal error"
	default:
		return fmt.Sprintf("unknown(%d)", code)
	}
}

const (
	// DefaultStreamWindow is the initial window every implementation of
	// the protocol assumes. Peers that change it must agree out of band.
	DefaultStreamWindow uint32 = 256 * 1024

	// MinStreamWindow is the smallest initial window a session accepts.
	MinStreamWindow uint32 = 1024

	// minMessageSize is the smallest usable MaxMessageSize: room for a
	// header plus one byte of payload.
	minMessageSize uint32 = HeaderSize + 1

	// controlQueueSize bounds frames queued by the dispatch loop. The
	// loop never blocks on it; a peer that fills it is not reading.
	controlQueueSize = 1024

	// dataQueueSize bounds data frames waiting for the writer.
	dataQueueSize = 64

	// readBufferSize is the chunk read from the connection per call.
	readBufferSize = 32 * 1024
)
