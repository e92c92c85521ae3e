// Copyright 2024 The GateMQ Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package frame implements the framed wire protocol spoken between the
// broker and its clients. A frame is a 1-byte type, a 4-byte big-endian
// payload length, and the payload itself.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type represents the frame type.
type Type byte

// Frame types.
const (
	// Open is the first frame sent by the client. It carries the requested
	// authentication mechanism and, for PLAIN, the username.
	Open Type = 0x01

	// OpenOK is sent by the broker to accept a connection. It carries the
	// effective heartbeat interval in seconds.
	OpenOK Type = 0x02

	// Close is sent by either end to terminate the connection with a
	// human-readable reason.
	Close Type = 0x03

	// Data carries an opaque payload for the layer above the admission
	// protocol.
	Data Type = 0x04

	// Heartbeat is an empty liveness frame.
	Heartbeat Type = 0x08
)

var typeNames = map[Type]string{
	Open:      "OPEN",
	OpenOK:    "OPEN-OK",
	Close:     "CLOSE",
	Data:      "DATA",
	Heartbeat: "HEARTBEAT",
}

// String returns the frame type name.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(t))
}

// Frame represents a single frame of the wire protocol.
type Frame struct {
	Type    Type
	Payload []byte
}

// ErrMaxFrameSizeExceeded indicates the peer announced a payload larger than
// the configured limit.
var ErrMaxFrameSizeExceeded = errors.New("max frame size exceeded")

// ErrMalformedFrame indicates a frame which violates the wire protocol.
var ErrMalformedFrame = errors.New("malformed frame")

// NewOpen creates an Open frame with the given mechanism and username.
func NewOpen(mechanism, username string) Frame {
	payload := make([]byte, 0, 4+len(mechanism)+len(username))
	payload = appendString(payload, mechanism)
	payload = appendString(payload, username)
	return Frame{Type: Open, Payload: payload}
}

// NewOpenOK creates an OpenOK frame carrying the heartbeat interval in
// seconds.
func NewOpenOK(heartbeat uint16) Frame {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, heartbeat)
	return Frame{Type: OpenOK, Payload: payload}
}

// NewClose creates a Close frame with the given reason.
func NewClose(reason string) Frame {
	return Frame{Type: Close, Payload: []byte(reason)}
}

// NewData creates a Data frame with the given payload.
func NewData(payload []byte) Frame {
	return Frame{Type: Data, Payload: payload}
}

// NewHeartbeat creates an empty Heartbeat frame.
func NewHeartbeat() Frame {
	return Frame{Type: Heartbeat}
}

// OpenFields extracts the mechanism and username from an Open frame.
func (f Frame) OpenFields() (mechanism, username string, err error) {
	if f.Type != Open {
		return "", "", ErrMalformedFrame
	}

	mechanism, rest, err := readString(f.Payload)
	if err != nil {
		return "", "", err
	}

	username, rest, err = readString(rest)
	if err != nil {
		return "", "", err
	}

	if len(rest) != 0 {
		return "", "", ErrMalformedFrame
	}
	return mechanism, username, nil
}

// HeartbeatInterval extracts the heartbeat interval from an OpenOK frame.
func (f Frame) HeartbeatInterval() (uint16, error) {
	if f.Type != OpenOK || len(f.Payload) != 2 {
		return 0, ErrMalformedFrame
	}
	return binary.BigEndian.Uint16(f.Payload), nil
}

// CloseReason extracts the reason from a Close frame.
func (f Frame) CloseReason() (string, error) {
	if f.Type != Close {
		return "", ErrMalformedFrame
	}
	return string(f.Payload), nil
}

func appendString(buf []byte, s string) []byte {
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(s)))
	buf = append(buf, size[:]...)
	return append(buf, s...)
}

func readString(buf []byte) (s string, rest []byte, err error) {
	if len(buf) < 2 {
		return "", nil, ErrMalformedFrame
	}

	size := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+size {
		return "", nil, ErrMalformedFrame
	}

	return string(buf[2 : 2+size]), buf[2+size:], nil
}
