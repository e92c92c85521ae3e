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

package broker

import "errors"

// ErrHeartbeatTimeout indicates a connection which received no traffic
// within the heartbeat interval.
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

// HandshakeReason classifies why a connection was refused during admission.
type HandshakeReason int

// Handshake failure reasons.
const (
	// ReasonUnsupportedVersion indicates the client offered no TLS protocol
	// version within the allowed set.
	ReasonUnsupportedVersion HandshakeReason = iota

	// ReasonUntrustedPeer indicates the peer certificate chain failed
	// validation against the configured certificate authority.
	ReasonUntrustedPeer

	// ReasonMissingPeerCert indicates the peer presented no certificate
	// while one is required.
	ReasonMissingPeerCert

	// ReasonNotAuthorized indicates the authentication or the admission
	// rules refused the connection.
	ReasonNotAuthorized

	// ReasonProtocolError indicates the peer violated the handshake or the
	// wire protocol.
	ReasonProtocolError
)

var reasonNames = map[HandshakeReason]string{
	ReasonUnsupportedVersion: "unsupported version",
	ReasonUntrustedPeer:      "untrusted peer",
	ReasonMissingPeerCert:    "missing peer certificate",
	ReasonNotAuthorized:      "not authorized",
	ReasonProtocolError:      "protocol error",
}

// String returns the reason name.
func (r HandshakeReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// BindError indicates a listener which failed to bind its configured
// address. It is fatal at process start.
type BindError struct {
	Address string
	Err     error
}

// Error returns the string representation of the BindError.
func (e *BindError) Error() string {
	return "failed to bind " + e.Address + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *BindError) Unwrap() error {
	return e.Err
}

// HandshakeError indicates a connection refused during admission. It is
// local to the offending connection and never stops the listener.
type HandshakeError struct {
	Reason HandshakeReason
	Err    error
}

// Error returns the string representation of the HandshakeError.
func (e *HandshakeError) Error() string {
	msg := "handshake failed: " + e.Reason.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}
