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

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatemq/gatemq/internal/broker/frame"
)

// Connection represents an established connection bound to a session
// identity.
type Connection struct {
	id      string
	netConn net.Conn

	// rawConn is the transport connection beneath any TLS layer. It owns
	// the read deadline implementing the heartbeat timer.
	rawConn net.Conn

	reader      frame.Reader
	writer      frame.Writer
	address     string
	secure      bool
	identity    Identity
	heartbeat   time.Duration
	connectedAt time.Time

	framesReceived atomic.Int64
	writeMtx       sync.Mutex
	closed         atomic.Bool
	done           chan struct{}
}

// ConnectionInfo is an immutable snapshot of an established connection,
// exposed to the management API.
type ConnectionInfo struct {
	ID             string    `json:"id"`
	Address        string    `json:"address"`
	Username       string    `json:"username"`
	Mechanism      string    `json:"mechanism"`
	Secure         bool      `json:"secure"`
	Heartbeat      int       `json:"heartbeat"`
	ConnectedAt    time.Time `json:"connected_at"`
	FramesReceived int64     `json:"frames_received"`
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Identity returns the session identity bound to the connection.
func (c *Connection) Identity() Identity {
	return c.identity
}

// info returns a snapshot of the connection.
func (c *Connection) info() ConnectionInfo {
	return ConnectionInfo{
		ID:             c.id,
		Address:        c.address,
		Username:       c.identity.Username,
		Mechanism:      c.identity.Mechanism,
		Secure:         c.secure,
		Heartbeat:      int(c.heartbeat / time.Second),
		ConnectedAt:    c.connectedAt,
		FramesReceived: c.framesReceived.Load(),
	}
}

// send writes a frame to the peer. It serializes concurrent writers.
func (c *Connection) send(f frame.Frame) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	return c.writer.WriteFrame(f)
}

// touch arms the heartbeat timer. It is called once the connection is
// admitted and again for every chunk of bytes received from the peer, so a
// slowly transmitted frame keeps the connection alive.
func (c *Connection) touch() {
	if c.heartbeat <= 0 {
		return
	}
	_ = c.rawConn.SetReadDeadline(time.Now().Add(c.heartbeat))
}

// close closes the transport connection. It is safe to call multiple times.
func (c *Connection) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	close(c.done)
	if tcp, ok := c.rawConn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = c.netConn.Close()
}

// countingConn wraps a net.Conn and reports the transferred bytes.
type countingConn struct {
	net.Conn
	onRead  func(n int)
	onWrite func(n int)
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 && c.onRead != nil {
		c.onRead(n)
	}
	return n, err
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 && c.onWrite != nil {
		c.onWrite(n)
	}
	return n, err
}
