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
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gatemq/gatemq/internal/broker/frame"
	"github.com/gatemq/gatemq/internal/config"
	"github.com/gatemq/gatemq/internal/logger"
	"github.com/gatemq/gatemq/internal/metrics"
	"github.com/rs/xid"
)

const (
	defaultBufferSize   = 1024
	minBufferSize       = 1
	maxBufferSize       = 65536
	minFrameSize        = 5
	maxFrameSize        = 268435456
	defaultConnectWait  = 5
	minConnectWait      = 1
	closeReasonPressure = "resource pressure"
)

// ErrConnectionNotFound indicates an unknown connection identifier.
var ErrConnectionNotFound = errors.New("connection not found")

var errResourcePressure = errors.New(closeReasonPressure)

// Deliverer receives the payload of Data frames on behalf of the layer
// above the admission protocol.
type Deliverer interface {
	// Deliver handles a Data frame payload received from the given identity.
	Deliver(identity Identity, payload []byte) error
}

// Monitor reports whether the admission of new connections is blocked.
type Monitor interface {
	// Blocked indicates whether new connections must be refused.
	Blocked() bool
}

// ManagerOptions contains the optional collaborators of the Manager.
type ManagerOptions struct {
	// TLSPolicy performs the server-side TLS handshake on secure
	// connections. Required when any TLS listener is configured.
	TLSPolicy *TLSPolicy

	// Monitor blocks admission under memory pressure. Optional.
	Monitor Monitor

	// Deliverer receives Data frame payloads. Optional.
	Deliverer Deliverer

	// Metrics receives the admission collectors. Optional.
	Metrics *metrics.Metrics
}

// Manager performs the connection admission and owns every established
// connection.
type Manager struct {
	conf      config.Config
	log       logger.Logger
	auth      *authenticator
	policy    *TLSPolicy
	monitor   Monitor
	deliverer Deliverer
	metrics   *metrics.Metrics

	mtx         sync.RWMutex
	connections map[string]*Connection
	wg          sync.WaitGroup
}

// NewManager creates a new connection Manager.
func NewManager(c config.Config, log logger.Logger, opts ManagerOptions) *Manager {
	if c.BufferSize < minBufferSize || c.BufferSize > maxBufferSize {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxFrameSize < minFrameSize || c.MaxFrameSize > maxFrameSize {
		c.MaxFrameSize = maxFrameSize
	}
	if c.ConnectTimeout < minConnectWait {
		c.ConnectTimeout = defaultConnectWait
	}

	lg := logger.WithPrefix(log, "broker")
	lg.Trace().
		Int("BufferSize", c.BufferSize).
		Int("ConnectTimeout", c.ConnectTimeout).
		Int("Heartbeat", c.Heartbeat).
		Int("MaxFrameSize", c.MaxFrameSize).
		Msg("Creating connection manager")

	return &Manager{
		conf:        c,
		log:         lg,
		auth:        newAuthenticator(c),
		policy:      opts.TLSPolicy,
		monitor:     opts.Monitor,
		deliverer:   opts.Deliverer,
		metrics:     opts.Metrics,
		connections: make(map[string]*Connection),
	}
}

// Handle performs the admission of the given transport connection and, on
// success, serves it until it closes. Any admission failure terminates only
// the offending connection.
func (m *Manager) Handle(nc net.Conn, secure bool) {
	m.wg.Add(1)
	defer m.wg.Done()

	conn, err := m.open(nc, secure)
	if err != nil {
		m.countRefusal(err)
		m.log.Debug().
			Str("Address", nc.RemoteAddr().String()).
			Bool("Secure", secure).
			Msg("Connection refused: " + err.Error())
		_ = nc.Close()
		return
	}

	m.register(conn)
	defer m.unregister(conn)

	m.log.Debug().
		Str("Address", conn.address).
		Str("ConnectionID", conn.id).
		Str("Username", conn.identity.Username).
		Bool("Secure", conn.secure).
		Msg("Client connected")

	if conn.heartbeat > 0 {
		m.wg.Add(1)
		go m.sendHeartbeats(conn)
	}

	m.readLoop(conn)
	conn.close()

	m.log.Debug().
		Str("Address", conn.address).
		Str("ConnectionID", conn.id).
		Msg("Connection closed")
}

// open performs the TLS handshake, reads the Open frame, authenticates the
// peer, and answers with OpenOK. On failure no Connection is exposed.
func (m *Manager) open(nc net.Conn, secure bool) (*Connection, error) {
	cc := &countingConn{Conn: nc}
	if m.metrics != nil {
		cc.onRead = func(n int) { m.metrics.BytesReceived.Add(float64(n)) }
		cc.onWrite = func(n int) { m.metrics.BytesSent.Add(float64(n)) }
	}

	deadline := time.Now().Add(time.Duration(m.conf.ConnectTimeout) * time.Second)

	var (
		conn  net.Conn = cc
		state *tls.ConnectionState
	)

	if secure {
		if m.policy == nil {
			return nil, &HandshakeError{
				Reason: ReasonProtocolError,
				Err:    errors.New("no TLS policy configured"),
			}
		}

		tc := tls.Server(cc, m.policy.ServerConfig())
		if err := tc.SetDeadline(deadline); err != nil {
			return nil, &HandshakeError{Reason: ReasonProtocolError, Err: err}
		}
		if err := tc.Handshake(); err != nil {
			return nil, classifyHandshakeError(err)
		}

		cs := tc.ConnectionState()
		state = &cs
		conn = tc
	}

	c := &Connection{
		id:      xid.New().String(),
		netConn: conn,
		rawConn: nc,
		reader: frame.NewReader(conn, frame.ReaderOptions{
			BufferSize:   m.conf.BufferSize,
			MaxFrameSize: m.conf.MaxFrameSize,
		}),
		writer:      frame.NewWriter(conn, m.conf.BufferSize),
		address:     nc.RemoteAddr().String(),
		secure:      secure,
		heartbeat:   time.Duration(m.conf.Heartbeat) * time.Second,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}

	if m.monitor != nil && m.monitor.Blocked() {
		_ = c.send(frame.NewClose(closeReasonPressure))
		return nil, &HandshakeError{Reason: ReasonNotAuthorized, Err: errResourcePressure}
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, &HandshakeError{Reason: ReasonProtocolError, Err: err}
	}

	f, err := c.reader.ReadFrame()
	if err != nil {
		return nil, &HandshakeError{Reason: ReasonProtocolError, Err: err}
	}
	if f.Type != frame.Open {
		_ = c.send(frame.NewClose("expected OPEN frame"))
		return nil, &HandshakeError{
			Reason: ReasonProtocolError,
			Err:    errors.New("unexpected " + f.Type.String() + " frame"),
		}
	}

	mechanism, username, err := f.OpenFields()
	if err != nil {
		return nil, &HandshakeError{Reason: ReasonProtocolError, Err: err}
	}

	c.identity, err = m.auth.authenticate(mechanism, username, state, nc.RemoteAddr())
	if err != nil {
		var hsErr *HandshakeError
		if errors.As(err, &hsErr) {
			_ = c.send(frame.NewClose(hsErr.Reason.String()))
		}
		return nil, err
	}

	if err = c.send(frame.NewOpenOK(uint16(m.conf.Heartbeat))); err != nil {
		return nil, &HandshakeError{Reason: ReasonProtocolError, Err: err}
	}

	// The handshake deadline must not outlive the admission.
	_ = conn.SetDeadline(time.Time{})

	// The heartbeat timer resets on every received byte, so a large frame
	// transmitted slowly does not count as silence. The counting connection
	// sits beneath the TLS layer and sees every byte of the transport.
	count := cc.onRead
	cc.onRead = func(n int) {
		if count != nil {
			count(n)
		}
		c.touch()
	}

	if m.metrics != nil {
		m.metrics.ConnectionsAccepted.Inc()
		m.metrics.FramesSent.Inc()
	}
	return c, nil
}

// readLoop processes frames in arrival order until the connection is
// terminated. The read deadline implements the heartbeat timer: it is armed
// here and reset on every byte received from the peer.
func (m *Manager) readLoop(c *Connection) {
	c.touch()

	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			m.handleReadError(c, err)
			return
		}

		c.framesReceived.Add(1)
		if m.metrics != nil {
			m.metrics.FramesReceived.Inc()
		}

		switch f.Type {
		case frame.Heartbeat:
			// Any received traffic resets the timer, nothing else to do.

		case frame.Data:
			if m.deliverer == nil {
				continue
			}
			if err = m.deliverer.Deliver(c.identity, f.Payload); err != nil {
				m.log.Warn().
					Str("ConnectionID", c.id).
					Str("Username", c.identity.Username).
					Msg("Failed to deliver data frame: " + err.Error())
				m.sendClose(c, "internal error")
				return
			}

		case frame.Close:
			reason, _ := f.CloseReason()
			m.log.Debug().
				Str("ConnectionID", c.id).
				Str("Reason", reason).
				Msg("Client requested close")
			m.sendClose(c, "closed")
			return

		default:
			m.log.Warn().
				Str("ConnectionID", c.id).
				Stringer("FrameType", f.Type).
				Msg("Unexpected frame after admission")
			m.sendClose(c, "protocol violation")
			return
		}
	}
}

func (m *Manager) handleReadError(c *Connection, err error) {
	if errors.Is(err, io.EOF) {
		m.log.Debug().
			Str("ConnectionID", c.id).
			Msg("Connection was closed by the peer")
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if m.metrics != nil {
			m.metrics.HeartbeatTimeouts.Inc()
		}
		m.log.Debug().
			Str("ConnectionID", c.id).
			Str("Username", c.identity.Username).
			Dur("Heartbeat", c.heartbeat).
			Msg("Terminating connection: " + ErrHeartbeatTimeout.Error())
		m.sendClose(c, ErrHeartbeatTimeout.Error())
		return
	}

	if c.closed.Load() {
		// Force-closed locally, nothing to report.
		return
	}

	m.log.Warn().
		Str("ConnectionID", c.id).
		Msg("Failed to read frame: " + err.Error())
	if errors.Is(err, frame.ErrMaxFrameSizeExceeded) || errors.Is(err, frame.ErrMalformedFrame) {
		m.sendClose(c, err.Error())
	}
}

// sendHeartbeats emits liveness frames at half the heartbeat interval until
// the connection closes.
func (m *Manager) sendHeartbeats(c *Connection) {
	defer m.wg.Done()

	ticker := time.NewTicker(c.heartbeat / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.send(frame.NewHeartbeat()); err != nil {
				return
			}
			if m.metrics != nil {
				m.metrics.FramesSent.Inc()
			}
		case <-c.done:
			return
		}
	}
}

func (m *Manager) sendClose(c *Connection, reason string) {
	if err := c.send(frame.NewClose(reason)); err != nil {
		return
	}
	if m.metrics != nil {
		m.metrics.FramesSent.Inc()
	}
}

func (m *Manager) countRefusal(err error) {
	if m.metrics == nil {
		return
	}

	if errors.Is(err, errResourcePressure) {
		m.metrics.ConnectionsRefused.Inc()
		return
	}

	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		m.metrics.HandshakeFailures.WithLabelValues(hsErr.Reason.String()).Inc()
	}
}

func (m *Manager) register(c *Connection) {
	m.mtx.Lock()
	m.connections[c.id] = c
	m.mtx.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectionsActive.Inc()
	}
}

func (m *Manager) unregister(c *Connection) {
	m.mtx.Lock()
	delete(m.connections, c.id)
	m.mtx.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectionsActive.Dec()
	}
}

// Connections returns a snapshot of the established connections.
func (m *Manager) Connections() []ConnectionInfo {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	infos := make([]ConnectionInfo, 0, len(m.connections))
	for _, c := range m.connections {
		infos = append(infos, c.info())
	}
	return infos
}

// Disconnect force-closes the connection with the given identifier.
func (m *Manager) Disconnect(id string) error {
	m.mtx.RLock()
	c, ok := m.connections[id]
	m.mtx.RUnlock()

	if !ok {
		return ErrConnectionNotFound
	}

	m.sendClose(c, "closed via management")
	c.close()
	return nil
}

// CloseAll force-closes every established connection and waits until all
// handlers have finished.
func (m *Manager) CloseAll() {
	m.mtx.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mtx.RUnlock()

	for _, c := range conns {
		m.sendClose(c, "server shutdown")
		c.close()
	}
	m.wg.Wait()
}
