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
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/gatemq/gatemq/internal/broker/frame"
	"github.com/gatemq/gatemq/internal/config"
	"github.com/gatemq/gatemq/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivererMock struct {
	delivered chan []byte
	identity  chan Identity
	err       error
}

func (d *delivererMock) Deliver(identity Identity, payload []byte) error {
	if d.identity != nil {
		d.identity <- identity
	}
	if d.delivered != nil {
		d.delivered <- payload
	}
	return d.err
}

type monitorMock struct {
	blocked bool
}

func (m *monitorMock) Blocked() bool {
	return m.blocked
}

func waitConnections(t *testing.T, m *Manager, expected int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(m.Connections()) == expected
	}, time.Second, time.Millisecond)
}

func TestManager_ConnectWithPlain(t *testing.T) {
	conf := newConfig()
	m, addr, stop := startBroker(t, conf, ManagerOptions{}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismPlain, "bob")
	require.Equal(t, frame.OpenOK, resp.Type)

	heartbeat, err := resp.HeartbeatInterval()
	require.Nil(t, err)
	assert.Equal(t, uint16(conf.Heartbeat), heartbeat)

	waitConnections(t, m, 1)
	info := m.Connections()[0]
	assert.Equal(t, "bob", info.Username)
	assert.Equal(t, config.MechanismPlain, info.Mechanism)
	assert.Equal(t, conf.Heartbeat, info.Heartbeat)
	assert.False(t, info.Secure)
}

func TestManager_ConnectWithAnonymous(t *testing.T) {
	conf := newConfig()
	conf.DefaultUser = "nobody"
	m, addr, stop := startBroker(t, conf, ManagerOptions{}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismAnonymous, "")
	require.Equal(t, frame.OpenOK, resp.Type)

	waitConnections(t, m, 1)
	assert.Equal(t, "nobody", m.Connections()[0].Username)
}

func TestManager_RejectUnknownMechanism(t *testing.T) {
	conf := newConfig()
	m, addr, stop := startBroker(t, conf, ManagerOptions{}, false)
	defer stop()

	cl := dialBroker(t, addr)
	cl.send(frame.NewOpen(config.MechanismExternal, ""))
	cl.requireClosedWith(ReasonNotAuthorized.String())

	assert.Empty(t, m.Connections())
}

func TestManager_RejectPlainWithoutUsername(t *testing.T) {
	conf := newConfig()
	m, addr, stop := startBroker(t, conf, ManagerOptions{}, false)
	defer stop()

	cl := dialBroker(t, addr)
	cl.send(frame.NewOpen(config.MechanismPlain, ""))
	cl.requireClosedWith(ReasonNotAuthorized.String())

	assert.Empty(t, m.Connections())
}

func TestManager_AcceptLoopbackUserFromLoopback(t *testing.T) {
	conf := newConfig()
	conf.LoopbackUsers = []string{"guest"}
	_, addr, stop := startBroker(t, conf, ManagerOptions{}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismPlain, "guest")
	assert.Equal(t, frame.OpenOK, resp.Type)
}

func TestManager_RejectFirstFrameNotOpen(t *testing.T) {
	conf := newConfig()
	mx := metrics.New(prometheus.NewRegistry())
	_, addr, stop := startBroker(t, conf, ManagerOptions{Metrics: mx}, false)
	defer stop()

	cl := dialBroker(t, addr)
	cl.send(frame.NewHeartbeat())
	cl.requireClosedWith("expected OPEN frame")

	failures := mx.HandshakeFailures.WithLabelValues(ReasonProtocolError.String())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(failures) == 1
	}, time.Second, time.Millisecond)
}

func TestManager_RejectWhenMemoryBlocked(t *testing.T) {
	conf := newConfig()
	mx := metrics.New(prometheus.NewRegistry())
	opts := ManagerOptions{Monitor: &monitorMock{blocked: true}, Metrics: mx}
	m, addr, stop := startBroker(t, conf, opts, false)
	defer stop()

	cl := dialBroker(t, addr)
	cl.requireClosedWith("resource pressure")

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(mx.ConnectionsRefused) == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, m.Connections())
}

func TestManager_DeliverDataFrames(t *testing.T) {
	d := &delivererMock{
		delivered: make(chan []byte, 1),
		identity:  make(chan Identity, 1),
	}

	conf := newConfig()
	_, addr, stop := startBroker(t, conf, ManagerOptions{Deliverer: d}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismPlain, "bob")
	require.Equal(t, frame.OpenOK, resp.Type)

	cl.send(frame.NewData([]byte("payload")))

	select {
	case identity := <-d.identity:
		assert.Equal(t, "bob", identity.Username)
		assert.Equal(t, config.MechanismPlain, identity.Mechanism)
		assert.Equal(t, []byte("payload"), <-d.delivered)
	case <-time.After(time.Second):
		require.Fail(t, "data frame was not delivered")
	}
}

func TestManager_DeliveryErrorClosesConnection(t *testing.T) {
	d := &delivererMock{err: errors.New("queue full")}

	conf := newConfig()
	_, addr, stop := startBroker(t, conf, ManagerOptions{Deliverer: d}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismPlain, "bob")
	require.Equal(t, frame.OpenOK, resp.Type)

	cl.send(frame.NewData([]byte("payload")))
	cl.requireClosedWith("internal error")
}

func TestManager_ClientClose(t *testing.T) {
	conf := newConfig()
	m, addr, stop := startBroker(t, conf, ManagerOptions{}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismPlain, "bob")
	require.Equal(t, frame.OpenOK, resp.Type)

	cl.send(frame.NewClose("going away"))
	cl.requireClosedWith("closed")
	waitConnections(t, m, 0)
}

func TestManager_HeartbeatTimeout(t *testing.T) {
	conf := newConfig()
	conf.Heartbeat = 1
	mx := metrics.New(prometheus.NewRegistry())
	m, addr, stop := startBroker(t, conf, ManagerOptions{Metrics: mx}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismPlain, "bob")
	require.Equal(t, frame.OpenOK, resp.Type)

	// The client stays silent. The broker keeps sending its own liveness
	// frames and terminates the connection after one full interval.
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no close frame received")

		f, err := cl.read()
		require.Nil(t, err)
		if f.Type == frame.Heartbeat {
			continue
		}

		require.Equal(t, frame.Close, f.Type)
		reason, err := f.CloseReason()
		require.Nil(t, err)
		assert.Equal(t, ErrHeartbeatTimeout.Error(), reason)
		break
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(mx.HeartbeatTimeouts))
	waitConnections(t, m, 0)
}

func TestManager_TrafficPreventsHeartbeatTimeout(t *testing.T) {
	conf := newConfig()
	conf.Heartbeat = 1
	m, addr, stop := startBroker(t, conf, ManagerOptions{}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismPlain, "bob")
	require.Equal(t, frame.OpenOK, resp.Type)
	waitConnections(t, m, 1)

	// Send traffic more often than the heartbeat interval for longer than
	// the interval itself.
	for i := 0; i < 8; i++ {
		cl.send(frame.NewHeartbeat())
		time.Sleep(250 * time.Millisecond)
	}

	assert.Len(t, m.Connections(), 1)
}

func TestManager_SlowFrameKeepsConnectionAlive(t *testing.T) {
	d := &delivererMock{delivered: make(chan []byte, 1)}

	conf := newConfig()
	conf.Heartbeat = 1
	m, addr, stop := startBroker(t, conf, ManagerOptions{Deliverer: d}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismPlain, "bob")
	require.Equal(t, frame.OpenOK, resp.Type)
	waitConnections(t, m, 1)

	// Transmit a single Data frame one byte at a time. The transmission as
	// a whole takes longer than the heartbeat interval, but every byte
	// arrives well within it, so the connection must survive.
	payload := []byte("drip-fed")
	raw := make([]byte, 5+len(payload))
	raw[0] = byte(frame.Data)
	binary.BigEndian.PutUint32(raw[1:5], uint32(len(payload)))
	copy(raw[5:], payload)

	for _, b := range raw {
		_, err := cl.conn.Write([]byte{b})
		require.Nil(t, err)
		time.Sleep(300 * time.Millisecond)
	}

	select {
	case got := <-d.delivered:
		assert.Equal(t, payload, got)
	case <-time.After(time.Second):
		require.Fail(t, "data frame was not delivered")
	}
	assert.Len(t, m.Connections(), 1)
}

func TestManager_SendsHeartbeats(t *testing.T) {
	conf := newConfig()
	conf.Heartbeat = 2
	_, addr, stop := startBroker(t, conf, ManagerOptions{}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismPlain, "bob")
	require.Equal(t, frame.OpenOK, resp.Type)

	// The broker emits liveness frames at half the heartbeat interval.
	f, err := cl.read()
	require.Nil(t, err)
	assert.Equal(t, frame.Heartbeat, f.Type)
}

func TestManager_RejectFrameAboveMaxSize(t *testing.T) {
	conf := newConfig()
	conf.MaxFrameSize = 16
	_, addr, stop := startBroker(t, conf, ManagerOptions{}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismPlain, "bob")
	require.Equal(t, frame.OpenOK, resp.Type)

	cl.send(frame.NewData(make([]byte, 64)))
	cl.requireClosedWith(frame.ErrMaxFrameSizeExceeded.Error())
}

func TestManager_RejectMalformedFrame(t *testing.T) {
	conf := newConfig()
	_, addr, stop := startBroker(t, conf, ManagerOptions{}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismPlain, "bob")
	require.Equal(t, frame.OpenOK, resp.Type)

	var header [5]byte
	header[0] = 0x7F
	binary.BigEndian.PutUint32(header[1:], 0)
	_, err := cl.conn.Write(header[:])
	require.Nil(t, err)

	cl.requireClosedWith(frame.ErrMalformedFrame.Error())
}

func TestManager_RejectOpenAfterAdmission(t *testing.T) {
	conf := newConfig()
	_, addr, stop := startBroker(t, conf, ManagerOptions{}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismPlain, "bob")
	require.Equal(t, frame.OpenOK, resp.Type)

	cl.send(frame.NewOpen(config.MechanismPlain, "bob"))
	cl.requireClosedWith("protocol violation")
}

func TestManager_Disconnect(t *testing.T) {
	conf := newConfig()
	m, addr, stop := startBroker(t, conf, ManagerOptions{}, false)
	defer stop()

	cl := dialBroker(t, addr)
	resp := cl.open(config.MechanismPlain, "bob")
	require.Equal(t, frame.OpenOK, resp.Type)
	waitConnections(t, m, 1)

	id := m.Connections()[0].ID
	require.Nil(t, m.Disconnect(id))

	cl.requireClosedWith("closed via management")
	waitConnections(t, m, 0)
}

func TestManager_DisconnectUnknownConnection(t *testing.T) {
	m := NewManager(newConfig(), newLogger(), ManagerOptions{})
	assert.ErrorIs(t, m.Disconnect("unknown"), ErrConnectionNotFound)
}

func TestManager_CloseAll(t *testing.T) {
	conf := newConfig()
	m, addr, stop := startBroker(t, conf, ManagerOptions{}, false)
	defer stop()

	clients := make([]*testClient, 0, 2)
	for i := 0; i < 2; i++ {
		cl := dialBroker(t, addr)
		resp := cl.open(config.MechanismPlain, "bob")
		require.Equal(t, frame.OpenOK, resp.Type)
		clients = append(clients, cl)
	}
	waitConnections(t, m, 2)

	m.CloseAll()
	assert.Empty(t, m.Connections())

	for _, cl := range clients {
		cl.requireClosedWith("server shutdown")
	}
}
