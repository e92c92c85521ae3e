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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gatemq"

// Metrics holds the collectors exported by the broker.
type Metrics struct {
	// ConnectionsAccepted counts connections which completed admission.
	ConnectionsAccepted prometheus.Counter

	// ConnectionsActive tracks the currently established connections.
	ConnectionsActive prometheus.Gauge

	// ConnectionsRefused counts connections refused while the memory
	// watermark blocked admission.
	ConnectionsRefused prometheus.Counter

	// HandshakeFailures counts refused handshakes by failure reason.
	HandshakeFailures *prometheus.CounterVec

	// HeartbeatTimeouts counts connections terminated for missing
	// heartbeats.
	HeartbeatTimeouts prometheus.Counter

	// FramesReceived counts frames received from clients.
	FramesReceived prometheus.Counter

	// FramesSent counts frames sent to clients.
	FramesSent prometheus.Counter

	// BytesReceived counts bytes received from clients.
	BytesReceived prometheus.Counter

	// BytesSent counts bytes sent to clients.
	BytesSent prometheus.Counter

	// MemoryUsed tracks the bytes of memory in use as seen by the memory
	// monitor.
	MemoryUsed prometheus.Gauge

	// MemoryBlocked is 1 while the memory watermark blocks admission.
	MemoryBlocked prometheus.Gauge
}

// New creates the broker collectors and registers them on the given
// registerer. A nil registerer uses the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connections_accepted_total",
			Help:      "Total number of connections which completed admission",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connections_active",
			Help:      "Number of currently established connections",
		}),
		ConnectionsRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connections_refused_total",
			Help:      "Total number of connections refused under memory pressure",
		}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "handshake_failures_total",
			Help:      "Total number of refused handshakes by reason",
		}, []string{"reason"}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "heartbeat_timeouts_total",
			Help:      "Total number of connections terminated for missing heartbeats",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "frames_received_total",
			Help:      "Total number of frames received",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "frames_sent_total",
			Help:      "Total number of frames sent",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "bytes_received_total",
			Help:      "Total number of bytes received",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "bytes_sent_total",
			Help:      "Total number of bytes sent",
		}),
		MemoryUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "used_bytes",
			Help:      "Bytes of memory in use as seen by the memory monitor",
		}),
		MemoryBlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "blocked",
			Help:      "Whether the memory watermark is blocking admission",
		}),
	}

	reg.MustRegister(
		m.ConnectionsAccepted,
		m.ConnectionsActive,
		m.ConnectionsRefused,
		m.HandshakeFailures,
		m.HeartbeatTimeouts,
		m.FramesReceived,
		m.FramesSent,
		m.BytesReceived,
		m.BytesSent,
		m.MemoryUsed,
		m.MemoryBlocked,
	)

	return m
}
