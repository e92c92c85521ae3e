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

// Package memory implements the watermark-based admission blocking. When
// the process memory usage rises above the configured fraction of the
// memory limit, new connections are refused until usage falls back below
// the paging ratio of the watermark.
package memory

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatemq/gatemq/internal/config"
	"github.com/gatemq/gatemq/internal/logger"
	"github.com/gatemq/gatemq/internal/metrics"
)

// Options contains the optional settings for the Monitor.
type Options struct {
	// Metrics receives the memory gauges. Optional.
	Metrics *metrics.Metrics

	// ReadMemory returns the bytes of memory currently in use. When not
	// provided, the monitor reads the Go runtime memory statistics.
	ReadMemory func() uint64

	// Interval between two samples. Defaults to one second.
	Interval time.Duration
}

// Monitor samples the memory usage and flips the blocked flag around the
// configured watermark with hysteresis.
type Monitor struct {
	log      logger.Logger
	limit    int64
	high     float64
	paging   float64
	interval time.Duration
	readMem  func() uint64
	metrics  *metrics.Metrics

	used    atomic.Int64
	blocked atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a memory Monitor from the configuration. A zero memory
// limit disables the monitor: it never blocks and Start is a no-op.
func NewMonitor(c config.Config, log logger.Logger, opts Options) *Monitor {
	m := &Monitor{
		log:      logger.WithPrefix(log, "memory"),
		limit:    c.VMMemoryLimit,
		high:     c.VMMemoryHighWatermark,
		paging:   c.VMMemoryHighWatermarkPagingRatio,
		interval: opts.Interval,
		readMem:  opts.ReadMemory,
		metrics:  opts.Metrics,
		stop:     make(chan struct{}),
	}

	if m.interval <= 0 {
		m.interval = time.Second
	}
	if m.readMem == nil {
		m.readMem = readRuntimeMemory
	}

	return m
}

// Start starts the monitor sampling loop.
func (m *Monitor) Start() {
	if m.limit == 0 {
		m.log.Debug().Msg("Memory monitor disabled")
		return
	}

	m.log.Debug().
		Int64("Limit", m.limit).
		Float64("Watermark", m.high).
		Msg("Starting memory monitor")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.sample()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop stops the monitor sampling loop.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Blocked indicates whether new connections must be refused.
func (m *Monitor) Blocked() bool {
	return m.blocked.Load()
}

// Used returns the bytes of memory in use at the last sample.
func (m *Monitor) Used() int64 {
	return m.used.Load()
}

// Limit returns the configured memory limit in bytes.
func (m *Monitor) Limit() int64 {
	return m.limit
}

func (m *Monitor) sample() {
	used := int64(m.readMem())
	m.used.Store(used)

	watermark := int64(m.high * float64(m.limit))
	release := int64(m.high * m.paging * float64(m.limit))

	if !m.blocked.Load() && used > watermark {
		m.blocked.Store(true)
		m.log.Warn().
			Int64("Used", used).
			Int64("Watermark", watermark).
			Msg("Memory high watermark reached, blocking new connections")
	} else if m.blocked.Load() && used < release {
		m.blocked.Store(false)
		m.log.Info().
			Int64("Used", used).
			Int64("Watermark", watermark).
			Msg("Memory usage back below watermark, resuming admission")
	}

	if m.metrics != nil {
		m.metrics.MemoryUsed.Set(float64(used))
		if m.blocked.Load() {
			m.metrics.MemoryBlocked.Set(1)
		} else {
			m.metrics.MemoryBlocked.Set(0)
		}
	}
}

func readRuntimeMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}
