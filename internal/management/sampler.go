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

package management

import (
	"sync"
	"time"
)

// Sampler periodically records metric values into a RetentionStore.
type Sampler struct {
	store    *RetentionStore
	sources  map[string]func() float64
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewSampler creates a Sampler recording the given sources on every tick.
func NewSampler(store *RetentionStore, sources map[string]func() float64, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}

	return &Sampler{
		store:    store,
		sources:  sources,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start starts the sampling loop.
func (s *Sampler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sample(time.Now())
		for {
			select {
			case <-ticker.C:
				s.sample(time.Now())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop stops the sampling loop.
func (s *Sampler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Sampler) sample(now time.Time) {
	for metric, source := range s.sources {
		s.store.Record(metric, now, source())
	}
}
