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
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gatemq/gatemq/internal/config"
)

// ErrUnknownSeries indicates a sample series which does not exist.
var ErrUnknownSeries = errors.New("unknown sample series")

// Sample is a single retained data point.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type bucketSpec struct {
	interval time.Duration
	capacity int
}

type bucket struct {
	spec    bucketSpec
	lastAt  time.Time
	samples []Sample
}

func (b *bucket) record(now time.Time, value float64) {
	if !b.lastAt.IsZero() && now.Sub(b.lastAt) < b.spec.interval {
		return
	}

	b.lastAt = now
	b.samples = append(b.samples, Sample{Timestamp: now, Value: value})
	if len(b.samples) > b.spec.capacity {
		b.samples = b.samples[len(b.samples)-b.spec.capacity:]
	}
}

// RetentionStore retains metric samples according to the configured
// retention policies. Each policy holds one bucket per retention pair, and
// each bucket keeps at most its configured number of samples, aligned to
// its interval, evicting the oldest.
type RetentionStore struct {
	mtx      sync.RWMutex
	policies map[string][]bucketSpec
	series   map[string]map[string][]*bucket
}

// NewRetentionStore creates a RetentionStore from the configured policies,
// each a list of "interval:samples" pairs.
func NewRetentionStore(policies map[string][]string) (*RetentionStore, error) {
	s := &RetentionStore{
		policies: make(map[string][]bucketSpec, len(policies)),
		series:   make(map[string]map[string][]*bucket, len(policies)),
	}

	for policy, pairs := range policies {
		specs := make([]bucketSpec, 0, len(pairs))
		for _, pair := range pairs {
			interval, samples, err := config.ParseRetentionPair(pair)
			if err != nil {
				return nil, err
			}
			specs = append(specs, bucketSpec{
				interval: time.Duration(interval) * time.Second,
				capacity: samples,
			})
		}

		sort.Slice(specs, func(i, j int) bool {
			return specs[i].interval < specs[j].interval
		})
		s.policies[policy] = specs
		s.series[policy] = make(map[string][]*bucket)
	}

	return s, nil
}

// Record stores the value of the given metric into every policy.
func (s *RetentionStore) Record(metric string, now time.Time, value float64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for policy, specs := range s.policies {
		buckets, ok := s.series[policy][metric]
		if !ok {
			buckets = make([]*bucket, len(specs))
			for i, spec := range specs {
				buckets[i] = &bucket{spec: spec}
			}
			s.series[policy][metric] = buckets
		}

		for _, b := range buckets {
			b.record(now, value)
		}
	}
}

// Series returns the retained samples of the given metric under the given
// policy. The interval selects the bucket; a zero interval selects the
// finest-grained one.
func (s *RetentionStore) Series(policy, metric string, interval int) ([]Sample, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	metrics, ok := s.series[policy]
	if !ok {
		return nil, ErrUnknownSeries
	}

	buckets, ok := metrics[metric]
	if !ok || len(buckets) == 0 {
		return nil, ErrUnknownSeries
	}

	if interval == 0 {
		return append([]Sample{}, buckets[0].samples...), nil
	}

	want := time.Duration(interval) * time.Second
	for _, b := range buckets {
		if b.spec.interval == want {
			return append([]Sample{}, b.samples...), nil
		}
	}
	return nil, ErrUnknownSeries
}

// Policies returns the configured policy names.
func (s *RetentionStore) Policies() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	names := make([]string, 0, len(s.policies))
	for name := range s.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
