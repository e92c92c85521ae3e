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

package server

import (
	"errors"
	"sync"

	"github.com/gatemq/gatemq/internal/logger"
)

// Listener is an interface for network listeners.
type Listener interface {
	// Listen starts listening and block until the listener stops.
	Listen() error

	// Stop stops the listener unblocking the Listen function.
	Stop()
}

// Server runs all listeners of the broker under a single lifecycle.
type Server struct {
	log       logger.Logger
	wg        sync.WaitGroup
	listeners []Listener
	stopped   chan struct{}
	failed    chan struct{}
	mtx       sync.Mutex
	err       error
}

// New creates a new server.
func New(log logger.Logger) *Server {
	return &Server{
		log:     logger.WithPrefix(log, "server"),
		stopped: make(chan struct{}),
		failed:  make(chan struct{}),
	}
}

// AddListener adds a listener to the server.
func (s *Server) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// Start starts the server running all listeners.
func (s *Server) Start() error {
	s.log.Info().Msg("Starting server")

	if len(s.listeners) == 0 {
		return errors.New("no available listener")
	}

	for _, lsn := range s.listeners {
		s.wg.Add(1)
		go func(l Listener) {
			defer s.wg.Done()

			if err := l.Listen(); err != nil {
				s.setErr(err)
				s.log.Error().Msg("Listener failed: " + err.Error())
			}
		}(lsn)
	}

	go func() {
		s.wg.Wait()
		close(s.stopped)
	}()

	s.log.Info().Msg("Server started with success")
	return nil
}

// Stop stops the server by stopping all listeners.
func (s *Server) Stop() {
	s.log.Info().Msg("Stopping server")

	for _, l := range s.listeners {
		l.Stop()
	}

	s.wg.Wait()
	s.log.Info().Msg("Server stopped with success")
}

// Wait blocks while the server is running. It unblocks as soon as any
// listener fails, even while the remaining listeners keep running, and
// returns the first reported error.
func (s *Server) Wait() error {
	select {
	case <-s.failed:
	case <-s.stopped:
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.err
}

func (s *Server) setErr(err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.err == nil {
		s.err = err
		close(s.failed)
	}
}
