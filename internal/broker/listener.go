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
	"fmt"
	"net"
	"sync"

	"github.com/gatemq/gatemq/internal/logger"
)

// ConnectionHandler handles the transport connections accepted by a
// Listener.
type ConnectionHandler interface {
	// Handle handles the connection. The secure flag indicates whether the
	// connection was accepted on a TLS port.
	Handle(nc net.Conn, secure bool)
}

// Listener accepts transport connections on a single configured port and
// hands each one to the ConnectionHandler in its own goroutine, so a slow
// or malicious peer's handshake never blocks other connections.
type Listener struct {
	log      logger.Logger
	address  string
	secure   bool
	handler  ConnectionHandler
	listener net.Listener
	running  bool
	mtx      sync.Mutex
}

// NewListener creates a new Listener for the given port. The secure flag
// marks the port as a TLS listener.
func NewListener(port int, secure bool, h ConnectionHandler, log logger.Logger) *Listener {
	prefix := "broker.tcp"
	if secure {
		prefix = "broker.ssl"
	}

	return &Listener{
		log:     logger.WithPrefix(log, prefix),
		address: fmt.Sprintf(":%v", port),
		secure:  secure,
		handler: h,
	}
}

// Listen starts accepting connections.
// Once called, it blocks until the listener is stopped by the Stop
// function. It returns a BindError when the address cannot be bound.
func (l *Listener) Listen() error {
	lsn, err := net.Listen("tcp", l.address)
	if err != nil {
		return &BindError{Address: l.address, Err: err}
	}

	l.mtx.Lock()
	l.listener = lsn
	l.running = true
	l.mtx.Unlock()

	l.log.Info().
		Str("Address", lsn.Addr().String()).
		Bool("Secure", l.secure).
		Msg("Listening for connections")

	for {
		conn, err := lsn.Accept()
		if err != nil {
			if !l.isRunning() {
				break
			}

			l.log.Warn().
				Str("Address", l.address).
				Msg("Failed to accept connection: " + err.Error())
			continue
		}

		l.log.Trace().
			Str("Address", l.address).
			Msg("New connection from " + conn.RemoteAddr().String())
		go l.handler.Handle(conn, l.secure)
	}

	l.log.Debug().
		Str("Address", l.address).
		Msg("Listener stopped with success")
	return nil
}

// Stop stops the listener. It only stops accepting new connections:
// connections already handed to the ConnectionHandler are not disturbed.
// Once called, it unblocks the Listen function.
func (l *Listener) Stop() {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if !l.running {
		return
	}

	l.log.Debug().
		Str("Address", l.address).
		Msg("Stopping listener")

	l.running = false
	_ = l.listener.Close()
}

func (l *Listener) isRunning() bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.running
}
