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
	"net"

	"github.com/gatemq/gatemq/internal/config"
)

// Identity represents the authenticated principal of a connection. It is
// derived once at handshake completion and is immutable for the connection's
// lifetime.
type Identity struct {
	// Username is the authenticated principal name.
	Username string

	// Mechanism is the authentication mechanism which produced the
	// identity.
	Mechanism string
}

// authenticator derives the session identity from the Open frame and the
// TLS connection state, applying the configured admission rules.
type authenticator struct {
	mechanisms    map[string]bool
	loopbackUsers map[string]bool
	defaultUser   string
	loginFrom     string
}

func newAuthenticator(c config.Config) *authenticator {
	a := &authenticator{
		mechanisms:    make(map[string]bool, len(c.AuthMechanisms)),
		loopbackUsers: make(map[string]bool, len(c.LoopbackUsers)),
		defaultUser:   c.DefaultUser,
		loginFrom:     c.SSLCertLoginFrom,
	}

	for _, m := range c.AuthMechanisms {
		a.mechanisms[m] = true
	}
	for _, u := range c.LoopbackUsers {
		a.loopbackUsers[u] = true
	}

	return a
}

// authenticate derives the Identity for a connection. The TLS state is nil
// for plaintext connections.
func (a *authenticator) authenticate(
	mechanism string,
	username string,
	state *tls.ConnectionState,
	remote net.Addr,
) (Identity, error) {
	if !a.mechanisms[mechanism] {
		return Identity{}, &HandshakeError{
			Reason: ReasonNotAuthorized,
			Err:    errors.New("mechanism not allowed: " + mechanism),
		}
	}

	identity := Identity{Mechanism: mechanism}

	switch mechanism {
	case config.MechanismExternal:
		if state == nil || len(state.PeerCertificates) == 0 {
			return Identity{}, &HandshakeError{
				Reason: ReasonMissingPeerCert,
				Err:    errors.New("EXTERNAL requires a validated peer certificate"),
			}
		}

		subject := state.PeerCertificates[0].Subject
		if a.loginFrom == config.LoginFromDistinguishedName {
			identity.Username = subject.String()
		} else {
			identity.Username = subject.CommonName
		}

		if identity.Username == "" {
			return Identity{}, &HandshakeError{
				Reason: ReasonMissingPeerCert,
				Err:    errors.New("peer certificate has no " + a.loginFrom),
			}
		}

	case config.MechanismPlain:
		if username == "" {
			return Identity{}, &HandshakeError{
				Reason: ReasonNotAuthorized,
				Err:    errors.New("PLAIN requires a username"),
			}
		}
		identity.Username = username

	case config.MechanismAnonymous:
		identity.Username = a.defaultUser
	}

	if a.loopbackUsers[identity.Username] && !isLoopback(remote) {
		return Identity{}, &HandshakeError{
			Reason: ReasonNotAuthorized,
			Err: errors.New(
				"user " + identity.Username + " can only connect via loopback"),
		}
	}

	return identity, nil
}

func isLoopback(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
