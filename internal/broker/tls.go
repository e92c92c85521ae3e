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
	"crypto/x509"
	"errors"
	"os"
	"sort"
	"strings"

	"github.com/gatemq/gatemq/internal/config"
)

var tlsVersionCode = map[string]uint16{
	"tlsv1":   tls.VersionTLS10,
	"tlsv1.1": tls.VersionTLS11,
	"tlsv1.2": tls.VersionTLS12,
	"tlsv1.3": tls.VersionTLS13,
}

// TLSPolicy holds the certificate material and the negotiation rules shared
// by all TLS listeners. It is built once at process start and is immutable
// afterwards.
type TLSPolicy struct {
	config *tls.Config
}

// NewTLSPolicy builds a TLSPolicy from the configuration. It returns a
// ConfigError when the certificate or key files are unreadable or malformed,
// or when the allowed version or cipher sets are invalid.
func NewTLSPolicy(c config.Config) (*TLSPolicy, error) {
	cert, err := tls.LoadX509KeyPair(c.SSLCertFile, c.SSLKeyFile)
	if err != nil {
		return nil, config.ConfigError{
			Reason: "failed to load server certificate: " + err.Error(),
		}
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	cfg.MinVersion, cfg.MaxVersion, err = versionBounds(c.SSLVersions)
	if err != nil {
		return nil, err
	}

	cfg.CipherSuites, err = cipherSuiteIDs(c.SSLCiphers)
	if err != nil {
		return nil, err
	}

	switch {
	case c.SSLVerify == config.VerifyNone:
		cfg.ClientAuth = tls.NoClientCert
	case c.SSLFailIfNoPeerCert:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if c.SSLVerify == config.VerifyPeer {
		pem, err := os.ReadFile(c.SSLCACertFile)
		if err != nil {
			return nil, config.ConfigError{
				Reason: "failed to read CA certificate: " + err.Error(),
			}
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, config.ConfigError{
				Reason: "no CA certificate found in " + c.SSLCACertFile,
			}
		}
		cfg.ClientCAs = pool
	}

	return &TLSPolicy{config: cfg}, nil
}

// ServerConfig returns the TLS configuration for a server-side handshake.
func (p *TLSPolicy) ServerConfig() *tls.Config {
	return p.config.Clone()
}

// versionBounds maps the allowed version tokens to the minimum and maximum
// protocol versions. The TLS library negotiates a contiguous version range,
// so a version set with gaps is rejected.
func versionBounds(tokens []string) (min, max uint16, err error) {
	if len(tokens) == 0 {
		return tls.VersionTLS12, tls.VersionTLS13, nil
	}

	versions := make([]int, 0, len(tokens))
	for _, t := range tokens {
		code, ok := tlsVersionCode[strings.ToLower(t)]
		if !ok {
			return 0, 0, config.ConfigError{Reason: "unknown ssl_versions token: " + t}
		}
		versions = append(versions, int(code))
	}
	sort.Ints(versions)

	for i := 1; i < len(versions); i++ {
		if versions[i] != versions[i-1]+1 {
			return 0, 0, config.ConfigError{
				Reason: "ssl_versions must form a contiguous range",
			}
		}
	}

	return uint16(versions[0]), uint16(versions[len(versions)-1]), nil
}

// cipherSuiteIDs maps cipher suite names to the TLS library identifiers.
func cipherSuiteIDs(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}

	known := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[name]
		if !ok {
			return nil, config.ConfigError{Reason: "unknown ssl_ciphers suite: " + name}
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// classifyHandshakeError maps a TLS handshake failure to the handshake
// error taxonomy.
func classifyHandshakeError(err error) *HandshakeError {
	var unknownAuthority x509.UnknownAuthorityError
	var invalidCert x509.CertificateInvalidError
	if errors.As(err, &unknownAuthority) || errors.As(err, &invalidCert) {
		return &HandshakeError{Reason: ReasonUntrustedPeer, Err: err}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "client didn't provide a certificate"):
		return &HandshakeError{Reason: ReasonMissingPeerCert, Err: err}
	case strings.Contains(msg, "failed to verify client certificate"),
		strings.Contains(msg, "bad certificate"),
		strings.Contains(msg, "unknown authority"):
		return &HandshakeError{Reason: ReasonUntrustedPeer, Err: err}
	case strings.Contains(msg, "unsupported versions"),
		strings.Contains(msg, "protocol version not supported"),
		strings.Contains(msg, "no cipher suite supported"):
		return &HandshakeError{Reason: ReasonUnsupportedVersion, Err: err}
	default:
		return &HandshakeError{Reason: ReasonProtocolError, Err: err}
	}
}
