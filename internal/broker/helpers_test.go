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
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gatemq/gatemq/internal/broker/frame"
	"github.com/gatemq/gatemq/internal/config"
	"github.com/gatemq/gatemq/internal/logger"
	"github.com/stretchr/testify/require"
)

func newLogger() logger.Logger {
	out := bytes.NewBufferString("")
	return logger.New(out)
}

func newConfig() config.Config {
	return config.Config{
		Heartbeat:      60,
		ConnectTimeout: 5,
		AuthMechanisms: []string{
			config.MechanismPlain,
			config.MechanismAnonymous,
		},
		DefaultUser: "guest",
	}
}

func freePort(t *testing.T) int {
	t.Helper()

	lsn, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)

	port := lsn.Addr().(*net.TCPAddr).Port
	_ = lsn.Close()
	return port
}

// startBroker runs a Manager behind a Listener on a free port and returns
// the address to dial plus a function which tears both down.
func startBroker(t *testing.T, conf config.Config, opts ManagerOptions,
	secure bool) (*Manager, string, func()) {
	t.Helper()

	m := NewManager(conf, newLogger(), opts)
	port := freePort(t)
	l := NewListener(port, secure, m, newLogger())

	done := make(chan error, 1)
	go func() { done <- l.Listen() }()
	require.Eventually(t, l.isRunning, time.Second, time.Millisecond)

	addr := fmt.Sprintf("127.0.0.1:%v", port)
	stop := func() {
		l.Stop()
		m.CloseAll()
		require.Nil(t, <-done)
	}
	return m, addr, stop
}

// testClient speaks the wire protocol against a broker under test.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    frame.Reader
	w    frame.Writer
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Helper()

	return &testClient{
		t:    t,
		conn: conn,
		r: frame.NewReader(conn, frame.ReaderOptions{
			BufferSize:   1024,
			MaxFrameSize: 268435456,
		}),
		w: frame.NewWriter(conn, 1024),
	}
}

func dialBroker(t *testing.T, addr string) *testClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.Nil(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return newTestClient(t, conn)
}

func (c *testClient) send(f frame.Frame) {
	c.t.Helper()
	require.Nil(c.t, c.w.WriteFrame(f))
}

func (c *testClient) read() (frame.Frame, error) {
	c.t.Helper()
	require.Nil(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return c.r.ReadFrame()
}

// open performs the admission exchange and returns the broker's response.
func (c *testClient) open(mechanism, username string) frame.Frame {
	c.t.Helper()

	c.send(frame.NewOpen(mechanism, username))
	f, err := c.read()
	require.Nil(c.t, err)
	return f
}

func (c *testClient) requireClosedWith(reason string) {
	c.t.Helper()

	f, err := c.read()
	require.Nil(c.t, err)
	require.Equal(c.t, frame.Close, f.Type)

	got, err := f.CloseReason()
	require.Nil(c.t, err)
	require.Equal(c.t, reason, got)
}

// testCA issues certificates for the TLS tests.
type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pem  []byte
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.Nil(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template,
		&key.PublicKey, key)
	require.Nil(t, err)

	cert, err := x509.ParseCertificate(der)
	require.Nil(t, err)

	return &testCA{
		cert: cert,
		key:  key,
		pem:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

// issue creates a certificate signed by the CA. Server certificates are
// valid for the loopback addresses and "localhost".
func (ca *testCA) issue(t *testing.T, cn string, server bool) (certPEM,
	keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.Nil(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	if server {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{
			net.ParseIP("127.0.0.1"),
			net.ParseIP("::1"),
		}
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert,
		&key.PublicKey, ca.key)
	require.Nil(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.Nil(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func (ca *testCA) pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	return pool
}

func (ca *testCA) clientCertificate(t *testing.T, cn string) tls.Certificate {
	t.Helper()

	certPEM, keyPEM := ca.issue(t, cn, false)
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.Nil(t, err)
	return cert
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.Nil(t, os.WriteFile(path, data, 0o600))
	return path
}

// writeTLSConfig materializes a CA plus a server key pair and fills the
// TLS-related fields of the configuration.
func writeTLSConfig(t *testing.T, conf *config.Config) *testCA {
	t.Helper()

	dir := t.TempDir()
	ca := newTestCA(t)
	certPEM, keyPEM := ca.issue(t, "broker", true)

	conf.SSLCACertFile = writeFile(t, dir, "ca.pem", ca.pem)
	conf.SSLCertFile = writeFile(t, dir, "cert.pem", certPEM)
	conf.SSLKeyFile = writeFile(t, dir, "key.pem", keyPEM)
	return ca
}
