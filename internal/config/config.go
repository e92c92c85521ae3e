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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Verification modes for TLS peer certificates.
const (
	VerifyNone = "verify_none"
	VerifyPeer = "verify_peer"
)

// Sources for the session identity derived from the peer certificate.
const (
	LoginFromCommonName        = "common_name"
	LoginFromDistinguishedName = "distinguished_name"
)

// Authentication mechanisms accepted on the Open frame.
const (
	MechanismPlain     = "PLAIN"
	MechanismExternal  = "EXTERNAL"
	MechanismAnonymous = "ANONYMOUS"
)

// TLS protocol version tokens accepted in ssl_versions.
var tlsVersionTokens = map[string]bool{
	"tlsv1":   true,
	"tlsv1.1": true,
	"tlsv1.2": true,
	"tlsv1.3": true,
}

// ConfigError indicates a malformed or contradictory configuration. It is
// fatal at process start.
type ConfigError struct {
	Reason string
}

// Error returns the string representation of the ConfigError.
func (e ConfigError) Error() string {
	return "invalid configuration: " + e.Reason
}

// Config holds all the application configuration.
type Config struct {
	// Minimal severity level of the logs.
	LogLevel string `mapstructure:"log_level"`

	// Ports where the broker accepts plaintext connections. An empty list
	// disables plaintext listeners.
	TCPListeners []int `mapstructure:"tcp_listeners"`

	// Ports where the broker accepts TLS connections.
	SSLListeners []int `mapstructure:"ssl_listeners"`

	// The heartbeat interval, in seconds. A connection which receives no
	// traffic for this interval is terminated. Zero disables heartbeats.
	Heartbeat int `mapstructure:"heartbeat"`

	// The amount of time, in seconds, the broker waits for the TLS handshake
	// and the Open frame.
	ConnectTimeout int `mapstructure:"connect_timeout"`

	// The size, in bytes, of the receiver and transmitter buffers.
	BufferSize int `mapstructure:"buffer_size"`

	// The maximum size, in bytes, allowed for a single frame payload.
	MaxFrameSize int `mapstructure:"max_frame_size"`

	// Path to the PEM file with the certificate authority which signs the
	// client certificates.
	SSLCACertFile string `mapstructure:"ssl_cacertfile"`

	// Path to the PEM file with the server certificate.
	SSLCertFile string `mapstructure:"ssl_certfile"`

	// Path to the PEM file with the server private key.
	SSLKeyFile string `mapstructure:"ssl_keyfile"`

	// Allow-list of TLS protocol versions (e.g. "tlsv1.2", "tlsv1.3").
	SSLVersions []string `mapstructure:"ssl_versions"`

	// Allow-list of TLS cipher suite names. An empty list accepts the
	// default suites of the TLS library.
	SSLCiphers []string `mapstructure:"ssl_ciphers"`

	// Peer certificate verification mode: "verify_peer" or "verify_none".
	SSLVerify string `mapstructure:"ssl_verify"`

	// Indicate whether a TLS connection without a peer certificate must be
	// rejected. Requires ssl_verify set to "verify_peer".
	SSLFailIfNoPeerCert bool `mapstructure:"ssl_fail_if_no_peer_cert"`

	// Certificate field used to derive the session identity:
	// "common_name" or "distinguished_name".
	SSLCertLoginFrom string `mapstructure:"ssl_cert_login_from"`

	// Allow-list of authentication mechanisms: "PLAIN", "EXTERNAL" and
	// "ANONYMOUS".
	AuthMechanisms []string `mapstructure:"auth_mechanisms"`

	// Username assigned to connections using the ANONYMOUS mechanism.
	DefaultUser string `mapstructure:"default_user"`

	// Usernames permitted to connect from loopback addresses only.
	LoopbackUsers []string `mapstructure:"loopback_users"`

	// Fraction of the memory limit above which new connections are blocked.
	VMMemoryHighWatermark float64 `mapstructure:"vm_memory_high_watermark"`

	// Fraction of the high watermark below which blocked admission resumes.
	VMMemoryHighWatermarkPagingRatio float64 `mapstructure:"vm_memory_high_watermark_paging_ratio"`

	// The memory limit, in bytes, used as the basis for the watermark.
	// Zero disables the memory monitor.
	VMMemoryLimit int64 `mapstructure:"vm_memory_limit"`

	// Indicate whether the broker exports metrics or not.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	// TCP address (<IP>:<port>) where the Prometheus metrics are exported.
	MetricsAddress string `mapstructure:"metrics_address"`

	// The path where the metrics are exported.
	MetricsPath string `mapstructure:"metrics_path"`

	// Indicate whether the profiling metrics are exported or not.
	MetricsProfiling bool `mapstructure:"metrics_profiling"`

	// Indicate whether the management API is enabled or not.
	ManagementEnabled bool `mapstructure:"management_enabled"`

	// Port where the management API listens.
	ManagementPort int `mapstructure:"management_port"`

	// Indicate whether the management API is served over TLS using the
	// server keypair.
	ManagementSSL bool `mapstructure:"management_ssl"`

	// Sample retention policies per bucket ("global", "basic" and
	// "detailed"), each a list of "interval:samples" pairs.
	ManagementSampleRetention map[string][]string `mapstructure:"management_sample_retention"`
}

// ReadConfigFile reads the configuration file.
//
// The configuration file can be stored at one of the following locations:
//   - <executable directory>
//   - /etc/gatemq.conf
//   - /etc/gatemq/gatemq.conf
func ReadConfigFile() error {
	viper.SetConfigName("gatemq.conf")
	viper.SetConfigType("toml")

	if exe, err := os.Executable(); err == nil {
		pwd := filepath.Dir(exe)
		viper.AddConfigPath(pwd)

		root := filepath.Dir(pwd + "/../")
		viper.AddConfigPath(root)
	}

	viper.AddConfigPath("/etc/gatemq")
	viper.AddConfigPath("/etc")

	return viper.ReadInConfig()
}

// LoadConfig loads the configuration from the conf file, environment
// variables, or use the default values.
//
// Note: The ReadConfigFile must be called before in order to load the
// configuration from the conf file.
func LoadConfig() (Config, error) {
	viper.SetEnvPrefix("GATEMQ")
	viper.AutomaticEnv()

	// Bind environment variables
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("tcp_listeners")
	_ = viper.BindEnv("ssl_listeners")
	_ = viper.BindEnv("heartbeat")
	_ = viper.BindEnv("connect_timeout")
	_ = viper.BindEnv("buffer_size")
	_ = viper.BindEnv("max_frame_size")
	_ = viper.BindEnv("ssl_cacertfile")
	_ = viper.BindEnv("ssl_certfile")
	_ = viper.BindEnv("ssl_keyfile")
	_ = viper.BindEnv("ssl_versions")
	_ = viper.BindEnv("ssl_ciphers")
	_ = viper.BindEnv("ssl_verify")
	_ = viper.BindEnv("ssl_fail_if_no_peer_cert")
	_ = viper.BindEnv("ssl_cert_login_from")
	_ = viper.BindEnv("auth_mechanisms")
	_ = viper.BindEnv("default_user")
	_ = viper.BindEnv("loopback_users")
	_ = viper.BindEnv("vm_memory_high_watermark")
	_ = viper.BindEnv("vm_memory_high_watermark_paging_ratio")
	_ = viper.BindEnv("vm_memory_limit")
	_ = viper.BindEnv("metrics_enabled")
	_ = viper.BindEnv("metrics_address")
	_ = viper.BindEnv("metrics_path")
	_ = viper.BindEnv("metrics_profiling")
	_ = viper.BindEnv("management_enabled")
	_ = viper.BindEnv("management_port")
	_ = viper.BindEnv("management_ssl")

	// Set the default values
	c := Config{
		LogLevel:                         "info",
		TCPListeners:                     []int{5672},
		Heartbeat:                        60,
		ConnectTimeout:                   5,
		BufferSize:                       1024,
		MaxFrameSize:                     131072,
		SSLVerify:                        VerifyNone,
		SSLCertLoginFrom:                 LoginFromCommonName,
		AuthMechanisms:                   []string{MechanismPlain},
		DefaultUser:                      "guest",
		LoopbackUsers:                    []string{"guest"},
		VMMemoryHighWatermark:            0.4,
		VMMemoryHighWatermarkPagingRatio: 0.5,
		MetricsEnabled:                   true,
		MetricsAddress:                   ":15692",
		MetricsPath:                      "/metrics",
		ManagementEnabled:                true,
		ManagementPort:                   15672,
		ManagementSampleRetention: map[string][]string{
			"global":   {"5:120", "60:60"},
			"basic":    {"5:120", "60:60"},
			"detailed": {"5:120"},
		},
	}

	err := viper.Unmarshal(&c)
	return c, err
}

// Validate checks the configuration for missing or contradictory options.
// It returns a ConfigError when the configuration must not be used to start
// the broker.
func (c Config) Validate() error {
	if len(c.TCPListeners) == 0 && len(c.SSLListeners) == 0 {
		return ConfigError{Reason: "no listener configured"}
	}

	ports := make(map[int]bool, len(c.TCPListeners)+len(c.SSLListeners))
	for _, p := range append(append([]int{}, c.TCPListeners...), c.SSLListeners...) {
		if p < 1 || p > 65535 {
			return ConfigError{Reason: fmt.Sprintf("invalid listener port: %v", p)}
		}
		if ports[p] {
			return ConfigError{Reason: fmt.Sprintf("listener port configured twice: %v", p)}
		}
		ports[p] = true
	}

	if c.SSLVerify != VerifyNone && c.SSLVerify != VerifyPeer {
		return ConfigError{Reason: "unknown ssl_verify mode: " + c.SSLVerify}
	}

	if c.SSLFailIfNoPeerCert && c.SSLVerify != VerifyPeer {
		return ConfigError{
			Reason: "ssl_fail_if_no_peer_cert requires ssl_verify set to verify_peer",
		}
	}

	if c.SSLCertLoginFrom != LoginFromCommonName &&
		c.SSLCertLoginFrom != LoginFromDistinguishedName {
		return ConfigError{Reason: "unknown ssl_cert_login_from: " + c.SSLCertLoginFrom}
	}

	for _, v := range c.SSLVersions {
		if !tlsVersionTokens[strings.ToLower(v)] {
			return ConfigError{Reason: "unknown ssl_versions token: " + v}
		}
	}

	if len(c.SSLListeners) > 0 {
		if c.SSLCertFile == "" || c.SSLKeyFile == "" {
			return ConfigError{Reason: "ssl_listeners require ssl_certfile and ssl_keyfile"}
		}
		if c.SSLVerify == VerifyPeer && c.SSLCACertFile == "" {
			return ConfigError{Reason: "verify_peer requires ssl_cacertfile"}
		}
	}

	if len(c.AuthMechanisms) == 0 {
		return ConfigError{Reason: "no auth_mechanisms configured"}
	}
	for _, m := range c.AuthMechanisms {
		switch m {
		case MechanismPlain, MechanismAnonymous:
		case MechanismExternal:
			if c.SSLVerify != VerifyPeer {
				return ConfigError{
					Reason: "EXTERNAL mechanism requires ssl_verify set to verify_peer",
				}
			}
		default:
			return ConfigError{Reason: "unknown auth mechanism: " + m}
		}
	}

	// The heartbeat interval is announced as an unsigned 16-bit value.
	if c.Heartbeat < 0 || c.Heartbeat > 65535 {
		return ConfigError{Reason: "heartbeat must be between 0 and 65535"}
	}
	if c.ConnectTimeout < 1 {
		return ConfigError{Reason: "connect_timeout must be at least 1 second"}
	}

	if c.VMMemoryHighWatermark <= 0 || c.VMMemoryHighWatermark > 1 {
		return ConfigError{Reason: "vm_memory_high_watermark must be within (0, 1]"}
	}
	if c.VMMemoryHighWatermarkPagingRatio <= 0 || c.VMMemoryHighWatermarkPagingRatio > 1 {
		return ConfigError{
			Reason: "vm_memory_high_watermark_paging_ratio must be within (0, 1]",
		}
	}

	for policy, pairs := range c.ManagementSampleRetention {
		for _, pair := range pairs {
			if _, _, err := ParseRetentionPair(pair); err != nil {
				return ConfigError{
					Reason: fmt.Sprintf("invalid retention pair %q in policy %q", pair, policy),
				}
			}
		}
	}

	return nil
}

// ParseRetentionPair parses an "interval:samples" retention pair. Both values
// must be positive integers, the interval in seconds.
func ParseRetentionPair(pair string) (interval, samples int, err error) {
	parts := strings.Split(pair, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed retention pair: %q", pair)
	}

	interval, err = strconv.Atoi(parts[0])
	if err != nil || interval < 1 {
		return 0, 0, fmt.Errorf("invalid retention interval: %q", parts[0])
	}

	samples, err = strconv.Atoi(parts[1])
	if err != nil || samples < 1 {
		return 0, 0, fmt.Errorf("invalid retention sample count: %q", parts[1])
	}

	return interval, samples, nil
}
