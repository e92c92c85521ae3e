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

package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()

	c := New("gatemq", "GateMQ is a TLS-authenticated admission layer for message brokers")
	out := bytes.NewBufferString("")
	c.rootCmd.SetOut(out)
	c.rootCmd.SetArgs(args)

	require.Nil(t, c.rootCmd.Execute())
	return out.String()
}

func TestCLIUsage(t *testing.T) {
	out := execute(t, "--help")
	assert.Contains(t, out, "GateMQ is a TLS-authenticated admission layer")
	assert.Contains(t, out, "start")
	assert.Contains(t, out, "version")
}

func TestCLIShortVersion(t *testing.T) {
	out := execute(t, "--version")
	assert.Contains(t, out, "gatemq GateMQ")
}

func TestCLIVersionCommand(t *testing.T) {
	out := execute(t, "version")
	assert.Contains(t, out, "Version:")
	assert.Contains(t, out, "Go Version:")
}
