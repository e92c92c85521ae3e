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

package build

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Contains(t, info.Platform, runtime.GOARCH)
}

func TestShortVersion(t *testing.T) {
	info := Info{Version: "1.2.3"}
	assert.Equal(t, "GateMQ 1.2.3\n", info.ShortVersion())
}

func TestLongVersion(t *testing.T) {
	info := GetInfo()
	summary := info.LongVersion()
	assert.Contains(t, summary, "Version:")
	assert.Contains(t, summary, "Go Version:")
	assert.Contains(t, summary, runtime.Version())
}
