// Copyright 2023 The emqx-go Authors
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

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInit(t *testing.T) {
	require.NoError(t, Init("debug", "json"))
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	require.NoError(t, Init("", ""))
	assert.Equal(t, zapcore.InfoLevel, level.Level())

	assert.Error(t, Init("loud", ""))
	assert.Error(t, Init("info", "xml"))
}

func TestNamedIsCached(t *testing.T) {
	require.NoError(t, Init("info", "console"))
	a := Named("router")
	b := Named("router")
	assert.Same(t, a, b)
	assert.NotSame(t, a, Named("broker"))

	SetNop()
	c := Named("router")
	assert.NotSame(t, a, c)
}

func TestSetLevel(t *testing.T) {
	SetLevel(zapcore.WarnLevel)
	assert.Equal(t, zapcore.WarnLevel, level.Level())
	SetLevel(zapcore.InfoLevel)
}
