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

package types

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinQoS(t *testing.T) {
	assert.Equal(t, AtMostOnce, MinQoS(AtMostOnce, ExactlyOnce))
	assert.Equal(t, AtLeastOnce, MinQoS(ExactlyOnce, AtLeastOnce))
	assert.True(t, ExactlyOnce.Valid())
	assert.False(t, QoS(3).Valid())
}

func TestNewPublish(t *testing.T) {
	p1 := NewPublish("a/b", []byte("x"), AtLeastOnce, true)
	p2 := NewPublish("a/b", []byte("x"), AtLeastOnce, true)
	assert.NotEmpty(t, p1.ID)
	assert.NotEqual(t, p1.ID, p2.ID)
	assert.False(t, p1.CreatedAt.IsZero())

	p1.PacketID = 7
	down := p1.WithQoS(AtMostOnce)
	assert.Equal(t, AtMostOnce, down.QoS)
	assert.Zero(t, down.PacketID)
	assert.Equal(t, uint16(7), p1.PacketID)
}

func TestReasonErrRoundTrip(t *testing.T) {
	for r := ReasonBusy; r < ReasonUnspecified; r++ {
		if r == ReasonNoSubscriptionExisted {
			assert.NoError(t, r.Err())
			continue
		}
		err := fmt.Errorf("wrapped: %w", r.Err())
		assert.Equal(t, r, ReasonOf(err), r.String())
	}
	assert.Equal(t, ReasonSuccess, ReasonOf(nil))
	assert.Equal(t, ReasonUnspecified, ReasonOf(fmt.Errorf("boom")))
}

func TestReasonJSON(t *testing.T) {
	b, err := json.Marshal(SubscribeResult{Filter: "a/+", QoS: AtLeastOnce, Reason: ReasonInvalidFilter})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"invalid_filter"`)

	var out SubscribeResult
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, ReasonInvalidFilter, out.Reason)
	assert.False(t, out.Granted())
}

func TestRetainExpiry(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	r := Retain{ExpiresAt: &past}
	assert.True(t, r.Expired(now))
	assert.False(t, Retain{}.Expired(now))

	p := Retain{Payload: []byte("v"), QoS: AtLeastOnce}.ToPublish("x/y")
	assert.True(t, p.Retain)
	assert.Equal(t, "x/y", p.Topic)
}
