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

package mqtt

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/emqx-core/pkg/broker"
	"github.com/turtacn/emqx-core/pkg/types"
)

func TestConnectRequest(t *testing.T) {
	pk := &packets.Packet{
		ProtocolVersion: 5,
		Connect: packets.ConnectParams{
			ClientIdentifier: "c1",
			Clean:            false,
			Keepalive:        60,
			Username:         []byte("alice"),
			WillFlag:         true,
			WillTopic:        "status/c1",
			WillPayload:      []byte("gone"),
			WillQos:          1,
			WillRetain:       true,
			WillProperties: packets.Properties{
				User: []packets.UserProperty{{Key: "reason", Val: "crash"}},
			},
		},
	}

	req := connectRequest(pk, "tcp:default", "10.0.0.1:5000")
	assert.Equal(t, "c1", req.ClientID)
	assert.False(t, req.CleanStart)
	assert.Equal(t, time.Minute, req.KeepAlive)
	assert.Equal(t, "alice", req.Info.Username)
	assert.Equal(t, byte(5), req.Info.ProtocolVersion)
	require.NotNil(t, req.Will)
	assert.Equal(t, "status/c1", req.Will.Topic)
	assert.Equal(t, types.AtLeastOnce, req.Will.QoS)
	assert.True(t, req.Will.Retain)
	assert.Equal(t, map[string]string{"reason": "crash"}, req.Will.Properties)

	pk.Connect.WillFlag = false
	assert.Nil(t, connectRequest(pk, "tcp:default", "").Will)
}

func TestConnackCodes(t *testing.T) {
	ok := connackPacket(4, true, nil)
	assert.True(t, ok.SessionPresent)
	assert.Equal(t, packets.CodeSuccess.Code, ok.ReasonCode)

	assert.Equal(t, packets.Err3ClientIdentifierNotValid.Code, connackPacket(4, false, errInvalidClientID).ReasonCode)
	assert.Equal(t, packets.Err3ServerUnavailable.Code, connackPacket(4, false, types.ErrLimiterSaturated).ReasonCode)
	assert.Equal(t, packets.ErrClientIdentifierNotValid.Code, connackPacket(5, false, errInvalidClientID).ReasonCode)
	assert.Equal(t, packets.ErrQuotaExceeded.Code, connackPacket(5, false, types.ErrLimiterSaturated).ReasonCode)
	assert.Equal(t, packets.ErrServerBusy.Code, connackPacket(5, false, types.ErrBusy).ReasonCode)
	assert.False(t, connackPacket(5, true, types.ErrBusy).SessionPresent)
}

func TestPublishConversion(t *testing.T) {
	in := publishFromPacket(&packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 2, Retain: true, Dup: true},
		TopicName:   "a/b",
		PacketID:    12,
		Payload:     []byte("x"),
		Properties:  packets.Properties{User: []packets.UserProperty{{Key: "k", Val: "v"}}},
	})
	assert.Equal(t, types.ExactlyOnce, in.QoS)
	assert.True(t, in.Retain)
	assert.True(t, in.Dup)
	assert.Equal(t, uint16(12), in.PacketID)
	assert.NotEmpty(t, in.ID)
	assert.Equal(t, map[string]string{"k": "v"}, in.Properties)

	out := publishPacket(4, in)
	assert.Empty(t, out.Properties.User, "v3 carries no properties")
	assert.Equal(t, uint16(12), out.PacketID)
	assert.True(t, out.FixedHeader.Dup)

	out = publishPacket(5, in)
	assert.Equal(t, []packets.UserProperty{{Key: "k", Val: "v"}}, out.Properties.User)

	qos0 := in.WithQoS(types.AtMostOnce)
	qos0.PacketID = 3
	out = publishPacket(5, qos0)
	assert.Zero(t, out.PacketID)
	assert.False(t, out.FixedHeader.Dup)
}

func TestPublishCode(t *testing.T) {
	cases := []struct {
		version byte
		err     error
		code    byte
		fatal   bool
	}{
		{4, nil, packets.CodeSuccess.Code, false},
		{4, &broker.ForwardsError{}, packets.CodeSuccess.Code, false},
		{5, fmt.Errorf("store: %w", types.ErrStorageFailure), packets.CodeSuccess.Code, false},
		{5, types.ErrInvalidTopic, packets.ErrTopicNameInvalid.Code, false},
		{4, types.ErrInvalidTopic, packets.ErrTopicNameInvalid.Code, true},
		{5, fmt.Errorf("%w: 2", types.ErrQoSNotSupported), packets.ErrQosNotSupported.Code, false},
		{5, types.ErrLimiterSaturated, packets.ErrQuotaExceeded.Code, false},
		{3, types.ErrLimiterSaturated, packets.ErrQuotaExceeded.Code, true},
	}
	for _, tc := range cases {
		code, fatal := publishCode(tc.version, tc.err)
		assert.Equal(t, tc.code, code, "%v", tc.err)
		assert.Equal(t, tc.fatal, fatal, "%v", tc.err)
	}
}

func TestSubackCodes(t *testing.T) {
	ack := types.SubscribeAck{
		PacketID: 4,
		Results: []types.SubscribeResult{
			{Filter: "a", QoS: 1, Reason: types.ReasonSuccess},
			{Filter: "a/#/b", Reason: types.ReasonInvalidFilter},
			{Filter: "c", Reason: types.ReasonLimiterSaturated},
			{Filter: "d", Reason: types.ReasonQoSNotSupported},
		},
	}

	v3 := subackPacket(4, ack)
	assert.Equal(t, uint16(4), v3.PacketID)
	assert.Equal(t, []byte{0x01, 0x80, 0x80, 0x80}, v3.ReasonCodes)

	v5 := subackPacket(5, ack)
	assert.Equal(t, []byte{
		0x01,
		packets.ErrTopicFilterInvalid.Code,
		packets.ErrQuotaExceeded.Code,
		packets.ErrUnspecifiedError.Code,
	}, v5.ReasonCodes)
}

func TestUnsubackCodes(t *testing.T) {
	ack := types.UnsubscribeAck{
		PacketID: 5,
		Results: []types.UnsubscribeResult{
			{Filter: "a", Reason: types.ReasonSuccess},
			{Filter: "b", Reason: types.ReasonNoSubscriptionExisted},
			{Filter: "#/x", Reason: types.ReasonInvalidFilter},
		},
	}
	assert.Empty(t, unsubackPacket(4, ack).ReasonCodes)
	assert.Equal(t, []byte{0x00, 0x11, packets.ErrTopicFilterInvalid.Code}, unsubackPacket(5, ack).ReasonCodes)
}

func TestFailedAcksCoverEveryFilter(t *testing.T) {
	req := types.Subscribe{PacketID: 2, Filters: []types.SubscribeFilter{{Filter: "a", QoS: 1}, {Filter: "b"}}}
	ack := failedSubscribe(req, types.SubscribeAck{}, types.ErrBusy)
	assert.Equal(t, uint16(2), ack.PacketID)
	require.Len(t, ack.Results, 2)
	assert.Equal(t, types.ReasonBusy, ack.Results[1].Reason)

	unreq := types.Unsubscribe{PacketID: 3, Filters: []string{"a"}}
	unack := failedUnsubscribe(unreq, types.UnsubscribeAck{}, errors.New("boom"))
	require.Len(t, unack.Results, 1)
	assert.Equal(t, types.ReasonUnspecified, unack.Results[0].Reason)
}

func TestPubrelCarriesQoS1Flag(t *testing.T) {
	pk := ackPacket(4, packets.Pubrel, 9, packets.CodeSuccess.Code)
	assert.Equal(t, byte(1), pk.FixedHeader.Qos)
	assert.Equal(t, uint16(9), pk.PacketID)
	assert.Zero(t, ackPacket(4, packets.Puback, 9, 0).FixedHeader.Qos)
}
