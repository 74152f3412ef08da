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
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/emqx-core/pkg/broker"
	"github.com/turtacn/emqx-core/pkg/session"
	"github.com/turtacn/emqx-core/pkg/types"
)

const v5 = 5

// connectRequest builds the broker admission request of a CONNECT packet.
func connectRequest(pk *packets.Packet, listener, remote string) broker.ConnectRequest {
	req := broker.ConnectRequest{
		ClientID:   pk.Connect.ClientIdentifier,
		Listener:   listener,
		CleanStart: pk.Connect.Clean,
		KeepAlive:  time.Duration(pk.Connect.Keepalive) * time.Second,
		Info: session.ConnInfo{
			ProtocolVersion: pk.ProtocolVersion,
			RemoteAddr:      remote,
			Username:        string(pk.Connect.Username),
			Listener:        listener,
		},
	}
	if pk.Connect.WillFlag {
		will := types.NewPublish(pk.Connect.WillTopic, pk.Connect.WillPayload,
			types.QoS(pk.Connect.WillQos), pk.Connect.WillRetain)
		will.Properties = userProperties(pk.Connect.WillProperties)
		req.Will = &will
	}
	return req
}

// connackPacket answers a CONNECT. A nil err accepts the connection.
func connackPacket(version byte, present bool, err error) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connack},
		ProtocolVersion: version,
	}
	if err == nil {
		pk.SessionPresent = present
		pk.ReasonCode = packets.CodeSuccess.Code
		return pk
	}
	pk.ReasonCode = connectCode(version, err)
	return pk
}

func connectCode(version byte, err error) byte {
	badID := errors.Is(err, errInvalidClientID)
	if version < v5 {
		if badID {
			return packets.Err3ClientIdentifierNotValid.Code
		}
		return packets.Err3ServerUnavailable.Code
	}
	switch {
	case badID:
		return packets.ErrClientIdentifierNotValid.Code
	case errors.Is(err, types.ErrLimiterSaturated):
		return packets.ErrQuotaExceeded.Code
	case errors.Is(err, types.ErrBusy):
		return packets.ErrServerBusy.Code
	default:
		return packets.ErrUnspecifiedError.Code
	}
}

// publishFromPacket converts an inbound PUBLISH.
func publishFromPacket(pk *packets.Packet) types.Publish {
	p := types.NewPublish(pk.TopicName, pk.Payload, types.QoS(pk.FixedHeader.Qos), pk.FixedHeader.Retain)
	p.Dup = pk.FixedHeader.Dup
	p.PacketID = pk.PacketID
	p.Properties = userProperties(pk.Properties)
	return p
}

// publishPacket converts an outbound delivery. Properties travel as v5 user
// properties and are dropped for older clients.
func publishPacket(version byte, p types.Publish) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    byte(p.QoS),
			Retain: p.Retain,
			Dup:    p.Dup && p.QoS > types.AtMostOnce,
		},
		ProtocolVersion: version,
		TopicName:       p.Topic,
		Payload:         p.Payload,
	}
	if p.QoS > types.AtMostOnce {
		pk.PacketID = p.PacketID
	}
	if version >= v5 {
		for k, v := range p.Properties {
			pk.Properties.User = append(pk.Properties.User, packets.UserProperty{Key: k, Val: v})
		}
	}
	return pk
}

func userProperties(props packets.Properties) map[string]string {
	if len(props.User) == 0 {
		return nil
	}
	out := make(map[string]string, len(props.User))
	for _, u := range props.User {
		out[u.Key] = u.Val
	}
	return out
}

// publishCode classifies the outcome of broker.Publish into a PUBACK or
// PUBREC reason code. Partial delivery failures still count as accepted.
// fatal is set when a pre-v5 client must be disconnected instead.
func publishCode(version byte, err error) (code byte, fatal bool) {
	var forwards *broker.ForwardsError
	switch {
	case err == nil, errors.As(err, &forwards):
		return packets.CodeSuccess.Code, false
	case errors.Is(err, types.ErrInvalidTopic):
		code = packets.ErrTopicNameInvalid.Code
	case errors.Is(err, types.ErrQoSNotSupported):
		code = packets.ErrQosNotSupported.Code
	case errors.Is(err, types.ErrLimiterSaturated):
		code = packets.ErrQuotaExceeded.Code
	default:
		return packets.CodeSuccess.Code, false
	}
	return code, version < v5
}

func subscribeRequest(pk *packets.Packet) types.Subscribe {
	req := types.Subscribe{PacketID: pk.PacketID, Filters: make([]types.SubscribeFilter, 0, len(pk.Filters))}
	for _, f := range pk.Filters {
		req.Filters = append(req.Filters, types.SubscribeFilter{Filter: f.Filter, QoS: types.QoS(f.Qos)})
	}
	return req
}

// subackPacket encodes one return code per filter. v3 clients only learn the
// granted QoS or a bare failure.
func subackPacket(version byte, ack types.SubscribeAck) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Suback},
		ProtocolVersion: version,
		PacketID:        ack.PacketID,
		ReasonCodes:     make([]byte, 0, len(ack.Results)),
	}
	for _, res := range ack.Results {
		pk.ReasonCodes = append(pk.ReasonCodes, subscribeCode(version, res))
	}
	return pk
}

func subscribeCode(version byte, res types.SubscribeResult) byte {
	if res.Granted() {
		return byte(res.QoS)
	}
	if version < v5 {
		return packets.ErrUnspecifiedError.Code
	}
	switch res.Reason {
	case types.ReasonInvalidFilter:
		return packets.ErrTopicFilterInvalid.Code
	case types.ReasonLimiterSaturated, types.ReasonChannelFull:
		return packets.ErrQuotaExceeded.Code
	case types.ReasonBusy:
		return packets.ErrImplementationSpecificError.Code
	default:
		return packets.ErrUnspecifiedError.Code
	}
}

func unsubscribeRequest(pk *packets.Packet) types.Unsubscribe {
	req := types.Unsubscribe{PacketID: pk.PacketID, Filters: make([]types.TopicFilter, 0, len(pk.Filters))}
	for _, f := range pk.Filters {
		req.Filters = append(req.Filters, f.Filter)
	}
	return req
}

// unsubackPacket answers an UNSUBSCRIBE. Reason codes only exist in v5.
func unsubackPacket(version byte, ack types.UnsubscribeAck) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Unsuback},
		ProtocolVersion: version,
		PacketID:        ack.PacketID,
	}
	if version < v5 {
		return pk
	}
	for _, res := range ack.Results {
		var code byte
		switch res.Reason {
		case types.ReasonSuccess:
			code = packets.CodeSuccess.Code
		case types.ReasonNoSubscriptionExisted:
			code = packets.CodeNoSubscriptionExisted.Code
		case types.ReasonInvalidFilter:
			code = packets.ErrTopicFilterInvalid.Code
		default:
			code = packets.ErrUnspecifiedError.Code
		}
		pk.ReasonCodes = append(pk.ReasonCodes, code)
	}
	return pk
}

// failedSubscribe fills the results missing from ack when the broker call
// itself failed.
func failedSubscribe(req types.Subscribe, ack types.SubscribeAck, err error) types.SubscribeAck {
	ack.PacketID = req.PacketID
	reason := types.ReasonOf(err)
	for _, f := range req.Filters[len(ack.Results):] {
		ack.Results = append(ack.Results, types.SubscribeResult{Filter: f.Filter, QoS: f.QoS, Reason: reason})
	}
	return ack
}

func failedUnsubscribe(req types.Unsubscribe, ack types.UnsubscribeAck, err error) types.UnsubscribeAck {
	ack.PacketID = req.PacketID
	reason := types.ReasonOf(err)
	for _, f := range req.Filters[len(ack.Results):] {
		ack.Results = append(ack.Results, types.UnsubscribeResult{Filter: f, Reason: reason})
	}
	return ack
}

func ackPacket(version byte, kind byte, packetID uint16, code byte) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: kind},
		ProtocolVersion: version,
		PacketID:        packetID,
		ReasonCode:      code,
	}
	if kind == packets.Pubrel {
		pk.FixedHeader.Qos = 1
	}
	return pk
}
