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

// Package types holds the values shared by the session registry, the topic
// router, the retained-message store and the cluster transport. Protocol
// front-ends decode packets into these values before handing them to the core.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClientID identifies a logical client across reconnects. It is unique per
// cluster.
type ClientID = string

// NodeID identifies a broker node in the cluster.
type NodeID = string

// Topic is a concrete, slash-delimited publish destination.
type Topic = string

// TopicFilter is a subscription pattern that may contain the single-level (+)
// and multi-level (#) wildcards.
type TopicFilter = string

// Id addresses a session on its current home node.
type Id struct {
	Node   NodeID   `json:"node"`
	Client ClientID `json:"client"`
}

// String renders the id as node/client.
func (id Id) String() string {
	return fmt.Sprintf("%s/%s", id.Node, id.Client)
}

// QoS is the MQTT quality of service level.
type QoS byte

const (
	// AtMostOnce is QoS 0.
	AtMostOnce QoS = 0
	// AtLeastOnce is QoS 1.
	AtLeastOnce QoS = 1
	// ExactlyOnce is QoS 2.
	ExactlyOnce QoS = 2
)

// Valid reports whether q is one of the three defined levels.
func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

// MinQoS returns the lower of the two levels.
func MinQoS(a, b QoS) QoS {
	if a < b {
		return a
	}
	return b
}

// Publish is an application message travelling through the broker.
type Publish struct {
	ID         string            `json:"id"`
	Topic      Topic             `json:"topic"`
	Payload    []byte            `json:"payload"`
	QoS        QoS               `json:"qos"`
	Retain     bool              `json:"retain"`
	Dup        bool              `json:"dup,omitempty"`
	PacketID   uint16            `json:"packet_id,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewPublish builds a Publish with a fresh message id and creation time.
func NewPublish(topic Topic, payload []byte, qos QoS, retain bool) Publish {
	return Publish{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		QoS:       qos,
		Retain:    retain,
		CreatedAt: time.Now(),
	}
}

// WithQoS returns a copy of p delivered at the given level. Packet ids are
// per-connection and are cleared on the copy.
func (p Publish) WithQoS(qos QoS) Publish {
	p.QoS = qos
	p.PacketID = 0
	return p
}

// SubscribeFilter is one filter of a SUBSCRIBE request.
type SubscribeFilter struct {
	Filter TopicFilter `json:"filter"`
	QoS    QoS         `json:"qos"`
}

// Subscribe is a decoded SUBSCRIBE request.
type Subscribe struct {
	PacketID uint16            `json:"packet_id"`
	Filters  []SubscribeFilter `json:"filters"`
}

// SubscribeResult is the per-filter outcome of a Subscribe.
type SubscribeResult struct {
	Filter TopicFilter `json:"filter"`
	QoS    QoS         `json:"qos"`
	Reason Reason      `json:"reason"`
}

// Granted reports whether the filter was accepted.
func (r SubscribeResult) Granted() bool {
	return r.Reason == ReasonSuccess
}

// SubscribeAck carries one result per requested filter, in request order.
type SubscribeAck struct {
	PacketID uint16            `json:"packet_id"`
	Results  []SubscribeResult `json:"results"`
}

// Unsubscribe is a decoded UNSUBSCRIBE request.
type Unsubscribe struct {
	PacketID uint16        `json:"packet_id"`
	Filters  []TopicFilter `json:"filters"`
}

// UnsubscribeResult is the per-filter outcome of an Unsubscribe.
type UnsubscribeResult struct {
	Filter TopicFilter `json:"filter"`
	Reason Reason      `json:"reason"`
}

// UnsubscribeAck carries one result per requested filter, in request order.
type UnsubscribeAck struct {
	PacketID uint16              `json:"packet_id"`
	Results  []UnsubscribeResult `json:"results"`
}

// Retain is the retained payload stored against a concrete topic.
type Retain struct {
	Payload   []byte            `json:"payload"`
	QoS       QoS               `json:"qos"`
	From      Id                `json:"from"`
	Headers   map[string]string `json:"headers,omitempty"`
	StoredAt  time.Time         `json:"stored_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// Expired reports whether the retain carries an expiry that has passed.
func (r Retain) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// RetainFromPublish captures the retained part of a publish.
func RetainFromPublish(from Id, p Publish) Retain {
	return Retain{
		Payload:  p.Payload,
		QoS:      p.QoS,
		From:     from,
		Headers:  p.Properties,
		StoredAt: time.Now(),
	}
}

// ToPublish rebuilds a publish for delivering the retain on topic t.
func (r Retain) ToPublish(t Topic) Publish {
	p := NewPublish(t, r.Payload, r.QoS, true)
	p.Properties = r.Headers
	return p
}

// TopicRetain pairs a stored retain with the exact topic it was published on.
type TopicRetain struct {
	Topic  Topic  `json:"topic"`
	Retain Retain `json:"retain"`
}

// FromKind tells where a forwarded message originated.
type FromKind uint8

const (
	// FromClient is a publish received from a connected client.
	FromClient FromKind = iota
	// FromCluster is a publish shipped from another node.
	FromCluster
	// FromSystem is a publish generated by the broker itself (wills, retains).
	FromSystem
)

func (k FromKind) String() string {
	switch k {
	case FromClient:
		return "client"
	case FromCluster:
		return "cluster"
	case FromSystem:
		return "system"
	default:
		return "unknown"
	}
}

// From identifies the origin of a forwarded message.
type From struct {
	Id
	Kind FromKind `json:"kind"`
}

// FromClientID is a shorthand for a client-originated From.
func FromClientID(node NodeID, client ClientID) From {
	return From{Id: Id{Node: node, Client: client}, Kind: FromClient}
}

// To identifies the destination of a forwarded message. Remote destinations
// carry an empty client id: subscriber identities never cross node boundaries.
type To struct {
	Id
}

// Match is one local router match: the filter that matched and the subscriber
// registered under it.
type Match struct {
	Filter TopicFilter `json:"filter"`
	Client ClientID    `json:"client"`
	QoS    QoS         `json:"qos"`
}

// Route is one router registration, used to synchronise routers across nodes.
type Route struct {
	Filter TopicFilter `json:"filter"`
	Node   NodeID      `json:"node"`
	Client ClientID    `json:"client"`
	QoS    QoS         `json:"qos"`
}
