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
	"errors"
	"fmt"
)

// Common core errors
var (
	ErrBusy              = errors.New("entry is busy")
	ErrNotConnected      = errors.New("client is not connected")
	ErrChannelFull       = errors.New("delivery channel is full")
	ErrChannelClosed     = errors.New("delivery channel is closed")
	ErrLimiterSaturated  = errors.New("limiter saturated")
	ErrStorageFailure    = errors.New("retained storage failure")
	ErrInvalidTopic      = errors.New("invalid topic")
	ErrInvalidFilter     = errors.New("invalid topic filter")
	ErrQoSNotSupported   = errors.New("qos not supported")
	ErrRemoteUnavailable = errors.New("remote node unavailable")
)

// Reason explains why a forward, subscribe or unsubscribe did not complete.
type Reason uint8

const (
	ReasonSuccess Reason = iota
	ReasonBusy
	ReasonNotConnected
	ReasonChannelFull
	ReasonChannelClosed
	ReasonLimiterSaturated
	ReasonStorageFailure
	ReasonInvalidFilter
	ReasonQoSNotSupported
	ReasonNoSubscriptionExisted
	ReasonRemoteUnavailable
	ReasonUnspecified
)

var reasonNames = map[Reason]string{
	ReasonSuccess:               "success",
	ReasonBusy:                  "busy",
	ReasonNotConnected:          "not_connected",
	ReasonChannelFull:           "channel_full",
	ReasonChannelClosed:         "channel_closed",
	ReasonLimiterSaturated:      "limiter_saturated",
	ReasonStorageFailure:        "storage_failure",
	ReasonInvalidFilter:         "invalid_filter",
	ReasonQoSNotSupported:       "qos_not_supported",
	ReasonNoSubscriptionExisted: "no_subscription_existed",
	ReasonRemoteUnavailable:     "remote_unavailable",
	ReasonUnspecified:           "unspecified",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// MarshalJSON encodes the reason by name so the cluster wire stays readable.
func (r Reason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON accepts the names produced by MarshalJSON.
func (r *Reason) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for k, v := range reasonNames {
		if v == s {
			*r = k
			return nil
		}
	}
	*r = ReasonUnspecified
	return nil
}

// Err returns the sentinel error for the reason, or nil for success.
func (r Reason) Err() error {
	switch r {
	case ReasonSuccess, ReasonNoSubscriptionExisted:
		return nil
	case ReasonBusy:
		return ErrBusy
	case ReasonNotConnected:
		return ErrNotConnected
	case ReasonChannelFull:
		return ErrChannelFull
	case ReasonChannelClosed:
		return ErrChannelClosed
	case ReasonLimiterSaturated:
		return ErrLimiterSaturated
	case ReasonStorageFailure:
		return ErrStorageFailure
	case ReasonInvalidFilter:
		return ErrInvalidFilter
	case ReasonQoSNotSupported:
		return ErrQoSNotSupported
	case ReasonRemoteUnavailable:
		return ErrRemoteUnavailable
	default:
		return errors.New("unspecified failure")
	}
}

// ReasonOf classifies err into a Reason.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonSuccess
	case errors.Is(err, ErrBusy):
		return ReasonBusy
	case errors.Is(err, ErrNotConnected):
		return ReasonNotConnected
	case errors.Is(err, ErrChannelFull):
		return ReasonChannelFull
	case errors.Is(err, ErrChannelClosed):
		return ReasonChannelClosed
	case errors.Is(err, ErrLimiterSaturated):
		return ReasonLimiterSaturated
	case errors.Is(err, ErrStorageFailure):
		return ReasonStorageFailure
	case errors.Is(err, ErrInvalidFilter), errors.Is(err, ErrInvalidTopic):
		return ReasonInvalidFilter
	case errors.Is(err, ErrQoSNotSupported):
		return ReasonQoSNotSupported
	case errors.Is(err, ErrRemoteUnavailable):
		return ReasonRemoteUnavailable
	default:
		return ReasonUnspecified
	}
}
