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

package broker

import (
	"fmt"
	"strings"

	"github.com/turtacn/emqx-core/pkg/types"
	"go.uber.org/multierr"
)

// ForwardError reports a publish that could not be delivered to one
// destination. It carries the original origin and message so the caller can
// retry or account for it, and matches the reason's sentinel with errors.Is.
type ForwardError struct {
	To      types.To
	From    types.From
	Publish types.Publish
	Reason  types.Reason
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward %q to %s: %s", e.Publish.Topic, e.To.Id, e.Reason)
}

// Unwrap returns the sentinel error of the reason.
func (e *ForwardError) Unwrap() error {
	return e.Reason.Err()
}

// ForwardsError is returned by a fan-out when some destinations failed. The
// destinations not listed received the message.
type ForwardsError struct {
	Failures []*ForwardError
}

func (e *ForwardsError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%d deliveries failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes every failure to errors.Is and errors.As.
func (e *ForwardsError) Unwrap() []error {
	var err error
	for _, f := range e.Failures {
		err = multierr.Append(err, f)
	}
	return multierr.Errors(err)
}

// Reasons counts failures by reason.
func (e *ForwardsError) Reasons() map[types.Reason]int {
	out := make(map[types.Reason]int)
	for _, f := range e.Failures {
		out[f.Reason]++
	}
	return out
}

func (e *ForwardsError) add(f *ForwardError) {
	e.Failures = append(e.Failures, f)
}

func (e *ForwardsError) orNil() error {
	if e == nil || len(e.Failures) == 0 {
		return nil
	}
	return e
}
