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

// Package topic implements MQTT topic and topic filter handling: level
// splitting, validation and wildcard matching (+ for a single level, # for
// the remaining levels). The router and the retained-message store share these
// semantics.
package topic

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/turtacn/emqx-core/pkg/types"
)

const (
	// Separator delimits topic levels.
	Separator = "/"
	// SingleLevel matches exactly one level.
	SingleLevel = "+"
	// MultiLevel matches the remaining levels, including the parent level.
	MultiLevel = "#"

	maxLength = 65535
)

// Levels splits a topic or filter into its levels.
func Levels(s string) []string {
	return strings.Split(s, Separator)
}

// IsSystem reports whether the topic begins with '$'. Such topics are not
// matched by a wildcard in the first level.
func IsSystem(t types.Topic) bool {
	return strings.HasPrefix(t, "$")
}

// HasWildcard reports whether a filter contains + or #.
func HasWildcard(f types.TopicFilter) bool {
	return strings.ContainsAny(f, SingleLevel+MultiLevel)
}

// ValidateTopic checks that t is usable as a publish topic.
func ValidateTopic(t types.Topic) error {
	if err := validateCommon(t); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidTopic, err)
	}
	if HasWildcard(t) {
		return fmt.Errorf("%w: wildcards are not allowed in %q", types.ErrInvalidTopic, t)
	}
	return nil
}

// ValidateFilter checks that f is a well-formed subscription filter: '#' may
// only appear alone as the last level and '+' must occupy a whole level.
func ValidateFilter(f types.TopicFilter) error {
	if err := validateCommon(f); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidFilter, err)
	}
	levels := Levels(f)
	for i, level := range levels {
		if strings.Contains(level, MultiLevel) && (level != MultiLevel || i != len(levels)-1) {
			return fmt.Errorf("%w: misplaced '#' in %q", types.ErrInvalidFilter, f)
		}
		if strings.Contains(level, SingleLevel) && level != SingleLevel {
			return fmt.Errorf("%w: misplaced '+' in %q", types.ErrInvalidFilter, f)
		}
	}
	return nil
}

func validateCommon(s string) error {
	if s == "" {
		return fmt.Errorf("empty")
	}
	if len(s) > maxLength {
		return fmt.Errorf("longer than %d bytes", maxLength)
	}
	if !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return fmt.Errorf("not valid utf-8")
	}
	return nil
}

// Match reports whether topic t matches filter f.
func Match(t types.Topic, f types.TopicFilter) bool {
	if t == f {
		return true
	}
	if IsSystem(t) && (strings.HasPrefix(f, SingleLevel) || strings.HasPrefix(f, MultiLevel)) {
		return false
	}
	return MatchLevels(Levels(t), Levels(f))
}

// MatchLevels matches pre-split topic levels against pre-split filter levels.
func MatchLevels(topicLevels, filterLevels []string) bool {
	for i, fl := range filterLevels {
		if fl == MultiLevel {
			// '#' must be the last level and also matches the parent level.
			return i == len(filterLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl != SingleLevel && fl != topicLevels[i] {
			return false
		}
	}
	return len(topicLevels) == len(filterLevels)
}

// LiteralPrefix returns the levels of a filter before its first wildcard,
// joined by the separator. Every topic matched by f starts with this prefix, so
// storage backends use it to narrow scans.
func LiteralPrefix(f types.TopicFilter) string {
	levels := Levels(f)
	for i, level := range levels {
		if level == SingleLevel || level == MultiLevel {
			return strings.Join(levels[:i], Separator)
		}
	}
	return f
}
