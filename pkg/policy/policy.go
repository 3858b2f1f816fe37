// Zaparoo Automount
// Copyright (c) 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Zaparoo Automount.
//
// Zaparoo Automount is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Zaparoo Automount is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Zaparoo Automount.  If not, see <http://www.gnu.org/licenses/>.

// Package policy decides what the daemon should do with a device based on
// the user's filter rules. Evaluation is pure: it only reads the device
// value and the rule list it is handed.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
)

// IgnoreValue is the config value that marks a rule as an ignore verdict.
const IgnoreValue = "__ignore__"

type MatchKind string

const (
	MatchFSType MatchKind = "fstype"
	MatchUUID   MatchKind = "uuid"
)

// Rule is one filter line: a device attribute to match exactly and either
// mount options or an ignore verdict.
type Rule struct {
	Kind    MatchKind
	Pattern string
	Options []string
	Ignore  bool
}

// Key returns the config key for the rule, e.g. "fstype.vfat".
func (r *Rule) Key() string {
	return string(r.Kind) + "." + r.Pattern
}

// Value returns the config value for the rule.
func (r *Rule) Value() string {
	if r.Ignore {
		return IgnoreValue
	}
	return strings.Join(r.Options, ",")
}

func (r *Rule) matches(d *devices.Device) bool {
	switch r.Kind {
	case MatchUUID:
		return d.UUID != "" && d.UUID == r.Pattern
	case MatchFSType:
		return d.FSType != "" && d.FSType == r.Pattern
	default:
		return false
	}
}

var ErrInvalidRule = errors.New("invalid filter rule")

// ParseRule builds a rule from a "<kind>.<pattern>" key and its value.
func ParseRule(key, value string) (Rule, error) {
	kind, pattern, ok := strings.Cut(key, ".")
	if !ok || pattern == "" {
		return Rule{}, fmt.Errorf("%w: key %q must look like fstype.<type> or uuid.<uuid>", ErrInvalidRule, key)
	}

	r := Rule{
		Kind:    MatchKind(kind),
		Pattern: pattern,
	}
	if r.Kind != MatchFSType && r.Kind != MatchUUID {
		return Rule{}, fmt.Errorf("%w: unknown match kind %q in key %q", ErrInvalidRule, kind, key)
	}

	value = strings.TrimSpace(value)
	if value == IgnoreValue {
		r.Ignore = true
		return r, nil
	}
	r.Options = SplitOptions(value)
	return r, nil
}

// SplitOptions splits a comma separated mount option string, dropping
// empty entries.
func SplitOptions(s string) []string {
	var opts []string
	for _, opt := range strings.Split(s, ",") {
		if opt = strings.TrimSpace(opt); opt != "" {
			opts = append(opts, opt)
		}
	}
	return opts
}
