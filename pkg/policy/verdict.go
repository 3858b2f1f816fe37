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

package policy

import (
	"slices"

	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
)

type VerdictKind int

const (
	// NoOpinion means no rule matched; eligible devices are mounted with
	// no extra options.
	NoOpinion VerdictKind = iota
	// Mount means a rule matched and supplied mount options.
	Mount
	// Ignore means the daemon must leave the device alone.
	Ignore
)

func (k VerdictKind) String() string {
	switch k {
	case Mount:
		return "mount"
	case Ignore:
		return "ignore"
	default:
		return "no_opinion"
	}
}

type Verdict struct {
	Options []string
	// Rule is the key of the deciding rule, empty for NoOpinion.
	Rule string
	Kind VerdictKind
}

// Evaluate returns the verdict for a device. UUID rules are consulted
// before fstype rules; within each kind the first matching rule in declared
// order decides, and a decision is final.
func Evaluate(d *devices.Device, rules []Rule) Verdict {
	for _, kind := range [...]MatchKind{MatchUUID, MatchFSType} {
		for i := range rules {
			r := &rules[i]
			if r.Kind != kind || !r.matches(d) {
				continue
			}
			if r.Ignore {
				return Verdict{Kind: Ignore, Rule: r.Key()}
			}
			return Verdict{
				Kind:    Mount,
				Options: slices.Clone(r.Options),
				Rule:    r.Key(),
			}
		}
	}
	return Verdict{Kind: NoOpinion}
}
