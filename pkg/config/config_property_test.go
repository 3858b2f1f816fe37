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

package config

import (
	"reflect"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/policy"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
	"pgregory.net/rapid"
)

func ruleGen() *rapid.Generator[policy.Rule] {
	return rapid.Custom(func(t *rapid.T) policy.Rule {
		r := policy.Rule{
			Kind: rapid.SampledFrom([]policy.MatchKind{policy.MatchFSType, policy.MatchUUID}).Draw(t, "kind"),
		}
		if r.Kind == policy.MatchUUID {
			r.Pattern = rapid.StringMatching(`[0-9a-f]{4}-[0-9a-f]{4}`).Draw(t, "uuid")
		} else {
			r.Pattern = rapid.StringMatching(`[a-z][a-z0-9]{1,7}`).Draw(t, "fstype")
		}
		if rapid.Bool().Draw(t, "ignore") {
			r.Ignore = true
			return r
		}
		opts := rapid.SliceOfN(rapid.StringMatching(`[a-z]{2,6}(=[0-9]{1,4})?`), 0, 4).Draw(t, "options")
		if len(opts) > 0 {
			r.Options = opts
		}
		return r
	})
}

func timeoutGen() *rapid.Generator[Timeout] {
	return rapid.Custom(func(t *rapid.T) Timeout {
		switch rapid.IntRange(0, 2).Draw(t, "timeoutKind") {
		case 0:
			return Timeout{}
		case 1:
			return Timeout{Enabled: true, Seconds: PlatformTimeout}
		default:
			tenths := rapid.IntRange(0, 600).Draw(t, "tenths")
			return Timeout{Enabled: true, Seconds: float64(tenths) / 10}
		}
	})
}

func valuesGen() *rapid.Generator[*Values] {
	return rapid.Custom(func(t *rapid.T) *Values {
		v := Defaults()

		seen := map[string]bool{}
		for _, r := range rapid.SliceOfN(ruleGen(), 0, 8).Draw(t, "rules") {
			if seen[r.Key()] {
				continue
			}
			seen[r.Key()] = true
			v.Rules = append(v.Rules, r)
		}

		v.Program = ProgramOptions{
			UDisksVersion:   rapid.IntRange(1, 2).Draw(t, "version"),
			Automount:       rapid.Bool().Draw(t, "automount"),
			Recursive:       rapid.Bool().Draw(t, "recursive"),
			SuppressNotify:  rapid.Bool().Draw(t, "suppress"),
			PasswordPrompt:  rapid.SampledFrom([]string{"", "builtin:tty", "zenity --password"}).Draw(t, "prompt"),
			PasswordTimeout: time.Duration(rapid.IntRange(0, 600).Draw(t, "pwtimeout")) * time.Second,
			Tray:            rapid.SampledFrom([]string{"", TrayAuto, TrayIcon}).Draw(t, "tray"),
			FileManager:     rapid.SampledFrom([]string{"", "xdg-open", "thunar --browser"}).Draw(t, "fm"),
			MetricsListen:   rapid.SampledFrom([]string{"", "localhost:9100"}).Draw(t, "metrics"),
		}

		if rapid.Bool().Draw(t, "mqtt") {
			v.MQTT.Broker = rapid.SampledFrom([]string{"localhost:1883", "broker.lan:8883"}).Draw(t, "broker")
			v.MQTT.Topic = rapid.StringMatching(`[a-z]{1,8}(/[a-z]{1,8}){0,2}`).Draw(t, "topic")
			for _, kind := range events.Kinds {
				if rapid.Bool().Draw(t, "filter_"+string(kind)) {
					v.MQTT.Filter = append(v.MQTT.Filter, kind)
				}
			}
		}

		if rapid.Bool().Draw(t, "hasDefault") {
			d := timeoutGen().Draw(t, "default")
			v.Notifications.Default = &d
		}
		for _, kind := range events.Kinds {
			if rapid.Bool().Draw(t, "has_"+string(kind)) {
				if v.Notifications.Kinds == nil {
					v.Notifications.Kinds = map[events.Kind]Timeout{}
				}
				v.Notifications.Kinds[kind] = timeoutGen().Draw(t, string(kind))
			}
		}
		return &v
	})
}

// TestPropertyMarshalParseRoundTrip verifies serialised values parse back
// to the same values.
func TestPropertyMarshalParseRoundTrip(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		v := valuesGen().Draw(t, "values")

		data, err := Marshal(v)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		got, err := Parse(data)
		if err != nil {
			t.Fatalf("parse failed: %v\n%s", err, data)
		}
		if !reflect.DeepEqual(v, got) {
			t.Fatalf("round trip mismatch\nwant %+v\ngot  %+v\n%s", v, got, data)
		}
	})
}

// TestPropertyParseMarshalParseStable verifies parse, serialise, parse is
// stable for arbitrary rule sections.
func TestPropertyParseMarshalParseStable(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		doc := "[mount_options]\n"
		for _, r := range rapid.SliceOfN(ruleGen(), 0, 10).Draw(t, "rules") {
			doc += r.Key() + " = " + r.Value() + "\n"
		}

		first, err := Parse([]byte(doc))
		if err != nil {
			t.Fatalf("parse failed: %v\n%s", err, doc)
		}
		data, err := Marshal(first)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		second, err := Parse(data)
		if err != nil {
			t.Fatalf("reparse failed: %v\n%s", err, data)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("parse/marshal/parse mismatch\nfirst  %+v\nsecond %+v", first, second)
		}
	})
}
