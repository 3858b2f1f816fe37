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
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/policy"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/ini.v1"
)

// ParseError reports the section and key of an invalid config entry.
type ParseError struct {
	Err     error
	Section string
	Key     string
}

func (e *ParseError) Error() string {
	switch {
	case e.Section == "":
		return fmt.Sprintf("invalid config: %v", e.Err)
	case e.Key == "":
		return fmt.Sprintf("invalid config section [%s]: %v", e.Section, e.Err)
	default:
		return fmt.Sprintf("invalid config key %s in [%s]: %v", e.Key, e.Section, e.Err)
	}
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("ini"), ",")
		return name
	})
	return v
}

func loadOptions() ini.LoadOptions {
	return ini.LoadOptions{SpaceBeforeInlineComment: true}
}

// Parse reads an INI document on top of the defaults. Rules keep the order
// they appear in the file.
func Parse(data []byte) (*Values, error) {
	f, err := ini.LoadSources(loadOptions(), data)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	vals := Defaults()
	for _, sec := range f.Sections() {
		switch sec.Name() {
		case ini.DefaultSection:
			if len(sec.Keys()) > 0 {
				log.Warn().Strs("keys", sec.KeyStrings()).Msg("ignoring config keys outside of a section")
			}
		case SectionMountOptions:
			rules, err := parseRules(sec)
			if err != nil {
				return nil, err
			}
			vals.Rules = rules
		case SectionProgramOptions:
			if err := parseProgram(sec, &vals.Program); err != nil {
				return nil, err
			}
		case SectionNotifications:
			n, err := parseNotifications(sec)
			if err != nil {
				return nil, err
			}
			vals.Notifications = n
		case SectionMQTT:
			if err := parseMQTT(sec, &vals.MQTT); err != nil {
				return nil, err
			}
		default:
			log.Warn().Str("section", sec.Name()).Msg("ignoring unknown config section")
		}
	}

	if err := validateSection(SectionProgramOptions, &vals.Program); err != nil {
		return nil, err
	}
	if err := validateSection(SectionMQTT, &vals.MQTT); err != nil {
		return nil, err
	}
	return &vals, nil
}

func parseRules(sec *ini.Section) ([]policy.Rule, error) {
	var rules []policy.Rule
	for _, k := range sec.Keys() {
		r, err := policy.ParseRule(k.Name(), k.Value())
		if err != nil {
			return nil, &ParseError{Section: sec.Name(), Key: k.Name(), Err: err}
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// parseBool treats an empty value as false.
func parseBool(k *ini.Key) (bool, error) {
	if strings.TrimSpace(k.Value()) == "" {
		return false, nil
	}
	b, err := k.Bool()
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", k.Value())
	}
	return b, nil
}

func parseProgram(sec *ini.Section, p *ProgramOptions) error {
	for _, k := range sec.Keys() {
		var err error
		v := strings.TrimSpace(k.Value())
		switch k.Name() {
		case "udisks_version":
			if v != "" {
				p.UDisksVersion, err = strconv.Atoi(v)
			}
		case "automount":
			// any non-empty value enables it
			p.Automount = v != ""
		case "recursive":
			p.Recursive, err = parseBool(k)
		case "suppress_notify":
			p.SuppressNotify, err = parseBool(k)
		case "password_prompt":
			p.PasswordPrompt = v
		case "password_timeout":
			if v != "" {
				var secs float64
				secs, err = strconv.ParseFloat(v, 64)
				p.PasswordTimeout = time.Duration(secs * float64(time.Second))
			}
		case "tray":
			p.Tray = v
		case "file_manager":
			p.FileManager = v
		case "metrics_listen":
			p.MetricsListen = v
		case "error_reporting":
			p.ErrorReporting = v
		default:
			log.Warn().Str("key", k.Name()).Msg("ignoring unknown program option")
		}
		if err != nil {
			return &ParseError{Section: sec.Name(), Key: k.Name(), Err: err}
		}
	}
	return nil
}

func parseTimeout(k *ini.Key) (Timeout, error) {
	v := strings.TrimSpace(k.Value())
	if v == "" {
		return Timeout{}, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return Timeout{}, fmt.Errorf("invalid timeout %q", v)
	}
	if secs < 0 && secs != PlatformTimeout {
		return Timeout{}, fmt.Errorf("negative timeout %q", v)
	}
	return Timeout{Enabled: true, Seconds: secs}, nil
}

func parseNotifications(sec *ini.Section) (Notifications, error) {
	var n Notifications
	for _, k := range sec.Keys() {
		t, err := parseTimeout(k)
		if err != nil {
			return Notifications{}, &ParseError{Section: sec.Name(), Key: k.Name(), Err: err}
		}
		if k.Name() == "timeout" {
			n.Default = &t
			continue
		}
		kind := events.Kind(k.Name())
		if !slices.Contains(events.Kinds, kind) {
			log.Warn().Str("key", k.Name()).Msg("ignoring unknown notification kind")
			continue
		}
		if n.Kinds == nil {
			n.Kinds = make(map[events.Kind]Timeout)
		}
		n.Kinds[kind] = t
	}
	return n, nil
}

func parseMQTT(sec *ini.Section, m *MQTTOptions) error {
	for _, k := range sec.Keys() {
		v := strings.TrimSpace(k.Value())
		switch k.Name() {
		case "broker":
			m.Broker = v
		case "topic":
			m.Topic = v
		case "filter":
			m.Filter = nil
			for _, name := range policy.SplitOptions(v) {
				kind := events.Kind(name)
				if !slices.Contains(events.Kinds, kind) {
					return &ParseError{Section: sec.Name(), Key: k.Name(), Err: fmt.Errorf("unknown event kind %q", name)}
				}
				m.Filter = append(m.Filter, kind)
			}
		default:
			log.Warn().Str("key", k.Name()).Msg("ignoring unknown mqtt option")
		}
	}
	return nil
}

func validateSection(section string, s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ParseError{
			Section: section,
			Key:     fe.Field(),
			Err:     fmt.Errorf("value %v fails %q", fe.Value(), fe.Tag()),
		}
	}
	return fmt.Errorf("failed to validate %s: %w", section, err)
}

func formatSeconds(secs float64) string {
	return strconv.FormatFloat(secs, 'g', -1, 64)
}

// formatFlag writes false as an empty value.
func formatFlag(b bool) string {
	if b {
		return "true"
	}
	return ""
}

func formatTimeout(t Timeout) string {
	if !t.Enabled {
		return ""
	}
	return formatSeconds(t.Seconds)
}

// Marshal writes v as an INI document that Parse reads back to the same
// values.
func Marshal(v *Values) ([]byte, error) {
	f := ini.Empty(loadOptions())

	rules, err := f.NewSection(SectionMountOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create section: %w", err)
	}
	for i := range v.Rules {
		if _, err := rules.NewKey(v.Rules[i].Key(), v.Rules[i].Value()); err != nil {
			return nil, fmt.Errorf("failed to write rule %s: %w", v.Rules[i].Key(), err)
		}
	}

	prog, err := f.NewSection(SectionProgramOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create section: %w", err)
	}
	p := v.Program
	for _, kv := range [][2]string{
		{"udisks_version", strconv.Itoa(p.UDisksVersion)},
		{"automount", formatFlag(p.Automount)},
		{"recursive", strconv.FormatBool(p.Recursive)},
		{"suppress_notify", strconv.FormatBool(p.SuppressNotify)},
		{"password_prompt", p.PasswordPrompt},
		{"password_timeout", formatSeconds(p.PasswordTimeout.Seconds())},
		{"tray", p.Tray},
		{"file_manager", p.FileManager},
		{"metrics_listen", p.MetricsListen},
		{"error_reporting", p.ErrorReporting},
	} {
		if _, err := prog.NewKey(kv[0], kv[1]); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", kv[0], err)
		}
	}

	notify, err := f.NewSection(SectionNotifications)
	if err != nil {
		return nil, fmt.Errorf("failed to create section: %w", err)
	}
	if v.Notifications.Default != nil {
		if _, err := notify.NewKey("timeout", formatTimeout(*v.Notifications.Default)); err != nil {
			return nil, fmt.Errorf("failed to write timeout: %w", err)
		}
	}
	for _, kind := range events.Kinds {
		t, ok := v.Notifications.Kinds[kind]
		if !ok {
			continue
		}
		if _, err := notify.NewKey(string(kind), formatTimeout(t)); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", kind, err)
		}
	}

	mq, err := f.NewSection(SectionMQTT)
	if err != nil {
		return nil, fmt.Errorf("failed to create section: %w", err)
	}
	filter := make([]string, 0, len(v.MQTT.Filter))
	for _, kind := range v.MQTT.Filter {
		filter = append(filter, string(kind))
	}
	for _, kv := range [][2]string{
		{"broker", v.MQTT.Broker},
		{"topic", v.MQTT.Topic},
		{"filter", strings.Join(filter, ",")},
	} {
		if _, err := mq.NewKey(kv[0], kv[1]); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", kv[0], err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return buf.Bytes(), nil
}
