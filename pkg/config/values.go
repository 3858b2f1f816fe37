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
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/policy"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
)

const (
	SectionMountOptions   = "mount_options"
	SectionProgramOptions = "program_options"
	SectionNotifications  = "notifications"
	SectionMQTT           = "mqtt"

	TrayAuto = "AutoTray"
	TrayIcon = "TrayIcon"

	// PlatformTimeout lets the notification server pick the timeout.
	PlatformTimeout = -1

	DefaultMQTTTopic = "zaparoo/automount/events"
)

// Values is one parsed configuration. It is never modified after being
// built; reloads produce a new Values.
type Values struct {
	Notifications Notifications
	MQTT          MQTTOptions
	Rules         []policy.Rule
	Program       ProgramOptions
}

// MQTTOptions configures publishing of lifecycle events to a broker. An
// empty Broker disables it.
type MQTTOptions struct {
	Broker string `ini:"broker" validate:"omitempty,hostname_port"`
	Topic  string `ini:"topic"  validate:"required_with=Broker"`
	// Filter limits publishing to these kinds; empty publishes all.
	Filter []events.Kind `ini:"filter"`
}

type ProgramOptions struct {
	PasswordPrompt  string        `ini:"password_prompt"`
	Tray            string        `ini:"tray"            validate:"omitempty,oneof=AutoTray TrayIcon"`
	FileManager     string        `ini:"file_manager"`
	MetricsListen   string        `ini:"metrics_listen"  validate:"omitempty,hostname_port"`
	// ErrorReporting is a Sentry DSN. Empty disables error reporting.
	ErrorReporting  string        `ini:"error_reporting" validate:"omitempty,url"`
	PasswordTimeout time.Duration `ini:"password_timeout" validate:"gte=0"`
	UDisksVersion   int           `ini:"udisks_version"  validate:"oneof=1 2"`
	Automount       bool          `ini:"automount"`
	Recursive       bool          `ini:"recursive"`
	SuppressNotify  bool          `ini:"suppress_notify"`
}

// Timeout is a notification timeout. A disabled timeout suppresses the
// notification entirely.
type Timeout struct {
	Seconds float64
	Enabled bool
}

// Duration converts the timeout to a duration. The platform default is
// reported as -1.
func (t Timeout) Duration() time.Duration {
	if t.Seconds < 0 {
		return PlatformTimeout
	}
	return time.Duration(t.Seconds * float64(time.Second))
}

type Notifications struct {
	// Default applies to kinds without their own key.
	Default *Timeout
	Kinds   map[events.Kind]Timeout
}

// For returns the effective timeout of an event kind.
func (n *Notifications) For(kind events.Kind) Timeout {
	if t, ok := n.Kinds[kind]; ok {
		return t
	}
	if n.Default != nil {
		return *n.Default
	}
	return Timeout{Enabled: true, Seconds: PlatformTimeout}
}

func Defaults() Values {
	return Values{
		Program: ProgramOptions{
			UDisksVersion:   2,
			Automount:       true,
			PasswordTimeout: 60 * time.Second,
		},
		MQTT: MQTTOptions{Topic: DefaultMQTTTopic},
	}
}
