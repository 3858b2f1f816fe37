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

package publishers

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/config"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	notificationsService = "org.freedesktop.Notifications"
	notificationsPath    = "/org/freedesktop/Notifications"
	notifyMethod         = notificationsService + ".Notify"
	notifyIcon           = "drive-removable-media"
)

// Notifier shows one desktop notification. A negative timeout leaves the
// choice to the notification server.
type Notifier interface {
	Notify(ctx context.Context, summary, body string, timeout time.Duration) error
}

// DBusNotifier talks to the freedesktop notification server on the session
// bus.
type DBusNotifier struct {
	conn *dbus.Conn
}

func NewDBusNotifier() (*DBusNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &DBusNotifier{conn: conn}, nil
}

func expireTimeout(timeout time.Duration) int32 {
	if timeout < 0 {
		return -1
	}
	ms := timeout.Milliseconds()
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(ms)
}

func (n *DBusNotifier) Notify(ctx context.Context, summary, body string, timeout time.Duration) error {
	obj := n.conn.Object(notificationsService, notificationsPath)
	var id uint32
	err := obj.CallWithContext(ctx, notifyMethod, 0,
		config.AppName,
		uint32(0),
		notifyIcon,
		summary,
		body,
		[]string{},
		map[string]dbus.Variant{},
		expireTimeout(timeout),
	).Store(&id)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func (n *DBusNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	if err := n.conn.Close(); err != nil {
		return fmt.Errorf("failed to close session bus: %w", err)
	}
	return nil
}

var summaries = map[events.Kind]string{
	events.KindDeviceAdded:     "Device added",
	events.KindDeviceMounted:   "Device mounted",
	events.KindDeviceUnmounted: "Device unmounted",
	events.KindDeviceUnlocked:  "Device unlocked",
	events.KindDeviceLocked:    "Device locked",
	events.KindDeviceRemoved:   "Device removed",
	events.KindMediaAdded:      "Media added",
	events.KindMediaRemoved:    "Media removed",
	events.KindJobFailed:       "Job failed",
}

// DesktopPublisher turns events into desktop notifications, honouring the
// per-kind timeouts and suppress_notify of the current config. Bursts
// beyond the limiter are dropped.
type DesktopPublisher struct {
	notifier Notifier
	settings func() *config.Values
	limiter  *rate.Limiter
}

func NewDesktopPublisher(n Notifier, settings func() *config.Values) *DesktopPublisher {
	return &DesktopPublisher{
		notifier: n,
		settings: settings,
		limiter:  rate.NewLimiter(rate.Every(500*time.Millisecond), 8),
	}
}

func (p *DesktopPublisher) Handle(ctx context.Context, ev events.LifecycleEvent) {
	vals := p.settings()
	if vals.Program.SuppressNotify {
		return
	}
	timeout := vals.Notifications.For(ev.Kind)
	if !timeout.Enabled {
		return
	}
	if !p.limiter.Allow() {
		log.Debug().Str("kind", string(ev.Kind)).Msg("notification dropped, too many at once")
		return
	}

	summary, ok := summaries[ev.Kind]
	if !ok {
		summary = string(ev.Kind)
	}
	if err := p.notifier.Notify(ctx, summary, ev.Detail, timeout.Duration()); err != nil {
		log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("failed to show notification")
	}
}
