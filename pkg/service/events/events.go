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

// Package events defines the lifecycle events the engine publishes and the
// helpers used to emit them.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	KindDeviceAdded     Kind = "device_added"
	KindDeviceMounted   Kind = "device_mounted"
	KindDeviceUnmounted Kind = "device_unmounted"
	KindDeviceUnlocked  Kind = "device_unlocked"
	KindDeviceLocked    Kind = "device_locked"
	KindDeviceRemoved   Kind = "device_removed"
	KindMediaAdded      Kind = "media_added"
	KindMediaRemoved    Kind = "media_removed"
	KindJobFailed       Kind = "job_failed"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{
	KindDeviceAdded,
	KindDeviceMounted,
	KindDeviceUnmounted,
	KindDeviceUnlocked,
	KindDeviceLocked,
	KindDeviceRemoved,
	KindMediaAdded,
	KindMediaRemoved,
	KindJobFailed,
}

// LifecycleEvent is one state change worth telling the user about.
type LifecycleEvent struct {
	Time       time.Time `json:"time"`
	Kind       Kind      `json:"kind"`
	DeviceID   string    `json:"deviceId"`
	DeviceFile string    `json:"deviceFile,omitempty"`
	// Detail is a human readable summary.
	Detail string `json:"detail"`
	// Action is the failed action, set for job_failed only.
	Action string `json:"action,omitempty"`
	// MountPath is set for device_mounted.
	MountPath string `json:"mountPath,omitempty"`
}

// Emitter stamps and sends events into the broker's source channel. Sends
// block until the broker takes the event or ctx ends.
type Emitter struct {
	ctx   context.Context
	ch    chan<- LifecycleEvent
	clock clockwork.Clock
}

func NewEmitter(ctx context.Context, ch chan<- LifecycleEvent, clock clockwork.Clock) *Emitter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Emitter{ctx: ctx, ch: ch, clock: clock}
}

func (e *Emitter) send(ev LifecycleEvent) {
	ev.Time = e.clock.Now()
	select {
	case e.ch <- ev:
	case <-e.ctx.Done():
		log.Debug().Str("kind", string(ev.Kind)).Msg("event dropped on shutdown")
	}
}

func base(kind Kind, d *devices.Device) LifecycleEvent {
	return LifecycleEvent{
		Kind:       kind,
		DeviceID:   d.ID,
		DeviceFile: d.DeviceFile,
	}
}

func (e *Emitter) DeviceAdded(d *devices.Device) {
	ev := base(KindDeviceAdded, d)
	ev.Detail = "Device added: " + d.String()
	e.send(ev)
}

func (e *Emitter) DeviceRemoved(d *devices.Device) {
	ev := base(KindDeviceRemoved, d)
	ev.Detail = "Device removed: " + d.String()
	e.send(ev)
}

func (e *Emitter) DeviceMounted(d *devices.Device, mountPath string) {
	ev := base(KindDeviceMounted, d)
	ev.MountPath = mountPath
	ev.Detail = fmt.Sprintf("%s mounted on %s", d.String(), mountPath)
	e.send(ev)
}

func (e *Emitter) DeviceUnmounted(d *devices.Device) {
	ev := base(KindDeviceUnmounted, d)
	ev.Detail = d.String() + " unmounted"
	e.send(ev)
}

func (e *Emitter) DeviceUnlocked(d *devices.Device, cleartextID string) {
	ev := base(KindDeviceUnlocked, d)
	ev.Detail = fmt.Sprintf("%s unlocked as %s", d.String(), cleartextID)
	e.send(ev)
}

func (e *Emitter) DeviceLocked(d *devices.Device) {
	ev := base(KindDeviceLocked, d)
	ev.Detail = d.String() + " locked"
	e.send(ev)
}

// MediaAdded reports media inserted into a drive that stays present, such
// as a disc tray or card reader.
func (e *Emitter) MediaAdded(d *devices.Device) {
	ev := base(KindMediaAdded, d)
	ev.Detail = "Media added: " + d.String()
	e.send(ev)
}

func (e *Emitter) MediaRemoved(d *devices.Device) {
	ev := base(KindMediaRemoved, d)
	ev.Detail = "Media removed: " + d.String()
	e.send(ev)
}

// JobFailed reports a terminal failure of action on d.
func (e *Emitter) JobFailed(d *devices.Device, action string, err error) {
	ev := base(KindJobFailed, d)
	ev.Action = action
	ev.Detail = fmt.Sprintf("failed to %s %s: %v", action, d.String(), err)
	e.send(ev)
}
