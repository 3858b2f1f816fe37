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

package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_StampsAndFills(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	ch := make(chan LifecycleEvent, 8)
	e := NewEmitter(context.Background(), ch, clock)

	d := &devices.Device{ID: "/org/freedesktop/UDisks2/block_devices/sdb1", DeviceFile: "/dev/sdb1"}

	e.DeviceMounted(d, "/media/usb")
	got := <-ch
	assert.Equal(t, KindDeviceMounted, got.Kind)
	assert.Equal(t, now, got.Time)
	assert.Equal(t, d.ID, got.DeviceID)
	assert.Equal(t, "/dev/sdb1", got.DeviceFile)
	assert.Equal(t, "/media/usb", got.MountPath)
	assert.Contains(t, got.Detail, "/media/usb")

	e.JobFailed(d, "unlock", errors.New("bad passphrase"))
	got = <-ch
	assert.Equal(t, KindJobFailed, got.Kind)
	assert.Equal(t, "unlock", got.Action)
	assert.Equal(t, "failed to unlock /dev/sdb1: bad passphrase", got.Detail)
}

func TestEmitter_EachHelperKind(t *testing.T) {
	t.Parallel()

	ch := make(chan LifecycleEvent, len(Kinds))
	e := NewEmitter(context.Background(), ch, nil)
	d := &devices.Device{ID: "/dev/x"}

	e.DeviceAdded(d)
	e.DeviceMounted(d, "/m")
	e.DeviceUnmounted(d)
	e.DeviceUnlocked(d, "/dev/dm-0")
	e.DeviceLocked(d)
	e.DeviceRemoved(d)
	e.MediaAdded(d)
	e.MediaRemoved(d)
	e.JobFailed(d, "mount", errors.New("x"))

	for _, k := range Kinds {
		got := <-ch
		require.Equal(t, k, got.Kind)
		assert.NotEmpty(t, got.Detail)
	}
}

func TestEmitter_DoesNotBlockAfterShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewEmitter(ctx, make(chan LifecycleEvent), nil)

	done := make(chan struct{})
	go func() {
		e.DeviceAdded(&devices.Device{ID: "a"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked after context cancel")
	}
}
