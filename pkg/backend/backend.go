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

// Package backend defines the contract between the daemon and a storage
// management service. Two implementations exist, one per UDisks D-Bus API
// generation; the rest of the daemon only sees this interface.
package backend

import (
	"context"

	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
)

// SignalBuffer is the capacity of the channel returned by Subscribe.
const SignalBuffer = 64

type SignalKind int

const (
	SignalAdded SignalKind = iota
	SignalChanged
	SignalRemoved
)

func (k SignalKind) String() string {
	switch k {
	case SignalAdded:
		return "added"
	case SignalChanged:
		return "changed"
	case SignalRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Signal is a device graph change reported by the storage service.
type Signal struct {
	// Device holds the current state for added and changed signals. For
	// removed signals only Device.ID is set.
	Device devices.Device
	Kind   SignalKind
}

func (s *Signal) DeviceID() string {
	return s.Device.ID
}

// Backend is a storage management service.
//
// Mutating calls block until the service answers and must not be made
// from the goroutine that drains Subscribe's channel.
type Backend interface {
	// Name identifies the backend in logs, e.g. "udisks2".
	Name() string

	// Enumerate returns every device the service currently knows about,
	// ordered by ID.
	Enumerate(ctx context.Context) ([]devices.Device, error)

	// Subscribe starts delivering device signals. The channel is closed
	// when ctx is cancelled or the backend is closed.
	Subscribe(ctx context.Context) (<-chan Signal, error)

	// Mount mounts a filesystem and returns the mount path.
	Mount(ctx context.Context, dev devices.Device, options []string) (string, error)
	Unmount(ctx context.Context, dev devices.Device) error

	// Unlock opens a crypto device and returns the cleartext device ID.
	Unlock(ctx context.Context, dev devices.Device, key []byte) (string, error)
	Lock(ctx context.Context, dev devices.Device) error

	// Eject and Detach act on the drive identified by dev.DriveID.
	Eject(ctx context.Context, dev devices.Device) error
	Detach(ctx context.Context, dev devices.Device) error

	Close() error
}
