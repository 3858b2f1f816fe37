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

// Package devices holds the daemon's model of storage devices and the
// in-memory store that mirrors the backend's device graph.
package devices

import (
	"reflect"
	"slices"
)

const (
	UsageFilesystem = "filesystem"
	UsageCrypto     = "crypto"
)

// Device is one node in the storage hierarchy: a drive, a block device, a
// partition or a LUKS cleartext mapping. Values are plain data; the store
// hands out copies so readers never observe a half-applied update.
type Device struct {
	// ID is the backend object path. It is opaque to everything except the
	// backend that produced it.
	ID string

	// DeviceFile is the block device node, e.g. "/dev/sdb1".
	DeviceFile string

	// Usage is the probed usage class, e.g. "filesystem" or "crypto".
	Usage string

	// FSType is the probed filesystem (or container) type. May be empty.
	FSType string

	// UUID is the filesystem UUID. May be empty.
	UUID string

	Label string

	// PartitionOf is the ID of the partition table device when IsPartition.
	PartitionOf string

	// CleartextOf is the ID of the crypto device this cleartext mapping
	// decrypts. Empty for everything that is not a cleartext device.
	CleartextOf string

	// CleartextChild is the ID of the cleartext mapping while a crypto
	// device is unlocked.
	CleartextChild string

	// DriveID identifies the physical drive the device lives on. Eject and
	// detach operate on this drive.
	DriveID string

	MountPaths []string

	IsDrive          bool
	IsPartition      bool
	IsCrypto         bool
	IsRemovable      bool
	IsSystemInternal bool
	// HintIgnore is set when the OS asks presentation layers to hide the
	// device (udev UDISKS_IGNORE and friends).
	HintIgnore bool
	HasMedia   bool
	Ejectable  bool
	Detachable bool
}

func (d *Device) IsMounted() bool {
	return len(d.MountPaths) > 0
}

// IsUnlocked reports whether a crypto device currently has a cleartext
// mapping. Always false for non-crypto devices.
func (d *Device) IsUnlocked() bool {
	return d.IsCrypto && d.CleartextChild != ""
}

func (d *Device) IsFilesystem() bool {
	return d.Usage == UsageFilesystem
}

func (d *Device) IsCleartext() bool {
	return d.CleartextOf != ""
}

// MountPath returns the first mount path, or an empty string.
func (d *Device) MountPath() string {
	if len(d.MountPaths) == 0 {
		return ""
	}
	return d.MountPaths[0]
}

// Clone returns a deep copy of the device.
//
//nolint:gocritic // value receiver keeps copies cheap to produce
func (d Device) Clone() Device {
	d.MountPaths = slices.Clone(d.MountPaths)
	return d
}

// Equal compares every attribute, including mount path order.
func (d *Device) Equal(o *Device) bool {
	if !slices.Equal(d.MountPaths, o.MountPaths) {
		return false
	}
	a, b := *d, *o
	a.MountPaths, b.MountPaths = nil, nil
	return reflect.DeepEqual(a, b)
}

// String returns the most useful human-facing name for the device.
func (d *Device) String() string {
	if d.DeviceFile != "" {
		return d.DeviceFile
	}
	return d.ID
}
