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

package devices

import (
	"errors"
	"fmt"
	"path/filepath"
)

var ErrNotFound = errors.New("device not found")

// Find returns the device whose device file or any mount path refers to
// the same file as path. Paths are compared by identity (device and inode),
// so symlinks such as /dev/disk/by-uuid/... resolve to their target.
func (s *Store) Find(path string) (Device, error) {
	target, err := statIdentity(path)
	if err != nil {
		return Device{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	for _, d := range s.Snapshot() {
		if sameFile(target, d.DeviceFile) {
			return d, nil
		}
		for _, mp := range d.MountPaths {
			if sameFile(target, mp) {
				return d, nil
			}
		}
	}

	// fall back to a lexical comparison for nodes that vanished between
	// the stat above and the snapshot
	clean := filepath.Clean(path)
	for _, d := range s.Snapshot() {
		if d.DeviceFile == clean {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %s", ErrNotFound, path)
}

func sameFile(target fileIdentity, path string) bool {
	if path == "" {
		return false
	}
	id, err := statIdentity(path)
	if err != nil {
		return false
	}
	return id == target
}
