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
	"slices"
	"strings"

	"github.com/ZaparooProject/zaparoo-automount/pkg/helpers/syncutil"
)

// Store is the in-memory mirror of the backend's device graph.
//
// Only the reconciler goroutine mutates a Store. Every other reader goes
// through Get, Snapshot or Find, which return copies taken under the read
// lock.
type Store struct {
	devices map[string]Device
	mu      syncutil.RWMutex
}

func NewStore() *Store {
	return &Store{
		devices: make(map[string]Device),
	}
}

// Put inserts or replaces a device. It returns the previous record and
// whether one existed.
//
//nolint:gocritic // devices are stored by value
func (s *Store) Put(d Device) (prev Device, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed = s.devices[d.ID]
	s.devices[d.ID] = d.Clone()
	return prev, existed
}

// Remove deletes a device together with any cleartext mapping that points
// at it, and returns everything that was removed, the device itself first.
// Removing an unknown ID returns nil, so each device is purged once.
func (s *Store) Remove(id string) []Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return nil
	}
	delete(s.devices, id)

	removed := []Device{d}
	return append(removed, s.purgeChildrenLocked(id)...)
}

// PurgeCleartext removes cleartext mappings of a crypto device that is no
// longer unlocked and returns them.
func (s *Store) PurgeCleartext(parentID string) []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeChildrenLocked(parentID)
}

func (s *Store) purgeChildrenLocked(parentID string) []Device {
	var purged []Device
	for id, d := range s.devices {
		if d.CleartextOf == parentID {
			delete(s.devices, id)
			purged = append(purged, d)
		}
	}
	slices.SortFunc(purged, func(a, b Device) int {
		return strings.Compare(a.ID, b.ID)
	})
	return purged
}

func (s *Store) Get(id string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Snapshot returns copies of all devices ordered by ID.
func (s *Store) Snapshot() []Device {
	s.mu.RLock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Device) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Diff compares a full enumeration against the store without modifying
// it. Devices in the enumeration but not the store are added, devices in
// both with different attributes are changed, and store entries missing
// from the enumeration are removed.
func (s *Store) Diff(enumerated []Device) (added, changed []Device, removed []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(enumerated))
	for i := range enumerated {
		d := &enumerated[i]
		seen[d.ID] = struct{}{}
		prev, ok := s.devices[d.ID]
		switch {
		case !ok:
			added = append(added, d.Clone())
		case !prev.Equal(d):
			changed = append(changed, d.Clone())
		}
	}
	for id := range s.devices {
		if _, ok := seen[id]; !ok {
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	return added, changed, removed
}
