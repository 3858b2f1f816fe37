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

package dispatcher

import (
	"context"

	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/google/uuid"
)

type Action string

const (
	ActionMount   Action = "mount"
	ActionUnmount Action = "unmount"
	ActionUnlock  Action = "unlock"
	ActionLock    Action = "lock"
	ActionEject   Action = "eject"
	ActionDetach  Action = "detach"
)

// KeySource produces the key used to unlock a crypto device. Any error is
// final for the intent.
type KeySource interface {
	Key(ctx context.Context, dev devices.Device) ([]byte, error)
}

// Intent is one requested action on one device.
type Intent struct {
	Key      KeySource
	DeviceID string
	Action   Action
	Options  []string
	ID       uuid.UUID
	// Manual marks user requests. They bypass ignore rules and replace
	// queued automatic intents.
	Manual bool
	// Recursive asks for the cleartext device to be mounted after a
	// successful unlock.
	Recursive bool
}

func NewIntent(deviceID string, action Action) Intent {
	return Intent{
		ID:       uuid.New(),
		DeviceID: deviceID,
		Action:   action,
	}
}

// Completion is the outcome of an intent that was not cancelled.
type Completion struct {
	Err error
	// Device is the record the action ran against.
	Device      devices.Device
	MountPath   string
	CleartextID string
	Intent      Intent
}

func (c *Completion) OK() bool {
	return c.Err == nil
}
