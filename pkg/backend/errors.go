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

package backend

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned at startup when the storage service is not
// reachable on the bus.
var ErrUnavailable = errors.New("storage service unavailable")

type ErrorKind int

const (
	KindOther ErrorKind = iota
	// KindBusy means the device is in use; the call may succeed later.
	KindBusy
	// KindWrongKey means the unlock key was rejected or could not be
	// obtained. Never retried.
	KindWrongKey
	// KindDeviceGone means the device disappeared.
	KindDeviceGone
)

func (k ErrorKind) String() string {
	switch k {
	case KindBusy:
		return "busy"
	case KindWrongKey:
		return "wrong_key"
	case KindDeviceGone:
		return "device_gone"
	default:
		return "other"
	}
}

// Error is a failed backend call.
type Error struct {
	Err      error
	Op       string
	DeviceID string
	Kind     ErrorKind
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.DeviceID, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.DeviceID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, op, deviceID string, err error) *Error {
	return &Error{Kind: kind, Op: op, DeviceID: deviceID, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindOther.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindOther
}
