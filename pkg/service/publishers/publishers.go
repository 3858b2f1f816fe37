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

// Package publishers consumes lifecycle events from the broker and hands
// them to the outside world: logs, desktop notifications, MQTT and the file
// manager.
package publishers

import (
	"context"

	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
)

// Handler receives every event of one broker subscription. Handlers must
// not block for long; a slow handler loses events at the broker.
type Handler interface {
	Handle(ctx context.Context, ev events.LifecycleEvent)
}

// Run feeds evs to h until ctx ends or evs is closed.
func Run(ctx context.Context, evs <-chan events.LifecycleEvent, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			h.Handle(ctx, ev)
		}
	}
}
