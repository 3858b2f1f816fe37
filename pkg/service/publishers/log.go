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

	"github.com/ZaparooProject/zaparoo-automount/pkg/metrics"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogPublisher writes every event to the log and counts it.
type LogPublisher struct {
	metrics *metrics.Metrics
}

func NewLogPublisher(m *metrics.Metrics) *LogPublisher {
	return &LogPublisher{metrics: m}
}

func (p *LogPublisher) Handle(_ context.Context, ev events.LifecycleEvent) {
	level := zerolog.InfoLevel
	if ev.Kind == events.KindJobFailed {
		level = zerolog.WarnLevel
	}
	e := log.WithLevel(level).
		Str("kind", string(ev.Kind)).
		Str("device", ev.DeviceID)
	if ev.Action != "" {
		e = e.Str("action", ev.Action)
	}
	if ev.MountPath != "" {
		e = e.Str("path", ev.MountPath)
	}
	e.Msg(ev.Detail)
	p.metrics.EventPublished(string(ev.Kind))
}
