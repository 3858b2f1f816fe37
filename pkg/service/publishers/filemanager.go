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
	"slices"

	"github.com/ZaparooProject/zaparoo-automount/pkg/config"
	"github.com/ZaparooProject/zaparoo-automount/pkg/helpers/command"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog/log"
)

// FileManagerPublisher opens "<file_manager...> <mount-point>" after each
// mount. The program is read from the current config on every event and
// an empty setting disables it.
type FileManagerPublisher struct {
	exec     command.Executor
	settings func() *config.Values
}

func NewFileManagerPublisher(exec command.Executor, settings func() *config.Values) *FileManagerPublisher {
	return &FileManagerPublisher{exec: exec, settings: settings}
}

func (p *FileManagerPublisher) Handle(ctx context.Context, ev events.LifecycleEvent) {
	if ev.Kind != events.KindDeviceMounted || ev.MountPath == "" {
		return
	}
	program := p.settings().Program.FileManager
	if program == "" {
		return
	}

	argv, err := shellquote.Split(program)
	if err != nil || len(argv) == 0 {
		log.Warn().Err(err).Str("program", program).Msg("invalid file manager setting")
		return
	}
	args := append(slices.Clone(argv[1:]), ev.MountPath)
	if err := p.exec.Start(ctx, argv[0], args...); err != nil {
		log.Warn().Err(err).Str("program", argv[0]).Str("path", ev.MountPath).Msg("failed to launch file manager")
		return
	}
	log.Debug().Str("program", argv[0]).Str("path", ev.MountPath).Msg("launched file manager")
}
