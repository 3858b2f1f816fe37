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

package helpers

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ZaparooProject/zaparoo-automount/pkg/config"
	"github.com/adrg/xdg"
	"github.com/rs/zerolog/log"
)

const PidFile = "zaparoo-automount.pid"

var ErrAlreadyRunning = errors.New("daemon already running")

// PidFilePath is the default pid file location, in the user's runtime
// directory.
func PidFilePath() string {
	return filepath.Join(xdg.RuntimeDir, config.AppName, PidFile)
}

// Pid keeps one daemon per user session.
type Pid struct {
	path string
}

func NewPid(path string) *Pid {
	return &Pid{path: path}
}

// Read returns the process ID in the pid file, or 0 when there is none.
func (p *Pid) Read() (int, error) {
	//nolint:gosec // Safe: reads our own pid file
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("error reading pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("error parsing pid: %w", err)
	}
	return pid, nil
}

// Running returns true if the process in the pid file is alive.
func (p *Pid) Running() bool {
	pid, err := p.Read()
	if err != nil || pid == 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}

// Acquire writes the current process ID. A stale file left by a dead
// process is replaced.
func (p *Pid) Acquire() error {
	if p.Running() {
		pid, _ := p.Read()
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o600)
	if err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	log.Debug().Str("path", p.path).Msg("wrote pid file")
	return nil
}

// Release removes the pid file if it still names this process.
func (p *Pid) Release() error {
	pid, err := p.Read()
	if err != nil {
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(p.path); err != nil {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}
