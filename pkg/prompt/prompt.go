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

// Package prompt asks an external program for the passphrase of a crypto
// device.
package prompt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/ZaparooProject/zaparoo-automount/pkg/helpers/command"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoProgram   = errors.New("no password prompt configured")
	ErrEmptyKey    = errors.New("prompt returned an empty passphrase")
	ErrInvalidUTF8 = errors.New("prompt output is not valid UTF-8")
	ErrTimeout     = errors.New("timed out waiting for passphrase")
)

// ProgramError is a failed prompt run. It is never retried.
type ProgramError struct {
	Err     error
	Program string
	Device  string
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("password prompt %s for %s: %v", e.Program, e.Device, e.Err)
}

func (e *ProgramError) Unwrap() error {
	return e.Err
}

// Program runs "<program...> <device-path>" and reads the passphrase from
// its standard output.
type Program struct {
	exec    command.Executor
	argv    []string
	timeout time.Duration
}

// New splits program with shell quoting rules. A zero timeout waits
// forever.
func New(exec command.Executor, program string, timeout time.Duration) (*Program, error) {
	argv, err := shellquote.Split(program)
	if err != nil {
		return nil, fmt.Errorf("failed to parse password prompt %q: %w", program, err)
	}
	if len(argv) == 0 {
		return nil, ErrNoProgram
	}
	return &Program{exec: exec, argv: argv, timeout: timeout}, nil
}

func (p *Program) Key(ctx context.Context, dev devices.Device) ([]byte, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	args := append(slices.Clone(p.argv[1:]), dev.DeviceFile)
	log.Debug().Str("program", p.argv[0]).Str("device", dev.String()).Msg("asking for passphrase")

	fail := func(err error) error {
		return &ProgramError{Program: p.argv[0], Device: dev.String(), Err: err}
	}

	out, err := p.exec.Output(ctx, p.argv[0], args...)
	if err != nil {
		clear(out)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fail(ErrTimeout)
		}
		if status := command.ExitStatus(err); status > 0 {
			return nil, fail(fmt.Errorf("exit status %d: %w", status, err))
		}
		return nil, fail(err)
	}

	key := bytes.TrimSuffix(out, []byte("\n"))
	switch {
	case len(key) == 0:
		return nil, fail(ErrEmptyKey)
	case !utf8.Valid(key):
		clear(out)
		return nil, fail(ErrInvalidUTF8)
	}
	return key, nil
}
