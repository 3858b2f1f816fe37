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

// Package command provides an abstraction over exec.Command so the key
// prompt and file manager launcher can be tested without spawning programs.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs external helper programs.
type Executor interface {
	// Output runs a command and returns its standard output. Standard error
	// is captured and included in the returned error on failure.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)

	// Start starts a command without waiting for it to complete
	// (fire-and-forget). The process is reaped in the background.
	Start(ctx context.Context, name string, args ...string) error
}

// RealExecutor uses exec.CommandContext to run system commands.
type RealExecutor struct{}

func (*RealExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		//nolint:wrapcheck // Wrapping exec errors loses important context
		return out, err
	}
	return out, nil
}

func (*RealExecutor) Start(_ context.Context, name string, args ...string) error {
	// not bound to the caller's context: a launched file manager must
	// outlive the request that opened it
	cmd := exec.Command(name, args...) //nolint:noctx // detached on purpose
	if err := cmd.Start(); err != nil {
		//nolint:wrapcheck // Wrapping exec errors loses important context
		return err
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}
