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
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPid_AcquireRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run", PidFile)
	p := NewPid(path)

	pid, err := p.Read()
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.False(t, p.Running())

	require.NoError(t, p.Acquire())
	pid, err = p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, p.Running())

	err = NewPid(path).Acquire()
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, p.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPid_StaleFileReplaced(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), PidFile)
	// pid_max on Linux is at most 2^22
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(1<<22+1)), 0o600))

	p := NewPid(path)
	assert.False(t, p.Running())
	require.NoError(t, p.Acquire())
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPid_ReleaseKeepsForeignFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), PidFile)
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o600))

	require.NoError(t, NewPid(path).Release())
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestPid_Garbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), PidFile)
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o600))

	p := NewPid(path)
	_, err := p.Read()
	require.Error(t, err)
	assert.False(t, p.Running())
}
