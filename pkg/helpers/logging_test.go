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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, zerolog.InfoLevel, LogLevel(false, false))
	assert.Equal(t, zerolog.DebugLevel, LogLevel(true, false))
	assert.Equal(t, zerolog.WarnLevel, LogLevel(false, true))
}

//nolint:paralleltest // replaces the global logger
func TestInitLogging(t *testing.T) {
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	dir := filepath.Join(t.TempDir(), "state", "nested")
	var console bytes.Buffer
	require.NoError(t, InitLogging(dir, zerolog.InfoLevel, []io.Writer{&console}))

	log.Debug().Msg("hidden")
	log.Info().Str("device", "/dev/sdb1").Msg("mounted")

	data, err := os.ReadFile(filepath.Join(dir, LogFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"device":"/dev/sdb1"`)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, console.String(), "mounted")
}
