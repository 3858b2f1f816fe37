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

package telemetry

import (
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "device file",
			input:    "/dev/sdb1",
			expected: "/dev/sdb1",
		},
		{
			name:     "linux home path",
			input:    "/home/callan/.config/zaparoo-automount/config.ini",
			expected: "/home/<user>/.config/zaparoo-automount/config.ini",
		},
		{
			name:     "linux home path uppercase",
			input:    "/Home/Callan/.config/zaparoo-automount/config.ini",
			expected: "/home/<user>/.config/zaparoo-automount/config.ini",
		},
		{
			name:     "udisks2 mount path",
			input:    "/run/media/callan/HOLIDAY PICS",
			expected: "/run/media/<user>/<label> PICS",
		},
		{
			name:     "udisks1 mount path",
			input:    "/media/callan/STICK/DCIM",
			expected: "/media/<user>/<label>/DCIM",
		},
		{
			name:     "error message with mount path",
			input:    "unmount failed: /run/media/alice/BACKUP: target is busy",
			expected: "unmount failed: /run/media/<user>/<label>: target is busy",
		},
		{
			name:     "multiple paths in message",
			input:    "copying /home/alice/src to /media/bob/USB",
			expected: "copying /home/<user>/src to /media/<user>/<label>",
		},
		{
			name:     "media without user is kept",
			input:    "/media/cdrom",
			expected: "/media/cdrom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := sanitizePath(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestSanitizeEvent(t *testing.T) {
	t.Parallel()

	event := &sentry.Event{
		ServerName: "laptop",
		Message:    "mount of /dev/sdb1 at /run/media/alice/STICK failed",
		Extra:      map[string]any{"config": "/home/alice/.config/zaparoo-automount/config.ini", "n": 1},
		Exception: []sentry.Exception{{
			Stacktrace: &sentry.Stacktrace{Frames: []sentry.Frame{{
				AbsPath:  "/home/alice/src/zaparoo-automount/pkg/service/service.go",
				Filename: "pkg/service/service.go",
			}}},
		}},
	}

	got := sanitizeEvent(event)
	require.NotNil(t, got)
	assert.Empty(t, got.ServerName)
	assert.Equal(t, "mount of /dev/sdb1 at /run/media/<user>/<label> failed", got.Message)
	assert.Equal(t, "/home/<user>/.config/zaparoo-automount/config.ini", got.Extra["config"])
	assert.Equal(t, 1, got.Extra["n"])
	assert.Equal(t, "/home/<user>/src/zaparoo-automount/pkg/service/service.go",
		got.Exception[0].Stacktrace.Frames[0].AbsPath)
}

func TestInitDisabled(t *testing.T) {
	t.Parallel()

	require.NoError(t, Init("", "test"))
	assert.False(t, Enabled(), "telemetry should be disabled without a DSN")
	// no-op while disabled
	Close()
}
