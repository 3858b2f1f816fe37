//go:build unix

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

package devices

import (
	"golang.org/x/sys/unix"
)

type fileIdentity struct {
	dev uint64
	ino uint64
	// rdev distinguishes block device nodes that share a devtmpfs inode
	// space with their symlinks
	rdev uint64
}

func statIdentity(path string) (fileIdentity, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		//nolint:wrapcheck // callers add the path
		return fileIdentity{}, err
	}
	//nolint:unconvert // field widths differ between architectures
	return fileIdentity{
		dev:  uint64(st.Dev),
		ino:  uint64(st.Ino),
		rdev: uint64(st.Rdev),
	}, nil
}
