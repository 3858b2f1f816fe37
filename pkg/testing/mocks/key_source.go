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

package mocks

import (
	"context"

	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/stretchr/testify/mock"
)

// MockKeySource is a testify mock for dispatcher.KeySource.
type MockKeySource struct {
	mock.Mock
}

func (m *MockKeySource) Key(ctx context.Context, dev devices.Device) ([]byte, error) {
	called := m.Called(ctx, dev.ID)
	var key []byte
	if v := called.Get(0); v != nil {
		key, _ = v.([]byte)
	}
	//nolint:wrapcheck // Mock returns are already wrapped by caller
	return key, called.Error(1)
}
