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

	"github.com/ZaparooProject/zaparoo-automount/pkg/backend"
	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/stretchr/testify/mock"
)

// MockBackend is a testify mock for backend.Backend. Subscribe returns
// Signals, which tests feed directly.
type MockBackend struct {
	mock.Mock
	Signals chan backend.Signal
}

func NewMockBackend() *MockBackend {
	return &MockBackend{Signals: make(chan backend.Signal, backend.SignalBuffer)}
}

func (*MockBackend) Name() string {
	return "mock"
}

func (m *MockBackend) Enumerate(ctx context.Context) ([]devices.Device, error) {
	called := m.Called(ctx)
	var devs []devices.Device
	if v := called.Get(0); v != nil {
		devs, _ = v.([]devices.Device)
	}
	//nolint:wrapcheck // Mock returns are already wrapped by caller
	return devs, called.Error(1)
}

func (m *MockBackend) Subscribe(_ context.Context) (<-chan backend.Signal, error) {
	return m.Signals, nil
}

func (m *MockBackend) Mount(ctx context.Context, dev devices.Device, options []string) (string, error) {
	called := m.Called(ctx, dev.ID, options)
	//nolint:wrapcheck // Mock returns are already wrapped by caller
	return called.String(0), called.Error(1)
}

func (m *MockBackend) Unmount(ctx context.Context, dev devices.Device) error {
	//nolint:wrapcheck // Mock returns are already wrapped by caller
	return m.Called(ctx, dev.ID).Error(0)
}

func (m *MockBackend) Unlock(ctx context.Context, dev devices.Device, key []byte) (string, error) {
	called := m.Called(ctx, dev.ID, string(key))
	//nolint:wrapcheck // Mock returns are already wrapped by caller
	return called.String(0), called.Error(1)
}

func (m *MockBackend) Lock(ctx context.Context, dev devices.Device) error {
	//nolint:wrapcheck // Mock returns are already wrapped by caller
	return m.Called(ctx, dev.ID).Error(0)
}

func (m *MockBackend) Eject(ctx context.Context, dev devices.Device) error {
	//nolint:wrapcheck // Mock returns are already wrapped by caller
	return m.Called(ctx, dev.ID).Error(0)
}

func (m *MockBackend) Detach(ctx context.Context, dev devices.Device) error {
	//nolint:wrapcheck // Mock returns are already wrapped by caller
	return m.Called(ctx, dev.ID).Error(0)
}

func (*MockBackend) Close() error {
	return nil
}
