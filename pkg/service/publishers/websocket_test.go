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
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketPublisher_Broadcast(t *testing.T) {
	t.Parallel()

	p := NewWebSocketPublisher()
	srv := httptest.NewServer(p)
	defer srv.Close()
	defer func() { _ = p.Close() }()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		return p.session.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	p.Handle(t.Context(), mountedEvent())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got events.LifecycleEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, mountedEvent(), got)
}

func TestWebSocketPublisher_NoClients(t *testing.T) {
	t.Parallel()

	p := NewWebSocketPublisher()
	assert.NotPanics(t, func() {
		p.Handle(t.Context(), mountedEvent())
	})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
