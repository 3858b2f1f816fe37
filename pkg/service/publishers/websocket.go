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
	"context"
	"encoding/json"
	"net/http"

	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
	"github.com/olahol/melody"
	"github.com/rs/zerolog/log"
)

// WebSocketPublisher broadcasts every event as JSON to all connected
// websocket clients. Clients only listen; incoming messages are ignored.
type WebSocketPublisher struct {
	session *melody.Melody
}

func NewWebSocketPublisher() *WebSocketPublisher {
	session := melody.New()
	session.Upgrader.CheckOrigin = func(*http.Request) bool { return true }
	session.HandleConnect(func(s *melody.Session) {
		log.Debug().Str("remote", s.Request.RemoteAddr).Msg("event stream client connected")
	})
	return &WebSocketPublisher{session: session}
}

func (p *WebSocketPublisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := p.session.HandleRequest(w, r); err != nil {
		log.Error().Err(err).Msg("handling websocket request")
	}
}

func (p *WebSocketPublisher) Handle(_ context.Context, ev events.LifecycleEvent) {
	if p.session.Len() == 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("marshalling event")
		return
	}
	if err := p.session.Broadcast(data); err != nil {
		log.Error().Err(err).Msg("broadcasting event")
	}
}

func (p *WebSocketPublisher) Close() error {
	if p.session.IsClosed() {
		return nil
	}
	//nolint:wrapcheck // melody only fails on an already closed session
	return p.session.Close()
}
