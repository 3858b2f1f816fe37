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
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MQTTPublisher publishes lifecycle events to an MQTT broker.
type MQTTPublisher struct {
	client   mqtt.Client
	stopCh   chan struct{}
	broker   string
	topic    string
	filter   []events.Kind
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMQTTPublisher creates a new MQTT publisher for the given broker, topic, and optional filter.
// If filter is empty, all events are published. Otherwise, only events whose kind is in the
// filter list are published.
func NewMQTTPublisher(broker, topic string, filter []events.Kind) *MQTTPublisher {
	return &MQTTPublisher{
		broker: broker,
		topic:  topic,
		filter: filter,
		stopCh: make(chan struct{}),
	}
}

// Start connects to the MQTT broker and begins publishing events.
func (p *MQTTPublisher) Start(evs <-chan events.LifecycleEvent) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + p.broker)
	opts.SetClientID("zaparoo-automount-" + uuid.New().String()[:8])
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)

	opts.OnConnect = func(_ mqtt.Client) {
		log.Info().Msgf("mqtt publisher: connected to %s", p.broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt publisher: connection lost")
	}

	p.client = mqtt.NewClient(opts)

	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Info().Msgf("mqtt publisher: connected to %s (topic: %s)", p.broker, p.topic)

	p.wg.Add(1)
	go p.publishEvents(evs)

	return nil
}

// Stop disconnects from the MQTT broker and waits for the publishing
// goroutine to exit.
func (p *MQTTPublisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		log.Debug().Msg("mqtt publisher: disconnecting")
		p.client.Disconnect(250)
	}
}

// Handle publishes a single event. It implements Handler so the publisher
// can also be driven by Run.
func (p *MQTTPublisher) Handle(_ context.Context, ev events.LifecycleEvent) {
	if !p.matchesFilter(ev.Kind) {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("mqtt publisher: failed to marshal event")
		return
	}

	token := p.client.Publish(p.topic, 0, false, payload)
	if token.Wait() && token.Error() != nil {
		log.Error().Err(token.Error()).Msg("mqtt publisher: failed to publish message")
		return
	}

	log.Debug().Msgf("mqtt publisher: published %s event", ev.Kind)
}

func (p *MQTTPublisher) publishEvents(evs <-chan events.LifecycleEvent) {
	defer p.wg.Done()
	log.Debug().Msg("mqtt publisher: starting event publisher goroutine")

	for {
		select {
		case <-p.stopCh:
			log.Debug().Msg("mqtt publisher: stopping event publisher")
			return
		case ev, ok := <-evs:
			if !ok {
				log.Debug().Msg("mqtt publisher: event channel closed")
				return
			}
			p.Handle(context.Background(), ev)
		}
	}
}

// matchesFilter checks if an event kind matches the configured filter.
// An empty filter passes everything.
func (p *MQTTPublisher) matchesFilter(kind events.Kind) bool {
	if len(p.filter) == 0 {
		return true
	}
	return slices.Contains(p.filter, kind)
}
