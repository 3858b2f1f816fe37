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
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mountedEvent() events.LifecycleEvent {
	return events.LifecycleEvent{
		Time:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Kind:       events.KindDeviceMounted,
		DeviceID:   "/org/freedesktop/UDisks2/block_devices/sdb1",
		DeviceFile: "/dev/sdb1",
		MountPath:  "/media/usb",
		Detail:     "/dev/sdb1 mounted on /media/usb",
	}
}

func TestNewMQTTPublisher(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		broker string
		topic  string
		filter []events.Kind
	}{
		{
			name:   "with filter",
			broker: "localhost:1883",
			topic:  "zaparoo/automount",
			filter: []events.Kind{events.KindDeviceMounted, events.KindJobFailed},
		},
		{
			name:   "without filter",
			broker: "broker.example.com:8883",
			topic:  "events",
			filter: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			publisher := NewMQTTPublisher(tt.broker, tt.topic, tt.filter)

			assert.Equal(t, tt.broker, publisher.broker)
			assert.Equal(t, tt.topic, publisher.topic)
			assert.Equal(t, tt.filter, publisher.filter)
			assert.NotNil(t, publisher.stopCh)
		})
	}
}

func TestMatchesFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		kind   events.Kind
		filter []events.Kind
		want   bool
	}{
		{name: "nil filter matches all", kind: events.KindDeviceAdded, want: true},
		{name: "empty filter matches all", filter: []events.Kind{}, kind: events.KindJobFailed, want: true},
		{
			name:   "kind in filter",
			filter: []events.Kind{events.KindDeviceMounted, events.KindDeviceUnmounted},
			kind:   events.KindDeviceUnmounted,
			want:   true,
		},
		{
			name:   "kind not in filter",
			filter: []events.Kind{events.KindDeviceMounted},
			kind:   events.KindDeviceRemoved,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			publisher := &MQTTPublisher{filter: tt.filter}
			assert.Equal(t, tt.want, publisher.matchesFilter(tt.kind))
		})
	}
}

func TestPublishEvents_PublishesJSON(t *testing.T) {
	t.Parallel()

	mockClient := newMockMQTTClient()
	mockClient.connected = true
	publisher := NewMQTTPublisher("localhost:1883", "zaparoo/automount", nil)
	publisher.client = mockClient

	evs := make(chan events.LifecycleEvent, 10)
	publisher.wg.Add(1)
	go publisher.publishEvents(evs)

	evs <- mountedEvent()

	require.Eventually(t, func() bool {
		return mockClient.getPublishedCount() == 1
	}, time.Second, 5*time.Millisecond)

	msg, ok := mockClient.lastPublished()
	require.True(t, ok)
	assert.Equal(t, "zaparoo/automount", msg.topic)

	payload, ok := msg.payload.([]byte)
	require.True(t, ok)
	var got events.LifecycleEvent
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, mountedEvent(), got)
	assert.Contains(t, string(payload), `"mountPath":"/media/usb"`)

	publisher.Stop()
	assert.Equal(t, 1, mockClient.disconnectCall)
}

func TestPublishEvents_FilteredOut(t *testing.T) {
	t.Parallel()

	mockClient := newMockMQTTClient()
	mockClient.connected = true
	publisher := NewMQTTPublisher("localhost:1883", "test/topic", []events.Kind{events.KindJobFailed})
	publisher.client = mockClient

	evs := make(chan events.LifecycleEvent, 10)
	publisher.wg.Add(1)
	go publisher.publishEvents(evs)

	evs <- mountedEvent()
	evs <- events.LifecycleEvent{Kind: events.KindJobFailed, Action: "mount", Detail: "failed"}

	require.Eventually(t, func() bool {
		return mockClient.getPublishedCount() == 1
	}, time.Second, 5*time.Millisecond)

	publisher.Stop()
	assert.Equal(t, 1, mockClient.getPublishedCount())
}

func TestPublishEvents_PublishError(t *testing.T) {
	t.Parallel()

	mockClient := newMockMQTTClient()
	mockClient.publishError = assert.AnError
	mockClient.connected = true

	publisher := NewMQTTPublisher("localhost:1883", "test/topic", nil)
	publisher.client = mockClient

	evs := make(chan events.LifecycleEvent, 10)
	publisher.wg.Add(1)
	go publisher.publishEvents(evs)

	evs <- mountedEvent()
	close(evs)

	// the loop survives the error and exits on close
	publisher.wg.Wait()
	assert.Equal(t, 0, mockClient.getPublishedCount())
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	mockClient := newMockMQTTClient()
	mockClient.connected = true

	publisher := NewMQTTPublisher("localhost:1883", "test", nil)
	publisher.client = mockClient

	publisher.Stop()
	publisher.Stop()

	assert.Equal(t, 1, mockClient.disconnectCall)
	assert.False(t, mockClient.IsConnected())

	_, ok := <-publisher.stopCh
	assert.False(t, ok, "stopCh should be closed after Stop()")
}

func TestStop_WithoutClient(t *testing.T) {
	t.Parallel()

	publisher := NewMQTTPublisher("localhost:1883", "test", nil)
	publisher.Stop()
}
