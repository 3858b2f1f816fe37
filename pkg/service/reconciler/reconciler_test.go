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

package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/backend"
	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/ZaparooProject/zaparoo-automount/pkg/policy"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/dispatcher"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
	"github.com/ZaparooProject/zaparoo-automount/pkg/testing/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sdb1   = "/org/freedesktop/UDisks2/block_devices/sdb1"
	sdc1   = "/org/freedesktop/UDisks2/block_devices/sdc1"
	crypt  = "/org/freedesktop/UDisks2/block_devices/sdd1"
	clear0 = "/org/freedesktop/UDisks2/block_devices/dm_2d0"
	drive  = "/org/freedesktop/UDisks2/drives/Flash"
)

type fakeDispatcher struct {
	completions chan dispatcher.Completion
	submitted   []dispatcher.Intent
	dropped     []string
	canceled    []string
	mu          sync.Mutex
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{completions: make(chan dispatcher.Completion)}
}

func (f *fakeDispatcher) Submit(in dispatcher.Intent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, in)
	return true
}

func (f *fakeDispatcher) Drop(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, id)
	return 1
}

func (f *fakeDispatcher) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
}

func (f *fakeDispatcher) Completions() <-chan dispatcher.Completion {
	return f.completions
}

func (f *fakeDispatcher) intents(id string, action dispatcher.Action) []dispatcher.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dispatcher.Intent
	for _, in := range f.submitted {
		if in.DeviceID == id && in.Action == action {
			out = append(out, in)
		}
	}
	return out
}

func (f *fakeDispatcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type harness struct {
	r      *Reconciler
	d      *fakeDispatcher
	events chan events.LifecycleEvent
}

func newHarness(t *testing.T, s Settings) *harness {
	t.Helper()
	h := &harness{
		d:      newFakeDispatcher(),
		events: make(chan events.LifecycleEvent, 64),
	}
	h.r = New(Options{
		Dispatcher: h.d,
		Events:     events.NewEmitter(context.Background(), h.events, nil),
		Keys:       &mocks.MockKeySource{},
		Settings:   s,
	})
	return h
}

func (h *harness) signal(kind backend.SignalKind, d devices.Device) {
	h.r.handleSignal(&backend.Signal{Kind: kind, Device: d})
}

func (h *harness) drainEvents() []events.LifecycleEvent {
	var out []events.LifecycleEvent
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(evs []events.LifecycleEvent) []events.Kind {
	out := make([]events.Kind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}
	return out
}

func usbStick() devices.Device {
	return devices.Device{
		ID:          sdb1,
		DeviceFile:  "/dev/sdb1",
		Usage:       devices.UsageFilesystem,
		FSType:      "vfat",
		IsPartition: true,
		IsRemovable: true,
		HasMedia:    true,
		DriveID:     drive,
	}
}

func lockedCrypto() devices.Device {
	return devices.Device{
		ID:          crypt,
		DeviceFile:  "/dev/sdd1",
		Usage:       devices.UsageCrypto,
		FSType:      "crypto_LUKS",
		IsCrypto:    true,
		IsPartition: true,
		HasMedia:    true,
		DriveID:     drive,
	}
}

func cleartext() devices.Device {
	return devices.Device{
		ID:          clear0,
		DeviceFile:  "/dev/dm-0",
		Usage:       devices.UsageFilesystem,
		FSType:      "ext4",
		UUID:        "7d3c1a52-9a44-4f0e-b1c8-5d2b6e0f9a11",
		CleartextOf: crypt,
		HasMedia:    true,
		DriveID:     drive,
	}
}

func mustRule(t *testing.T, key, value string) policy.Rule {
	t.Helper()
	r, err := policy.ParseRule(key, value)
	require.NoError(t, err)
	return r
}

func TestScenarioA_NoRuleMountsWithoutOptions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{Automount: true})
	h.signal(backend.SignalAdded, usbStick())

	mounts := h.d.intents(sdb1, dispatcher.ActionMount)
	require.Len(t, mounts, 1)
	assert.Empty(t, mounts[0].Options)
	assert.False(t, mounts[0].Manual)
	assert.Equal(t, []events.Kind{events.KindDeviceAdded}, kinds(h.drainEvents()))
}

func TestScenarioB_IgnoredUUIDIsSilent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{
		Automount: true,
		Rules:     []policy.Rule{mustRule(t, "uuid.abcd-ef01", policy.IgnoreValue)},
	})
	d := usbStick()
	d.UUID = "abcd-ef01"
	h.signal(backend.SignalAdded, d)

	assert.Zero(t, h.d.total())
	assert.Empty(t, h.drainEvents())

	h.signal(backend.SignalRemoved, devices.Device{ID: sdb1})
	assert.Empty(t, h.drainEvents(), "ignored devices are never announced")
	_, ok := h.r.Store().Get(sdb1)
	assert.False(t, ok)
}

func TestRuleOptionsPassedThrough(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{
		Automount: true,
		Rules:     []policy.Rule{mustRule(t, "fstype.vfat", "flush,noexec")},
	})
	h.signal(backend.SignalAdded, usbStick())

	mounts := h.d.intents(sdb1, dispatcher.ActionMount)
	require.Len(t, mounts, 1)
	assert.Equal(t, []string{"flush", "noexec"}, mounts[0].Options)
}

func TestAutomountDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{})
	h.signal(backend.SignalAdded, usbStick())
	assert.Zero(t, h.d.total())
	assert.Equal(t, []events.Kind{events.KindDeviceAdded}, kinds(h.drainEvents()))
}

func TestNotEligible(t *testing.T) {
	t.Parallel()

	mounted := usbStick()
	mounted.MountPaths = []string{"/media/usb"}
	internal := usbStick()
	internal.IsSystemInternal = true
	hinted := usbStick()
	hinted.HintIgnore = true
	blank := usbStick()
	blank.Usage = ""

	for name, d := range map[string]devices.Device{
		"crypto":   lockedCrypto(),
		"mounted":  mounted,
		"internal": internal,
		"hinted":   hinted,
		"no fs":    blank,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Settings{Automount: true})
			h.signal(backend.SignalAdded, d)
			assert.Zero(t, h.d.total())
		})
	}
}

func TestDuplicateAddedMountsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{Automount: true})
	for range 5 {
		h.signal(backend.SignalAdded, usbStick())
	}
	assert.Len(t, h.d.intents(sdb1, dispatcher.ActionMount), 1)
	assert.Equal(t, []events.Kind{events.KindDeviceAdded}, kinds(h.drainEvents()))
}

func TestReAddedAfterRemovalStartsFresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{Automount: true})
	h.signal(backend.SignalAdded, usbStick())
	h.signal(backend.SignalRemoved, devices.Device{ID: sdb1})

	d := usbStick()
	d.Label = "NEW"
	h.signal(backend.SignalAdded, d)

	assert.Len(t, h.d.intents(sdb1, dispatcher.ActionMount), 2)
	got, ok := h.r.Store().Get(sdb1)
	require.True(t, ok)
	assert.Equal(t, "NEW", got.Label)
	assert.Equal(t, []events.Kind{
		events.KindDeviceAdded, events.KindDeviceRemoved, events.KindDeviceAdded,
	}, kinds(h.drainEvents()))
}

func TestCryptoAddedStaysLocked(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{Automount: true, Recursive: true})
	h.signal(backend.SignalAdded, lockedCrypto())
	assert.Zero(t, h.d.total())
}

func unlockParent(h *harness, manual, recursive bool) {
	in := dispatcher.NewIntent(crypt, dispatcher.ActionUnlock)
	in.Manual = manual
	in.Recursive = recursive
	dev, _ := h.r.Store().Get(crypt)
	h.r.handleCompletion(&dispatcher.Completion{Intent: in, Device: dev, CleartextID: clear0})
}

func TestRecursiveUnlock_ChildAddedAfterCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{})
	h.signal(backend.SignalAdded, lockedCrypto())
	unlockParent(h, true, true)

	parent, _ := h.r.Store().Get(crypt)
	assert.True(t, parent.IsUnlocked())

	h.signal(backend.SignalAdded, cleartext())
	h.signal(backend.SignalChanged, cleartext())

	childMounts := h.d.intents(clear0, dispatcher.ActionMount)
	require.Len(t, childMounts, 1)
	assert.True(t, childMounts[0].Manual)
	assert.Empty(t, h.d.intents(crypt, dispatcher.ActionMount))
}

func TestRecursiveUnlock_ChildAddedBeforeCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{})
	h.signal(backend.SignalAdded, lockedCrypto())
	h.signal(backend.SignalAdded, cleartext())
	assert.Zero(t, h.d.total(), "no trigger yet")

	unlockParent(h, false, true)

	assert.Len(t, h.d.intents(clear0, dispatcher.ActionMount), 1)
	assert.Empty(t, h.d.intents(crypt, dispatcher.ActionMount))
}

func TestRecursiveUnlock_RespectsIgnoreWhenAutomatic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{
		Recursive: true,
		Rules:     []policy.Rule{mustRule(t, "fstype.ext4", policy.IgnoreValue)},
	})
	h.signal(backend.SignalAdded, lockedCrypto())
	unlockParent(h, false, false)
	h.signal(backend.SignalAdded, cleartext())

	assert.Zero(t, h.d.total())
}

func TestUnlockWithoutRecursionDoesNotMount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{})
	h.signal(backend.SignalAdded, lockedCrypto())
	unlockParent(h, true, false)
	h.signal(backend.SignalAdded, cleartext())

	assert.Zero(t, h.d.total())
}

func TestRemovedCancelsAndPurges(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{Automount: true})
	h.signal(backend.SignalAdded, lockedCrypto())
	unlockParent(h, true, true)
	h.signal(backend.SignalAdded, cleartext())
	h.drainEvents()

	h.signal(backend.SignalRemoved, devices.Device{ID: crypt})

	assert.Contains(t, h.d.canceled, crypt)
	assert.Contains(t, h.d.canceled, clear0)
	assert.Zero(t, h.r.Store().Len())
	assert.ElementsMatch(t,
		[]events.Kind{events.KindDeviceRemoved, events.KindDeviceRemoved},
		kinds(h.drainEvents()))

	// late completion for the removed device is ignored
	in := dispatcher.NewIntent(clear0, dispatcher.ActionMount)
	h.r.handleCompletion(&dispatcher.Completion{Intent: in, MountPath: "/media/x"})
	h.signal(backend.SignalRemoved, devices.Device{ID: clear0})
	assert.Empty(t, h.drainEvents())
}

func TestLockedTransitionPurgesChild(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{})
	parent := lockedCrypto()
	parent.CleartextChild = clear0
	h.signal(backend.SignalAdded, parent)
	h.signal(backend.SignalAdded, cleartext())

	h.signal(backend.SignalChanged, lockedCrypto())

	_, ok := h.r.Store().Get(clear0)
	assert.False(t, ok)
	assert.Contains(t, h.d.canceled, clear0)
}

func TestExternalUnmountDropsQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{})
	mounted := usbStick()
	mounted.MountPaths = []string{"/media/usb"}
	h.signal(backend.SignalAdded, mounted)
	h.signal(backend.SignalChanged, usbStick())

	assert.Equal(t, []string{sdb1}, h.d.dropped)
	assert.Zero(t, h.d.total(), "an external unmount never triggers a remount")
}

func TestOwnUnmountIsNotExternal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{})
	mounted := usbStick()
	mounted.MountPaths = []string{"/media/usb"}
	h.signal(backend.SignalAdded, mounted)

	require.NoError(t, h.r.handleRequest(&ManualRequest{DeviceID: sdb1, Action: dispatcher.ActionUnmount}))
	require.Len(t, h.d.intents(sdb1, dispatcher.ActionUnmount), 1)

	h.signal(backend.SignalChanged, usbStick())
	assert.Empty(t, h.d.dropped)
}

func TestMediaInsertedTriggersAutomount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{Automount: true})
	empty := usbStick()
	empty.HasMedia = false
	empty.Usage = ""
	h.signal(backend.SignalAdded, empty)
	assert.Zero(t, h.d.total())

	h.signal(backend.SignalChanged, usbStick())
	assert.Len(t, h.d.intents(sdb1, dispatcher.ActionMount), 1)

	// eject and reinsert
	h.signal(backend.SignalChanged, empty)
	h.signal(backend.SignalChanged, usbStick())
	assert.Len(t, h.d.intents(sdb1, dispatcher.ActionMount), 2)

	assert.Equal(t, []events.Kind{
		events.KindDeviceAdded,
		events.KindMediaAdded,
		events.KindMediaRemoved,
		events.KindMediaAdded,
	}, kinds(h.drainEvents()))
}

func TestMediaEventsSkipIgnoredDevices(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{
		Automount: true,
		Rules:     []policy.Rule{mustRule(t, "fstype.vfat", policy.IgnoreValue)},
	})
	empty := usbStick()
	empty.HasMedia = false
	h.signal(backend.SignalAdded, empty)
	h.signal(backend.SignalChanged, usbStick())

	assert.Empty(t, h.drainEvents())
	assert.Zero(t, h.d.total())
}

func TestReloadSwapsPolicy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{Automount: true})
	h.r.Reload(Settings{
		Automount: true,
		Rules:     []policy.Rule{mustRule(t, "fstype.vfat", policy.IgnoreValue)},
	})
	h.r.Reload(Settings{Automount: false})

	s := <-h.r.reloads
	h.r.settings = s
	assert.False(t, h.r.settings.Automount, "only the latest reload is kept")
	assert.Empty(t, h.r.reloads)
}

func TestSyncDiffsEnumeration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{Automount: true})
	h.signal(backend.SignalAdded, lockedCrypto())
	h.drainEvents()

	h.r.sync([]devices.Device{usbStick()})

	_, ok := h.r.Store().Get(crypt)
	assert.False(t, ok)
	assert.Len(t, h.d.intents(sdb1, dispatcher.ActionMount), 1)
	assert.ElementsMatch(t,
		[]events.Kind{events.KindDeviceRemoved, events.KindDeviceAdded},
		kinds(h.drainEvents()))
}

func TestRun_ProcessesUntilCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{Automount: true})
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan backend.Signal, backend.SignalBuffer)
	done := make(chan error, 1)
	go func() { done <- h.r.Run(ctx, signals) }()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			signals <- backend.Signal{Kind: backend.SignalAdded, Device: usbStick()}
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return len(signals) == 0 }, time.Second, time.Millisecond)

	// the loop is serial, so an answered request means every signal taken
	// before it has been handled
	require.NoError(t, h.r.Request(ctx, ManualRequest{DeviceID: sdb1, Action: dispatcher.ActionEject}))
	assert.Len(t, h.d.intents(sdb1, dispatcher.ActionMount), 1, "single mount under concurrent duplicate adds")

	cancel()
	require.NoError(t, <-done)
}

func TestRun_SignalsClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{})
	signals := make(chan backend.Signal)
	close(signals)
	require.ErrorIs(t, h.r.Run(context.Background(), signals), ErrSignalsClosed)
}

func TestRun_SignalsClosedOnShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{})
	signals := make(chan backend.Signal)
	close(signals)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 20 {
		require.NoError(t, h.r.Run(ctx, signals))
	}
}

func TestQuietFor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Settings{})
	assert.False(t, h.r.QuietFor(time.Hour))
	assert.True(t, h.r.QuietFor(0))
}
