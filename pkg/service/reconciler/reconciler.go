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

// Package reconciler keeps the device store in step with the backend and
// turns device transitions, completions and user requests into intents.
//
// Everything here runs on the goroutine calling Run. Other goroutines talk
// to it only through channels: Request, Reload and Sync.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/backend"
	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/ZaparooProject/zaparoo-automount/pkg/metrics"
	"github.com/ZaparooProject/zaparoo-automount/pkg/policy"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/dispatcher"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var ErrSignalsClosed = errors.New("backend signal stream closed")

// Settings is the slice of configuration the reconciler acts on. A reload
// replaces it whole.
type Settings struct {
	Rules     []policy.Rule
	Automount bool
	// Recursive mounts the cleartext device after every unlock the daemon
	// performs, not only manual ones.
	Recursive bool
}

// Dispatcher is the part of *dispatcher.Dispatcher the reconciler drives.
type Dispatcher interface {
	Submit(in dispatcher.Intent) bool
	Drop(deviceID string) int
	Cancel(deviceID string)
	Completions() <-chan dispatcher.Completion
}

type Options struct {
	Store      *devices.Store
	Dispatcher Dispatcher
	Events     *events.Emitter
	// Keys supplies unlock keys. Unlock requests fail without one.
	Keys dispatcher.KeySource
	// Metrics may be nil.
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
	Settings Settings
}

type request struct {
	reply chan error
	req   ManualRequest
}

// followup is work to queue once an intent on a device succeeds.
type followup struct {
	lock   bool
	eject  bool
	detach bool
}

type Reconciler struct {
	opts     Options
	store    *devices.Store
	settings *Settings

	requests chan request
	reloads  chan *Settings
	syncs    chan []devices.Device

	// announced holds ids that got a device_added event.
	announced map[string]bool
	// automounted holds ids already given an automatic mount this lifecycle.
	automounted map[string]bool
	// unlockedByUs maps crypto ids this daemon unlocked recursively to
	// whether the unlock was a manual request.
	unlockedByUs map[string]bool
	// ownUnmounts holds ids with an unmount issued by this daemon whose
	// state change has not been seen yet.
	ownUnmounts map[string]bool
	followups   map[string]followup

	lastActivity atomic.Int64
}

func New(opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Store == nil {
		opts.Store = devices.NewStore()
	}
	settings := opts.Settings
	r := &Reconciler{
		opts:         opts,
		store:        opts.Store,
		settings:     &settings,
		requests:     make(chan request),
		reloads:      make(chan *Settings, 1),
		syncs:        make(chan []devices.Device, 1),
		announced:    make(map[string]bool),
		automounted:  make(map[string]bool),
		unlockedByUs: make(map[string]bool),
		ownUnmounts:  make(map[string]bool),
		followups:    make(map[string]followup),
	}
	r.touch()
	return r
}

func (r *Reconciler) Store() *devices.Store {
	return r.store
}

// Run processes signals, completions and requests until ctx is done or
// the signal stream closes.
func (r *Reconciler) Run(ctx context.Context, signals <-chan backend.Signal) error {
	completions := r.opts.Dispatcher.Completions()

	// an enumeration queued before Run predates any buffered signal
	select {
	case devs := <-r.syncs:
		r.sync(devs)
		r.opts.Metrics.SetDevices(r.store.Len())
	default:
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-signals:
			if !ok {
				// backends close the stream once ctx ends
				if ctx.Err() != nil {
					return nil
				}
				return ErrSignalsClosed
			}
			r.handleSignal(&s)
		case c := <-completions:
			r.handleCompletion(&c)
		case req := <-r.requests:
			req.reply <- r.handleRequest(&req.req)
		case s := <-r.reloads:
			r.settings = s
			log.Info().Int("rules", len(s.Rules)).Bool("automount", s.Automount).Msg("policy reloaded")
		case devs := <-r.syncs:
			r.sync(devs)
		}
		r.opts.Metrics.SetDevices(r.store.Len())
		r.touch()
	}
}

func (r *Reconciler) touch() {
	r.lastActivity.Store(r.opts.Clock.Now().UnixNano())
}

// QuietFor reports whether the loop has handled nothing for at least d.
func (r *Reconciler) QuietFor(d time.Duration) bool {
	last := time.Unix(0, r.lastActivity.Load())
	return r.opts.Clock.Since(last) >= d
}

// Request hands a manual request to the loop and waits for it to be turned
// into intents. The returned error covers resolution only; action
// failures arrive as job_failed events.
func (r *Reconciler) Request(ctx context.Context, req ManualRequest) error {
	reply := make(chan error, 1)
	select {
	case r.requests <- request{req: req, reply: reply}:
	case <-ctx.Done():
		return fmt.Errorf("request not accepted: %w", ctx.Err())
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("request not answered: %w", ctx.Err())
	}
}

// Reload swaps the settings. Only the latest pending reload is kept.
func (r *Reconciler) Reload(s Settings) {
	for {
		select {
		case r.reloads <- &s:
			return
		default:
		}
		select {
		case <-r.reloads:
		default:
		}
	}
}

// Sync queues a full enumeration to be diffed against the store.
func (r *Reconciler) Sync(ctx context.Context, devs []devices.Device) error {
	select {
	case r.syncs <- devs:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync not accepted: %w", ctx.Err())
	}
}

func (r *Reconciler) sync(devs []devices.Device) {
	added, changed, removed := r.store.Diff(devs)
	log.Debug().
		Int("added", len(added)).
		Int("changed", len(changed)).
		Int("removed", len(removed)).
		Msg("syncing device list")

	for _, id := range removed {
		r.removed(id)
	}
	for i := range added {
		r.added(&added[i])
	}
	for i := range changed {
		if prev, ok := r.store.Get(changed[i].ID); ok {
			r.changed(&prev, &changed[i])
		}
	}
}
