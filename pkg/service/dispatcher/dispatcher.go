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

// Package dispatcher runs action intents against the backend with at most
// one running intent per device and a bounded number of concurrent
// backend calls.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/backend"
	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/ZaparooProject/zaparoo-automount/pkg/helpers/syncutil"
	"github.com/ZaparooProject/zaparoo-automount/pkg/metrics"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultSlots       = 4
	DefaultMaxAttempts = 5

	defaultInitialInterval = 250 * time.Millisecond
	defaultMaxInterval     = 4 * time.Second
)

var ErrNoKeySource = errors.New("no key source for unlock")

// Lookup returns a snapshot of a device from the store.
type Lookup func(id string) (devices.Device, bool)

type Options struct {
	Backend backend.Backend
	Lookup  Lookup
	Events  *events.Emitter
	// Metrics may be nil.
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	// Slots bounds concurrent backend calls across all devices.
	Slots int64
	// MaxAttempts bounds tries of a call failing with a busy error.
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type job struct {
	ctx      context.Context
	cancel   context.CancelFunc
	intent   Intent
	canceled bool
}

type deviceQueue struct {
	running *job
	pending []Intent
}

// Dispatcher owns per-device intent queues. Submit, Drop and Cancel are
// safe to call from any goroutine; the reconciler is the only caller in
// practice.
type Dispatcher struct {
	ctx         context.Context
	opts        Options
	sem         *semaphore.Weighted
	completions chan Completion
	queues      map[string]*deviceQueue
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	undelivered int
	mu          syncutil.Mutex
}

func New(ctx context.Context, opts Options) *Dispatcher {
	if opts.Slots <= 0 {
		opts.Slots = DefaultSlots
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = defaultMaxInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		ctx:         ctx,
		cancel:      cancel,
		opts:        opts,
		sem:         semaphore.NewWeighted(opts.Slots),
		completions: make(chan Completion),
		queues:      make(map[string]*deviceQueue),
	}
}

// Completions delivers the outcome of every intent that ran to the end
// without being cancelled.
func (d *Dispatcher) Completions() <-chan Completion {
	return d.completions
}

// Submit queues an intent. It returns false when the intent was merged
// into an identical running or queued one, or the dispatcher is closed.
func (d *Dispatcher) Submit(in Intent) bool {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.Err() != nil {
		return false
	}

	q, ok := d.queues[in.DeviceID]
	if !ok {
		q = &deviceQueue{}
		d.queues[in.DeviceID] = q
	}

	if in.Manual {
		q.pending = slices.DeleteFunc(q.pending, func(p Intent) bool {
			if p.Manual {
				return false
			}
			log.Debug().
				Str("device", p.DeviceID).
				Str("action", string(p.Action)).
				Str("intent", p.ID.String()).
				Msg("manual request replaces queued intent")
			return true
		})
	}

	if q.running != nil && !q.running.canceled && q.running.intent.Action == in.Action {
		d.logMerge(in, q.running.intent)
		return false
	}
	for _, p := range q.pending {
		if p.Action == in.Action {
			d.logMerge(in, p)
			return false
		}
	}

	q.pending = append(q.pending, in)
	log.Debug().
		Str("device", in.DeviceID).
		Str("action", string(in.Action)).
		Str("intent", in.ID.String()).
		Bool("manual", in.Manual).
		Msg("intent queued")
	d.startNextLocked(in.DeviceID, q)
	return true
}

func (*Dispatcher) logMerge(in, into Intent) {
	log.Debug().
		Str("device", in.DeviceID).
		Str("action", string(in.Action)).
		Str("intent", in.ID.String()).
		Str("merged_into", into.ID.String()).
		Msg("intent merged")
}

// Drop discards queued intents for a device, leaving a running one alone.
// Returns how many were dropped.
func (d *Dispatcher) Drop(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[deviceID]
	if !ok {
		return 0
	}
	n := len(q.pending)
	q.pending = nil
	if q.running == nil {
		delete(d.queues, deviceID)
	}
	return n
}

// Cancel discards queued intents and cancels the running one. The running
// backend call may still complete but its result is thrown away.
func (d *Dispatcher) Cancel(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[deviceID]
	if !ok {
		return
	}
	q.pending = nil
	if q.running != nil {
		q.running.canceled = true
		q.running.cancel()
		log.Debug().
			Str("device", deviceID).
			Str("action", string(q.running.intent.Action)).
			Msg("cancelled running intent")
		return
	}
	delete(d.queues, deviceID)
}

// has reports whether an intent with this action is running or queued.
func (d *Dispatcher) has(deviceID string, action Action) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[deviceID]
	if !ok {
		return false
	}
	if q.running != nil && !q.running.canceled && q.running.intent.Action == action {
		return true
	}
	return slices.ContainsFunc(q.pending, func(p Intent) bool { return p.Action == action })
}

// Idle reports whether nothing is queued, running or waiting to be
// delivered.
func (d *Dispatcher) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues) == 0 && d.undelivered == 0
}

// Close cancels everything and waits for workers to exit.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) startNextLocked(deviceID string, q *deviceQueue) {
	if q.running != nil {
		return
	}
	if len(q.pending) == 0 || d.ctx.Err() != nil {
		delete(d.queues, deviceID)
		return
	}

	in := q.pending[0]
	q.pending = q.pending[1:]

	ctx, cancel := context.WithCancel(d.ctx)
	j := &job{ctx: ctx, cancel: cancel, intent: in}
	q.running = j

	d.wg.Add(1)
	go d.run(j)
}

func (d *Dispatcher) run(j *job) {
	defer d.wg.Done()

	start := d.opts.Clock.Now()
	c := d.execute(j)
	d.finish(j, &c, d.opts.Clock.Since(start))
}

func (d *Dispatcher) execute(j *job) Completion {
	in := j.intent
	c := Completion{Intent: in, Device: devices.Device{ID: in.DeviceID}}

	if err := d.sem.Acquire(j.ctx, 1); err != nil {
		c.Err = fmt.Errorf("waiting for worker slot: %w", err)
		return c
	}
	defer d.sem.Release(1)

	dev, ok := d.opts.Lookup(in.DeviceID)
	if !ok {
		c.Err = backend.NewError(backend.KindDeviceGone, string(in.Action), in.DeviceID, devices.ErrNotFound)
		return c
	}
	c.Device = dev

	log.Info().
		Str("device", dev.String()).
		Str("action", string(in.Action)).
		Str("intent", in.ID.String()).
		Msg("running intent")

	be := d.opts.Backend
	var err error
	switch in.Action {
	case ActionMount:
		c.MountPath, err = d.retry(j.ctx, in.Action, func() (string, error) {
			return be.Mount(j.ctx, dev, in.Options)
		})
	case ActionUnmount:
		_, err = d.retry(j.ctx, in.Action, func() (string, error) {
			return "", be.Unmount(j.ctx, dev)
		})
	case ActionUnlock:
		c.CleartextID, err = d.unlock(j.ctx, in, dev)
	case ActionLock:
		_, err = d.retry(j.ctx, in.Action, func() (string, error) {
			return "", be.Lock(j.ctx, dev)
		})
	case ActionEject:
		_, err = d.retry(j.ctx, in.Action, func() (string, error) {
			return "", be.Eject(j.ctx, dev)
		})
	case ActionDetach:
		_, err = d.retry(j.ctx, in.Action, func() (string, error) {
			return "", be.Detach(j.ctx, dev)
		})
	default:
		err = fmt.Errorf("unknown action: %q", in.Action)
	}
	c.Err = err
	return c
}

// unlock fetches the key once, then retries only the backend call.
func (d *Dispatcher) unlock(ctx context.Context, in Intent, dev devices.Device) (string, error) {
	if in.Key == nil {
		return "", backend.NewError(backend.KindWrongKey, string(ActionUnlock), dev.ID, ErrNoKeySource)
	}
	key, err := in.Key.Key(ctx, dev)
	if err != nil {
		return "", backend.NewError(backend.KindWrongKey, string(ActionUnlock), dev.ID, err)
	}
	defer clear(key)

	return d.retry(ctx, ActionUnlock, func() (string, error) {
		return d.opts.Backend.Unlock(ctx, dev, key)
	})
}

// retry repeats op while it fails with a busy error, backing off
// exponentially up to MaxAttempts tries. Any other error ends it.
func (d *Dispatcher) retry(ctx context.Context, action Action, op func() (string, error)) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialInterval
	b.MaxInterval = d.opts.MaxInterval

	res, err := backoff.Retry(ctx, func() (string, error) {
		res, err := op()
		if err != nil && backend.KindOf(err) != backend.KindBusy {
			return "", backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.opts.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.opts.Metrics.BusyRetry(string(action))
			log.Debug().Err(err).Str("action", string(action)).Dur("next", next).Msg("device busy, retrying")
		}),
	)
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", action, err)
	}
	return res, nil
}

func (d *Dispatcher) finish(j *job, c *Completion, took time.Duration) {
	in := j.intent

	d.mu.Lock()
	if q, ok := d.queues[in.DeviceID]; ok && q.running == j {
		q.running = nil
		d.startNextLocked(in.DeviceID, q)
	}
	canceled := j.canceled || d.ctx.Err() != nil
	if !canceled {
		d.undelivered++
	}
	d.mu.Unlock()
	j.cancel()

	action := string(in.Action)
	if canceled {
		log.Debug().
			Str("device", in.DeviceID).
			Str("action", action).
			Str("intent", in.ID.String()).
			AnErr("result", c.Err).
			Msg("discarding result of cancelled intent")
		d.opts.Metrics.IntentFinished(action, metrics.ResultCanceled, took)
		return
	}

	dev := c.Device
	if c.Err != nil {
		log.Error().Err(c.Err).
			Str("device", dev.String()).
			Str("action", action).
			Str("intent", in.ID.String()).
			Msg("intent failed")
		d.opts.Metrics.IntentFinished(action, metrics.ResultFailed, took)
		d.opts.Events.JobFailed(&dev, action, c.Err)
	} else {
		log.Info().
			Str("device", dev.String()).
			Str("action", action).
			Str("intent", in.ID.String()).
			Dur("took", took).
			Msg("intent done")
		d.opts.Metrics.IntentFinished(action, metrics.ResultSuccess, took)
		d.emitSuccess(c)
	}

	select {
	case d.completions <- *c:
	case <-d.ctx.Done():
	}

	d.mu.Lock()
	d.undelivered--
	d.mu.Unlock()
}

func (d *Dispatcher) emitSuccess(c *Completion) {
	dev := &c.Device
	switch c.Intent.Action {
	case ActionMount:
		d.opts.Events.DeviceMounted(dev, c.MountPath)
	case ActionUnmount:
		d.opts.Events.DeviceUnmounted(dev)
	case ActionUnlock:
		d.opts.Events.DeviceUnlocked(dev, c.CleartextID)
	case ActionLock:
		d.opts.Events.DeviceLocked(dev)
	case ActionEject, ActionDetach:
	}
}
