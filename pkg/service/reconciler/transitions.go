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
	"github.com/ZaparooProject/zaparoo-automount/pkg/backend"
	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/ZaparooProject/zaparoo-automount/pkg/policy"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/dispatcher"
	"github.com/rs/zerolog/log"
)

func (r *Reconciler) handleSignal(s *backend.Signal) {
	id := s.DeviceID()
	log.Debug().Str("device", id).Str("signal", s.Kind.String()).Msg("backend signal")

	switch s.Kind {
	case backend.SignalAdded, backend.SignalChanged:
		dev := s.Device
		if prev, ok := r.store.Get(id); ok {
			if s.Kind == backend.SignalAdded {
				log.Debug().Str("device", id).Msg("duplicate added signal, treating as change")
			}
			r.changed(&prev, &dev)
			return
		}
		r.added(&dev)
	case backend.SignalRemoved:
		r.removed(id)
	}
}

// announce reports whether a device is worth a user-visible event.
func (*Reconciler) announce(d *devices.Device, v *policy.Verdict) bool {
	return v.Kind != policy.Ignore && !d.HintIgnore && !d.IsSystemInternal
}

func (r *Reconciler) added(d *devices.Device) {
	r.store.Put(*d)
	delete(r.automounted, d.ID)

	v := policy.Evaluate(d, r.settings.Rules)
	log.Info().
		Str("device", d.String()).
		Str("fstype", d.FSType).
		Str("verdict", v.Kind.String()).
		Msg("device added")

	if r.announce(d, &v) {
		r.announced[d.ID] = true
		r.opts.Events.DeviceAdded(d)
	}
	r.maybeAutomount(d, &v)
}

func (r *Reconciler) changed(prev, d *devices.Device) {
	r.store.Put(*d)

	if prev.IsMounted() && !d.IsMounted() {
		if r.ownUnmounts[d.ID] {
			delete(r.ownUnmounts, d.ID)
		} else if n := r.opts.Dispatcher.Drop(d.ID); n > 0 {
			log.Info().Str("device", d.String()).Int("dropped", n).Msg("unmounted externally, dropped queued intents")
		} else {
			log.Info().Str("device", d.String()).Msg("unmounted externally")
		}
	}
	if !prev.IsMounted() && d.IsMounted() {
		log.Debug().Str("device", d.String()).Str("path", d.MountPath()).Msg("now mounted")
	}

	if prev.IsUnlocked() && !d.IsUnlocked() {
		r.locked(d.ID)
	}
	if !prev.IsUnlocked() && d.IsUnlocked() {
		if child, ok := r.store.Get(d.CleartextChild); ok {
			r.evaluate(&child)
		}
	}

	if prev.HasMedia != d.HasMedia {
		r.mediaChanged(d)
	}

	// media swapped or a filesystem appeared: start a fresh automount
	if (prev.HasMedia && !d.HasMedia) || (prev.IsFilesystem() && !d.IsFilesystem()) {
		delete(r.automounted, d.ID)
	}
	if (!prev.HasMedia && d.HasMedia) || (!prev.IsFilesystem() && d.IsFilesystem()) {
		r.evaluate(d)
	}
}

func (r *Reconciler) mediaChanged(d *devices.Device) {
	v := policy.Evaluate(d, r.settings.Rules)
	log.Info().Str("device", d.String()).Bool("media", d.HasMedia).Msg("media changed")
	if !r.announce(d, &v) {
		return
	}
	if d.HasMedia {
		r.opts.Events.MediaAdded(d)
	} else {
		r.opts.Events.MediaRemoved(d)
	}
}

func (r *Reconciler) removed(id string) {
	r.opts.Dispatcher.Cancel(id)
	gone := r.store.Remove(id)
	if gone == nil {
		return
	}
	for i := range gone {
		r.forget(&gone[i])
	}
}

// locked purges the cleartext mapping of a crypto device that is no
// longer unlocked.
func (r *Reconciler) locked(parentID string) {
	delete(r.unlockedByUs, parentID)
	for _, child := range r.store.PurgeCleartext(parentID) {
		r.forget(&child)
	}
}

// forget ends a device's lifecycle after it left the store.
func (r *Reconciler) forget(d *devices.Device) {
	if d.ID != "" {
		r.opts.Dispatcher.Cancel(d.ID)
	}
	log.Info().Str("device", d.String()).Msg("device removed")
	if r.announced[d.ID] {
		r.opts.Events.DeviceRemoved(d)
	}
	delete(r.announced, d.ID)
	delete(r.automounted, d.ID)
	delete(r.unlockedByUs, d.ID)
	delete(r.ownUnmounts, d.ID)
	delete(r.followups, d.ID)
}

func (r *Reconciler) evaluate(d *devices.Device) {
	v := policy.Evaluate(d, r.settings.Rules)
	r.maybeAutomount(d, &v)
}

// maybeAutomount queues a mount for d when it is eligible and triggered.
// The trigger is the automount setting, or d being the cleartext device of
// a crypto device this daemon unlocked recursively.
func (r *Reconciler) maybeAutomount(d *devices.Device, v *policy.Verdict) {
	manual, recursive := r.unlockedByUs[d.CleartextOf]
	recursive = recursive && d.IsCleartext()
	if !r.settings.Automount && !recursive {
		return
	}
	if !d.IsFilesystem() || d.IsCrypto || d.IsMounted() || r.automounted[d.ID] {
		return
	}
	if !manual && (v.Kind == policy.Ignore || d.IsSystemInternal || d.HintIgnore) {
		log.Debug().Str("device", d.String()).Str("rule", v.Rule).Msg("not automounting")
		return
	}

	in := dispatcher.NewIntent(d.ID, dispatcher.ActionMount)
	in.Options = v.Options
	in.Manual = manual
	r.automounted[d.ID] = true
	r.opts.Dispatcher.Submit(in)
}

func (r *Reconciler) handleCompletion(c *dispatcher.Completion) {
	in := &c.Intent
	dev, ok := r.store.Get(in.DeviceID)
	if !ok {
		log.Debug().Str("device", in.DeviceID).Str("action", string(in.Action)).Msg("completion for unknown device")
		return
	}

	if !c.OK() {
		if in.Action == dispatcher.ActionUnmount {
			delete(r.ownUnmounts, dev.ID)
		}
		delete(r.followups, dev.ID)
		return
	}

	switch in.Action {
	case dispatcher.ActionUnlock:
		r.unlocked(&dev, c.CleartextID, in)
	case dispatcher.ActionLock:
		if dev.IsUnlocked() {
			dev.CleartextChild = ""
			r.store.Put(dev)
			r.locked(dev.ID)
		}
	case dispatcher.ActionMount, dispatcher.ActionUnmount, dispatcher.ActionEject, dispatcher.ActionDetach:
	}
	r.runFollowups(&dev, in.Action)
}

// unlocked marks the parent unlocked and, when recursive, lets the
// cleartext device through the automount decision. If the cleartext device
// is not known yet, its own added signal does that.
func (r *Reconciler) unlocked(parent *devices.Device, cleartextID string, in *dispatcher.Intent) {
	if cleartextID != "" && parent.CleartextChild != cleartextID {
		parent.CleartextChild = cleartextID
		r.store.Put(*parent)
	}
	if !in.Recursive && !r.settings.Recursive {
		return
	}
	r.unlockedByUs[parent.ID] = in.Manual
	if child, ok := r.store.Get(parent.CleartextChild); ok {
		r.evaluate(&child)
	}
}

func (r *Reconciler) runFollowups(d *devices.Device, done dispatcher.Action) {
	f, ok := r.followups[d.ID]
	if !ok {
		return
	}
	delete(r.followups, d.ID)

	switch {
	case done == dispatcher.ActionUnmount && f.lock && d.IsCleartext():
		r.followups[d.CleartextOf] = followup{eject: f.eject, detach: f.detach}
		r.submitManual(d.CleartextOf, dispatcher.ActionLock)
	case f.detach:
		r.submitManual(d.ID, dispatcher.ActionDetach)
	case f.eject:
		r.submitManual(d.ID, dispatcher.ActionEject)
	}
}

func (r *Reconciler) submitManual(id string, action dispatcher.Action) {
	in := dispatcher.NewIntent(id, action)
	in.Manual = true
	if action == dispatcher.ActionUnmount {
		r.ownUnmounts[id] = true
	}
	r.opts.Dispatcher.Submit(in)
}
