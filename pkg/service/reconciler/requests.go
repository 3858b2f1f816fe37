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
	"errors"
	"fmt"

	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/ZaparooProject/zaparoo-automount/pkg/policy"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/dispatcher"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotMountable  = errors.New("device has no mountable filesystem")
	ErrNotCrypto     = errors.New("device is not encrypted")
	ErrUnsupported   = errors.New("action not supported for all devices")
	ErrNotResolvable = errors.New("device not known yet")
)

// ManualRequest is a user action. It names a device by id or by path (a
// device file or mount point), or targets every handleable device with All.
// Manual requests bypass ignore rules.
type ManualRequest struct {
	DeviceID string
	Path     string
	Action   dispatcher.Action
	// Options replace the mount options from the rules when set.
	Options []string
	All     bool
	// Recursive mounts the cleartext device after an unlock.
	Recursive bool
	// Lock locks the crypto device after unmounting its cleartext device.
	Lock   bool
	Eject  bool
	Detach bool
}

func (r *Reconciler) handleRequest(req *ManualRequest) error {
	log.Info().
		Str("action", string(req.Action)).
		Str("device", req.DeviceID).
		Str("path", req.Path).
		Bool("all", req.All).
		Msg("manual request")

	if req.All {
		targets, err := r.allTargets(req.Action)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			log.Info().Str("action", string(req.Action)).Msg("no devices to act on")
		}
		for i := range targets {
			if err := r.requestOne(&targets[i], req); err != nil {
				log.Warn().Err(err).Str("device", targets[i].String()).Msg("skipping device")
			}
		}
		return nil
	}

	d, err := r.resolve(req)
	if err != nil {
		return err
	}
	return r.requestOne(&d, req)
}

func (r *Reconciler) resolve(req *ManualRequest) (devices.Device, error) {
	if req.DeviceID != "" {
		d, ok := r.store.Get(req.DeviceID)
		if !ok {
			return devices.Device{}, fmt.Errorf("%s: %w", req.DeviceID, devices.ErrNotFound)
		}
		return d, nil
	}
	d, err := r.store.Find(req.Path)
	if err != nil {
		return devices.Device{}, fmt.Errorf("%s: %w", req.Path, err)
	}
	return d, nil
}

// handleable is the filter used for All requests: devices the user could
// reasonably mean, never system or ignored ones.
func (r *Reconciler) handleable(d *devices.Device) bool {
	if d.IsSystemInternal || d.HintIgnore {
		return false
	}
	v := policy.Evaluate(d, r.settings.Rules)
	return v.Kind != policy.Ignore
}

func (r *Reconciler) allTargets(action dispatcher.Action) ([]devices.Device, error) {
	var match func(d *devices.Device) bool
	switch action {
	case dispatcher.ActionMount:
		match = func(d *devices.Device) bool {
			if d.IsCrypto {
				return !d.IsUnlocked()
			}
			return d.IsFilesystem() && !d.IsMounted()
		}
	case dispatcher.ActionUnmount:
		match = func(d *devices.Device) bool {
			return d.IsMounted()
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, action)
	}

	var out []devices.Device
	for _, d := range r.store.Snapshot() {
		if r.handleable(&d) && match(&d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *Reconciler) requestOne(d *devices.Device, req *ManualRequest) error {
	switch req.Action {
	case dispatcher.ActionMount:
		return r.requestMount(d, req)
	case dispatcher.ActionUnlock:
		if !d.IsCrypto {
			return fmt.Errorf("%s: %w", d.String(), ErrNotCrypto)
		}
		if d.IsUnlocked() {
			log.Info().Str("device", d.String()).Msg("already unlocked")
			return nil
		}
		r.requestUnlock(d, req.Recursive)
		return nil
	case dispatcher.ActionUnmount:
		return r.requestUnmount(d, req)
	case dispatcher.ActionLock:
		if !d.IsCrypto {
			return fmt.Errorf("%s: %w", d.String(), ErrNotCrypto)
		}
		return r.requestUnmount(d, &ManualRequest{Action: dispatcher.ActionUnmount, Lock: true})
	case dispatcher.ActionEject, dispatcher.ActionDetach:
		r.submitManual(d.ID, req.Action)
		return nil
	default:
		return fmt.Errorf("unknown action: %q", req.Action)
	}
}

func (r *Reconciler) requestMount(d *devices.Device, req *ManualRequest) error {
	if d.IsCrypto {
		if !d.IsUnlocked() {
			r.requestUnlock(d, req.Recursive || r.settings.Recursive)
			return nil
		}
		child, ok := r.store.Get(d.CleartextChild)
		if !ok {
			return fmt.Errorf("cleartext device of %s: %w", d.String(), ErrNotResolvable)
		}
		return r.requestMount(&child, req)
	}
	if d.IsMounted() {
		log.Info().Str("device", d.String()).Str("path", d.MountPath()).Msg("already mounted")
		return nil
	}
	if !d.IsFilesystem() {
		return fmt.Errorf("%s: %w", d.String(), ErrNotMountable)
	}

	in := dispatcher.NewIntent(d.ID, dispatcher.ActionMount)
	in.Manual = true
	if v := policy.Evaluate(d, r.settings.Rules); v.Kind == policy.Mount {
		in.Options = v.Options
	}
	if len(req.Options) > 0 {
		in.Options = req.Options
	}
	r.automounted[d.ID] = true
	r.opts.Dispatcher.Submit(in)
	return nil
}

func (r *Reconciler) requestUnlock(d *devices.Device, recursive bool) {
	in := dispatcher.NewIntent(d.ID, dispatcher.ActionUnlock)
	in.Manual = true
	in.Recursive = recursive
	in.Key = r.opts.Keys
	r.opts.Dispatcher.Submit(in)
}

// requestUnmount unmounts d, or the cleartext device of an unlocked
// crypto d, then runs the lock, eject and detach followups asked for.
func (r *Reconciler) requestUnmount(d *devices.Device, req *ManualRequest) error {
	target := *d
	if d.IsCrypto {
		if !d.IsUnlocked() {
			return r.afterUnmount(d, req)
		}
		child, ok := r.store.Get(d.CleartextChild)
		if !ok || !child.IsMounted() {
			if req.Lock {
				r.followups[d.ID] = followup{eject: req.Eject, detach: req.Detach}
				r.submitManual(d.ID, dispatcher.ActionLock)
				return nil
			}
			return r.afterUnmount(d, req)
		}
		target = child
	}

	if !target.IsMounted() {
		if target.IsCleartext() && req.Lock {
			r.followups[target.CleartextOf] = followup{eject: req.Eject, detach: req.Detach}
			r.submitManual(target.CleartextOf, dispatcher.ActionLock)
			return nil
		}
		return r.afterUnmount(&target, req)
	}

	r.followups[target.ID] = followup{lock: req.Lock, eject: req.Eject, detach: req.Detach}
	r.submitManual(target.ID, dispatcher.ActionUnmount)
	return nil
}

// afterUnmount handles a device with nothing left to unmount.
func (r *Reconciler) afterUnmount(d *devices.Device, req *ManualRequest) error {
	switch {
	case req.Detach:
		r.submitManual(d.ID, dispatcher.ActionDetach)
	case req.Eject:
		r.submitManual(d.ID, dispatcher.ActionEject)
	default:
		log.Info().Str("device", d.String()).Msg("not mounted")
	}
	return nil
}
