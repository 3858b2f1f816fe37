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

// Package busutil holds the D-Bus plumbing shared by the UDisks backends:
// typed property access, service discovery and error classification.
package busutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/backend"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	PropertiesInterface = "org.freedesktop.DBus.Properties"
	PropertiesChanged   = PropertiesInterface + ".PropertiesChanged"

	dbusService   = "org.freedesktop.DBus"
	dbusPath      = "/org/freedesktop/DBus"
	availableWait = 3 * time.Second
)

// Props is one interface's property map as delivered by D-Bus.
type Props = map[string]dbus.Variant

func String(props Props, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func Bool(props Props, key string) bool {
	if v, ok := props[key]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}

// ByteString decodes a NUL terminated byte array property such as
// Block.Device.
func ByteString(props Props, key string) string {
	if v, ok := props[key]; ok {
		if b, ok := v.Value().([]byte); ok && len(b) > 0 {
			return strings.TrimRight(string(b), "\x00")
		}
	}
	return ""
}

// ByteStrings decodes an array of NUL terminated byte arrays such as
// Filesystem.MountPoints.
func ByteStrings(props Props, key string) []string {
	v, ok := props[key]
	if !ok {
		return nil
	}
	raw, ok := v.Value().([][]byte)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, b := range raw {
		if s := strings.TrimRight(string(b), "\x00"); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func Strings(props Props, key string) []string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().([]string); ok {
			return slices.Clone(s)
		}
	}
	return nil
}

// ObjectPath returns an object path property, mapping the null path "/"
// to an empty string.
func ObjectPath(props Props, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	var p string
	switch val := v.Value().(type) {
	case dbus.ObjectPath:
		p = string(val)
	case string:
		p = val
	}
	if p == "/" {
		return ""
	}
	return p
}

// Merge copies changed properties into props and drops invalidated ones.
func Merge(props, changed Props, invalidated []string) Props {
	if props == nil {
		props = make(Props, len(changed))
	}
	for k, v := range changed {
		props[k] = v
	}
	for _, k := range invalidated {
		delete(props, k)
	}
	return props
}

// ServiceAvailable reports whether a bus name is currently owned or can be
// started on demand.
func ServiceAvailable(ctx context.Context, conn *dbus.Conn, name string) bool {
	ctx, cancel := context.WithTimeout(ctx, availableWait)
	defer cancel()

	obj := conn.Object(dbusService, dbusPath)
	for _, method := range []string{"ListNames", "ListActivatableNames"} {
		var names []string
		err := obj.CallWithContext(ctx, dbusService+"."+method, 0).Store(&names)
		if err != nil {
			log.Debug().Err(err).Str("method", method).Msg("failed to list bus names")
			continue
		}
		if slices.Contains(names, name) {
			return true
		}
	}
	return false
}

// ConnectSystemBus opens a private system bus connection and checks that
// the named service is reachable on it.
func ConnectSystemBus(ctx context.Context, service string) (*dbus.Conn, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to system D-Bus: %w", backend.ErrUnavailable, err)
	}
	if !ServiceAvailable(ctx, conn, service) {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s is not on the system bus", backend.ErrUnavailable, service)
	}
	return conn, nil
}

// Classifier maps D-Bus error names to backend error kinds for one API
// generation.
type Classifier struct {
	// Busy lists error names meaning the device is in use.
	Busy []string
	// Gone lists error names meaning the object no longer exists.
	Gone []string
}

var (
	wrongKeyHints = []string{
		"passphrase",
		"no key available",
		"operation not permitted",
		"incorrect",
		"wrong key",
	}
	goneNames = []string{
		"org.freedesktop.DBus.Error.UnknownObject",
		"org.freedesktop.DBus.Error.UnknownMethod",
		"org.freedesktop.DBus.Error.UnknownInterface",
	}
)

// Wrap classifies err and wraps it in a *backend.Error. Returns nil for a
// nil err.
func (c *Classifier) Wrap(err error, op, deviceID string) error {
	if err == nil {
		return nil
	}
	name, msg := errorName(err)

	kind := backend.KindOther
	switch {
	case slices.Contains(c.Busy, name), strings.Contains(strings.ToLower(msg), "target is busy"):
		kind = backend.KindBusy
	case slices.Contains(c.Gone, name), slices.Contains(goneNames, name):
		kind = backend.KindDeviceGone
	case op == "unlock" && containsAny(strings.ToLower(msg), wrongKeyHints):
		kind = backend.KindWrongKey
	}
	return backend.NewError(kind, op, deviceID, err)
}

func errorName(err error) (name, msg string) {
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name, e.Error()
	}
	var pe *dbus.Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Name, pe.Error()
	}
	return "", err.Error()
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
