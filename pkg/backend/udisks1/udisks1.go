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

// Package udisks1 implements backend.Backend on top of the legacy
// org.freedesktop.UDisks D-Bus service.
package udisks1

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/ZaparooProject/zaparoo-automount/pkg/backend"
	"github.com/ZaparooProject/zaparoo-automount/pkg/backend/busutil"
	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/ZaparooProject/zaparoo-automount/pkg/helpers/syncutil"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	Service     = "org.freedesktop.UDisks"
	rootPath    = "/org/freedesktop/UDisks"
	deviceIface = Service + ".Device"

	deviceAdded   = Service + ".DeviceAdded"
	deviceRemoved = Service + ".DeviceRemoved"
	deviceChanged = Service + ".DeviceChanged"

	// maxDriveDepth bounds the partition/cleartext slave chain walk.
	maxDriveDepth = 8
)

var classifier = busutil.Classifier{
	Busy: []string{Service + ".Error.Busy"},
	Gone: []string{Service + ".Error.NotFound"},
}

// fetchFunc loads all device properties for one object path.
type fetchFunc func(ctx context.Context, path dbus.ObjectPath) (busutil.Props, error)

// Backend talks to UDisks1. UDisks1 signals carry only an object path, so
// every added or changed device has its properties fetched and cached.
type Backend struct {
	conn     *dbus.Conn
	fetch    fetchFunc
	props    map[dbus.ObjectPath]busutil.Props
	stop     chan struct{}
	wg       sync.WaitGroup
	mu       syncutil.RWMutex
	stopOnce sync.Once
}

// New connects to the system bus. It returns an error wrapping
// backend.ErrUnavailable when UDisks1 is not reachable.
func New(ctx context.Context) (*Backend, error) {
	conn, err := busutil.ConnectSystemBus(ctx, Service)
	if err != nil {
		return nil, err
	}
	log.Debug().Msg("connected to UDisks1")
	b := newBackend(conn, nil)
	b.fetch = b.getAll
	return b, nil
}

func newBackend(conn *dbus.Conn, fetch fetchFunc) *Backend {
	return &Backend{
		conn:  conn,
		fetch: fetch,
		props: make(map[dbus.ObjectPath]busutil.Props),
		stop:  make(chan struct{}),
	}
}

func (*Backend) Name() string {
	return "udisks1"
}

func (b *Backend) getAll(ctx context.Context, path dbus.ObjectPath) (busutil.Props, error) {
	var props map[string]dbus.Variant
	err := b.conn.Object(Service, path).
		CallWithContext(ctx, busutil.PropertiesInterface+".GetAll", 0, deviceIface).
		Store(&props)
	if err != nil {
		return nil, fmt.Errorf("failed to get properties of %s: %w", path, err)
	}
	return props, nil
}

func (b *Backend) Enumerate(ctx context.Context) ([]devices.Device, error) {
	var paths []dbus.ObjectPath
	err := b.conn.Object(Service, rootPath).
		CallWithContext(ctx, Service+".EnumerateDevices", 0).
		Store(&paths)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	return b.load(ctx, paths)
}

// load replaces the property cache with freshly fetched properties for
// paths. Devices that vanish between listing and fetching are skipped.
func (b *Backend) load(ctx context.Context, paths []dbus.ObjectPath) ([]devices.Device, error) {
	fresh := make(map[dbus.ObjectPath]busutil.Props, len(paths))
	for _, path := range paths {
		props, err := b.fetch(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("enumeration interrupted: %w", ctx.Err())
			}
			log.Warn().Err(err).Str("path", string(path)).Msg("skipping device")
			continue
		}
		fresh[path] = props
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.props = fresh
	return b.devicesLocked(), nil
}

func (b *Backend) Subscribe(ctx context.Context) (<-chan backend.Signal, error) {
	for _, member := range []string{"DeviceAdded", "DeviceRemoved", "DeviceChanged"} {
		err := b.conn.AddMatchSignalContext(ctx,
			dbus.WithMatchObjectPath(rootPath),
			dbus.WithMatchInterface(Service),
			dbus.WithMatchMember(member),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to add signal match: %w", err)
		}
	}

	raw := make(chan *dbus.Signal, backend.SignalBuffer)
	b.conn.Signal(raw)

	out := make(chan backend.Signal, backend.SignalBuffer)
	b.wg.Add(1)
	go b.listen(ctx, raw, out)
	return out, nil
}

func (b *Backend) listen(ctx context.Context, raw chan *dbus.Signal, out chan<- backend.Signal) {
	defer b.wg.Done()
	defer close(out)
	defer b.conn.RemoveSignal(raw)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case sig, ok := <-raw:
			if !ok || sig == nil {
				return
			}
			for _, s := range b.handleSignal(ctx, sig) {
				select {
				case out <- s:
				case <-ctx.Done():
					return
				case <-b.stop:
					return
				}
			}
		}
	}
}

func (b *Backend) handleSignal(ctx context.Context, sig *dbus.Signal) []backend.Signal {
	if len(sig.Body) < 1 {
		return nil
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return nil
	}

	switch sig.Name {
	case deviceAdded, deviceChanged:
		props, err := b.fetch(ctx, path)
		if err != nil {
			// usually a device removed right after being announced
			log.Debug().Err(err).Str("path", string(path)).Msg("failed to refresh device")
			return nil
		}
		return b.deviceUpdated(path, props)
	case deviceRemoved:
		return b.deviceRemoved(path)
	default:
		return nil
	}
}

func (b *Backend) deviceUpdated(path dbus.ObjectPath, props busutil.Props) []backend.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, existed := b.props[path]
	b.props[path] = props

	kind := backend.SignalAdded
	if existed {
		kind = backend.SignalChanged
	}
	sigs := []backend.Signal{{Kind: kind, Device: b.deviceLocked(path)}}

	// drive attributes are copied into every device on the drive
	if existed && busutil.Bool(props, "DeviceIsDrive") {
		for _, d := range b.devicesLocked() {
			if d.ID != string(path) && d.DriveID == string(path) {
				sigs = append(sigs, backend.Signal{Kind: backend.SignalChanged, Device: d})
			}
		}
	}
	return sigs
}

func (b *Backend) deviceRemoved(path dbus.ObjectPath) []backend.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.props[path]; !ok {
		return nil
	}
	delete(b.props, path)
	return []backend.Signal{{Kind: backend.SignalRemoved, Device: devices.Device{ID: string(path)}}}
}

func (b *Backend) devicesLocked() []devices.Device {
	paths := make([]dbus.ObjectPath, 0, len(b.props))
	for path := range b.props {
		paths = append(paths, path)
	}
	slices.Sort(paths)

	devs := make([]devices.Device, 0, len(paths))
	for _, path := range paths {
		devs = append(devs, b.deviceLocked(path))
	}
	return devs
}

func (b *Backend) deviceLocked(path dbus.ObjectPath) devices.Device {
	return deviceFromProps(path, b.props)
}

func deviceFromProps(path dbus.ObjectPath, all map[dbus.ObjectPath]busutil.Props) devices.Device {
	p := all[path]

	d := devices.Device{
		ID:               string(path),
		Usage:            busutil.String(p, "IdUsage"),
		FSType:           busutil.String(p, "IdType"),
		UUID:             busutil.String(p, "IdUuid"),
		Label:            busutil.String(p, "IdLabel"),
		IsDrive:          busutil.Bool(p, "DeviceIsDrive"),
		IsPartition:      busutil.Bool(p, "DeviceIsPartition"),
		IsSystemInternal: busutil.Bool(p, "DeviceIsSystemInternal"),
		HintIgnore:       busutil.Bool(p, "DevicePresentationHide"),
	}
	if file := busutil.String(p, "DeviceFile"); file != "" {
		d.DeviceFile = filepath.Clean(file)
	}
	d.IsCrypto = busutil.Bool(p, "DeviceIsLuks") || d.Usage == devices.UsageCrypto
	if d.IsPartition {
		d.PartitionOf = busutil.ObjectPath(p, "PartitionSlave")
	}
	if busutil.Bool(p, "DeviceIsLuksCleartext") {
		d.CleartextOf = busutil.ObjectPath(p, "LuksCleartextSlave")
	}
	if d.IsCrypto {
		d.CleartextChild = busutil.ObjectPath(p, "LuksHolder")
	}
	if busutil.Bool(p, "DeviceIsMounted") {
		for _, mp := range busutil.Strings(p, "DeviceMountPaths") {
			d.MountPaths = append(d.MountPaths, filepath.Clean(mp))
		}
	}

	drive := resolveDrive(path, all)
	if drive != "" {
		d.DriveID = string(drive)
		dp := all[drive]
		d.IsRemovable = busutil.Bool(dp, "DeviceIsRemovable")
		d.HasMedia = busutil.Bool(dp, "DeviceIsMediaAvailable")
		d.Ejectable = busutil.Bool(dp, "DriveIsMediaEjectable")
		d.Detachable = busutil.Bool(dp, "DriveCanDetach")
	}
	return d
}

// resolveDrive follows partition and cleartext slaves up to the device
// that is the drive. Returns "" when the chain leaves the cache or does not
// end in a drive.
func resolveDrive(path dbus.ObjectPath, all map[dbus.ObjectPath]busutil.Props) dbus.ObjectPath {
	for range maxDriveDepth {
		p, ok := all[path]
		if !ok {
			return ""
		}
		var next string
		switch {
		case busutil.Bool(p, "DeviceIsPartition"):
			next = busutil.ObjectPath(p, "PartitionSlave")
		case busutil.Bool(p, "DeviceIsLuksCleartext"):
			next = busutil.ObjectPath(p, "LuksCleartextSlave")
		case busutil.Bool(p, "DeviceIsDrive"):
			return path
		default:
			return ""
		}
		if next == "" {
			return ""
		}
		path = dbus.ObjectPath(next)
	}
	return ""
}

func (b *Backend) call(ctx context.Context, path, method string, args ...any) *dbus.Call {
	return b.conn.Object(Service, dbus.ObjectPath(path)).
		CallWithContext(ctx, deviceIface+"."+method, 0, args...)
}

func (b *Backend) Mount(ctx context.Context, dev devices.Device, options []string) (string, error) {
	if options == nil {
		options = []string{}
	}
	var mountPath string
	err := b.call(ctx, dev.ID, "FilesystemMount", dev.FSType, options).Store(&mountPath)
	if err != nil {
		return "", classifier.Wrap(err, "mount", dev.ID)
	}
	return mountPath, nil
}

func (b *Backend) Unmount(ctx context.Context, dev devices.Device) error {
	return classifier.Wrap(b.call(ctx, dev.ID, "FilesystemUnmount", []string{}).Err, "unmount", dev.ID)
}

func (b *Backend) Unlock(ctx context.Context, dev devices.Device, key []byte) (string, error) {
	var cleartext dbus.ObjectPath
	err := b.call(ctx, dev.ID, "LuksUnlock", string(key), []string{}).Store(&cleartext)
	if err != nil {
		return "", classifier.Wrap(err, "unlock", dev.ID)
	}
	return string(cleartext), nil
}

func (b *Backend) Lock(ctx context.Context, dev devices.Device) error {
	return classifier.Wrap(b.call(ctx, dev.ID, "LuksLock", []string{}).Err, "lock", dev.ID)
}

func (b *Backend) Eject(ctx context.Context, dev devices.Device) error {
	return b.driveCall(ctx, dev, "eject", "DriveEject")
}

func (b *Backend) Detach(ctx context.Context, dev devices.Device) error {
	return b.driveCall(ctx, dev, "detach", "DriveDetach")
}

func (b *Backend) driveCall(ctx context.Context, dev devices.Device, op, method string) error {
	if dev.DriveID == "" {
		return backend.NewError(backend.KindOther, op, dev.ID, fmt.Errorf("%s has no drive", dev.String()))
	}
	return classifier.Wrap(b.call(ctx, dev.DriveID, method, []string{}).Err, op, dev.ID)
}

func (b *Backend) Close() error {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	b.wg.Wait()
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close bus connection: %w", err)
	}
	return nil
}
