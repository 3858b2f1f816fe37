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

// Package udisks2 implements backend.Backend on top of the
// org.freedesktop.UDisks2 D-Bus service.
package udisks2

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ZaparooProject/zaparoo-automount/pkg/backend"
	"github.com/ZaparooProject/zaparoo-automount/pkg/backend/busutil"
	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/ZaparooProject/zaparoo-automount/pkg/helpers/syncutil"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	Service  = "org.freedesktop.UDisks2"
	rootPath = "/org/freedesktop/UDisks2"

	blockIface          = Service + ".Block"
	partitionIface      = Service + ".Partition"
	partitionTableIface = Service + ".PartitionTable"
	filesystemIface     = Service + ".Filesystem"
	encryptedIface      = Service + ".Encrypted"
	driveIface          = Service + ".Drive"

	objectManager     = "org.freedesktop.DBus.ObjectManager"
	interfacesAdded   = objectManager + ".InterfacesAdded"
	interfacesRemoved = objectManager + ".InterfacesRemoved"
)

// object is one exported D-Bus object: interface name to properties.
type object = map[string]busutil.Props

var classifier = busutil.Classifier{
	Busy: []string{Service + ".Error.DeviceBusy"},
	Gone: []string{Service + ".Error.NotFound"},
}

// Backend talks to UDisks2. It keeps a cache of every managed object,
// updated from ObjectManager and PropertiesChanged signals, so device
// records can be rebuilt without extra round trips.
type Backend struct {
	conn     *dbus.Conn
	objects  map[dbus.ObjectPath]object
	stop     chan struct{}
	wg       sync.WaitGroup
	mu       syncutil.RWMutex
	stopOnce sync.Once
}

// New connects to the system bus. It returns an error wrapping
// backend.ErrUnavailable when UDisks2 is not reachable.
func New(ctx context.Context) (*Backend, error) {
	conn, err := busutil.ConnectSystemBus(ctx, Service)
	if err != nil {
		return nil, err
	}
	log.Debug().Msg("connected to UDisks2")
	return newBackend(conn), nil
}

func newBackend(conn *dbus.Conn) *Backend {
	return &Backend{
		conn:    conn,
		objects: make(map[dbus.ObjectPath]object),
		stop:    make(chan struct{}),
	}
}

func (*Backend) Name() string {
	return "udisks2"
}

func (b *Backend) Enumerate(ctx context.Context) ([]devices.Device, error) {
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := b.conn.Object(Service, rootPath).
		CallWithContext(ctx, objectManager+".GetManagedObjects", 0).
		Store(&managed)
	if err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %w", err)
	}

	b.mu.Lock()
	b.objects = make(map[dbus.ObjectPath]object, len(managed))
	for path, ifaces := range managed {
		b.objects[path] = ifaces
	}
	devs := b.devicesLocked()
	b.mu.Unlock()

	return devs, nil
}

func (b *Backend) Subscribe(ctx context.Context) (<-chan backend.Signal, error) {
	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchObjectPath(rootPath),
			dbus.WithMatchInterface(objectManager),
			dbus.WithMatchMember("InterfacesAdded"),
		},
		{
			dbus.WithMatchObjectPath(rootPath),
			dbus.WithMatchInterface(objectManager),
			dbus.WithMatchMember("InterfacesRemoved"),
		},
		{
			dbus.WithMatchPathNamespace(rootPath),
			dbus.WithMatchInterface(busutil.PropertiesInterface),
			dbus.WithMatchMember("PropertiesChanged"),
		},
	}
	for _, m := range matches {
		if err := b.conn.AddMatchSignalContext(ctx, m...); err != nil {
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
			for _, s := range b.handleSignal(sig) {
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

func (b *Backend) handleSignal(sig *dbus.Signal) []backend.Signal {
	switch sig.Name {
	case interfacesAdded:
		if len(sig.Body) < 2 {
			return nil
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return nil
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return nil
		}
		return b.interfacesAdded(path, ifaces)
	case interfacesRemoved:
		if len(sig.Body) < 2 {
			return nil
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return nil
		}
		ifaces, ok := sig.Body[1].([]string)
		if !ok {
			return nil
		}
		return b.interfacesRemoved(path, ifaces)
	case busutil.PropertiesChanged:
		if len(sig.Body) < 3 {
			return nil
		}
		iface, ok := sig.Body[0].(string)
		if !ok {
			return nil
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return nil
		}
		invalidated, _ := sig.Body[2].([]string)
		return b.propertiesChanged(sig.Path, iface, changed, invalidated)
	default:
		return nil
	}
}

func (b *Backend) interfacesAdded(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) []backend.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, existed := b.objects[path]
	_, wasBlock := obj[blockIface]
	if obj == nil {
		obj = make(object, len(ifaces))
		b.objects[path] = obj
	}
	for name, props := range ifaces {
		obj[name] = props
	}

	if _, isDrive := obj[driveIface]; isDrive {
		return b.driveChangedLocked(path)
	}
	if _, isBlock := obj[blockIface]; !isBlock {
		return nil
	}

	kind := backend.SignalAdded
	if existed && wasBlock {
		kind = backend.SignalChanged
	}
	sigs := []backend.Signal{{Kind: kind, Device: b.deviceLocked(path)}}

	// a new cleartext device changes its backing device's unlocked state
	if backing := busutil.ObjectPath(obj[blockIface], "CryptoBackingDevice"); backing != "" {
		if _, ok := b.objects[dbus.ObjectPath(backing)]; ok {
			sigs = append(sigs, backend.Signal{
				Kind:   backend.SignalChanged,
				Device: b.deviceLocked(dbus.ObjectPath(backing)),
			})
		}
	}
	return sigs
}

func (b *Backend) interfacesRemoved(path dbus.ObjectPath, ifaces []string) []backend.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[path]
	if !ok {
		return nil
	}
	_, wasBlock := obj[blockIface]
	backing := busutil.ObjectPath(obj[blockIface], "CryptoBackingDevice")

	for _, name := range ifaces {
		delete(obj, name)
	}
	if len(obj) == 0 {
		delete(b.objects, path)
	}

	if !wasBlock {
		return nil
	}
	if _, stillBlock := obj[blockIface]; stillBlock {
		return []backend.Signal{{Kind: backend.SignalChanged, Device: b.deviceLocked(path)}}
	}

	sigs := []backend.Signal{{Kind: backend.SignalRemoved, Device: devices.Device{ID: string(path)}}}
	if backing != "" {
		if _, ok := b.objects[dbus.ObjectPath(backing)]; ok {
			sigs = append(sigs, backend.Signal{
				Kind:   backend.SignalChanged,
				Device: b.deviceLocked(dbus.ObjectPath(backing)),
			})
		}
	}
	return sigs
}

func (b *Backend) propertiesChanged(
	path dbus.ObjectPath,
	iface string,
	changed map[string]dbus.Variant,
	invalidated []string,
) []backend.Signal {
	if !strings.HasPrefix(iface, Service+".") {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[path]
	if !ok {
		return nil
	}
	obj[iface] = busutil.Merge(obj[iface], changed, invalidated)

	if iface == driveIface {
		return b.driveChangedLocked(path)
	}
	if _, isBlock := obj[blockIface]; !isBlock {
		return nil
	}
	return []backend.Signal{{Kind: backend.SignalChanged, Device: b.deviceLocked(path)}}
}

// driveChangedLocked reports every block device on a drive as changed,
// since drive properties are copied into each of them.
func (b *Backend) driveChangedLocked(drive dbus.ObjectPath) []backend.Signal {
	var sigs []backend.Signal
	for _, d := range b.devicesLocked() {
		if d.DriveID == string(drive) {
			sigs = append(sigs, backend.Signal{Kind: backend.SignalChanged, Device: d})
		}
	}
	return sigs
}

func (b *Backend) devicesLocked() []devices.Device {
	paths := make([]dbus.ObjectPath, 0, len(b.objects))
	for path, obj := range b.objects {
		if _, ok := obj[blockIface]; ok {
			paths = append(paths, path)
		}
	}
	slices.Sort(paths)

	devs := make([]devices.Device, 0, len(paths))
	for _, path := range paths {
		devs = append(devs, b.deviceLocked(path))
	}
	return devs
}

func (b *Backend) deviceLocked(path dbus.ObjectPath) devices.Device {
	return deviceFromObjects(path, b.objects)
}

// deviceFromObjects builds a device record for a block object, pulling
// drive attributes from the drive object and, for cleartext mappings, from
// the backing device's drive.
func deviceFromObjects(path dbus.ObjectPath, objects map[dbus.ObjectPath]object) devices.Device {
	obj := objects[path]
	block := obj[blockIface]

	d := devices.Device{
		ID:               string(path),
		DeviceFile:       busutil.ByteString(block, "PreferredDevice"),
		Usage:            busutil.String(block, "IdUsage"),
		FSType:           busutil.String(block, "IdType"),
		UUID:             busutil.String(block, "IdUUID"),
		Label:            busutil.String(block, "IdLabel"),
		DriveID:          busutil.ObjectPath(block, "Drive"),
		CleartextOf:      busutil.ObjectPath(block, "CryptoBackingDevice"),
		HintIgnore:       busutil.Bool(block, "HintIgnore"),
		IsSystemInternal: busutil.Bool(block, "HintSystem"),
	}
	if d.DeviceFile == "" {
		d.DeviceFile = busutil.ByteString(block, "Device")
	}

	if part, ok := obj[partitionIface]; ok {
		d.IsPartition = true
		d.PartitionOf = busutil.ObjectPath(part, "Table")
	}

	if enc, ok := obj[encryptedIface]; ok {
		d.IsCrypto = true
		d.CleartextChild = busutil.ObjectPath(enc, "CleartextDevice")
		if d.CleartextChild == "" {
			// UDisks2 before 2.7 does not export CleartextDevice
			d.CleartextChild = findCleartext(path, objects)
		}
	}

	if fs, ok := obj[filesystemIface]; ok {
		d.MountPaths = busutil.ByteStrings(fs, "MountPoints")
	}

	if d.DriveID == "" && d.CleartextOf != "" {
		backing := objects[dbus.ObjectPath(d.CleartextOf)][blockIface]
		d.DriveID = busutil.ObjectPath(backing, "Drive")
	}

	_, hasTable := obj[partitionTableIface]
	d.IsDrive = d.DriveID != "" && !d.IsPartition && !d.IsCleartext() && (hasTable || d.Usage != "")

	if drive, ok := objects[dbus.ObjectPath(d.DriveID)][driveIface]; ok {
		d.IsRemovable = busutil.Bool(drive, "Removable") || busutil.Bool(drive, "MediaRemovable")
		d.Ejectable = busutil.Bool(drive, "Ejectable")
		d.Detachable = busutil.Bool(drive, "CanPowerOff")
		d.HasMedia = busutil.Bool(drive, "MediaAvailable")
	}
	return d
}

func findCleartext(backing dbus.ObjectPath, objects map[dbus.ObjectPath]object) string {
	for path, obj := range objects {
		if busutil.ObjectPath(obj[blockIface], "CryptoBackingDevice") == string(backing) {
			return string(path)
		}
	}
	return ""
}

func callOptions(extra map[string]dbus.Variant) map[string]dbus.Variant {
	opts := map[string]dbus.Variant{
		"auth.no_user_interaction": dbus.MakeVariant(true),
	}
	for k, v := range extra {
		opts[k] = v
	}
	return opts
}

func (b *Backend) Mount(ctx context.Context, dev devices.Device, options []string) (string, error) {
	extra := map[string]dbus.Variant{}
	if len(options) > 0 {
		extra["options"] = dbus.MakeVariant(strings.Join(options, ","))
	}

	var mountPath string
	err := b.conn.Object(Service, dbus.ObjectPath(dev.ID)).
		CallWithContext(ctx, filesystemIface+".Mount", 0, callOptions(extra)).
		Store(&mountPath)
	if err != nil {
		return "", classifier.Wrap(err, "mount", dev.ID)
	}
	return mountPath, nil
}

func (b *Backend) Unmount(ctx context.Context, dev devices.Device) error {
	call := b.conn.Object(Service, dbus.ObjectPath(dev.ID)).
		CallWithContext(ctx, filesystemIface+".Unmount", 0, callOptions(nil))
	return classifier.Wrap(call.Err, "unmount", dev.ID)
}

func (b *Backend) Unlock(ctx context.Context, dev devices.Device, key []byte) (string, error) {
	var cleartext dbus.ObjectPath
	err := b.conn.Object(Service, dbus.ObjectPath(dev.ID)).
		CallWithContext(ctx, encryptedIface+".Unlock", 0, string(key), callOptions(nil)).
		Store(&cleartext)
	if err != nil {
		return "", classifier.Wrap(err, "unlock", dev.ID)
	}
	return string(cleartext), nil
}

func (b *Backend) Lock(ctx context.Context, dev devices.Device) error {
	call := b.conn.Object(Service, dbus.ObjectPath(dev.ID)).
		CallWithContext(ctx, encryptedIface+".Lock", 0, callOptions(nil))
	return classifier.Wrap(call.Err, "lock", dev.ID)
}

func (b *Backend) Eject(ctx context.Context, dev devices.Device) error {
	return b.driveCall(ctx, dev, "eject", "Eject")
}

func (b *Backend) Detach(ctx context.Context, dev devices.Device) error {
	return b.driveCall(ctx, dev, "detach", "PowerOff")
}

func (b *Backend) driveCall(ctx context.Context, dev devices.Device, op, method string) error {
	if dev.DriveID == "" {
		return backend.NewError(backend.KindOther, op, dev.ID, fmt.Errorf("%s has no drive", dev.String()))
	}
	call := b.conn.Object(Service, dbus.ObjectPath(dev.DriveID)).
		CallWithContext(ctx, driveIface+"."+method, 0, callOptions(nil))
	return classifier.Wrap(call.Err, op, dev.ID)
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
