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

package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/ZaparooProject/zaparoo-automount/pkg/helpers/syncutil"
	"github.com/adrg/xdg"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	AppName = "zaparoo-automount"
	CfgFile = "config.ini"
	CfgEnv  = "ZAPAROO_AUTOMOUNT_CFG"
)

// AppVersion is set at build time.
var AppVersion = "DEVELOPMENT"

// DefaultPath is the config file used when none is given on the command
// line.
func DefaultPath() string {
	if p := os.Getenv(CfgEnv); p != "" {
		return p
	}
	return filepath.Join(xdg.ConfigHome, AppName, CfgFile)
}

// Overrides are applied to every loaded Values before it is published,
// so command line flags survive reloads.
type Overrides func(v *Values)

type Instance struct {
	fs        afero.Fs
	overrides Overrides
	vals      atomic.Pointer[Values]
	cfgPath   string
	mu        syncutil.Mutex
}

// NewConfig loads the config at cfgPath. A missing file is created with the
// defaults written out.
func NewConfig(fsys afero.Fs, cfgPath string, overrides Overrides) (*Instance, error) {
	if cfgPath == "" {
		return nil, errors.New("config path not set")
	}
	cfg := &Instance{
		fs:        fsys,
		cfgPath:   cfgPath,
		overrides: overrides,
	}

	if _, err := fsys.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
		log.Info().Str("path", cfgPath).Msg("saving new default config to disk")
		if err := fsys.MkdirAll(filepath.Dir(cfgPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		defaults := Defaults()
		if err := cfg.Save(&defaults); err != nil {
			return nil, err
		}
	}

	if _, err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Instance) Path() string {
	return c.cfgPath
}

// Values returns the current config. The result must not be modified.
func (c *Instance) Values() *Values {
	return c.vals.Load()
}

// Load reads and parses the config file and publishes the result. On error
// the previous values stay current.
func (c *Instance) Load() (*Values, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := afero.ReadFile(c.fs, c.cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	vals, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if c.overrides != nil {
		c.overrides(vals)
	}
	c.vals.Store(vals)
	log.Debug().
		Str("path", c.cfgPath).
		Int("rules", len(vals.Rules)).
		Msg("loaded config")
	return vals, nil
}

func (c *Instance) Save(v *Values) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := Marshal(v)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(c.fs, c.cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Watch reloads the config whenever the file changes on disk and passes
// each successfully parsed result to onChange. It watches the containing
// directory so editors that replace the file are noticed. Watch only works
// on the OS filesystem and returns once the watcher is running.
func (c *Instance) Watch(ctx context.Context, onChange func(*Values)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(c.cfgPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	log.Debug().Str("dir", dir).Msg("watching config directory")

	go func() {
		defer func() {
			if err := watcher.Close(); err != nil {
				log.Error().Err(err).Msg("error closing config watcher")
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(c.cfgPath) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				vals, err := c.Load()
				if err != nil {
					log.Error().Err(err).Msg("keeping previous config")
					continue
				}
				log.Info().Str("path", c.cfgPath).Msg("config reloaded")
				if onChange != nil {
					onChange(vals)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(werr).Msg("error in config watcher")
			}
		}
	}()
	return nil
}
