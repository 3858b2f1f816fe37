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

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZaparooProject/zaparoo-automount/internal/telemetry"
	"github.com/ZaparooProject/zaparoo-automount/pkg/config"
	"github.com/ZaparooProject/zaparoo-automount/pkg/helpers"
	"github.com/ZaparooProject/zaparoo-automount/pkg/policy"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/dispatcher"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/reconciler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var ErrUsage = errors.New("invalid usage")

// Flags holds every command line flag. Flags that mirror a config key only
// override it when given.
type Flags struct {
	Config         string
	PasswordPrompt string
	FileManager    string
	Options        string
	Verbose        bool
	Quiet          bool
	UDisks1        bool
	UDisks2        bool
	Recursive      bool
	Suppress       bool
	Tray           bool
	NoTray         bool
	NoAutomount    bool
	All            bool
	Eject          bool
	Detach         bool
}

// App runs the commands. The function fields are replaced in tests.
type App struct {
	Fs afero.Fs
	// Logging sets up the global logger before a command runs.
	Logging func(f *Flags) error
	// Telemetry starts error reporting once the config is loaded.
	Telemetry func(dsn string) error
	Daemon    func(ctx context.Context, cfg *config.Instance) error
	Once      func(ctx context.Context, cfg *config.Instance, reqs []reconciler.ManualRequest) error
	cfg       *config.Instance
	flags     Flags
}

func NewApp() *App {
	return &App{
		Fs:      afero.NewOsFs(),
		Logging: initLogging,
		Daemon:  RunDaemon,
		Telemetry: func(dsn string) error {
			return telemetry.Init(dsn, config.AppVersion)
		},
		Once: func(ctx context.Context, cfg *config.Instance, reqs []reconciler.ManualRequest) error {
			return service.RunOnce(ctx, cfg, service.Options{}, reqs)
		},
	}
}

func initLogging(f *Flags) error {
	level := helpers.LogLevel(f.Verbose, f.Quiet)
	return helpers.InitLogging(helpers.LogDir(), level, []io.Writer{helpers.ConsoleWriter(os.Stderr)})
}

// Overrides turns the flags that were set into config overrides.
func (a *App) Overrides(cmd *cobra.Command) config.Overrides {
	f := a.flags
	changed := cmd.Flags().Changed
	return func(v *config.Values) {
		switch {
		case f.UDisks1:
			v.Program.UDisksVersion = 1
		case f.UDisks2:
			v.Program.UDisksVersion = 2
		}
		if changed("password-prompt") {
			v.Program.PasswordPrompt = f.PasswordPrompt
		}
		if changed("file-manager") {
			v.Program.FileManager = f.FileManager
		}
		if f.Recursive {
			v.Program.Recursive = true
		}
		if f.Suppress {
			v.Program.SuppressNotify = true
		}
		switch {
		case f.Tray:
			v.Program.Tray = config.TrayIcon
		case f.NoTray:
			v.Program.Tray = ""
		}
		if f.NoAutomount {
			v.Program.Automount = false
		}
	}
}

func (a *App) setup(cmd *cobra.Command, _ []string) error {
	// conflicting flags must fail before anything is touched
	if err := cmd.ValidateFlagGroups(); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	if a.Logging != nil {
		if err := a.Logging(&a.flags); err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
	}

	path := a.flags.Config
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.NewConfig(a.Fs, path, a.Overrides(cmd))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg
	log.Debug().Str("path", cfg.Path()).Msg("config loaded")

	if a.Telemetry != nil {
		if err := a.Telemetry(cfg.Values().Program.ErrorReporting); err != nil {
			log.Warn().Err(err).Msg("error reporting is disabled")
		}
	}
	return nil
}

// Command builds the command tree.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:   config.AppName,
		Short: "Automount removable media",
		Long: `Watches UDisks for removable storage and mounts, unlocks and
announces devices according to the rules in the config file.`,
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.Daemon(cmd.Context(), a.cfg)
		},
	}

	pf := root.PersistentFlags()
	pf.BoolVarP(&a.flags.Verbose, "verbose", "v", false, "log debug messages")
	pf.BoolVarP(&a.flags.Quiet, "quiet", "q", false, "log warnings and errors only")
	pf.BoolVarP(&a.flags.UDisks1, "udisks1", "1", false, "use the UDisks1 service")
	pf.BoolVarP(&a.flags.UDisks2, "udisks2", "2", false, "use the UDisks2 service")
	pf.StringVarP(&a.flags.Config, "config", "C", "", "config file path")
	pf.StringVarP(&a.flags.PasswordPrompt, "password-prompt", "P", "", "program printing the passphrase for a device")
	pf.BoolVarP(&a.flags.Recursive, "recursive", "r", false, "mount cleartext devices after unlocking")
	root.MarkFlagsMutuallyExclusive("verbose", "quiet")
	root.MarkFlagsMutuallyExclusive("udisks1", "udisks2")

	f := root.Flags()
	f.BoolVarP(&a.flags.Suppress, "suppress", "s", false, "suppress desktop notifications")
	f.BoolVarP(&a.flags.Tray, "tray", "t", false, "show a tray icon")
	f.BoolVarP(&a.flags.NoTray, "no-tray", "T", false, "do not show a tray icon")
	f.BoolVarP(&a.flags.NoAutomount, "no-automount", "N", false, "do not mount devices automatically")
	f.StringVarP(&a.flags.FileManager, "file-manager", "F", "", "program opening new mount points, empty disables")
	root.MarkFlagsMutuallyExclusive("tray", "no-tray")

	root.AddCommand(a.mountCommand(), a.umountCommand())
	return root
}

func (a *App) mountCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount [path...]",
		Short: "Mount devices by device file or mount point",
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := MountRequests(&a.flags, args)
			if err != nil {
				return err
			}
			return a.Once(cmd.Context(), a.cfg, reqs)
		},
	}
	cmd.Flags().BoolVarP(&a.flags.All, "all", "a", false, "mount all handleable devices")
	cmd.Flags().StringVarP(&a.flags.Options, "options", "o", "", "comma separated mount options")
	return cmd
}

func (a *App) umountCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "umount [path...]",
		Aliases: []string{"unmount"},
		Short:   "Unmount devices by device file or mount point",
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := UnmountRequests(&a.flags, args)
			if err != nil {
				return err
			}
			return a.Once(cmd.Context(), a.cfg, reqs)
		},
	}
	cmd.Flags().BoolVarP(&a.flags.All, "all", "a", false, "unmount all handleable devices")
	cmd.Flags().BoolVarP(&a.flags.Eject, "eject", "e", false, "eject the drive after unmounting")
	cmd.Flags().BoolVarP(&a.flags.Detach, "detach", "d", false, "power off the drive after unmounting")
	return cmd
}

func checkTargets(f *Flags, paths []string) error {
	switch {
	case f.All && len(paths) > 0:
		return fmt.Errorf("%w: --all takes no paths", ErrUsage)
	case !f.All && len(paths) == 0:
		return fmt.Errorf("%w: no paths given, use --all to act on every device", ErrUsage)
	}
	return nil
}

// MountRequests builds the requests of the mount tool.
func MountRequests(f *Flags, paths []string) ([]reconciler.ManualRequest, error) {
	if err := checkTargets(f, paths); err != nil {
		return nil, err
	}
	opts := policy.SplitOptions(f.Options)
	if f.All {
		return []reconciler.ManualRequest{{
			Action:    dispatcher.ActionMount,
			All:       true,
			Recursive: f.Recursive,
			Options:   opts,
		}}, nil
	}
	reqs := make([]reconciler.ManualRequest, 0, len(paths))
	for _, p := range paths {
		reqs = append(reqs, reconciler.ManualRequest{
			Path:      p,
			Action:    dispatcher.ActionMount,
			Recursive: f.Recursive,
			Options:   opts,
		})
	}
	return reqs, nil
}

// UnmountRequests builds the requests of the umount tool. Crypto devices
// are always locked once their cleartext device is unmounted.
func UnmountRequests(f *Flags, paths []string) ([]reconciler.ManualRequest, error) {
	if err := checkTargets(f, paths); err != nil {
		return nil, err
	}
	base := reconciler.ManualRequest{
		Action: dispatcher.ActionUnmount,
		Lock:   true,
		Eject:  f.Eject,
		Detach: f.Detach,
	}
	if f.All {
		base.All = true
		return []reconciler.ManualRequest{base}, nil
	}
	reqs := make([]reconciler.ManualRequest, 0, len(paths))
	for _, p := range paths {
		req := base
		req.Path = p
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// RunDaemon runs the automount daemon until SIGINT or SIGTERM.
func RunDaemon(ctx context.Context, cfg *config.Instance) error {
	pid := helpers.NewPid(helpers.PidFilePath())
	if err := pid.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := pid.Release(); err != nil {
			log.Warn().Err(err).Msg("error removing pid file")
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.Start(ctx, cfg, service.Options{})
	if err != nil {
		log.Error().Err(err).Msg("error starting service")
		return fmt.Errorf("error starting service: %w", err)
	}
	log.Info().Str("config", cfg.Path()).Msg("daemon started")

	select {
	case <-ctx.Done():
		log.Info().Msg("received stop signal")
	case <-svc.Done():
	}

	stopErr := svc.Stop()
	if err := svc.Err(); err != nil {
		return fmt.Errorf("daemon stopped: %w", err)
	}
	return stopErr
}
