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

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/zaparoo-automount/pkg/backend"
	"github.com/ZaparooProject/zaparoo-automount/pkg/backend/udisks1"
	"github.com/ZaparooProject/zaparoo-automount/pkg/backend/udisks2"
	"github.com/ZaparooProject/zaparoo-automount/pkg/config"
	"github.com/ZaparooProject/zaparoo-automount/pkg/devices"
	"github.com/ZaparooProject/zaparoo-automount/pkg/helpers/command"
	"github.com/ZaparooProject/zaparoo-automount/pkg/metrics"
	"github.com/ZaparooProject/zaparoo-automount/pkg/prompt"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/broker"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/dispatcher"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/events"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/publishers"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/reconciler"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	eventBuffer      = 64
	subscriberBuffer = 100

	// SettleQuiet is how long the engine must be idle before a one-shot
	// run is considered finished. Follow-up signals such as a cleartext
	// device appearing after an unlock land well within it.
	SettleQuiet  = 750 * time.Millisecond
	settlePoll   = 50 * time.Millisecond
	closeTimeout = 5 * time.Second
)

var ErrUnknownVersion = errors.New("unknown udisks version")

type Options struct {
	// Backend replaces the variant chosen by udisks_version.
	Backend backend.Backend
	// Notifier replaces the session bus notifier.
	Notifier publishers.Notifier
	Executor command.Executor
	Clock    clockwork.Clock
	// OneShot runs without automount, desktop integration, metrics or
	// config reloads, for the mount and umount tools.
	OneShot bool
}

type Service struct {
	cfg        *config.Instance
	be         backend.Backend
	store      *devices.Store
	dispatcher *dispatcher.Dispatcher
	reconciler *reconciler.Reconciler
	broker     *broker.Broker
	metrics    *metrics.Metrics
	mqtt       *publishers.MQTTPublisher
	ws         *publishers.WebSocketPublisher
	dbusNotify *publishers.DBusNotifier
	cancel     context.CancelFunc
	done       chan struct{}
	runErr     error
	clock      clockwork.Clock
	failures   chan events.LifecycleEvent
}

// OpenBackend connects to the udisks variant named by version. There is
// no fallback to the other variant.
func OpenBackend(ctx context.Context, version int) (backend.Backend, error) {
	switch version {
	case 1:
		be, err := udisks1.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open udisks1 backend: %w", err)
		}
		return be, nil
	case 2:
		be, err := udisks2.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open udisks2 backend: %w", err)
		}
		return be, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
}

// Settings extracts the reconciler's view of a config.
func Settings(v *config.Values) reconciler.Settings {
	return reconciler.Settings{
		Rules:     v.Rules,
		Automount: v.Program.Automount,
		Recursive: v.Program.Recursive,
	}
}

func keySource(exec command.Executor, v *config.Values) (dispatcher.KeySource, error) {
	if v.Program.PasswordPrompt == "" {
		log.Info().Msg("no password prompt configured, unlocking is disabled")
		return nil, nil
	}
	p, err := prompt.New(exec, v.Program.PasswordPrompt, v.Program.PasswordTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid password prompt: %w", err)
	}
	return p, nil
}

// Start builds the engine around the configured backend, performs the
// initial enumeration and starts processing signals. It returns once the
// engine is running; use Stop to shut it down.
func Start(ctx context.Context, cfg *config.Instance, opts Options) (*Service, error) {
	vals := cfg.Values()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Executor == nil {
		opts.Executor = &command.RealExecutor{}
	}

	settings := Settings(vals)
	if opts.OneShot {
		settings.Automount = false
	}

	keys, err := keySource(opts.Executor, vals)
	if err != nil {
		return nil, err
	}

	be := opts.Backend
	if be == nil {
		log.Info().Int("version", vals.Program.UDisksVersion).Msg("opening udisks backend")
		be, err = OpenBackend(ctx, vals.Program.UDisksVersion)
		if err != nil {
			return nil, err
		}
	}
	log.Info().Str("backend", be.Name()).Msg("backend ready")

	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		cfg:      cfg,
		be:       be,
		store:    devices.NewStore(),
		metrics:  metrics.New(),
		cancel:   cancel,
		done:     make(chan struct{}),
		clock:    opts.Clock,
		failures: make(chan events.LifecycleEvent, subscriberBuffer),
	}

	source := make(chan events.LifecycleEvent, eventBuffer)
	s.broker = broker.NewBroker(ctx, source)
	s.broker.Start()
	emitter := events.NewEmitter(ctx, source, opts.Clock)

	s.dispatcher = dispatcher.New(ctx, dispatcher.Options{
		Backend: be,
		Lookup:  s.store.Get,
		Events:  emitter,
		Metrics: s.metrics,
		Clock:   opts.Clock,
	})
	s.reconciler = reconciler.New(reconciler.Options{
		Store:      s.store,
		Dispatcher: s.dispatcher,
		Events:     emitter,
		Keys:       keys,
		Metrics:    s.metrics,
		Clock:      opts.Clock,
		Settings:   settings,
	})

	s.startPublishers(ctx, opts)

	if addr := vals.Program.MetricsListen; addr != "" && !opts.OneShot {
		ws := publishers.NewWebSocketPublisher()
		if err := s.metrics.Serve(ctx, addr, ws); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("status server failed to start (continuing without it)")
			_ = ws.Close()
		} else {
			s.ws = ws
			wsEvents, _ := s.broker.Subscribe(subscriberBuffer)
			go publishers.Run(ctx, wsEvents, ws)
		}
	}

	// subscribe before enumerating so nothing falls between the two
	signals, err := be.Subscribe(ctx)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", be.Name(), err)
	}
	devs, err := be.Enumerate(ctx)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	log.Info().Int("devices", len(devs)).Msg("initial enumeration")
	if err := s.reconciler.Sync(ctx, devs); err != nil {
		s.abort()
		return nil, err
	}

	go func() {
		defer close(s.done)
		if err := s.reconciler.Run(ctx, signals); err != nil {
			log.Error().Err(err).Msg("reconciler stopped")
			s.runErr = err
			cancel()
		}
	}()

	if !opts.OneShot {
		err := cfg.Watch(ctx, func(v *config.Values) {
			s.reconciler.Reload(Settings(v))
		})
		if err != nil {
			log.Warn().Err(err).Msg("config reloading is disabled")
		}
	}

	return s, nil
}

func (s *Service) startPublishers(ctx context.Context, opts Options) {
	vals := s.cfg.Values()

	logEvents, _ := s.broker.Subscribe(subscriberBuffer)
	logPub := publishers.NewLogPublisher(s.metrics)
	failures := s.failures
	go publishers.Run(ctx, logEvents, handlerFunc(func(ctx context.Context, ev events.LifecycleEvent) {
		logPub.Handle(ctx, ev)
		if ev.Kind == events.KindJobFailed {
			select {
			case failures <- ev:
			default:
			}
		}
	}))

	if opts.OneShot {
		return
	}

	if vals.Program.Tray != "" {
		log.Warn().Str("tray", vals.Program.Tray).Msg("tray icon is not supported, ignoring")
	}

	notifier := opts.Notifier
	if notifier == nil {
		n, err := publishers.NewDBusNotifier()
		if err != nil {
			log.Warn().Err(err).Msg("desktop notifications are disabled")
		} else {
			s.dbusNotify = n
			notifier = n
		}
	}
	if notifier != nil {
		desktopEvents, _ := s.broker.Subscribe(subscriberBuffer)
		go publishers.Run(ctx, desktopEvents, publishers.NewDesktopPublisher(notifier, s.cfg.Values))
	}

	fmEvents, _ := s.broker.Subscribe(subscriberBuffer)
	go publishers.Run(ctx, fmEvents, publishers.NewFileManagerPublisher(opts.Executor, s.cfg.Values))

	if mq := vals.MQTT; mq.Broker != "" {
		log.Info().Msgf("starting MQTT publisher: %s (topic: %s)", mq.Broker, mq.Topic)
		mqttEvents, id := s.broker.Subscribe(subscriberBuffer)
		pub := publishers.NewMQTTPublisher(mq.Broker, mq.Topic, mq.Filter)
		if err := pub.Start(mqttEvents); err != nil {
			log.Error().Err(err).Msgf("failed to start MQTT publisher for %s", mq.Broker)
			s.broker.Unsubscribe(id)
		} else {
			s.mqtt = pub
		}
	}
}

type handlerFunc func(ctx context.Context, ev events.LifecycleEvent)

func (f handlerFunc) Handle(ctx context.Context, ev events.LifecycleEvent) {
	f(ctx, ev)
}

// abort tears down a partially started service.
func (s *Service) abort() {
	s.cancel()
	s.dispatcher.Close()
	s.broker.Stop()
	if err := s.be.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing backend")
	}
	if s.dbusNotify != nil {
		_ = s.dbusNotify.Close()
	}
	if s.ws != nil {
		_ = s.ws.Close()
	}
}

// Request submits a manual request to the engine.
func (s *Service) Request(ctx context.Context, req reconciler.ManualRequest) error {
	if err := s.reconciler.Request(ctx, req); err != nil {
		return fmt.Errorf("%s request failed: %w", req.Action, err)
	}
	return nil
}

// Devices returns a snapshot of the device store.
func (s *Service) Devices() []devices.Device {
	return s.store.Snapshot()
}

// Done is closed when the engine stops, by Stop or because the backend
// signal stream ended.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Err reports why the engine stopped on its own.
func (s *Service) Err() error {
	select {
	case <-s.done:
		return s.runErr
	default:
		return nil
	}
}

// Settle blocks until no intent is queued or running and the engine has
// been quiet for SettleQuiet.
func (s *Service) Settle(ctx context.Context) error {
	ticker := s.clock.NewTicker(settlePoll)
	defer ticker.Stop()
	for {
		if s.dispatcher.Idle() && s.reconciler.QuietFor(SettleQuiet) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("engine did not settle: %w", ctx.Err())
		case <-s.done:
			if s.runErr != nil {
				return s.runErr
			}
			return nil
		case <-ticker.Chan():
		}
	}
}

// Failures drains the job_failed events seen so far.
func (s *Service) Failures() []events.LifecycleEvent {
	var out []events.LifecycleEvent
	for {
		select {
		case ev := <-s.failures:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (s *Service) Stop() error {
	log.Info().Msg("stopping service")
	s.cancel()

	select {
	case <-s.done:
	case <-time.After(closeTimeout):
		log.Warn().Msg("reconciler did not stop in time")
	}

	s.dispatcher.Close()
	if s.mqtt != nil {
		s.mqtt.Stop()
	}
	s.broker.Stop()

	var errs []error
	if err := s.be.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close backend: %w", err))
	}
	if s.dbusNotify != nil {
		if err := s.dbusNotify.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.ws != nil {
		if err := s.ws.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event stream: %w", err))
		}
	}
	log.Info().Msg("service cleanup completed")
	return errors.Join(errs...)
}
