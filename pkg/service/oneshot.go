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

	"github.com/ZaparooProject/zaparoo-automount/pkg/config"
	"github.com/ZaparooProject/zaparoo-automount/pkg/service/reconciler"
	"github.com/rs/zerolog/log"
)

const oneShotTimeout = 5 * time.Minute

var ErrActionsFailed = errors.New("one or more actions failed")

// RunOnce starts the engine without automount, submits reqs and waits for
// every resulting action, including follow-ups, to finish. Request errors
// do not stop later requests.
func RunOnce(ctx context.Context, cfg *config.Instance, opts Options, reqs []reconciler.ManualRequest) error {
	opts.OneShot = true
	svc, err := Start(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			log.Warn().Err(err).Msg("error stopping service")
		}
	}()

	var errs []error
	for _, req := range reqs {
		if err := svc.Request(ctx, req); err != nil {
			log.Error().Err(err).Msg("request rejected")
			errs = append(errs, err)
		}
	}

	settleCtx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()
	if err := svc.Settle(settleCtx); err != nil {
		errs = append(errs, err)
	}

	for _, ev := range svc.Failures() {
		errs = append(errs, fmt.Errorf("%w: %s on %s: %s", ErrActionsFailed, ev.Action, ev.DeviceFile, ev.Detail))
	}
	return errors.Join(errs...)
}
