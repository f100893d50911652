// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"fmt"
)

// Start clears every persisted Client, Subscription, and Notification
// from a prior run, since transport handles are ephemeral and cannot
// survive a restart, and arms the engine to accept producer and
// subscriber traffic.
func (e *Engine) Start(ctx context.Context) error {
	e.tickerMu.Lock()
	if e.started {
		e.tickerMu.Unlock()
		return fmt.Errorf("subscription: engine already started")
	}
	e.tickerMu.Unlock()

	tx, err := e.repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("subscription: begin transaction: %w", err)
	}
	if err := e.repo.Reset(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("subscription: resetting repository: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("subscription: commit reset: %w", err)
	}

	e.tickerMu.Lock()
	e.started = true
	e.stopped = false
	e.tickerMu.Unlock()

	return nil
}

// Stop blocks further scheduling, cancels any queued-but-not-running
// deployment, signals a running deployment to cancel, and joins it.
// Returns promptly even if a delivery is mid-transfer. Safe to call
// even if a deployment started concurrently between Stop's internal
// steps.
func (e *Engine) Stop() error {
	e.tickerMu.Lock()
	e.stopped = true
	e.started = false
	if e.timer != nil {
		if e.timer.Stop() {
			// The queued run never fired; undo the wg.Add it made.
			e.pending = false
			e.wg.Done()
		}
		e.timer = nil
	}
	cancel := e.cancelDeploy
	e.tickerMu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.wg.Wait()
	return nil
}
