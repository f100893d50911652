// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"fmt"

	"github.com/trustmesh/subscriptiond/internal/entity"
)

// scheduleDeployment idempotently arms the deployment ticker: a run
// already queued is not re-enqueued. Its callers (storeChanged,
// Subscribe, and the deployment pass) hold the engine lock, so
// tickerMu is always taken inside mu, never the other way round.
func (e *Engine) scheduleDeployment() {
	e.tickerMu.Lock()
	defer e.tickerMu.Unlock()

	if e.pending || e.stopped {
		return
	}
	e.pending = true
	e.wg.Add(1)
	e.timer = e.clock.AfterFunc(e.config.ProcessDelay, e.runDeployment)
}

// runDeployment is the ticker callback. It runs in its own goroutine
// (real.Clock.AfterFunc matches time.AfterFunc's semantics); Stop
// joins it via e.wg.
func (e *Engine) runDeployment() {
	defer e.wg.Done()

	e.tickerMu.Lock()
	e.pending = false
	e.timer = nil
	if e.stopped {
		// Stop ran after this run's timer fired but before it got
		// here, so it found no cancel func to call; skip the pass.
		e.tickerMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelDeploy = cancel
	e.tickerMu.Unlock()

	defer func() {
		e.tickerMu.Lock()
		e.cancelDeploy = nil
		e.tickerMu.Unlock()
		cancel()
	}()

	e.deploy(ctx)
}

// deploy runs one deployment pass over every client, holding the
// engine lock for the entire pass.
func (e *Engine) deploy(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients, err := e.listClientsReadOnly(ctx)
	if err != nil {
		e.logger.Error("deployment: listing clients", "error", err)
		return
	}

	for _, client := range clients {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.deployClient(ctx, client)
	}
}

func (e *Engine) listClientsReadOnly(ctx context.Context) ([]Client, error) {
	tx, err := e.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	clients, err := e.repo.ListClients(tx)
	tx.Rollback()
	return clients, err
}

// deployClient flushes one client's notification queue in index
// order, stopping at the first failure that needs a retry or removal.
func (e *Engine) deployClient(ctx context.Context, client Client) {
	subs, err := e.listSubscriptionsReadOnly(ctx, client.TransportID)
	if err != nil {
		e.logger.Error("deployment: listing subscriptions", "client", client.TransportID, "error", err)
		return
	}
	streamTypeBySub := make(map[string]StreamType, len(subs))
	for _, sub := range subs {
		streamTypeBySub[sub.ID.String()] = sub.StreamType
	}

	pending, err := e.listNotificationsReadOnly(ctx, client.TransportID)
	if err != nil {
		e.logger.Error("deployment: listing notifications", "client", client.TransportID, "error", err)
		return
	}

	removeClient := false

	for _, n := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streamType, ok := streamTypeBySub[n.SubscriptionID.String()]
		if !ok {
			// The subscription was deleted concurrently with this
			// notification's enqueue (e.g. unsubscribe raced the
			// producer). Drop the orphan and move on.
			e.deleteNotificationAlone(ctx, client.TransportID, n.Index)
			continue
		}

		outcome, sendErr := e.dispatch(ctx, client, n, streamType)
		switch outcome {
		case OutcomeOK:
			e.deleteNotificationAlone(ctx, client.TransportID, n.Index)
			if client.FailureCount != 0 {
				client.FailureCount = 0
				e.setFailureCountAlone(ctx, client.TransportID, 0)
			}

		case OutcomeClientError, OutcomeBug:
			client.FailureCount++
			e.setFailureCountAlone(ctx, client.TransportID, client.FailureCount)
			if client.FailureCount >= e.config.DisconnectAfterFailures {
				removeClient = true
			} else {
				e.scheduleDeployment()
			}
			e.logSendFailure(client, n, sendErr)
			goto doneWithClient

		case OutcomeDisconnected:
			client.FailureCount++
			e.setFailureCountAlone(ctx, client.TransportID, client.FailureCount)
			removeClient = true
			goto doneWithClient

		case OutcomeCancelled:
			// Nothing was committed for this notification; exit the
			// loop entirely without counting a failure.
			return
		}
	}

doneWithClient:
	if removeClient {
		e.removeClient(ctx, client, subs)
	}
}

func (e *Engine) logSendFailure(client Client, n Notification, err error) {
	e.logger.Warn("deployment: delivery failed",
		"client", client.TransportID,
		"index", n.Index,
		"failure_count", client.FailureCount,
		"error", err,
	)
}

func (e *Engine) listSubscriptionsReadOnly(ctx context.Context, clientID TransportID) ([]Subscription, error) {
	tx, err := e.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	subs, err := e.repo.ListSubscriptionsByClient(tx, clientID)
	tx.Rollback()
	return subs, err
}

func (e *Engine) listNotificationsReadOnly(ctx context.Context, clientID TransportID) ([]Notification, error) {
	tx, err := e.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	notifications, err := e.repo.ListNotifications(tx, clientID)
	tx.Rollback()
	return notifications, err
}

func (e *Engine) deleteNotificationAlone(ctx context.Context, clientID TransportID, index uint64) {
	tx, err := e.repo.Begin(ctx)
	if err != nil {
		e.logger.Error("deployment: begin transaction for delete", "error", err)
		return
	}
	if err := e.repo.DeleteNotification(tx, clientID, index); err != nil {
		tx.Rollback()
		e.logger.Error("deployment: deleting notification", "client", clientID, "index", index, "error", err)
		return
	}
	e.setQueueDepthMetric(tx, clientID)
	if err := tx.Commit(); err != nil {
		e.logger.Error("deployment: committing delete", "error", err)
	}
}

func (e *Engine) setFailureCountAlone(ctx context.Context, clientID TransportID, count int) {
	tx, err := e.repo.Begin(ctx)
	if err != nil {
		e.logger.Error("deployment: begin transaction for failure count", "error", err)
		return
	}
	if err := e.repo.SetFailureCount(tx, clientID, count); err != nil {
		tx.Rollback()
		e.logger.Error("deployment: setting failure count", "client", clientID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.logger.Error("deployment: committing failure count", "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.SetFailureCount(clientID, count)
	}
}

// removeClient deletes client and all its subscriptions/notifications
// in one transaction, and best-effort notifies the transport for each
// subscription.
func (e *Engine) removeClient(ctx context.Context, client Client, subs []Subscription) {
	notifyCtx := context.Background()
	for _, sub := range subs {
		if err := e.transport.SendUnsubscribed(notifyCtx, client.TransportID, sub.StreamType, sub.ID); err != nil {
			e.logger.Warn("deployment: best-effort unsubscribe notice failed",
				"client", client.TransportID, "subscription", sub.ID, "error", err)
		}
	}

	tx, err := e.repo.Begin(ctx)
	if err != nil {
		e.logger.Error("deployment: begin transaction for client removal", "error", err)
		return
	}
	if err := e.repo.DeleteClient(tx, client.TransportID); err != nil {
		tx.Rollback()
		e.logger.Error("deployment: deleting client", "client", client.TransportID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.logger.Error("deployment: committing client removal", "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.IncClientsRemoved()
		e.metrics.DeleteClient(client.TransportID)
	}
}

// dispatch performs the transport Send* call for a single
// notification and classifies the result.
func (e *Engine) dispatch(ctx context.Context, client Client, n Notification, streamType StreamType) (Outcome, error) {
	start := e.clock.Now()
	var err error

	switch n.Kind {
	case NotificationBegin:
		err = e.transport.SendBeginOrEndSynchronization(ctx, client.TransportID, n.SubscriptionID, n.VersionID, MarkerBegin, streamType)
	case NotificationEnd:
		err = e.transport.SendBeginOrEndSynchronization(ctx, client.TransportID, n.SubscriptionID, n.VersionID, MarkerEnd, streamType)
	case NotificationChanged:
		err = e.dispatchChanged(ctx, client, n, streamType)
	default:
		err = fmt.Errorf("subscription: unknown notification kind %q", n.Kind)
	}

	outcome := ClassifyOutcome(err)
	if e.metrics != nil {
		e.metrics.ObserveDelivery(outcome, e.clock.Now().Sub(start))
	}
	return outcome, err
}

func (e *Engine) dispatchChanged(ctx context.Context, client Client, n Notification, streamType StreamType) error {
	switch streamType {
	case StreamIdentity:
		old, err := entity.DecodeIdentity(n.PayloadOld)
		if err != nil {
			return fmt.Errorf("subscription: decoding old identity payload: %w", err)
		}
		new, err := entity.DecodeIdentity(n.PayloadNew)
		if err != nil {
			return fmt.Errorf("subscription: decoding new identity payload: %w", err)
		}
		return e.transport.SendIdentityChanged(ctx, client.TransportID, old, new)

	case StreamTrust:
		old, err := entity.DecodeTrust(n.PayloadOld)
		if err != nil {
			return fmt.Errorf("subscription: decoding old trust payload: %w", err)
		}
		new, err := entity.DecodeTrust(n.PayloadNew)
		if err != nil {
			return fmt.Errorf("subscription: decoding new trust payload: %w", err)
		}
		return e.transport.SendTrustChanged(ctx, client.TransportID, old, new)

	case StreamScore:
		old, err := entity.DecodeScore(n.PayloadOld)
		if err != nil {
			return fmt.Errorf("subscription: decoding old score payload: %w", err)
		}
		new, err := entity.DecodeScore(n.PayloadNew)
		if err != nil {
			return fmt.Errorf("subscription: decoding new score payload: %w", err)
		}
		return e.transport.SendScoreChanged(ctx, client.TransportID, old, new)

	default:
		return fmt.Errorf("subscription: unknown stream type %q", streamType)
	}
}
