// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/trustmesh/subscriptiond/internal/entity"
)

// StoreIdentityChanged fans an identity change out to every client
// subscribed to StreamIdentity. The caller must hold the producer
// lock; this call performs no network I/O and does not await any
// transport response, it only enqueues.
func (e *Engine) StoreIdentityChanged(ctx context.Context, old, new *entity.Identity) error {
	var oldPayload, newPayload []byte
	var err error
	if old != nil {
		if oldPayload, err = old.Serialize(); err != nil {
			return fmt.Errorf("subscription: serializing identity change: %w", err)
		}
	}
	if new != nil {
		if newPayload, err = new.Serialize(); err != nil {
			return fmt.Errorf("subscription: serializing identity change: %w", err)
		}
	}
	if old == nil && new == nil {
		return fmt.Errorf("subscription: changed notification must carry at least one of old or new")
	}
	return e.storeChanged(ctx, StreamIdentity, oldPayload, newPayload)
}

// StoreTrustChanged fans a trust-edge change out to every client
// subscribed to StreamTrust.
func (e *Engine) StoreTrustChanged(ctx context.Context, old, new *entity.Trust) error {
	var oldPayload, newPayload []byte
	var err error
	if old != nil {
		if oldPayload, err = old.Serialize(); err != nil {
			return fmt.Errorf("subscription: serializing trust change: %w", err)
		}
	}
	if new != nil {
		if newPayload, err = new.Serialize(); err != nil {
			return fmt.Errorf("subscription: serializing trust change: %w", err)
		}
	}
	if old == nil && new == nil {
		return fmt.Errorf("subscription: changed notification must carry at least one of old or new")
	}
	return e.storeChanged(ctx, StreamTrust, oldPayload, newPayload)
}

// StoreScoreChanged fans a score change out to every client
// subscribed to StreamScore.
func (e *Engine) StoreScoreChanged(ctx context.Context, old, new *entity.Score) error {
	var oldPayload, newPayload []byte
	var err error
	if old != nil {
		if oldPayload, err = old.Serialize(); err != nil {
			return fmt.Errorf("subscription: serializing score change: %w", err)
		}
	}
	if new != nil {
		if newPayload, err = new.Serialize(); err != nil {
			return fmt.Errorf("subscription: serializing score change: %w", err)
		}
	}
	if old == nil && new == nil {
		return fmt.Errorf("subscription: changed notification must carry at least one of old or new")
	}
	return e.storeChanged(ctx, StreamScore, oldPayload, newPayload)
}

// storeChanged appends a Changed notification to every client
// subscribed to streamType, under the engine lock and a single
// transaction, so enqueue order always matches producer call order.
func (e *Engine) storeChanged(ctx context.Context, streamType StreamType, oldPayload, newPayload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("subscription: begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	subs, err := e.repo.ListSubscriptionsByStream(tx, streamType)
	if err != nil {
		return fmt.Errorf("subscription: listing %s subscriptions: %w", streamType, err)
	}

	touched := make([]TransportID, 0, len(subs))
	for _, sub := range subs {
		_, err := e.repo.AppendNotification(tx, NewNotification{
			ClientID:       sub.ClientID,
			SubscriptionID: sub.ID,
			Kind:           NotificationChanged,
			PayloadOld:     oldPayload,
			PayloadNew:     newPayload,
		})
		if err != nil {
			return fmt.Errorf("subscription: appending notification for client %s: %w", sub.ClientID, err)
		}
		touched = append(touched, sub.ClientID)
	}

	for _, clientID := range touched {
		e.setQueueDepthMetric(tx, clientID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("subscription: commit: %w", err)
	}
	committed = true

	if len(touched) > 0 {
		e.scheduleDeployment()
	}
	return nil
}

// Subscribe creates a new Subscription of streamType for transportID,
// materializing an initial snapshot under the same transaction.
// Returns ErrSubscriptionExists if the client already has a
// Subscription of this StreamType.
//
// The snapshot is read from the store before the engine's lock is
// taken; see fetchSnapshotPayloads for why.
func (e *Engine) Subscribe(ctx context.Context, transportID TransportID, kind TransportKind, streamType StreamType) (uuid.UUID, error) {
	versionID := uuid.New()
	payloads, err := e.fetchSnapshotPayloads(ctx, streamType, versionID)
	if err != nil {
		return uuid.Nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.repo.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("subscription: begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if _, err := e.repo.FindOrCreateClient(tx, transportID, kind); err != nil {
		return uuid.Nil, fmt.Errorf("subscription: find-or-create client: %w", err)
	}

	if _, ok, err := e.repo.GetSubscriptionByStream(tx, transportID, streamType); err != nil {
		return uuid.Nil, fmt.Errorf("subscription: checking existing subscription: %w", err)
	} else if ok {
		return uuid.Nil, ErrSubscriptionExists
	}

	sub := Subscription{
		ID:         uuid.New(),
		ClientID:   transportID,
		StreamType: streamType,
	}
	if err := e.repo.CreateSubscription(tx, sub); err != nil {
		return uuid.Nil, fmt.Errorf("subscription: creating subscription: %w", err)
	}

	if err := e.buildSnapshot(tx, sub, versionID, payloads); err != nil {
		// The transaction is rolled back by the deferred cleanup
		// above, leaving no Client, Subscription, or Notification
		// persisted from this call.
		return uuid.Nil, err
	}

	e.setQueueDepthMetric(tx, transportID)

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("subscription: commit: %w", err)
	}
	committed = true

	e.scheduleDeployment()
	return sub.ID, nil
}

// Unsubscribe deletes a Subscription and all of its pending
// notifications. If this removes the client's last Subscription, the
// client is deleted too. Returns ErrUnknownSubscription if id does not
// exist.
func (e *Engine) Unsubscribe(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("subscription: begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	sub, ok, err := e.repo.GetSubscription(tx, id)
	if err != nil {
		return fmt.Errorf("subscription: looking up subscription: %w", err)
	}
	if !ok {
		return ErrUnknownSubscription
	}

	if err := e.repo.DeleteSubscription(tx, id); err != nil {
		return fmt.Errorf("subscription: deleting subscription: %w", err)
	}

	remaining, err := e.repo.ListSubscriptionsByClient(tx, sub.ClientID)
	if err != nil {
		return fmt.Errorf("subscription: listing remaining subscriptions: %w", err)
	}
	if len(remaining) == 0 {
		if err := e.repo.DeleteClient(tx, sub.ClientID); err != nil {
			return fmt.Errorf("subscription: deleting client: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("subscription: commit: %w", err)
	}
	committed = true
	return nil
}
