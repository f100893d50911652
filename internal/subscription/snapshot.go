// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// fetchSnapshotPayloads reads every current entity of streamType from
// the store and returns each one serialized and stamped with
// versionID, in listing order. It takes no engine lock: the store's
// own internal lock may be held by a concurrent producer call that is
// itself blocked waiting for the engine's lock (inside
// StoreIdentityChanged/StoreTrustChanged/StoreScoreChanged), so
// calling into the store while holding the engine's lock would
// deadlock against it. Subscribe calls this before taking the lock
// for exactly that reason.
//
// One consequence: an entity write landing between this read and the
// new Subscription's creation is not guaranteed to land in either the
// snapshot or the first live notification. It surfaces the next time
// that entity changes. Nothing promises otherwise.
func (e *Engine) fetchSnapshotPayloads(ctx context.Context, streamType StreamType, versionID uuid.UUID) ([][]byte, error) {
	var payloads [][]byte

	switch streamType {
	case StreamIdentity:
		items, err := e.store.ListAllIdentities(ctx)
		if err != nil {
			return nil, fmt.Errorf("subscription: listing identities: %w", err)
		}
		for _, item := range items {
			if err := checkCancelled(ctx); err != nil {
				return nil, err
			}
			payload, err := item.SetVersionID(versionID).Serialize()
			if err != nil {
				return nil, fmt.Errorf("subscription: serializing identity snapshot entry: %w", err)
			}
			payloads = append(payloads, payload)
		}

	case StreamTrust:
		items, err := e.store.ListAllTrusts(ctx)
		if err != nil {
			return nil, fmt.Errorf("subscription: listing trusts: %w", err)
		}
		for _, item := range items {
			if err := checkCancelled(ctx); err != nil {
				return nil, err
			}
			payload, err := item.SetVersionID(versionID).Serialize()
			if err != nil {
				return nil, fmt.Errorf("subscription: serializing trust snapshot entry: %w", err)
			}
			payloads = append(payloads, payload)
		}

	case StreamScore:
		items, err := e.store.ListAllScores(ctx)
		if err != nil {
			return nil, fmt.Errorf("subscription: listing scores: %w", err)
		}
		for _, item := range items {
			if err := checkCancelled(ctx); err != nil {
				return nil, err
			}
			payload, err := item.SetVersionID(versionID).Serialize()
			if err != nil {
				return nil, fmt.Errorf("subscription: serializing score snapshot entry: %w", err)
			}
			payloads = append(payloads, payload)
		}

	default:
		return nil, fmt.Errorf("subscription: unknown stream type %q", streamType)
	}

	return payloads, nil
}

// buildSnapshot appends a Begin(v) marker, one Changed(nil, payload)
// per entry in payloads, and an End(v) marker to sub's client's
// queue. payloads must already be read and serialized by
// fetchSnapshotPayloads; buildSnapshot itself touches only tx, so
// Subscribe can run it under the engine's lock without that lock ever
// reaching back into the store.
func (e *Engine) buildSnapshot(tx Transaction, sub Subscription, versionID uuid.UUID, payloads [][]byte) error {
	if _, err := e.repo.AppendNotification(tx, NewNotification{
		ClientID:       sub.ClientID,
		SubscriptionID: sub.ID,
		Kind:           NotificationBegin,
		VersionID:      versionID,
	}); err != nil {
		return fmt.Errorf("subscription: appending begin marker: %w", err)
	}

	for _, payload := range payloads {
		if _, err := e.repo.AppendNotification(tx, NewNotification{
			ClientID:       sub.ClientID,
			SubscriptionID: sub.ID,
			Kind:           NotificationChanged,
			VersionID:      versionID,
			PayloadNew:     payload,
		}); err != nil {
			return fmt.Errorf("subscription: appending snapshot entry: %w", err)
		}
	}

	if _, err := e.repo.AppendNotification(tx, NewNotification{
		ClientID:       sub.ClientID,
		SubscriptionID: sub.ID,
		Kind:           NotificationEnd,
		VersionID:      versionID,
	}); err != nil {
		return fmt.Errorf("subscription: appending end marker: %w", err)
	}

	return nil
}

func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrCancelled
	default:
		return nil
	}
}
