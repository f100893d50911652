// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/trustmesh/subscriptiond/internal/subscription"
)

// MemoryRepository implements subscription.Repository entirely in
// process memory, guarded by a single mutex. Intended for unit tests
// exercising internal/subscription without a filesystem dependency;
// see repository_test.go for the conformance suite it shares with
// SQLiteRepository.
type MemoryRepository struct {
	mu            sync.Mutex
	clients       map[subscription.TransportID]subscription.Client
	subscriptions map[uuid.UUID]subscription.Subscription
	notifications map[subscription.TransportID][]subscription.Notification
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		clients:       make(map[subscription.TransportID]subscription.Client),
		subscriptions: make(map[uuid.UUID]subscription.Subscription),
		notifications: make(map[subscription.TransportID][]subscription.Notification),
	}
}

// memoryTx holds MemoryRepository's single mutex for its lifetime:
// Begin takes the lock and Commit/Rollback release it, and the methods
// below take no lock of their own but rely on the caller's transaction
// holding it. Begin also copies the repository's state; Rollback
// restores that copy, discarding the transaction's writes.
type memoryTx struct {
	repo *MemoryRepository
	done bool

	clients       map[subscription.TransportID]subscription.Client
	subscriptions map[uuid.UUID]subscription.Subscription
	notifications map[subscription.TransportID][]subscription.Notification
}

func (t *memoryTx) Commit() error {
	if !t.done {
		t.done = true
		t.repo.mu.Unlock()
	}
	return nil
}

func (t *memoryTx) Rollback() error {
	if !t.done {
		t.done = true
		t.repo.clients, t.repo.subscriptions, t.repo.notifications = t.clients, t.subscriptions, t.notifications
		t.repo.mu.Unlock()
	}
	return nil
}

func (r *MemoryRepository) Begin(ctx context.Context) (subscription.Transaction, error) {
	r.mu.Lock()
	tx := &memoryTx{repo: r, clients: maps.Clone(r.clients), subscriptions: maps.Clone(r.subscriptions)}
	tx.notifications = make(map[subscription.TransportID][]subscription.Notification, len(r.notifications))
	for id, queue := range r.notifications {
		tx.notifications[id] = append([]subscription.Notification(nil), queue...)
	}
	return tx, nil
}

func (r *MemoryRepository) FindOrCreateClient(tx subscription.Transaction, id subscription.TransportID, kind subscription.TransportKind) (subscription.Client, error) {
	if client, ok := r.clients[id]; ok {
		return client, nil
	}
	client := subscription.Client{TransportID: id, TransportKind: kind}
	r.clients[id] = client
	return client, nil
}

func (r *MemoryRepository) GetClient(tx subscription.Transaction, id subscription.TransportID) (subscription.Client, bool, error) {
	client, ok := r.clients[id]
	return client, ok, nil
}

func (r *MemoryRepository) ListClients(tx subscription.Transaction) ([]subscription.Client, error) {
	clients := make([]subscription.Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients, nil
}

func (r *MemoryRepository) SetFailureCount(tx subscription.Transaction, id subscription.TransportID, count int) error {
	client, ok := r.clients[id]
	if !ok {
		return subscription.ErrUnknownClient
	}
	client.FailureCount = count
	r.clients[id] = client
	return nil
}

func (r *MemoryRepository) DeleteClient(tx subscription.Transaction, id subscription.TransportID) error {
	delete(r.clients, id)
	delete(r.notifications, id)
	for subID, sub := range r.subscriptions {
		if sub.ClientID == id {
			delete(r.subscriptions, subID)
		}
	}
	return nil
}

func (r *MemoryRepository) CreateSubscription(tx subscription.Transaction, sub subscription.Subscription) error {
	r.subscriptions[sub.ID] = sub
	return nil
}

func (r *MemoryRepository) GetSubscriptionByStream(tx subscription.Transaction, clientID subscription.TransportID, streamType subscription.StreamType) (subscription.Subscription, bool, error) {
	for _, sub := range r.subscriptions {
		if sub.ClientID == clientID && sub.StreamType == streamType {
			return sub, true, nil
		}
	}
	return subscription.Subscription{}, false, nil
}

func (r *MemoryRepository) GetSubscription(tx subscription.Transaction, id uuid.UUID) (subscription.Subscription, bool, error) {
	sub, ok := r.subscriptions[id]
	return sub, ok, nil
}

func (r *MemoryRepository) ListSubscriptionsByClient(tx subscription.Transaction, clientID subscription.TransportID) ([]subscription.Subscription, error) {
	var subs []subscription.Subscription
	for _, sub := range r.subscriptions {
		if sub.ClientID == clientID {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (r *MemoryRepository) ListSubscriptionsByStream(tx subscription.Transaction, streamType subscription.StreamType) ([]subscription.Subscription, error) {
	var subs []subscription.Subscription
	for _, sub := range r.subscriptions {
		if sub.StreamType == streamType {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (r *MemoryRepository) DeleteSubscription(tx subscription.Transaction, id uuid.UUID) error {
	sub, ok := r.subscriptions[id]
	if !ok {
		return nil
	}
	delete(r.subscriptions, id)
	filtered := r.notifications[sub.ClientID][:0]
	for _, n := range r.notifications[sub.ClientID] {
		if n.SubscriptionID != id {
			filtered = append(filtered, n)
		}
	}
	r.notifications[sub.ClientID] = filtered
	return nil
}

func (r *MemoryRepository) AppendNotification(tx subscription.Transaction, n subscription.NewNotification) (uint64, error) {
	client, ok := r.clients[n.ClientID]
	if !ok {
		return 0, subscription.ErrUnknownClient
	}
	index := client.NextIndex
	r.notifications[n.ClientID] = append(r.notifications[n.ClientID], subscription.Notification{
		ClientID:       n.ClientID,
		SubscriptionID: n.SubscriptionID,
		Index:          index,
		Kind:           n.Kind,
		VersionID:      n.VersionID,
		PayloadOld:     n.PayloadOld,
		PayloadNew:     n.PayloadNew,
	})
	client.NextIndex++
	r.clients[n.ClientID] = client
	return index, nil
}

func (r *MemoryRepository) ListNotifications(tx subscription.Transaction, clientID subscription.TransportID) ([]subscription.Notification, error) {
	src := r.notifications[clientID]
	out := make([]subscription.Notification, len(src))
	copy(out, src)
	return out, nil
}

func (r *MemoryRepository) DeleteNotification(tx subscription.Transaction, clientID subscription.TransportID, index uint64) error {
	notifications := r.notifications[clientID]
	filtered := notifications[:0]
	for _, n := range notifications {
		if n.Index != index {
			filtered = append(filtered, n)
		}
	}
	r.notifications[clientID] = filtered
	return nil
}

func (r *MemoryRepository) Reset(tx subscription.Transaction) error {
	r.clients = make(map[subscription.TransportID]subscription.Client)
	r.subscriptions = make(map[uuid.UUID]subscription.Subscription)
	r.notifications = make(map[subscription.TransportID][]subscription.Notification)
	return nil
}
