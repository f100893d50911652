// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"

	"github.com/google/uuid"
)

// Transaction is an open persistence transaction. Exactly one of
// Commit or Rollback must be called; calling either a second time is a
// no-op.
type Transaction interface {
	Commit() error
	Rollback() error
}

// Repository is the durable object store for Client, Subscription,
// and Notification, including transaction begin/commit/rollback. The
// engine never opens more than one transaction per notification's
// delivery-and-deletion.
//
// internal/storage provides a SQLite-backed implementation and an
// in-memory implementation of this interface.
type Repository interface {
	// Begin opens a new transaction.
	Begin(ctx context.Context) (Transaction, error)

	// FindOrCreateClient returns the Client for id, creating a zero-
	// valued one (NextIndex 0, FailureCount 0) if none exists.
	FindOrCreateClient(tx Transaction, id TransportID, kind TransportKind) (Client, error)

	// GetClient returns the Client for id, or ok=false if none exists.
	GetClient(tx Transaction, id TransportID) (client Client, ok bool, err error)

	// ListClients returns every persisted Client, in unspecified order.
	ListClients(tx Transaction) ([]Client, error)

	// SetFailureCount updates a Client's FailureCount.
	SetFailureCount(tx Transaction, id TransportID, count int) error

	// DeleteClient removes a Client and, by cascade, every Subscription
	// and Notification referencing it.
	DeleteClient(tx Transaction, id TransportID) error

	// CreateSubscription persists a new Subscription. The caller must
	// have already verified no Subscription of the same StreamType
	// exists for this client; a unique-constraint violation from the
	// backend at this point is a Bug, not ErrSubscriptionExists.
	CreateSubscription(tx Transaction, sub Subscription) error

	// GetSubscriptionByStream returns the client's Subscription of
	// streamType, or ok=false if none exists.
	GetSubscriptionByStream(tx Transaction, clientID TransportID, streamType StreamType) (sub Subscription, ok bool, err error)

	// GetSubscription returns the Subscription with id, or ok=false.
	GetSubscription(tx Transaction, id uuid.UUID) (sub Subscription, ok bool, err error)

	// ListSubscriptionsByClient returns every Subscription owned by
	// clientID.
	ListSubscriptionsByClient(tx Transaction, clientID TransportID) ([]Subscription, error)

	// ListSubscriptionsByStream returns every Subscription of
	// streamType, across all clients — used by the event ingest
	// surface to fan a change event out to every interested client.
	ListSubscriptionsByStream(tx Transaction, streamType StreamType) ([]Subscription, error)

	// DeleteSubscription removes a Subscription and, by cascade, every
	// Notification referencing it.
	DeleteSubscription(tx Transaction, id uuid.UUID) error

	// AppendNotification allocates the next index for n.ClientID,
	// inserts the notification row, and advances the client's
	// NextIndex — all within tx. Returns the allocated index.
	AppendNotification(tx Transaction, n NewNotification) (index uint64, err error)

	// ListNotifications returns clientID's pending notifications
	// ordered by Index ascending.
	ListNotifications(tx Transaction, clientID TransportID) ([]Notification, error)

	// DeleteNotification removes the notification at (clientID, index).
	DeleteNotification(tx Transaction, clientID TransportID, index uint64) error

	// Reset deletes every Client, Subscription, and Notification in a
	// single transaction. Used by the lifecycle controller's start().
	Reset(tx Transaction) error
}
