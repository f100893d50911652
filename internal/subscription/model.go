// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package subscription implements the change-event subscription and
// delivery engine: the Client/Subscription/Notification model, the
// event ingest surface invoked by the trust-graph producer, the
// snapshot builder run on subscribe, the ticker-driven deployment
// worker, and the start/stop lifecycle controller.
package subscription

import (
	"github.com/google/uuid"
)

// TransportID is the opaque unique handle for a subscriber's outbound
// channel, supplied by the transport when a connection is accepted.
// It is also the Client's primary key — a Client is identified by the
// transport handle it was created for, not by a separate surrogate id.
type TransportID string

// TransportKind distinguishes which transport implementation owns a
// Client's TransportID. Only "unixsocket" ships a body in this
// repository; the field exists so a second transport (e.g. a
// websocket relay) can be added without a storage schema migration.
type TransportKind string

const (
	TransportUnixSocket TransportKind = "unixsocket"
)

// StreamType is the class of entity a subscription observes.
type StreamType string

const (
	StreamIdentity StreamType = "identity"
	StreamTrust    StreamType = "trust"
	StreamScore    StreamType = "score"
)

// NotificationKind tags the variant of a queued Notification.
type NotificationKind string

const (
	NotificationBegin   NotificationKind = "begin"
	NotificationEnd     NotificationKind = "end"
	NotificationChanged NotificationKind = "changed"
)

// MarkerKind is the subset of NotificationKind passed to
// SendBeginOrEndSynchronization.
type MarkerKind string

const (
	MarkerBegin MarkerKind = "begin"
	MarkerEnd   MarkerKind = "end"
)

// Client is a subscriber, identified by its transport handle. A
// Client is created on first subscription and deleted when its last
// subscription is removed, when its FailureCount reaches the
// disconnect budget, or when its transport reports it disconnected.
type Client struct {
	TransportID   TransportID
	TransportKind TransportKind
	NextIndex     uint64
	FailureCount  int
}

// Subscription is one client's interest in one stream type. A client
// has at most one Subscription per StreamType.
type Subscription struct {
	ID         uuid.UUID
	ClientID   TransportID
	StreamType StreamType
}

// Notification is one queued unit of delivery: a snapshot marker or a
// single change event. Exactly one of (PayloadOld, PayloadNew) may be
// empty for a Changed notification, never both.
type Notification struct {
	ClientID       TransportID
	SubscriptionID uuid.UUID
	Index          uint64
	Kind           NotificationKind
	VersionID      uuid.UUID
	PayloadOld     []byte
	PayloadNew     []byte
}

// NewNotification is the set of fields the caller supplies when
// appending a notification; the repository allocates Index under the
// client's row.
type NewNotification struct {
	ClientID       TransportID
	SubscriptionID uuid.UUID
	Kind           NotificationKind
	VersionID      uuid.UUID
	PayloadOld     []byte
	PayloadNew     []byte
}
