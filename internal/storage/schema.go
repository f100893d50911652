// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

// schemaDDL is the logical persistence schema for clients,
// subscriptions, and notifications. The unique index on
// subscription(client_id, stream_type) enforces one subscription per
// client per stream at the storage layer as defense-in-depth: the
// engine also checks before insert, so a violation here is a Bug, not
// ErrSubscriptionExists. notification(client_id, idx) is unique
// per-client, keeping delivery order unambiguous.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS client (
	transport_id   TEXT PRIMARY KEY,
	transport_kind TEXT NOT NULL,
	next_index     INTEGER NOT NULL DEFAULT 0,
	failure_count  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS subscription (
	id            TEXT PRIMARY KEY,
	client_id     TEXT NOT NULL REFERENCES client(transport_id),
	stream_type   TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS subscription_client_stream
	ON subscription(client_id, stream_type);

CREATE TABLE IF NOT EXISTS notification (
	client_id        TEXT NOT NULL REFERENCES client(transport_id),
	subscription_id  TEXT NOT NULL REFERENCES subscription(id),
	idx              INTEGER NOT NULL,
	kind             TEXT NOT NULL,
	version_id       TEXT,
	payload_old      BLOB,
	payload_new      BLOB
);

CREATE UNIQUE INDEX IF NOT EXISTS notification_client_index
	ON notification(client_id, idx);

CREATE INDEX IF NOT EXISTS notification_subscription
	ON notification(subscription_id);
`
