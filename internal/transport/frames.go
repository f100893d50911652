// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the Unix-domain-socket realization of
// internal/subscription.Transport: a long-lived per-client connection
// on which the engine pushes notifications and reads back an
// application-level acknowledgement over a CBOR-framed accept loop
// with a heartbeat to detect dead connections.
package transport

import "github.com/trustmesh/subscriptiond/lib/codec"

// handshakeFrame is the single frame a client writes immediately after
// connecting, identifying itself and declaring the stream it wants to
// subscribe to.
type handshakeFrame struct {
	TransportID string `cbor:"transport_id"`
	StreamType  string `cbor:"stream_type"`
}

// frame is the single wire type for every server-to-client push: a
// Type discriminator plus the fields relevant to that type.
type frame struct {
	Type           string           `cbor:"type"`
	SubscriptionID string           `cbor:"subscription_id,omitempty"`
	VersionID      string           `cbor:"version_id,omitempty"`
	StreamType     string           `cbor:"stream_type,omitempty"`
	Old            codec.RawMessage `cbor:"old,omitempty"`
	New            codec.RawMessage `cbor:"new,omitempty"`
	Message        string           `cbor:"message,omitempty"`
}

const (
	frameTypeIdentityChanged = "identity_changed"
	frameTypeTrustChanged    = "trust_changed"
	frameTypeScoreChanged    = "score_changed"
	frameTypeBegin           = "begin"
	frameTypeEnd             = "end"
	frameTypeUnsubscribed    = "unsubscribed"
	frameTypeHeartbeat       = "heartbeat"
	frameTypeError           = "error"
)

// ackFrame is the client's synchronous reply to every push frame
// except heartbeat. OK false with a Reason maps to a ClientError
// outcome; a missing or malformed reply maps to a disconnect.
type ackFrame struct {
	OK     bool   `cbor:"ok"`
	Reason string `cbor:"reason,omitempty"`
}
