// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"

	"github.com/google/uuid"

	"github.com/trustmesh/subscriptiond/internal/entity"
)

// Transport is the outbound wire transport: synchronous
// request/response delivery to one subscriber, identified by its
// TransportID. internal/transport provides a Unix-socket
// implementation; any implementation must honor ctx cancellation by
// returning an error that errors.Is matches ErrCancelled.
//
// Send* methods report outcome through the error return using the
// sentinels and types in errors.go: nil is Ok; otherwise the caller
// classifies the error with ClassifyOutcome.
type Transport interface {
	SendIdentityChanged(ctx context.Context, id TransportID, old, new *entity.Identity) error
	SendTrustChanged(ctx context.Context, id TransportID, old, new *entity.Trust) error
	SendScoreChanged(ctx context.Context, id TransportID, old, new *entity.Score) error
	SendBeginOrEndSynchronization(ctx context.Context, id TransportID, sub uuid.UUID, version uuid.UUID, kind MarkerKind, streamType StreamType) error
	SendUnsubscribed(ctx context.Context, id TransportID, streamType StreamType, sub uuid.UUID) error
}
