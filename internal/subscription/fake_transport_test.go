// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription_test

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/trustmesh/subscriptiond/internal/entity"
	"github.com/trustmesh/subscriptiond/internal/subscription"
)

// fakeTransport is an in-memory subscription.Transport recording every
// call it receives, with an injectable hook to simulate any Outcome.
type fakeTransport struct {
	mu sync.Mutex

	// sendFunc, if non-nil, is consulted by every Send* call after the
	// call is recorded. A non-nil return value is returned to the
	// caller instead of nil.
	sendFunc func(kind string, id subscription.TransportID) error

	identityChanged []changeCall
	trustChanged    []changeCall
	scoreChanged    []changeCall
	markers         []markerCall
	unsubscribed    []unsubCall

	// log records every Send* call in the single order this fake
	// observed them, across every client and stream type. The
	// per-kind slices above group calls by shape for the tests that
	// only care about one stream at a time; log exists for tests that
	// care about relative order across stream types.
	log []logEntry
}

type logEntry struct {
	kind       string
	client     subscription.TransportID
	streamType subscription.StreamType
}

type changeCall struct {
	client   subscription.TransportID
	oldNil   bool
	newNil   bool
	oldBytes []byte
	newBytes []byte
}

type markerCall struct {
	client     subscription.TransportID
	sub        uuid.UUID
	version    uuid.UUID
	kind       subscription.MarkerKind
	streamType subscription.StreamType
}

type unsubCall struct {
	client     subscription.TransportID
	streamType subscription.StreamType
	sub        uuid.UUID
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) check(kind string, id subscription.TransportID) error {
	if f.sendFunc == nil {
		return nil
	}
	return f.sendFunc(kind, id)
}

func (f *fakeTransport) SendIdentityChanged(ctx context.Context, id subscription.TransportID, old, new *entity.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := changeCall{client: id, oldNil: old == nil, newNil: new == nil}
	if old != nil {
		call.oldBytes, _ = old.Serialize()
	}
	if new != nil {
		call.newBytes, _ = new.Serialize()
	}
	f.identityChanged = append(f.identityChanged, call)
	f.log = append(f.log, logEntry{kind: "identity_changed", client: id, streamType: subscription.StreamIdentity})
	return f.check("identity_changed", id)
}

func (f *fakeTransport) SendTrustChanged(ctx context.Context, id subscription.TransportID, old, new *entity.Trust) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := changeCall{client: id, oldNil: old == nil, newNil: new == nil}
	f.trustChanged = append(f.trustChanged, call)
	f.log = append(f.log, logEntry{kind: "trust_changed", client: id, streamType: subscription.StreamTrust})
	return f.check("trust_changed", id)
}

func (f *fakeTransport) SendScoreChanged(ctx context.Context, id subscription.TransportID, old, new *entity.Score) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := changeCall{client: id, oldNil: old == nil, newNil: new == nil}
	f.scoreChanged = append(f.scoreChanged, call)
	f.log = append(f.log, logEntry{kind: "score_changed", client: id, streamType: subscription.StreamScore})
	return f.check("score_changed", id)
}

func (f *fakeTransport) SendBeginOrEndSynchronization(ctx context.Context, id subscription.TransportID, sub uuid.UUID, version uuid.UUID, kind subscription.MarkerKind, streamType subscription.StreamType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers = append(f.markers, markerCall{client: id, sub: sub, version: version, kind: kind, streamType: streamType})
	f.log = append(f.log, logEntry{kind: "marker:" + string(kind), client: id, streamType: streamType})
	return f.check("marker:"+string(kind), id)
}

func (f *fakeTransport) SendUnsubscribed(ctx context.Context, id subscription.TransportID, streamType subscription.StreamType, sub uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, unsubCall{client: id, streamType: streamType, sub: sub})
	f.log = append(f.log, logEntry{kind: "unsubscribed", client: id, streamType: streamType})
	return f.check("unsubscribed", id)
}

func (f *fakeTransport) markerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markers)
}

// changedStreamOrder returns, in call order, the stream type of every
// identity/trust/score change this fake observed for client. Markers
// and unsubscribe notices are excluded so a test can assert purely on
// the relative order of entity changes across stream types.
func (f *fakeTransport) changedStreamOrder(client subscription.TransportID) []subscription.StreamType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []subscription.StreamType
	for _, entry := range f.log {
		if entry.client != client {
			continue
		}
		switch entry.kind {
		case "identity_changed", "trust_changed", "score_changed":
			out = append(out, entry.streamType)
		}
	}
	return out
}

func (f *fakeTransport) changedCount(streamType subscription.StreamType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch streamType {
	case subscription.StreamIdentity:
		return len(f.identityChanged)
	case subscription.StreamTrust:
		return len(f.trustChanged)
	case subscription.StreamScore:
		return len(f.scoreChanged)
	}
	return 0
}
