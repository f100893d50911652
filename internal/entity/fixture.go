// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package entity

import (
	"context"
	"fmt"
	"sync"
)

// ChangeSink receives change notifications while Fixture holds its
// write lock, matching the producer-lock discipline any real
// trust-graph store must follow. internal/subscription.Engine
// implements this interface.
type ChangeSink interface {
	StoreIdentityChanged(ctx context.Context, old, new *Identity) error
	StoreTrustChanged(ctx context.Context, old, new *Trust) error
	StoreScoreChanged(ctx context.Context, old, new *Score) error
}

// Fixture is an in-process trust-graph store used by tests and the
// demo daemon entrypoint. It is not a mock: mutations go through the
// same write-lock-then-notify-sink discipline a real trust-graph store
// would use, so it exercises the engine's producer-lock contract
// end-to-end.
type Fixture struct {
	mu sync.Mutex

	identities map[string]Identity
	trusts     map[string]Trust
	scores     map[string]Score

	sink ChangeSink
}

// NewFixture returns an empty Fixture. SetSink must be called before
// any mutation if change notifications are wanted; a Fixture without a
// sink is usable purely as a Store for snapshotting.
func NewFixture() *Fixture {
	return &Fixture{
		identities: make(map[string]Identity),
		trusts:     make(map[string]Trust),
		scores:     make(map[string]Score),
	}
}

// SetSink registers the engine that receives change notifications.
// Must be called before any Put/Delete method, under no other lock.
func (f *Fixture) SetSink(sink ChangeSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

// PutIdentity creates or replaces an identity and, if a sink is
// registered, notifies it of the change while still holding the
// fixture's write lock.
func (f *Fixture) PutIdentity(ctx context.Context, next Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	old, existed := f.identities[next.IdentityID]
	f.identities[next.IdentityID] = next

	if f.sink == nil {
		return nil
	}
	var oldPtr *Identity
	if existed {
		o := old
		oldPtr = &o
	}
	newPtr := next
	return f.sink.StoreIdentityChanged(ctx, oldPtr, &newPtr)
}

// DeleteIdentity removes an identity and notifies the sink with a nil
// new value.
func (f *Fixture) DeleteIdentity(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	old, existed := f.identities[id]
	if !existed {
		return fmt.Errorf("entity: unknown identity %q", id)
	}
	delete(f.identities, id)

	if f.sink == nil {
		return nil
	}
	return f.sink.StoreIdentityChanged(ctx, &old, nil)
}

// PutTrust creates or replaces a trust edge and notifies the sink.
func (f *Fixture) PutTrust(ctx context.Context, next Trust) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	old, existed := f.trusts[next.TrustID]
	f.trusts[next.TrustID] = next

	if f.sink == nil {
		return nil
	}
	var oldPtr *Trust
	if existed {
		o := old
		oldPtr = &o
	}
	newPtr := next
	return f.sink.StoreTrustChanged(ctx, oldPtr, &newPtr)
}

// PutScore creates or replaces a score and notifies the sink.
func (f *Fixture) PutScore(ctx context.Context, next Score) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	old, existed := f.scores[next.ScoreID]
	f.scores[next.ScoreID] = next

	if f.sink == nil {
		return nil
	}
	var oldPtr *Score
	if existed {
		o := old
		oldPtr = &o
	}
	newPtr := next
	return f.sink.StoreScoreChanged(ctx, oldPtr, &newPtr)
}

// ListAllIdentities implements Store.
func (f *Fixture) ListAllIdentities(ctx context.Context) ([]Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Identity, 0, len(f.identities))
	for _, v := range f.identities {
		out = append(out, v)
	}
	return out, nil
}

// ListAllTrusts implements Store.
func (f *Fixture) ListAllTrusts(ctx context.Context) ([]Trust, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Trust, 0, len(f.trusts))
	for _, v := range f.trusts {
		out = append(out, v)
	}
	return out, nil
}

// ListAllScores implements Store.
func (f *Fixture) ListAllScores(ctx context.Context) ([]Score, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Score, 0, len(f.scores))
	for _, v := range f.scores {
		out = append(out, v)
	}
	return out, nil
}
