// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package entity defines the trust-graph domain entities (identities,
// trust edges, score values) and the read-only contract the
// subscription engine uses to snapshot them. The trust-graph store
// itself — how identities are created, how trust edges are computed
// into scores — is out of scope; this package only carries the shapes
// that cross the boundary.
package entity

import (
	"context"

	"github.com/google/uuid"

	"github.com/trustmesh/subscriptiond/lib/codec"
)

// Entity is implemented by every domain entity that can appear in a
// subscription snapshot or change notification. Clone and SetVersionID
// return value copies; no entity implementation here holds pointers
// into the trust-graph store, so a clone is safe to transmit without
// holding the producer's lock.
type Entity interface {
	// ID returns the entity's stable identity, stable across versions.
	ID() string

	// VersionID returns the snapshot version this clone was stamped
	// with, or the zero UUID if it was never part of a snapshot.
	VersionID() uuid.UUID

	// Clone returns an independent copy of the entity.
	Clone() Entity

	// SetVersionID returns a copy of the entity with VersionID set to v.
	SetVersionID(v uuid.UUID) Entity

	// Serialize returns the entity's self-contained wire payload.
	Serialize() ([]byte, error)
}

// Store is the trust-graph's read interface. The subscription engine
// calls it before acquiring its own internal lock, never while
// holding it, so an implementation is free to guard its state with a
// lock of its own without risking a lock-order inversion against the
// engine.
type Store interface {
	ListAllIdentities(ctx context.Context) ([]Identity, error)
	ListAllTrusts(ctx context.Context) ([]Trust, error)
	ListAllScores(ctx context.Context) ([]Score, error)
}

// Identity is a trust-graph principal: a cryptographic identity with a
// human-assigned nickname.
type Identity struct {
	IdentityID    string    `cbor:"identity_id"`
	Version       uuid.UUID `cbor:"version"`
	Nickname      string    `cbor:"nickname"`
	PublicKeyHash string    `cbor:"public_key_hash"`
}

func (i Identity) ID() string          { return i.IdentityID }
func (i Identity) VersionID() uuid.UUID { return i.Version }
func (i Identity) Clone() Entity        { return i }

func (i Identity) SetVersionID(v uuid.UUID) Entity {
	i.Version = v
	return i
}

func (i Identity) Serialize() ([]byte, error) { return codec.Marshal(i) }

// DecodeIdentity decodes a wire payload produced by Identity.Serialize.
// Returns nil, nil for an empty payload (used when a Changed
// notification's old or new side is absent).
func DecodeIdentity(payload []byte) (*Identity, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var i Identity
	if err := codec.Unmarshal(payload, &i); err != nil {
		return nil, err
	}
	return &i, nil
}

// Trust is a directed trust edge from one identity to another.
type Trust struct {
	TrustID  string    `cbor:"trust_id"`
	Version  uuid.UUID `cbor:"version"`
	Truster  string    `cbor:"truster"`
	Trustee  string    `cbor:"trustee"`
	Value    int       `cbor:"value"`
	Comment  string    `cbor:"comment"`
}

func (t Trust) ID() string          { return t.TrustID }
func (t Trust) VersionID() uuid.UUID { return t.Version }
func (t Trust) Clone() Entity        { return t }

func (t Trust) SetVersionID(v uuid.UUID) Entity {
	t.Version = v
	return t
}

func (t Trust) Serialize() ([]byte, error) { return codec.Marshal(t) }

// DecodeTrust decodes a wire payload produced by Trust.Serialize.
func DecodeTrust(payload []byte) (*Trust, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var t Trust
	if err := codec.Unmarshal(payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Score is a computed trust score of one identity, from the
// perspective of another identity's web of trust.
type Score struct {
	ScoreID  string    `cbor:"score_id"`
	Version  uuid.UUID `cbor:"version"`
	Owner    string    `cbor:"owner"`
	Target   string    `cbor:"target"`
	Value    int       `cbor:"value"`
	Rank     int       `cbor:"rank"`
	Capacity int       `cbor:"capacity"`
}

func (s Score) ID() string          { return s.ScoreID }
func (s Score) VersionID() uuid.UUID { return s.Version }
func (s Score) Clone() Entity        { return s }

func (s Score) SetVersionID(v uuid.UUID) Entity {
	s.Version = v
	return s
}

func (s Score) Serialize() ([]byte, error) { return codec.Marshal(s) }

// DecodeScore decodes a wire payload produced by Score.Serialize.
func DecodeScore(payload []byte) (*Score, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var s Score
	if err := codec.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
