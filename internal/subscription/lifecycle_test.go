// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/trustmesh/subscriptiond/internal/entity"
	"github.com/trustmesh/subscriptiond/internal/storage"
	"github.com/trustmesh/subscriptiond/internal/subscription"
	"github.com/trustmesh/subscriptiond/lib/clock"
)

func TestStop_ThenStart_DiscardsAllPriorClients(t *testing.T) {
	repo := storage.NewMemoryRepository()
	transport := newFakeTransport()
	store := entity.NewFixture()
	fakeClock := clock.Fake(engineTestEpoch)

	engine := subscription.New(repo, transport, store, fakeClock, nil, nil, subscription.Config{
		ProcessDelay:            time.Minute,
		DisconnectAfterFailures: 3,
	})
	store.SetSink(engine)

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := engine.Subscribe(ctx, "client-a", subscription.TransportUnixSocket, subscription.StreamIdentity); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := store.PutIdentity(ctx, entity.Identity{IdentityID: "id-1", Nickname: "alice"}); err != nil {
		t.Fatalf("PutIdentity: %v", err)
	}

	if err := engine.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start (2): %v", err)
	}
	t.Cleanup(func() {
		if err := engine.Stop(); err != nil {
			t.Errorf("Stop (cleanup): %v", err)
		}
	})

	tx, err := repo.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	clients, err := repo.ListClients(tx)
	if err != nil {
		t.Fatalf("ListClients: %v", err)
	}
	if len(clients) != 0 {
		t.Fatalf("len(clients) = %d after stop/start, want 0", len(clients))
	}
}

func TestStart_RejectsDoubleStart(t *testing.T) {
	repo := storage.NewMemoryRepository()
	transport := newFakeTransport()
	store := entity.NewFixture()
	fakeClock := clock.Fake(engineTestEpoch)

	engine := subscription.New(repo, transport, store, fakeClock, nil, nil, subscription.Config{
		ProcessDelay:            time.Minute,
		DisconnectAfterFailures: 3,
	})

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := engine.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})

	if err := engine.Start(ctx); err == nil {
		t.Fatal("second Start succeeded, want an error")
	}
}
