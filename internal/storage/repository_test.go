// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/trustmesh/subscriptiond/internal/subscription"
)

// repositoryFactories runs the conformance suite against every
// Repository implementation this package provides.
func repositoryFactories(t *testing.T) map[string]func() subscription.Repository {
	return map[string]func() subscription.Repository{
		"memory": func() subscription.Repository {
			return NewMemoryRepository()
		},
		"sqlite": func() subscription.Repository {
			repo, err := OpenSQLite(filepath.Join(t.TempDir(), "subscriptiond_test.db"), 1, nil)
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() {
				if err := repo.Close(); err != nil {
					t.Errorf("Close: %v", err)
				}
			})
			return repo
		},
	}
}

func TestRepository_FindOrCreateClientIsIdempotent(t *testing.T) {
	for name, newRepo := range repositoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo()
			ctx := context.Background()

			tx, err := repo.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			defer tx.Rollback()

			first, err := repo.FindOrCreateClient(tx, "client-a", subscription.TransportUnixSocket)
			if err != nil {
				t.Fatalf("FindOrCreateClient: %v", err)
			}
			if first.NextIndex != 0 || first.FailureCount != 0 {
				t.Fatalf("new client has non-zero state: %+v", first)
			}

			second, err := repo.FindOrCreateClient(tx, "client-a", subscription.TransportUnixSocket)
			if err != nil {
				t.Fatalf("FindOrCreateClient (again): %v", err)
			}
			if second != first {
				t.Fatalf("second call returned a different client: %+v vs %+v", second, first)
			}

			if err := tx.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}
		})
	}
}

func TestRepository_AppendNotificationAllocatesSequentialIndices(t *testing.T) {
	for name, newRepo := range repositoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo()
			ctx := context.Background()

			tx, err := repo.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			if _, err := repo.FindOrCreateClient(tx, "client-a", subscription.TransportUnixSocket); err != nil {
				t.Fatalf("FindOrCreateClient: %v", err)
			}
			sub := subscription.Subscription{ID: uuid.New(), ClientID: "client-a", StreamType: subscription.StreamIdentity}
			if err := repo.CreateSubscription(tx, sub); err != nil {
				t.Fatalf("CreateSubscription: %v", err)
			}

			for i := 0; i < 3; i++ {
				index, err := repo.AppendNotification(tx, subscription.NewNotification{
					ClientID:       "client-a",
					SubscriptionID: sub.ID,
					Kind:           subscription.NotificationChanged,
					PayloadNew:     []byte("payload"),
				})
				if err != nil {
					t.Fatalf("AppendNotification: %v", err)
				}
				if index != uint64(i) {
					t.Fatalf("index = %d, want %d", index, i)
				}
			}

			if err := tx.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			tx, err = repo.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin (2): %v", err)
			}
			defer tx.Rollback()

			notifications, err := repo.ListNotifications(tx, "client-a")
			if err != nil {
				t.Fatalf("ListNotifications: %v", err)
			}
			if len(notifications) != 3 {
				t.Fatalf("len(notifications) = %d, want 3", len(notifications))
			}
			for i, n := range notifications {
				if n.Index != uint64(i) {
					t.Fatalf("notifications[%d].Index = %d, want %d", i, n.Index, i)
				}
			}
		})
	}
}

func TestRepository_AppendNotificationUnknownClient(t *testing.T) {
	for name, newRepo := range repositoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo()
			ctx := context.Background()

			tx, err := repo.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			defer tx.Rollback()

			_, err = repo.AppendNotification(tx, subscription.NewNotification{
				ClientID:       "no-such-client",
				SubscriptionID: uuid.New(),
				Kind:           subscription.NotificationChanged,
			})
			if !errors.Is(err, subscription.ErrUnknownClient) {
				t.Fatalf("err = %v, want ErrUnknownClient", err)
			}
		})
	}
}

func TestRepository_SubscriptionUniquePerClientStream(t *testing.T) {
	for name, newRepo := range repositoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo()
			ctx := context.Background()

			tx, err := repo.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			defer tx.Rollback()

			if _, err := repo.FindOrCreateClient(tx, "client-a", subscription.TransportUnixSocket); err != nil {
				t.Fatalf("FindOrCreateClient: %v", err)
			}

			_, ok, err := repo.GetSubscriptionByStream(tx, "client-a", subscription.StreamTrust)
			if err != nil {
				t.Fatalf("GetSubscriptionByStream: %v", err)
			}
			if ok {
				t.Fatalf("expected no existing subscription")
			}

			sub := subscription.Subscription{ID: uuid.New(), ClientID: "client-a", StreamType: subscription.StreamTrust}
			if err := repo.CreateSubscription(tx, sub); err != nil {
				t.Fatalf("CreateSubscription: %v", err)
			}

			found, ok, err := repo.GetSubscriptionByStream(tx, "client-a", subscription.StreamTrust)
			if err != nil {
				t.Fatalf("GetSubscriptionByStream (2): %v", err)
			}
			if !ok || found.ID != sub.ID {
				t.Fatalf("found = %+v, ok = %v, want %+v, true", found, ok, sub)
			}
		})
	}
}

func TestRepository_DeleteClientCascades(t *testing.T) {
	for name, newRepo := range repositoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo()
			ctx := context.Background()

			tx, err := repo.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			if _, err := repo.FindOrCreateClient(tx, "client-a", subscription.TransportUnixSocket); err != nil {
				t.Fatalf("FindOrCreateClient: %v", err)
			}
			sub := subscription.Subscription{ID: uuid.New(), ClientID: "client-a", StreamType: subscription.StreamScore}
			if err := repo.CreateSubscription(tx, sub); err != nil {
				t.Fatalf("CreateSubscription: %v", err)
			}
			if _, err := repo.AppendNotification(tx, subscription.NewNotification{
				ClientID:       "client-a",
				SubscriptionID: sub.ID,
				Kind:           subscription.NotificationChanged,
				PayloadNew:     []byte("payload"),
			}); err != nil {
				t.Fatalf("AppendNotification: %v", err)
			}
			if err := tx.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			tx, err = repo.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin (2): %v", err)
			}
			if err := repo.DeleteClient(tx, "client-a"); err != nil {
				t.Fatalf("DeleteClient: %v", err)
			}
			if err := tx.Commit(); err != nil {
				t.Fatalf("Commit (2): %v", err)
			}

			tx, err = repo.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin (3): %v", err)
			}
			defer tx.Rollback()

			if _, ok, err := repo.GetClient(tx, "client-a"); err != nil || ok {
				t.Fatalf("GetClient after delete: ok=%v err=%v, want false, nil", ok, err)
			}
			if _, ok, err := repo.GetSubscription(tx, sub.ID); err != nil || ok {
				t.Fatalf("GetSubscription after delete: ok=%v err=%v, want false, nil", ok, err)
			}
			notifications, err := repo.ListNotifications(tx, "client-a")
			if err != nil {
				t.Fatalf("ListNotifications after delete: %v", err)
			}
			if len(notifications) != 0 {
				t.Fatalf("len(notifications) = %d after delete, want 0", len(notifications))
			}
		})
	}
}

func TestRepository_ResetClearsEverything(t *testing.T) {
	for name, newRepo := range repositoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo()
			ctx := context.Background()

			tx, err := repo.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			if _, err := repo.FindOrCreateClient(tx, "client-a", subscription.TransportUnixSocket); err != nil {
				t.Fatalf("FindOrCreateClient: %v", err)
			}
			sub := subscription.Subscription{ID: uuid.New(), ClientID: "client-a", StreamType: subscription.StreamIdentity}
			if err := repo.CreateSubscription(tx, sub); err != nil {
				t.Fatalf("CreateSubscription: %v", err)
			}
			if err := tx.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			tx, err = repo.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin (2): %v", err)
			}
			if err := repo.Reset(tx); err != nil {
				t.Fatalf("Reset: %v", err)
			}
			if err := tx.Commit(); err != nil {
				t.Fatalf("Commit (2): %v", err)
			}

			tx, err = repo.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin (3): %v", err)
			}
			defer tx.Rollback()

			clients, err := repo.ListClients(tx)
			if err != nil {
				t.Fatalf("ListClients: %v", err)
			}
			if len(clients) != 0 {
				t.Fatalf("len(clients) = %d after Reset, want 0", len(clients))
			}
		})
	}
}

func TestRepository_RollbackDiscardsWrites(t *testing.T) {
	for name, newRepo := range repositoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo()
			ctx := context.Background()

			tx, err := repo.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			if _, err := repo.FindOrCreateClient(tx, "client-a", subscription.TransportUnixSocket); err != nil {
				t.Fatalf("FindOrCreateClient: %v", err)
			}
			if err := tx.Rollback(); err != nil {
				t.Fatalf("Rollback: %v", err)
			}

			tx, err = repo.Begin(ctx)
			if err != nil {
				t.Fatalf("Begin (2): %v", err)
			}
			defer tx.Rollback()

			if _, ok, err := repo.GetClient(tx, "client-a"); err != nil || ok {
				t.Fatalf("GetClient after rollback: ok=%v err=%v, want false, nil", ok, err)
			}
		})
	}
}
