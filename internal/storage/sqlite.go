// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the durable object store for Client,
// Subscription, and Notification: a SQLite-backed repository for
// production use and an in-memory repository for fast unit tests, both
// implementing internal/subscription.Repository.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/trustmesh/subscriptiond/internal/subscription"
	"github.com/trustmesh/subscriptiond/lib/sqlitepool"
)

// errRollback is the sentinel passed to a transaction's end function
// to force a rollback. If the rollback itself succeeds, the end
// function leaves it untouched; errors.Is distinguishes that case from
// a genuine rollback-execution failure.
var errRollback = errors.New("storage: rollback requested")

// SQLiteRepository implements subscription.Repository over a pooled
// SQLite database: one sqlitex.ImmediateTransaction per
// caller-visible transaction, sqlitex.Execute with positional args
// for every statement.
type SQLiteRepository struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenSQLite opens (creating if absent) the SQLite database at path,
// applies the schema, and returns a ready Repository. poolSize <= 0
// uses sqlitepool's default.
func OpenSQLite(path string, poolSize int, logger *slog.Logger) (*SQLiteRepository, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schemaDDL, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening sqlite repository: %w", err)
	}
	return &SQLiteRepository{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (r *SQLiteRepository) Close() error {
	return r.pool.Close()
}

// sqliteTx adapts sqlitex.ImmediateTransaction's commit/rollback
// function to subscription.Transaction.
type sqliteTx struct {
	conn *sqlite.Conn
	end  func(*error)
	pool *sqlitepool.Pool
	done bool
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	var err error
	t.end(&err)
	t.pool.Put(t.conn)
	if err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := errRollback
	t.end(&err)
	t.pool.Put(t.conn)
	if err != nil && !errors.Is(err, errRollback) {
		return fmt.Errorf("storage: rollback: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Begin(ctx context.Context) (subscription.Transaction, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: take connection: %w", err)
	}
	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		r.pool.Put(conn)
		return nil, fmt.Errorf("storage: begin transaction: %w", err)
	}
	return &sqliteTx{conn: conn, end: end, pool: r.pool}, nil
}

func connOf(tx subscription.Transaction) *sqlite.Conn {
	return tx.(*sqliteTx).conn
}

func (r *SQLiteRepository) FindOrCreateClient(tx subscription.Transaction, id subscription.TransportID, kind subscription.TransportKind) (subscription.Client, error) {
	conn := connOf(tx)
	client, ok, err := r.getClient(conn, id)
	if err != nil {
		return subscription.Client{}, err
	}
	if ok {
		return client, nil
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO client (transport_id, transport_kind, next_index, failure_count) VALUES (?, ?, 0, 0)`,
		&sqlitex.ExecOptions{Args: []any{string(id), string(kind)}},
	)
	if err != nil {
		return subscription.Client{}, fmt.Errorf("storage: creating client: %w", err)
	}
	return subscription.Client{TransportID: id, TransportKind: kind}, nil
}

func (r *SQLiteRepository) GetClient(tx subscription.Transaction, id subscription.TransportID) (subscription.Client, bool, error) {
	return r.getClient(connOf(tx), id)
}

func (r *SQLiteRepository) getClient(conn *sqlite.Conn, id subscription.TransportID) (subscription.Client, bool, error) {
	var client subscription.Client
	found := false
	err := sqlitex.Execute(conn,
		`SELECT transport_id, transport_kind, next_index, failure_count FROM client WHERE transport_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				client = subscription.Client{
					TransportID:   subscription.TransportID(stmt.ColumnText(0)),
					TransportKind: subscription.TransportKind(stmt.ColumnText(1)),
					NextIndex:     uint64(stmt.ColumnInt64(2)),
					FailureCount:  int(stmt.ColumnInt64(3)),
				}
				return nil
			},
		},
	)
	if err != nil {
		return subscription.Client{}, false, fmt.Errorf("storage: querying client: %w", err)
	}
	return client, found, nil
}

func (r *SQLiteRepository) ListClients(tx subscription.Transaction) ([]subscription.Client, error) {
	conn := connOf(tx)
	var clients []subscription.Client
	err := sqlitex.Execute(conn,
		`SELECT transport_id, transport_kind, next_index, failure_count FROM client`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				clients = append(clients, subscription.Client{
					TransportID:   subscription.TransportID(stmt.ColumnText(0)),
					TransportKind: subscription.TransportKind(stmt.ColumnText(1)),
					NextIndex:     uint64(stmt.ColumnInt64(2)),
					FailureCount:  int(stmt.ColumnInt64(3)),
				})
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: listing clients: %w", err)
	}
	return clients, nil
}

func (r *SQLiteRepository) SetFailureCount(tx subscription.Transaction, id subscription.TransportID, count int) error {
	conn := connOf(tx)
	err := sqlitex.Execute(conn,
		`UPDATE client SET failure_count = ? WHERE transport_id = ?`,
		&sqlitex.ExecOptions{Args: []any{count, string(id)}},
	)
	if err != nil {
		return fmt.Errorf("storage: setting failure count: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteClient(tx subscription.Transaction, id subscription.TransportID) error {
	conn := connOf(tx)
	for _, stmt := range []string{
		`DELETE FROM notification WHERE client_id = ?`,
		`DELETE FROM subscription WHERE client_id = ?`,
		`DELETE FROM client WHERE transport_id = ?`,
	} {
		if err := sqlitex.Execute(conn, stmt, &sqlitex.ExecOptions{Args: []any{string(id)}}); err != nil {
			return fmt.Errorf("storage: deleting client: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepository) CreateSubscription(tx subscription.Transaction, sub subscription.Subscription) error {
	conn := connOf(tx)
	err := sqlitex.Execute(conn,
		`INSERT INTO subscription (id, client_id, stream_type) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{sub.ID.String(), string(sub.ClientID), string(sub.StreamType)}},
	)
	if err != nil {
		return fmt.Errorf("storage: creating subscription: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetSubscriptionByStream(tx subscription.Transaction, clientID subscription.TransportID, streamType subscription.StreamType) (subscription.Subscription, bool, error) {
	conn := connOf(tx)
	var sub subscription.Subscription
	found := false
	err := sqlitex.Execute(conn,
		`SELECT id, client_id, stream_type FROM subscription WHERE client_id = ? AND stream_type = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(clientID), string(streamType)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return scanSubscription(stmt, &sub)
			},
		},
	)
	if err != nil {
		return subscription.Subscription{}, false, fmt.Errorf("storage: querying subscription: %w", err)
	}
	return sub, found, nil
}

func (r *SQLiteRepository) GetSubscription(tx subscription.Transaction, id uuid.UUID) (subscription.Subscription, bool, error) {
	conn := connOf(tx)
	var sub subscription.Subscription
	found := false
	err := sqlitex.Execute(conn,
		`SELECT id, client_id, stream_type FROM subscription WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return scanSubscription(stmt, &sub)
			},
		},
	)
	if err != nil {
		return subscription.Subscription{}, false, fmt.Errorf("storage: querying subscription: %w", err)
	}
	return sub, found, nil
}

func (r *SQLiteRepository) ListSubscriptionsByClient(tx subscription.Transaction, clientID subscription.TransportID) ([]subscription.Subscription, error) {
	conn := connOf(tx)
	var subs []subscription.Subscription
	err := sqlitex.Execute(conn,
		`SELECT id, client_id, stream_type FROM subscription WHERE client_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(clientID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var sub subscription.Subscription
				if err := scanSubscription(stmt, &sub); err != nil {
					return err
				}
				subs = append(subs, sub)
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: listing subscriptions by client: %w", err)
	}
	return subs, nil
}

func (r *SQLiteRepository) ListSubscriptionsByStream(tx subscription.Transaction, streamType subscription.StreamType) ([]subscription.Subscription, error) {
	conn := connOf(tx)
	var subs []subscription.Subscription
	err := sqlitex.Execute(conn,
		`SELECT id, client_id, stream_type FROM subscription WHERE stream_type = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(streamType)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var sub subscription.Subscription
				if err := scanSubscription(stmt, &sub); err != nil {
					return err
				}
				subs = append(subs, sub)
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: listing subscriptions by stream: %w", err)
	}
	return subs, nil
}

func (r *SQLiteRepository) DeleteSubscription(tx subscription.Transaction, id uuid.UUID) error {
	conn := connOf(tx)
	if err := sqlitex.Execute(conn, `DELETE FROM notification WHERE subscription_id = ?`,
		&sqlitex.ExecOptions{Args: []any{id.String()}}); err != nil {
		return fmt.Errorf("storage: deleting subscription's notifications: %w", err)
	}
	if err := sqlitex.Execute(conn, `DELETE FROM subscription WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id.String()}}); err != nil {
		return fmt.Errorf("storage: deleting subscription: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) AppendNotification(tx subscription.Transaction, n subscription.NewNotification) (uint64, error) {
	conn := connOf(tx)

	client, ok, err := r.getClient(conn, n.ClientID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, subscription.ErrUnknownClient
	}
	index := client.NextIndex

	var versionID any
	if n.VersionID != uuid.Nil {
		versionID = n.VersionID.String()
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO notification (client_id, subscription_id, idx, kind, version_id, payload_old, payload_new)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			string(n.ClientID), n.SubscriptionID.String(), int64(index), string(n.Kind),
			versionID, blobOrNil(n.PayloadOld), blobOrNil(n.PayloadNew),
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("storage: appending notification: %w", err)
	}

	err = sqlitex.Execute(conn,
		`UPDATE client SET next_index = ? WHERE transport_id = ?`,
		&sqlitex.ExecOptions{Args: []any{int64(index + 1), string(n.ClientID)}},
	)
	if err != nil {
		return 0, fmt.Errorf("storage: advancing client index: %w", err)
	}

	return index, nil
}

func (r *SQLiteRepository) ListNotifications(tx subscription.Transaction, clientID subscription.TransportID) ([]subscription.Notification, error) {
	conn := connOf(tx)
	var notifications []subscription.Notification
	err := sqlitex.Execute(conn,
		`SELECT client_id, subscription_id, idx, kind, version_id, payload_old, payload_new
		 FROM notification WHERE client_id = ? ORDER BY idx ASC`,
		&sqlitex.ExecOptions{
			Args: []any{string(clientID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n, err := scanNotification(stmt)
				if err != nil {
					return err
				}
				notifications = append(notifications, n)
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: listing notifications: %w", err)
	}
	return notifications, nil
}

func (r *SQLiteRepository) DeleteNotification(tx subscription.Transaction, clientID subscription.TransportID, index uint64) error {
	conn := connOf(tx)
	err := sqlitex.Execute(conn,
		`DELETE FROM notification WHERE client_id = ? AND idx = ?`,
		&sqlitex.ExecOptions{Args: []any{string(clientID), int64(index)}},
	)
	if err != nil {
		return fmt.Errorf("storage: deleting notification: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Reset(tx subscription.Transaction) error {
	conn := connOf(tx)
	for _, stmt := range []string{
		`DELETE FROM notification`,
		`DELETE FROM subscription`,
		`DELETE FROM client`,
	} {
		if err := sqlitex.Execute(conn, stmt, nil); err != nil {
			return fmt.Errorf("storage: resetting repository: %w", err)
		}
	}
	return nil
}

func scanSubscription(stmt *sqlite.Stmt, sub *subscription.Subscription) error {
	id, err := uuid.Parse(stmt.ColumnText(0))
	if err != nil {
		return fmt.Errorf("storage: parsing subscription id: %w", err)
	}
	sub.ID = id
	sub.ClientID = subscription.TransportID(stmt.ColumnText(1))
	sub.StreamType = subscription.StreamType(stmt.ColumnText(2))
	return nil
}

func scanNotification(stmt *sqlite.Stmt) (subscription.Notification, error) {
	var n subscription.Notification
	n.ClientID = subscription.TransportID(stmt.ColumnText(0))

	subID, err := uuid.Parse(stmt.ColumnText(1))
	if err != nil {
		return n, fmt.Errorf("storage: parsing notification subscription id: %w", err)
	}
	n.SubscriptionID = subID
	n.Index = uint64(stmt.ColumnInt64(2))
	n.Kind = subscription.NotificationKind(stmt.ColumnText(3))

	if stmt.ColumnType(4) != sqlite.TypeNull {
		versionID, err := uuid.Parse(stmt.ColumnText(4))
		if err != nil {
			return n, fmt.Errorf("storage: parsing notification version id: %w", err)
		}
		n.VersionID = versionID
	}

	if stmt.ColumnType(5) != sqlite.TypeNull {
		n.PayloadOld = make([]byte, stmt.ColumnLen(5))
		stmt.ColumnBytes(5, n.PayloadOld)
	}
	if stmt.ColumnType(6) != sqlite.TypeNull {
		n.PayloadNew = make([]byte, stmt.ColumnLen(6))
		stmt.ColumnBytes(6, n.PayloadNew)
	}

	return n, nil
}

func blobOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
