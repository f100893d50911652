// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/trustmesh/subscriptiond/internal/entity"
	"github.com/trustmesh/subscriptiond/lib/clock"
)

// MetricsSink receives observability signals from the engine. A nil
// MetricsSink is valid; every call site checks for nil before use
// rather than requiring a no-op implementation.
type MetricsSink interface {
	SetQueueDepth(client TransportID, depth int)
	SetFailureCount(client TransportID, count int)
	ObserveDelivery(outcome Outcome, d time.Duration)
	IncClientsRemoved()
	DeleteClient(client TransportID)
}

// Config holds the Engine's tunable timing and failure-budget
// parameters.
type Config struct {
	// ProcessDelay is the ticker delay between deployment runs,
	// applied after any enqueue. Default 60s.
	ProcessDelay time.Duration

	// DisconnectAfterFailures is the consecutive-failure budget before
	// a client is forcibly removed. Default 5.
	DisconnectAfterFailures int
}

// DefaultConfig returns the engine's default timing constants.
func DefaultConfig() Config {
	return Config{
		ProcessDelay:            60 * time.Second,
		DisconnectAfterFailures: 5,
	}
}

// Engine is the subscription and delivery engine: the event ingest
// surface, the snapshot builder, the ticker-driven deployment worker,
// and the start/stop lifecycle controller, all guarded by a single
// internal lock.
//
// StoreIdentityChanged/StoreTrustChanged/StoreScoreChanged are called
// by the trust-graph store while it holds its own write lock, and
// those calls then acquire mu: producer lock, then the engine's own
// lock, then the repository's transaction. Nothing inside the engine
// is allowed to run that order in reverse — Subscribe, in particular,
// reads the store (see fetchSnapshotPayloads) before it ever touches
// mu, precisely so the engine's lock never nests inside the store's.
type Engine struct {
	repo      Repository
	transport Transport
	store     entity.Store
	clock     clock.Clock
	metrics   MetricsSink
	logger    *slog.Logger

	config Config

	// mu guards every mutation of queue state and is held for the
	// full duration of one deployment run.
	mu sync.Mutex

	// tickerMu is the ticker's own lock and is innermost relative to
	// mu: scheduleDeployment is called with mu held and takes tickerMu
	// inside it, and no path takes mu while holding tickerMu.
	tickerMu     sync.Mutex
	timer        *clock.Timer
	pending      bool
	stopped      bool
	started      bool
	cancelDeploy context.CancelFunc

	wg sync.WaitGroup
}

// New constructs an Engine. Start must be called before any producer
// or subscriber traffic is accepted.
func New(repo Repository, transport Transport, store entity.Store, clk clock.Clock, metrics MetricsSink, logger *slog.Logger, cfg Config) *Engine {
	if cfg.ProcessDelay <= 0 {
		cfg.ProcessDelay = DefaultConfig().ProcessDelay
	}
	if cfg.DisconnectAfterFailures <= 0 {
		cfg.DisconnectAfterFailures = DefaultConfig().DisconnectAfterFailures
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		repo:      repo,
		transport: transport,
		store:     store,
		clock:     clk,
		metrics:   metrics,
		logger:    logger,
		config:    cfg,
		stopped:   true, // not started until Start is called
	}
}

// SetTransport binds the engine's outbound transport. Exists because
// most Transport implementations (e.g. internal/transport.Server) need
// a reference back to the Engine to drive Subscribe/Unsubscribe,
// creating a construction-order cycle that a setter breaks: build the
// Engine with a nil transport, build the Transport with that Engine,
// then call SetTransport before Start.
func (e *Engine) SetTransport(t Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transport = t
}

func (e *Engine) setQueueDepthMetric(tx Transaction, clientID TransportID) {
	if e.metrics == nil {
		return
	}
	notifications, err := e.repo.ListNotifications(tx, clientID)
	if err != nil {
		return
	}
	e.metrics.SetQueueDepth(clientID, len(notifications))
}
