// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustmesh/subscriptiond/internal/entity"
	"github.com/trustmesh/subscriptiond/internal/subscription"
	"github.com/trustmesh/subscriptiond/lib/clock"
	"github.com/trustmesh/subscriptiond/lib/codec"
)

// handshakeTimeout bounds how long a newly accepted connection has to
// send its handshake frame.
const handshakeTimeout = 10 * time.Second

// writeTimeout bounds every push frame write.
const writeTimeout = 10 * time.Second

// ackTimeout bounds how long the server waits for a client's ack
// after a push frame.
const ackTimeout = 10 * time.Second

// heartbeatInterval is the idle-connection liveness probe period.
const heartbeatInterval = 30 * time.Second

// maxHandshakeSize bounds the handshake frame; it carries only two
// short strings.
const maxHandshakeSize = 4096

// Engine is the subset of *subscription.Engine the transport needs.
// Server calls Subscribe on handshake and never calls Unsubscribe: a
// dead connection is only dropped from the registry, and the engine
// removes its client once a Send* reports it disconnected.
type Engine interface {
	Subscribe(ctx context.Context, transportID subscription.TransportID, kind subscription.TransportKind, streamType subscription.StreamType) (uuid.UUID, error)
	Unsubscribe(ctx context.Context, id uuid.UUID) error
}

// connection wraps one accepted net.Conn. writeMu serializes the
// engine's Send* calls against the connection's own heartbeat
// goroutine — at most one frame is ever in flight on a connection.
type connection struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// Server implements subscription.Transport over Unix-domain-socket
// connections: one accepted connection per client, held open for the
// lifetime of its subscription.
type Server struct {
	socketPath string
	engine     Engine
	clock      clock.Clock
	logger     *slog.Logger

	mu          sync.Mutex
	connections map[subscription.TransportID]*connection

	activeConnections sync.WaitGroup
}

// NewServer returns a Server that will listen on socketPath once
// Serve is called.
func NewServer(socketPath string, engine Engine, clk clock.Clock, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		socketPath:  socketPath,
		engine:      engine,
		clock:       clk,
		logger:      logger,
		connections: make(map[subscription.TransportID]*connection),
	}
}

// Serve accepts connections on the configured Unix socket until ctx
// is cancelled, then waits for every in-flight connection handler to
// return. Any stale socket file at the configured path is removed
// first; the socket file is removed again on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transport: removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("transport: listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("transport listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("transport: accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var handshake handshakeFrame
	if err := codec.NewDecoder(io.LimitReader(conn, maxHandshakeSize)).Decode(&handshake); err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Debug("transport: invalid handshake", "error", err)
		}
		return
	}
	conn.SetReadDeadline(time.Time{})

	if handshake.TransportID == "" || handshake.StreamType == "" {
		s.writeErrorFrame(conn, "handshake requires transport_id and stream_type")
		return
	}
	id := subscription.TransportID(handshake.TransportID)
	streamType := subscription.StreamType(handshake.StreamType)

	held := &connection{conn: conn}
	s.mu.Lock()
	s.connections[id] = held
	s.mu.Unlock()
	defer s.deregister(id, held)

	subID, err := s.engine.Subscribe(ctx, id, subscription.TransportUnixSocket, streamType)
	if err != nil {
		s.writeErrorFrame(conn, err.Error())
		return
	}

	s.logger.Info("transport: client subscribed", "transport_id", id, "stream_type", streamType, "subscription_id", subID)

	ticker := s.clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeHeartbeat(held); err != nil {
				s.logger.Debug("transport: heartbeat failed, dropping connection",
					"transport_id", id, "error", err)
				return
			}
		}
	}
}

func (s *Server) deregister(id subscription.TransportID, held *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connections[id] == held {
		delete(s.connections, id)
	}
}

func (s *Server) lookup(id subscription.TransportID) (*connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	return c, ok
}

func (s *Server) writeErrorFrame(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(frame{Type: frameTypeError, Message: message}); err != nil {
		s.logger.Debug("transport: failed to write error frame", "error", err)
	}
}

func (s *Server) writeHeartbeat(held *connection) error {
	held.writeMu.Lock()
	defer held.writeMu.Unlock()
	held.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return codec.NewEncoder(held.conn).Encode(frame{Type: frameTypeHeartbeat})
}

// sendAcked writes f to id's connection and reads back the client's
// ack, classifying any failure into the engine's Outcome kinds. A
// missing connection (never registered, or already dropped) is
// TransportDisconnected without attempting any I/O.
func (s *Server) sendAcked(ctx context.Context, id subscription.TransportID, f frame) error {
	held, ok := s.lookup(id)
	if !ok {
		return subscription.ErrTransportDisconnected
	}

	held.writeMu.Lock()
	defer held.writeMu.Unlock()

	select {
	case <-ctx.Done():
		return subscription.ErrCancelled
	default:
	}

	// Cancelling ctx while the frame is written or the ack awaited
	// aborts the I/O by expiring the connection's deadlines.
	stopAbort := context.AfterFunc(ctx, func() { held.conn.SetDeadline(time.Now()) })
	defer stopAbort()

	held.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(held.conn).Encode(f); err != nil {
		s.deregister(id, held)
		return classifyIOError(ctx, err)
	}

	held.conn.SetReadDeadline(time.Now().Add(ackTimeout))
	var ack ackFrame
	if err := codec.NewDecoder(held.conn).Decode(&ack); err != nil {
		s.deregister(id, held)
		return classifyIOError(ctx, err)
	}
	held.conn.SetReadDeadline(time.Time{})

	if !ack.OK {
		return &subscription.ClientError{Reason: ack.Reason}
	}
	return nil
}

func classifyIOError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return subscription.ErrCancelled
	}
	return subscription.ErrTransportDisconnected
}

// SendIdentityChanged implements subscription.Transport.
func (s *Server) SendIdentityChanged(ctx context.Context, id subscription.TransportID, old, new *entity.Identity) error {
	var oldRaw, newRaw codec.RawMessage
	var err error
	if old != nil {
		if oldRaw, err = codec.Marshal(old); err != nil {
			return fmt.Errorf("transport: encoding old identity: %w", err)
		}
	}
	if new != nil {
		if newRaw, err = codec.Marshal(new); err != nil {
			return fmt.Errorf("transport: encoding new identity: %w", err)
		}
	}
	return s.sendAcked(ctx, id, frame{Type: frameTypeIdentityChanged, Old: oldRaw, New: newRaw})
}

// SendTrustChanged implements subscription.Transport.
func (s *Server) SendTrustChanged(ctx context.Context, id subscription.TransportID, old, new *entity.Trust) error {
	var oldRaw, newRaw codec.RawMessage
	var err error
	if old != nil {
		if oldRaw, err = codec.Marshal(old); err != nil {
			return fmt.Errorf("transport: encoding old trust: %w", err)
		}
	}
	if new != nil {
		if newRaw, err = codec.Marshal(new); err != nil {
			return fmt.Errorf("transport: encoding new trust: %w", err)
		}
	}
	return s.sendAcked(ctx, id, frame{Type: frameTypeTrustChanged, Old: oldRaw, New: newRaw})
}

// SendScoreChanged implements subscription.Transport.
func (s *Server) SendScoreChanged(ctx context.Context, id subscription.TransportID, old, new *entity.Score) error {
	var oldRaw, newRaw codec.RawMessage
	var err error
	if old != nil {
		if oldRaw, err = codec.Marshal(old); err != nil {
			return fmt.Errorf("transport: encoding old score: %w", err)
		}
	}
	if new != nil {
		if newRaw, err = codec.Marshal(new); err != nil {
			return fmt.Errorf("transport: encoding new score: %w", err)
		}
	}
	return s.sendAcked(ctx, id, frame{Type: frameTypeScoreChanged, Old: oldRaw, New: newRaw})
}

// SendBeginOrEndSynchronization implements subscription.Transport.
func (s *Server) SendBeginOrEndSynchronization(ctx context.Context, id subscription.TransportID, sub uuid.UUID, version uuid.UUID, kind subscription.MarkerKind, streamType subscription.StreamType) error {
	frameType := frameTypeBegin
	if kind == subscription.MarkerEnd {
		frameType = frameTypeEnd
	}
	return s.sendAcked(ctx, id, frame{
		Type:           frameType,
		SubscriptionID: sub.String(),
		VersionID:      version.String(),
		StreamType:     string(streamType),
	})
}

// SendUnsubscribed implements subscription.Transport. The caller
// treats this as best-effort and ignores the returned error.
func (s *Server) SendUnsubscribed(ctx context.Context, id subscription.TransportID, streamType subscription.StreamType, sub uuid.UUID) error {
	return s.sendAcked(ctx, id, frame{
		Type:           frameTypeUnsubscribed,
		SubscriptionID: sub.String(),
		StreamType:     string(streamType),
	})
}
