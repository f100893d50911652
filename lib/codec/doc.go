// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides subscriptiond's standard CBOR encoding configuration.
//
// subscriptiond uses CBOR for two things:
//
//   - entity payloads queued in notifications (internal/entity's
//     Serialize and Decode functions), and
//   - the frames exchanged with subscribers over the Unix socket
//     (internal/transport).
//
// The daemon's other outputs (log/slog logs and the Prometheus
// /metrics endpoint) do not go through this package.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every subscriptiond package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations (entity payloads):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (socket frames):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON or interact with CLI tooling.
//     Examples: the entity types in internal/entity and the socket
//     frames in internal/transport.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract — doubling up is noise that obscures
// whether a type participates in JSON serialization.
package codec
