/*
 * Copyright 2026 Relaygrid, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:generate mockgen -destination=mock_store.go -package=store github.com/relaygrid/fleetsync/pkg/store Store

// Package store defines the path-addressable hierarchical store consumed by
// the fleet synchronization core, with NATS JetStream KV and in-memory
// backends.
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event is one change notification from a watched path.
type Event struct {
	// Path is the full slash-separated path of the changed node.
	Path string
	// Value is the new node content; nil when the node was deleted.
	Value []byte
	// Deleted reports whether the node was removed.
	Deleted bool
}

// Store is a path-addressable hierarchical key-value store. Paths are
// slash-separated ("status/D1"). Watch accepts either a concrete path or a
// pattern ending in "/*", which matches every direct and nested child.
type Store interface {
	// Get retrieves the node at path. The boolean reports whether the node
	// exists.
	Get(ctx context.Context, path string) ([]byte, bool, error)

	// GetAll retrieves every node under prefix, keyed by the path relative
	// to the prefix.
	GetAll(ctx context.Context, prefix string) (map[string][]byte, error)

	// Set stores value at path, replacing any existing node.
	Set(ctx context.Context, path string, value []byte) error

	// Update merges partial into the JSON object stored at path. Missing
	// nodes are created from the partial alone.
	Update(ctx context.Context, path string, partial map[string]interface{}) error

	// Remove deletes the node at path. Removing a missing node is a no-op.
	Remove(ctx context.Context, path string) error

	// Watch monitors path (or a "/*" pattern) for changes. The returned
	// channel is closed when the context is canceled or the store closes.
	Watch(ctx context.Context, path string) (<-chan Event, error)

	// Close shuts down the store, releasing any resources.
	Close() error
}

// GetJSON fetches the node at path and unmarshals it into a T.
func GetJSON[T any](ctx context.Context, s Store, path string) (*T, bool, error) {
	data, found, err := s.Get(ctx, path)
	if err != nil || !found {
		return nil, found, err
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, true, fmt.Errorf("failed to decode node %s: %w", path, err)
	}

	return &v, true, nil
}

// SetJSON marshals v and stores it at path.
func SetJSON(ctx context.Context, s Store, path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode node %s: %w", path, err)
	}

	return s.Set(ctx, path, data)
}
