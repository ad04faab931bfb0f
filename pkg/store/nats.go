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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/relaygrid/fleetsync/pkg/logger"
)

// NatsStore implements Store on a NATS JetStream key-value bucket. Slash
// paths map to dot-separated KV keys; a trailing "/*" maps to a ".>"
// wildcard subscription.
type NatsStore struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	ctx    context.Context
	logger logger.Logger
}

// NewNatsStore connects to NATS and binds (or creates) the bucket.
func NewNatsStore(ctx context.Context, natsURL, bucket string, log logger.Logger) (*NatsStore, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create KV bucket: %w", err)
	}

	return &NatsStore{
		nc:     nc,
		kv:     kv,
		ctx:    ctx,
		logger: log,
	}, nil
}

// Conn exposes the underlying connection so other components, like the push
// gateway, can share it.
func (n *NatsStore) Conn() *nats.Conn {
	return n.nc
}

// pathToKey converts a slash path into a KV key. A trailing "/*" becomes the
// NATS ".>" wildcard.
func pathToKey(path string) string {
	path = strings.Trim(path, "/")
	if strings.HasSuffix(path, "/*") {
		path = strings.TrimSuffix(path, "/*") + "/>"
	}

	return strings.ReplaceAll(path, "/", ".")
}

func keyToPath(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

func (n *NatsStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	entry, err := n.kv.Get(ctx, pathToKey(path))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get node %s: %w", path, err)
	}

	return entry.Value(), true, nil
}

func (n *NatsStore) GetAll(ctx context.Context, prefix string) (map[string][]byte, error) {
	filter := pathToKey(strings.Trim(prefix, "/") + "/*")

	lister, err := n.kv.ListKeysFiltered(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes under %s: %w", prefix, err)
	}

	out := make(map[string][]byte)
	base := pathToKey(prefix) + "."

	for key := range lister.Keys() {
		entry, err := n.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue // removed between list and get
		}

		if err != nil {
			return nil, fmt.Errorf("failed to get node %s: %w", keyToPath(key), err)
		}

		out[keyToPath(strings.TrimPrefix(key, base))] = entry.Value()
	}

	return out, nil
}

func (n *NatsStore) Set(ctx context.Context, path string, value []byte) error {
	if _, err := n.kv.Put(ctx, pathToKey(path), value); err != nil {
		return fmt.Errorf("failed to set node %s: %w", path, err)
	}

	return nil
}

func (n *NatsStore) Update(ctx context.Context, path string, partial map[string]interface{}) error {
	current, found, err := n.Get(ctx, path)
	if err != nil {
		return err
	}

	merged := make(map[string]interface{})

	if found {
		if err := json.Unmarshal(current, &merged); err != nil {
			return fmt.Errorf("failed to decode node %s for update: %w", path, err)
		}
	}

	for k, v := range partial {
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode node %s: %w", path, err)
	}

	return n.Set(ctx, path, data)
}

func (n *NatsStore) Remove(ctx context.Context, path string) error {
	err := n.kv.Delete(ctx, pathToKey(path))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to remove node %s: %w", path, err)
	}

	return nil
}

func (n *NatsStore) Watch(ctx context.Context, path string) (<-chan Event, error) {
	watcher, err := n.kv.Watch(ctx, pathToKey(path), jetstream.UpdatesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	ch := make(chan Event, 1)
	go n.handleWatchUpdates(ctx, path, watcher, ch)

	return ch, nil
}

// handleWatchUpdates forwards watcher entries to the channel as Events.
func (n *NatsStore) handleWatchUpdates(ctx context.Context, path string, watcher jetstream.KeyWatcher, ch chan<- Event) {
	defer func() {
		if err := watcher.Stop(); err != nil && n.logger != nil {
			n.logger.Warn().Err(err).Str("path", path).Msg("Failed to stop watcher")
		}

		close(ch)
	}()

	for {
		entry := n.waitForUpdate(ctx, watcher)
		if entry == nil {
			return // context canceled or watcher closed
		}

		event := Event{Path: keyToPath(entry.Key())}

		switch entry.Operation() {
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			event.Deleted = true
		default:
			event.Value = entry.Value()
		}

		if !n.sendEvent(ctx, ch, event) {
			return
		}
	}
}

// waitForUpdate waits for the next entry or context cancellation.
func (n *NatsStore) waitForUpdate(ctx context.Context, watcher jetstream.KeyWatcher) jetstream.KeyValueEntry {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.ctx.Done():
			return nil
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil
			}

			if entry == nil {
				continue // initial replay marker
			}

			return entry
		}
	}
}

// sendEvent attempts to send the event, respecting context cancellation.
func (n *NatsStore) sendEvent(ctx context.Context, ch chan<- Event, event Event) bool {
	select {
	case ch <- event:
		return true
	case <-ctx.Done():
		return false
	case <-n.ctx.Done():
		return false
	}
}

func (n *NatsStore) Close() error {
	n.nc.Close()

	return nil
}

var _ Store = (*NatsStore)(nil)
