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
	"sync"
)

// ErrStoreClosed is returned for operations on a closed MemStore.
var ErrStoreClosed = errors.New("store is closed")

const memWatchBuffer = 64

// MemStore is an in-process Store used by tests and embedded/dev runs.
type MemStore struct {
	mu       sync.RWMutex
	nodes    map[string][]byte
	watchers map[int]*memWatcher
	nextID   int
	closed   bool
}

type memWatcher struct {
	pattern string
	ch      chan Event
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes:    make(map[string][]byte),
		watchers: make(map[int]*memWatcher),
	}
}

func normalizePath(path string) string {
	return strings.Trim(path, "/")
}

// matches reports whether path matches pattern. A pattern ending in "/*"
// matches every node under the prefix.
func matches(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(path, prefix+"/")
	}

	return pattern == path
}

func (m *MemStore) Get(_ context.Context, path string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, ErrStoreClosed
	}

	value, ok := m.nodes[normalizePath(path)]
	if !ok {
		return nil, false, nil
	}

	out := make([]byte, len(value))
	copy(out, value)

	return out, true, nil
}

func (m *MemStore) GetAll(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	base := normalizePath(prefix) + "/"
	out := make(map[string][]byte)

	for path, value := range m.nodes {
		if rel, ok := strings.CutPrefix(path, base); ok {
			cp := make([]byte, len(value))
			copy(cp, value)
			out[rel] = cp
		}
	}

	return out, nil
}

func (m *MemStore) Set(_ context.Context, path string, value []byte) error {
	path = normalizePath(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	m.nodes[path] = cp

	m.notifyLocked(Event{Path: path, Value: cp})

	return nil
}

func (m *MemStore) Update(ctx context.Context, path string, partial map[string]interface{}) error {
	current, found, err := m.Get(ctx, path)
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

	return m.Set(ctx, path, data)
}

func (m *MemStore) Remove(_ context.Context, path string) error {
	path = normalizePath(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if _, ok := m.nodes[path]; !ok {
		return nil
	}

	delete(m.nodes, path)
	m.notifyLocked(Event{Path: path, Deleted: true})

	return nil
}

func (m *MemStore) Watch(ctx context.Context, path string) (<-chan Event, error) {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return nil, ErrStoreClosed
	}

	w := &memWatcher{
		pattern: normalizePath(strings.TrimSuffix(path, "/*")) + watchSuffix(path),
		ch:      make(chan Event, memWatchBuffer),
	}

	id := m.nextID
	m.nextID++
	m.watchers[id] = w
	m.mu.Unlock()

	go func() {
		<-ctx.Done()

		m.mu.Lock()
		if _, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(w.ch)
		}
		m.mu.Unlock()
	}()

	return w.ch, nil
}

func watchSuffix(path string) string {
	if strings.HasSuffix(path, "/*") {
		return "/*"
	}

	return ""
}

// notifyLocked fans an event out to matching watchers. Slow consumers drop
// events rather than block a store write.
func (m *MemStore) notifyLocked(event Event) {
	for _, w := range m.watchers {
		if !matches(w.pattern, event.Path) {
			continue
		}

		select {
		case w.ch <- event:
		default:
		}
	}
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true

	for id, w := range m.watchers {
		delete(m.watchers, id)
		close(w.ch)
	}

	return nil
}

var _ Store = (*MemStore)(nil)
