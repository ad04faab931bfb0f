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

// Package watch manages live store subscriptions, keeping at most one
// subscription per (kind, key).
package watch

import (
	"context"
	"sync"

	"github.com/relaygrid/fleetsync/pkg/logger"
	"github.com/relaygrid/fleetsync/pkg/store"
)

// Kind names a category of live watch. Each (kind, key) pair holds at most
// one subscription at a time.
type Kind string

const (
	KindReply      Kind = "reply"
	KindSmsStatus  Kind = "sms_status"
	KindSimForward Kind = "sim_forward"
	KindRegistry   Kind = "registry"
)

// Callback receives change events for a watched path. Callbacks run on the
// watch goroutine; panics are recovered and logged so a bad callback cannot
// take down the subscription loop.
type Callback func(event store.Event)

type handleKey struct {
	kind Kind
	key  string
}

// Registry owns the watch-handle table. Starting a watch for a key that
// already has one cancels the old subscription first, so repeated requests
// for the same logical watch never accumulate duplicate listeners.
type Registry struct {
	store  store.Store
	logger logger.Logger

	mu      sync.Mutex
	handles map[handleKey]context.CancelFunc
}

// NewRegistry creates an empty registry on the given store.
func NewRegistry(s store.Store, log logger.Logger) *Registry {
	return &Registry{
		store:   s,
		logger:  log,
		handles: make(map[handleKey]context.CancelFunc),
	}
}

// Start subscribes to path and invokes fn for every change. Any existing
// subscription for (kind, key) is stopped first.
func (r *Registry) Start(ctx context.Context, kind Kind, key, path string, fn Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hk := handleKey{kind: kind, key: key}
	r.stopLocked(hk)

	wctx, cancel := context.WithCancel(ctx)

	ch, err := r.store.Watch(wctx, path)
	if err != nil {
		cancel()

		return err
	}

	r.handles[hk] = cancel

	go r.consume(kind, key, ch, fn)

	r.logger.Debug().
		Str("kind", string(kind)).
		Str("key", key).
		Str("path", path).
		Msg("Watch started")

	return nil
}

// Stop cancels the subscription for (kind, key). Stopping an unknown key is
// a no-op.
func (r *Registry) Stop(kind Kind, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked(handleKey{kind: kind, key: key})
}

// StopAll cancels every live subscription.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for hk := range r.handles {
		r.stopLocked(hk)
	}
}

// Count reports the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.handles)
}

func (r *Registry) stopLocked(hk handleKey) {
	cancel, ok := r.handles[hk]
	if !ok {
		return
	}

	cancel()
	delete(r.handles, hk)

	r.logger.Debug().
		Str("kind", string(hk.kind)).
		Str("key", hk.key).
		Msg("Watch stopped")
}

// consume drains the event channel until the subscription is canceled.
func (r *Registry) consume(kind Kind, key string, ch <-chan store.Event, fn Callback) {
	for event := range ch {
		r.invoke(kind, key, event, fn)
	}
}

func (r *Registry) invoke(kind Kind, key string, event store.Event, fn Callback) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("kind", string(kind)).
				Str("key", key).
				Str("path", event.Path).
				Interface("panic", rec).
				Msg("Watch callback panicked")
		}
	}()

	fn(event)
}
