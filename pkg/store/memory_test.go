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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreSetGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, found, err := s.Get(ctx, "status/D1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "status/D1", []byte(`{"connectivity":"Online"}`)))

	value, found, err := s.Get(ctx, "status/D1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"connectivity":"Online"}`, string(value))
}

func TestMemStoreGetAllReturnsRelativePaths(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Set(ctx, "registeredDevices/D1", []byte(`{"name":"a"}`)))
	require.NoError(t, s.Set(ctx, "registeredDevices/D2", []byte(`{"name":"b"}`)))
	require.NoError(t, s.Set(ctx, "status/D1", []byte(`{}`)))

	nodes, err := s.GetAll(ctx, "registeredDevices")
	require.NoError(t, err)

	require.Len(t, nodes, 2)
	assert.Contains(t, nodes, "D1")
	assert.Contains(t, nodes, "D2")
}

func TestMemStoreUpdateMergesPartial(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Set(ctx, "registeredDevices/D1", []byte(`{"name":"a","model":"m1"}`)))
	require.NoError(t, s.Update(ctx, "registeredDevices/D1", map[string]interface{}{"model": "m2"}))

	value, found, err := s.Get(ctx, "registeredDevices/D1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"name":"a","model":"m2"}`, string(value))
}

func TestMemStoreRemoveMissingIsNoop(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Remove(context.Background(), "status/NOPE"))
}

func TestMemStoreWatchWildcard(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewMemStore()

	events, err := s.Watch(ctx, "commandCenter/deviceCommands/*")
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "commandCenter/deviceCommands/D1", []byte(`{"action":"sms"}`)))
	require.NoError(t, s.Set(ctx, "status/D1", []byte(`{}`))) // outside pattern

	select {
	case ev := <-events:
		assert.Equal(t, "commandCenter/deviceCommands/D1", ev.Path)
		assert.False(t, ev.Deleted)
	case <-time.After(time.Second):
		t.Fatal("expected a watch event")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for %s", ev.Path)
	default:
	}
}

func TestMemStoreWatchExactPathAndDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewMemStore()

	events, err := s.Watch(ctx, "commandCenter/admin/main")
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "commandCenter/admin/main", []byte(`{"number":"1"}`)))
	require.NoError(t, s.Remove(ctx, "commandCenter/admin/main"))

	ev := <-events
	assert.False(t, ev.Deleted)

	ev = <-events
	assert.True(t, ev.Deleted)
	assert.Equal(t, "commandCenter/admin/main", ev.Path)
}

func TestMemStoreWatchClosedOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	s := NewMemStore()

	events, err := s.Watch(ctx, "status/*")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected watch channel to close")
	}
}

func TestMemStoreClose(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Close())

	err := s.Set(ctx, "status/D1", []byte(`{}`))
	assert.ErrorIs(t, err, ErrStoreClosed)

	_, _, err = s.Get(ctx, "status/D1")
	assert.ErrorIs(t, err, ErrStoreClosed)

	// Idempotent.
	require.NoError(t, s.Close())
}

func TestMemStoreJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	type record struct {
		Name string `json:"name"`
	}

	require.NoError(t, SetJSON(ctx, s, "registeredDevices/D1", record{Name: "alpha"}))

	got, found, err := GetJSON[record](ctx, s, "registeredDevices/D1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alpha", got.Name)

	_, found, err = GetJSON[record](ctx, s, "registeredDevices/D2")
	require.NoError(t, err)
	assert.False(t, found)
}
