// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package cache allows third parties to implement external storage for caching token data
across page loads and process restarts.

The data stored and extracted will represent the entire session of one client
application against one authority. Therefore it is recommended one msauth partition per
user. This data is considered opaque and there are no guarantees to implementers on the
format being passed.

Ready made media live in the filecache, keyringcache and sqlitecache sub-packages.
*/
package cache

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Medium.Load when nothing is stored under a key.
var ErrNotFound = errors.New("cache: entry not found")

// Medium is a durable key-value store. The session is replaced from the Medium before
// every read and exported to it after every write, so an implementation must survive
// whatever boundary the application needs to cross (a full-page redirect, a process
// restart). A session that becomes empty is deleted rather than saved. Implementors
// should honor Context cancellations and return
// context.Canceled or context.DeadlineExceeded in those cases.
type Medium interface {
	// Load returns the bytes stored under key or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// Save stores data under key, replacing anything already there.
	Save(ctx context.Context, key string, data []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Memory is a Medium that lives as long as the process. It is the default.
type Memory struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// NewMemory is the constructor for Memory.
func NewMemory() *Memory {
	return &Memory{m: map[string][]byte{}}
}

// Load implements Medium.Load().
func (m *Memory) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// Save implements Medium.Save().
func (m *Memory) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.m[key] = append([]byte(nil), data...)
	return nil
}

// Delete implements Medium.Delete().
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.m, key)
	return nil
}
