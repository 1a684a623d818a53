// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package keyringcache provides a cache.Medium backed by the operating system's secret
store (macOS Keychain, Windows Credential Manager, Secret Service on Linux).

Windows refuses secrets over 2560 bytes and macOS over about 3000, well below the size
of a session holding access, refresh and ID tokens. A value is therefore split into
chunks of at most ChunkSize characters, each its own keyring item, and the item named
by the key only records how many chunks there are.
*/
package keyringcache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/msauth/msauth-go/apps/cache"
	"github.com/zalando/go-keyring"
)

// DefaultService is the keyring service name used when New is given an empty one.
const DefaultService = "msauth"

// ChunkSize is the largest secret written to the keyring. It leaves room for the
// base64 wrapping the macOS backend applies on top.
const ChunkSize = 1500

const headerPrefix = "chunks:"

// Medium stores each key as a set of secrets of a keyring service. Writers of the same
// key must not run concurrently.
type Medium struct {
	service string
}

// New returns a Medium that stores secrets under service.
func New(service string) *Medium {
	if service == "" {
		service = DefaultService
	}
	return &Medium{service: service}
}

func chunkKey(key string, i int) string {
	return key + "#" + strconv.Itoa(i)
}

// chunks returns how many chunks key is stored in.
func (m *Medium) chunks(key string) (int, error) {
	header, err := keyring.Get(m.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return 0, cache.ErrNotFound
		}
		return 0, fmt.Errorf("keyring read failed: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(header, headerPrefix))
	if !strings.HasPrefix(header, headerPrefix) || err != nil || n < 0 {
		return 0, fmt.Errorf("keyring entry for %q is not a chunk header", key)
	}
	return n, nil
}

// Load implements cache.Medium.Load().
func (m *Medium) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := m.chunks(key)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		part, err := keyring.Get(m.service, chunkKey(key, i))
		if err != nil {
			return nil, fmt.Errorf("keyring entry for %q is missing chunk %d of %d: %w", key, i, n, err)
		}
		sb.WriteString(part)
	}
	b, err := base64.StdEncoding.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("keyring entry for %q is not valid base64: %w", key, err)
	}
	return b, nil
}

// Save implements cache.Medium.Save().
func (m *Medium) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// chunks past the new count are removed afterwards; an unreadable header has none
	old, _ := m.chunks(key)

	encoded := base64.StdEncoding.EncodeToString(data)
	n := 0
	for ; len(encoded) > 0; n++ {
		part := encoded[:min(ChunkSize, len(encoded))]
		encoded = encoded[len(part):]
		if err := keyring.Set(m.service, chunkKey(key, n), part); err != nil {
			return fmt.Errorf("keyring write failed: %w", err)
		}
	}
	if err := keyring.Set(m.service, key, headerPrefix+strconv.Itoa(n)); err != nil {
		return fmt.Errorf("keyring write failed: %w", err)
	}
	return m.deleteChunks(key, n, old)
}

// Delete implements cache.Medium.Delete().
func (m *Medium) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := m.chunks(key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.deleteChunks(key, 0, n); err != nil {
		return err
	}
	if err := keyring.Delete(m.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete failed: %w", err)
	}
	return nil
}

// deleteChunks removes chunks [from, to) of key.
func (m *Medium) deleteChunks(key string, from, to int) error {
	for i := from; i < to; i++ {
		if err := keyring.Delete(m.service, chunkKey(key, i)); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("keyring delete failed: %w", err)
		}
	}
	return nil
}
