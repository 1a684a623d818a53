// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package filecache provides a cache.Medium that keeps each key in its own file.
// Files are created with 0600 permissions inside a 0700 directory.
package filecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/msauth/msauth-go/apps/cache"
)

// DefaultDir is the directory, relative to the user's config dir, used when New is
// given an empty dir.
const DefaultDir = "msauth"

// Medium stores cache entries as files under a directory.
type Medium struct {
	dir string
}

// New creates the storage directory if needed and returns a Medium rooted at it.
func New(dir string) (*Medium, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user config directory: %w", err)
		}
		dir = filepath.Join(base, DefaultDir)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Medium{dir: dir}, nil
}

// path maps a key to a filesystem-safe file name.
func (m *Medium) path(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(m.dir, hex.EncodeToString(hash[:16])+".json")
}

// Load implements cache.Medium.Load().
func (m *Medium) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// #nosec G304 -- the file name is a hash of the key, not user input
	b, err := os.ReadFile(m.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, cache.ErrNotFound
	}
	return b, err
}

// Save implements cache.Medium.Save(). The write goes to a temporary file that is
// renamed over the target so a reader never sees a partial entry.
func (m *Medium) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := m.path(key)

	f, err := os.CreateTemp(m.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := f.Chmod(0600); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

// Delete implements cache.Medium.Delete().
func (m *Medium) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(m.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
