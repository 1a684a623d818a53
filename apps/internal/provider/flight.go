// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// flights runs at most one call per key. A call runs on a context none of its callers
// own, so one caller giving up does not fail the others; each caller only stops waiting.
// The call is cancelled once no caller is left waiting for it.
type flights struct {
	group singleflight.Group

	mu      sync.Mutex
	waiting map[string]int
	cancel  map[string]context.CancelFunc
}

// do runs fn for key, or joins the call already running for key. fn's context keeps
// the values of ctx and expires after timeout.
func (f *flights) do(ctx context.Context, key string, timeout time.Duration, fn func(context.Context) (Result, error)) (Result, error) {
	f.mu.Lock()
	if f.waiting == nil {
		f.waiting = map[string]int{}
		f.cancel = map[string]context.CancelFunc{}
	}
	f.waiting[key]++
	f.mu.Unlock()

	ch := f.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		f.mu.Lock()
		if f.waiting[key] == 0 {
			cancel()
		} else {
			f.cancel[key] = cancel
		}
		f.mu.Unlock()
		defer func() {
			f.mu.Lock()
			delete(f.cancel, key)
			f.mu.Unlock()
		}()

		return fn(fctx)
	})

	select {
	case r := <-ch:
		f.leave(key)
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result).clone(), nil
	case <-ctx.Done():
		f.leave(key)
		return Result{}, ctx.Err()
	}
}

func (f *flights) leave(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.waiting[key]--
	if f.waiting[key] > 0 {
		return
	}
	delete(f.waiting, key)
	if cancel, ok := f.cancel[key]; ok {
		cancel()
	}
}
