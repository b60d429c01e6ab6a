// Package cache serves server-owned data network-first and falls back to the
// local store when the network is unavailable.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOffline is reported as the fetch error when the fetch was skipped
// because the device is known to be offline.
var ErrOffline = errors.New("offline")

// Source tells where returned items came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Result carries loaded items and their provenance. FetchErr is set when the
// items are cached data served because the network fetch failed.
type Result[T any] struct {
	Items    []T
	Source   Source
	FetchErr error
}

// Stale reports whether the items came from the local cache.
func (r Result[T]) Stale() bool {
	return r.Source == SourceCache
}

// Facade runs network-first loads. Background cache writes are tracked so
// Wait can flush them.
type Facade struct {
	logger  *slog.Logger
	timeout time.Duration
	online  func() bool
	wg      sync.WaitGroup
}

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the logger for background write failures.
func WithLogger(l *slog.Logger) Option {
	return func(f *Facade) { f.logger = l }
}

// WithTimeout bounds each network fetch.
func WithTimeout(d time.Duration) Option {
	return func(f *Facade) { f.timeout = d }
}

// WithOnline lets the facade skip fetches while online reports false.
func WithOnline(online func() bool) Option {
	return func(f *Facade) { f.online = online }
}

// NewFacade returns a Facade.
func NewFacade(opts ...Option) *Facade {
	f := &Facade{logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Wait blocks until every background cache write has finished.
func (f *Facade) Wait() {
	f.wg.Wait()
}

// LoadWithFallback fetches from the network and refreshes the cache in the
// background. If the fetch fails, the cached items are returned instead. An
// error is returned only when the fallback read itself fails.
func LoadWithFallback[T any](
	ctx context.Context,
	f *Facade,
	name string,
	fetch func(context.Context) ([]T, error),
	read func(context.Context) ([]T, error),
	write func(context.Context, []T) error,
) (Result[T], error) {
	var fetchErr error
	if f.online != nil && !f.online() {
		fetchErr = ErrOffline
	} else {
		fetchCtx, cancel := ctx, context.CancelFunc(func() {})
		if f.timeout > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, f.timeout)
		}
		items, err := fetch(fetchCtx)
		cancel()
		if err == nil {
			if items == nil {
				items = []T{}
			}
			writeBehind(ctx, f, name, items, write)
			return Result[T]{Items: items, Source: SourceNetwork}, nil
		}
		fetchErr = err
	}

	f.logger.Debug("Serving cached data", "resource", name, "reason", fetchErr)
	items, err := read(ctx)
	if err != nil {
		return Result[T]{}, fmt.Errorf("failed to read cached %s after fetch failed (%v): %w", name, fetchErr, err)
	}
	if items == nil {
		items = []T{}
	}
	return Result[T]{Items: items, Source: SourceCache, FetchErr: fetchErr}, nil
}

// writeBehind stores fresh items without holding up the caller. The write
// outlives ctx cancellation; failures are only logged.
func writeBehind[T any](ctx context.Context, f *Facade, name string, items []T, write func(context.Context, []T) error) {
	if write == nil {
		return
	}
	wctx := context.WithoutCancel(ctx)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := write(wctx, items); err != nil {
			f.logger.Warn("Failed to update local cache", "resource", name, "error", err)
		}
	}()
}
