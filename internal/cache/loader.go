package cache

import (
	"context"
	"fmt"

	"github.com/conorfennell/tutorsync/internal/domain"
)

// Fetcher reads server-owned data.
type Fetcher interface {
	FetchFlashcards(ctx context.Context, subjectID string) ([]domain.Flashcard, error)
	FetchTests(ctx context.Context, subjectID string) ([]domain.Test, error)
}

// Store is the local cache.
type Store interface {
	SaveFlashcards(ctx context.Context, items []domain.Flashcard, overwrite bool) (int, error)
	GetFlashcards(ctx context.Context, subjectID string) ([]domain.Flashcard, error)
	SaveTests(ctx context.Context, items []domain.Test) error
	GetTests(ctx context.Context, subjectID string) ([]domain.Test, error)
}

// Loader serves flashcards and tests through the facade.
type Loader struct {
	facade *Facade
	remote Fetcher
	store  Store
}

// NewLoader returns a Loader.
func NewLoader(f *Facade, remote Fetcher, store Store) *Loader {
	return &Loader{facade: f, remote: remote, store: store}
}

// Facade returns the underlying facade.
func (l *Loader) Facade() *Facade {
	return l.facade
}

// Flashcards loads the flashcards of a subject. An empty subject loads every
// flashcard, and a successful full load replaces the cached set so flashcards
// deleted on the server disappear locally.
func (l *Loader) Flashcards(ctx context.Context, subjectID string) (Result[domain.Flashcard], error) {
	overwrite := subjectID == ""
	return LoadWithFallback(ctx, l.facade, "flashcards",
		func(ctx context.Context) ([]domain.Flashcard, error) {
			return l.remote.FetchFlashcards(ctx, subjectID)
		},
		func(ctx context.Context) ([]domain.Flashcard, error) {
			return l.store.GetFlashcards(ctx, subjectID)
		},
		func(ctx context.Context, items []domain.Flashcard) error {
			_, err := l.store.SaveFlashcards(ctx, items, overwrite)
			return err
		},
	)
}

// Tests loads the tests of a subject. Cached tests are merged, never evicted.
func (l *Loader) Tests(ctx context.Context, subjectID string) (Result[domain.Test], error) {
	return LoadWithFallback(ctx, l.facade, "tests",
		func(ctx context.Context) ([]domain.Test, error) {
			return l.remote.FetchTests(ctx, subjectID)
		},
		func(ctx context.Context) ([]domain.Test, error) {
			return l.store.GetTests(ctx, subjectID)
		},
		l.store.SaveTests,
	)
}

// RefreshSummary reports what a Refresh stored.
type RefreshSummary struct {
	Flashcards int      `json:"flashcards"`
	Evicted    int      `json:"evicted"`
	Tests      int      `json:"tests"`
	Subjects   []string `json:"subjects"`
	Failed     []string `json:"failed,omitempty"`
}

// Refresh pulls the full flashcard set, replacing the cache, then the tests
// of every subject seen. Unlike Flashcards it writes synchronously and fails
// when the flashcard fetch fails. Per-subject test failures are collected in
// the summary.
func (l *Loader) Refresh(ctx context.Context) (RefreshSummary, error) {
	var summary RefreshSummary

	fetchCtx, cancel := ctx, context.CancelFunc(func() {})
	if l.facade.timeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, l.facade.timeout)
	}
	cards, err := l.remote.FetchFlashcards(fetchCtx, "")
	cancel()
	if err != nil {
		return summary, fmt.Errorf("failed to fetch flashcards: %w", err)
	}

	evicted, err := l.store.SaveFlashcards(ctx, cards, true)
	if err != nil {
		return summary, fmt.Errorf("failed to cache flashcards: %w", err)
	}
	summary.Flashcards = len(cards)
	summary.Evicted = evicted
	summary.Subjects = domain.Subjects(cards)

	for _, subject := range summary.Subjects {
		res, err := l.Tests(ctx, subject)
		if err != nil || res.Stale() {
			summary.Failed = append(summary.Failed, subject)
			continue
		}
		summary.Tests += len(res.Items)
	}
	l.facade.Wait()

	l.facade.logger.Info("Cache refreshed",
		"flashcards", summary.Flashcards,
		"evicted", summary.Evicted,
		"tests", summary.Tests,
		"failed_subjects", len(summary.Failed),
	)
	return summary, nil
}
