package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/conorfennell/tutorsync/internal/domain"
	"github.com/conorfennell/tutorsync/internal/validation"
)

// SaveFlashcards upserts items into the flashcard cache.
//
// With overwrite set, items is treated as the complete server snapshot: every
// cached flashcard whose id is not in items is deleted in the same
// transaction. An empty snapshot therefore evicts everything. Without
// overwrite the save is an additive merge and an empty items is a no-op.
//
// It returns the number of evicted flashcards.
func (db *DB) SaveFlashcards(ctx context.Context, items []domain.Flashcard, overwrite bool) (int, error) {
	for _, card := range items {
		if err := validation.Struct(card); err != nil {
			return 0, fmt.Errorf("invalid flashcard %q: %w", card.ID, err)
		}
	}
	if len(items) == 0 && !overwrite {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var evicted int
	if overwrite {
		evicted, err = evictFlashcards(ctx, tx, items)
		if err != nil {
			return 0, err
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO flashcards (id, subject_id, chapter_id, question, answer, difficulty, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject_id = excluded.subject_id,
			chapter_id = excluded.chapter_id,
			question = excluded.question,
			answer = excluded.answer,
			difficulty = excluded.difficulty,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare flashcard upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, card := range items {
		updatedAt := card.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		var chapterID sql.NullString
		if card.ChapterID != nil {
			chapterID = sql.NullString{String: *card.ChapterID, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			card.ID,
			card.SubjectID,
			chapterID,
			card.Question,
			card.Answer,
			card.Difficulty,
			updatedAt.UTC(),
		); err != nil {
			return 0, fmt.Errorf("failed to upsert flashcard %s: %w", card.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit flashcards: %w", err)
	}
	return evicted, nil
}

// evictFlashcards deletes every cached flashcard not present in keep.
func evictFlashcards(ctx context.Context, tx *sql.Tx, keep []domain.Flashcard) (int, error) {
	found := make(map[string]bool, len(keep))
	for _, card := range keep {
		found[card.ID] = true
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM flashcards`)
	if err != nil {
		return 0, fmt.Errorf("failed to list cached flashcards: %w", err)
	}
	var orphaned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan flashcard id: %w", err)
		}
		if !found[id] {
			orphaned = append(orphaned, id)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("failed to list cached flashcards: %w", err)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to list cached flashcards: %w", err)
	}

	for _, id := range orphaned {
		if _, err := tx.ExecContext(ctx, `DELETE FROM flashcards WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to delete flashcard %s: %w", id, err)
		}
	}
	return len(orphaned), nil
}

// GetFlashcards returns the cached flashcards of a subject, or all of them
// when subjectID is empty. It returns an empty slice when nothing is cached.
func (db *DB) GetFlashcards(ctx context.Context, subjectID string) ([]domain.Flashcard, error) {
	query := `
		SELECT id, subject_id, chapter_id, question, answer, difficulty, updated_at
		FROM flashcards`
	var args []any
	if subjectID != "" {
		query += ` WHERE subject_id = ?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY subject_id, id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get flashcards: %w", err)
	}
	defer rows.Close()

	cards := []domain.Flashcard{}
	for rows.Next() {
		var (
			card      domain.Flashcard
			chapterID sql.NullString
		)
		if err := rows.Scan(
			&card.ID,
			&card.SubjectID,
			&chapterID,
			&card.Question,
			&card.Answer,
			&card.Difficulty,
			&card.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan flashcard row: %w", err)
		}
		if chapterID.Valid {
			card.ChapterID = &chapterID.String
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read flashcards: %w", err)
	}
	return cards, nil
}

// SaveTests upserts tests into the cache. Tests are fetched per subject, so
// the save is always additive. Each saved test's questions are replaced by
// the incoming list, ordered by Position.
func (db *DB) SaveTests(ctx context.Context, items []domain.Test) error {
	for _, test := range items {
		if err := validation.Struct(test); err != nil {
			return fmt.Errorf("invalid test %q: %w", test.ID, err)
		}
	}
	if len(items) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, test := range items {
		updatedAt := test.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tests (id, subject_id, title, time_limit_seconds, passing_score, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				subject_id = excluded.subject_id,
				title = excluded.title,
				time_limit_seconds = excluded.time_limit_seconds,
				passing_score = excluded.passing_score,
				updated_at = excluded.updated_at
		`,
			test.ID,
			test.SubjectID,
			test.Title,
			test.TimeLimitSeconds,
			test.PassingScore,
			updatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to upsert test %s: %w", test.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM test_questions WHERE test_id = ?`, test.ID); err != nil {
			return fmt.Errorf("failed to clear questions for test %s: %w", test.ID, err)
		}

		questions := make([]domain.Question, len(test.Questions))
		copy(questions, test.Questions)
		sort.SliceStable(questions, func(i, j int) bool { return questions[i].Position < questions[j].Position })

		for i, q := range questions {
			options, err := json.Marshal(q.Options)
			if err != nil {
				return fmt.Errorf("failed to marshal options for question %s: %w", q.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO test_questions (test_id, ordinal, position, id, text, options, answer)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, test.ID, i, q.Position, q.ID, q.Text, string(options), q.Answer); err != nil {
				return fmt.Errorf("failed to insert question %s for test %s: %w", q.ID, test.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tests: %w", err)
	}
	return nil
}

// GetTests returns the cached tests of a subject, or all of them when
// subjectID is empty, each with its questions in order.
func (db *DB) GetTests(ctx context.Context, subjectID string) ([]domain.Test, error) {
	query := `
		SELECT id, subject_id, title, time_limit_seconds, passing_score, updated_at
		FROM tests`
	var args []any
	if subjectID != "" {
		query += ` WHERE subject_id = ?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY subject_id, id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get tests: %w", err)
	}

	tests := []domain.Test{}
	index := make(map[string]int)
	for rows.Next() {
		var test domain.Test
		if err := rows.Scan(
			&test.ID,
			&test.SubjectID,
			&test.Title,
			&test.TimeLimitSeconds,
			&test.PassingScore,
			&test.UpdatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan test row: %w", err)
		}
		test.Questions = []domain.Question{}
		index[test.ID] = len(tests)
		tests = append(tests, test)
	}
	// The store runs on a single connection, so this result set must be
	// closed before the questions query.
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to read tests: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tests: %w", err)
	}
	if len(tests) == 0 {
		return tests, nil
	}

	qquery := `
		SELECT q.test_id, q.position, q.id, q.text, q.options, q.answer
		FROM test_questions q JOIN tests t ON t.id = q.test_id`
	if subjectID != "" {
		qquery += ` WHERE t.subject_id = ?`
	}
	qquery += ` ORDER BY q.test_id, q.ordinal`

	qrows, err := db.conn.QueryContext(ctx, qquery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get test questions: %w", err)
	}
	defer qrows.Close()

	for qrows.Next() {
		var (
			testID  string
			q       domain.Question
			options string
		)
		if err := qrows.Scan(&testID, &q.Position, &q.ID, &q.Text, &options, &q.Answer); err != nil {
			return nil, fmt.Errorf("failed to scan question row: %w", err)
		}
		if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
			return nil, fmt.Errorf("failed to decode options for question %s: %w", q.ID, err)
		}
		i, ok := index[testID]
		if !ok {
			continue
		}
		tests[i].Questions = append(tests[i].Questions, q)
	}
	if err := qrows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read test questions: %w", err)
	}
	return tests, nil
}
