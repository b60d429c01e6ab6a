package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/conorfennell/tutorsync/internal/domain"
	"github.com/conorfennell/tutorsync/internal/knol"
)

// openTestDB opens a fresh database in a temporary directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func card(id, subject string) domain.Flashcard {
	return domain.Flashcard{ID: id, SubjectID: subject, Question: "Q " + id, Answer: "A " + id}
}

func ids(cards []domain.Flashcard) []string {
	out := make([]string, len(cards))
	for i, c := range cards {
		out[i] = c.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOpen_CreatesTables(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"flashcards", "tests", "test_questions", "pending_results"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := db.SaveTestResult(ctx, domain.NewResult{Kind: domain.KindTest, Payload: json.RawMessage(`{"score":80}`)}); err != nil {
		t.Fatalf("SaveTestResult() failed: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer db.Close()

	pending, err := db.GetUnsyncedTestResults(ctx)
	if err != nil {
		t.Fatalf("GetUnsyncedTestResults() failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Expected queued result to survive a reopen, got %d results", len(pending))
	}
}

func TestSaveFlashcards(t *testing.T) {
	ctx := context.Background()
	chapter := "ch-1"

	testCases := []struct {
		name        string
		initial     []domain.Flashcard
		items       []domain.Flashcard
		overwrite   bool
		subject     string
		expectedIDs []string
		evicted     int
	}{
		{
			name:        "Merge adds and keeps existing",
			initial:     []domain.Flashcard{card("1", "math"), card("2", "math")},
			items:       []domain.Flashcard{card("3", "math")},
			expectedIDs: []string{"1", "2", "3"},
		},
		{
			name:        "Merge with empty items leaves cache untouched",
			initial:     []domain.Flashcard{card("1", "math"), card("2", "math")},
			items:       nil,
			subject:     "math",
			expectedIDs: []string{"1", "2"},
		},
		{
			name:        "Overwrite evicts cards missing from snapshot",
			initial:     []domain.Flashcard{card("1", "math"), card("2", "bio"), card("3", "bio")},
			items:       []domain.Flashcard{card("2", "bio"), card("4", "chem")},
			overwrite:   true,
			expectedIDs: []string{"2", "4"},
			evicted:     2,
		},
		{
			name:        "Overwrite with empty snapshot evicts the subject",
			initial:     []domain.Flashcard{card("1", "math"), card("2", "math")},
			items:       []domain.Flashcard{},
			overwrite:   true,
			subject:     "math",
			expectedIDs: []string{},
			evicted:     2,
		},
		{
			name: "Upsert replaces fields",
			initial: []domain.Flashcard{
				{ID: "1", SubjectID: "math", Question: "old"},
			},
			items: []domain.Flashcard{
				{ID: "1", SubjectID: "math", ChapterID: &chapter, Question: "new", Difficulty: "hard"},
			},
			expectedIDs: []string{"1"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db := openTestDB(t)
			if _, err := db.SaveFlashcards(ctx, tc.initial, false); err != nil {
				t.Fatalf("SaveFlashcards() seed failed: %v", err)
			}

			evicted, err := db.SaveFlashcards(ctx, tc.items, tc.overwrite)
			if err != nil {
				t.Fatalf("SaveFlashcards() returned an unexpected error: %v", err)
			}
			if evicted != tc.evicted {
				t.Errorf("Expected %d evicted, but got %d", tc.evicted, evicted)
			}

			cards, err := db.GetFlashcards(ctx, tc.subject)
			if err != nil {
				t.Fatalf("GetFlashcards() returned an unexpected error: %v", err)
			}
			if cards == nil {
				t.Fatal("Expected an empty slice, not nil")
			}
			if got := ids(cards); !equal(got, tc.expectedIDs) {
				t.Errorf("Expected ids %v, but got %v", tc.expectedIDs, got)
			}
		})
	}
}

func TestSaveFlashcards_UpsertFields(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	chapter := "ch-7"
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := db.SaveFlashcards(ctx, []domain.Flashcard{{ID: "1", SubjectID: "math", Question: "old"}}, false); err != nil {
		t.Fatalf("SaveFlashcards() failed: %v", err)
	}
	if _, err := db.SaveFlashcards(ctx, []domain.Flashcard{{
		ID: "1", SubjectID: "math", ChapterID: &chapter, Question: "new", Answer: "a", Difficulty: "hard", UpdatedAt: updated,
	}}, false); err != nil {
		t.Fatalf("SaveFlashcards() failed: %v", err)
	}

	cards, err := db.GetFlashcards(ctx, "math")
	if err != nil || len(cards) != 1 {
		t.Fatalf("Expected one card, got %d (err %v)", len(cards), err)
	}
	c := cards[0]
	if c.Question != "new" || c.Answer != "a" || c.Difficulty != "hard" {
		t.Errorf("Expected updated fields, got %+v", c)
	}
	if c.ChapterID == nil || *c.ChapterID != "ch-7" {
		t.Errorf("Expected chapter ch-7, got %v", c.ChapterID)
	}
	if !c.UpdatedAt.Equal(updated) {
		t.Errorf("Expected updatedAt %v, got %v", updated, c.UpdatedAt)
	}
}

func TestSaveFlashcards_RejectsInvalid(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	if _, err := db.SaveFlashcards(ctx, []domain.Flashcard{card("1", "math")}, false); err != nil {
		t.Fatalf("SaveFlashcards() failed: %v", err)
	}

	// An invalid snapshot must not evict anything.
	_, err := db.SaveFlashcards(ctx, []domain.Flashcard{{ID: "2"}}, true)
	if err == nil {
		t.Fatal("Expected an error for a flashcard without subject, got none")
	}
	cards, _ := db.GetFlashcards(ctx, "")
	if len(cards) != 1 {
		t.Errorf("Expected cache to be untouched, got %d cards", len(cards))
	}
}

func TestSaveTests(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	tests := []domain.Test{
		{
			ID: "t1", SubjectID: "math", Title: "Algebra", TimeLimitSeconds: 600, PassingScore: 70,
			Questions: []domain.Question{
				{ID: "q2", Text: "second", Position: 2, Options: []string{"a", "b"}, Answer: "b"},
				{ID: "q1", Text: "first", Position: 1},
			},
		},
		{ID: "t2", SubjectID: "bio", Title: "Cells"},
	}
	if err := db.SaveTests(ctx, tests); err != nil {
		t.Fatalf("SaveTests() returned an unexpected error: %v", err)
	}

	got, err := db.GetTests(ctx, "math")
	if err != nil {
		t.Fatalf("GetTests() returned an unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 math test, but got %d", len(got))
	}
	if got[0].TimeLimit() != 10*time.Minute || got[0].PassingScore != 70 {
		t.Errorf("Unexpected test metadata: %+v", got[0])
	}
	if len(got[0].Questions) != 2 || got[0].Questions[0].ID != "q1" || got[0].Questions[1].ID != "q2" {
		t.Fatalf("Expected questions ordered [q1 q2], got %+v", got[0].Questions)
	}
	if got[0].Questions[0].Position != 1 || got[0].Questions[1].Position != 2 {
		t.Errorf("Expected positions [1 2] as sent by the server, got %+v", got[0].Questions)
	}
	if opts := got[0].Questions[1].Options; len(opts) != 2 || opts[1] != "b" {
		t.Errorf("Expected options to round-trip, got %v", opts)
	}

	// Saving is additive: re-saving t1 with one question leaves t2 alone.
	if err := db.SaveTests(ctx, []domain.Test{{ID: "t1", SubjectID: "math", Questions: []domain.Question{{ID: "q9", Text: "only"}}}}); err != nil {
		t.Fatalf("SaveTests() returned an unexpected error: %v", err)
	}
	all, err := db.GetTests(ctx, "")
	if err != nil {
		t.Fatalf("GetTests() returned an unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 tests, but got %d", len(all))
	}
	for _, test := range all {
		if test.ID == "t1" && (len(test.Questions) != 1 || test.Questions[0].ID != "q9") {
			t.Errorf("Expected t1 questions to be replaced, got %+v", test.Questions)
		}
		if test.ID == "t2" && len(test.Questions) != 0 {
			t.Errorf("Expected t2 to have no questions, got %+v", test.Questions)
		}
	}

	empty, err := db.GetTests(ctx, "history")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("Expected empty non-nil slice for unknown subject, got %v (err %v)", empty, err)
	}
}

func queue(t *testing.T, db *DB, payload string) domain.PendingResult {
	t.Helper()
	r, err := db.SaveTestResult(context.Background(), domain.NewResult{Kind: domain.KindTest, Payload: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("SaveTestResult() failed: %v", err)
	}
	return r
}

func TestSaveTestResult(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	r1 := queue(t, db, `{"score":80}`)
	r2 := queue(t, db, `{"score":80}`) // duplicate content is still queued

	if r1.ID == r2.ID {
		t.Fatal("Expected distinct ids for duplicate payloads")
	}
	if r1.Status != domain.StatusPending {
		t.Errorf("Expected status pending, got %s", r1.Status)
	}
	if err := r1.Verify(); err != nil {
		t.Errorf("Expected fresh result to verify, got %v", err)
	}

	testCases := []struct {
		name string
		in   domain.NewResult
	}{
		{"Missing kind", domain.NewResult{Payload: json.RawMessage(`{}`)}},
		{"Unknown kind", domain.NewResult{Kind: "quiz", Payload: json.RawMessage(`{}`)}},
		{"Missing payload", domain.NewResult{Kind: domain.KindTest}},
		{"Invalid payload", domain.NewResult{Kind: domain.KindTest, Payload: json.RawMessage(`{"score":`)}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := db.SaveTestResult(ctx, tc.in); err == nil {
				t.Error("Expected an error, got none")
			}
		})
	}

	pending, _ := db.GetUnsyncedTestResults(ctx)
	if len(pending) != 2 {
		t.Errorf("Expected only the 2 valid results to be queued, got %d", len(pending))
	}
}

func TestGetUnsyncedTestResults_CreationOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, queue(t, db, `{"n":`+string(rune('0'+i))+`}`).ID)
	}

	pending, err := db.GetUnsyncedTestResults(ctx)
	if err != nil {
		t.Fatalf("GetUnsyncedTestResults() failed: %v", err)
	}
	var got []string
	for _, r := range pending {
		got = append(got, r.ID)
	}
	if !equal(got, want) {
		t.Errorf("Expected oldest-first order %v, got %v", want, got)
	}
}

func TestMarkTestResultAsSynced_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	r := queue(t, db, `{"score":80}`)
	other := queue(t, db, `{"score":90}`)

	for i := 0; i < 2; i++ {
		if err := db.MarkTestResultAsSynced(ctx, r.ID); err != nil {
			t.Fatalf("MarkTestResultAsSynced() call %d failed: %v", i+1, err)
		}
	}
	if err := db.MarkTestResultAsSynced(ctx, "no-such-id"); err != nil {
		t.Errorf("Expected unknown id to be a no-op, got %v", err)
	}

	got, err := db.FindTestResult(ctx, r.ID)
	if err != nil || got == nil {
		t.Fatalf("FindTestResult() = %v, %v", got, err)
	}
	if got.Status != domain.StatusSynced || got.SyncedAt.IsZero() {
		t.Errorf("Expected synced result with timestamp, got %+v", got)
	}

	pending, _ := db.GetUnsyncedTestResults(ctx)
	if len(pending) != 1 || pending[0].ID != other.ID {
		t.Errorf("Expected only %s pending, got %+v", other.ID, pending)
	}

	missing, err := db.FindTestResult(ctx, "no-such-id")
	if err != nil || missing != nil {
		t.Errorf("Expected (nil, nil) for unknown id, got (%v, %v)", missing, err)
	}
}

func TestRecordSyncFailure(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	r := queue(t, db, `{"score":80}`)
	next := time.Now().Add(time.Minute).UTC()

	if err := db.RecordSyncFailure(ctx, r.ID, "server returned 503", next); err != nil {
		t.Fatalf("RecordSyncFailure() failed: %v", err)
	}
	if err := db.RecordSyncFailure(ctx, r.ID, "connection refused", next); err != nil {
		t.Fatalf("RecordSyncFailure() failed: %v", err)
	}

	got, _ := db.FindTestResult(ctx, r.ID)
	if got.Attempts != 2 || got.LastError != "connection refused" {
		t.Errorf("Expected 2 attempts with last error recorded, got %+v", got)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("Expected failure to leave result pending, got %s", got.Status)
	}
	if got.Due(time.Now()) {
		t.Error("Expected result to be backed off")
	}
	if !got.Due(next.Add(time.Second)) {
		t.Error("Expected result to be due after next attempt time")
	}

	// Synced results keep their state.
	_ = db.MarkTestResultAsSynced(ctx, r.ID)
	_ = db.RecordSyncFailure(ctx, r.ID, "late", next)
	got, _ = db.FindTestResult(ctx, r.ID)
	if got.Attempts != 2 || got.Status != domain.StatusSynced {
		t.Errorf("Expected synced result untouched, got %+v", got)
	}
}

func TestClearSyncQueue_PreservesPending(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	a := queue(t, db, `{"a":1}`)
	b := queue(t, db, `{"b":1}`)
	c := queue(t, db, `{"c":1}`)
	_ = db.RecordSyncFailure(ctx, b.ID, "boom", time.Now())

	_ = db.MarkTestResultAsSynced(ctx, a.ID)
	_ = db.MarkTestResultAsSynced(ctx, c.ID)

	purged, err := db.ClearSyncQueue(ctx)
	if err != nil {
		t.Fatalf("ClearSyncQueue() failed: %v", err)
	}
	if purged != 2 {
		t.Errorf("Expected 2 purged, got %d", purged)
	}

	stats, err := db.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats() failed: %v", err)
	}
	if stats.Pending != 1 || stats.Synced != 0 {
		t.Errorf("Expected 1 pending and 0 synced, got %+v", stats)
	}

	got, _ := db.FindTestResult(ctx, b.ID)
	if got == nil || got.Attempts != 1 || got.LastError != "boom" || string(got.Payload) != `{"b":1}` {
		t.Errorf("Expected failed result unchanged, got %+v", got)
	}

	again, _ := db.ClearSyncQueue(ctx)
	if again != 0 {
		t.Errorf("Expected second purge to remove nothing, got %d", again)
	}
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	stats, err := db.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats() failed: %v", err)
	}
	if stats.Pending != 0 || !stats.OldestPending.IsZero() {
		t.Errorf("Expected empty stats, got %+v", stats)
	}

	first := queue(t, db, `{"a":1}`)
	queue(t, db, `{"b":1}`)
	stats, _ = db.QueueStats(ctx)
	if stats.Pending != 2 {
		t.Errorf("Expected 2 pending, got %d", stats.Pending)
	}
	if d := stats.OldestPending.Sub(first.CreatedAt); d > time.Millisecond || d < -time.Millisecond {
		t.Errorf("Expected oldest pending %v, got %v", first.CreatedAt, stats.OldestPending)
	}
}

func TestCorruptedPayloadIsDetected(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	r := queue(t, db, `{"score":80}`)

	if _, err := db.conn.Exec(`UPDATE pending_results SET payload = ? WHERE id = ?`, `{"score":100}`, r.ID); err != nil {
		t.Fatalf("Failed to tamper with payload: %v", err)
	}

	pending, err := db.GetUnsyncedTestResults(ctx)
	if err != nil {
		t.Fatalf("GetUnsyncedTestResults() failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected corrupted result to stay queued, got %d", len(pending))
	}
	if err := pending[0].Verify(); !errors.Is(err, knol.ErrChecksumMismatch) {
		t.Errorf("Expected ErrChecksumMismatch, got %v", err)
	}
}

func TestClosedStoreReportsErrors(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	db.Close()

	if _, err := db.SaveTestResult(ctx, domain.NewResult{Kind: domain.KindTest, Payload: json.RawMessage(`{}`)}); err == nil {
		t.Error("Expected SaveTestResult() on a closed store to fail")
	}
	if _, err := db.GetUnsyncedTestResults(ctx); err == nil {
		t.Error("Expected GetUnsyncedTestResults() on a closed store to fail")
	}
}
