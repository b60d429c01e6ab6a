package storage

const schema = `
-- 'flashcards' caches the server's flashcards. Rows are replaced wholesale on refresh.
CREATE TABLE IF NOT EXISTS flashcards (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    chapter_id TEXT,
    question TEXT NOT NULL,
    answer TEXT NOT NULL DEFAULT '',
    difficulty TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flashcards_subject ON flashcards(subject_id);

-- 'tests' caches knowledge tests; their questions live in 'test_questions'.
CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    time_limit_seconds INTEGER NOT NULL DEFAULT 0,
    passing_score REAL NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tests_subject ON tests(subject_id);

CREATE TABLE IF NOT EXISTS test_questions (
    test_id TEXT NOT NULL,
    ordinal INTEGER NOT NULL, -- storage order, ties on position kept stable
    position INTEGER NOT NULL,
    id TEXT NOT NULL,
    text TEXT NOT NULL,
    options TEXT NOT NULL DEFAULT '[]', -- JSON array
    answer TEXT NOT NULL DEFAULT '',

    PRIMARY KEY (test_id, ordinal),
    FOREIGN KEY(test_id) REFERENCES tests(id) ON DELETE CASCADE
);

-- 'pending_results' is the sync queue. seq gives creation order.
CREATE TABLE IF NOT EXISTS pending_results (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL,
    checksum TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'synced')),
    created_at DATETIME NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    next_attempt_at DATETIME,
    synced_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_pending_results_status ON pending_results(status, seq);
`
