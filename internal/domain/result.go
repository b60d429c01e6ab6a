package domain

import (
	"encoding/json"
	"time"

	"github.com/conorfennell/tutorsync/internal/knol"
)

// ResultKind identifies what kind of session produced a result.
type ResultKind string

const (
	KindTest      ResultKind = "test"
	KindFlashcard ResultKind = "flashcard"
)

// SyncStatus is the lifecycle state of a PendingResult.
// A result moves from pending to synced only after the server accepted it.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
)

// NewResult is a locally completed session waiting to be queued.
// Payload is opaque to the client and must match the server's
// result-submission contract.
type NewResult struct {
	Kind    ResultKind      `json:"kind" validate:"required,oneof=test flashcard"`
	Payload json.RawMessage `json:"payload" validate:"required,json"`
}

// PendingResult is a queued result. Attempts, LastError and NextAttemptAt
// record failed submissions so a result is never dropped without a trace.
type PendingResult struct {
	ID            string          `json:"id"`
	Kind          ResultKind      `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Checksum      string          `json:"checksum"`
	Status        SyncStatus      `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt,omitzero"`
	SyncedAt      time.Time       `json:"syncedAt,omitzero"`
}

// Verify checks the stored payload against its checksum.
func (r PendingResult) Verify() error {
	return knol.Verify(r.Payload, r.Checksum)
}

// Due reports whether the result may be submitted at now.
func (r PendingResult) Due(now time.Time) bool {
	return r.NextAttemptAt.IsZero() || !r.NextAttemptAt.After(now)
}
