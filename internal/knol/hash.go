package knol

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrChecksumMismatch is returned when a stored payload no longer matches
// the checksum recorded when it was queued.
var ErrChecksumMismatch = errors.New("payload checksum mismatch")

// Normalize returns the canonical form of a JSON document.
// Object keys are sorted and insignificant whitespace is dropped, so two
// documents that differ only in formatting normalize to the same bytes.
// Numbers keep their literal form.
func Normalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("failed to decode payload: trailing data after JSON value")
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return out, nil
}

// Hash normalizes a JSON payload and returns its SHA-256 hash as a hex string.
func Hash(payload []byte) (string, error) {
	normalized, err := Normalize(payload)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sha256.Sum256(normalized)), nil
}

// Verify recomputes the hash of payload and compares it with checksum.
func Verify(payload []byte, checksum string) error {
	got, err := Hash(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	if got != checksum {
		return ErrChecksumMismatch
	}
	return nil
}
