package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sentinel errors for match-state storage.
var (
	// ErrArtifactKeyEmpty is returned when an artifact key is empty.
	ErrArtifactKeyEmpty = errors.New("artifact key cannot be empty")

	// ErrNoDispatch is returned when an artifact key has never been dispatched.
	ErrNoDispatch = errors.New("no dispatch recorded for artifact key")
)

type (
	// DispatchedFile is one file of a dispatched set as it was matched.
	DispatchedFile struct {
		URI      string `json:"uri"`
		Etag     string `json:"etag"`
		Key      string `json:"key"`
		Uploader string `json:"uploader"`
	}

	// Dispatch is the durable record of the last match emitted for an
	// artifact key: the submission identifier it went out under and every
	// file in the dispatched set, keyed by extension. A later re-upload of
	// one file rebuilds the submission from these records.
	Dispatch struct {
		UUID         string
		Files        map[string]DispatchedFile
		DispatchedAt time.Time
	}

	// MatchStore persists the matcher's dispatched state so restart does not
	// lose track of which submissions have already been emitted.
	MatchStore interface {
		// LastDispatch returns the most recent dispatch for the artifact key,
		// or ErrNoDispatch if the key has never been matched.
		LastDispatch(ctx context.Context, artifactKey string) (Dispatch, error)

		// RecordDispatch upserts the dispatch state for the artifact key.
		RecordDispatch(ctx context.Context, artifactKey string, d Dispatch) error
	}
)

// PersistentMatchStore implements MatchStore on PostgreSQL.
type PersistentMatchStore struct {
	conn *Connection
}

// Compile-time interface compliance check.
var _ MatchStore = (*PersistentMatchStore)(nil)

// NewPersistentMatchStore creates a PostgreSQL-backed match store.
func NewPersistentMatchStore(conn *Connection) *PersistentMatchStore {
	return &PersistentMatchStore{conn: conn}
}

// LastDispatch returns the most recent dispatch for the artifact key.
func (s *PersistentMatchStore) LastDispatch(ctx context.Context, artifactKey string) (Dispatch, error) {
	if artifactKey == "" {
		return Dispatch{}, ErrArtifactKeyEmpty
	}

	query := `
		SELECT uuid, files, dispatched_at
		FROM matched_submissions
		WHERE artifact_key = $1
	`

	var (
		dispatch  Dispatch
		filesJSON []byte
	)

	err := s.conn.QueryRowContext(ctx, query, artifactKey).
		Scan(&dispatch.UUID, &filesJSON, &dispatch.DispatchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Dispatch{}, ErrNoDispatch
	}

	if err != nil {
		return Dispatch{}, fmt.Errorf("failed to query dispatch state: %w", err)
	}

	if err := json.Unmarshal(filesJSON, &dispatch.Files); err != nil {
		return Dispatch{}, fmt.Errorf("failed to parse stored file set: %w", err)
	}

	return dispatch, nil
}

// RecordDispatch upserts the dispatch state for the artifact key.
func (s *PersistentMatchStore) RecordDispatch(ctx context.Context, artifactKey string, d Dispatch) error {
	if artifactKey == "" {
		return ErrArtifactKeyEmpty
	}

	filesJSON, err := json.Marshal(d.Files)
	if err != nil {
		return fmt.Errorf("failed to serialize file set: %w", err)
	}

	query := `
		INSERT INTO matched_submissions (artifact_key, uuid, files, dispatched_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (artifact_key)
		DO UPDATE SET uuid = EXCLUDED.uuid,
		              files = EXCLUDED.files,
		              dispatched_at = EXCLUDED.dispatched_at
	`

	if _, err := s.conn.ExecContext(ctx, query, artifactKey, d.UUID, filesJSON, d.DispatchedAt); err != nil {
		return fmt.Errorf("failed to record dispatch state: %w", err)
	}

	return nil
}

// MemoryMatchStore implements MatchStore in memory. Used in tests and for
// single-process runs where durability is not required.
type MemoryMatchStore struct {
	mu         sync.RWMutex
	dispatches map[string]Dispatch
}

// Compile-time interface compliance check.
var _ MatchStore = (*MemoryMatchStore)(nil)

// NewMemoryMatchStore creates an empty in-memory match store.
func NewMemoryMatchStore() *MemoryMatchStore {
	return &MemoryMatchStore{dispatches: make(map[string]Dispatch)}
}

// LastDispatch returns the most recent dispatch for the artifact key.
func (s *MemoryMatchStore) LastDispatch(_ context.Context, artifactKey string) (Dispatch, error) {
	if artifactKey == "" {
		return Dispatch{}, ErrArtifactKeyEmpty
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dispatch, ok := s.dispatches[artifactKey]
	if !ok {
		return Dispatch{}, ErrNoDispatch
	}

	return dispatch, nil
}

// RecordDispatch upserts the dispatch state for the artifact key.
func (s *MemoryMatchStore) RecordDispatch(_ context.Context, artifactKey string, d Dispatch) error {
	if artifactKey == "" {
		return ErrArtifactKeyEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Copy the file map so later caller mutations cannot leak into the store.
	files := make(map[string]DispatchedFile, len(d.Files))
	for ext, file := range d.Files {
		files[ext] = file
	}

	d.Files = files
	s.dispatches[artifactKey] = d

	return nil
}
