// Package ingest performs metadata acceptance checks on matched submissions.
//
// For each match message it fetches the metadata CSV, checks the identifiers
// against the character policy and the filename, and performs a dry-run
// create against the record API. The annotated payload is always forwarded
// to the project validator, pass or fail, so the submitter sees the outcome.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
)

// Sentinel errors for metadata parsing.
var (
	// ErrEmptyMetadata is returned when the metadata CSV has no data row.
	ErrEmptyMetadata = errors.New("metadata CSV contains no data row")

	// ErrMultipleRows is returned when the metadata CSV has more than one data row.
	ErrMultipleRows = errors.New("metadata CSV contains more than one data row")
)

// Metadata is the single parsed row of a submission's metadata CSV.
type Metadata struct {
	Fields map[string]string
}

// Field returns a field's value and whether the column exists at all.
func (m Metadata) Field(name string) (string, bool) {
	value, ok := m.Fields[name]

	return value, ok
}

// ParseMetadata parses a metadata CSV into its single data row. Only the
// first row is ever consumed by the rest of the pipeline, so a file with
// more than one data row is rejected rather than silently truncated.
func ParseMetadata(raw []byte) (Metadata, error) {
	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata CSV: %w", err)
	}

	if len(records) < 2 {
		return Metadata{}, ErrEmptyMetadata
	}

	if len(records) > 2 {
		return Metadata{}, ErrMultipleRows
	}

	header, row := records[0], records[1]

	fields := make(map[string]string, len(header))

	for i, column := range header {
		if i < len(row) {
			fields[column] = row[i]
		}
	}

	return Metadata{Fields: fields}, nil
}
