package validator

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sentinel errors for trace parsing.
var (
	// ErrTraceMissing is returned when the execution trace file does not exist.
	ErrTraceMissing = errors.New("execution trace file not found")

	// ErrTraceHeader is returned when the trace lacks the expected columns.
	ErrTraceHeader = errors.New("execution trace is missing required columns")
)

// TraceEntry is one process row of a workflow execution trace.
type TraceEntry struct {
	Name     string
	Status   string
	ExitCode string
}

// Process is the entry's process name with any per-sample tag stripped,
// e.g. "extract_reads (sample1)" → "extract_reads".
func (t TraceEntry) Process() string {
	if i := strings.Index(t.Name, " ("); i >= 0 {
		return t.Name[:i]
	}

	return t.Name
}

// Failed reports whether the process exited nonzero.
func (t TraceEntry) Failed() bool {
	return t.ExitCode != "0"
}

// TracePath is where the engine writes the execution trace for a run.
func TracePath(workDir, uuid string) string {
	return filepath.Join(workDir, "pipeline_info", fmt.Sprintf("execution_trace_%s.txt", uuid))
}

// ReadTrace loads and parses the execution trace for a run.
func ReadTrace(workDir, uuid string) ([]TraceEntry, error) {
	raw, err := os.ReadFile(TracePath(workDir, uuid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTraceMissing, TracePath(workDir, uuid))
		}

		return nil, fmt.Errorf("failed to read execution trace: %w", err)
	}

	return ParseTrace(raw)
}

// ParseTrace parses a tab-separated execution trace. The header names the
// columns; only name, status, and exit are consumed.
func ParseTrace(raw []byte) ([]TraceEntry, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))

	if !scanner.Scan() {
		return nil, ErrTraceHeader
	}

	columns := strings.Split(scanner.Text(), "\t")

	nameIdx, statusIdx, exitIdx := -1, -1, -1

	for i, column := range columns {
		switch column {
		case "name":
			nameIdx = i
		case "status":
			statusIdx = i
		case "exit":
			exitIdx = i
		}
	}

	if nameIdx == -1 || statusIdx == -1 || exitIdx == -1 {
		return nil, ErrTraceHeader
	}

	var entries []TraceEntry

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) <= nameIdx || len(fields) <= statusIdx || len(fields) <= exitIdx {
			continue
		}

		entries = append(entries, TraceEntry{
			Name:     fields[nameIdx],
			Status:   fields[statusIdx],
			ExitCode: fields[exitIdx],
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan execution trace: %w", err)
	}

	return entries, nil
}

// FailedProcesses returns a user-facing error line for every process that
// exited nonzero. classify may substitute a project-specific rejection
// message for an entry; a nil classify or an empty return keeps the generic
// line.
func FailedProcesses(entries []TraceEntry, classify func(TraceEntry) string) []string {
	var failures []string

	for _, entry := range entries {
		if !entry.Failed() {
			continue
		}

		if classify != nil {
			if msg := classify(entry); msg != "" {
				failures = append(failures, msg)

				continue
			}
		}

		failures = append(failures, fmt.Sprintf(
			"Process %s failed with exit code %s", entry.Name, entry.ExitCode))
	}

	return failures
}
