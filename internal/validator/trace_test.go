package validator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTrace = "task_id\thash\tname\tstatus\texit\n" +
	"1\tab/cd\tpreprocess (sample1)\tCOMPLETED\t0\n" +
	"2\tef/01\textract_reads (sample1)\tCOMPLETED\t2\n" +
	"3\t23/45\tclassify\tFAILED\t1\n"

func TestParseTrace(t *testing.T) {
	t.Run("parses rows", func(t *testing.T) {
		entries, err := ParseTrace([]byte(sampleTrace))
		require.NoError(t, err)
		require.Len(t, entries, 3)

		assert.Equal(t, "preprocess (sample1)", entries[0].Name)
		assert.Equal(t, "COMPLETED", entries[0].Status)
		assert.Equal(t, "0", entries[0].ExitCode)
		assert.Equal(t, "2", entries[1].ExitCode)
	})

	t.Run("empty trace", func(t *testing.T) {
		_, err := ParseTrace(nil)
		assert.ErrorIs(t, err, ErrTraceHeader)
	})

	t.Run("missing columns", func(t *testing.T) {
		_, err := ParseTrace([]byte("task_id\thash\n1\tab/cd\n"))
		assert.ErrorIs(t, err, ErrTraceHeader)
	})

	t.Run("header only", func(t *testing.T) {
		entries, err := ParseTrace([]byte("name\tstatus\texit\n"))
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("short rows skipped", func(t *testing.T) {
		entries, err := ParseTrace([]byte("name\tstatus\texit\ntruncated\nok\tCOMPLETED\t0\n"))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "ok", entries[0].Name)
	})
}

func TestTraceEntryProcess(t *testing.T) {
	assert.Equal(t, "extract_reads", TraceEntry{Name: "extract_reads (sample1)"}.Process())
	assert.Equal(t, "classify", TraceEntry{Name: "classify"}.Process())
}

func TestFailedProcesses(t *testing.T) {
	entries, err := ParseTrace([]byte(sampleTrace))
	require.NoError(t, err)

	t.Run("generic messages", func(t *testing.T) {
		failures := FailedProcesses(entries, nil)
		require.Len(t, failures, 2)
		assert.Equal(t, "Process extract_reads (sample1) failed with exit code 2", failures[0])
		assert.Equal(t, "Process classify failed with exit code 1", failures[1])
	})

	t.Run("classify substitutes its own message", func(t *testing.T) {
		classify := func(entry TraceEntry) string {
			if entry.Process() == "extract_reads" && entry.ExitCode == "2" {
				return "Human reads above rejection threshold"
			}

			return ""
		}

		failures := FailedProcesses(entries, classify)
		require.Len(t, failures, 2)
		assert.Equal(t, "Human reads above rejection threshold", failures[0])
		assert.Equal(t, "Process classify failed with exit code 1", failures[1])
	})
}

func TestReadTrace(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := ReadTrace(t.TempDir(), "uuid-1")
		assert.ErrorIs(t, err, ErrTraceMissing)
	})

	t.Run("reads trace for run", func(t *testing.T) {
		workDir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(workDir, "pipeline_info"), 0o750))
		require.NoError(t, os.WriteFile(TracePath(workDir, "uuid-1"), []byte(sampleTrace), 0o600))

		entries, err := ReadTrace(workDir, "uuid-1")
		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})
}
