package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowConfigValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cfg := WorkflowConfig{Executable: "nextflow", Pipeline: "org/pipeline"}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing executable", func(t *testing.T) {
		cfg := WorkflowConfig{Pipeline: "org/pipeline"}
		assert.ErrorIs(t, cfg.Validate(), ErrExecutableEmpty)
	})

	t.Run("missing pipeline", func(t *testing.T) {
		cfg := WorkflowConfig{Executable: "nextflow"}
		assert.ErrorIs(t, cfg.Validate(), ErrPipelineEmpty)
	})
}

func TestWorkDir(t *testing.T) {
	w, err := NewWorkflow(WorkflowConfig{
		Executable: "nextflow",
		Pipeline:   "org/pipeline",
		WorkRoot:   t.TempDir(),
	})
	require.NoError(t, err)

	dir, err := w.WorkDir("uuid-1")
	require.NoError(t, err)
	assert.DirExists(t, dir)
}

func TestParseRunName(t *testing.T) {
	t.Run("bracketed name on launching line", func(t *testing.T) {
		stdout := []byte("N E X T F L O W\nLaunching `org/pipeline` [agitated_colden] DSL2\nexecutor > local\n")
		assert.Equal(t, "agitated_colden", parseRunName(stdout))
	})

	t.Run("no launching line", func(t *testing.T) {
		assert.Empty(t, parseRunName([]byte("executor > local\n")))
	})

	t.Run("launching line without brackets", func(t *testing.T) {
		assert.Empty(t, parseRunName([]byte("Launching pipeline\n")))
	})

	t.Run("empty stdout", func(t *testing.T) {
		assert.Empty(t, parseRunName(nil))
	})
}

func TestSortedKeys(t *testing.T) {
	keys := sortedKeys(map[string]string{"outdir": "x", "fastq1": "y", "unique_id": "z"})
	assert.Equal(t, []string{"fastq1", "outdir", "unique_id"}, keys)
}
