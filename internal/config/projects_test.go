package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDocument = `{
	"version": 1,
	"configs": {
		"mscape": {
			"artifact_layout": "project.sample_id.run_id",
			"sites": ["birm", "glas"],
			"file_specs": {
				"ont": {
					"files": {".fastq.gz": 1, ".csv": 1}
				},
				"illumina": {
					"files": {".1.fastq.gz": 1, ".2.fastq.gz": 1, ".csv": 1}
				}
			},
			"publish_buckets": {
				"reads": "mscape-published-reads",
				"reports": "mscape-published-reports",
				"taxon_reports": "mscape-published-taxon-reports"
			}
		}
	}
}`

func writeTestDocument(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDocument(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		doc, err := LoadDocument(writeTestDocument(t, testDocument))
		require.NoError(t, err)

		assert.Equal(t, 1, doc.Version)
		assert.Len(t, doc.Configs, 1)
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := LoadDocument("")
		assert.ErrorIs(t, err, ErrConfigPathEmpty)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadDocument(filepath.Join(t.TempDir(), "missing.json"))
		assert.Error(t, err)
	})

	t.Run("no projects", func(t *testing.T) {
		_, err := LoadDocument(writeTestDocument(t, `{"version": 1, "configs": {}}`))
		assert.ErrorIs(t, err, ErrNoProjects)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := LoadDocument(writeTestDocument(t, `{not json`))
		assert.Error(t, err)
	})
}

func TestDocumentProject(t *testing.T) {
	doc, err := LoadDocument(writeTestDocument(t, testDocument))
	require.NoError(t, err)

	t.Run("known project", func(t *testing.T) {
		project, err := doc.Project("mscape")
		require.NoError(t, err)
		assert.Equal(t, []string{"birm", "glas"}, project.Sites)
	})

	t.Run("unknown project", func(t *testing.T) {
		_, err := doc.Project("nonesuch")
		assert.ErrorIs(t, err, ErrUnknownProject)
	})
}

func TestProjectFileSpec(t *testing.T) {
	doc, err := LoadDocument(writeTestDocument(t, testDocument))
	require.NoError(t, err)

	project, err := doc.Project("mscape")
	require.NoError(t, err)

	t.Run("known platform", func(t *testing.T) {
		spec, err := project.FileSpec("illumina")
		require.NoError(t, err)
		assert.Len(t, spec.Files, 3)
	})

	t.Run("unknown platform", func(t *testing.T) {
		_, err := project.FileSpec("pacbio")
		assert.ErrorIs(t, err, ErrUnknownPlatform)
	})
}

func TestProjectHasSite(t *testing.T) {
	project := Project{Sites: []string{"birm", "glas"}}

	assert.True(t, project.HasSite("birm"))
	assert.False(t, project.HasSite("lond"))
}

func TestFileSpecRequired(t *testing.T) {
	spec := FileSpec{Files: map[string]int{".csv": 1, ".1.fastq.gz": 1, ".2.fastq.gz": 1}}

	// Sorted for deterministic iteration.
	assert.Equal(t, []string{".1.fastq.gz", ".2.fastq.gz", ".csv"}, spec.Required())
}

func TestFileSpecMatchExtension(t *testing.T) {
	spec := FileSpec{Files: map[string]int{
		".csv":        1,
		".fastq.gz":   1,
		".1.fastq.gz": 1,
		".2.fastq.gz": 1,
	}}

	tests := []struct {
		name    string
		key     string
		want    string
		matched bool
	}{
		{name: "csv", key: "mscape.sample1.run1.ont.csv", want: ".csv", matched: true},
		{name: "single fastq", key: "mscape.sample1.run1.ont.fastq.gz", want: ".fastq.gz", matched: true},
		{name: "longest suffix wins", key: "mscape.sample1.run1.illumina.1.fastq.gz", want: ".1.fastq.gz", matched: true},
		{name: "second of pair", key: "mscape.sample1.run1.illumina.2.fastq.gz", want: ".2.fastq.gz", matched: true},
		{name: "no match", key: "mscape.sample1.run1.ont.bam", want: "", matched: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := spec.MatchExtension(tt.key)
			assert.Equal(t, tt.matched, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
