package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMatchStore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dispatchedAt := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	t.Run("unknown key returns ErrNoDispatch", func(t *testing.T) {
		store := NewMemoryMatchStore()

		_, err := store.LastDispatch(t.Context(), "mscape.sample1.run1")
		assert.ErrorIs(t, err, ErrNoDispatch)
	})

	t.Run("empty key rejected", func(t *testing.T) {
		store := NewMemoryMatchStore()

		_, err := store.LastDispatch(t.Context(), "")
		assert.ErrorIs(t, err, ErrArtifactKeyEmpty)

		err = store.RecordDispatch(t.Context(), "", Dispatch{})
		assert.ErrorIs(t, err, ErrArtifactKeyEmpty)
	})

	t.Run("record then read back", func(t *testing.T) {
		store := NewMemoryMatchStore()

		files := map[string]DispatchedFile{
			".csv": {
				URI:      "s3://mscape-birm-ont-prod/mscape.sample1.run1.ont.csv",
				Etag:     "A",
				Key:      "mscape.sample1.run1.ont.csv",
				Uploader: "uploader-1",
			},
			".fastq.gz": {
				URI:  "s3://mscape-birm-ont-prod/mscape.sample1.run1.ont.fastq.gz",
				Etag: "B",
			},
		}

		err := store.RecordDispatch(t.Context(), "mscape.sample1.run1", Dispatch{
			UUID:         "uuid-1",
			Files:        files,
			DispatchedAt: dispatchedAt,
		})
		require.NoError(t, err)

		dispatch, err := store.LastDispatch(t.Context(), "mscape.sample1.run1")
		require.NoError(t, err)
		assert.Equal(t, "uuid-1", dispatch.UUID)
		assert.Equal(t, files, dispatch.Files)
		assert.Equal(t, dispatchedAt, dispatch.DispatchedAt)
	})

	t.Run("upsert replaces previous dispatch", func(t *testing.T) {
		store := NewMemoryMatchStore()

		require.NoError(t, store.RecordDispatch(t.Context(), "mscape.sample1.run1", Dispatch{
			UUID:  "uuid-1",
			Files: map[string]DispatchedFile{".csv": {Etag: "A"}},
		}))
		require.NoError(t, store.RecordDispatch(t.Context(), "mscape.sample1.run1", Dispatch{
			UUID:  "uuid-2",
			Files: map[string]DispatchedFile{".csv": {Etag: "A2"}},
		}))

		dispatch, err := store.LastDispatch(t.Context(), "mscape.sample1.run1")
		require.NoError(t, err)
		assert.Equal(t, "uuid-2", dispatch.UUID)
		assert.Equal(t, "A2", dispatch.Files[".csv"].Etag)
	})

	t.Run("caller mutations do not leak into the store", func(t *testing.T) {
		store := NewMemoryMatchStore()

		files := map[string]DispatchedFile{".csv": {Etag: "A"}}
		require.NoError(t, store.RecordDispatch(t.Context(), "mscape.sample1.run1", Dispatch{
			UUID:  "uuid-1",
			Files: files,
		}))

		files[".csv"] = DispatchedFile{Etag: "mutated"}

		dispatch, err := store.LastDispatch(t.Context(), "mscape.sample1.run1")
		require.NoError(t, err)
		assert.Equal(t, "A", dispatch.Files[".csv"].Etag)
	})
}
