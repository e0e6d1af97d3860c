package pathsafe

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPathogenwatch(t *testing.T, handler http.HandlerFunc) *Pathogenwatch {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewPathogenwatch(&PathogenwatchConfig{
		BaseURL: server.URL,
		apiKey:  "key-1",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	return client
}

func TestPathogenwatchConfigValidate(t *testing.T) {
	t.Run("missing URL", func(t *testing.T) {
		cfg := &PathogenwatchConfig{apiKey: "key-1"}
		assert.ErrorIs(t, cfg.Validate(), ErrPathogenwatchURLEmpty)
	})

	t.Run("missing API key", func(t *testing.T) {
		cfg := &PathogenwatchConfig{BaseURL: "https://pathogen.watch"}
		assert.ErrorIs(t, cfg.Validate(), ErrPathogenwatchKeyEmpty)
	})
}

func TestPathogenwatchSubmit(t *testing.T) {
	t.Run("accepted genome returns id", func(t *testing.T) {
		var gotKey, gotQuery string

		var gotBody []byte

		client := newTestPathogenwatch(t, func(w http.ResponseWriter, r *http.Request) {
			gotKey = r.Header.Get("X-API-Key")
			gotQuery = r.URL.Query().Get("name")
			gotBody, _ = io.ReadAll(r.Body)

			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": "pw-genome-9"}`))
		})

		id, err := client.Submit(t.Context(), "C-PATH-1", []byte(">contig1\nACGT\n"))
		require.NoError(t, err)

		assert.Equal(t, "pw-genome-9", id)
		assert.Equal(t, "key-1", gotKey)
		assert.Equal(t, "C-PATH-1", gotQuery)
		assert.Equal(t, ">contig1\nACGT\n", string(gotBody))
	})

	t.Run("rejection status", func(t *testing.T) {
		client := newTestPathogenwatch(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		})

		_, err := client.Submit(t.Context(), "C-PATH-1", []byte(">contig1\n"))
		assert.ErrorIs(t, err, ErrPathogenwatchRejected)
	})

	t.Run("response without genome id", func(t *testing.T) {
		client := newTestPathogenwatch(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		})

		_, err := client.Submit(t.Context(), "C-PATH-1", []byte(">contig1\n"))
		assert.ErrorIs(t, err, ErrPathogenwatchRejected)
	})
}
