package objstore

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{
			name:       "simple uri",
			uri:        "s3://mscape-birm-ont-prod/mscape.sample1.run1.ont.csv",
			wantBucket: "mscape-birm-ont-prod",
			wantKey:    "mscape.sample1.run1.ont.csv",
		},
		{
			name:       "key with slashes",
			uri:        "s3://published/reads/sample1/reads.1.fastq.gz",
			wantBucket: "published",
			wantKey:    "reads/sample1/reads.1.fastq.gz",
		},
		{name: "missing scheme", uri: "mscape-birm-ont-prod/file.csv", wantErr: true},
		{name: "wrong scheme", uri: "https://bucket/key", wantErr: true},
		{name: "no key", uri: "s3://bucket", wantErr: true},
		{name: "empty key", uri: "s3://bucket/", wantErr: true},
		{name: "empty bucket", uri: "s3:///key", wantErr: true},
		{name: "empty uri", uri: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key, err := ParseURI(tt.uri)

			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidURI)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestNormalizeEtag(t *testing.T) {
	assert.Equal(t, "abc123", normalizeEtag(`"abc123"`))
	assert.Equal(t, "abc123", normalizeEtag("abc123"))
	assert.Empty(t, normalizeEtag(`""`))
}

func TestFetchError(t *testing.T) {
	t.Run("missing key is definitive", func(t *testing.T) {
		err := fetchError("s3://bucket/key", minio.ErrorResponse{Code: "NoSuchKey"})
		assert.ErrorIs(t, err, ErrObjectMissing)
	})

	t.Run("missing bucket is definitive", func(t *testing.T) {
		err := fetchError("s3://bucket/key", minio.ErrorResponse{Code: "NoSuchBucket"})
		assert.ErrorIs(t, err, ErrObjectMissing)
	})

	t.Run("anything else is a plain fetch failure", func(t *testing.T) {
		err := fetchError("s3://bucket/key", errors.New("connection refused"))
		assert.NotErrorIs(t, err, ErrObjectMissing)
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestConfigValidate(t *testing.T) {
	t.Run("missing endpoint", func(t *testing.T) {
		cfg := &Config{}
		assert.ErrorIs(t, cfg.Validate(), ErrEndpointEmpty)
	})

	t.Run("valid", func(t *testing.T) {
		cfg := &Config{Endpoint: "minio.example:9000"}
		assert.NoError(t, cfg.Validate())
	})
}
