package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climb-tre/conduit/internal/config"
	"github.com/climb-tre/conduit/internal/messages"
)

func testDocument() *config.Document {
	return &config.Document{
		Version: 1,
		Configs: map[string]config.Project{
			"mscape": {
				ArtifactLayout: "project.sample_id.run_id",
				Sites:          []string{"birm", "glas"},
				FileSpecs: map[string]config.FileSpec{
					"ont": {Files: map[string]int{".fastq.gz": 1, ".csv": 1}},
					"illumina": {Files: map[string]int{
						".1.fastq.gz": 1, ".2.fastq.gz": 1, ".csv": 1,
					}},
				},
			},
		},
	}
}

func uploadRecord(bucket, key, etag string) messages.UploadRecord {
	return messages.UploadRecord{
		EventName:    "s3:ObjectCreated:Put",
		UserIdentity: messages.UserIdentity{PrincipalID: "uploader-1"},
		S3: messages.S3Entity{
			Bucket: messages.S3Bucket{Name: bucket},
			Object: messages.S3Object{Key: key, Size: 100, Etag: etag},
		},
	}
}

func TestParseBucket(t *testing.T) {
	tests := []struct {
		name    string
		bucket  string
		wantErr error
	}{
		{name: "prod bucket", bucket: "mscape-birm-ont-prod"},
		{name: "test bucket", bucket: "mscape-birm-ont-test"},
		{name: "three segments", bucket: "mscape-birm-ont", wantErr: ErrBucketFormat},
		{name: "five segments", bucket: "mscape-birm-ont-prod-extra", wantErr: ErrBucketFormat},
		{name: "empty segment", bucket: "mscape--ont-prod", wantErr: ErrBucketFormat},
		{name: "unknown env", bucket: "mscape-birm-ont-staging", wantErr: ErrUnknownEnv},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project, site, platform, env, err := ParseBucket(tt.bucket)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, "mscape", project)
			assert.Equal(t, "birm", site)
			assert.Equal(t, "ont", platform)
			assert.Contains(t, []string{"prod", "test"}, env)
		})
	}
}

func TestParseEvent(t *testing.T) {
	doc := testDocument()

	t.Run("valid csv event", func(t *testing.T) {
		event, err := ParseEvent(uploadRecord(
			"mscape-birm-ont-prod", "mscape.sample1.run1.ont.csv", `"abc"`), doc)
		require.NoError(t, err)

		assert.Equal(t, "mscape", event.Project)
		assert.Equal(t, "sample1", event.SampleID)
		assert.Equal(t, "run1", event.RunID)
		assert.Equal(t, "ont", event.Platform)
		assert.Equal(t, ".csv", event.Ext)
		assert.Equal(t, "abc", event.Etag, "etag quotes should be stripped")
		assert.Equal(t, "mscape.sample1.run1", event.ArtifactKey())
		assert.False(t, event.TestFlag())
	})

	t.Run("multi-dot extension", func(t *testing.T) {
		event, err := ParseEvent(uploadRecord(
			"mscape-birm-illumina-prod", "mscape.sample1.run1.illumina.1.fastq.gz", "b"), doc)
		require.NoError(t, err)

		assert.Equal(t, ".1.fastq.gz", event.Ext)
		assert.Equal(t, "illumina", event.Platform)
	})

	t.Run("test bucket sets test flag", func(t *testing.T) {
		event, err := ParseEvent(uploadRecord(
			"mscape-birm-ont-test", "mscape.sample1.run1.ont.csv", "a"), doc)
		require.NoError(t, err)

		assert.True(t, event.TestFlag())
	})

	t.Run("two segments rejected", func(t *testing.T) {
		_, err := ParseEvent(uploadRecord(
			"mscape-birm-ont-prod", "mscape.csv", "a"), doc)
		assert.ErrorIs(t, err, ErrKeyFormat)
	})

	t.Run("six segments rejected", func(t *testing.T) {
		_, err := ParseEvent(uploadRecord(
			"mscape-birm-ont-prod", "mscape.sample1.run1.extra.ont.csv", "a"), doc)
		assert.ErrorIs(t, err, ErrKeyFormat)
	})

	t.Run("unknown extension rejected", func(t *testing.T) {
		_, err := ParseEvent(uploadRecord(
			"mscape-birm-ont-prod", "mscape.sample1.run1.ont.bam", "a"), doc)
		assert.ErrorIs(t, err, ErrUnknownExtension)
	})

	t.Run("bucket and key platform mismatch", func(t *testing.T) {
		_, err := ParseEvent(uploadRecord(
			"mscape-birm-illumina-prod", "mscape.sample1.run1.ont.csv", "a"), doc)
		assert.ErrorIs(t, err, ErrBucketKeyMismatch)
	})

	t.Run("unknown project rejected", func(t *testing.T) {
		_, err := ParseEvent(uploadRecord(
			"nonesuch-birm-ont-prod", "nonesuch.sample1.run1.ont.csv", "a"), doc)
		assert.ErrorIs(t, err, config.ErrUnknownProject)
	})

	t.Run("unknown site rejected", func(t *testing.T) {
		_, err := ParseEvent(uploadRecord(
			"mscape-lond-ont-prod", "mscape.sample1.run1.ont.csv", "a"), doc)
		assert.ErrorIs(t, err, ErrUnknownSite)
	})
}

func TestValidIdentifier(t *testing.T) {
	assert.True(t, ValidIdentifier("sample_01-A"))
	assert.False(t, ValidIdentifier("foo!"))
	assert.False(t, ValidIdentifier(""))
	assert.False(t, ValidIdentifier("sample 1"))
}
