// Package matcher correlates independent object-upload events into complete
// submissions.
//
// Uploaded objects follow the fixed naming convention
// <project>.<sample_id>.<run_id>.<platform>.<ext> inside buckets named
// <project>-<site>-<platform>-<env>. One match message is emitted per
// complete, self-consistent file set; re-uploads with changed etags re-open
// the submission under a fresh identifier, identical re-uploads are
// suppressed.
package matcher

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/climb-tre/conduit/internal/config"
	"github.com/climb-tre/conduit/internal/messages"
)

// Sentinel errors for event parsing.
var (
	// ErrBucketFormat is returned when a bucket name is not <project>-<site>-<platform>-<env>.
	ErrBucketFormat = errors.New("bucket name does not match <project>-<site>-<platform>-<env>")

	// ErrUnknownEnv is returned when the bucket's env segment is not prod or test.
	ErrUnknownEnv = errors.New("bucket env must be prod or test")

	// ErrKeyFormat is returned when an object key is not <project>.<sample_id>.<run_id>.<platform>.<ext>.
	ErrKeyFormat = errors.New("object key does not match <project>.<sample_id>.<run_id>.<platform>.<ext>")

	// ErrUnknownExtension is returned when the key carries no extension from the file spec.
	ErrUnknownExtension = errors.New("object extension is not in the project file spec")

	// ErrBucketKeyMismatch is returned when the project or platform differ between bucket and key.
	ErrBucketKeyMismatch = errors.New("project or platform differ between bucket and object key")

	// ErrUnknownSite is returned when the bucket's site is not configured for the project.
	ErrUnknownSite = errors.New("site is not configured for project")
)

// identifierPattern is the character policy for sample_id and run_id.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ParsedEvent is one upload event with its bucket and key decomposed.
type ParsedEvent struct {
	Project  string
	Site     string
	Platform string
	Env      string
	SampleID string
	RunID    string
	Ext      string

	URI      string
	Key      string
	Etag     string
	Size     int64
	Uploader string
}

// ArtifactKey is the identity the matcher correlates files under.
func (e ParsedEvent) ArtifactKey() string {
	return fmt.Sprintf("%s.%s.%s", e.Project, e.SampleID, e.RunID)
}

// TestFlag reports whether the event came from a test bucket.
func (e ParsedEvent) TestFlag() bool {
	return e.Env == "test"
}

// ParseBucket decomposes a bucket name into its four fixed segments.
func ParseBucket(name string) (project, site, platform, env string, err error) {
	segments := strings.Split(name, "-")
	if len(segments) != 4 {
		return "", "", "", "", fmt.Errorf("%w: %s", ErrBucketFormat, name)
	}

	for _, segment := range segments {
		if segment == "" {
			return "", "", "", "", fmt.Errorf("%w: %s", ErrBucketFormat, name)
		}
	}

	env = segments[3]
	if env != "prod" && env != "test" {
		return "", "", "", "", fmt.Errorf("%w: %s", ErrUnknownEnv, name)
	}

	return segments[0], segments[1], segments[2], env, nil
}

// ParseEvent decomposes an upload record against the project configuration.
// The file spec is needed to split the key, because extensions may span
// multiple dots (".1.fastq.gz"); the remainder must then be exactly the four
// identity segments.
func ParseEvent(record messages.UploadRecord, doc *config.Document) (ParsedEvent, error) {
	project, site, platform, env, err := ParseBucket(record.S3.Bucket.Name)
	if err != nil {
		return ParsedEvent{}, err
	}

	projectCfg, err := doc.Project(project)
	if err != nil {
		return ParsedEvent{}, err
	}

	if !projectCfg.HasSite(site) {
		return ParsedEvent{}, fmt.Errorf("%w: %s for %s", ErrUnknownSite, site, project)
	}

	spec, err := projectCfg.FileSpec(platform)
	if err != nil {
		return ParsedEvent{}, err
	}

	key := record.S3.Object.Key

	ext, ok := spec.MatchExtension(key)
	if !ok {
		return ParsedEvent{}, fmt.Errorf("%w: %s", ErrUnknownExtension, key)
	}

	stem := strings.TrimSuffix(strings.TrimSuffix(key, ext), ".")

	segments := strings.Split(stem, ".")
	if len(segments) != 4 {
		return ParsedEvent{}, fmt.Errorf("%w: %s", ErrKeyFormat, key)
	}

	for _, segment := range segments {
		if segment == "" {
			return ParsedEvent{}, fmt.Errorf("%w: %s", ErrKeyFormat, key)
		}
	}

	if segments[0] != project || segments[3] != platform {
		return ParsedEvent{}, fmt.Errorf("%w: %s in %s", ErrBucketKeyMismatch, key, record.S3.Bucket.Name)
	}

	return ParsedEvent{
		Project:  project,
		Site:     site,
		Platform: platform,
		Env:      env,
		SampleID: segments[1],
		RunID:    segments[2],
		Ext:      ext,
		URI:      record.URI(),
		Key:      key,
		Etag:     strings.Trim(record.S3.Object.Etag, `"`),
		Size:     record.S3.Object.Size,
		Uploader: record.UserIdentity.PrincipalID,
	}, nil
}

// ValidIdentifier reports whether a sample or run identifier satisfies the
// [A-Za-z0-9_-]+ character policy.
func ValidIdentifier(value string) bool {
	return identifierPattern.MatchString(value)
}
