// Package messages defines the payloads exchanged between pipeline stages.
//
// Each stage enriches the payload it receives and publishes the result to the
// next exchange: upload events feed the matcher, match messages feed ingest,
// and validation payloads thread through the project validators. Error maps
// accumulate as the payload flows; later stages never clear earlier errors.
package messages

import "fmt"

// PayloadVersion is the wire version tag carried by every match message.
const PayloadVersion = 1

// Exchange names. Per-project and per-site exchanges are derived with the
// helper functions below.
const (
	// UploadExchange receives raw object-store upload event envelopes.
	UploadExchange = "inbound.s3"

	// MatchedExchange receives one match message per complete submission.
	MatchedExchange = "inbound.matched"
)

// ToValidateExchange is the exchange ingest-annotated payloads are routed to
// for the named project's validator.
func ToValidateExchange(project string) string {
	return fmt.Sprintf("inbound.to_validate.%s", project)
}

// ResultsExchange is the per-site exchange detailed stage results are
// published to, on both success and failure.
func ResultsExchange(project, site string) string {
	return fmt.Sprintf("inbound.results.%s.%s", project, site)
}

// NewArtifactExchange is the exchange minimal success notifications are
// published to for downstream consumers of the named project.
func NewArtifactExchange(project string) string {
	return fmt.Sprintf("inbound.new_artifact.%s", project)
}

type (
	// UploadEventEnvelope is the standard S3-style notification envelope
	// emitted by the object store on object creation.
	UploadEventEnvelope struct {
		Records []UploadRecord `json:"Records"`
	}

	// UploadRecord is a single object-upload event within an envelope.
	UploadRecord struct {
		EventTime    string       `json:"eventTime"`
		EventName    string       `json:"eventName"`
		UserIdentity UserIdentity `json:"userIdentity"`
		S3           S3Entity     `json:"s3"`
	}

	// UserIdentity identifies the submitter of an uploaded object.
	UserIdentity struct {
		PrincipalID string `json:"principalId"`
	}

	// S3Entity carries the bucket and object halves of an upload event.
	S3Entity struct {
		Bucket S3Bucket `json:"bucket"`
		Object S3Object `json:"object"`
	}

	// S3Bucket names the bucket an object was uploaded to.
	S3Bucket struct {
		Name string `json:"name"`
	}

	// S3Object describes the uploaded object itself.
	S3Object struct {
		Key  string `json:"key"`
		Size int64  `json:"size"`
		Etag string `json:"eTag"`
	}
)

// URI returns the canonical s3:// URI for the uploaded object.
func (r UploadRecord) URI() string {
	return fmt.Sprintf("s3://%s/%s", r.S3.Bucket.Name, r.S3.Object.Key)
}

// FileRecord is the per-extension entry of a match message's file mapping.
type FileRecord struct {
	URI      string `json:"uri"`
	Etag     string `json:"etag"`
	Key      string `json:"key"`
	Uploader string `json:"uploader"`
}

// MatchMessage is emitted by the matcher, one per complete and
// self-consistent submission.
type MatchMessage struct {
	UUID           string                `json:"uuid"`
	PayloadVersion int                   `json:"payload_version"`
	Artifact       string                `json:"artifact"`
	SampleID       string                `json:"sample_id"`
	RunID          string                `json:"run_id"`
	Project        string                `json:"project"`
	Platform       string                `json:"platform"`
	Site           string                `json:"site"`
	Uploaders      []string              `json:"uploaders"`
	MatchTimestamp int64                 `json:"match_timestamp"`
	Files          map[string]FileRecord `json:"files"`
	TestFlag       bool                  `json:"test_flag"`
}

// ErrorMap accumulates field-keyed error messages on a payload.
type ErrorMap map[string][]string

// Add appends messages for a field, creating the entry if needed.
// A nil check is the caller's responsibility only at the payload level;
// maps on freshly created payloads are always initialised.
func (m ErrorMap) Add(field string, msgs ...string) {
	m[field] = append(m[field], msgs...)
}

// Merge appends all messages from other into m.
func (m ErrorMap) Merge(other map[string][]string) {
	for field, msgs := range other {
		m[field] = append(m[field], msgs...)
	}
}

// ValidationPayload is the match message extended with the outcome of every
// stage it has passed through. It is threaded through ingest and the project
// validators and published, complete, to the per-site results exchange.
type ValidationPayload struct {
	MatchMessage

	IngestTimestamp int64 `json:"ingest_timestamp"`

	// Ingest stage annotations.
	OnyxTestCreateStatus bool     `json:"onyx_test_create_status"`
	OnyxTestStatusCode   int      `json:"onyx_test_status_code"`
	OnyxTestCreateErrors ErrorMap `json:"onyx_test_create_errors"`

	// Validate gates workflow execution in the project validator.
	Validate bool `json:"validate"`

	// Validator stage annotations.
	ClimbID          string   `json:"climb_id"`
	Created          bool     `json:"created"`
	Ingested         bool     `json:"ingested"`
	OnyxStatusCode   int      `json:"onyx_status_code"`
	OnyxCreateStatus bool     `json:"onyx_create_status"`
	OnyxCreateErrors ErrorMap `json:"onyx_create_errors"`
	OnyxErrors       ErrorMap `json:"onyx_errors"`
	IngestErrors     []string `json:"ingest_errors"`
	TestIngestResult bool     `json:"test_ingest_result"`

	// AssemblyPresignedURL is set by projects that publish an assembly.
	AssemblyPresignedURL string `json:"assembly_presigned_url,omitempty"`
}

// NewValidationPayload wraps a match message in a validation payload with
// every error map initialised and the validate gate open.
func NewValidationPayload(match MatchMessage) *ValidationPayload {
	return &ValidationPayload{
		MatchMessage:         match,
		Validate:             true,
		OnyxTestCreateErrors: ErrorMap{},
		OnyxCreateErrors:     ErrorMap{},
		OnyxErrors:           ErrorMap{},
		IngestErrors:         []string{},
	}
}

// AddIngestError appends a free-form error to the ingest error list.
func (p *ValidationPayload) AddIngestError(msg string) {
	p.IngestErrors = append(p.IngestErrors, msg)
}

// EventError is published to the per-site results exchange when an upload
// event fails before a match message exists, so the submitter still sees
// why nothing happened.
type EventError struct {
	URI       string   `json:"uri"`
	Bucket    string   `json:"bucket"`
	Key       string   `json:"key"`
	Project   string   `json:"project"`
	Site      string   `json:"site"`
	Errors    []string `json:"errors"`
	Timestamp int64    `json:"timestamp"`
}

// NewArtifact is the minimal notification published after a fully committed
// ingest, for downstream systems that only need the new record's identity.
type NewArtifact struct {
	IngestTimestamp int64  `json:"ingest_timestamp"`
	ClimbID         string `json:"climb_id"`
	Site            string `json:"site"`
	Platform        string `json:"platform"`
	MatchUUID       string `json:"match_uuid"`
}
