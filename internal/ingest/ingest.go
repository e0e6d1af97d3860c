package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/climb-tre/conduit/internal/config"
	"github.com/climb-tre/conduit/internal/matcher"
	"github.com/climb-tre/conduit/internal/messages"
	"github.com/climb-tre/conduit/internal/objstore"
	"github.com/climb-tre/conduit/internal/onyx"
)

// Prefetch is the ingest stage's consumer prefetch count.
const Prefetch = 16

// metadataExt is the extension of the metadata file within a match.
const metadataExt = ".csv"

type (
	// Publisher is the outbound message surface ingest depends on.
	Publisher interface {
		Send(ctx context.Context, exchange, queueSuffix string, v any) error
	}

	// Fetcher is the object-store surface ingest depends on.
	Fetcher interface {
		Fetch(ctx context.Context, uri, etag string) ([]byte, error)
	}

	// RecordAPI is the record-service surface ingest depends on.
	RecordAPI interface {
		CSVCreate(ctx context.Context, project string, fields map[string]string, test bool) onyx.CreateResult
	}

	// Validator runs the acceptance checks for one match message and
	// forwards the annotated payload to the project validator queue.
	Validator struct {
		store     Fetcher
		records   RecordAPI
		publisher Publisher
		logger    *slog.Logger

		now func() time.Time
	}
)

// New creates an ingest validator over the given collaborators.
func New(store Fetcher, records RecordAPI, publisher Publisher) *Validator {
	return &Validator{
		store:     store,
		records:   records,
		publisher: publisher,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: time.Now,
	}
}

// Handle processes one match message end to end. A returned error means a
// transient failure and the delivery should be redelivered; otherwise
// exactly one payload has been forwarded downstream.
func (v *Validator) Handle(ctx context.Context, body []byte) error {
	var match messages.MatchMessage
	if err := json.Unmarshal(body, &match); err != nil {
		v.logger.Error("failed to decode match message", slog.String("error", err.Error()))

		return nil
	}

	payload := messages.NewValidationPayload(match)
	payload.IngestTimestamp = v.now().Unix()

	transient := v.validate(ctx, payload)
	if transient != nil {
		return transient
	}

	return v.forward(ctx, payload)
}

// validate runs the acceptance checks, annotating the payload in place. A
// non-nil return means a transient failure that should be retried rather
// than reported to the user.
func (v *Validator) validate(ctx context.Context, payload *messages.ValidationPayload) error {
	metadata, ok, err := v.fetchMetadata(ctx, payload)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	v.checkIdentifiers(payload, metadata)

	if !payload.Validate {
		return nil
	}

	return v.testCreate(ctx, payload, metadata)
}

// fetchMetadata loads and parses the metadata CSV. User and data-integrity
// failures are recorded on the payload with ok false; a non-nil error means
// the store did not answer and the delivery should be redelivered.
func (v *Validator) fetchMetadata(ctx context.Context, payload *messages.ValidationPayload) (Metadata, bool, error) {
	file, ok := payload.Files[metadataExt]
	if !ok {
		payload.OnyxTestCreateErrors.Add("metadata_csv", "submission has no metadata CSV")
		payload.Validate = false

		return Metadata{}, false, nil
	}

	raw, err := v.store.Fetch(ctx, file.URI, file.Etag)

	switch {
	case err == nil:

	case errors.Is(err, objstore.ErrEtagMismatch):
		// The metadata file was rewritten mid-flight; the matcher will
		// emit a fresh match for the new content.
		payload.AddIngestError("metadata file changed after matching, submission is stale")
		payload.Validate = false

		return Metadata{}, false, nil

	case errors.Is(err, objstore.ErrObjectMissing):
		payload.AddIngestError("metadata file no longer exists in the store")
		payload.Validate = false

		return Metadata{}, false, nil

	default:
		// The store did not answer; redeliver rather than fail the submission.
		return Metadata{}, false, fmt.Errorf("failed to fetch metadata file: %w", err)
	}

	metadata, err := ParseMetadata(raw)
	if err != nil {
		payload.OnyxTestCreateErrors.Add("metadata_csv", err.Error())
		payload.Validate = false

		return Metadata{}, false, nil
	}

	return metadata, true, nil
}

// checkIdentifiers applies the character policy, the required-field check,
// and the filename agreement check to sample_id and run_id.
func (v *Validator) checkIdentifiers(payload *messages.ValidationPayload, metadata Metadata) {
	for field, parsed := range map[string]string{
		"sample_id": payload.SampleID,
		"run_id":    payload.RunID,
	} {
		value, present := metadata.Field(field)
		if !present {
			payload.OnyxTestCreateErrors.Add(field, "Required field is not present")
			payload.Validate = false

			continue
		}

		if !matcher.ValidIdentifier(value) {
			payload.OnyxTestCreateErrors.Add(field,
				"Field contains characters outside of [A-Za-z0-9_-]")
			payload.Validate = false
		}

		if value != parsed {
			payload.OnyxTestCreateErrors.Add(field,
				fmt.Sprintf("Field does not match the filename (%s vs %s)", value, parsed))
			payload.Validate = false
		}
	}
}

// testCreate submits the metadata to the record API in test mode and
// translates the outcome onto the payload. Returns a non-nil error only for
// transient conditions worth a redelivery.
func (v *Validator) testCreate(ctx context.Context, payload *messages.ValidationPayload, metadata Metadata) error {
	result := v.records.CSVCreate(ctx, payload.Project, metadata.Fields, true)

	payload.OnyxTestStatusCode = result.StatusCode
	payload.OnyxTestCreateStatus = result.OK

	switch {
	case result.OK:

	case result.StatusCode == http.StatusBadRequest || result.StatusCode == http.StatusUnprocessableEntity:
		payload.OnyxTestCreateErrors.Merge(result.FieldErrors)
		payload.Validate = false

	case result.StatusCode == 0:
		// Connection failures survived the client's own retry budget;
		// redeliver rather than fail the submission.
		return fmt.Errorf("record API unreachable during test create: %v", result.ClientErrors)

	default:
		if result.Alert {
			v.logger.Error("record API test create requires operator attention",
				slog.String("artifact", payload.Artifact),
				slog.Int("status", result.StatusCode),
			)
		}

		for _, msg := range result.ClientErrors {
			payload.AddIngestError(msg)
		}

		payload.Validate = false
	}

	return nil
}

// forward publishes the annotated payload to the project validator queue.
func (v *Validator) forward(ctx context.Context, payload *messages.ValidationPayload) error {
	exchange := messages.ToValidateExchange(payload.Project)

	if err := v.publisher.Send(ctx, exchange, payload.Project, payload); err != nil {
		return fmt.Errorf("failed to forward payload for %s: %w", payload.Artifact, err)
	}

	v.logger.Info("payload forwarded",
		slog.String("artifact", payload.Artifact),
		slog.String("uuid", payload.UUID),
		slog.Bool("validate", payload.Validate),
	)

	return nil
}
