package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/climb-tre/conduit/internal/messages"
)

// ErrRecordLost marks the impossible state where a record that was just
// identified cannot be found again.
var ErrRecordLost = errors.New("record identified but not found")

// commit drives the terminal states of a validated payload: create the
// record suppressed, publish artifacts, submit downstream, unsuppress, and
// report. A record is never left published if a later step fails.
func (r *Runner) commit(ctx context.Context, payload *messages.ValidationPayload, workDir string) error {
	done, err := r.createRecord(ctx, payload, workDir)
	if err != nil {
		return err
	}

	if done {
		// Either a terminal user failure or redelivered committed work;
		// both just report.
		return r.report(ctx, payload)
	}

	updates, err := r.project.PublishArtifacts(ctx, payload, workDir)
	if err != nil {
		// The record stays suppressed for manual inspection; nothing
		// published is visible to consumers.
		payload.AddIngestError(fmt.Sprintf("failed to publish artifacts: %v", err))

		return r.report(ctx, payload)
	}

	downstream, err := r.project.SubmitDownstream(ctx, payload, workDir)
	if err != nil {
		payload.AddIngestError(fmt.Sprintf("downstream submission failed: %v", err))

		return r.report(ctx, payload)
	}

	for field, value := range downstream {
		updates[field] = value
	}

	if len(updates) > 0 {
		if err := r.records.Update(ctx, payload.Project, payload.ClimbID, updates); err != nil {
			payload.OnyxErrors.Add("update", err.Error())

			return r.report(ctx, payload)
		}
	}

	if err := r.records.Unsuppress(ctx, payload.Project, payload.ClimbID); err != nil {
		payload.OnyxErrors.Add("unsuppress", err.Error())

		return r.report(ctx, payload)
	}

	payload.Ingested = true

	if err := r.report(ctx, payload); err != nil {
		return err
	}

	return r.announce(ctx, payload)
}

// createRecord creates the suppressed record, or recognises work that has
// already been done. done is true when no further commit steps should run:
// the payload is either a terminal user failure or an already published
// record reported as success.
func (r *Runner) createRecord(ctx context.Context, payload *messages.ValidationPayload, workDir string) (bool, error) {
	existing, err := r.records.Filter(ctx, payload.Project, map[string]string{
		"sample_id": payload.SampleID,
		"run_id":    payload.RunID,
	})
	if err != nil {
		return false, Recoverable(fmt.Errorf("failed to check for existing record: %w", err))
	}

	for _, record := range existing {
		if record.IsPublished {
			// Redelivery after a committed success: the work is already
			// done, report success and stop.
			r.logger.Info("record already published, treating as committed",
				slog.String("artifact", payload.Artifact),
				slog.String("climb_id", record.ClimbID),
			)

			payload.ClimbID = record.ClimbID
			payload.Created = true
			payload.Ingested = true

			return true, nil
		}

		// A suppressed record from an earlier partial run: reuse its
		// identifier instead of creating another.
		payload.ClimbID = record.ClimbID
		payload.Created = true

		return false, nil
	}

	fields, err := r.project.RecordFields(ctx, payload, workDir)
	if err != nil {
		payload.AddIngestError(err.Error())

		return true, nil
	}

	result := r.records.CSVCreate(ctx, payload.Project, fields, false)

	payload.OnyxStatusCode = result.StatusCode
	payload.OnyxCreateStatus = result.OK

	if !result.OK {
		if result.StatusCode == 0 {
			return false, Recoverable(fmt.Errorf(
				"record API unreachable during create: %v", result.ClientErrors))
		}

		payload.OnyxCreateErrors.Merge(result.FieldErrors)

		for _, msg := range result.ClientErrors {
			payload.AddIngestError(msg)
		}

		return true, nil
	}

	if result.ClimbID == "" {
		payload.OnyxCreateErrors.Add("climb_id", ErrRecordLost.Error())

		return true, nil
	}

	payload.ClimbID = result.ClimbID
	payload.Created = true

	return false, nil
}
