package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/climb-tre/conduit/internal/config"
	"github.com/climb-tre/conduit/internal/messages"
	"github.com/climb-tre/conduit/internal/onyx"
)

type (
	// Publisher is the outbound message surface the runner depends on.
	Publisher interface {
		Send(ctx context.Context, exchange, queueSuffix string, v any) error
	}

	// RecordAPI is the record-service surface the runner depends on.
	RecordAPI interface {
		CSVCreate(ctx context.Context, project string, fields map[string]string, test bool) onyx.CreateResult
		Filter(ctx context.Context, project string, fields map[string]string) ([]onyx.Record, error)
		Update(ctx context.Context, project, climbID string, fields map[string]any) error
		Unsuppress(ctx context.Context, project, climbID string) error
	}

	// Project supplies the per-project behaviour the shared state machine
	// delegates to. Each method receives the run's working directory and may
	// mutate the payload.
	Project interface {
		// Name is the project identifier used in queue and record routing.
		Name() string

		// WorkflowParams builds the --key value parameters for the run.
		WorkflowParams(payload *messages.ValidationPayload, workDir string) (map[string]string, error)

		// ClassifyFailure maps a nonzero-exit trace entry to a
		// project-specific rejection message. An empty string keeps the
		// generic process-failure line.
		ClassifyFailure(entry TraceEntry) string

		// CheckOutput inspects the trace and working directory for
		// project-specific rejections after a clean workflow exit. A returned
		// error is a user error recorded on the payload.
		CheckOutput(ctx context.Context, payload *messages.ValidationPayload, workDir string, trace []TraceEntry) error

		// RecordFields builds the field set for the real record create.
		RecordFields(ctx context.Context, payload *messages.ValidationPayload, workDir string) (map[string]string, error)

		// PublishArtifacts uploads the run's derived artifacts and returns
		// the field updates (URIs, presigned URLs) to write onto the record.
		PublishArtifacts(ctx context.Context, payload *messages.ValidationPayload, workDir string) (map[string]any, error)

		// SubmitDownstream performs any external registry submission and
		// returns field updates to write onto the record. May be a no-op.
		SubmitDownstream(ctx context.Context, payload *messages.ValidationPayload, workDir string) (map[string]any, error)
	}

	// Runner drives one project's validations through the shared state
	// machine: workflow, trace, project checks, suppressed create, publish,
	// downstream submit, unsuppress, report.
	Runner struct {
		project   Project
		workflow  *Workflow
		records   RecordAPI
		publisher Publisher
		logger    *slog.Logger

		now func() time.Time
	}
)

// NewRunner creates a runner for one project validator.
func NewRunner(project Project, workflow *Workflow, records RecordAPI, publisher Publisher) *Runner {
	return &Runner{
		project:   project,
		workflow:  workflow,
		records:   records,
		publisher: publisher,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: time.Now,
	}
}

// Handle is the pool handler for one ingest-annotated payload. Exactly one
// result message is published per input on every path out of this function.
func (r *Runner) Handle(ctx context.Context, body []byte) error {
	var payload messages.ValidationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		r.logger.Error("failed to decode validation payload", slog.String("error", err.Error()))

		return nil
	}

	if payload.OnyxTestCreateErrors == nil {
		payload.OnyxTestCreateErrors = messages.ErrorMap{}
	}

	if payload.OnyxCreateErrors == nil {
		payload.OnyxCreateErrors = messages.ErrorMap{}
	}

	if payload.OnyxErrors == nil {
		payload.OnyxErrors = messages.ErrorMap{}
	}

	// Ingest said no: report only, never execute.
	if !payload.Validate {
		return r.report(ctx, &payload)
	}

	workDir, err := r.workflow.WorkDir(payload.UUID)
	if err != nil {
		return Recoverable(err)
	}

	var stdout []byte

	defer func() {
		if err := r.workflow.Cleanup(workDir, stdout); err != nil {
			r.logger.Warn("workflow cleanup failed",
				slog.String("uuid", payload.UUID),
				slog.String("error", err.Error()),
			)
		}
	}()

	trace, ok, err := r.execute(ctx, &payload, workDir, &stdout)
	if err != nil {
		// Transient execution failure; the result is not reported because
		// the task will run again.
		return err
	}

	if !ok {
		return r.report(ctx, &payload)
	}

	if err := r.project.CheckOutput(ctx, &payload, workDir, trace); err != nil {
		payload.AddIngestError(err.Error())

		return r.report(ctx, &payload)
	}

	// Test submissions exercise the workflow only.
	if payload.TestFlag {
		payload.TestIngestResult = true
		payload.Ingested = true

		return r.report(ctx, &payload)
	}

	return r.commit(ctx, &payload, workDir)
}

// execute runs the workflow and parses its trace. ok is false when the
// payload now carries a user-visible failure; a non-nil error is transient.
func (r *Runner) execute(
	ctx context.Context,
	payload *messages.ValidationPayload,
	workDir string,
	stdout *[]byte,
) ([]TraceEntry, bool, error) {
	params, err := r.project.WorkflowParams(payload, workDir)
	if err != nil {
		payload.AddIngestError(err.Error())

		return nil, false, nil
	}

	result, err := r.workflow.Run(ctx, workDir, params)
	*stdout = result.Stdout

	if err != nil {
		if errors.Is(err, ErrWorkflowTimeout) {
			payload.AddIngestError(err.Error())

			return nil, false, nil
		}

		return nil, false, Recoverable(err)
	}

	r.logger.Info("workflow finished",
		slog.String("uuid", payload.UUID),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", result.Duration),
	)

	trace, traceErr := ReadTrace(workDir, payload.UUID)

	if result.ExitCode != 0 {
		// A failed run still has a trace naming the process that broke;
		// surface that when available, the bare exit code otherwise.
		if failures := FailedProcesses(trace, r.project.ClassifyFailure); len(failures) > 0 {
			for _, failure := range failures {
				payload.AddIngestError(failure)
			}
		} else {
			payload.AddIngestError(fmt.Sprintf("workflow failed with exit code %d", result.ExitCode))
		}

		return trace, false, nil
	}

	if traceErr != nil {
		payload.AddIngestError(traceErr.Error())

		return nil, false, nil
	}

	if failures := FailedProcesses(trace, r.project.ClassifyFailure); len(failures) > 0 {
		for _, failure := range failures {
			payload.AddIngestError(failure)
		}

		return trace, false, nil
	}

	return trace, true, nil
}

// report publishes the payload to the per-site results exchange.
func (r *Runner) report(ctx context.Context, payload *messages.ValidationPayload) error {
	exchange := messages.ResultsExchange(payload.Project, payload.Site)

	if err := r.publisher.Send(ctx, exchange, "results", payload); err != nil {
		return Recoverable(fmt.Errorf("failed to publish result for %s: %w", payload.Artifact, err))
	}

	r.logger.Info("result published",
		slog.String("artifact", payload.Artifact),
		slog.String("uuid", payload.UUID),
		slog.Bool("ingested", payload.Ingested),
	)

	return nil
}

// announce publishes the minimal new-artifact notification after a committed
// success.
func (r *Runner) announce(ctx context.Context, payload *messages.ValidationPayload) error {
	artifact := messages.NewArtifact{
		IngestTimestamp: r.now().Unix(),
		ClimbID:         payload.ClimbID,
		Site:            payload.Site,
		Platform:        payload.Platform,
		MatchUUID:       payload.UUID,
	}

	exchange := messages.NewArtifactExchange(payload.Project)

	if err := r.publisher.Send(ctx, exchange, "downstream", artifact); err != nil {
		return Recoverable(fmt.Errorf("failed to publish new artifact for %s: %w", payload.Artifact, err))
	}

	return nil
}
