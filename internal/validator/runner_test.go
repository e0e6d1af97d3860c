package validator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climb-tre/conduit/internal/messages"
	"github.com/climb-tre/conduit/internal/onyx"
)

type fakeProject struct {
	params          map[string]string
	paramsErr       error
	classify        func(TraceEntry) string
	checkErr        error
	fields          map[string]string
	fieldsErr       error
	artifacts       map[string]any
	artifactsErr    error
	downstream      map[string]any
	downstreamErr   error
	artifactCalls   int
	downstreamCalls int
}

func (f *fakeProject) Name() string { return "mscape" }

func (f *fakeProject) WorkflowParams(_ *messages.ValidationPayload, _ string) (map[string]string, error) {
	return f.params, f.paramsErr
}

func (f *fakeProject) ClassifyFailure(entry TraceEntry) string {
	if f.classify == nil {
		return ""
	}

	return f.classify(entry)
}

func (f *fakeProject) CheckOutput(_ context.Context, _ *messages.ValidationPayload, _ string, _ []TraceEntry) error {
	return f.checkErr
}

func (f *fakeProject) RecordFields(_ context.Context, _ *messages.ValidationPayload, _ string) (map[string]string, error) {
	return f.fields, f.fieldsErr
}

func (f *fakeProject) PublishArtifacts(_ context.Context, _ *messages.ValidationPayload, _ string) (map[string]any, error) {
	f.artifactCalls++

	return f.artifacts, f.artifactsErr
}

func (f *fakeProject) SubmitDownstream(_ context.Context, _ *messages.ValidationPayload, _ string) (map[string]any, error) {
	f.downstreamCalls++

	return f.downstream, f.downstreamErr
}

type fakeRecords struct {
	filtered      []onyx.Record
	filterErr     error
	createResult  onyx.CreateResult
	createCalls   int
	updates       map[string]any
	updateErr     error
	unsuppressErr error
	unsuppressed  []string
}

func (f *fakeRecords) CSVCreate(_ context.Context, _ string, _ map[string]string, _ bool) onyx.CreateResult {
	f.createCalls++

	return f.createResult
}

func (f *fakeRecords) Filter(_ context.Context, _ string, _ map[string]string) ([]onyx.Record, error) {
	return f.filtered, f.filterErr
}

func (f *fakeRecords) Update(_ context.Context, _, _ string, fields map[string]any) error {
	f.updates = fields

	return f.updateErr
}

func (f *fakeRecords) Unsuppress(_ context.Context, _, climbID string) error {
	if f.unsuppressErr != nil {
		return f.unsuppressErr
	}

	f.unsuppressed = append(f.unsuppressed, climbID)

	return nil
}

type sentResult struct {
	exchange string
	suffix   string
	payload  any
}

type fakeResultPublisher struct {
	sent []sentResult
}

func (p *fakeResultPublisher) Send(_ context.Context, exchange, suffix string, v any) error {
	p.sent = append(p.sent, sentResult{exchange: exchange, suffix: suffix, payload: v})

	return nil
}

func (p *fakeResultPublisher) results() []*messages.ValidationPayload {
	var out []*messages.ValidationPayload

	for _, msg := range p.sent {
		if payload, ok := msg.payload.(*messages.ValidationPayload); ok {
			out = append(out, payload)
		}
	}

	return out
}

func (p *fakeResultPublisher) artifacts() []messages.NewArtifact {
	var out []messages.NewArtifact

	for _, msg := range p.sent {
		if artifact, ok := msg.payload.(messages.NewArtifact); ok {
			out = append(out, artifact)
		}
	}

	return out
}

func testPayload() *messages.ValidationPayload {
	payload := messages.NewValidationPayload(messages.MatchMessage{
		UUID:           "uuid-1",
		PayloadVersion: messages.PayloadVersion,
		Artifact:       "mscape.sample1.run1",
		SampleID:       "sample1",
		RunID:          "run1",
		Project:        "mscape",
		Platform:       "ont",
		Site:           "birm",
	})
	payload.OnyxTestCreateStatus = true

	return payload
}

func newTestRunner(project *fakeProject, records *fakeRecords, publisher *fakeResultPublisher, workflow *Workflow) *Runner {
	return &Runner{
		project:   project,
		workflow:  workflow,
		records:   records,
		publisher: publisher,
		logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
		now:       func() time.Time { return time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC) },
	}
}

// scriptedWorkflow builds a Workflow whose engine is a shell script, so Handle
// can run end to end without a real pipeline.
func scriptedWorkflow(t *testing.T, script string) *Workflow {
	t.Helper()

	dir := t.TempDir()
	engine := filepath.Join(dir, "engine.sh")
	require.NoError(t, os.WriteFile(engine, []byte("#!/bin/sh\n"+script), 0o700))

	workflow, err := NewWorkflow(WorkflowConfig{
		Executable: engine,
		Pipeline:   "org/pipeline",
		WorkRoot:   filepath.Join(dir, "runs"),
		Timeout:    time.Minute,
	})
	require.NoError(t, err)

	return workflow
}

const cleanTraceScript = `mkdir -p pipeline_info
printf 'name\tstatus\texit\nclassify\tCOMPLETED\t0\n' > pipeline_info/execution_trace_uuid-1.txt
`

func handlePayload(t *testing.T, r *Runner, payload *messages.ValidationPayload) {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, r.Handle(t.Context(), body))
}

func TestRunnerReportsWithoutValidating(t *testing.T) {
	project := &fakeProject{}
	records := &fakeRecords{}
	publisher := &fakeResultPublisher{}
	r := newTestRunner(project, records, publisher, nil)

	payload := testPayload()
	payload.Validate = false

	handlePayload(t, r, payload)

	results := publisher.results()
	require.Len(t, results, 1)
	assert.Equal(t, messages.ResultsExchange("mscape", "birm"), publisher.sent[0].exchange)
	assert.False(t, results[0].Ingested)
	assert.Zero(t, records.createCalls)
	assert.Zero(t, project.artifactCalls)
}

func TestRunnerUndecodablePayloadConsumed(t *testing.T) {
	publisher := &fakeResultPublisher{}
	r := newTestRunner(&fakeProject{}, &fakeRecords{}, publisher, nil)

	assert.NoError(t, r.Handle(t.Context(), []byte("not json")))
	assert.Empty(t, publisher.sent)
}

func TestRunnerHandleCommitsValidatedPayload(t *testing.T) {
	project := &fakeProject{
		fields:     map[string]string{"sample_id": "sample1", "run_id": "run1"},
		artifacts:  map[string]any{"fastq_1": "s3://published/reads.1.fastq.gz"},
		downstream: map[string]any{},
	}
	records := &fakeRecords{createResult: onyx.CreateResult{
		OK:         true,
		StatusCode: http.StatusCreated,
		ClimbID:    "C-1",
	}}
	publisher := &fakeResultPublisher{}
	r := newTestRunner(project, records, publisher, scriptedWorkflow(t, cleanTraceScript))

	handlePayload(t, r, testPayload())

	results := publisher.results()
	require.Len(t, results, 1)

	result := results[0]
	assert.True(t, result.Ingested)
	assert.True(t, result.Created)
	assert.Equal(t, "C-1", result.ClimbID)
	assert.Empty(t, result.IngestErrors)
	assert.Equal(t, []string{"C-1"}, records.unsuppressed)
	assert.Equal(t, map[string]any{"fastq_1": "s3://published/reads.1.fastq.gz"}, records.updates)

	announced := publisher.artifacts()
	require.Len(t, announced, 1)
	assert.Equal(t, "C-1", announced[0].ClimbID)
	assert.Equal(t, "uuid-1", announced[0].MatchUUID)
	assert.Equal(t, messages.NewArtifactExchange("mscape"), publisher.sent[1].exchange)
}

func TestRunnerHandleTestFlagSkipsCommit(t *testing.T) {
	project := &fakeProject{}
	records := &fakeRecords{}
	publisher := &fakeResultPublisher{}
	r := newTestRunner(project, records, publisher, scriptedWorkflow(t, cleanTraceScript))

	payload := testPayload()
	payload.TestFlag = true

	handlePayload(t, r, payload)

	results := publisher.results()
	require.Len(t, results, 1)
	assert.True(t, results[0].TestIngestResult)
	assert.True(t, results[0].Ingested)
	assert.Zero(t, records.createCalls, "test submissions never touch the record API")
	assert.Empty(t, publisher.artifacts())
}

func TestRunnerHandleReportsFailedProcesses(t *testing.T) {
	script := `mkdir -p pipeline_info
printf 'name\tstatus\texit\nextract_reads (sample1)\tFAILED\t1\n' > pipeline_info/execution_trace_uuid-1.txt
exit 1
`
	publisher := &fakeResultPublisher{}
	r := newTestRunner(&fakeProject{}, &fakeRecords{}, publisher, scriptedWorkflow(t, script))

	handlePayload(t, r, testPayload())

	results := publisher.results()
	require.Len(t, results, 1)
	assert.False(t, results[0].Ingested)
	require.NotEmpty(t, results[0].IngestErrors)
	assert.Contains(t, results[0].IngestErrors[0], "Process extract_reads (sample1) failed with exit code 1")
}

func TestRunnerReclassifiesTraceFailures(t *testing.T) {
	script := `mkdir -p pipeline_info
printf 'name\tstatus\texit\nextract_reads (sample1)\tCOMPLETED\t2\n' > pipeline_info/execution_trace_uuid-1.txt
exit 1
`
	project := &fakeProject{classify: func(entry TraceEntry) string {
		if entry.Process() == "extract_reads" && entry.ExitCode == "2" {
			return "Human reads above rejection threshold"
		}

		return ""
	}}
	records := &fakeRecords{}
	publisher := &fakeResultPublisher{}
	r := newTestRunner(project, records, publisher, scriptedWorkflow(t, script))

	handlePayload(t, r, testPayload())

	results := publisher.results()
	require.Len(t, results, 1)
	assert.False(t, results[0].Ingested)
	assert.Contains(t, results[0].IngestErrors, "Human reads above rejection threshold",
		"the project's rejection message must replace the generic process failure")
	assert.Zero(t, records.createCalls)
}

func TestRunnerHandleMissingTraceIsUserError(t *testing.T) {
	publisher := &fakeResultPublisher{}
	r := newTestRunner(&fakeProject{}, &fakeRecords{}, publisher, scriptedWorkflow(t, "exit 0\n"))

	handlePayload(t, r, testPayload())

	results := publisher.results()
	require.Len(t, results, 1)
	assert.False(t, results[0].Ingested)
	require.NotEmpty(t, results[0].IngestErrors)
	assert.Contains(t, results[0].IngestErrors[0], "execution trace")
}

func TestRunnerHandleRejectedOutputReported(t *testing.T) {
	project := &fakeProject{checkErr: errors.New("Human reads above rejection threshold")}
	records := &fakeRecords{}
	publisher := &fakeResultPublisher{}
	r := newTestRunner(project, records, publisher, scriptedWorkflow(t, cleanTraceScript))

	handlePayload(t, r, testPayload())

	results := publisher.results()
	require.Len(t, results, 1)
	assert.False(t, results[0].Ingested)
	assert.Contains(t, results[0].IngestErrors, "Human reads above rejection threshold")
	assert.Zero(t, records.createCalls)
}

func TestCommitAlreadyPublishedIsTerminalSuccess(t *testing.T) {
	project := &fakeProject{}
	records := &fakeRecords{filtered: []onyx.Record{
		{ClimbID: "C-9", SampleID: "sample1", RunID: "run1", IsPublished: true},
	}}
	publisher := &fakeResultPublisher{}
	r := newTestRunner(project, records, publisher, nil)

	payload := testPayload()
	require.NoError(t, r.commit(t.Context(), payload, t.TempDir()))

	assert.True(t, payload.Ingested)
	assert.Equal(t, "C-9", payload.ClimbID)
	assert.Zero(t, records.createCalls)
	assert.Zero(t, project.artifactCalls)
	assert.Empty(t, publisher.artifacts(), "redelivered work must not announce again")
	assert.Len(t, publisher.results(), 1)
}

func TestCommitReusesSuppressedRecord(t *testing.T) {
	project := &fakeProject{
		artifacts:  map[string]any{"fastq": "s3://published/reads.fastq.gz"},
		downstream: map[string]any{},
	}
	records := &fakeRecords{filtered: []onyx.Record{
		{ClimbID: "C-5", SampleID: "sample1", RunID: "run1", IsPublished: false},
	}}
	publisher := &fakeResultPublisher{}
	r := newTestRunner(project, records, publisher, nil)

	payload := testPayload()
	require.NoError(t, r.commit(t.Context(), payload, t.TempDir()))

	assert.True(t, payload.Ingested)
	assert.Equal(t, "C-5", payload.ClimbID)
	assert.Zero(t, records.createCalls, "an earlier partial run already created the record")
	assert.Equal(t, []string{"C-5"}, records.unsuppressed)
}

func TestCommitTransientCreateIsRecoverable(t *testing.T) {
	project := &fakeProject{fields: map[string]string{"sample_id": "sample1"}}
	records := &fakeRecords{createResult: onyx.CreateResult{Alert: true, StatusCode: 0}}
	publisher := &fakeResultPublisher{}
	r := newTestRunner(project, records, publisher, nil)

	err := r.commit(t.Context(), testPayload(), t.TempDir())
	assert.ErrorIs(t, err, ErrRecoverable)
	assert.Empty(t, publisher.sent, "no result until the retry budget is spent")
}

func TestCommitFilterFailureIsRecoverable(t *testing.T) {
	records := &fakeRecords{filterErr: errors.New("connection reset")}
	publisher := &fakeResultPublisher{}
	r := newTestRunner(&fakeProject{}, records, publisher, nil)

	err := r.commit(t.Context(), testPayload(), t.TempDir())
	assert.ErrorIs(t, err, ErrRecoverable)
	assert.Empty(t, publisher.sent)
}

func TestCommitFieldErrorsAreTerminal(t *testing.T) {
	project := &fakeProject{fields: map[string]string{"sample_id": "sample1"}}
	records := &fakeRecords{createResult: onyx.CreateResult{
		StatusCode:  http.StatusBadRequest,
		FieldErrors: map[string][]string{"collection_date": {"Enter a valid date."}},
	}}
	publisher := &fakeResultPublisher{}
	r := newTestRunner(project, records, publisher, nil)

	payload := testPayload()
	require.NoError(t, r.commit(t.Context(), payload, t.TempDir()))

	assert.False(t, payload.Ingested)
	assert.Equal(t, []string{"Enter a valid date."}, payload.OnyxCreateErrors["collection_date"])
	assert.Len(t, publisher.results(), 1)
}

func TestCommitPublishFailureLeavesRecordSuppressed(t *testing.T) {
	project := &fakeProject{
		fields:       map[string]string{"sample_id": "sample1"},
		artifactsErr: errors.New("bucket unavailable"),
	}
	records := &fakeRecords{createResult: onyx.CreateResult{
		OK:         true,
		StatusCode: http.StatusCreated,
		ClimbID:    "C-1",
	}}
	publisher := &fakeResultPublisher{}
	r := newTestRunner(project, records, publisher, nil)

	payload := testPayload()
	require.NoError(t, r.commit(t.Context(), payload, t.TempDir()))

	assert.False(t, payload.Ingested)
	assert.Empty(t, records.unsuppressed, "a record with unpublished artifacts must stay suppressed")
	require.NotEmpty(t, payload.IngestErrors)
	assert.Contains(t, payload.IngestErrors[0], "failed to publish artifacts")
}

func TestCommitUnsuppressFailureReported(t *testing.T) {
	project := &fakeProject{
		fields:     map[string]string{"sample_id": "sample1"},
		artifacts:  map[string]any{},
		downstream: map[string]any{},
	}
	records := &fakeRecords{
		createResult:  onyx.CreateResult{OK: true, StatusCode: http.StatusCreated, ClimbID: "C-1"},
		unsuppressErr: errors.New("patch failed"),
	}
	publisher := &fakeResultPublisher{}
	r := newTestRunner(project, records, publisher, nil)

	payload := testPayload()
	require.NoError(t, r.commit(t.Context(), payload, t.TempDir()))

	assert.False(t, payload.Ingested)
	assert.Equal(t, []string{"patch failed"}, payload.OnyxErrors["unsuppress"])
	assert.Empty(t, publisher.artifacts())
}
