package pathsafe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/climb-tre/conduit/internal/config"
	"github.com/climb-tre/conduit/internal/ingest"
	"github.com/climb-tre/conduit/internal/messages"
	"github.com/climb-tre/conduit/internal/validator"
)

// ProjectName is the project identifier in configuration and routing.
const ProjectName = "pathsafe"

// Sentinel errors for pathsafe validation.
var (
	// ErrMissingReads is returned when the match carries no paired reads.
	ErrMissingReads = fmt.Errorf("submission has no paired read files")

	// ErrMissingAssembly is returned when the workflow produced no assembly.
	ErrMissingAssembly = fmt.Errorf("workflow produced no assembly")

	// ErrNoPublishBucket is returned when the project configuration lacks an
	// assembly publication bucket.
	ErrNoPublishBucket = fmt.Errorf("no publication bucket configured for assemblies")
)

type (
	// Store is the object-store surface pathsafe depends on.
	Store interface {
		Fetch(ctx context.Context, uri, etag string) ([]byte, error)
		Upload(ctx context.Context, bucket, key string, body []byte) (string, error)
		PresignGet(ctx context.Context, bucket, key string) (string, error)
	}

	// Registry is the external genome registry surface pathsafe depends on.
	Registry interface {
		Submit(ctx context.Context, name string, assembly []byte) (string, error)
	}

	// Validator implements validator.Project for pathsafe.
	Validator struct {
		cfg      config.Project
		store    Store
		registry Registry
	}
)

// Compile-time interface compliance check.
var _ validator.Project = (*Validator)(nil)

// New creates the pathsafe project glue.
func New(cfg config.Project, store Store, registry Registry) *Validator {
	return &Validator{cfg: cfg, store: store, registry: registry}
}

// Name returns the project identifier.
func (v *Validator) Name() string {
	return ProjectName
}

// WorkflowParams builds the assembly run parameters from the paired reads.
func (v *Validator) WorkflowParams(payload *messages.ValidationPayload, workDir string) (map[string]string, error) {
	fastq1, ok1 := payload.Files[".1.fastq.gz"]
	fastq2, ok2 := payload.Files[".2.fastq.gz"]

	if !ok1 || !ok2 {
		return nil, ErrMissingReads
	}

	return map[string]string{
		"unique_id": payload.UUID,
		"fastq1":    fastq1.URI,
		"fastq2":    fastq2.URI,
		"outdir":    filepath.Join(workDir, "out"),
	}, nil
}

// ClassifyFailure keeps the generic process-failure message: pathsafe has no
// project-specific rejections in the trace.
func (v *Validator) ClassifyFailure(_ validator.TraceEntry) string {
	return ""
}

// CheckOutput verifies the workflow produced an assembly.
func (v *Validator) CheckOutput(
	_ context.Context,
	payload *messages.ValidationPayload,
	workDir string,
	_ []validator.TraceEntry,
) error {
	if _, err := os.Stat(assemblyPath(payload, workDir)); err != nil {
		return ErrMissingAssembly
	}

	return nil
}

// RecordFields loads the submission's metadata CSV as the record field set.
func (v *Validator) RecordFields(
	ctx context.Context,
	payload *messages.ValidationPayload,
	_ string,
) (map[string]string, error) {
	file, ok := payload.Files[".csv"]
	if !ok {
		return nil, fmt.Errorf("submission has no metadata CSV")
	}

	raw, err := v.store.Fetch(ctx, file.URI, file.Etag)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}

	metadata, err := ingest.ParseMetadata(raw)
	if err != nil {
		return nil, err
	}

	return metadata.Fields, nil
}

// PublishArtifacts uploads the assembly and generates its 24-hour download
// link, returning both as record updates. The link also rides on the payload
// so the submitter can fetch the assembly directly from the result message.
func (v *Validator) PublishArtifacts(
	ctx context.Context,
	payload *messages.ValidationPayload,
	workDir string,
) (map[string]any, error) {
	bucket, ok := v.cfg.PublishBuckets["assembly"]
	if !ok {
		return nil, ErrNoPublishBucket
	}

	assembly, err := os.ReadFile(assemblyPath(payload, workDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read assembly: %w", err)
	}

	key := fmt.Sprintf("%s.assembly.fasta", payload.ClimbID)

	uri, err := v.store.Upload(ctx, bucket, key, assembly)
	if err != nil {
		return nil, err
	}

	presigned, err := v.store.PresignGet(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	payload.AssemblyPresignedURL = presigned

	return map[string]any{
		"assembly":         uri,
		"assembly_presign": presigned,
	}, nil
}

// SubmitDownstream submits the assembly to Pathogenwatch and returns the
// genome identifier as a record update.
func (v *Validator) SubmitDownstream(
	ctx context.Context,
	payload *messages.ValidationPayload,
	workDir string,
) (map[string]any, error) {
	assembly, err := os.ReadFile(assemblyPath(payload, workDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read assembly: %w", err)
	}

	genomeID, err := v.registry.Submit(ctx, payload.ClimbID, assembly)
	if err != nil {
		return nil, err
	}

	return map[string]any{"pathogenwatch_uuid": genomeID}, nil
}

// assemblyPath is where the workflow writes the run's assembly.
func assemblyPath(payload *messages.ValidationPayload, workDir string) string {
	return filepath.Join(workDir, "out", "assembly", fmt.Sprintf("%s.fasta", payload.UUID))
}
