// Package mscape is the project glue for the metagenomic surveillance
// project's validator.
//
// Its workflow bins reads by taxon and screens out human reads. On success
// the binned reads, per-taxon reports, and the run report are published, and
// the taxon summaries are written onto the record alongside the read URIs.
package mscape

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/climb-tre/conduit/internal/config"
	"github.com/climb-tre/conduit/internal/ingest"
	"github.com/climb-tre/conduit/internal/messages"
	"github.com/climb-tre/conduit/internal/validator"
)

// ProjectName is the project identifier in configuration and routing.
const ProjectName = "mscape"

// Sentinel errors for mscape validation.
var (
	// ErrHumanReads is the user-facing rejection when the workflow's read
	// extraction aborts because the human-read fraction is too high.
	ErrHumanReads = errors.New("Human reads above rejection threshold")

	// ErrMissingFastq is returned when the match carries no sequence files.
	ErrMissingFastq = errors.New("submission has no sequence files")

	// ErrNoPublishBucket is returned when the project configuration lacks a
	// publication bucket for an artifact kind.
	ErrNoPublishBucket = errors.New("no publication bucket configured")
)

// Workflow processes whose exit code 2 means human-read rejection rather
// than an operational failure.
var humanReadProcesses = map[string]bool{
	"extract_reads":        true,
	"extract_paired_reads": true,
}

type (
	// Store is the object-store surface mscape depends on.
	Store interface {
		Fetch(ctx context.Context, uri, etag string) ([]byte, error)
		Upload(ctx context.Context, bucket, key string, body []byte) (string, error)
		PresignGet(ctx context.Context, bucket, key string) (string, error)
	}

	// Validator implements validator.Project for mscape.
	Validator struct {
		cfg   config.Project
		store Store
	}
)

// Compile-time interface compliance check.
var _ validator.Project = (*Validator)(nil)

// New creates the mscape project glue.
func New(cfg config.Project, store Store) *Validator {
	return &Validator{cfg: cfg, store: store}
}

// Name returns the project identifier.
func (v *Validator) Name() string {
	return ProjectName
}

// WorkflowParams builds the run parameters: the submission identifier, the
// sequence file locations, and the output directory.
func (v *Validator) WorkflowParams(payload *messages.ValidationPayload, workDir string) (map[string]string, error) {
	params := map[string]string{
		"unique_id": payload.UUID,
		"outdir":    filepath.Join(workDir, "out"),
	}

	switch {
	case hasFile(payload, ".1.fastq.gz") && hasFile(payload, ".2.fastq.gz"):
		params["fastq1"] = payload.Files[".1.fastq.gz"].URI
		params["fastq2"] = payload.Files[".2.fastq.gz"].URI
		params["paired"] = "true"

	case hasFile(payload, ".fastq.gz"):
		params["fastq"] = payload.Files[".fastq.gz"].URI

	default:
		return nil, ErrMissingFastq
	}

	return params, nil
}

// ClassifyFailure maps the read-extraction exit 2 to the human-read
// rejection: those processes abort with that code when the human fraction is
// above threshold, which is a user rejection rather than a pipeline fault.
func (v *Validator) ClassifyFailure(entry validator.TraceEntry) string {
	if humanReadProcesses[entry.Process()] && entry.ExitCode == "2" {
		return ErrHumanReads.Error()
	}

	return ""
}

// CheckOutput has no post-run checks: mscape's only rejection is raised from
// the trace walk in ClassifyFailure.
func (v *Validator) CheckOutput(
	_ context.Context,
	_ *messages.ValidationPayload,
	_ string,
	_ []validator.TraceEntry,
) error {
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
		return nil, errors.New("submission has no metadata CSV")
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

// PublishArtifacts uploads the run's binned reads, per-taxon reports, and
// run report, returning the record updates: read URIs, the report location,
// and one nested entry per published taxon.
func (v *Validator) PublishArtifacts(
	ctx context.Context,
	payload *messages.ValidationPayload,
	workDir string,
) (map[string]any, error) {
	outDir := filepath.Join(workDir, "out")
	updates := map[string]any{}

	readURIs, err := v.publishReads(ctx, payload, outDir)
	if err != nil {
		return nil, err
	}

	for field, uri := range readURIs {
		updates[field] = uri
	}

	taxa, err := v.publishTaxa(ctx, payload, outDir)
	if err != nil {
		return nil, err
	}

	if len(taxa) > 0 {
		updates["taxon_reports"] = taxa
	}

	reportURI, err := v.publishReport(ctx, payload, outDir)
	if err != nil {
		return nil, err
	}

	if reportURI != "" {
		updates["validation_report"] = reportURI
	}

	return updates, nil
}

// SubmitDownstream is a no-op: mscape has no external registry.
func (v *Validator) SubmitDownstream(
	_ context.Context,
	_ *messages.ValidationPayload,
	_ string,
) (map[string]any, error) {
	return map[string]any{}, nil
}

// publishReads uploads the workflow's cleaned read files and returns the
// fastq_1/fastq_2 (or fastq) record fields.
func (v *Validator) publishReads(
	ctx context.Context,
	payload *messages.ValidationPayload,
	outDir string,
) (map[string]string, error) {
	bucket, ok := v.cfg.PublishBuckets["reads"]
	if !ok {
		return nil, fmt.Errorf("%w: reads", ErrNoPublishBucket)
	}

	readsDir := filepath.Join(outDir, "preprocess")

	entries, err := os.ReadDir(readsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow output: %w", err)
	}

	fields := map[string]string{}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".fastq.gz") {
			continue
		}

		body, err := os.ReadFile(filepath.Join(readsDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		key := fmt.Sprintf("%s/%s", payload.UUID, name)

		uri, err := v.store.Upload(ctx, bucket, key, body)
		if err != nil {
			return nil, err
		}

		switch {
		case strings.HasSuffix(name, "_1.fastq.gz"):
			fields["fastq_1"] = uri
		case strings.HasSuffix(name, "_2.fastq.gz"):
			fields["fastq_2"] = uri
		default:
			fields["fastq_1"] = uri
		}
	}

	return fields, nil
}

// publishTaxa uploads each taxon's binned reads and report, returning one
// nested record entry per taxon.
func (v *Validator) publishTaxa(
	ctx context.Context,
	payload *messages.ValidationPayload,
	outDir string,
) ([]map[string]any, error) {
	bucket, ok := v.cfg.PublishBuckets["taxon_reports"]
	if !ok {
		return nil, fmt.Errorf("%w: taxon_reports", ErrNoPublishBucket)
	}

	taxaDir := filepath.Join(outDir, "reads_by_taxa")

	entries, err := os.ReadDir(taxaDir)
	if errors.Is(err, os.ErrNotExist) {
		// Nothing binned; valid for low-complexity samples.
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read taxa output: %w", err)
	}

	var taxa []map[string]any

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}

		body, err := os.ReadFile(filepath.Join(taxaDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		key := fmt.Sprintf("%s/%s", payload.UUID, name)

		uri, err := v.store.Upload(ctx, bucket, key, body)
		if err != nil {
			return nil, err
		}

		taxa = append(taxa, map[string]any{
			"taxon_id":   taxonID(name),
			"reads_uri":  uri,
			"reads_file": name,
		})
	}

	return taxa, nil
}

// publishReport uploads the run's report HTML when present.
func (v *Validator) publishReport(
	ctx context.Context,
	payload *messages.ValidationPayload,
	outDir string,
) (string, error) {
	bucket, ok := v.cfg.PublishBuckets["reports"]
	if !ok {
		return "", fmt.Errorf("%w: reports", ErrNoPublishBucket)
	}

	reportPath := filepath.Join(outDir, fmt.Sprintf("%s_report.html", payload.UUID))

	body, err := os.ReadFile(reportPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to read report: %w", err)
	}

	key := fmt.Sprintf("%s/%s_report.html", payload.UUID, payload.UUID)

	return v.store.Upload(ctx, bucket, key, body)
}

// taxonID extracts the taxon identifier from a binned-reads filename,
// e.g. "562.fastq.gz" → "562".
func taxonID(filename string) string {
	if i := strings.Index(filename, "."); i >= 0 {
		return filename[:i]
	}

	return filename
}

func hasFile(payload *messages.ValidationPayload, ext string) bool {
	_, ok := payload.Files[ext]

	return ok
}
