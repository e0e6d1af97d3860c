package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/climb-tre/conduit/internal/config"
	"github.com/climb-tre/conduit/internal/messages"
	"github.com/climb-tre/conduit/internal/onyx"
	"github.com/climb-tre/conduit/internal/storage"
)

// Sentinel errors for matching.
var (
	// ErrFieldDisagreement is returned when a file's identity fields disagree
	// with the submission's existing files.
	ErrFieldDisagreement = errors.New("file identity fields disagree with existing submission")

	// ErrAlreadyPublished is returned when a published record already exists
	// for the artifact key.
	ErrAlreadyPublished = errors.New("a published record already exists for this artifact")
)

// DefaultStaleAfter is how long an incomplete submission may sit idle before
// it is swept and reported.
const DefaultStaleAfter = 72 * time.Hour

// Prefetch is the matcher's consumer prefetch count. Matching is serialised
// so re-uploads always dispatch after any in-flight match for the same key.
const Prefetch = 1

type (
	// Publisher is the outbound message surface the matcher depends on.
	Publisher interface {
		Send(ctx context.Context, exchange, queueSuffix string, v any) error
	}

	// RecordAPI is the record-service surface the matcher depends on: the
	// published-record membership check before a first dispatch.
	RecordAPI interface {
		Filter(ctx context.Context, project string, fields map[string]string) ([]onyx.Record, error)
	}

	// fileState is one observed file of an in-progress submission.
	fileState struct {
		uri      string
		etag     string
		key      string
		uploader string
		lastSeen time.Time
	}

	// submission is the in-progress state for one artifact key.
	submission struct {
		event        ParsedEvent // identity fields of the first observed file
		files        map[string]fileState
		uuid         string
		uploaders    map[string]bool
		lastActivity time.Time
	}

	// Matcher converts upload events into match messages. Processing is
	// single-threaded; all state mutation happens on the Run goroutine.
	Matcher struct {
		doc        *config.Document
		store      storage.MatchStore
		records    RecordAPI
		publisher  Publisher
		logger     *slog.Logger
		staleAfter time.Duration

		active map[string]*submission

		now func() time.Time
	}
)

// New creates a matcher over the given collaborators.
func New(doc *config.Document, store storage.MatchStore, records RecordAPI, publisher Publisher) *Matcher {
	return &Matcher{
		doc:       doc,
		store:     store,
		records:   records,
		publisher: publisher,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		staleAfter: config.GetEnvDuration("MATCHER_STALE_AFTER", DefaultStaleAfter),
		active:     make(map[string]*submission),
		now:        time.Now,
	}
}

// HandleEnvelope processes every upload record in one event envelope.
// A returned error means a transient failure: the delivery should be
// redelivered. User errors are reported and consumed.
func (m *Matcher) HandleEnvelope(ctx context.Context, body []byte) error {
	var envelope messages.UploadEventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		m.logger.Error("failed to decode upload event envelope", slog.String("error", err.Error()))

		// Undecodable envelopes can never succeed on redelivery.
		return nil
	}

	for _, record := range envelope.Records {
		if err := m.handleRecord(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

// handleRecord processes one upload record through parse, state update,
// completion check, and dispatch.
func (m *Matcher) handleRecord(ctx context.Context, record messages.UploadRecord) error {
	event, err := ParseEvent(record, m.doc)
	if err != nil {
		// Malformed names are user errors: report and consume.
		m.reportEventError(ctx, record, err)

		return nil
	}

	key := event.ArtifactKey()

	sub, ok := m.active[key]
	if !ok {
		sub = &submission{
			event:     event,
			files:     make(map[string]fileState),
			uuid:      uuid.New().String(),
			uploaders: make(map[string]bool),
		}

		if err := m.reopen(ctx, key, sub); err != nil {
			return err
		}

		m.active[key] = sub
	}

	if err := sub.accept(event, m.now()); err != nil {
		m.reportEventError(ctx, record, err)

		return nil
	}

	spec, err := m.doc.Configs[event.Project].FileSpec(event.Platform)
	if err != nil {
		m.reportEventError(ctx, record, err)

		return nil
	}

	if !sub.complete(spec) {
		m.logger.Debug("submission incomplete, waiting for more files",
			slog.String("artifact", key),
			slog.Int("observed", len(sub.files)),
			slog.Int("required", len(spec.Required())),
		)

		return nil
	}

	return m.dispatch(ctx, key, sub, record)
}

// reopen seeds a fresh submission with the file set of the key's last
// dispatch. A re-upload of a single file then completes against the
// previously matched files instead of opening an empty set that can never
// fill. No-op for keys that have never been dispatched.
func (m *Matcher) reopen(ctx context.Context, key string, sub *submission) error {
	previous, err := m.store.LastDispatch(ctx, key)
	if errors.Is(err, storage.ErrNoDispatch) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to load dispatch state for %s: %w", key, err)
	}

	now := m.now()

	for ext, file := range previous.Files {
		sub.files[ext] = fileState{
			uri:      file.URI,
			etag:     file.Etag,
			key:      file.Key,
			uploader: file.Uploader,
			lastSeen: now,
		}

		if file.Uploader != "" {
			sub.uploaders[file.Uploader] = true
		}
	}

	sub.lastActivity = now

	return nil
}

// dispatch applies the completion rules and, unless suppressed, emits a match
// message and records the dispatched file set.
func (m *Matcher) dispatch(ctx context.Context, key string, sub *submission, record messages.UploadRecord) error {
	previous, err := m.store.LastDispatch(ctx, key)

	switch {
	case errors.Is(err, storage.ErrNoDispatch):
		// First match for this key: a published record with the same
		// identity forbids a new submission.
		published, err := m.publishedRecordExists(ctx, sub)
		if err != nil {
			return err
		}

		if published {
			m.reportEventError(ctx, record, fmt.Errorf("%w: %s", ErrAlreadyPublished, key))
			delete(m.active, key)

			return nil
		}

	case err != nil:
		return fmt.Errorf("failed to load dispatch state for %s: %w", key, err)

	default:
		if sub.sameEtags(previous.Files) {
			m.logger.Info("identical re-upload suppressed",
				slog.String("artifact", key),
				slog.String("uuid", previous.UUID),
			)
			delete(m.active, key)

			return nil
		}

		// Changed etag-set: the re-opened submission goes out under a
		// fresh identifier.
		sub.uuid = uuid.New().String()
	}

	match := sub.toMatch(m.now())

	if err := m.publisher.Send(ctx, messages.MatchedExchange, "ingest", match); err != nil {
		return fmt.Errorf("failed to publish match for %s: %w", key, err)
	}

	dispatch := storage.Dispatch{
		UUID:         sub.uuid,
		Files:        sub.fileSet(),
		DispatchedAt: m.now(),
	}

	if err := m.store.RecordDispatch(ctx, key, dispatch); err != nil {
		return fmt.Errorf("failed to record dispatch for %s: %w", key, err)
	}

	m.logger.Info("match dispatched",
		slog.String("artifact", key),
		slog.String("uuid", sub.uuid),
		slog.Int("files", len(sub.files)),
	)

	delete(m.active, key)

	return nil
}

// publishedRecordExists asks the record API whether a published record with
// this submission's (sample_id, run_id) already exists.
func (m *Matcher) publishedRecordExists(ctx context.Context, sub *submission) (bool, error) {
	records, err := m.records.Filter(ctx, sub.event.Project, map[string]string{
		"sample_id":    sub.event.SampleID,
		"run_id":       sub.event.RunID,
		"is_published": "true",
	})
	if err != nil {
		return false, fmt.Errorf("failed to check for published record: %w", err)
	}

	return len(records) > 0, nil
}

// SweepStale removes incomplete submissions idle longer than the configured
// timeout, reporting each expiry to the per-site results exchange.
func (m *Matcher) SweepStale(ctx context.Context) {
	cutoff := m.now().Add(-m.staleAfter)

	for key, sub := range m.active {
		if sub.lastActivity.After(cutoff) {
			continue
		}

		m.logger.Warn("expiring stale incomplete submission",
			slog.String("artifact", key),
			slog.Time("last_activity", sub.lastActivity),
		)

		eventErr := messages.EventError{
			Project: sub.event.Project,
			Site:    sub.event.Site,
			Errors: []string{fmt.Sprintf(
				"submission expired after %s with an incomplete file set", m.staleAfter)},
			Timestamp: m.now().Unix(),
		}

		exchange := messages.ResultsExchange(sub.event.Project, sub.event.Site)
		if err := m.publisher.Send(ctx, exchange, "results", eventErr); err != nil {
			m.logger.Error("failed to report stale submission",
				slog.String("artifact", key),
				slog.String("error", err.Error()),
			)

			continue
		}

		delete(m.active, key)
	}
}

// reportEventError routes a user-visible per-event error to the results
// exchange when the site is known, or just logs it when parsing never got
// that far.
func (m *Matcher) reportEventError(ctx context.Context, record messages.UploadRecord, cause error) {
	m.logger.Warn("upload event rejected",
		slog.String("bucket", record.S3.Bucket.Name),
		slog.String("key", record.S3.Object.Key),
		slog.String("error", cause.Error()),
	)

	project, site, _, _, err := ParseBucket(record.S3.Bucket.Name)
	if err != nil {
		// No route back to the submitter without a parseable bucket.
		return
	}

	eventErr := messages.EventError{
		URI:       record.URI(),
		Bucket:    record.S3.Bucket.Name,
		Key:       record.S3.Object.Key,
		Project:   project,
		Site:      site,
		Errors:    []string{cause.Error()},
		Timestamp: m.now().Unix(),
	}

	exchange := messages.ResultsExchange(project, site)
	if err := m.publisher.Send(ctx, exchange, "results", eventErr); err != nil {
		m.logger.Error("failed to publish event error",
			slog.String("key", record.S3.Object.Key),
			slog.String("error", err.Error()),
		)
	}
}

// accept folds an event into the submission, failing when its identity
// fields disagree with the files already observed.
func (s *submission) accept(event ParsedEvent, now time.Time) error {
	existing := s.event
	if existing.Project != event.Project ||
		existing.SampleID != event.SampleID ||
		existing.RunID != event.RunID ||
		existing.Platform != event.Platform ||
		existing.Site != event.Site ||
		existing.Env != event.Env {
		return fmt.Errorf("%w: %s vs %s", ErrFieldDisagreement, event.Key, existing.Key)
	}

	s.files[event.Ext] = fileState{
		uri:      event.URI,
		etag:     event.Etag,
		key:      event.Key,
		uploader: event.Uploader,
		lastSeen: now,
	}
	s.uploaders[event.Uploader] = true
	s.lastActivity = now

	return nil
}

// complete reports whether the observed extensions cover the file spec.
func (s *submission) complete(spec config.FileSpec) bool {
	for _, ext := range spec.Required() {
		if _, ok := s.files[ext]; !ok {
			return false
		}
	}

	return len(s.files) == len(spec.Files)
}

// sameEtags reports whether the submission's etag-set equals a previously
// dispatched file set's.
func (s *submission) sameEtags(previous map[string]storage.DispatchedFile) bool {
	if len(s.files) != len(previous) {
		return false
	}

	for ext, file := range s.files {
		if previous[ext].Etag != file.etag {
			return false
		}
	}

	return true
}

// fileSet returns the submission's files as durable dispatch records.
func (s *submission) fileSet() map[string]storage.DispatchedFile {
	files := make(map[string]storage.DispatchedFile, len(s.files))
	for ext, file := range s.files {
		files[ext] = storage.DispatchedFile{
			URI:      file.uri,
			Etag:     file.etag,
			Key:      file.key,
			Uploader: file.uploader,
		}
	}

	return files
}

// toMatch builds the outbound match message.
func (s *submission) toMatch(now time.Time) messages.MatchMessage {
	files := make(map[string]messages.FileRecord, len(s.files))
	for ext, file := range s.files {
		files[ext] = messages.FileRecord{
			URI:      file.uri,
			Etag:     file.etag,
			Key:      file.key,
			Uploader: file.uploader,
		}
	}

	uploaders := make([]string, 0, len(s.uploaders))
	for uploader := range s.uploaders {
		uploaders = append(uploaders, uploader)
	}

	sort.Strings(uploaders)

	return messages.MatchMessage{
		UUID:           s.uuid,
		PayloadVersion: messages.PayloadVersion,
		Artifact:       s.event.ArtifactKey(),
		SampleID:       s.event.SampleID,
		RunID:          s.event.RunID,
		Project:        s.event.Project,
		Platform:       s.event.Platform,
		Site:           s.event.Site,
		Uploaders:      uploaders,
		MatchTimestamp: now.Unix(),
		Files:          files,
		TestFlag:       s.event.TestFlag(),
	}
}
