// Package main provides the conduit backfill scanner.
//
// Bucket notifications are occasionally dropped by the object store. This
// one-shot tool lists every configured ingest bucket and republishes a
// synthetic upload event for each object it finds. The matcher's dispatch
// state suppresses anything already matched, so replaying a whole bucket is
// safe.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/climb-tre/conduit/internal/bus"
	"github.com/climb-tre/conduit/internal/config"
	"github.com/climb-tre/conduit/internal/messages"
	"github.com/climb-tre/conduit/internal/objstore"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "backfill"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting backfill scan",
		slog.String("service", name),
		slog.String("version", version),
	)

	ctx := context.Background()

	doc, err := config.LoadDocument(config.GetEnvStr("CONDUIT_CONFIG_JSON", ""))
	if err != nil {
		logger.Error("Failed to load project configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, err := objstore.New(objstore.LoadConfig())
	if err != nil {
		logger.Error("Failed to create object store client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	broker, err := bus.New(bus.LoadConfig())
	if err != nil {
		logger.Error("Failed to connect to broker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = broker.Close()
	}()

	total := 0

	for _, bucket := range ingestBuckets(doc) {
		count, err := scanBucket(ctx, logger, store, broker, bucket)
		if err != nil {
			logger.Error("Failed to scan bucket",
				slog.String("bucket", bucket),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}

		total += count
	}

	logger.Info("Backfill scan complete", slog.Int("events_published", total))
}

// ingestBuckets derives every ingest bucket name from the project
// configuration: <project>-<site>-<platform>-<env>.
func ingestBuckets(doc *config.Document) []string {
	environments := config.ParseCommaSeparatedList(
		config.GetEnvStr("BACKFILL_ENVIRONMENTS", "prod,test"))

	var buckets []string

	for project, projectCfg := range doc.Configs {
		for _, site := range projectCfg.Sites {
			for platform := range projectCfg.FileSpecs {
				for _, env := range environments {
					buckets = append(buckets, project+"-"+site+"-"+platform+"-"+env)
				}
			}
		}
	}

	return buckets
}

// scanBucket republishes a synthetic upload event for every object in the
// bucket.
func scanBucket(
	ctx context.Context,
	logger *slog.Logger,
	store *objstore.Client,
	broker *bus.Client,
	bucket string,
) (int, error) {
	objects, err := store.List(ctx, bucket)
	if err != nil {
		return 0, err
	}

	for _, object := range objects {
		envelope := messages.UploadEventEnvelope{
			Records: []messages.UploadRecord{{
				EventTime: object.LastModified.UTC().Format(time.RFC3339),
				EventName: "s3:ObjectCreated:Put",
				S3: messages.S3Entity{
					Bucket: messages.S3Bucket{Name: bucket},
					Object: messages.S3Object{
						Key:  object.Key,
						Size: object.Size,
						Etag: object.Etag,
					},
				},
			}},
		}

		if err := broker.Send(ctx, messages.UploadExchange, "matcher", envelope); err != nil {
			return 0, err
		}
	}

	logger.Info("Bucket scanned",
		slog.String("bucket", bucket),
		slog.Int("objects", len(objects)),
	)

	return len(objects), nil
}
