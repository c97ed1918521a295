package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zsombor-n/open-webui/internal/analytics"
)

const archivePrefix = "runs/"

// archiveKey builds the object key for one run's audit trail.
// Key format: runs/{run_date}/{run_id}.jsonl.gz
func archiveKey(runDate, runID string) string {
	return fmt.Sprintf("%s%s/%s.jsonl.gz", archivePrefix, runDate, runID)
}

// encodeArchive renders records as gzip-compressed JSONL, one record per line.
func encodeArchive(records []analytics.ArchiveRecord) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gw)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to encode archive record: %w", err)
		}
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive compression: %w", err)
	}
	return buf.Bytes(), nil
}

// StoreRunArchive uploads the audit trail of one completed run.
func (s *S3Storage) StoreRunArchive(ctx context.Context, runDate, runID string, records []analytics.ArchiveRecord) error {
	ctx, span := tracer.Start(ctx, "storage.store_run_archive",
		trace.WithAttributes(
			attribute.String("run.date", runDate),
			attribute.String("run.id", runID),
			attribute.Int("archive.records", len(records)),
		))
	defer span.End()

	data, err := encodeArchive(records)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	key := archiveKey(runDate, runID)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:     "application/gzip",
		ContentEncoding: "gzip",
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classifyStorageError(err, "store run archive")
	}

	span.SetAttributes(attribute.Int("archive.bytes", len(data)))
	return nil
}

// ListRunArchives returns the archive keys stored for one run date.
func (s *S3Storage) ListRunArchives(ctx context.Context, runDate string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "storage.list_run_archives",
		trace.WithAttributes(attribute.String("run.date", runDate)))
	defer span.End()

	var keys []string
	objectCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    archivePrefix + runDate + "/",
		Recursive: true,
	})
	for obj := range objectCh {
		if obj.Err != nil {
			span.RecordError(obj.Err)
			span.SetStatus(codes.Error, obj.Err.Error())
			return nil, classifyStorageError(obj.Err, "list run archives")
		}
		keys = append(keys, obj.Key)
	}

	span.SetAttributes(attribute.Int("archives.count", len(keys)))
	return keys, nil
}

// PruneRunArchives deletes archives older than the retention window and
// returns the number removed. Archive object names embed the run date, so
// age is judged from the key alone.
func (s *S3Storage) PruneRunArchives(ctx context.Context, retentionDays int) (int, error) {
	ctx, span := tracer.Start(ctx, "storage.prune_run_archives",
		trace.WithAttributes(attribute.Int("retention.days", retentionDays)))
	defer span.End()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")

	pruned := 0
	objectCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    archivePrefix,
		Recursive: true,
	})
	for obj := range objectCh {
		if obj.Err != nil {
			span.RecordError(obj.Err)
			span.SetStatus(codes.Error, obj.Err.Error())
			return pruned, classifyStorageError(obj.Err, "prune run archives")
		}
		date := archiveDateFromKey(obj.Key)
		if date != "" && date < cutoff {
			if err := s.Delete(ctx, obj.Key); err != nil {
				return pruned, err
			}
			pruned++
		}
	}

	span.SetAttributes(attribute.Int("archives.pruned", pruned))
	return pruned, nil
}

// archiveDateFromKey extracts the run date from runs/{date}/{id}.jsonl.gz,
// or returns "" for keys that do not match the layout.
func archiveDateFromKey(key string) string {
	if len(key) < len(archivePrefix)+len("2006-01-02") {
		return ""
	}
	if key[:len(archivePrefix)] != archivePrefix {
		return ""
	}
	date := key[len(archivePrefix) : len(archivePrefix)+len("2006-01-02")]
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return ""
	}
	return date
}
