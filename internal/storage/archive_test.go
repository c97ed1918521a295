package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"

	"github.com/zsombor-n/open-webui/internal/analytics"
)

func TestArchiveKey(t *testing.T) {
	got := archiveKey("2026-01-15", "0b5e7a1c")
	want := "runs/2026-01-15/0b5e7a1c.jsonl.gz"
	if got != want {
		t.Errorf("archiveKey = %q, want %q", got, want)
	}
}

func TestEncodeArchiveRoundTrip(t *testing.T) {
	records := []analytics.ArchiveRecord{
		{ChatID: "chat-1", TimeSavedMinutes: 52, Confidence: 75, CostUSD: "0.001200"},
		{ChatID: "chat-2", Fallback: true, RawResponse: "fallback: llm_error: timeout"},
	}

	data, err := encodeArchive(records)
	if err != nil {
		t.Fatalf("encodeArchive: %v", err)
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gr.Close()

	var decoded []analytics.ArchiveRecord
	scanner := bufio.NewScanner(gr)
	for scanner.Scan() {
		var rec analytics.ArchiveRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("invalid JSONL line: %v", err)
		}
		decoded = append(decoded, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}

	if len(decoded) != 2 {
		t.Fatalf("decoded %d records, want 2", len(decoded))
	}
	if decoded[0].ChatID != "chat-1" || decoded[0].TimeSavedMinutes != 52 {
		t.Errorf("first record = %+v", decoded[0])
	}
	if !decoded[1].Fallback {
		t.Error("second record lost its fallback flag")
	}
}

func TestArchiveDateFromKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"runs/2026-01-15/abc.jsonl.gz", "2026-01-15"},
		{"runs/not-a-date/abc.jsonl.gz", ""},
		{"other/2026-01-15/abc.jsonl.gz", ""},
		{"runs/", ""},
	}
	for _, tt := range tests {
		if got := archiveDateFromKey(tt.key); got != tt.want {
			t.Errorf("archiveDateFromKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestClassifyStorageError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"missing object", minio.ErrorResponse{Code: "NoSuchKey"}, ErrObjectNotFound},
		{"missing bucket", minio.ErrorResponse{Code: "NoSuchBucket"}, ErrObjectNotFound},
		{"bad credentials", minio.ErrorResponse{Code: "AccessDenied"}, ErrAccessDenied},
		{"refused connection", errors.New("dial tcp: connection refused"), ErrNetworkError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyStorageError(tt.err, "test")
			if !errors.Is(got, tt.want) {
				t.Errorf("classifyStorageError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
