package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openquant/hedgebot/internal/domain"
)

// Narrow store interfaces required by the archiver: it only needs the
// time-ranged queries it actually calls, not the full journal store
// interfaces. The Postgres stores satisfy these through their ListBefore
// methods.

// IntentArchiveStore provides read access to intents for archival.
type IntentArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.OrderIntent, error)
}

// FillArchiveStore provides read access to fills for archival.
type FillArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Fill, error)
}

// IncidentArchiveStore provides read access to incidents for archival.
type IncidentArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Incident, error)
}

// Archiver copies aged journal records to object storage as JSONL. The
// journal rows are never deleted; the archive is a verifiable cold copy, not
// a retention mechanism.
type Archiver struct {
	writer    domain.BlobWriter
	intents   IntentArchiveStore
	fills     FillArchiveStore
	incidents IncidentArchiveStore
	audit     domain.AuditStore
}

// NewArchiver creates an Archiver.
func NewArchiver(
	writer domain.BlobWriter,
	intents IntentArchiveStore,
	fills FillArchiveStore,
	incidents IncidentArchiveStore,
	audit domain.AuditStore,
) *Archiver {
	return &Archiver{
		writer:    writer,
		intents:   intents,
		fills:     fills,
		incidents: incidents,
		audit:     audit,
	}
}

// ArchiveIntents uploads all intents created before the cutoff to
// archive/intents/YYYY-MM.jsonl and returns the record count.
func (a *Archiver) ArchiveIntents(ctx context.Context, before time.Time) (int64, error) {
	intents, err := a.intents.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive intents query: %w", err)
	}
	return archive(ctx, a, "intents", before, intents)
}

// ArchiveFills uploads all fills executed before the cutoff to
// archive/fills/YYYY-MM.jsonl and returns the record count.
func (a *Archiver) ArchiveFills(ctx context.Context, before time.Time) (int64, error) {
	fills, err := a.fills.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills query: %w", err)
	}
	return archive(ctx, a, "fills", before, fills)
}

// ArchiveIncidents uploads all incidents created before the cutoff to
// archive/incidents/YYYY-MM.jsonl and returns the record count.
func (a *Archiver) ArchiveIncidents(ctx context.Context, before time.Time) (int64, error) {
	incidents, err := a.incidents.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive incidents query: %w", err)
	}
	return archive(ctx, a, "incidents", before, incidents)
}

// ArchiveAll archives every record kind with the same cutoff and returns the
// total count.
func (a *Archiver) ArchiveAll(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	n, err := a.ArchiveIntents(ctx, before)
	if err != nil {
		return total, err
	}
	total += n
	n, err = a.ArchiveFills(ctx, before)
	if err != nil {
		return total, err
	}
	total += n
	n, err = a.ArchiveIncidents(ctx, before)
	if err != nil {
		return total, err
	}
	return total + n, nil
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path := archivePath(kind, before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/intents/2026-08.jsonl
//	archive/fills/2026-08.jsonl
//	archive/incidents/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON. Each
// element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
