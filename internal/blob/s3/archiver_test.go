package s3blob

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/hedgebot/internal/domain"
	"github.com/openquant/hedgebot/internal/store/memory"
)

// blobRecorder captures uploads instead of talking to object storage.
type blobRecorder struct {
	objects      map[string][]byte
	contentTypes map[string]string
}

func newBlobRecorder() *blobRecorder {
	return &blobRecorder{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (b *blobRecorder) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.objects[path] = buf
	b.contentTypes[path] = contentType
	return nil
}

type archiverFixture struct {
	archiver *Archiver
	blob     *blobRecorder
	intents  domain.IntentStore
	fills    domain.FillStore
	incs     domain.IncidentStore
	audit    *memory.AuditStore
}

func newArchiverFixture(t *testing.T) *archiverFixture {
	t.Helper()
	f := &archiverFixture{
		blob:    newBlobRecorder(),
		intents: memory.NewIntentStore(),
		fills:   memory.NewFillStore(),
		incs:    memory.NewIncidentStore(),
		audit:   memory.NewAuditStore(),
	}
	f.archiver = NewArchiver(f.blob, f.intents, f.fills, f.incs, f.audit)
	return f
}

func (f *archiverFixture) seedIntent(t *testing.T, createdAt time.Time) {
	t.Helper()
	err := f.intents.Create(context.Background(), domain.OrderIntent{
		ID:        uuid.NewString(),
		ClientID:  uuid.NewString(),
		Venue:     "binance",
		Symbol:    "BTCUSDT",
		Side:      domain.OrderSideBuy,
		State:     domain.IntentStateFilled,
		CreatedAt: createdAt,
	})
	require.NoError(t, err)
}

func TestArchiveIntentsWritesMonthlyJSONL(t *testing.T) {
	f := newArchiverFixture(t)
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	f.seedIntent(t, cutoff.Add(-48*time.Hour))
	f.seedIntent(t, cutoff.Add(-24*time.Hour))
	f.seedIntent(t, cutoff.Add(time.Hour)) // too young to archive

	n, err := f.archiver.ArchiveIntents(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	body, ok := f.blob.objects["archive/intents/2026-08.jsonl"]
	require.True(t, ok, "path is partitioned by the cutoff month")
	assert.Equal(t, "application/x-ndjson", f.blob.contentTypes["archive/intents/2026-08.jsonl"])

	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "{"), "each record is one compact JSON line")
	}

	assert.Contains(t, f.audit.Events(), "archive.intents")
}

func TestArchiveSkipsUploadWithNoRecords(t *testing.T) {
	f := newArchiverFixture(t)

	n, err := f.archiver.ArchiveIntents(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.blob.objects)
	assert.Empty(t, f.audit.Events(), "nothing uploaded, nothing audited")
}

func TestArchiveAllCoversEveryKind(t *testing.T) {
	f := newArchiverFixture(t)
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-time.Hour)

	f.seedIntent(t, old)
	require.NoError(t, f.fills.Insert(context.Background(), domain.Fill{
		ID:       "binance-1:1",
		IntentID: uuid.NewString(),
		Venue:    "binance",
		Symbol:   "BTCUSDT",
		Side:     domain.OrderSideBuy,
		Qty:      1,
		Price:    100,
		At:       old,
	}))
	require.NoError(t, f.incs.Create(context.Background(), domain.Incident{
		ID:        uuid.NewString(),
		Kind:      domain.IncidentVenueDown,
		Severity:  domain.SeverityP1,
		Summary:   "venue okx classified DOWN",
		CreatedAt: old,
	}))

	total, err := f.archiver.ArchiveAll(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	assert.Contains(t, f.blob.objects, "archive/intents/2026-08.jsonl")
	assert.Contains(t, f.blob.objects, "archive/fills/2026-08.jsonl")
	assert.Contains(t, f.blob.objects, "archive/incidents/2026-08.jsonl")
}
