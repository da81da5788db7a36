package archive_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-a2a/pkg/archive"
	"github.com/illmade-knight/go-a2a/pkg/envelope"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- in-memory GCS fake ---

type fakeGCS struct {
	mu      sync.Mutex
	objects map[string]*bytes.Buffer
}

func newFakeGCS() *fakeGCS {
	return &fakeGCS{objects: make(map[string]*bytes.Buffer)}
}

func (f *fakeGCS) Bucket(string) archive.GCSBucketHandle { return &fakeBucket{gcs: f} }

type fakeBucket struct{ gcs *fakeGCS }

func (b *fakeBucket) Object(name string) archive.GCSObjectHandle {
	return &fakeObject{gcs: b.gcs, name: name}
}

type fakeObject struct {
	gcs  *fakeGCS
	name string
}

func (o *fakeObject) NewWriter(context.Context) archive.GCSWriter {
	return &fakeWriter{gcs: o.gcs, name: o.name}
}

type fakeWriter struct {
	gcs  *fakeGCS
	name string
	buf  bytes.Buffer
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fakeWriter) Close() error {
	w.gcs.mu.Lock()
	defer w.gcs.mu.Unlock()
	w.gcs.objects[w.name] = &w.buf
	return nil
}

func archivedMessage() *envelope.Message {
	created := time.Now().UTC().Add(-30 * 24 * time.Hour)
	return &envelope.Message{
		ID:        envelope.NewID(),
		CreatedAt: created,
		ExpiresAt: created.Add(time.Hour),
		Priority:  envelope.PriorityNormal,
		Sender:    "mail-watcher",
		Recipient: "task-processor",
		Kind:      envelope.KindRequest,
		Status:    envelope.StatusFailed,
		Subject:   "ancient failure",
		Payload:   json.RawMessage(`{"k":"v"}`),
	}
}

func TestGCSArchiver_WritesOneObjectPerBatch(t *testing.T) {
	ctx := context.Background()
	gcs := newFakeGCS()
	archiver, err := archive.NewGCSArchiver(gcs, archive.GCSArchiverConfig{
		BucketName:   "audit-bucket",
		ObjectPrefix: "a2a",
	}, zerolog.Nop())
	require.NoError(t, err)

	first := archivedMessage()
	second := archivedMessage()
	require.NoError(t, archiver.Archive(ctx, "dead_letter", []*envelope.Message{first, second}))

	require.Len(t, gcs.objects, 1)
	for name, buf := range gcs.objects {
		assert.Contains(t, name, "a2a/dead_letter/")
		assert.Contains(t, name, ".a2a.gz")

		gz, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		content, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.Contains(t, string(content), first.ID)
		assert.Contains(t, string(content), second.ID)
	}
}

func TestGCSArchiver_EmptyBatchIsNoOp(t *testing.T) {
	gcs := newFakeGCS()
	archiver, err := archive.NewGCSArchiver(gcs, archive.GCSArchiverConfig{BucketName: "audit-bucket"}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, archiver.Archive(context.Background(), "completed", nil))
	assert.Empty(t, gcs.objects)
}

func TestNewGCSArchiver_RequiresClientAndBucket(t *testing.T) {
	_, err := archive.NewGCSArchiver(nil, archive.GCSArchiverConfig{BucketName: "b"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = archive.NewGCSArchiver(newFakeGCS(), archive.GCSArchiverConfig{}, zerolog.Nop())
	assert.Error(t, err)
}
