package archive

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-a2a/pkg/envelope"
	"github.com/rs/zerolog"
)

// --- GCS client abstraction, so the archiver is testable without a real bucket ---

// GCSClient abstracts the top-level *storage.Client.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context) GCSWriter
}

// GCSWriter abstracts a *storage.Writer.
type GCSWriter interface {
	io.WriteCloser
}

type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter makes the concrete *storage.Client conform to GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

func (a *gcsObjectHandleAdapter) NewWriter(ctx context.Context) GCSWriter {
	return a.handle.NewWriter(ctx)
}

// GCSArchiverConfig holds configuration for the GCS archiver.
type GCSArchiverConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSArchiver writes each batch as one gzip-compressed object of
// newline-delimited wire records, named
// <prefix>/<reason>/<yyyy/mm/dd>/<uuid>.a2a.gz.
type GCSArchiver struct {
	client GCSClient
	config GCSArchiverConfig
	logger zerolog.Logger
}

// NewGCSArchiver creates an archiver over a GCS client.
func NewGCSArchiver(client GCSClient, config GCSArchiverConfig, logger zerolog.Logger) (*GCSArchiver, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSArchiver{
		client: client,
		config: config,
		logger: logger.With().Str("component", "GCSArchiver").Logger(),
	}, nil
}

// Archive uploads one batch. An empty batch is a no-op.
func (a *GCSArchiver) Archive(ctx context.Context, reason string, batch []*envelope.Message) error {
	if len(batch) == 0 {
		return nil
	}

	day := time.Now().UTC().Format("2006/01/02")
	objectName := path.Join(a.config.ObjectPrefix, reason, day, uuid.NewString()+".a2a.gz")
	a.logger.Info().Str("object_name", objectName).Int("record_count", len(batch)).
		Msg("Archiving message batch.")

	w := a.client.Bucket(a.config.BucketName).Object(objectName).NewWriter(ctx)
	gz := gzip.NewWriter(w)

	for _, m := range batch {
		if _, err := gz.Write(envelope.Serialize(m)); err != nil {
			_ = gz.Close()
			_ = w.Close()
			return fmt.Errorf("failed to write archive record %s: %w", m.ID, err)
		}
		// Wire records end with their payload block; a blank line keeps
		// records separable when concatenated.
		if _, err := gz.Write([]byte("\n\n")); err != nil {
			_ = gz.Close()
			_ = w.Close()
			return fmt.Errorf("failed to write archive separator: %w", err)
		}
	}

	if err := gz.Close(); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to finalize archive compression: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to commit archive object %s: %w", objectName, err)
	}
	return nil
}
