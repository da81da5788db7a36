// Package archive provides optional long-term retention for messages the
// broker is about to delete during cleanup. Archival is audit tooling: the
// substrate itself never reads archives back.
package archive

import (
	"context"

	"github.com/illmade-knight/go-a2a/pkg/envelope"
)

// Archiver persists a batch of messages before the broker deletes them.
// The reason names the terminal queue the batch came from (completed,
// failed, dead_letter).
type Archiver interface {
	Archive(ctx context.Context, reason string, batch []*envelope.Message) error
}
