// Package media holds the background workers that post-process captured
// evidence: thumbnail generation for screenshots and chunked packaging of
// session replays. Both consume jobs from the queue and are idempotent on
// the bug report id, so at-least-once delivery is safe.
package media

import (
	"log/slog"

	"github.com/bugspotter/bugspotter/internal/objstore"
	"github.com/bugspotter/bugspotter/internal/storage"
)

// Processor wires the workers to their dependencies.
type Processor struct {
	db     *storage.DB
	store  objstore.Store
	logger *slog.Logger

	// Events per replay chunk.
	chunkSize int
}

// NewProcessor builds a processor. chunkSize <= 0 falls back to 500.
func NewProcessor(db *storage.DB, store objstore.Store, chunkSize int, logger *slog.Logger) *Processor {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &Processor{db: db, store: store, chunkSize: chunkSize, logger: logger}
}
