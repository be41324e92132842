package media

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bugspotter/bugspotter/internal/objstore"
	"github.com/bugspotter/bugspotter/internal/queue"
)

// chunkUploadConcurrency bounds parallel chunk uploads per replay job.
const chunkUploadConcurrency = 4

// ReplayPayload is the replays queue job body. Events ride in the payload
// so the worker never re-parses the original request.
type ReplayPayload struct {
	ProjectID   uuid.UUID         `json:"project_id"`
	BugReportID uuid.UUID         `json:"bug_report_id"`
	SessionID   uuid.UUID         `json:"session_id"`
	Events      []json.RawMessage `json:"events"`
	DurationMS  int64             `json:"duration_ms"`
}

// replayManifest is the metadata.json written next to the chunks.
type replayManifest struct {
	BugReportID uuid.UUID `json:"bug_report_id"`
	SessionID   uuid.UUID `json:"session_id"`
	EventCount  int       `json:"event_count"`
	ChunkCount  int       `json:"chunk_count"`
	ChunkSize   int       `json:"chunk_size"`
	DurationMS  int64     `json:"duration_ms"`
	PackagedAt  time.Time `json:"packaged_at"`
}

// HandleReplay splits the event stream into fixed-size windows, gzips each
// window, uploads the chunks plus a manifest, and records the replay prefix
// on the report. Chunk uploads overwrite on retry, keeping the job idempotent.
func (p *Processor) HandleReplay(ctx context.Context, job *queue.Job) error {
	var payload ReplayPayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}
	if len(payload.Events) == 0 {
		return fmt.Errorf("%w: replay with no events", queue.ErrPermanent)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(chunkUploadConcurrency)

	chunkCount := 0
	for start := 0; start < len(payload.Events); start += p.chunkSize {
		end := min(start+p.chunkSize, len(payload.Events))
		idx := chunkCount
		window := payload.Events[start:end]
		chunkCount++

		g.Go(func() error {
			compressed, err := gzipJSON(window)
			if err != nil {
				return fmt.Errorf("media: compress replay chunk %d: %w", idx, err)
			}
			key := objstore.ReplayChunkKey(payload.ProjectID, payload.BugReportID, idx)
			if _, err := p.store.Put(gctx, key, bytes.NewReader(compressed), "application/gzip"); err != nil {
				return fmt.Errorf("media: upload replay chunk %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	manifest, err := json.Marshal(replayManifest{
		BugReportID: payload.BugReportID,
		SessionID:   payload.SessionID,
		EventCount:  len(payload.Events),
		ChunkCount:  chunkCount,
		ChunkSize:   p.chunkSize,
		DurationMS:  payload.DurationMS,
		PackagedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("media: marshal replay manifest: %w", err)
	}

	metaKey := objstore.ReplayMetadataKey(payload.ProjectID, payload.BugReportID)
	if _, err := p.store.Put(ctx, metaKey, bytes.NewReader(manifest), "application/json"); err != nil {
		return fmt.Errorf("media: upload replay manifest %s: %w", metaKey, err)
	}

	if err := p.db.UpdateSessionChunks(ctx, payload.SessionID, chunkCount); err != nil {
		return fmt.Errorf("media: record session chunks: %w", err)
	}
	prefix := fmt.Sprintf("replays/%s/%s", payload.ProjectID, payload.BugReportID)
	if err := p.db.SetReportReplayKey(ctx, payload.BugReportID, prefix); err != nil {
		return fmt.Errorf("media: record replay key: %w", err)
	}

	p.logger.Info("replay packaged",
		"bug_report_id", payload.BugReportID,
		"events", len(payload.Events), "chunks", chunkCount)
	return nil
}

func gzipJSON(events []json.RawMessage) ([]byte, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
