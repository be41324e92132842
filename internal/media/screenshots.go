package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // Registered decoders; capture SDKs occasionally send GIFs.
	"image/jpeg"
	_ "image/png"
	"io"

	"github.com/google/uuid"
	"golang.org/x/image/draw"

	"github.com/bugspotter/bugspotter/internal/objstore"
	"github.com/bugspotter/bugspotter/internal/queue"
)

const (
	thumbnailMaxDim  = 200
	thumbnailQuality = 80
)

// ScreenshotPayload is the screenshots queue job body.
type ScreenshotPayload struct {
	ProjectID   uuid.UUID `json:"project_id"`
	BugReportID uuid.UUID `json:"bug_report_id"`
}

// HandleScreenshot downloads the original screenshot, renders an aspect-fit
// thumbnail, uploads it, and records the key on the report. An undecodable
// image is a permanent failure; retrying cannot fix the bytes.
func (p *Processor) HandleScreenshot(ctx context.Context, job *queue.Job) error {
	var payload ScreenshotPayload
	if err := queue.DecodePayload(job, &payload); err != nil {
		return err
	}

	key := objstore.ScreenshotKey(payload.ProjectID, payload.BugReportID)
	body, err := p.store.GetObject(ctx, key)
	if err != nil {
		return fmt.Errorf("media: fetch screenshot %s: %w", key, err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("media: read screenshot %s: %w", key, err)
	}

	thumb, err := renderThumbnail(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", queue.ErrPermanent, key, err)
	}

	thumbKey := objstore.ThumbnailKey(payload.ProjectID, payload.BugReportID)
	if _, err := p.store.Put(ctx, thumbKey, bytes.NewReader(thumb), "image/jpeg"); err != nil {
		return fmt.Errorf("media: upload thumbnail %s: %w", thumbKey, err)
	}

	if err := p.db.SetReportThumbnailKey(ctx, payload.BugReportID, thumbKey); err != nil {
		return fmt.Errorf("media: record thumbnail key: %w", err)
	}

	p.logger.Info("thumbnail generated",
		"bug_report_id", payload.BugReportID, "key", thumbKey, "bytes", len(thumb))
	return nil
}

// renderThumbnail decodes raw and scales it to fit within 200x200 while
// preserving aspect ratio, re-encoding as JPEG q80. Re-encoding drops all
// source metadata, EXIF included.
func renderThumbnail(raw []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("empty image %dx%d", w, h)
	}

	tw, th := fitWithin(w, h, thumbnailMaxDim)
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// fitWithin scales (w, h) down so the longer side equals maxDim. Images
// already inside the box keep their size.
func fitWithin(w, h, maxDim int) (int, int) {
	if w <= maxDim && h <= maxDim {
		return w, h
	}
	if w >= h {
		scaled := h * maxDim / w
		if scaled < 1 {
			scaled = 1
		}
		return maxDim, scaled
	}
	scaled := w * maxDim / h
	if scaled < 1 {
		scaled = 1
	}
	return scaled, maxDim
}
