package media

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRenderThumbnailLandscape(t *testing.T) {
	thumb, err := renderThumbnail(encodePNG(t, 800, 600))
	require.NoError(t, err)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 200, cfg.Width)
	assert.Equal(t, 150, cfg.Height)
}

func TestRenderThumbnailPortrait(t *testing.T) {
	thumb, err := renderThumbnail(encodePNG(t, 300, 600))
	require.NoError(t, err)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 200, cfg.Height)
}

func TestRenderThumbnailSmallImageKeepsSize(t *testing.T) {
	thumb, err := renderThumbnail(encodePNG(t, 64, 48))
	require.NoError(t, err)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 48, cfg.Height)
}

func TestRenderThumbnailAcceptsJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 400))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	thumb, err := renderThumbnail(buf.Bytes())
	require.NoError(t, err)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Width)
	assert.Equal(t, 200, cfg.Height)
}

func TestRenderThumbnailRejectsGarbage(t *testing.T) {
	_, err := renderThumbnail([]byte("not an image"))
	require.Error(t, err)
}

func TestFitWithin(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"landscape", 1920, 1080, 200, 112},
		{"portrait", 1080, 1920, 112, 200},
		{"square", 1000, 1000, 200, 200},
		{"already small", 150, 100, 150, 100},
		{"extreme ratio", 4000, 2, 200, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := fitWithin(tt.w, tt.h, 200)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestGzipJSONRoundTrip(t *testing.T) {
	events := []json.RawMessage{
		json.RawMessage(`{"type":"click","x":10}`),
		json.RawMessage(`{"type":"scroll","y":250}`),
	}

	compressed, err := gzipJSON(events)
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	var decoded []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 2)
	assert.JSONEq(t, `{"type":"click","x":10}`, string(decoded[0]))
}
