package media

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func decodeSize(t *testing.T, data []byte) (int, int, string) {
	t.Helper()
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height, format
}

func TestThumbnailIsSquareJPEG(t *testing.T) {
	tr := NewTranscoder(64, 200)
	thumb, err := tr.Thumbnail(pngBytes(t, 300, 150))
	require.NoError(t, err)

	w, h, format := decodeSize(t, thumb.Data)
	assert.Equal(t, "image/jpeg", thumb.MimeType)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 64, w)
	assert.Equal(t, 64, h)
}

func TestPreviewKeepsAspectAndNeverUpscales(t *testing.T) {
	tr := NewTranscoder(64, 200)

	preview, err := tr.Preview(pngBytes(t, 400, 100))
	require.NoError(t, err)
	w, h, _ := decodeSize(t, preview.Data)
	assert.Equal(t, 200, w)
	assert.Equal(t, 50, h)

	small, err := tr.Preview(pngBytes(t, 120, 80))
	require.NoError(t, err)
	w, h, _ = decodeSize(t, small.Data)
	assert.Equal(t, 120, w)
	assert.Equal(t, 80, h)
}

func TestTranscoderRejectsGarbage(t *testing.T) {
	_, err := NewTranscoder(0, 0).Thumbnail([]byte("not an image"))
	require.ErrorContains(t, err, "decode image")
}
