package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"generation-executor/internal/models"
)

const (
	DefaultThumbnailWidth = 320
	DefaultPreviewWidth   = 1024
	jpegQuality           = 85
)

// Transcoder derives the thumbnail and preview renditions stored next to each
// generated image.
type Transcoder struct {
	thumbWidth   int
	previewWidth int
}

func NewTranscoder(thumbWidth, previewWidth int) *Transcoder {
	if thumbWidth <= 0 {
		thumbWidth = DefaultThumbnailWidth
	}
	if previewWidth <= 0 {
		previewWidth = DefaultPreviewWidth
	}
	return &Transcoder{thumbWidth: thumbWidth, previewWidth: previewWidth}
}

// Thumbnail is a center-cropped square JPEG.
func (t *Transcoder) Thumbnail(data []byte) (models.Asset, error) {
	img, err := decode(data)
	if err != nil {
		return models.Asset{}, err
	}
	thumb := imaging.Fill(img, t.thumbWidth, t.thumbWidth, imaging.Center, imaging.Lanczos)
	return encodeJPEG(thumb)
}

// Preview scales the image down to the preview width, keeping its aspect
// ratio. Smaller images are re-encoded at their own size.
func (t *Transcoder) Preview(data []byte) (models.Asset, error) {
	img, err := decode(data)
	if err != nil {
		return models.Asset{}, err
	}
	b := img.Bounds()
	if b.Dx() > t.previewWidth {
		h := b.Dy() * t.previewWidth / b.Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, t.previewWidth, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		img = dst
	}
	return encodeJPEG(img)
}

func decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func encodeJPEG(img image.Image) (models.Asset, error) {
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return models.Asset{}, fmt.Errorf("encode image: %w", err)
	}
	return models.Asset{Data: buf.Bytes(), MimeType: "image/jpeg"}, nil
}
