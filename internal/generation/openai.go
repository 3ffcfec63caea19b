package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIImages generates with the Images API. Requests with reference images
// go through the edit endpoint so the references condition the output.
type OpenAIImages struct {
	client openai.Client
}

// NewOpenAIImages builds the client; extra options (base URL, HTTP client) are
// passed through to the SDK.
func NewOpenAIImages(apiKey string, opts ...option.RequestOption) *OpenAIImages {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &OpenAIImages{client: openai.NewClient(opts...)}
}

func (o *OpenAIImages) Generate(ctx context.Context, req ImageRequest) (Output, error) {
	var reqOpts []option.RequestOption
	if req.Credential != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(req.Credential))
	}

	var (
		resp *openai.ImagesResponse
		err  error
	)
	if len(req.References) == 0 {
		resp, err = o.client.Images.Generate(ctx, openai.ImageGenerateParams{
			Prompt: req.Prompt,
			Model:  openai.ImageModel(req.Model),
			N:      openai.Int(1),
			Size:   openai.ImageGenerateParamsSize(openAISize(req.AspectRatio)),
		}, reqOpts...)
	} else {
		files := make([]io.Reader, 0, len(req.References))
		for i, ref := range req.References {
			name := fmt.Sprintf("reference-%02d.%s", i+1, extensionFor(ref.MimeType))
			files = append(files, openai.File(bytes.NewReader(ref.Data), name, ref.MimeType))
		}
		resp, err = o.client.Images.Edit(ctx, openai.ImageEditParams{
			Image:  openai.ImageEditParamsImageUnion{OfFileArray: files},
			Prompt: req.Prompt,
			Model:  openai.ImageModel(req.Model),
			N:      openai.Int(1),
			Size:   openai.ImageEditParamsSize(openAISize(req.AspectRatio)),
		}, reqOpts...)
	}
	if err != nil {
		return Output{}, fmt.Errorf("openai: %w", err)
	}
	if resp == nil || len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return Output{}, fmt.Errorf("openai: %w", ErrEmptyResult)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return Output{}, fmt.Errorf("openai: decode image data: %w", err)
	}
	return Output{Data: data, MimeType: "image/png"}, nil
}

// openAISize maps an aspect ratio onto the closest supported canvas.
func openAISize(aspect string) string {
	w, h, ok := parseAspect(aspect)
	switch {
	case !ok || w == h:
		return "1024x1024"
	case w > h:
		return "1536x1024"
	default:
		return "1024x1536"
	}
}

func parseAspect(aspect string) (int, int, bool) {
	var w, h int
	if _, err := fmt.Sscanf(aspect, "%d:%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

var _ ImageService = (*OpenAIImages)(nil)
