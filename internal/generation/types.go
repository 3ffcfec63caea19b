package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"generation-executor/internal/models"
)

var (
	// ErrEmptyResult is returned when a provider answers without media.
	ErrEmptyResult = errors.New("generation returned no media")

	// ErrNoProvider is returned when no provider is configured for a model.
	ErrNoProvider = errors.New("no generation provider configured")
)

// ImageRequest is the normalized input for one image variation.
type ImageRequest struct {
	Model       string
	Prompt      string
	Resolution  string
	AspectRatio string
	References  []models.Asset
	// Credential overrides the provider's configured API key when set.
	Credential string
	Deadline   time.Time
}

// VideoRequest is the normalized input for one video clip.
type VideoRequest struct {
	Model       string
	Prompt      string
	AspectRatio string
	Resolution  string
	StartFrame  *models.Asset
	EndFrame    *models.Asset
	Credential  string
}

// Output is the binary media a provider produced.
type Output struct {
	Data     []byte
	MimeType string
}

// ImageService turns a prompt plus reference images into one image.
type ImageService interface {
	Generate(ctx context.Context, req ImageRequest) (Output, error)
}

// VideoService turns a scene prompt plus optional frames into one clip.
type VideoService interface {
	Generate(ctx context.Context, req VideoRequest) (Output, error)
}

// ImageRouter picks a provider by model name prefix.
type ImageRouter struct {
	routes       []route[ImageService]
	defaultModel string
	fallback     ImageService
}

type route[T any] struct {
	prefix  string
	service T
}

// NewImageRouter returns a router that sends unmatched models to fallback.
func NewImageRouter(defaultModel string, fallback ImageService) *ImageRouter {
	return &ImageRouter{defaultModel: defaultModel, fallback: fallback}
}

// Route registers svc for every model starting with one of prefixes.
func (r *ImageRouter) Route(svc ImageService, prefixes ...string) *ImageRouter {
	for _, p := range prefixes {
		r.routes = append(r.routes, route[ImageService]{prefix: strings.ToLower(p), service: svc})
	}
	return r
}

func (r *ImageRouter) Generate(ctx context.Context, req ImageRequest) (Output, error) {
	if req.Model == "" {
		req.Model = r.defaultModel
	}
	svc := pick(r.routes, req.Model, r.fallback)
	if svc == nil {
		return Output{}, fmt.Errorf("%w for model %q", ErrNoProvider, req.Model)
	}
	return svc.Generate(ctx, req)
}

// VideoRouter sends long-running models to one service and everything else
// to the synchronous one.
type VideoRouter struct {
	routes   []route[VideoService]
	fallback VideoService
}

func NewVideoRouter(fallback VideoService) *VideoRouter {
	return &VideoRouter{fallback: fallback}
}

func (r *VideoRouter) Route(svc VideoService, prefixes ...string) *VideoRouter {
	for _, p := range prefixes {
		r.routes = append(r.routes, route[VideoService]{prefix: strings.ToLower(p), service: svc})
	}
	return r
}

func (r *VideoRouter) Generate(ctx context.Context, req VideoRequest) (Output, error) {
	svc := pick(r.routes, req.Model, r.fallback)
	if svc == nil {
		return Output{}, fmt.Errorf("%w for model %q", ErrNoProvider, req.Model)
	}
	return svc.Generate(ctx, req)
}

func pick[T any](routes []route[T], model string, fallback T) T {
	model = strings.ToLower(model)
	for _, rt := range routes {
		if strings.HasPrefix(model, rt.prefix) {
			return rt.service
		}
	}
	return fallback
}

// statusError renders a non-2xx response so the status code stays visible to
// retry classification.
func statusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%s: status %d: %s", provider, resp.StatusCode, msg)
}
