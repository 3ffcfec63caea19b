package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"generation-executor/internal/models"
)

const defaultMaxBytes = 25 * 1024 * 1024

// SignedReader turns a storage key into a URL the resolver can fetch.
type SignedReader interface {
	SignedRead(ctx context.Context, key string) (string, error)
}

// ReferenceLister lists the members of a reference set.
type ReferenceLister interface {
	ListReferenceImages(ctx context.Context, setID string) ([]models.ReferenceImage, error)
}

// Resolver materializes stored reference images and scene frames.
type Resolver struct {
	refs       ReferenceLister
	objects    SignedReader
	httpClient *http.Client
	maxBytes   int64
}

func NewResolver(refs ReferenceLister, objects SignedReader, httpClient *http.Client, maxBytes int64) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Resolver{refs: refs, objects: objects, httpClient: httpClient, maxBytes: maxBytes}
}

// ReferenceSet fetches every image of the set in position order. An unknown
// set surfaces as models.ErrNotFound.
func (r *Resolver) ReferenceSet(ctx context.Context, setID string) ([]models.Asset, error) {
	refs, err := r.refs.ListReferenceImages(ctx, setID)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("reference set %s: %w", setID, models.ErrNotFound)
	}
	out := make([]models.Asset, 0, len(refs))
	for _, ref := range refs {
		asset, err := r.Frame(ctx, ref.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("reference %s: %w", ref.StoragePath, err)
		}
		if ref.MimeType != "" {
			asset.MimeType = ref.MimeType
		}
		out = append(out, asset)
	}
	return out, nil
}

// Frame fetches one stored object by key, or directly when given a URL.
func (r *Resolver) Frame(ctx context.Context, key string) (models.Asset, error) {
	target := key
	if !strings.Contains(key, "://") {
		signed, err := r.objects.SignedRead(ctx, key)
		if err != nil {
			return models.Asset{}, fmt.Errorf("sign %s: %w", key, err)
		}
		target = signed
	}
	u, err := url.Parse(target)
	if err != nil {
		return models.Asset{}, fmt.Errorf("parse %s: %w", target, err)
	}

	var (
		data        []byte
		contentType string
	)
	switch u.Scheme {
	case "file":
		data, err = r.readFile(u.Path)
	case "http", "https":
		data, contentType, err = r.download(ctx, target)
	default:
		return models.Asset{}, fmt.Errorf("unsupported asset scheme %q", u.Scheme)
	}
	if err != nil {
		return models.Asset{}, err
	}
	return models.Asset{Data: data, MimeType: detectMIME(contentType, u.Path, data)}, nil
}

func (r *Resolver) readFile(p string) ([]byte, error) {
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open asset: %w", err)
	}
	defer f.Close()
	return r.readLimited(f)
}

func (r *Resolver) download(ctx context.Context, target string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("download asset: %w", models.ErrNotFound)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download asset: status %d", resp.StatusCode)
	}
	body, err := r.readLimited(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (r *Resolver) readLimited(src io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(src, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read asset: %w", err)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, fmt.Errorf("asset too large (>%d bytes)", r.maxBytes)
	}
	return body, nil
}

// detectMIME prefers a specific Content-Type, then the extension, then sniffing.
func detectMIME(contentType, p string, data []byte) string {
	if ct, _, err := mime.ParseMediaType(contentType); err == nil && ct != "" && ct != "application/octet-stream" && ct != "binary/octet-stream" {
		return ct
	}
	if ext := strings.ToLower(path.Ext(p)); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			ct, _, _ := mime.ParseMediaType(byExt)
			return ct
		}
	}
	return http.DetectContentType(data)
}
