package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrOperationTimeout is returned when a long-running video operation does
// not finish within the configured timeout.
var ErrOperationTimeout = errors.New("video operation timeout")

// VeoVideos starts a predictLongRunning operation and polls it until the
// clip is ready, then downloads the clip.
type VeoVideos struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	timeout      time.Duration
}

func NewVeoVideos(apiKey, baseURL string, httpClient *http.Client, pollInterval, timeout time.Duration) *VeoVideos {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &VeoVideos{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   httpClient,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

type veoImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

type veoInstance struct {
	Prompt    string    `json:"prompt"`
	Image     *veoImage `json:"image,omitempty"`
	LastFrame *veoImage `json:"lastFrame,omitempty"`
}

type veoParameters struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
}

type veoRequest struct {
	Instances  []veoInstance `json:"instances"`
	Parameters veoParameters `json:"parameters"`
}

type veoOperation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response,omitempty"`
}

func (v *VeoVideos) Generate(ctx context.Context, req VideoRequest) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	key := pickKey(req.Credential, v.apiKey)
	instance := veoInstance{Prompt: req.Prompt}
	if req.StartFrame != nil {
		instance.Image = &veoImage{
			BytesBase64Encoded: base64.StdEncoding.EncodeToString(req.StartFrame.Data),
			MimeType:           req.StartFrame.MimeType,
		}
	}
	if req.EndFrame != nil {
		instance.LastFrame = &veoImage{
			BytesBase64Encoded: base64.StdEncoding.EncodeToString(req.EndFrame.Data),
			MimeType:           req.EndFrame.MimeType,
		}
	}
	body, err := json.Marshal(veoRequest{
		Instances:  []veoInstance{instance},
		Parameters: veoParameters{AspectRatio: req.AspectRatio, Resolution: req.Resolution},
	})
	if err != nil {
		return Output{}, fmt.Errorf("veo: encode request: %w", err)
	}

	var op veoOperation
	endpoint := fmt.Sprintf("%s/models/%s:predictLongRunning", v.baseURL, url.PathEscape(req.Model))
	if err := v.doJSON(ctx, http.MethodPost, endpoint, key, body, &op); err != nil {
		return Output{}, err
	}
	if op.Name == "" {
		return Output{}, errors.New("veo: operation name missing")
	}

	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()
	for !op.Done {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Output{}, fmt.Errorf("veo: %w after %s", ErrOperationTimeout, v.timeout)
			}
			return Output{}, ctx.Err()
		case <-ticker.C:
		}
		name := op.Name
		if err := v.doJSON(ctx, http.MethodGet, v.baseURL+"/"+name, key, nil, &op); err != nil {
			return Output{}, err
		}
		if op.Name == "" {
			op.Name = name
		}
	}

	if op.Error != nil {
		return Output{}, fmt.Errorf("veo: operation failed: %d %s", op.Error.Code, op.Error.Message)
	}
	if op.Response == nil || len(op.Response.GenerateVideoResponse.GeneratedSamples) == 0 {
		return Output{}, fmt.Errorf("veo: %w", ErrEmptyResult)
	}
	uri := op.Response.GenerateVideoResponse.GeneratedSamples[0].Video.URI
	return v.download(ctx, uri, key)
}

func (v *VeoVideos) doJSON(ctx context.Context, method, endpoint, key string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return fmt.Errorf("veo: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", key)
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("veo: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return statusError("veo", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("veo: decode response: %w", err)
	}
	return nil
}

func (v *VeoVideos) download(ctx context.Context, uri, key string) (Output, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Output{}, fmt.Errorf("veo: build download: %w", err)
	}
	req.Header.Set("x-goog-api-key", key)
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("veo: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Output{}, statusError("veo", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Output{}, fmt.Errorf("veo: read clip: %w", err)
	}
	if len(data) == 0 {
		return Output{}, fmt.Errorf("veo: %w", ErrEmptyResult)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = "video/mp4"
	}
	return Output{Data: data, MimeType: mime}, nil
}

// SyncVideos posts one JSON request and receives the clip in the response,
// either as raw video bytes or as a JSON envelope with base64 data.
type SyncVideos struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewSyncVideos(endpoint, apiKey string, httpClient *http.Client) *SyncVideos {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &SyncVideos{endpoint: endpoint, apiKey: apiKey, httpClient: httpClient}
}

type syncVideoRequest struct {
	Model       string    `json:"model"`
	Prompt      string    `json:"prompt"`
	AspectRatio string    `json:"aspect_ratio,omitempty"`
	Resolution  string    `json:"resolution,omitempty"`
	StartFrame  *veoImage `json:"start_frame,omitempty"`
	EndFrame    *veoImage `json:"end_frame,omitempty"`
}

type syncVideoResponse struct {
	Video    string `json:"video"`
	MimeType string `json:"mime_type"`
}

func (s *SyncVideos) Generate(ctx context.Context, req VideoRequest) (Output, error) {
	if s.endpoint == "" {
		return Output{}, fmt.Errorf("%w for model %q", ErrNoProvider, req.Model)
	}
	payload := syncVideoRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		Resolution:  req.Resolution,
	}
	if req.StartFrame != nil {
		payload.StartFrame = &veoImage{BytesBase64Encoded: base64.StdEncoding.EncodeToString(req.StartFrame.Data), MimeType: req.StartFrame.MimeType}
	}
	if req.EndFrame != nil {
		payload.EndFrame = &veoImage{BytesBase64Encoded: base64.StdEncoding.EncodeToString(req.EndFrame.Data), MimeType: req.EndFrame.MimeType}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Output{}, fmt.Errorf("video: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("video: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := pickKey(req.Credential, s.apiKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return Output{}, fmt.Errorf("video: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Output{}, statusError("video", resp)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "video/") {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return Output{}, fmt.Errorf("video: read clip: %w", err)
		}
		if len(data) == 0 {
			return Output{}, fmt.Errorf("video: %w", ErrEmptyResult)
		}
		return Output{Data: data, MimeType: contentType}, nil
	}

	var decoded syncVideoResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Output{}, fmt.Errorf("video: decode response: %w", err)
	}
	if decoded.Video == "" {
		return Output{}, fmt.Errorf("video: %w", ErrEmptyResult)
	}
	data, err := base64.StdEncoding.DecodeString(decoded.Video)
	if err != nil {
		return Output{}, fmt.Errorf("video: decode clip: %w", err)
	}
	if decoded.MimeType == "" {
		decoded.MimeType = "video/mp4"
	}
	return Output{Data: data, MimeType: decoded.MimeType}, nil
}

var (
	_ VideoService = (*VeoVideos)(nil)
	_ VideoService = (*SyncVideos)(nil)
)
