package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GeminiImages calls the generateContent endpoint with inline reference
// images and reads the first inline image part of the answer.
type GeminiImages struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewGeminiImages(apiKey, baseURL string, httpClient *http.Client) *GeminiImages {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &GeminiImages{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities,omitempty"`
	ImageConfig        *geminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

func (g *GeminiImages) Generate(ctx context.Context, req ImageRequest) (Output, error) {
	parts := make([]geminiPart, 0, len(req.References)+1)
	parts = append(parts, geminiPart{Text: req.Prompt})
	for _, ref := range req.References {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: ref.MimeType,
			Data:     base64.StdEncoding.EncodeToString(ref.Data),
		}})
	}
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"IMAGE"},
			ImageConfig: &geminiImageConfig{
				AspectRatio: req.AspectRatio,
				ImageSize:   req.Resolution,
			},
		},
	})
	if err != nil {
		return Output{}, fmt.Errorf("gemini: encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, url.PathEscape(req.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("gemini: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", pickKey(req.Credential, g.apiKey))

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return Output{}, fmt.Errorf("gemini: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Output{}, statusError("gemini", resp)
	}

	var decoded geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Output{}, fmt.Errorf("gemini: decode response: %w", err)
	}
	if decoded.PromptFeedback != nil && decoded.PromptFeedback.BlockReason != "" {
		return Output{}, fmt.Errorf("gemini: prompt blocked: %s", decoded.PromptFeedback.BlockReason)
	}
	for _, cand := range decoded.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return Output{}, fmt.Errorf("gemini: decode image data: %w", err)
			}
			return Output{Data: data, MimeType: part.InlineData.MimeType}, nil
		}
	}
	return Output{}, fmt.Errorf("gemini: %w", ErrEmptyResult)
}

func pickKey(override, configured string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return configured
}

var _ ImageService = (*GeminiImages)(nil)
