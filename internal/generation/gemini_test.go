package generation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"generation-executor/internal/models"
)

func TestGeminiImagesGenerate(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash-image:generateContent", r.URL.Path)
		assert.Equal(t, "override-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"here"},{"inlineData":{"mimeType":"image/png","data":"` +
			base64.StdEncoding.EncodeToString([]byte("pixels")) + `"}}]}}]}`))
	}))
	defer srv.Close()

	g := NewGeminiImages("configured-key", srv.URL+"/", srv.Client())
	out, err := g.Generate(context.Background(), ImageRequest{
		Model:       "gemini-2.5-flash-image",
		Prompt:      "a chair",
		Resolution:  "2K",
		AspectRatio: "4:3",
		References:  []models.Asset{{Data: []byte("ref"), MimeType: "image/jpeg"}},
		Credential:  "override-key",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("pixels"), out.Data)
	assert.Equal(t, "image/png", out.MimeType)

	require.Len(t, got.Contents, 1)
	require.Len(t, got.Contents[0].Parts, 2)
	assert.Equal(t, "a chair", got.Contents[0].Parts[0].Text)
	assert.Equal(t, "image/jpeg", got.Contents[0].Parts[1].InlineData.MimeType)
	assert.Equal(t, "4:3", got.GenerationConfig.ImageConfig.AspectRatio)
	assert.Equal(t, "2K", got.GenerationConfig.ImageConfig.ImageSize)
}

func TestGeminiImagesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exhausted", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewGeminiImages("k", srv.URL, srv.Client()).Generate(context.Background(), ImageRequest{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestGeminiImagesBlockedAndEmpty(t *testing.T) {
	body := `{"promptFeedback":{"blockReason":"SAFETY"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()
	g := NewGeminiImages("k", srv.URL, srv.Client())

	_, err := g.Generate(context.Background(), ImageRequest{Model: "m"})
	require.ErrorContains(t, err, "prompt blocked: SAFETY")

	body = `{"candidates":[{"content":{"parts":[{"text":"sorry"}]}}]}`
	_, err = g.Generate(context.Background(), ImageRequest{Model: "m"})
	require.ErrorIs(t, err, ErrEmptyResult)
}
