package generation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedImages struct {
	name  string
	calls int
	model string
}

func (n *namedImages) Generate(_ context.Context, req ImageRequest) (Output, error) {
	n.calls++
	n.model = req.Model
	return Output{Data: []byte(n.name)}, nil
}

type namedVideos struct{ name string }

func (n namedVideos) Generate(context.Context, VideoRequest) (Output, error) {
	return Output{Data: []byte(n.name)}, nil
}

func TestImageRouterByPrefix(t *testing.T) {
	gemini := &namedImages{name: "gemini"}
	openai := &namedImages{name: "openai"}
	r := NewImageRouter("gemini-2.5-flash-image", gemini).Route(openai, "gpt-image", "dall-e")

	out, err := r.Generate(context.Background(), ImageRequest{Model: "GPT-Image-1"})
	require.NoError(t, err)
	assert.Equal(t, "openai", string(out.Data))

	out, err = r.Generate(context.Background(), ImageRequest{})
	require.NoError(t, err)
	assert.Equal(t, "gemini", string(out.Data))
	assert.Equal(t, "gemini-2.5-flash-image", gemini.model)
}

func TestImageRouterWithoutFallback(t *testing.T) {
	_, err := NewImageRouter("", nil).Generate(context.Background(), ImageRequest{Model: "x"})
	require.ErrorIs(t, err, ErrNoProvider)
}

func TestVideoRouter(t *testing.T) {
	r := NewVideoRouter(namedVideos{"sync"}).Route(namedVideos{"veo"}, "veo")

	out, _ := r.Generate(context.Background(), VideoRequest{Model: "veo-3.0-fast"})
	assert.Equal(t, "veo", string(out.Data))
	out, _ = r.Generate(context.Background(), VideoRequest{Model: "kling-2"})
	assert.Equal(t, "sync", string(out.Data))
}

type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, float64, error) {
	s.keys = append(s.keys, key)
	return s.allowed, 0, s.err
}

func TestThrottled(t *testing.T) {
	next := &namedImages{name: "gemini"}

	denied := &stubLimiter{}
	_, err := NewThrottled(next, denied, "").Generate(context.Background(), ImageRequest{Model: "m1"})
	require.ErrorContains(t, err, "rate limit exceeded")
	assert.Equal(t, []string{"rl:generation:m1"}, denied.keys)
	assert.Zero(t, next.calls)

	broken := &stubLimiter{err: errors.New("redis down")}
	_, err = NewThrottled(next, broken, "rl").Generate(context.Background(), ImageRequest{Model: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
}
