// Package app assembles the executor and its collaborators from config for
// the worker and CLI binaries.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog"

	"generation-executor/internal/assets"
	"generation-executor/internal/config"
	"generation-executor/internal/executor"
	"generation-executor/internal/generation"
	"generation-executor/internal/media"
	"generation-executor/internal/storage"
)

// Store is everything the executor and the asset resolver read and write.
// Both store.Postgres and store.SQLite satisfy it.
type Store interface {
	executor.JobStore
	executor.UnitStore
	executor.SceneStore
	assets.ReferenceLister
}

// Objects uploads generated media and signs reads of stored references.
type Objects interface {
	executor.ObjectStore
	assets.SignedReader
}

// NewObjects picks the storage backend named by STORAGE_BACKEND.
func NewObjects(ctx context.Context, cfg config.Config) (Objects, error) {
	switch cfg.StorageBackend {
	case "s3":
		s3, err := storage.NewS3Store(ctx, storage.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			SignedTTL: cfg.SignedURLTTL,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	case "local", "":
		fs, err := storage.NewFileStore(cfg.StorageLocalDir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// NewImageService routes image models to OpenAI or Gemini. A non-nil limiter
// throttles every provider call per model.
func NewImageService(cfg config.Config, httpClient *http.Client, limiter generation.Limiter) generation.ImageService {
	gemini := generation.NewGeminiImages(cfg.GeminiAPIKey, cfg.GeminiBaseURL, httpClient)
	router := generation.NewImageRouter(cfg.DefaultImageModel, gemini)
	if cfg.OpenAIAPIKey != "" {
		router.Route(generation.NewOpenAIImages(cfg.OpenAIAPIKey, option.WithHTTPClient(httpClient)), cfg.OpenAIModelPrefix...)
	}
	if limiter == nil {
		return router
	}
	return generation.NewThrottled(router, limiter, "rl:generation")
}

// NewVideoService routes long-running models to Veo and the rest to the
// synchronous endpoint.
func NewVideoService(cfg config.Config, httpClient *http.Client) generation.VideoService {
	veo := generation.NewVeoVideos(cfg.GeminiAPIKey, cfg.GeminiBaseURL, httpClient, cfg.VideoPollInterval, cfg.VideoTimeout)
	syncVideos := generation.NewSyncVideos(cfg.VideoSyncEndpoint, cfg.GeminiAPIKey, httpClient)
	return generation.NewVideoRouter(syncVideos).Route(veo, cfg.LongRunningVideo...)
}

// NewExecutor wires an executor over st and objects.
func NewExecutor(cfg config.Config, st Store, objects Objects, limiter generation.Limiter, logger zerolog.Logger) *executor.Executor {
	httpClient := &http.Client{Timeout: cfg.UnitTimeout + 30*time.Second}
	return executor.New(executor.Config{
		Jobs:       st,
		Units:      st,
		Scenes:     st,
		Assets:     assets.NewResolver(st, objects, httpClient, cfg.ReferenceMaxBytes),
		Images:     NewImageService(cfg, httpClient, limiter),
		Videos:     NewVideoService(cfg, &http.Client{}),
		Transcoder: media.NewTranscoder(cfg.ThumbnailWidth, cfg.PreviewWidth),
		Objects:    objects,
		Logger:     logger,
		Defaults: executor.Options{
			BatchSize:   cfg.BatchSize,
			Parallelism: cfg.Parallelism,
			TimeBudget:  cfg.TimeBudget,
		},
		Retry:              executor.NewRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDelay),
		UnitTimeout:        cfg.UnitTimeout,
		VideoTimeout:       cfg.VideoTimeout,
		CancelPollInterval: cfg.CancelPollInterval,
	})
}
