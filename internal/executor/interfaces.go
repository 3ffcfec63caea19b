package executor

import (
	"context"

	"generation-executor/internal/generation"
	"generation-executor/internal/models"
)

// JobStore is the shared, externally persisted job row.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.GenerationJob, error)
	// ConditionalUpdate applies upd only if the row still satisfies cond and
	// reports whether it did.
	ConditionalUpdate(ctx context.Context, id string, upd models.JobUpdate, cond models.Condition) (bool, error)
}

// UnitStore inserts generated units. InsertUnit returns models.ErrDuplicateUnit
// when the job already has a unit for that variation.
type UnitStore interface {
	InsertUnit(ctx context.Context, unit models.GeneratedUnit) error
	HasUnit(ctx context.Context, jobID string, variation int) (bool, error)
}

type SceneStore interface {
	GetScene(ctx context.Context, id string) (models.Scene, error)
}

// ReferenceAssetReader materializes stored references as binary content.
type ReferenceAssetReader interface {
	ReferenceSet(ctx context.Context, referenceSetID string) ([]models.Asset, error)
	Frame(ctx context.Context, path string) (models.Asset, error)
}

type ImageGenerator interface {
	Generate(ctx context.Context, req generation.ImageRequest) (generation.Output, error)
}

type VideoGenerator interface {
	Generate(ctx context.Context, req generation.VideoRequest) (generation.Output, error)
}

// MediaTranscoder derives the smaller renditions stored next to an original.
type MediaTranscoder interface {
	Thumbnail(data []byte) (models.Asset, error)
	Preview(data []byte) (models.Asset, error)
}

type ObjectStore interface {
	Upload(ctx context.Context, path string, data []byte, mimeType string) error
}
