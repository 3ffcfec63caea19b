package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"generation-executor/internal/models"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "gen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestSQLiteJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	job, err := s.CreateJob(ctx, models.GenerationJob{
		ProductID:      "prod-1",
		ReferenceSetID: strPtr("refs-1"),
		FinalPrompt:    "a vase",
		VariationCount: 4,
	})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, models.JobTypeImage, job.JobType)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "refs-1", *got.ReferenceSetID)
	assert.Nil(t, got.SceneID)
	assert.Nil(t, got.StartedAt)
	assert.True(t, job.CreatedAt.Truncate(time.Millisecond).Equal(got.CreatedAt))

	running := models.StatusRunning
	started := time.Now().UTC().Truncate(time.Millisecond)
	ok, err := s.ConditionalUpdate(ctx, job.ID, models.JobUpdate{Status: &running, StartedAt: &started},
		models.Condition{Statuses: []models.JobStatus{models.StatusPending}})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ConditionalUpdate(ctx, job.ID, models.JobUpdate{Status: &running},
		models.Condition{Statuses: []models.JobStatus{models.StatusPending}})
	require.NoError(t, err)
	assert.False(t, ok, "second pending->running transition must lose")

	two := 2
	ok, err = s.ConditionalUpdate(ctx, job.ID, models.JobUpdate{CompletedCount: &two},
		models.Condition{Statuses: models.ActiveStatuses, Progress: &models.Progress{Completed: 1}})
	require.NoError(t, err)
	assert.False(t, ok, "stale progress snapshot must lose")

	ok, err = s.ConditionalUpdate(ctx, job.ID, models.JobUpdate{CompletedCount: &two},
		models.Condition{Statuses: models.ActiveStatuses, Progress: &models.Progress{}})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, 2, got.CompletedCount)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))

	cancelled, err := s.MarkCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = s.MarkCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled, "terminal jobs stay as they are")

	got, _ = s.GetJob(ctx, job.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[models.StatusCancelled])
}

func TestSQLiteRejectsOvercounting(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	job, err := s.CreateJob(ctx, models.GenerationJob{ProductID: "p", ReferenceSetID: strPtr("r"), VariationCount: 2})
	require.NoError(t, err)

	three := 3
	_, err = s.ConditionalUpdate(ctx, job.ID, models.JobUpdate{CompletedCount: &three}, models.Condition{})
	require.Error(t, err)
}

func TestSQLiteMissingRows(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	_, err := s.GetJob(ctx, "nope")
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetScene(ctx, "nope")
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.ListReferenceImages(ctx, "nope")
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.ConditionalUpdate(ctx, "nope", models.JobUpdate{}, models.Condition{})
	require.ErrorIs(t, err, ErrEmptyUpdate)
}

func TestSQLiteUnitsAreUniquePerVariation(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	job, err := s.CreateJob(ctx, models.GenerationJob{ProductID: "p", ReferenceSetID: strPtr("r"), VariationCount: 3})
	require.NoError(t, err)

	unit := func(id string, variation int) models.GeneratedUnit {
		return models.GeneratedUnit{
			ID:              id,
			JobID:           &job.ID,
			ProductID:       "p",
			VariationNumber: variation,
			StoragePath:     "products/p/" + id + ".png",
			ThumbnailPath:   strPtr("products/p/" + id + "_thumb.jpg"),
			MimeType:        "image/png",
			FileSize:        10,
			MediaType:       models.MediaImage,
			ApprovalStatus:  models.ApprovalPending,
			CreatedAt:       time.Now(),
		}
	}
	require.NoError(t, s.InsertUnit(ctx, unit("u2", 2)))
	require.NoError(t, s.InsertUnit(ctx, unit("u1", 1)))
	require.ErrorIs(t, s.InsertUnit(ctx, unit("u3", 2)), models.ErrDuplicateUnit)

	stored, err := s.HasUnit(ctx, job.ID, 2)
	require.NoError(t, err)
	assert.True(t, stored)
	stored, err = s.HasUnit(ctx, job.ID, 3)
	require.NoError(t, err)
	assert.False(t, stored)

	units, err := s.ListUnits(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, 1, units[0].VariationNumber)
	assert.Equal(t, "products/p/u1_thumb.jpg", *units[0].ThumbnailPath)
	assert.Nil(t, units[0].PreviewPath)
}

func TestSQLiteScenesAndReferences(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	require.NoError(t, s.SaveScene(ctx, models.Scene{ID: "sc-1", ProductID: "p", Name: "Intro", MotionPrompt: "orbit", StartFramePath: strPtr("f/start.png")}))
	require.NoError(t, s.SaveScene(ctx, models.Scene{ID: "sc-1", ProductID: "p", Name: "Intro v2", MotionPrompt: "orbit"}))
	sc, err := s.GetScene(ctx, "sc-1")
	require.NoError(t, err)
	assert.Equal(t, "Intro v2", sc.Name)
	assert.Nil(t, sc.StartFramePath)

	require.NoError(t, s.AddReferenceImage(ctx, models.ReferenceImage{ReferenceSetID: "r", StoragePath: "b.png", MimeType: "image/png", Position: 1}))
	require.NoError(t, s.AddReferenceImage(ctx, models.ReferenceImage{ReferenceSetID: "r", StoragePath: "a.jpg", MimeType: "image/jpeg", Position: 0}))
	refs, err := s.ListReferenceImages(ctx, "r")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "a.jpg", refs[0].StoragePath)
}

func TestSQLiteMigrationsAreRerunnable(t *testing.T) {
	s := openTestSQLite(t)
	require.NoError(t, s.RunMigrations(context.Background()))
}
