package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"generation-executor/internal/models"
)

// ErrEmptyUpdate is returned when a conditional update has nothing to write.
var ErrEmptyUpdate = errors.New("empty job update")

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

// CreateJob inserts a pending job and returns it with its id and timestamps.
func (s *Postgres) CreateJob(ctx context.Context, job models.GenerationJob) (models.GenerationJob, error) {
	job = newJobRow(job)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO generation_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, job.ID, job.ProductID, job.ReferenceSetID, job.SceneID, job.FinalPrompt, job.VariationCount,
		job.Resolution, job.AspectRatio, job.GenerationModel, string(job.JobType), job.CompletedCount, job.FailedCount,
		string(job.Status), job.ErrorMessage, job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.GenerationJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)

	var (
		job                    models.GenerationJob
		refSet, scene, errMsg  pgtype.Text
		jobType, status        string
		startedAt, completedAt pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.ProductID, &refSet, &scene, &job.FinalPrompt, &job.VariationCount,
		&job.Resolution, &job.AspectRatio, &job.GenerationModel, &jobType, &job.CompletedCount, &job.FailedCount,
		&status, &errMsg, &job.CreatedAt, &startedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.GenerationJob{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return models.GenerationJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.JobType = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	job.ReferenceSetID = textPtr(refSet)
	job.SceneID = textPtr(scene)
	job.ErrorMessage = textPtr(errMsg)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

// ConditionalUpdate writes upd only while the row satisfies cond.
func (s *Postgres) ConditionalUpdate(ctx context.Context, id string, upd models.JobUpdate, cond models.Condition) (bool, error) {
	if upd.Empty() {
		return false, ErrEmptyUpdate
	}
	sql, args := postgresDialect.conditionalUpdate(id, upd, cond)
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCancelled flips an active job to cancelled. It reports false when the
// job had already finished.
func (s *Postgres) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return markCancelled(ctx, s, id)
}

// InsertUnit stores one generated unit. A second unit for the same job and
// variation is not inserted and yields models.ErrDuplicateUnit.
func (s *Postgres) InsertUnit(ctx context.Context, u models.GeneratedUnit) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO generated_units (`+unitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`+unitConflictClause+`
	`, u.ID, u.JobID, u.ProductID, u.VariationNumber, u.StoragePath, u.ThumbnailPath,
		u.PreviewPath, u.MimeType, u.FileSize, string(u.MediaType), u.ApprovalStatus, u.Prompt, u.SceneID,
		u.SceneName, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s variation %d: %w", textValue(u.JobID), u.VariationNumber, models.ErrDuplicateUnit)
	}
	return nil
}

// HasUnit reports whether the job already has a unit for variation.
func (s *Postgres) HasUnit(ctx context.Context, jobID string, variation int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM generated_units WHERE job_id = $1 AND variation_number = $2)
	`, jobID, variation).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check unit: %w", err)
	}
	return exists, nil
}

// ListUnits returns a job's units ordered by variation number.
func (s *Postgres) ListUnits(ctx context.Context, jobID string) ([]models.GeneratedUnit, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+unitColumns+` FROM generated_units WHERE job_id = $1 ORDER BY variation_number`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	var out []models.GeneratedUnit
	for rows.Next() {
		var (
			u                                   models.GeneratedUnit
			jid, thumb, preview, sceneID, sname pgtype.Text
			mediaType                           string
		)
		if err := rows.Scan(&u.ID, &jid, &u.ProductID, &u.VariationNumber, &u.StoragePath, &thumb,
			&preview, &u.MimeType, &u.FileSize, &mediaType, &u.ApprovalStatus, &u.Prompt, &sceneID,
			&sname, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u.JobID = textPtr(jid)
		u.ThumbnailPath = textPtr(thumb)
		u.PreviewPath = textPtr(preview)
		u.SceneID = textPtr(sceneID)
		u.SceneName = textPtr(sname)
		u.MediaType = models.MediaType(mediaType)
		out = append(out, u)
	}
	return out, rows.Err()
}

// SaveScene upserts a scene.
func (s *Postgres) SaveScene(ctx context.Context, sc models.Scene) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scenes (id, product_id, name, motion_prompt, description, start_frame_path, end_frame_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			product_id = EXCLUDED.product_id, name = EXCLUDED.name, motion_prompt = EXCLUDED.motion_prompt,
			description = EXCLUDED.description, start_frame_path = EXCLUDED.start_frame_path,
			end_frame_path = EXCLUDED.end_frame_path
	`, sc.ID, sc.ProductID, sc.Name, sc.MotionPrompt, sc.Description, sc.StartFramePath, sc.EndFramePath)
	if err != nil {
		return fmt.Errorf("save scene: %w", err)
	}
	return nil
}

// GetScene fetches a scene by id.
func (s *Postgres) GetScene(ctx context.Context, id string) (models.Scene, error) {
	var (
		sc         models.Scene
		start, end pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, product_id, name, motion_prompt, description, start_frame_path, end_frame_path
		FROM scenes WHERE id = $1
	`, id).Scan(&sc.ID, &sc.ProductID, &sc.Name, &sc.MotionPrompt, &sc.Description, &start, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Scene{}, fmt.Errorf("scene %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Scene{}, fmt.Errorf("scan scene: %w", err)
	}
	sc.StartFramePath = textPtr(start)
	sc.EndFramePath = textPtr(end)
	return sc, nil
}

// AddReferenceImage appends an image to a reference set.
func (s *Postgres) AddReferenceImage(ctx context.Context, ref models.ReferenceImage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reference_images (reference_set_id, storage_path, mime_type, position)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reference_set_id, storage_path) DO UPDATE SET mime_type = EXCLUDED.mime_type, position = EXCLUDED.position
	`, ref.ReferenceSetID, ref.StoragePath, ref.MimeType, ref.Position)
	if err != nil {
		return fmt.Errorf("add reference image: %w", err)
	}
	return nil
}

// ListReferenceImages returns a reference set in position order. An unknown or
// empty set is reported as not found.
func (s *Postgres) ListReferenceImages(ctx context.Context, setID string) ([]models.ReferenceImage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT reference_set_id, storage_path, mime_type, position
		FROM reference_images WHERE reference_set_id = $1 ORDER BY position, storage_path
	`, setID)
	if err != nil {
		return nil, fmt.Errorf("query reference images: %w", err)
	}
	defer rows.Close()

	var out []models.ReferenceImage
	for rows.Next() {
		var ref models.ReferenceImage
		if err := rows.Scan(&ref.ReferenceSetID, &ref.StoragePath, &ref.MimeType, &ref.Position); err != nil {
			return nil, fmt.Errorf("scan reference image: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("reference set %s: %w", setID, models.ErrNotFound)
	}
	return out, nil
}

// CountByStatus reports how many jobs sit in each status.
func (s *Postgres) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM generation_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := map[models.JobStatus]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[models.JobStatus(status)] = n
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}

// newJobRow fills the fields a freshly submitted job always starts with.
func newJobRow(job models.GenerationJob) models.GenerationJob {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.JobType == "" {
		job.JobType = models.JobTypeImage
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	return job
}

type conditionalUpdater interface {
	ConditionalUpdate(ctx context.Context, id string, upd models.JobUpdate, cond models.Condition) (bool, error)
}

func markCancelled(ctx context.Context, s conditionalUpdater, id string) (bool, error) {
	cancelled := models.StatusCancelled
	now := time.Now().UTC()
	return s.ConditionalUpdate(ctx, id, models.JobUpdate{Status: &cancelled, CompletedAt: &now}, models.Condition{
		Statuses: models.ActiveStatuses,
	})
}
