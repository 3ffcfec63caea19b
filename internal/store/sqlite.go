package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"generation-executor/internal/models"
)

// SQLite is the single-file store used by `genexec --local` and tests.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the conditional update relies on statement atomicity.
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "sqlite", func(ctx context.Context, q string) error {
		_, err := s.db.ExecContext(ctx, q)
		return err
	})
}

func (s *SQLite) CreateJob(ctx context.Context, job models.GenerationJob) (models.GenerationJob, error) {
	job = newJobRow(job)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.ProductID, nullString(job.ReferenceSetID), nullString(job.SceneID), job.FinalPrompt, job.VariationCount,
		job.Resolution, job.AspectRatio, job.GenerationModel, string(job.JobType), job.CompletedCount, job.FailedCount,
		string(job.Status), nullString(job.ErrorMessage), job.CreatedAt.UTC().UnixMilli(), nullMillis(job.StartedAt), nullMillis(job.CompletedAt))
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.GenerationJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`, id)
	var (
		job                    models.GenerationJob
		refSet, scene, errMsg  sql.NullString
		jobType, status        string
		createdMs              int64
		startedAt, completedAt sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.ProductID, &refSet, &scene, &job.FinalPrompt, &job.VariationCount,
		&job.Resolution, &job.AspectRatio, &job.GenerationModel, &jobType, &job.CompletedCount, &job.FailedCount,
		&status, &errMsg, &createdMs, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.GenerationJob{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return models.GenerationJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.JobType = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	job.ReferenceSetID = stringPtr(refSet)
	job.SceneID = stringPtr(scene)
	job.ErrorMessage = stringPtr(errMsg)
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.StartedAt = millisPtr(startedAt)
	job.CompletedAt = millisPtr(completedAt)
	return job, nil
}

func (s *SQLite) ConditionalUpdate(ctx context.Context, id string, upd models.JobUpdate, cond models.Condition) (bool, error) {
	if upd.Empty() {
		return false, ErrEmptyUpdate
	}
	q, args := sqliteDialect.conditionalUpdate(id, upd, cond)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLite) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return markCancelled(ctx, s, id)
}

func (s *SQLite) InsertUnit(ctx context.Context, u models.GeneratedUnit) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO generated_units (`+unitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`+unitConflictClause+`
	`, u.ID, nullString(u.JobID), u.ProductID, u.VariationNumber, u.StoragePath, nullString(u.ThumbnailPath),
		nullString(u.PreviewPath), u.MimeType, u.FileSize, string(u.MediaType), u.ApprovalStatus, u.Prompt, nullString(u.SceneID),
		nullString(u.SceneName), u.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s variation %d: %w", textValue(u.JobID), u.VariationNumber, models.ErrDuplicateUnit)
	}
	return nil
}

func (s *SQLite) HasUnit(ctx context.Context, jobID string, variation int) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM generated_units WHERE job_id = ? AND variation_number = ?)
	`, jobID, variation).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check unit: %w", err)
	}
	return exists, nil
}

func (s *SQLite) ListUnits(ctx context.Context, jobID string) ([]models.GeneratedUnit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+unitColumns+` FROM generated_units WHERE job_id = ? ORDER BY variation_number`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	var out []models.GeneratedUnit
	for rows.Next() {
		var (
			u                                   models.GeneratedUnit
			jid, thumb, preview, sceneID, sname sql.NullString
			mediaType                           string
			createdMs                           int64
		)
		if err := rows.Scan(&u.ID, &jid, &u.ProductID, &u.VariationNumber, &u.StoragePath, &thumb,
			&preview, &u.MimeType, &u.FileSize, &mediaType, &u.ApprovalStatus, &u.Prompt, &sceneID,
			&sname, &createdMs); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u.JobID = stringPtr(jid)
		u.ThumbnailPath = stringPtr(thumb)
		u.PreviewPath = stringPtr(preview)
		u.SceneID = stringPtr(sceneID)
		u.SceneName = stringPtr(sname)
		u.MediaType = models.MediaType(mediaType)
		u.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveScene(ctx context.Context, sc models.Scene) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenes (id, product_id, name, motion_prompt, description, start_frame_path, end_frame_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			product_id = excluded.product_id, name = excluded.name, motion_prompt = excluded.motion_prompt,
			description = excluded.description, start_frame_path = excluded.start_frame_path,
			end_frame_path = excluded.end_frame_path
	`, sc.ID, sc.ProductID, sc.Name, sc.MotionPrompt, sc.Description, nullString(sc.StartFramePath), nullString(sc.EndFramePath))
	if err != nil {
		return fmt.Errorf("save scene: %w", err)
	}
	return nil
}

func (s *SQLite) GetScene(ctx context.Context, id string) (models.Scene, error) {
	var (
		sc         models.Scene
		start, end sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, name, motion_prompt, description, start_frame_path, end_frame_path
		FROM scenes WHERE id = ?
	`, id).Scan(&sc.ID, &sc.ProductID, &sc.Name, &sc.MotionPrompt, &sc.Description, &start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Scene{}, fmt.Errorf("scene %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Scene{}, fmt.Errorf("scan scene: %w", err)
	}
	sc.StartFramePath = stringPtr(start)
	sc.EndFramePath = stringPtr(end)
	return sc, nil
}

func (s *SQLite) AddReferenceImage(ctx context.Context, ref models.ReferenceImage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reference_images (reference_set_id, storage_path, mime_type, position)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (reference_set_id, storage_path) DO UPDATE SET mime_type = excluded.mime_type, position = excluded.position
	`, ref.ReferenceSetID, ref.StoragePath, ref.MimeType, ref.Position)
	if err != nil {
		return fmt.Errorf("add reference image: %w", err)
	}
	return nil
}

func (s *SQLite) ListReferenceImages(ctx context.Context, setID string) ([]models.ReferenceImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reference_set_id, storage_path, mime_type, position
		FROM reference_images WHERE reference_set_id = ? ORDER BY position, storage_path
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

func (s *SQLite) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM generation_jobs GROUP BY status`)
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

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if n.Valid {
		return &n.String
	}
	return nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func millisPtr(n sql.NullInt64) *time.Time {
	if n.Valid {
		t := time.UnixMilli(n.Int64).UTC()
		return &t
	}
	return nil
}
