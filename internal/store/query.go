package store

import (
	"fmt"
	"strings"
	"time"

	"generation-executor/internal/models"
)

// ErrNotFound is returned when a job, scene or reference set does not exist.
var ErrNotFound = models.ErrNotFound

const jobColumns = `id, product_id, reference_set_id, scene_id, final_prompt, variation_count,
	resolution, aspect_ratio, generation_model, job_type, completed_count, failed_count,
	status, error_message, created_at, started_at, completed_at`

const unitColumns = `id, job_id, product_id, variation_number, storage_path, thumbnail_path,
	preview_path, mime_type, file_size, media_type, approval_status, prompt, scene_id,
	scene_name, created_at`

// unitConflictClause skips a unit whose (job_id, variation_number) is already
// stored. The target repeats the partial index predicate so both databases
// can infer it.
const unitConflictClause = `ON CONFLICT (job_id, variation_number) WHERE job_id IS NOT NULL DO NOTHING`

func textValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// dialect renders placeholders and timestamps for one database.
type dialect struct {
	placeholder func(n int) string
	timestamp   func(t time.Time) any
}

var (
	postgresDialect = dialect{
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		timestamp:   func(t time.Time) any { return t.UTC() },
	}
	sqliteDialect = dialect{
		placeholder: func(int) string { return "?" },
		timestamp:   func(t time.Time) any { return t.UTC().UnixMilli() },
	}
)

// conditionalUpdate builds `UPDATE generation_jobs SET ... WHERE id = ? AND
// <condition>` so the check and the write happen in one statement.
func (d dialect) conditionalUpdate(id string, upd models.JobUpdate, cond models.Condition) (string, []any) {
	var (
		sets  []string
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return d.placeholder(len(args))
	}

	if upd.Status != nil {
		sets = append(sets, "status = "+arg(string(*upd.Status)))
	}
	if upd.CompletedCount != nil {
		sets = append(sets, "completed_count = "+arg(*upd.CompletedCount))
	}
	if upd.FailedCount != nil {
		sets = append(sets, "failed_count = "+arg(*upd.FailedCount))
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = "+arg(*upd.ErrorMessage))
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = "+arg(d.timestamp(*upd.StartedAt)))
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = "+arg(d.timestamp(*upd.CompletedAt)))
	}

	where = append(where, "id = "+arg(id))
	if len(cond.Statuses) > 0 {
		ph := make([]string, len(cond.Statuses))
		for i, s := range cond.Statuses {
			ph[i] = arg(string(s))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if cond.Progress != nil {
		where = append(where, "completed_count = "+arg(cond.Progress.Completed))
		where = append(where, "failed_count = "+arg(cond.Progress.Failed))
	}

	return "UPDATE generation_jobs SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND "), args
}
