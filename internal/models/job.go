package models

import (
	"errors"
	"time"
)

// JobStatus enumerates lifecycle states persisted for a generation job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further progress writes are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses is the set a conditional update may overwrite.
var ActiveStatuses = []JobStatus{StatusPending, StatusRunning}

// JobType discriminates image batches from single video clips.
type JobType string

const (
	JobTypeImage JobType = "image"
	JobTypeVideo JobType = "video"
)

// GenerationJob is the persisted request for VariationCount generated units.
type GenerationJob struct {
	ID              string     `json:"id"`
	ProductID       string     `json:"product_id"`
	ReferenceSetID  *string    `json:"reference_set_id,omitempty"`
	SceneID         *string    `json:"scene_id,omitempty"`
	FinalPrompt     string     `json:"final_prompt"`
	VariationCount  int        `json:"variation_count"`
	Resolution      string     `json:"resolution"`
	AspectRatio     string     `json:"aspect_ratio"`
	GenerationModel string     `json:"generation_model"`
	JobType         JobType    `json:"job_type"`
	CompletedCount  int        `json:"completed_count"`
	FailedCount     int        `json:"failed_count"`
	Status          JobStatus  `json:"status"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Progress is the counter snapshot a resumable invocation plans from.
type Progress struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Done returns the number of variations already accounted for.
func (p Progress) Done() int { return p.Completed + p.Failed }

// Progress returns the job's persisted counters.
func (j GenerationJob) Progress() Progress {
	return Progress{Completed: j.CompletedCount, Failed: j.FailedCount}
}

// Remaining is the number of variations not yet attempted to completion.
func (j GenerationJob) Remaining() int {
	if r := j.VariationCount - j.CompletedCount - j.FailedCount; r > 0 {
		return r
	}
	return 0
}

// JobSpec is the per-type half of a job: either ImageSpec or VideoSpec.
type JobSpec interface {
	Type() JobType
}

// ImageSpec carries what an image batch needs beyond the common job fields.
type ImageSpec struct {
	ReferenceSetID string
}

func (ImageSpec) Type() JobType { return JobTypeImage }

// VideoSpec carries what a single video clip needs.
type VideoSpec struct {
	SceneID string
}

func (VideoSpec) Type() JobType { return JobTypeVideo }

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateUnit is returned when a job already has a unit for a
	// variation number.
	ErrDuplicateUnit = errors.New("unit already stored for variation")

	ErrMissingReferenceSet = errors.New("Image job missing reference_set_id")
	ErrMissingScene        = errors.New("Video job missing scene_id")
	ErrUnknownJobType      = errors.New("unknown job type")
)

// Spec resolves the job type discriminant once into a typed variant.
func (j GenerationJob) Spec() (JobSpec, error) {
	switch j.JobType {
	case JobTypeImage, "":
		if j.ReferenceSetID == nil || *j.ReferenceSetID == "" {
			return nil, ErrMissingReferenceSet
		}
		return ImageSpec{ReferenceSetID: *j.ReferenceSetID}, nil
	case JobTypeVideo:
		if j.SceneID == nil || *j.SceneID == "" {
			return nil, ErrMissingScene
		}
		return VideoSpec{SceneID: *j.SceneID}, nil
	default:
		return nil, ErrUnknownJobType
	}
}

// JobUpdate lists the fields a conditional update writes; nil fields are left as is.
type JobUpdate struct {
	Status         *JobStatus
	CompletedCount *int
	FailedCount    *int
	ErrorMessage   *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Empty reports whether the update would write nothing.
func (u JobUpdate) Empty() bool {
	return u.Status == nil && u.CompletedCount == nil && u.FailedCount == nil &&
		u.ErrorMessage == nil && u.StartedAt == nil && u.CompletedAt == nil
}

// Condition guards a job update: the row's status must be one of Statuses and,
// when Progress is set, its counters must still equal that snapshot.
type Condition struct {
	Statuses []JobStatus
	Progress *Progress
}

// Matches evaluates the condition against a loaded row.
func (c Condition) Matches(job GenerationJob) bool {
	if len(c.Statuses) > 0 {
		ok := false
		for _, s := range c.Statuses {
			if job.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if c.Progress != nil && *c.Progress != job.Progress() {
		return false
	}
	return true
}

// Apply copies the non-nil fields of u onto job.
func (u JobUpdate) Apply(job *GenerationJob) {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.CompletedCount != nil {
		job.CompletedCount = *u.CompletedCount
	}
	if u.FailedCount != nil {
		job.FailedCount = *u.FailedCount
	}
	if u.ErrorMessage != nil {
		msg := *u.ErrorMessage
		job.ErrorMessage = &msg
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		job.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		job.CompletedAt = &t
	}
}
