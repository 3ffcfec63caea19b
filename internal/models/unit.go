package models

import "time"

// MediaType tags a generated unit as an image or a video clip.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// ApprovalPending is the approval state every freshly generated unit starts in.
const ApprovalPending = "pending"

// GeneratedUnit is one produced artifact. The executor only ever inserts it.
type GeneratedUnit struct {
	ID              string    `json:"id"`
	JobID           *string   `json:"job_id,omitempty"`
	ProductID       string    `json:"product_id"`
	VariationNumber int       `json:"variation_number"`
	StoragePath     string    `json:"storage_path"`
	ThumbnailPath   *string   `json:"thumbnail_path,omitempty"`
	PreviewPath     *string   `json:"preview_path,omitempty"`
	MimeType        string    `json:"mime_type"`
	FileSize        int64     `json:"file_size"`
	MediaType       MediaType `json:"media_type"`
	ApprovalStatus  string    `json:"approval_status"`
	Prompt          string    `json:"prompt"`
	SceneID         *string   `json:"scene_id,omitempty"`
	SceneName       *string   `json:"scene_name,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Scene is the storyboard entry a video job animates.
type Scene struct {
	ID             string
	ProductID      string
	Name           string
	MotionPrompt   string
	Description    string
	StartFramePath *string
	EndFramePath   *string
}

// Prompt returns the motion prompt, falling back to the description.
func (s Scene) Prompt() string {
	if s.MotionPrompt != "" {
		return s.MotionPrompt
	}
	return s.Description
}

// ReferenceImage points at one stored member of a reference set.
type ReferenceImage struct {
	ReferenceSetID string
	StoragePath    string
	MimeType       string
	Position       int
}

// Asset is binary content with its mime type, as handed to generation services.
type Asset struct {
	Data     []byte
	MimeType string
}
