package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"generation-executor/internal/generation"
	"generation-executor/internal/models"
)

const (
	DefaultUnitTimeout  = 300 * time.Second
	DefaultVideoTimeout = 10 * time.Minute
)

// ImagePipeline produces one image variation end to end: generate, derive
// renditions, upload three objects, insert one unit row. Any failure leaves
// no unit row behind.
type ImagePipeline struct {
	Generator   ImageGenerator
	Transcoder  MediaTranscoder
	Objects     ObjectStore
	Units       UnitStore
	UnitTimeout time.Duration

	now   func() time.Time
	newID func() string
}

// ImageUnit is everything one variation needs besides its number.
type ImageUnit struct {
	Job        models.GenerationJob
	References []models.Asset
	Credential string
}

// Run treats a variation that is already stored as done: a previous
// invocation may have inserted the unit without recording progress.
func (p *ImagePipeline) Run(ctx context.Context, in ImageUnit, variation int) error {
	stored, err := p.Units.HasUnit(ctx, in.Job.ID, variation)
	if err != nil {
		return fmt.Errorf("check stored unit: %w", err)
	}
	if stored {
		return nil
	}

	out, err := p.generate(ctx, in)
	if err != nil {
		return err
	}
	if len(out.Data) == 0 {
		return Permanent(generation.ErrEmptyResult)
	}

	thumb, err := p.Transcoder.Thumbnail(out.Data)
	if err != nil {
		return Permanent(fmt.Errorf("decode generated image: %w", err))
	}
	preview, err := p.Transcoder.Preview(out.Data)
	if err != nil {
		return Permanent(fmt.Errorf("decode generated image: %w", err))
	}

	job := in.Job
	mime := out.MimeType
	if mime == "" {
		mime = "image/png"
	}
	paths := ImagePaths(job.ProductID, job.ID, variation, job.FinalPrompt, ExtensionForMIME(mime))

	if err := p.Objects.Upload(ctx, paths.Original, out.Data, mime); err != nil {
		return Permanent(fmt.Errorf("upload original: %w", err))
	}
	if err := p.Objects.Upload(ctx, paths.Thumbnail, thumb.Data, thumb.MimeType); err != nil {
		return Permanent(fmt.Errorf("upload thumbnail: %w", err))
	}
	if err := p.Objects.Upload(ctx, paths.Preview, preview.Data, preview.MimeType); err != nil {
		return Permanent(fmt.Errorf("upload preview: %w", err))
	}

	jobID := job.ID
	unit := models.GeneratedUnit{
		ID:              p.id(),
		JobID:           &jobID,
		ProductID:       job.ProductID,
		VariationNumber: variation,
		StoragePath:     paths.Original,
		ThumbnailPath:   &paths.Thumbnail,
		PreviewPath:     &paths.Preview,
		MimeType:        mime,
		FileSize:        int64(len(out.Data)),
		MediaType:       models.MediaImage,
		ApprovalStatus:  models.ApprovalPending,
		Prompt:          job.FinalPrompt,
		CreatedAt:       p.clock(),
	}
	if err := p.Units.InsertUnit(ctx, unit); err != nil && !errors.Is(err, models.ErrDuplicateUnit) {
		return Permanent(err)
	}
	return nil
}

// generate runs the external call under its own hard timeout. The call is
// abandoned when the timeout fires even if the provider ignores ctx.
func (p *ImagePipeline) generate(ctx context.Context, in ImageUnit) (generation.Output, error) {
	timeout := p.UnitTimeout
	if timeout <= 0 {
		timeout = DefaultUnitTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := callCtx.Deadline()

	type result struct {
		out generation.Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := p.Generator.Generate(callCtx, generation.ImageRequest{
			Model:       in.Job.GenerationModel,
			Prompt:      in.Job.FinalPrompt,
			Resolution:  in.Job.Resolution,
			AspectRatio: in.Job.AspectRatio,
			References:  in.References,
			Credential:  in.Credential,
			Deadline:    deadline,
		})
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return generation.Output{}, fmt.Errorf("%w after %s: %v", ErrUnitTimeout, timeout, r.err)
		}
		return r.out, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return generation.Output{}, fmt.Errorf("generation aborted: %w", ctx.Err())
		}
		return generation.Output{}, fmt.Errorf("%w after %s", ErrUnitTimeout, timeout)
	}
}

func (p *ImagePipeline) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now().UTC()
}

func (p *ImagePipeline) id() string {
	if p.newID != nil {
		return p.newID()
	}
	return uuid.NewString()
}

// VideoPipeline produces the single clip of a video job. It never retries.
type VideoPipeline struct {
	Scenes     SceneStore
	Assets     ReferenceAssetReader
	Generator  VideoGenerator
	Objects    ObjectStore
	Units      UnitStore
	Timeout    time.Duration
	Credential string

	now   func() time.Time
	newID func() string
}

func (p *VideoPipeline) Run(ctx context.Context, job models.GenerationJob, spec models.VideoSpec) error {
	stored, err := p.Units.HasUnit(ctx, job.ID, 1)
	if err != nil {
		return fmt.Errorf("check stored unit: %w", err)
	}
	if stored {
		return nil
	}

	scene, err := p.Scenes.GetScene(ctx, spec.SceneID)
	if errors.Is(err, models.ErrNotFound) {
		return configErr("Scene %s not found", spec.SceneID)
	}
	if err != nil {
		return fmt.Errorf("load scene: %w", err)
	}
	prompt := scene.Prompt()
	if prompt == "" {
		return configErr("Scene %s has no motion prompt", scene.ID)
	}

	req := generation.VideoRequest{
		Model:       job.GenerationModel,
		Prompt:      prompt,
		AspectRatio: job.AspectRatio,
		Resolution:  job.Resolution,
		Credential:  p.Credential,
	}
	if scene.StartFramePath != nil && *scene.StartFramePath != "" {
		frame, err := p.Assets.Frame(ctx, *scene.StartFramePath)
		if err != nil {
			return fmt.Errorf("resolve start frame: %w", err)
		}
		req.StartFrame = &frame
	}
	if scene.EndFramePath != nil && *scene.EndFramePath != "" {
		frame, err := p.Assets.Frame(ctx, *scene.EndFramePath)
		if err != nil {
			return fmt.Errorf("resolve end frame: %w", err)
		}
		req.EndFrame = &frame
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultVideoTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	out, err := p.Generator.Generate(callCtx, req)
	cancel()
	if err != nil {
		return fmt.Errorf("video generation: %w", err)
	}
	if len(out.Data) == 0 {
		return generation.ErrEmptyResult
	}

	mime := out.MimeType
	if mime == "" {
		mime = "video/mp4"
	}
	path := VideoPath(job.ProductID, scene.ID, job.ID, prompt, ExtensionForMIME(mime))
	if err := p.Objects.Upload(ctx, path, out.Data, mime); err != nil {
		return fmt.Errorf("upload video: %w", err)
	}

	jobID := job.ID
	sceneID, sceneName := scene.ID, scene.Name
	unit := models.GeneratedUnit{
		ID:              p.id(),
		JobID:           &jobID,
		ProductID:       job.ProductID,
		VariationNumber: 1,
		StoragePath:     path,
		MimeType:        mime,
		FileSize:        int64(len(out.Data)),
		MediaType:       models.MediaVideo,
		ApprovalStatus:  models.ApprovalPending,
		Prompt:          prompt,
		SceneID:         &sceneID,
		SceneName:       &sceneName,
		CreatedAt:       p.clock(),
	}
	if err := p.Units.InsertUnit(ctx, unit); err != nil && !errors.Is(err, models.ErrDuplicateUnit) {
		return err
	}
	return nil
}

func (p *VideoPipeline) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now().UTC()
}

func (p *VideoPipeline) id() string {
	if p.newID != nil {
		return p.newID()
	}
	return uuid.NewString()
}
