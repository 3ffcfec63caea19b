package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"generation-executor/internal/generation"
	"generation-executor/internal/models"
)

type memJobs struct {
	mu      sync.Mutex
	jobs    map[string]models.GenerationJob
	gets    atomic.Int64
	updates int
	// beforeUpdate runs under no lock ahead of every conditional update.
	beforeUpdate func(id string)
	getErr       error
}

func newMemJobs(jobs ...models.GenerationJob) *memJobs {
	m := &memJobs{jobs: map[string]models.GenerationJob{}}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *memJobs) GetJob(_ context.Context, id string) (models.GenerationJob, error) {
	m.gets.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return models.GenerationJob{}, m.getErr
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.GenerationJob{}, models.ErrNotFound
	}
	return job, nil
}

func (m *memJobs) ConditionalUpdate(ctx context.Context, id string, upd models.JobUpdate, cond models.Condition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if m.beforeUpdate != nil {
		m.beforeUpdate(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || !cond.Matches(job) {
		return false, nil
	}
	upd.Apply(&job)
	m.jobs[id] = job
	m.updates++
	return true, nil
}

func (m *memJobs) set(id string, fn func(*models.GenerationJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	fn(&job)
	m.jobs[id] = job
}

func (m *memJobs) get(id string) models.GenerationJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

type memUnits struct {
	mu    sync.Mutex
	units []models.GeneratedUnit
	err   error
}

func (m *memUnits) InsertUnit(_ context.Context, unit models.GeneratedUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, u := range m.units {
		if u.JobID != nil && unit.JobID != nil && *u.JobID == *unit.JobID && u.VariationNumber == unit.VariationNumber {
			return fmt.Errorf("variation %d: %w", unit.VariationNumber, models.ErrDuplicateUnit)
		}
	}
	m.units = append(m.units, unit)
	return nil
}

func (m *memUnits) HasUnit(_ context.Context, jobID string, variation int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.units {
		if u.JobID != nil && *u.JobID == jobID && u.VariationNumber == variation {
			return true, nil
		}
	}
	return false, nil
}

func (m *memUnits) variations() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.units))
	for _, u := range m.units {
		out = append(out, u.VariationNumber)
	}
	sort.Ints(out)
	return out
}

type memScenes map[string]models.Scene

func (m memScenes) GetScene(_ context.Context, id string) (models.Scene, error) {
	s, ok := m[id]
	if !ok {
		return models.Scene{}, models.ErrNotFound
	}
	return s, nil
}

type fakeAssets struct {
	sets   map[string][]models.Asset
	frames map[string]models.Asset
	err    error
}

func (f *fakeAssets) ReferenceSet(_ context.Context, id string) ([]models.Asset, error) {
	if f.err != nil {
		return nil, f.err
	}
	set, ok := f.sets[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return set, nil
}

func (f *fakeAssets) Frame(_ context.Context, path string) (models.Asset, error) {
	a, ok := f.frames[path]
	if !ok {
		return models.Asset{}, models.ErrNotFound
	}
	return a, nil
}

// scriptedImages answers each call through fn, counting calls.
type scriptedImages struct {
	calls atomic.Int64
	fn    func(ctx context.Context, call int, req generation.ImageRequest) (generation.Output, error)
}

func (s *scriptedImages) Generate(ctx context.Context, req generation.ImageRequest) (generation.Output, error) {
	n := int(s.calls.Add(1))
	if s.fn == nil {
		return generation.Output{Data: []byte("png-bytes"), MimeType: "image/png"}, nil
	}
	return s.fn(ctx, n, req)
}

func okImage() (generation.Output, error) {
	return generation.Output{Data: []byte("png-bytes"), MimeType: "image/png"}, nil
}

type scriptedVideos struct {
	calls int
	last  generation.VideoRequest
	out   generation.Output
	err   error
}

func (s *scriptedVideos) Generate(_ context.Context, req generation.VideoRequest) (generation.Output, error) {
	s.calls++
	s.last = req
	return s.out, s.err
}

type stubTranscoder struct{ err error }

func (s stubTranscoder) Thumbnail(data []byte) (models.Asset, error) {
	if s.err != nil {
		return models.Asset{}, s.err
	}
	return models.Asset{Data: []byte("thumb"), MimeType: "image/jpeg"}, nil
}

func (s stubTranscoder) Preview(data []byte) (models.Asset, error) {
	if s.err != nil {
		return models.Asset{}, s.err
	}
	return models.Asset{Data: []byte("preview"), MimeType: "image/jpeg"}, nil
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memObjects) Upload(_ context.Context, path string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[path] = data
	return nil
}

func (m *memObjects) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func noSleep(context.Context, time.Duration) error { return nil }

func strPtr(s string) *string { return &s }

func imageJob(id string, variations int) models.GenerationJob {
	return models.GenerationJob{
		ID:              id,
		ProductID:       "prod-1",
		ReferenceSetID:  strPtr("refs-1"),
		FinalPrompt:     "Red sneaker on a white table",
		VariationCount:  variations,
		Resolution:      "1K",
		AspectRatio:     "1:1",
		GenerationModel: "gemini-2.5-flash-image",
		JobType:         models.JobTypeImage,
		Status:          models.StatusPending,
	}
}

func videoJob(id, sceneID string) models.GenerationJob {
	return models.GenerationJob{
		ID:              id,
		ProductID:       "prod-1",
		SceneID:         strPtr(sceneID),
		VariationCount:  1,
		AspectRatio:     "16:9",
		GenerationModel: "veo-3.0-generate-001",
		JobType:         models.JobTypeVideo,
		Status:          models.StatusPending,
	}
}

var errFatalPrompt = errors.New("invalid prompt")

type harness struct {
	jobs    *memJobs
	units   *memUnits
	objects *memObjects
	images  *scriptedImages
	videos  *scriptedVideos
	scenes  memScenes
	assets  *fakeAssets
	clock   *fakeClock
	exec    *Executor
}

func newHarness(jobs ...models.GenerationJob) *harness {
	h := &harness{
		jobs:    newMemJobs(jobs...),
		units:   &memUnits{},
		objects: &memObjects{},
		images:  &scriptedImages{},
		videos:  &scriptedVideos{out: generation.Output{Data: []byte("mp4"), MimeType: "video/mp4"}},
		scenes:  memScenes{},
		assets: &fakeAssets{
			sets:   map[string][]models.Asset{"refs-1": {{Data: []byte("ref"), MimeType: "image/png"}}},
			frames: map[string]models.Asset{},
		},
		clock: newFakeClock(),
	}
	h.build()
	return h
}

func (h *harness) build() {
	h.exec = New(Config{
		Jobs:       h.jobs,
		Units:      h.units,
		Scenes:     h.scenes,
		Assets:     h.assets,
		Images:     h.images,
		Videos:     h.videos,
		Transcoder: stubTranscoder{},
		Objects:    h.objects,
		Defaults:   Options{BatchSize: 15, Parallelism: 3, TimeBudget: time.Hour},
		Retry: RetryPolicy{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			sleep:      noSleep,
		},
		UnitTimeout:        time.Second,
		CancelPollInterval: time.Second,
		Now:                h.clock.Now,
	})
}
