package executor

import "generation-executor/internal/models"

// PlanBatch returns the variation numbers this invocation should attempt:
// the next min(batchSize, remaining) integers after completed+failed. It
// depends only on persisted progress, so any process can resume a job.
func PlanBatch(variationCount int, progress models.Progress, batchSize int) []int {
	done := progress.Done()
	toProcess := variationCount - done
	if batchSize < toProcess {
		toProcess = batchSize
	}
	if toProcess <= 0 {
		return nil
	}
	plan := make([]int, toProcess)
	for i := range plan {
		plan[i] = done + i + 1
	}
	return plan
}
