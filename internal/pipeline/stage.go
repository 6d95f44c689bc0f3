// Package pipeline runs one ingestion end to end: acquire, chunk, embed,
// index, and publish, reporting progress as it goes.
package pipeline

// Stage names a step of a run.
type Stage string

const (
	StageStart   Stage = "start"
	StageAcquire Stage = "acquire"
	StageChunk   Stage = "chunk"
	StageEmbed   Stage = "embed"
	StageIndex   Stage = "index"
	StagePublish Stage = "publish"
	StageDone    Stage = "done"
)

// AllStages returns the stages in execution order.
func AllStages() []Stage {
	return []Stage{StageStart, StageAcquire, StageChunk, StageEmbed, StageIndex, StagePublish, StageDone}
}

// Progress points reported after each stage.
const (
	progressStart = 5
	progressChunk = 40
	progressEmbed = 70
	progressIndex = 90
	progressDone  = 100
)

// acquireProgress is 10 plus one point per page, capped at 30.
func acquireProgress(pages int) int {
	return 10 + min(20, pages)
}
