package worker

import (
	"fmt"
	"time"

	"github.com/ralph-build/ralphd/internal/logging"
)

// Stage names the pipeline's eleven stops. Transitions between them are
// strictly forward; a failure routes to a recovery lane instead of moving
// the stage cursor backward.
type Stage string

const (
	StageEntry         Stage = "entry"
	StagePreflight     Stage = "pre-flight"
	StagePlan          Stage = "plan"
	StagePlanReview    Stage = "plan_review"
	StageBuild         Stage = "build"
	StageProductReview Stage = "product_review"
	StageDevexReview   Stage = "devex_review"
	StagePRCreate      Stage = "pr_create"
	StageCIWait        Stage = "ci_wait"
	StageMerge         Stage = "merge"
	StagePREvidence    Stage = "pr_evidence"
	StageDone          Stage = "done"
)

// pipelineOrder is the fixed forward sequence; Process advances through it
// via nextStage.
var pipelineOrder = []Stage{
	StagePreflight, StagePlan, StagePlanReview, StageBuild,
	StageProductReview, StageDevexReview, StagePRCreate, StageCIWait,
	StageMerge, StagePREvidence, StageDone,
}

// stageOutcome is the private result of running one stage.
type stageOutcome string

const (
	outcomeAdvance  stageOutcome = "advance"
	outcomeRecover  stageOutcome = "recover" // recovery lane ran, task was requeued or a PR-create lease was reclaimed; resume the same stage
	outcomeBlocked  stageOutcome = "blocked"
	outcomeEscalate stageOutcome = "escalate"
	outcomeDone     stageOutcome = "done"
)

// stageRun tracks one stage's execution for the run's StageSnapshot log,
// the same pending/running/succeeded/failed shape the pipeline's stages
// share, generalized to a linear pipeline instead of a single node.
type stageRun struct {
	stage       Stage
	startedAt   time.Time
	completedAt time.Time
	outcome     stageOutcome
	err         error
}

// StageSnapshot is the observability record appended to a Run's trace; it
// mirrors what gate artifacts eventually persist.
type StageSnapshot struct {
	Stage    Stage
	Outcome  string
	Error    string
	Duration time.Duration
}

func (s *stageRun) snapshot() StageSnapshot {
	snap := StageSnapshot{Stage: s.stage, Outcome: string(s.outcome)}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	end := s.completedAt
	if end.IsZero() {
		end = time.Now()
	}
	snap.Duration = end.Sub(s.startedAt)
	return snap
}

// runStage times a stage body and logs its transition the way the
// teacher's workflow nodes log every pending->running->terminal move.
func runStage(logger logging.Logger, stage Stage, body func() (stageOutcome, error)) (StageSnapshot, stageOutcome, error) {
	sr := &stageRun{stage: stage, startedAt: time.Now()}
	logger.Info("stage %s started", stage)

	outcome, err := body()
	sr.completedAt = time.Now()
	sr.outcome = outcome
	sr.err = err

	if err != nil {
		logger.Warn("stage %s ended with outcome=%s err=%v", stage, outcome, err)
	} else {
		logger.Info("stage %s ended with outcome=%s", stage, outcome)
	}
	return sr.snapshot(), outcome, err
}

func stageIndex(stage Stage) int {
	for i, s := range pipelineOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

func nextStage(stage Stage) (Stage, bool) {
	idx := stageIndex(stage)
	if idx < 0 || idx+1 >= len(pipelineOrder) {
		return "", false
	}
	return pipelineOrder[idx+1], true
}

var errUnknownStage = fmt.Errorf("worker: unknown stage")
