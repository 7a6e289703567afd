package runner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"opsline/internal/domain"
	"opsline/internal/pipeline"
	"opsline/internal/store"
)

// Outcome is the final result of one mission attempt.
type Outcome string

const (
	Completed        Outcome = "completed"
	AwaitingApproval Outcome = "awaiting_approval"
	FailedTransient  Outcome = "failed_transient"
	FailedFatal      Outcome = "failed_fatal"
)

// ActorSystem identifies runner-driven mutations in the event log.
const ActorSystem = "system:runner"

type stopKey struct{}

// WithStopSignal attaches a shutdown channel to ctx. The runner checks
// it between stages: the current stage finishes, the rest do not run.
func WithStopSignal(ctx context.Context, stop <-chan struct{}) context.Context {
	return context.WithValue(ctx, stopKey{}, stop)
}

// StopSignal returns the shutdown channel carried by ctx, or nil.
func StopSignal(ctx context.Context) <-chan struct{} {
	ch, _ := ctx.Value(stopKey{}).(<-chan struct{})
	return ch
}

func stopRequested(ctx context.Context) bool {
	ch := StopSignal(ctx)
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Runner executes the stage pipeline for one mission attempt, recording
// each stage as a step and driving the mission status. It never touches
// queue state; the caller decides what a transient failure means.
type Runner struct {
	Store store.Store
	Build func(prompt string) []pipeline.Stage
	Log   *zap.SugaredLogger
}

// Run executes all stages in order. The first attempt moves the mission
// to running; retries find it already running. A transient outcome
// leaves the mission running for the caller to retry or fail.
func (r Runner) Run(ctx context.Context, missionID, prompt string, attempt int) (Outcome, error) {
	if err := r.Store.EnsureRunning(ctx, missionID, ActorSystem); err != nil {
		return FailedTransient, fmt.Errorf("start mission %s: %w", missionID, err)
	}

	mc := pipeline.NewContext(missionID, prompt, attempt)
	for _, stage := range r.Build(prompt) {
		if stopRequested(ctx) {
			r.Log.Infow("attempt stopped for shutdown", "mission_id", missionID, "attempt", attempt)
			return FailedTransient, nil
		}
		obs, err := stage.Execute(ctx, mc)
		if errors.Is(err, pipeline.ErrAwaitingApproval) {
			return r.halt(ctx, missionID, stage.Name())
		}
		if err != nil {
			return r.fail(ctx, missionID, stage.Name(), err)
		}
		if _, err := r.Store.AppendStep(ctx, missionID, stage.Kind(), obs.Message, obs.ArtifactRef, ActorSystem); err != nil {
			return FailedTransient, fmt.Errorf("record step for %s: %w", missionID, err)
		}
		switch stage.Kind() {
		case domain.StepRCA:
			if err := r.Store.SetRCASummary(ctx, missionID, obs.Message, ActorSystem); err != nil {
				return FailedTransient, err
			}
		case domain.StepRemediation:
			if err := r.Store.SetRemediationProposal(ctx, missionID, obs.Message, ActorSystem); err != nil {
				return FailedTransient, err
			}
		}
	}

	if _, err := r.Store.SetStatus(ctx, missionID, domain.StatusCompleted, ActorSystem); err != nil {
		return FailedTransient, fmt.Errorf("complete mission %s: %w", missionID, err)
	}
	r.Log.Infow("mission completed", "mission_id", missionID, "attempt", attempt)
	return Completed, nil
}

func (r Runner) halt(ctx context.Context, missionID, stageName string) (Outcome, error) {
	msg := fmt.Sprintf("Stage %s halted: remediation requires operator approval", stageName)
	if _, err := r.Store.AppendStep(ctx, missionID, domain.StepAction, msg, nil, ActorSystem); err != nil {
		return FailedTransient, err
	}
	if _, err := r.Store.SetStatus(ctx, missionID, domain.StatusAwaitingApproval, ActorSystem); err != nil {
		return FailedTransient, err
	}
	r.Log.Infow("mission awaiting approval", "mission_id", missionID)
	return AwaitingApproval, nil
}

func (r Runner) fail(ctx context.Context, missionID, stageName string, stageErr error) (Outcome, error) {
	msg := fmt.Sprintf("Stage %s failed: %v", stageName, stageErr)
	if _, err := r.Store.AppendStep(ctx, missionID, domain.StepObservation, msg, nil, ActorSystem); err != nil {
		r.Log.Errorw("record failure step", "mission_id", missionID, "error", err)
	}
	if pipeline.IsFatal(stageErr) {
		if _, err := r.Store.SetStatus(ctx, missionID, domain.StatusFailed, ActorSystem); err != nil {
			return FailedTransient, err
		}
		r.Log.Warnw("mission failed", "mission_id", missionID, "stage", stageName, "error", stageErr)
		return FailedFatal, nil
	}
	r.Log.Warnw("stage failed, retryable", "mission_id", missionID, "stage", stageName, "error", stageErr)
	return FailedTransient, nil
}
