package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/queue"
	"opsline/internal/store"
)

var ErrInvalidPrompt = errors.New("invalid prompt")

const maxPromptLen = 4000

// Engine is the application façade: mission submission, reads, queue
// introspection and approval resolution. Transports call only this.
type Engine struct {
	Store store.Store
	Queue *queue.Queue
	Bus   *events.Bus
	Log   *zap.SugaredLogger
}

// SubmitMission validates the prompt, creates a pending mission and
// enqueues its execution. Everything after validation is asynchronous;
// callers observe progress by re-reading the mission.
func (e Engine) SubmitMission(ctx context.Context, prompt, actorID string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("%w: prompt is empty", ErrInvalidPrompt)
	}
	if len(prompt) > maxPromptLen {
		return "", fmt.Errorf("%w: prompt exceeds %d characters", ErrInvalidPrompt, maxPromptLen)
	}

	m, err := e.Store.Create(ctx, prompt, actorID)
	if err != nil {
		return "", err
	}
	if _, err := e.Queue.Enqueue(m.ID, prompt); err != nil {
		if _, ferr := e.Store.SetStatus(ctx, m.ID, domain.StatusFailed, actorID); ferr != nil {
			e.Log.Errorw("fail unenqueued mission", "mission_id", m.ID, "error", ferr)
		}
		return "", fmt.Errorf("enqueue mission %s: %w", m.ID, err)
	}
	return m.ID, nil
}

func (e Engine) GetMission(ctx context.Context, missionID string) (domain.MissionView, error) {
	return e.Store.GetView(ctx, missionID)
}

func (e Engine) ListMissions(ctx context.Context, status string, page, pageSize int) (domain.MissionPage, error) {
	return e.Store.List(ctx, status, page, pageSize)
}

func (e Engine) GetQueueStatus() queue.Status {
	return e.Queue.GetStatus()
}

func (e Engine) GetJob(jobID string) (queue.JobDetails, error) {
	return e.Queue.GetJob(jobID)
}

func (e Engine) ListEvents(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	return e.Store.ListEvents(ctx, after, limit)
}

// ResolveApproval settles a mission halted for operator approval.
// Approval completes the mission; rejection fails it.
func (e Engine) ResolveApproval(ctx context.Context, missionID string, approved bool, actorID string) (domain.MissionView, error) {
	m, err := e.Store.Get(ctx, missionID)
	if err != nil {
		return domain.MissionView{}, err
	}
	if m.Status != domain.StatusAwaitingApproval {
		return domain.MissionView{}, fmt.Errorf("%w: mission %s is %s, not %s",
			store.ErrIllegalTransition, missionID, m.Status, domain.StatusAwaitingApproval)
	}

	verdict := "rejected"
	target := domain.StatusFailed
	if approved {
		verdict = "approved"
		target = domain.StatusCompleted
	}
	msg := fmt.Sprintf("Remediation %s by %s", verdict, actorID)
	if _, err := e.Store.AppendStep(ctx, missionID, domain.StepAction, msg, nil, actorID); err != nil {
		return domain.MissionView{}, err
	}
	if _, err := e.Store.SetStatus(ctx, missionID, target, actorID); err != nil {
		return domain.MissionView{}, err
	}
	e.Log.Infow("approval resolved", "mission_id", missionID, "approved", approved, "actor", actorID)
	return e.Store.GetView(ctx, missionID)
}

// OnMissionEvent registers a transport callback for mission events.
func (e Engine) OnMissionEvent(fn func(missionID, kind string, payload map[string]any)) (stop func()) {
	return e.Bus.OnMissionEvent(fn)
}
