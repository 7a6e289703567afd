package store

import (
	"context"
	"errors"
	"testing"

	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/events"
	"opsline/internal/migrate"
)

func newStore(t *testing.T) Store {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Store{DB: conn, Events: events.Writer{DB: conn}}
}

func TestCreateAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	m, err := s.Create(ctx, "Diagnose 500 errors", "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != domain.StatusPending {
		t.Fatalf("status = %s, want %s", m.Status, domain.StatusPending)
	}

	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Prompt != "Diagnose 500 errors" {
		t.Fatalf("prompt = %q", got.Prompt)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing = %v, want ErrNotFound", err)
	}
}

func TestAppendStepSequence(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m, err := s.Create(ctx, "p", "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		st, err := s.AppendStep(ctx, m.ID, domain.StepObservation, "step", nil, "tester")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if st.SequenceNumber != i+1 {
			t.Fatalf("sequence = %d, want %d", st.SequenceNumber, i+1)
		}
	}

	view, err := s.GetView(ctx, m.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	for i, st := range view.Steps {
		if st.SequenceNumber != i+1 {
			t.Fatalf("steps[%d].sequence = %d", i, st.SequenceNumber)
		}
	}
}

func TestAppendStepUnknownMission(t *testing.T) {
	s := newStore(t)
	_, err := s.AppendStep(context.Background(), "missing", domain.StepObservation, "x", nil, "tester")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, "p", "tester")

	if _, err := s.SetStatus(ctx, m.ID, domain.StatusCompleted, "tester"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("pending->completed = %v, want ErrIllegalTransition", err)
	}
	if _, err := s.SetStatus(ctx, m.ID, domain.StatusRunning, "tester"); err != nil {
		t.Fatalf("pending->running: %v", err)
	}
	if _, err := s.SetStatus(ctx, m.ID, domain.StatusAwaitingApproval, "tester"); err != nil {
		t.Fatalf("running->awaiting_approval: %v", err)
	}
	if _, err := s.SetStatus(ctx, m.ID, domain.StatusRunning, "tester"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("awaiting_approval->running = %v, want ErrIllegalTransition", err)
	}
	got, err := s.SetStatus(ctx, m.ID, domain.StatusCompleted, "tester")
	if err != nil {
		t.Fatalf("awaiting_approval->completed: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}

	if _, err := s.SetStatus(ctx, m.ID, domain.StatusFailed, "tester"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("completed->failed = %v, want ErrIllegalTransition", err)
	}
	if _, err := s.SetStatus(ctx, m.ID, "bogus", "tester"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("unknown status = %v, want ErrIllegalTransition", err)
	}
}

func TestPendingMissionCanFailDirectly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, "p", "tester")

	// A mission whose enqueue was refused fails without ever running.
	got, err := s.SetStatus(ctx, m.ID, domain.StatusFailed, "tester")
	if err != nil {
		t.Fatalf("pending->failed: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestTerminalMissionRejectsMutations(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, "p", "tester")
	if _, err := s.SetStatus(ctx, m.ID, domain.StatusRunning, "tester"); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := s.SetStatus(ctx, m.ID, domain.StatusFailed, "tester"); err != nil {
		t.Fatalf("to failed: %v", err)
	}

	if _, err := s.AppendStep(ctx, m.ID, domain.StepObservation, "late", nil, "tester"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("append on failed = %v, want ErrIllegalTransition", err)
	}
	if err := s.SetRCASummary(ctx, m.ID, "late", "tester"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("set rca on failed = %v, want ErrIllegalTransition", err)
	}
}

func TestEnsureRunningIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, "p", "tester")

	if err := s.EnsureRunning(ctx, m.ID, "tester"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := s.EnsureRunning(ctx, m.ID, "tester"); err != nil {
		t.Fatalf("second: %v", err)
	}
	got, _ := s.Get(ctx, m.ID)
	if got.Status != domain.StatusRunning {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestGetViewLatestArtifact(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, "p", "tester")

	first := "one.html"
	second := "two.html"
	if _, err := s.AppendStep(ctx, m.ID, domain.StepObservation, "a", &first, "tester"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.AppendStep(ctx, m.ID, domain.StepObservation, "b", &second, "tester"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.AppendStep(ctx, m.ID, domain.StepRCA, "c", nil, "tester"); err != nil {
		t.Fatalf("append: %v", err)
	}

	view, err := s.GetView(ctx, m.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.LatestArtifactRef == nil || *view.LatestArtifactRef != second {
		t.Fatalf("latest artifact = %v, want %s", view.LatestArtifactRef, second)
	}
}

func TestRCAAndRemediationFields(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, "p", "tester")

	if err := s.SetRCASummary(ctx, m.ID, "pool exhaustion", "tester"); err != nil {
		t.Fatalf("set rca: %v", err)
	}
	if err := s.SetRemediationProposal(ctx, m.ID, "restart service", "tester"); err != nil {
		t.Fatalf("set remediation: %v", err)
	}
	got, _ := s.Get(ctx, m.ID)
	if got.RCASummary == nil || *got.RCASummary != "pool exhaustion" {
		t.Fatalf("rca = %v", got.RCASummary)
	}
	if got.RemediationProposal == nil || *got.RemediationProposal != "restart service" {
		t.Fatalf("remediation = %v", got.RemediationProposal)
	}
}

func TestListMissions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var last string
	for i := 0; i < 5; i++ {
		m, err := s.Create(ctx, "p", "tester")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		last = m.ID
	}
	if _, err := s.SetStatus(ctx, last, domain.StatusRunning, "tester"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	page, err := s.List(ctx, "", 1, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 5 || len(page.Items) != 3 {
		t.Fatalf("total=%d items=%d, want 5/3", page.Total, len(page.Items))
	}

	page2, err := s.List(ctx, "", 2, 3)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page2.Items) != 2 {
		t.Fatalf("page 2 items = %d, want 2", len(page2.Items))
	}

	running, err := s.List(ctx, domain.StatusRunning, 1, 10)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if running.Total != 1 || running.Items[0].ID != last {
		t.Fatalf("running total=%d", running.Total)
	}

	if _, err := s.List(ctx, "bogus", 1, 10); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("bad filter = %v, want ErrInvalidFilter", err)
	}
}

func TestListEvents(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m, _ := s.Create(ctx, "p", "tester")
	if _, err := s.AppendStep(ctx, m.ID, domain.StepObservation, "a", nil, "tester"); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := s.ListEvents(ctx, 0, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("events = %d, want 2", len(all))
	}
	if all[0].Type != events.KindMissionSubmitted || all[1].Type != events.KindStepAppended {
		t.Fatalf("types = %s, %s", all[0].Type, all[1].Type)
	}

	tail, err := s.ListEvents(ctx, all[0].ID, 10)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(tail) != 1 || tail[0].ID != all[1].ID {
		t.Fatalf("tail = %+v", tail)
	}
}
