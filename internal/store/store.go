package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opsline/internal/domain"
	"opsline/internal/events"
)

var (
	ErrNotFound          = errors.New("mission not found")
	ErrIllegalTransition = errors.New("illegal mission transition")
	ErrInvalidFilter     = errors.New("invalid list filter")
)

// Store owns all mission reads and writes. Every mutation runs in one
// transaction together with its event log append, so the log never
// disagrees with mission state.
type Store struct {
	DB     *sql.DB
	Events events.Writer
	Bus    *events.Bus
	Now    func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) publish(missionID, kind string, payload map[string]any) {
	if s.Bus != nil {
		s.Bus.Publish(missionID, kind, payload)
	}
}

// transitionAllowed is the mission status transition table. Terminal
// statuses have no outgoing edges.
func transitionAllowed(from, to string) bool {
	switch from {
	case domain.StatusPending:
		return to == domain.StatusRunning || to == domain.StatusFailed
	case domain.StatusRunning:
		return to == domain.StatusCompleted || to == domain.StatusFailed || to == domain.StatusAwaitingApproval
	case domain.StatusAwaitingApproval:
		return to == domain.StatusCompleted || to == domain.StatusFailed
	}
	return false
}

// Create inserts a new pending mission.
func (s Store) Create(ctx context.Context, prompt, actorID string) (domain.Mission, error) {
	now := s.now().UTC().Format(time.RFC3339)
	m := domain.Mission{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO missions(id,prompt,status,created_at,updated_at) VALUES (?,?,?,?,?)`,
		m.ID, m.Prompt, m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	err = s.Events.Append(ctx, tx, events.KindMissionSubmitted, m.ID, "mission", m.ID, actorID, events.EventPayload{
		"prompt": m.Prompt,
	})
	if err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	s.publish(m.ID, events.KindMissionSubmitted, map[string]any{"prompt": m.Prompt})
	return m, nil
}

// Get returns one mission by id.
func (s Store) Get(ctx context.Context, id string) (domain.Mission, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id,prompt,status,rca_summary,remediation_proposal,created_at,updated_at FROM missions WHERE id=?`, id)
	return scanMission(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (domain.Mission, error) {
	var m domain.Mission
	var rca, remediation sql.NullString
	err := row.Scan(&m.ID, &m.Prompt, &m.Status, &rca, &remediation, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Mission{}, ErrNotFound
	}
	if err != nil {
		return domain.Mission{}, err
	}
	if rca.Valid {
		m.RCASummary = &rca.String
	}
	if remediation.Valid {
		m.RemediationProposal = &remediation.String
	}
	return m, nil
}

// GetView returns a mission with its ordered steps and the artifact
// reference of the most recent step that produced one.
func (s Store) GetView(ctx context.Context, id string) (domain.MissionView, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return domain.MissionView{}, err
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,mission_id,sequence_number,type,message,artifact_ref,ts FROM mission_steps WHERE mission_id=? ORDER BY sequence_number`, id)
	if err != nil {
		return domain.MissionView{}, err
	}
	defer rows.Close()

	view := domain.MissionView{
		ID:                  m.ID,
		Prompt:              m.Prompt,
		Status:              m.Status,
		Steps:               []domain.Step{},
		RCASummary:          m.RCASummary,
		RemediationProposal: m.RemediationProposal,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
	for rows.Next() {
		var st domain.Step
		var artifact sql.NullString
		if err := rows.Scan(&st.ID, &st.MissionID, &st.SequenceNumber, &st.Type, &st.Message, &artifact, &st.TS); err != nil {
			return domain.MissionView{}, err
		}
		if artifact.Valid {
			st.ArtifactRef = &artifact.String
			view.LatestArtifactRef = &artifact.String
		}
		view.Steps = append(view.Steps, st)
	}
	return view, rows.Err()
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// List returns a page of mission summaries, newest first. An empty
// status means no filter.
func (s Store) List(ctx context.Context, status string, page, pageSize int) (domain.MissionPage, error) {
	if status != "" && !domain.IsValidStatus(status) {
		return domain.MissionPage{}, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, status)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	where := ""
	args := []any{}
	if status != "" {
		where = " WHERE m.status=?"
		args = append(args, status)
	}

	var total int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM missions m`+where, args...).Scan(&total)
	if err != nil {
		return domain.MissionPage{}, err
	}

	query := `SELECT m.id,m.prompt,m.status,m.created_at,m.updated_at,
		(SELECT COUNT(*) FROM mission_steps st WHERE st.mission_id=m.id) AS step_count
		FROM missions m` + where + ` ORDER BY m.created_at DESC, m.id LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.MissionPage{}, err
	}
	defer rows.Close()

	result := domain.MissionPage{Items: []domain.MissionSummary{}, Page: page, PageSize: pageSize, Total: total}
	for rows.Next() {
		var sm domain.MissionSummary
		if err := rows.Scan(&sm.ID, &sm.Prompt, &sm.Status, &sm.CreatedAt, &sm.UpdatedAt, &sm.StepCount); err != nil {
			return domain.MissionPage{}, err
		}
		result.Items = append(result.Items, sm)
	}
	return result, rows.Err()
}

// AppendStep records a step with the next sequence number. Steps are
// refused once the mission is terminal.
func (s Store) AppendStep(ctx context.Context, missionID, stepType, message string, artifactRef *string, actorID string) (domain.Step, error) {
	now := s.now().UTC().Format(time.RFC3339)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Step{}, err
	}
	defer tx.Rollback()

	status, err := missionStatus(ctx, tx, missionID)
	if err != nil {
		return domain.Step{}, err
	}
	if domain.IsTerminalStatus(status) {
		return domain.Step{}, fmt.Errorf("%w: mission %s is %s, cannot append step", ErrIllegalTransition, missionID, status)
	}

	var seq int
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence_number),0)+1 FROM mission_steps WHERE mission_id=?`, missionID).Scan(&seq)
	if err != nil {
		return domain.Step{}, err
	}

	st := domain.Step{
		ID:             uuid.NewString(),
		MissionID:      missionID,
		SequenceNumber: seq,
		Type:           stepType,
		Message:        message,
		ArtifactRef:    artifactRef,
		TS:             now,
	}
	var artifact any
	if artifactRef != nil {
		artifact = *artifactRef
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO mission_steps(id,mission_id,sequence_number,type,message,artifact_ref,ts) VALUES (?,?,?,?,?,?,?)`,
		st.ID, st.MissionID, st.SequenceNumber, st.Type, st.Message, artifact, st.TS)
	if err != nil {
		return domain.Step{}, fmt.Errorf("insert step: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE missions SET updated_at=? WHERE id=?`, now, missionID); err != nil {
		return domain.Step{}, err
	}
	err = s.Events.Append(ctx, tx, events.KindStepAppended, missionID, "step", st.ID, actorID, events.EventPayload{
		"sequence_number": seq,
		"type":            stepType,
	})
	if err != nil {
		return domain.Step{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Step{}, err
	}
	s.publish(missionID, events.KindStepAppended, map[string]any{
		"sequence_number": seq,
		"type":            stepType,
		"message":         message,
	})
	return st, nil
}

// SetStatus moves a mission along the transition table.
func (s Store) SetStatus(ctx context.Context, missionID, to, actorID string) (domain.Mission, error) {
	if !domain.IsValidStatus(to) {
		return domain.Mission{}, fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, to)
	}
	now := s.now().UTC().Format(time.RFC3339)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	from, err := missionStatus(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if !transitionAllowed(from, to) {
		return domain.Mission{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE missions SET status=?, updated_at=? WHERE id=?`, to, now, missionID); err != nil {
		return domain.Mission{}, err
	}
	err = s.Events.Append(ctx, tx, events.KindStatusChanged, missionID, "mission", missionID, actorID, events.EventPayload{
		"from": from,
		"to":   to,
	})
	if err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	s.publish(missionID, events.KindStatusChanged, map[string]any{"from": from, "to": to})
	return s.Get(ctx, missionID)
}

// EnsureRunning moves a pending mission to running. A mission already
// running (a retry attempt) is left as is.
func (s Store) EnsureRunning(ctx context.Context, missionID, actorID string) error {
	m, err := s.Get(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status == domain.StatusRunning {
		return nil
	}
	_, err = s.SetStatus(ctx, missionID, domain.StatusRunning, actorID)
	return err
}

// SetRCASummary records root cause analysis text on a live mission.
func (s Store) SetRCASummary(ctx context.Context, missionID, summary, actorID string) error {
	return s.setField(ctx, missionID, "rca_summary", summary, actorID)
}

// SetRemediationProposal records the proposed remediation on a live mission.
func (s Store) SetRemediationProposal(ctx context.Context, missionID, proposal, actorID string) error {
	return s.setField(ctx, missionID, "remediation_proposal", proposal, actorID)
}

func (s Store) setField(ctx context.Context, missionID, column, value, actorID string) error {
	now := s.now().UTC().Format(time.RFC3339)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status, err := missionStatus(ctx, tx, missionID)
	if err != nil {
		return err
	}
	if domain.IsTerminalStatus(status) {
		return fmt.Errorf("%w: mission %s is %s", ErrIllegalTransition, missionID, status)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE missions SET %s=?, updated_at=? WHERE id=?`, column), value, now, missionID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEvents returns up to limit events with id greater than after, in
// id order. This backs the polling transport.
func (s Store) ListEvents(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	if limit < 1 || limit > maxPageSize {
		limit = maxPageSize
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,ts,type,mission_id,entity_id,entity_kind,actor_id,payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`,
		after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var missionID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &missionID, &entityID, &e.EntityKind, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.MissionID = missionID.String
		e.EntityID = entityID.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func missionStatus(ctx context.Context, tx *sql.Tx, missionID string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM missions WHERE id=?`, missionID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return status, err
}
