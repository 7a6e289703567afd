package domain

// Mission statuses.
const (
	StatusPending          = "pending"
	StatusRunning          = "running"
	StatusAwaitingApproval = "awaiting_approval"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
)

// IsTerminalStatus reports whether a mission status admits no further transitions.
func IsTerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidStatus reports whether s names a known mission status.
func IsValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingApproval, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Step types.
const (
	StepObservation = "observation"
	StepAction      = "action"
	StepRCA         = "rca"
	StepRemediation = "remediation"
)

type Mission struct {
	ID                  string  `json:"id"`
	Prompt              string  `json:"prompt"`
	Status              string  `json:"status" enum:"pending,running,awaiting_approval,completed,failed"`
	RCASummary          *string `json:"rca_summary,omitempty"`
	RemediationProposal *string `json:"remediation_proposal,omitempty"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

type Step struct {
	ID             string  `json:"id"`
	MissionID      string  `json:"mission_id"`
	SequenceNumber int     `json:"sequence_number"`
	Type           string  `json:"type" enum:"observation,action,rca,remediation"`
	Message        string  `json:"message"`
	ArtifactRef    *string `json:"artifact_ref,omitempty"`
	TS             string  `json:"ts" format:"date-time"`
}

// MissionView is the externally consumable projection of one mission.
type MissionView struct {
	ID                  string  `json:"id"`
	Prompt              string  `json:"prompt"`
	Status              string  `json:"status" enum:"pending,running,awaiting_approval,completed,failed"`
	Steps               []Step  `json:"steps"`
	RCASummary          *string `json:"rca_summary,omitempty"`
	RemediationProposal *string `json:"remediation_proposal,omitempty"`
	LatestArtifactRef   *string `json:"latest_artifact_ref,omitempty"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

type MissionSummary struct {
	ID        string `json:"id"`
	Prompt    string `json:"prompt"`
	Status    string `json:"status" enum:"pending,running,awaiting_approval,completed,failed"`
	StepCount int    `json:"step_count"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// MissionPage is one page of mission summaries, offset-paginated,
// ordered by created_at descending.
type MissionPage struct {
	Items    []MissionSummary `json:"items"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Total    int              `json:"total"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
