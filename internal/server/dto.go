package server

type SubmitMissionRequest struct {
	Prompt string `json:"prompt" example:"Diagnose 500 errors on checkout"`
}

type SubmitMissionResponse struct {
	MissionID string `json:"mission_id"`
}

type ApprovalRequest struct {
	Approved bool `json:"approved"`
}
