package opslinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Opsline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Step is one mission progress record.
type Step struct {
	ID             string  `json:"id"`
	MissionID      string  `json:"mission_id"`
	SequenceNumber int     `json:"sequence_number"`
	Type           string  `json:"type"`
	Message        string  `json:"message"`
	ArtifactRef    *string `json:"artifact_ref,omitempty"`
	TS             string  `json:"ts"`
}

// Mission is the API mission view.
type Mission struct {
	ID                  string  `json:"id"`
	Prompt              string  `json:"prompt"`
	Status              string  `json:"status"`
	Steps               []Step  `json:"steps"`
	RCASummary          *string `json:"rca_summary,omitempty"`
	RemediationProposal *string `json:"remediation_proposal,omitempty"`
	LatestArtifactRef   *string `json:"latest_artifact_ref,omitempty"`
	CreatedAt           string  `json:"created_at"`
	UpdatedAt           string  `json:"updated_at"`
}

// MissionSummary is the list-view projection.
type MissionSummary struct {
	ID        string `json:"id"`
	Prompt    string `json:"prompt"`
	Status    string `json:"status"`
	StepCount int    `json:"step_count"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// MissionPage is one page of mission summaries.
type MissionPage struct {
	Items    []MissionSummary `json:"items"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Total    int              `json:"total"`
}

// QueueStatus is the queue occupancy snapshot.
type QueueStatus struct {
	WaitingCount   int `json:"waiting_count"`
	ActiveCount    int `json:"active_count"`
	DelayedCount   int `json:"delayed_count"`
	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`
	MaxConcurrency int `json:"max_concurrency"`
}

// JobDetails is the introspection view of one queue job.
type JobDetails struct {
	JobID        string  `json:"job_id"`
	MissionID    string  `json:"mission_id"`
	State        string  `json:"state"`
	AttemptsMade int     `json:"attempts_made"`
	Position     *int    `json:"position,omitempty"`
	EnqueuedAt   string  `json:"enqueued_at"`
	ResumeAt     *string `json:"resume_at,omitempty"`
	LastError    string  `json:"last_error,omitempty"`
}

// Event is one event log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitMission submits a prompt and returns the mission id.
func (c *Client) SubmitMission(ctx context.Context, prompt string) (string, error) {
	var resp struct {
		MissionID string `json:"mission_id"`
	}
	err := c.do(ctx, http.MethodPost, "v0/missions", map[string]any{"prompt": prompt}, &resp)
	return resp.MissionID, err
}

// GetMission returns one mission with its steps.
func (c *Client) GetMission(ctx context.Context, missionID string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "v0/missions/"+url.PathEscape(missionID), nil, &resp)
	return resp, err
}

// ListMissions returns a page of mission summaries.
func (c *Client) ListMissions(ctx context.Context, status string, page, pageSize int) (MissionPage, error) {
	endpoint := fmt.Sprintf("v0/missions?page=%d&page_size=%d", page, pageSize)
	if status != "" {
		endpoint += "&status=" + url.QueryEscape(status)
	}
	var resp MissionPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResolveApproval approves or rejects a mission awaiting approval.
func (c *Client) ResolveApproval(ctx context.Context, missionID string, approved bool) (Mission, error) {
	var resp Mission
	endpoint := fmt.Sprintf("v0/missions/%s/approval", url.PathEscape(missionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"approved": approved}, &resp)
	return resp, err
}

// QueueStatus returns the queue occupancy snapshot.
func (c *Client) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var resp QueueStatus
	err := c.do(ctx, http.MethodGet, "v0/queue/status", nil, &resp)
	return resp, err
}

// GetJob returns queue job details.
func (c *Client) GetJob(ctx context.Context, jobID string) (JobDetails, error) {
	var resp JobDetails
	err := c.do(ctx, http.MethodGet, "v0/queue/jobs/"+url.PathEscape(jobID), nil, &resp)
	return resp, err
}

// Events returns up to limit events with id greater than after.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?after=%d&limit=%d", after, limit)
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
