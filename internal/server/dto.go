package server

import (
	"encoding/json"

	"fixline/internal/domain"
	"fixline/internal/engine"
)

// Request payloads

// FindingRequest carries one scanner verdict. Category and severity are
// normalized by the engine, so no schema enums here; mixed case is fine.
type FindingRequest struct {
	Category     string `json:"category"`
	Severity     string `json:"severity,omitempty"`
	FilePath     string `json:"file_path"`
	LineNumber   int    `json:"line_number" minimum:"1"`
	Description  string `json:"description,omitempty"`
	OriginalCode string `json:"original_code,omitempty"`
}

type StartSessionRequest struct {
	RepoOwner  string           `json:"repo_owner"`
	RepoName   string           `json:"repo_name"`
	RepoURL    string           `json:"repo_url,omitempty"`
	Publish    bool             `json:"publish,omitempty"`
	MaxTasks   int              `json:"max_tasks,omitempty" minimum:"0"`
	TotalFiles int              `json:"total_files,omitempty" minimum:"0"`
	Findings   []FindingRequest `json:"findings"`
}

type ProcessSessionRequest struct {
	Publish *bool `json:"publish,omitempty"`
}

type VerifyTaskRequest struct {
	Publish bool `json:"publish,omitempty"`
}

// Response payloads

type SessionProgress struct {
	TotalFiles     int     `json:"total_files"`
	FilesProcessed int     `json:"files_processed"`
	Percent        float64 `json:"percent"`
}

type SessionResults struct {
	VulnerabilitiesFound int `json:"vulnerabilities_found"`
	TasksCreated         int `json:"tasks_created"`
	PRsCreated           int `json:"prs_created"`
}

type SessionResponse struct {
	ID               string          `json:"id"`
	RepoOwner        string          `json:"repo_owner"`
	RepoName         string          `json:"repo_name"`
	RepoURL          string          `json:"repo_url,omitempty"`
	Status           string          `json:"status" enum:"pending,running,completed,failed"`
	Publish          bool            `json:"publish"`
	Progress         SessionProgress `json:"progress"`
	Results          SessionResults  `json:"results"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	StartedAt        string          `json:"started_at" format:"date-time"`
	LastCheckpointAt *string         `json:"last_checkpoint_at,omitempty" format:"date-time"`
	CompletedAt      *string         `json:"completed_at,omitempty" format:"date-time"`
}

// SessionStatusResponse is the full status report: the session plus live
// task counts and, while running, a throughput based completion estimate.
type SessionStatusResponse struct {
	Session    SessionResponse `json:"session"`
	TaskCounts map[string]int  `json:"task_counts"`
	Remaining  int             `json:"remaining"`
	ETASeconds *int            `json:"eta_seconds,omitempty"`
	Stuck      bool            `json:"stuck,omitempty"`
}

// TaskSummaryResponse is the list shape. Code artifacts stay out of it;
// fetch the task by id for those.
type TaskSummaryResponse struct {
	ID               string  `json:"id"`
	SessionID        string  `json:"session_id"`
	Category         string  `json:"category" enum:"sql_injection,xss,csrf,hardcoded_secret,command_injection,path_traversal,authentication_bypass,insecure_deserialization"`
	Severity         string  `json:"severity" enum:"critical,high,medium,low"`
	FilePath         string  `json:"file_path"`
	LineNumber       int     `json:"line_number"`
	Status           string  `json:"status" enum:"detected,test_generated,test_confirmed,fix_generated,fix_verified,pr_created,false_positive,exhausted"`
	TestStatus       string  `json:"test_status" enum:"pending,generated,passed,failed,error"`
	FixStatus        string  `json:"fix_status" enum:"pending,generated,verified,failed,pr_created,pr_failed"`
	RetryCount       int     `json:"retry_count"`
	ChangeRequestRef *string `json:"change_request_ref,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type TaskResponse struct {
	ID               string  `json:"id"`
	SessionID        string  `json:"session_id"`
	Category         string  `json:"category" enum:"sql_injection,xss,csrf,hardcoded_secret,command_injection,path_traversal,authentication_bypass,insecure_deserialization"`
	Severity         string  `json:"severity" enum:"critical,high,medium,low"`
	FilePath         string  `json:"file_path"`
	LineNumber       int     `json:"line_number"`
	Description      string  `json:"description,omitempty"`
	OriginalCode     string  `json:"original_code"`
	TestCode         *string `json:"test_code,omitempty"`
	FixCode          *string `json:"fix_code,omitempty"`
	FixExplanation   *string `json:"fix_explanation,omitempty"`
	Status           string  `json:"status" enum:"detected,test_generated,test_confirmed,fix_generated,fix_verified,pr_created,false_positive,exhausted"`
	TestStatus       string  `json:"test_status" enum:"pending,generated,passed,failed,error"`
	FixStatus        string  `json:"fix_status" enum:"pending,generated,verified,failed,pr_created,pr_failed"`
	RetryCount       int     `json:"retry_count"`
	LastDiagnostic   *string `json:"last_diagnostic,omitempty"`
	ChangeRequestRef *string `json:"change_request_ref,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
	VerifiedAt       *string `json:"verified_at,omitempty" format:"date-time"`
}

type TaskEventResponse struct {
	ID         int64          `json:"id"`
	TaskID     string         `json:"task_id"`
	SessionID  string         `json:"session_id,omitempty"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status"`
	Attempt    int            `json:"attempt"`
	Payload    map[string]any `json:"payload,omitempty"`
	TS         string         `json:"ts" format:"date-time"`
}

// AcceptedResponse is the 202 handle for asynchronous writes.
type AcceptedResponse struct {
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Status    string `json:"status"`
}

type paginatedSessions struct {
	Items      []SessionResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items      []TaskSummaryResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []TaskEventResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// Conversion helpers

func sessionResponse(s domain.Session) SessionResponse {
	percent := 0.0
	if s.TotalFiles > 0 {
		percent = float64(s.FilesProcessed) / float64(s.TotalFiles) * 100
	}
	return SessionResponse{
		ID:        s.ID,
		RepoOwner: s.RepoOwner,
		RepoName:  s.RepoName,
		RepoURL:   s.RepoURL,
		Status:    s.Status,
		Publish:   s.Publish,
		Progress: SessionProgress{
			TotalFiles:     s.TotalFiles,
			FilesProcessed: s.FilesProcessed,
			Percent:        percent,
		},
		Results: SessionResults{
			VulnerabilitiesFound: s.VulnerabilitiesFound,
			TasksCreated:         s.TasksCreated,
			PRsCreated:           s.PRsCreated,
		},
		ErrorMessage:     s.ErrorMessage,
		StartedAt:        s.StartedAt,
		LastCheckpointAt: s.LastCheckpointAt,
		CompletedAt:      s.CompletedAt,
	}
}

func sessionStatusResponse(r engine.StatusReport) SessionStatusResponse {
	return SessionStatusResponse{
		Session:    sessionResponse(r.Session),
		TaskCounts: r.Counts,
		Remaining:  r.Remaining,
		ETASeconds: r.ETASeconds,
		Stuck:      r.Stuck,
	}
}

func taskSummaryResponse(t domain.Task) TaskSummaryResponse {
	return TaskSummaryResponse{
		ID:               t.ID,
		SessionID:        t.SessionID,
		Category:         t.Category,
		Severity:         t.Severity,
		FilePath:         t.FilePath,
		LineNumber:       t.LineNumber,
		Status:           t.Status,
		TestStatus:       t.TestStatus,
		FixStatus:        t.FixStatus,
		RetryCount:       t.RetryCount,
		ChangeRequestRef: t.ChangeRequestRef,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:               t.ID,
		SessionID:        t.SessionID,
		Category:         t.Category,
		Severity:         t.Severity,
		FilePath:         t.FilePath,
		LineNumber:       t.LineNumber,
		Description:      t.Description,
		OriginalCode:     t.OriginalCode,
		TestCode:         t.TestCode,
		FixCode:          t.FixCode,
		FixExplanation:   t.FixExplanation,
		Status:           t.Status,
		TestStatus:       t.TestStatus,
		FixStatus:        t.FixStatus,
		RetryCount:       t.RetryCount,
		LastDiagnostic:   t.LastDiagnostic,
		ChangeRequestRef: t.ChangeRequestRef,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
		VerifiedAt:       t.VerifiedAt,
	}
}

func eventResponse(ev domain.TaskEvent) TaskEventResponse {
	return TaskEventResponse{
		ID:         ev.ID,
		TaskID:     ev.TaskID,
		SessionID:  ev.SessionID,
		FromStatus: ev.FromStatus,
		ToStatus:   ev.ToStatus,
		Attempt:    ev.Attempt,
		Payload:    decodeJSONMap(ev.Payload),
		TS:         ev.TS,
	}
}

func findingFromRequest(f FindingRequest) domain.Finding {
	return domain.Finding{
		Category:     f.Category,
		Severity:     f.Severity,
		FilePath:     f.FilePath,
		LineNumber:   f.LineNumber,
		Description:  f.Description,
		OriginalCode: f.OriginalCode,
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	return tmp
}
