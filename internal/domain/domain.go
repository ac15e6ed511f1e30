package domain

type Session struct {
	ID                   string  `json:"id"`
	RepoOwner            string  `json:"repo_owner"`
	RepoName             string  `json:"repo_name"`
	RepoURL              string  `json:"repo_url,omitempty"`
	Status               string  `json:"status" enum:"pending,running,completed,failed"`
	TotalFiles           int     `json:"total_files"`
	FilesProcessed       int     `json:"files_processed"`
	VulnerabilitiesFound int     `json:"vulnerabilities_found"`
	TasksCreated         int     `json:"tasks_created"`
	PRsCreated           int     `json:"prs_created"`
	Publish              bool    `json:"publish"`
	ErrorMessage         *string `json:"error_message,omitempty"`
	StartedAt            string  `json:"started_at" format:"date-time"`
	LastCheckpointAt     *string `json:"last_checkpoint_at,omitempty" format:"date-time"`
	CompletedAt          *string `json:"completed_at,omitempty" format:"date-time"`
}

type Task struct {
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

type Finding struct {
	Category     string `json:"category"`
	Severity     string `json:"severity" enum:"critical,high,medium,low"`
	FilePath     string `json:"file_path"`
	LineNumber   int    `json:"line_number"`
	Description  string `json:"description,omitempty"`
	OriginalCode string `json:"original_code"`
}

type TaskEvent struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	SessionID  string `json:"session_id,omitempty"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Attempt    int    `json:"attempt"`
	Payload    string `json:"payload_json"`
	TS         string `json:"ts" format:"date-time"`
}

type Lease struct {
	TaskID     string `json:"task_id"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

// TerminalTask reports whether a task needs no further processing.
// A verified fix counts as terminal unless a change request is still wanted
// and has not been attempted yet.
func TerminalTask(t Task, publish bool) bool {
	switch t.Status {
	case "pr_created", "false_positive", "exhausted":
		return true
	case "fix_verified":
		if !publish {
			return true
		}
		return t.FixStatus == "pr_created" || t.FixStatus == "pr_failed"
	}
	return false
}

// Categories lists the vulnerability categories the engine accepts.
func Categories() []string {
	return []string{
		"sql_injection",
		"xss",
		"csrf",
		"hardcoded_secret",
		"command_injection",
		"path_traversal",
		"authentication_bypass",
		"insecure_deserialization",
	}
}

// Severities lists accepted severity levels, highest first.
func Severities() []string {
	return []string{"critical", "high", "medium", "low"}
}
