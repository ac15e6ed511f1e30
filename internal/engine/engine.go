package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"fixline/internal/config"
	"fixline/internal/domain"
	"fixline/internal/events"
	"fixline/internal/findings"
	"fixline/internal/githost"
	"fixline/internal/reasoning"
	"fixline/internal/repo"
	"fixline/internal/sandbox"
)

var (
	ErrInvalid       = errors.New("invalid request")
	ErrLeaseHeld     = errors.New("lease already held")
	ErrSessionActive = errors.New("session is still active")
	ErrSessionDone   = errors.New("session already completed")
)

// SandboxRunner runs one generated test against one module.
type SandboxRunner interface {
	Run(ctx context.Context, in sandbox.Input) (sandbox.Result, error)
}

// Publisher talks to the git host. It may be nil when the engine runs
// without host access; sessions then rely on inline source code.
type Publisher interface {
	FetchFile(ctx context.Context, owner, repo, path string) (string, error)
	Publish(ctx context.Context, req githost.PublishRequest) (string, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Reasoner  reasoning.Client
	Sandbox   SandboxRunner
	Publisher Publisher
	Logger    hclog.Logger
	Now       func() time.Time
	OwnerID   string
}

func New(db *sql.DB, cfg *config.Config, r reasoning.Client, s SandboxRunner, p Publisher, logger hclog.Logger) Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "fixline"
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Reasoner:  r,
		Sandbox:   s,
		Publisher: p,
		Logger:    logger,
		Now:       time.Now,
		OwnerID:   fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StartOptions carry everything needed to open a session. Findings come
// from an external scanner; the engine never detects anything itself.
type StartOptions struct {
	RepoOwner string
	RepoName  string
	RepoURL   string
	Publish   bool
	MaxTasks  int
	// TotalFiles is how many files the scan covered. When it exceeds the
	// number of files with findings, the clean ones count as processed
	// from the start.
	TotalFiles int
	Findings   []domain.Finding
}

// StartSession validates findings, resolves their full module source and
// records the session with one detected task per finding, all in one
// transaction.
func (e Engine) StartSession(ctx context.Context, opts StartOptions) (domain.Session, error) {
	if e.Config == nil {
		return domain.Session{}, errors.New("config not loaded")
	}
	if opts.RepoOwner == "" || opts.RepoName == "" {
		return domain.Session{}, fmt.Errorf("%w: repo owner and name are required", ErrInvalid)
	}
	if len(opts.Findings) == 0 {
		return domain.Session{}, fmt.Errorf("%w: at least one finding is required", ErrInvalid)
	}

	normalized := make([]domain.Finding, 0, len(opts.Findings))
	for i, f := range opts.Findings {
		nf, err := findings.Normalize(f)
		if err != nil {
			return domain.Session{}, fmt.Errorf("%w: finding %d: %v", ErrInvalid, i, err)
		}
		normalized = append(normalized, nf)
	}
	normalized = findings.Dedup(normalized)

	maxTasks := e.Config.Engine.MaxTasks
	if opts.MaxTasks > 0 && opts.MaxTasks < maxTasks {
		maxTasks = opts.MaxTasks
	}
	if len(normalized) > maxTasks {
		e.Logger.Warn("capping session task count", "submitted", len(normalized), "max", maxTasks)
		normalized = normalized[:maxTasks]
	}

	accepted, skipped := e.resolveSources(ctx, opts.RepoOwner, opts.RepoName, normalized)
	if skipped > 0 {
		e.Logger.Warn("dropped findings without resolvable source", "count", skipped)
	}
	if len(accepted) == 0 {
		return domain.Session{}, fmt.Errorf("%w: no finding has resolvable source code", ErrInvalid)
	}

	findingFiles := distinctFiles(accepted)
	totalFiles := findingFiles
	if opts.TotalFiles > totalFiles {
		totalFiles = opts.TotalFiles
	}

	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Session{
		ID:                   uuid.New().String(),
		RepoOwner:            opts.RepoOwner,
		RepoName:             opts.RepoName,
		RepoURL:              opts.RepoURL,
		Status:               "pending",
		TotalFiles:           totalFiles,
		FilesProcessed:       totalFiles - findingFiles,
		VulnerabilitiesFound: len(accepted),
		TasksCreated:         len(accepted),
		Publish:              opts.Publish,
		StartedAt:            now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	for _, f := range accepted {
		t := domain.Task{
			ID:           uuid.New().String(),
			SessionID:    s.ID,
			Category:     f.Category,
			Severity:     f.Severity,
			FilePath:     f.FilePath,
			LineNumber:   f.LineNumber,
			Description:  f.Description,
			OriginalCode: f.OriginalCode,
			Status:       "detected",
			TestStatus:   "pending",
			FixStatus:    "pending",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return domain.Session{}, fmt.Errorf("insert task: %w", err)
		}
		if err := e.Events.Append(ctx, tx, t.ID, s.ID, "", "detected", 0, events.Payload{
			"category": t.Category,
			"severity": t.Severity,
			"file":     t.FilePath,
			"line":     t.LineNumber,
		}); err != nil {
			return domain.Session{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	e.Logger.Info("session started", "session", s.ID, "repo", s.RepoOwner+"/"+s.RepoName, "tasks", s.TasksCreated, "publish", s.Publish)
	return s, nil
}

// resolveSources fills each finding's OriginalCode with the full module
// source. Host content wins over whatever the finding carried; findings
// that end up without source are dropped.
func (e Engine) resolveSources(ctx context.Context, owner, repoName string, in []domain.Finding) ([]domain.Finding, int) {
	cache := map[string]string{}
	var out []domain.Finding
	skipped := 0
	for _, f := range in {
		if e.Publisher != nil {
			content, ok := cache[f.FilePath]
			if !ok {
				fetched, err := e.Publisher.FetchFile(ctx, owner, repoName, f.FilePath)
				if err != nil {
					e.Logger.Debug("fetch source failed", "file", f.FilePath, "error", err)
					cache[f.FilePath] = ""
				} else {
					cache[f.FilePath] = fetched
				}
				content = cache[f.FilePath]
			}
			if content != "" {
				f.OriginalCode = content
			}
		}
		if f.OriginalCode == "" {
			skipped++
			continue
		}
		out = append(out, f)
	}
	return out, skipped
}

func distinctFiles(in []domain.Finding) int {
	seen := map[string]struct{}{}
	for _, f := range in {
		seen[f.FilePath] = struct{}{}
	}
	return len(seen)
}

// Resume puts an interrupted session back into a runnable state. A completed
// session comes back untouched, so repeating a resume stays a no-op. Running
// sessions are only resumable once their checkpoint has gone stale.
func (e Engine) Resume(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	switch s.Status {
	case "completed":
		return s, nil
	case "running":
		if !e.StuckSession(s) {
			return s, ErrSessionActive
		}
	}
	if _, err := e.DB.ExecContext(ctx, `UPDATE sessions SET status='pending', error_message=NULL, completed_at=NULL WHERE id=?`, s.ID); err != nil {
		return s, err
	}
	s.Status = "pending"
	s.ErrorMessage = nil
	s.CompletedAt = nil
	e.Logger.Info("session resumed", "session", s.ID)
	return s, nil
}

// SetSessionPublish flips whether verified fixes go out as change
// requests. Completed sessions keep their record as is.
func (e Engine) SetSessionPublish(ctx context.Context, sessionID string, publish bool) error {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status == "completed" {
		return ErrSessionDone
	}
	if s.Publish == publish {
		return nil
	}
	return e.Repo.SetSessionPublish(ctx, sessionID, publish)
}

// StuckSession reports whether a running session has stopped making
// progress, judged by its last checkpoint age.
func (e Engine) StuckSession(s domain.Session) bool {
	if s.Status != "running" {
		return false
	}
	last := s.StartedAt
	if s.LastCheckpointAt != nil && *s.LastCheckpointAt != "" {
		last = *s.LastCheckpointAt
	}
	ts, err := time.Parse(time.RFC3339, last)
	if err != nil {
		return true
	}
	age := e.now().UTC().Sub(ts)
	return age > time.Duration(e.Config.Engine.StuckAfterSeconds)*time.Second
}

// StatusReport is a session with derived progress numbers.
type StatusReport struct {
	Session    domain.Session `json:"session"`
	Counts     map[string]int `json:"counts"`
	Remaining  int            `json:"remaining"`
	ETASeconds *int           `json:"eta_seconds,omitempty"`
	Stuck      bool           `json:"stuck"`
}

// SessionStatus returns per-status task counts and an ETA extrapolated
// from the observed completion rate.
func (e Engine) SessionStatus(ctx context.Context, sessionID string) (StatusReport, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return StatusReport{}, err
	}
	counts, err := e.Repo.CountTasksByStatus(ctx, sessionID)
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{Session: s, Counts: counts, Stuck: e.StuckSession(s)}

	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{SessionID: sessionID})
	if err != nil {
		return StatusReport{}, err
	}
	terminal := 0
	for _, t := range tasks {
		if domain.TerminalTask(t, s.Publish) {
			terminal++
		}
	}
	report.Remaining = len(tasks) - terminal
	if s.Status == "running" && terminal > 0 && report.Remaining > 0 {
		started, err := time.Parse(time.RFC3339, s.StartedAt)
		if err == nil {
			elapsed := e.now().UTC().Sub(started)
			if elapsed > 0 {
				eta := int(elapsed.Seconds() / float64(terminal) * float64(report.Remaining))
				report.ETASeconds = &eta
			}
		}
	}
	return report, nil
}

// ClaimLease takes an exclusive claim on a task. Expired leases are taken
// over; live leases owned by someone else refuse the claim.
func (e Engine) ClaimLease(ctx context.Context, taskID, ownerID string, leaseSeconds int) (domain.Lease, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return domain.Lease{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	newLease := domain.Lease{
		TaskID:     taskID,
		OwnerID:    ownerID,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(time.Duration(leaseSeconds) * time.Second).Format(time.RFC3339),
	}
	existing, err := e.Repo.GetLeaseTx(ctx, tx, taskID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Lease{}, err
	}
	if err == nil {
		exp, _ := time.Parse(time.RFC3339, existing.ExpiresAt)
		if now.Before(exp) && existing.OwnerID != ownerID {
			return domain.Lease{}, ErrLeaseHeld
		}
	}
	if err := e.Repo.UpsertLease(ctx, tx, newLease); err != nil {
		return domain.Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lease{}, err
	}
	return newLease, nil
}

func (e Engine) ReleaseLease(ctx context.Context, taskID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteLease(ctx, tx, taskID); err != nil {
		return err
	}
	return tx.Commit()
}
