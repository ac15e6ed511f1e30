package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"fixline/internal/domain"
	"fixline/internal/events"
	"fixline/internal/githost"
	"fixline/internal/reasoning"
	"fixline/internal/repo"
	"fixline/internal/sandbox"
)

// eventClip bounds how much sandbox or gateway output lands in one event row.
const eventClip = 2000

// ensureTaskTransition rejects any status move outside the pipeline.
// Failed generation attempts keep their status while the retry counter
// moves, so same-status writes never come through here; sandbox run errors
// step back to the stage that regenerates the artifact.
func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "detected":
		if newStatus == "test_generated" || newStatus == "exhausted" {
			return nil
		}
	case "test_generated":
		if newStatus == "test_confirmed" || newStatus == "false_positive" || newStatus == "detected" || newStatus == "exhausted" {
			return nil
		}
	case "test_confirmed":
		if newStatus == "fix_generated" || newStatus == "exhausted" {
			return nil
		}
	case "fix_generated":
		if newStatus == "fix_verified" || newStatus == "test_confirmed" || newStatus == "exhausted" {
			return nil
		}
	case "fix_verified":
		if newStatus == "pr_created" {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// ProcessTask drives one task to a terminal state under an exclusive lease.
// Every stage commits the task row and its event in one transaction before
// the next external call starts, so a crash never loses paid-for work.
func (e Engine) ProcessTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	s, err := e.Repo.GetSession(ctx, t.SessionID)
	if err != nil {
		return t, err
	}
	if domain.TerminalTask(t, s.Publish) {
		return t, nil
	}
	if _, err := e.ClaimLease(ctx, t.ID, e.OwnerID, e.Config.Engine.LeaseSeconds); err != nil {
		return t, err
	}
	defer func() {
		_ = e.ReleaseLease(context.Background(), t.ID)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return t, err
		}
		t, err = e.Repo.GetTask(ctx, taskID)
		if err != nil {
			return t, err
		}
		if domain.TerminalTask(t, s.Publish) {
			return t, nil
		}
		var stepErr error
		switch t.Status {
		case "detected":
			stepErr = e.stepGenerateTest(ctx, s, &t)
		case "test_generated":
			stepErr = e.stepConfirmTest(ctx, s, &t)
		case "test_confirmed":
			stepErr = e.stepGenerateFix(ctx, s, &t)
		case "fix_generated":
			stepErr = e.stepVerifyFix(ctx, s, &t)
		case "fix_verified":
			stepErr = e.stepPublish(ctx, s, &t)
		default:
			return t, fmt.Errorf("task %s in unexpected status %s", t.ID, t.Status)
		}
		if stepErr != nil {
			return t, stepErr
		}
	}
}

func (e Engine) taskRequest(t domain.Task) reasoning.Request {
	req := reasoning.Request{
		Category:    t.Category,
		Severity:    t.Severity,
		FilePath:    t.FilePath,
		LineNumber:  t.LineNumber,
		Description: t.Description,
		SourceCode:  t.OriginalCode,
		ModuleName:  sandbox.ModuleName(t.FilePath),
	}
	if t.TestCode != nil {
		req.TestCode = *t.TestCode
	}
	if t.LastDiagnostic != nil {
		req.Diagnostic = *t.LastDiagnostic
	}
	return req
}

func (e Engine) stepGenerateTest(ctx context.Context, s domain.Session, t *domain.Task) error {
	testCode, err := e.Reasoner.ProveVulnerability(ctx, e.taskRequest(*t))
	if err != nil {
		return e.recordAttemptFailure(ctx, s, t, "generate_test", err.Error(), err)
	}
	from := t.Status
	t.TestCode = &testCode
	t.TestStatus = "generated"
	t.Status = "test_generated"
	e.Logger.Debug("proof test generated", "task", t.ID, "attempt", t.RetryCount)
	return e.commitTask(ctx, s, t, from, events.Payload{"test_sha256": shaOf(testCode)})
}

func (e Engine) stepConfirmTest(ctx context.Context, s domain.Session, t *domain.Task) error {
	res, err := e.Sandbox.Run(ctx, sandbox.Input{
		SourceCode: t.OriginalCode,
		TestCode:   *t.TestCode,
		FileName:   t.FilePath,
	})
	if err != nil {
		return fmt.Errorf("confirm test for task %s: %w", t.ID, err)
	}
	from := t.Status
	payload := sandboxPayload(res, *t.TestCode)
	switch res.Outcome {
	case "fail":
		// The proof test asserts safe behavior, so it must fail while the
		// vulnerability is still in place.
		t.Status = "test_confirmed"
		t.TestStatus = "failed"
		e.Logger.Info("vulnerability confirmed", "task", t.ID, "file", t.FilePath)
	case "pass":
		t.Status = "false_positive"
		t.TestStatus = "passed"
		e.Logger.Info("finding dismissed as false positive", "task", t.ID, "file", t.FilePath)
	default:
		// A run error says nothing about the finding. Regenerate the test
		// with the sandbox output as context.
		t.TestStatus = "error"
		if e.spendRetry(t, res.Output) {
			t.Status = "detected"
			e.Logger.Warn("sandbox error, regenerating test", "task", t.ID, "attempt", t.RetryCount)
		} else {
			t.Status = "exhausted"
			e.Logger.Warn("retry budget exhausted", "task", t.ID, "op", "confirm_test")
		}
	}
	return e.commitTask(ctx, s, t, from, payload)
}

func (e Engine) stepGenerateFix(ctx context.Context, s domain.Session, t *domain.Task) error {
	fix, err := e.Reasoner.GenerateFix(ctx, e.taskRequest(*t))
	if err != nil {
		return e.recordAttemptFailure(ctx, s, t, "generate_fix", err.Error(), err)
	}
	from := t.Status
	t.FixCode = &fix.Code
	if fix.Explanation != "" {
		t.FixExplanation = &fix.Explanation
	}
	t.FixStatus = "generated"
	t.Status = "fix_generated"
	e.Logger.Debug("fix generated", "task", t.ID, "attempt", t.RetryCount)
	return e.commitTask(ctx, s, t, from, events.Payload{"fix_sha256": shaOf(fix.Code)})
}

// stepVerifyFix reruns the byte-identical proof test against the fixed
// module. The fix holds only when the test now passes.
func (e Engine) stepVerifyFix(ctx context.Context, s domain.Session, t *domain.Task) error {
	res, err := e.Sandbox.Run(ctx, sandbox.Input{
		SourceCode: *t.FixCode,
		TestCode:   *t.TestCode,
		FileName:   t.FilePath,
	})
	if err != nil {
		return fmt.Errorf("verify fix for task %s: %w", t.ID, err)
	}
	from := t.Status
	payload := sandboxPayload(res, *t.TestCode)
	switch res.Outcome {
	case "pass":
		now := e.now().UTC().Format(time.RFC3339)
		t.Status = "fix_verified"
		t.TestStatus = "passed"
		t.FixStatus = "verified"
		t.VerifiedAt = &now
		e.Logger.Info("fix verified", "task", t.ID, "file", t.FilePath)
	case "fail":
		t.FixStatus = "failed"
		diagnostic := "proof test still fails against the fix:\n" + res.Output
		if e.spendRetry(t, diagnostic) {
			t.Status = "test_confirmed"
			e.Logger.Warn("fix rejected, regenerating", "task", t.ID, "attempt", t.RetryCount)
		} else {
			t.Status = "exhausted"
			e.Logger.Warn("retry budget exhausted", "task", t.ID, "op", "verify_fix")
		}
	default:
		t.TestStatus = "error"
		t.FixStatus = "failed"
		if e.spendRetry(t, res.Output) {
			t.Status = "test_confirmed"
			e.Logger.Warn("sandbox error, regenerating fix", "task", t.ID, "attempt", t.RetryCount)
		} else {
			t.Status = "exhausted"
			e.Logger.Warn("retry budget exhausted", "task", t.ID, "op", "verify_fix")
		}
	}
	return e.commitTask(ctx, s, t, from, payload)
}

func (e Engine) stepPublish(ctx context.Context, s domain.Session, t *domain.Task) error {
	from := t.Status
	if e.Publisher == nil {
		t.FixStatus = "pr_failed"
		d := "publishing unavailable: no git host client configured"
		t.LastDiagnostic = &d
		return e.commitTask(ctx, s, t, from, events.Payload{"op": "publish", "error": d})
	}
	url, err := e.Publisher.Publish(ctx, githost.PublishRequest{
		Owner:       s.RepoOwner,
		Repo:        s.RepoName,
		TaskID:      t.ID,
		Category:    t.Category,
		Severity:    t.Severity,
		FilePath:    t.FilePath,
		LineNumber:  t.LineNumber,
		FixedCode:   *t.FixCode,
		Explanation: stringValue(t.FixExplanation),
		Description: t.Description,
	})
	if err != nil {
		// A failed publish is terminal. The verified fix stays on record.
		t.FixStatus = "pr_failed"
		d := clip(err.Error())
		t.LastDiagnostic = &d
		e.Logger.Warn("publish failed, keeping verified fix", "task", t.ID, "error", err)
		return e.commitTask(ctx, s, t, from, events.Payload{"op": "publish", "error": d})
	}
	t.Status = "pr_created"
	t.FixStatus = "pr_created"
	t.ChangeRequestRef = &url
	e.Logger.Info("pull request opened", "task", t.ID, "url", url)
	return e.commitTask(ctx, s, t, from, events.Payload{"pr_url": url})
}

// recordAttemptFailure spends one retry or exhausts the task. Fatal gateway
// failures bubble up untouched so the whole session halts.
func (e Engine) recordAttemptFailure(ctx context.Context, s domain.Session, t *domain.Task, op, diagnostic string, cause error) error {
	if cause != nil && reasoning.IsFatal(cause) {
		return cause
	}
	from := t.Status
	payload := events.Payload{"op": op, "error": clip(diagnostic)}
	if e.spendRetry(t, diagnostic) {
		e.Logger.Warn("attempt failed, retrying", "task", t.ID, "op", op, "attempt", t.RetryCount)
	} else {
		t.Status = "exhausted"
		e.Logger.Warn("retry budget exhausted", "task", t.ID, "op", op)
	}
	return e.commitTask(ctx, s, t, from, payload)
}

// spendRetry consumes one attempt and stores the diagnostic for the next
// prompt. Reports whether budget remains.
func (e Engine) spendRetry(t *domain.Task, diagnostic string) bool {
	t.RetryCount++
	d := clip(diagnostic)
	t.LastDiagnostic = &d
	return t.RetryCount <= e.Config.Engine.RetryMax
}

// commitTask writes the task row and its transition event in one
// transaction, validating the move and folding terminal bookkeeping into
// the same commit.
func (e Engine) commitTask(ctx context.Context, s domain.Session, t *domain.Task, fromStatus string, payload events.Payload) error {
	if fromStatus != t.Status {
		if err := ensureTaskTransition(fromStatus, t.Status); err != nil {
			return err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Refuse to clobber a row another worker moved, say after a lease takeover.
	current, err := e.Repo.GetTaskTx(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if current.Status != fromStatus {
		return fmt.Errorf("task %s moved to %s underneath this worker", t.ID, current.Status)
	}

	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTask(ctx, tx, *t); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if err := e.Events.Append(ctx, tx, t.ID, t.SessionID, fromStatus, t.Status, t.RetryCount, payload); err != nil {
		return err
	}
	if t.Status == "pr_created" && current.Status != "pr_created" {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET prs_created = prs_created + 1 WHERE id=?`, s.ID); err != nil {
			return err
		}
	}
	if domain.TerminalTask(*t, s.Publish) && !domain.TerminalTask(current, s.Publish) {
		if err := e.settleTask(ctx, tx, s, *t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// settleTask moves the session's file counter when a task enters a terminal
// state and no open sibling shares the file.
func (e Engine) settleTask(ctx context.Context, tx *sql.Tx, s domain.Session, t domain.Task) error {
	rows, err := tx.QueryContext(ctx, `SELECT status, fix_status FROM tasks WHERE session_id=? AND file_path=? AND id<>?`, s.ID, t.FilePath, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	fileDone := true
	for rows.Next() {
		var status, fixStatus string
		if err := rows.Scan(&status, &fixStatus); err != nil {
			return err
		}
		if !domain.TerminalTask(domain.Task{Status: status, FixStatus: fixStatus}, s.Publish) {
			fileDone = false
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if fileDone {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET files_processed = MIN(total_files, files_processed + 1) WHERE id=?`, s.ID); err != nil {
			return err
		}
	}
	return nil
}

// Summary is what a finished processing run reports.
type Summary struct {
	SessionID      string `json:"session_id"`
	Settled        int    `json:"settled"`
	Verified       int    `json:"verified"`
	PRsCreated     int    `json:"prs_created"`
	FalsePositives int    `json:"false_positives"`
	Exhausted      int    `json:"exhausted"`
}

// ProcessAll drains every open task of a session with a bounded worker
// pool. The first fatal error cancels the pool and fails the session;
// tasks leased elsewhere are skipped.
func (e Engine) ProcessAll(ctx context.Context, sessionID string) (Summary, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	switch s.Status {
	case "completed":
		// Everything already settled; report the stored outcome.
		return e.sessionSummary(ctx, sessionID)
	case "running":
		if !e.StuckSession(s) {
			return Summary{}, ErrSessionActive
		}
	}
	if err := e.Repo.UpdateSessionStatus(ctx, sessionID, "running"); err != nil {
		return Summary{}, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	_ = e.Repo.CheckpointSession(ctx, sessionID, nowStr)

	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{SessionID: sessionID})
	if err != nil {
		return Summary{}, err
	}
	var open []string
	for _, t := range tasks {
		if !domain.TerminalTask(t, s.Publish) {
			open = append(open, t.ID)
		}
	}
	e.Logger.Info("processing session", "session", sessionID, "open", len(open), "workers", e.Config.Engine.Workers)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := e.Config.Engine.Workers
	if workers < 1 {
		workers = 1
	}
	guard := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var haltErr error
	settled := 0

	for _, id := range open {
		if runCtx.Err() != nil {
			break
		}
		guard <- struct{}{}
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			defer func() { <-guard }()
			if runCtx.Err() != nil {
				return
			}
			_, err := e.ProcessTask(runCtx, taskID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, ErrLeaseHeld) {
					e.Logger.Debug("task leased elsewhere, skipping", "task", taskID)
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				if haltErr == nil {
					haltErr = err
					cancel()
				}
				return
			}
			settled++
			if every := e.Config.Engine.CheckpointEvery; every > 0 && settled%every == 0 {
				ts := e.now().UTC().Format(time.RFC3339)
				if err := e.Repo.CheckpointSession(context.Background(), sessionID, ts); err != nil {
					e.Logger.Error("checkpoint failed", "session", sessionID, "error", err)
				} else {
					e.Logger.Info("checkpoint", "session", sessionID, "settled", settled, "open", len(open)-settled)
				}
			}
		}(id)
	}
	wg.Wait()

	endStr := e.now().UTC().Format(time.RFC3339)
	if haltErr != nil {
		if err := e.Repo.MarkSessionFailed(context.Background(), sessionID, haltErr.Error(), endStr); err != nil {
			e.Logger.Error("marking session failed", "session", sessionID, "error", err)
		}
		e.Logger.Error("session halted", "session", sessionID, "error", haltErr)
		return Summary{SessionID: sessionID}, haltErr
	}
	sum, err := e.sessionSummary(context.Background(), sessionID)
	if err != nil {
		return sum, err
	}
	remaining, err := e.openTaskCount(context.Background(), sessionID, s.Publish)
	if err != nil {
		return sum, err
	}
	if remaining > 0 {
		// Tasks leased elsewhere or cut off by cancellation stay open. The
		// session goes back to pending so a later run can pick them up.
		if err := e.Repo.UpdateSessionStatus(context.Background(), sessionID, "pending"); err != nil {
			e.Logger.Error("resetting session status", "session", sessionID, "error", err)
		}
		e.Logger.Warn("session left pending", "session", sessionID, "remaining", remaining)
		return sum, ctx.Err()
	}
	if err := e.Repo.MarkSessionCompleted(context.Background(), sessionID, endStr); err != nil {
		return sum, err
	}
	e.Logger.Info("session completed", "session", sessionID,
		"verified", sum.Verified, "prs", sum.PRsCreated,
		"false_positives", sum.FalsePositives, "exhausted", sum.Exhausted)
	return sum, nil
}

func (e Engine) openTaskCount(ctx context.Context, sessionID string, publish bool) (int, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{SessionID: sessionID})
	if err != nil {
		return 0, err
	}
	open := 0
	for _, t := range tasks {
		if !domain.TerminalTask(t, publish) {
			open++
		}
	}
	return open, nil
}

func (e Engine) sessionSummary(ctx context.Context, sessionID string) (Summary, error) {
	counts, err := e.Repo.CountTasksByStatus(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{SessionID: sessionID}
	sum.PRsCreated = counts["pr_created"]
	sum.FalsePositives = counts["false_positive"]
	sum.Exhausted = counts["exhausted"]
	sum.Verified = counts["fix_verified"] + counts["pr_created"]
	sum.Settled = sum.PRsCreated + sum.FalsePositives + sum.Exhausted + counts["fix_verified"]
	return sum, nil
}

// CanVerify reports whether VerifyTask has anything to do for the task:
// either a generated fix awaiting its sandbox run, or a verified fix that
// still wants a change request.
func CanVerify(t domain.Task, publish bool) bool {
	switch {
	case t.Status == "fix_generated":
		return true
	case t.Status == "fix_verified" && publish && t.FixStatus != "pr_created":
		return true
	}
	return false
}

// VerifyTask reruns the proof for one generated fix on demand. With publish
// set, a verified fix goes out as a change request even when its session was
// review-only, and a failed publish may be retried.
func (e Engine) VerifyTask(ctx context.Context, taskID string, publish bool) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if !CanVerify(t, publish) {
		return t, fmt.Errorf("%w: task %s has nothing to verify (status %s)", ErrInvalid, t.ID, t.Status)
	}
	if t.TestCode == nil || t.FixCode == nil {
		return t, fmt.Errorf("%w: task %s is missing its artifacts", ErrInvalid, t.ID)
	}
	s, err := e.Repo.GetSession(ctx, t.SessionID)
	if err != nil {
		return t, err
	}
	if _, err := e.ClaimLease(ctx, t.ID, e.OwnerID, e.Config.Engine.LeaseSeconds); err != nil {
		return t, err
	}
	defer func() {
		_ = e.ReleaseLease(context.Background(), t.ID)
	}()
	if t.Status == "fix_generated" {
		if err := e.stepVerifyFix(ctx, s, &t); err != nil {
			return t, err
		}
	}
	if publish && t.Status == "fix_verified" && t.FixStatus != "pr_created" {
		if err := e.stepPublish(ctx, s, &t); err != nil {
			return t, err
		}
	}
	return e.Repo.GetTask(ctx, taskID)
}

func sandboxPayload(res sandbox.Result, testCode string) events.Payload {
	payload := events.Payload{
		"outcome":     res.Outcome,
		"duration_ms": res.Duration.Milliseconds(),
		"test_sha256": shaOf(testCode),
		"output":      clip(res.Output),
	}
	if res.TimedOut {
		payload["timed_out"] = true
	}
	return payload
}

func shaOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func clip(s string) string {
	if len(s) <= eventClip {
		return s
	}
	return s[:eventClip] + "..."
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
