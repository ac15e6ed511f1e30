package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"fixline/internal/config"
	"fixline/internal/db"
	"fixline/internal/domain"
	"fixline/internal/engine"
	"fixline/internal/githost"
	"fixline/internal/migrate"
	"fixline/internal/reasoning"
	"fixline/internal/sandbox"
)

const vulnerableCode = `import sqlite3

def lookup(db, q):
    cur = db.execute("SELECT id FROM users WHERE name = '%s'" % q)
    return cur.fetchall()
`

const proofTest = `import views

def test_injection_rejected():
    assert views.lookup(None, "' OR '1'='1") == []
`

const patchedCode = `import sqlite3

def lookup(db, q):
    cur = db.execute("SELECT id FROM users WHERE name = ?", (q,))
    return cur.fetchall()
`

const badFix = `import sqlite3

def lookup(db, q):
    q = q.strip()
    cur = db.execute("SELECT id FROM users WHERE name = '%s'" % q)
    return cur.fetchall()
`

type scriptedReasoner struct {
	mu        sync.Mutex
	proveFn   func(req reasoning.Request) (string, error)
	fixFn     func(req reasoning.Request) (reasoning.Fix, error)
	proveReqs []reasoning.Request
	fixReqs   []reasoning.Request
}

func (r *scriptedReasoner) ProveVulnerability(ctx context.Context, req reasoning.Request) (string, error) {
	r.mu.Lock()
	r.proveReqs = append(r.proveReqs, req)
	fn := r.proveFn
	r.mu.Unlock()
	return fn(req)
}

func (r *scriptedReasoner) GenerateFix(ctx context.Context, req reasoning.Request) (reasoning.Fix, error) {
	r.mu.Lock()
	r.fixReqs = append(r.fixReqs, req)
	fn := r.fixFn
	r.mu.Unlock()
	return fn(req)
}

type scriptedSandbox struct {
	mu    sync.Mutex
	runFn func(in sandbox.Input) (sandbox.Result, error)
	runs  []sandbox.Input
}

func (s *scriptedSandbox) Run(ctx context.Context, in sandbox.Input) (sandbox.Result, error) {
	s.mu.Lock()
	s.runs = append(s.runs, in)
	fn := s.runFn
	s.mu.Unlock()
	return fn(in)
}

type scriptedPublisher struct {
	mu        sync.Mutex
	files     map[string]string
	publishFn func(req githost.PublishRequest) (string, error)
	published []githost.PublishRequest
}

func (p *scriptedPublisher) FetchFile(ctx context.Context, owner, repo, path string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if content, ok := p.files[path]; ok {
		return content, nil
	}
	return "", fmt.Errorf("no content for %s", path)
}

func (p *scriptedPublisher) Publish(ctx context.Context, req githost.PublishRequest) (string, error) {
	p.mu.Lock()
	p.published = append(p.published, req)
	fn := p.publishFn
	p.mu.Unlock()
	if fn == nil {
		return "https://git.example.com/acme/shop/pull/7", nil
	}
	return fn(req)
}

type testEnv struct {
	Engine    engine.Engine
	Reasoner  *scriptedReasoner
	Sandbox   *scriptedSandbox
	Publisher *scriptedPublisher
	Ctx       context.Context
	now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	env := &testEnv{
		Reasoner:  &scriptedReasoner{},
		Sandbox:   &scriptedSandbox{},
		Publisher: &scriptedPublisher{files: map[string]string{}},
		Ctx:       context.Background(),
		now:       time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}
	env.Reasoner.proveFn = func(req reasoning.Request) (string, error) {
		return proofTest, nil
	}
	env.Reasoner.fixFn = func(req reasoning.Request) (reasoning.Fix, error) {
		return reasoning.Fix{Code: patchedCode, Explanation: "Bound parameters replace string interpolation."}, nil
	}
	// The proof test fails against everything except the good fix.
	env.Sandbox.runFn = func(in sandbox.Input) (sandbox.Result, error) {
		if in.SourceCode == patchedCode {
			return sandbox.Result{Outcome: "pass", Output: "1 passed"}, nil
		}
		return sandbox.Result{Outcome: "fail", Output: "1 failed"}, nil
	}

	cfg := config.Default()
	eng := engine.New(conn, cfg, env.Reasoner, env.Sandbox, env.Publisher, hclog.NewNullLogger())
	eng.Now = func() time.Time { return env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) startSession(t *testing.T, publish bool, fs ...domain.Finding) domain.Session {
	t.Helper()
	if len(fs) == 0 {
		fs = []domain.Finding{{
			Category:     "sql_injection",
			Severity:     "high",
			FilePath:     "app/views.py",
			LineNumber:   4,
			Description:  "user input interpolated into SQL",
			OriginalCode: vulnerableCode,
		}}
	}
	s, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{
		RepoOwner: "acme",
		RepoName:  "shop",
		Publish:   publish,
		Findings:  fs,
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s
}

func (env *testEnv) session(t *testing.T, id string) domain.Session {
	t.Helper()
	s, err := env.Engine.Repo.GetSession(env.Ctx, id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s
}

func (env *testEnv) tasks(t *testing.T, sessionID string) []domain.Task {
	t.Helper()
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT id FROM tasks WHERE session_id=? ORDER BY file_path, line_number`, sessionID)
	if err != nil {
		t.Fatalf("list task ids: %v", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan id: %v", err)
		}
		task, err := env.Engine.Repo.GetTask(env.Ctx, id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		out = append(out, task)
	}
	return out
}

type eventRow struct {
	From    string
	To      string
	Attempt int
	Payload map[string]any
}

func (env *testEnv) events(t *testing.T, taskID string) []eventRow {
	t.Helper()
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT from_status, to_status, attempt, payload_json FROM task_events WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var out []eventRow
	for rows.Next() {
		var row eventRow
		var payload string
		if err := rows.Scan(&row.From, &row.To, &row.Attempt, &payload); err != nil {
			t.Fatalf("scan event: %v", err)
		}
		if err := json.Unmarshal([]byte(payload), &row.Payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		out = append(out, row)
	}
	return out
}

func ptr(s string) *string { return &s }

func TestStartSessionCreatesDetectedTasks(t *testing.T) {
	env := newTestEnv(t)
	env.Publisher.files["app/views.py"] = vulnerableCode + "# host copy\n"
	s := env.startSession(t, false,
		domain.Finding{Category: "sql_injection", Severity: "high", FilePath: "app/views.py", LineNumber: 4, OriginalCode: "inline stub"},
		domain.Finding{Category: "xss", FilePath: "app/templates.py", LineNumber: 12, OriginalCode: vulnerableCode},
	)
	if s.TasksCreated != 2 || s.VulnerabilitiesFound != 2 || s.TotalFiles != 2 {
		t.Fatalf("unexpected session counters: %+v", s)
	}
	if s.Status != "pending" {
		t.Fatalf("expected pending session, got %s", s.Status)
	}
	tasks := env.tasks(t, s.ID)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != "detected" || task.TestStatus != "pending" || task.FixStatus != "pending" {
			t.Fatalf("unexpected initial task state: %+v", task)
		}
		evs := env.events(t, task.ID)
		if len(evs) != 1 || evs[0].From != "" || evs[0].To != "detected" {
			t.Fatalf("expected one detected event, got %+v", evs)
		}
	}
	// host content wins over the inline snippet, severity defaults to medium
	if !strings.Contains(tasks[0].OriginalCode, "# host copy") {
		t.Fatalf("expected host content for app/views.py")
	}
	if tasks[1].OriginalCode != vulnerableCode || tasks[1].Severity != "medium" {
		t.Fatalf("unexpected fallback task: %+v", tasks[1])
	}
}

func TestStartSessionRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{RepoOwner: "acme", RepoName: "shop"})
	if !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid for empty findings, got %v", err)
	}
	_, err = env.Engine.StartSession(env.Ctx, engine.StartOptions{
		RepoOwner: "acme", RepoName: "shop",
		Findings: []domain.Finding{{Category: "buffer_overflow", FilePath: "a.py", LineNumber: 1, OriginalCode: "x"}},
	})
	if !errors.Is(err, engine.ErrInvalid) || !strings.Contains(err.Error(), "finding 0") {
		t.Fatalf("expected invalid category error, got %v", err)
	}
	// nothing resolvable: no inline source and the host has no copy either
	_, err = env.Engine.StartSession(env.Ctx, engine.StartOptions{
		RepoOwner: "acme", RepoName: "shop",
		Findings: []domain.Finding{{Category: "xss", FilePath: "a.py", LineNumber: 1}},
	})
	if !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid for unresolvable source, got %v", err)
	}
}

func TestStartSessionDedupesAndCaps(t *testing.T) {
	env := newTestEnv(t)
	dup := domain.Finding{Category: "sql_injection", FilePath: "app/views.py", LineNumber: 4, OriginalCode: vulnerableCode}
	s := env.startSession(t, false, dup, dup)
	if s.TasksCreated != 1 {
		t.Fatalf("expected dedup to 1 task, got %d", s.TasksCreated)
	}

	s2, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{
		RepoOwner: "acme", RepoName: "shop", MaxTasks: 1,
		Findings: []domain.Finding{
			{Category: "sql_injection", FilePath: "a.py", LineNumber: 1, OriginalCode: vulnerableCode},
			{Category: "xss", FilePath: "b.py", LineNumber: 2, OriginalCode: vulnerableCode},
		},
	})
	if err != nil {
		t.Fatalf("start capped session: %v", err)
	}
	if s2.TasksCreated != 1 || s2.TotalFiles != 1 {
		t.Fatalf("expected cap to 1 task, got %+v", s2)
	}
}

func TestProcessAllVerifiesAndPublishes(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t, true)

	sum, err := env.Engine.ProcessAll(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if sum.Verified != 1 || sum.PRsCreated != 1 || sum.Settled != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	task := env.tasks(t, s.ID)[0]
	if task.Status != "pr_created" || task.TestStatus != "passed" || task.FixStatus != "pr_created" {
		t.Fatalf("unexpected final task state: %+v", task)
	}
	if task.ChangeRequestRef == nil || !strings.Contains(*task.ChangeRequestRef, "/pull/") {
		t.Fatalf("expected pull request url, got %v", task.ChangeRequestRef)
	}
	if task.VerifiedAt == nil || task.RetryCount != 0 {
		t.Fatalf("expected verified first try: %+v", task)
	}
	if task.FixCode == nil || *task.FixCode != patchedCode {
		t.Fatalf("fix code not stored")
	}

	got := env.session(t, s.ID)
	if got.Status != "completed" || got.CompletedAt == nil {
		t.Fatalf("expected completed session: %+v", got)
	}
	if got.PRsCreated != 1 || got.FilesProcessed != 1 {
		t.Fatalf("unexpected session counters: %+v", got)
	}

	if len(env.Publisher.published) != 1 {
		t.Fatalf("expected one publish call, got %d", len(env.Publisher.published))
	}
	pub := env.Publisher.published[0]
	if pub.Owner != "acme" || pub.Repo != "shop" || pub.TaskID != task.ID || pub.FixedCode != patchedCode {
		t.Fatalf("unexpected publish request: %+v", pub)
	}

	evs := env.events(t, task.ID)
	var chain []string
	for _, ev := range evs {
		chain = append(chain, ev.To)
	}
	want := []string{"detected", "test_generated", "test_confirmed", "fix_generated", "fix_verified", "pr_created"}
	if strings.Join(chain, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected event chain: %v", chain)
	}
	// the verify run must execute the byte-identical test that confirmed the bug
	confirmSHA, _ := evs[2].Payload["test_sha256"].(string)
	verifySHA, _ := evs[4].Payload["test_sha256"].(string)
	if confirmSHA == "" || len(confirmSHA) != 64 || confirmSHA != verifySHA {
		t.Fatalf("test hash mismatch: confirm=%q verify=%q", confirmSHA, verifySHA)
	}

	if len(env.Sandbox.runs) != 2 {
		t.Fatalf("expected two sandbox runs, got %d", len(env.Sandbox.runs))
	}
	if env.Sandbox.runs[0].SourceCode != vulnerableCode || env.Sandbox.runs[1].SourceCode != patchedCode {
		t.Fatalf("sandbox saw wrong sources")
	}
	if env.Sandbox.runs[0].TestCode != env.Sandbox.runs[1].TestCode {
		t.Fatalf("verify must reuse the confirmed test")
	}
}

func TestProcessAllWithoutPublishStopsAtVerified(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t, false)
	sum, err := env.Engine.ProcessAll(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if sum.Verified != 1 || sum.PRsCreated != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	task := env.tasks(t, s.ID)[0]
	if task.Status != "fix_verified" || task.FixStatus != "verified" {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if len(env.Publisher.published) != 0 {
		t.Fatalf("publish must not run for review-only sessions")
	}
	if env.session(t, s.ID).Status != "completed" {
		t.Fatalf("expected completed session")
	}
}

func TestFalsePositiveDismissal(t *testing.T) {
	env := newTestEnv(t)
	// the proof test passes against the original code too
	env.Sandbox.runFn = func(in sandbox.Input) (sandbox.Result, error) {
		return sandbox.Result{Outcome: "pass", Output: "1 passed"}, nil
	}
	s := env.startSession(t, true)
	sum, err := env.Engine.ProcessAll(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if sum.FalsePositives != 1 || sum.Verified != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	task := env.tasks(t, s.ID)[0]
	if task.Status != "false_positive" || task.TestStatus != "passed" {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if len(env.Reasoner.fixReqs) != 0 {
		t.Fatalf("no fix should be requested for a false positive")
	}
}

func TestRetryBudgetExhaustedOnMalformedReplies(t *testing.T) {
	env := newTestEnv(t)
	env.Reasoner.proveFn = func(req reasoning.Request) (string, error) {
		return "", &reasoning.Failure{Kind: reasoning.FailureMalformed, Op: "prove vulnerability", Err: errors.New("no code block in reply")}
	}
	s := env.startSession(t, false)
	sum, err := env.Engine.ProcessAll(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if sum.Exhausted != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	task := env.tasks(t, s.ID)[0]
	if task.Status != "exhausted" || task.RetryCount != 2 {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if task.LastDiagnostic == nil || !strings.Contains(*task.LastDiagnostic, "no code block") {
		t.Fatalf("diagnostic not recorded: %+v", task.LastDiagnostic)
	}
	// the retry prompt carries the previous failure
	if len(env.Reasoner.proveReqs) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(env.Reasoner.proveReqs))
	}
	if env.Reasoner.proveReqs[0].Diagnostic != "" || !strings.Contains(env.Reasoner.proveReqs[1].Diagnostic, "no code block") {
		t.Fatalf("diagnostic not fed back: %+v", env.Reasoner.proveReqs[1])
	}
	evs := env.events(t, task.ID)
	if len(evs) != 3 || evs[1].To != "detected" || evs[2].To != "exhausted" || evs[2].Attempt != 2 {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if env.session(t, s.ID).Status != "completed" {
		t.Fatalf("exhausted tasks still complete the session")
	}
}

func TestRejectedFixRetriedWithDiagnostic(t *testing.T) {
	env := newTestEnv(t)
	fixes := []string{badFix, patchedCode}
	calls := 0
	env.Reasoner.fixFn = func(req reasoning.Request) (reasoning.Fix, error) {
		code := fixes[len(fixes)-1]
		if calls < len(fixes) {
			code = fixes[calls]
		}
		calls++
		return reasoning.Fix{Code: code}, nil
	}
	s := env.startSession(t, false)
	if _, err := env.Engine.ProcessAll(env.Ctx, s.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	task := env.tasks(t, s.ID)[0]
	if task.Status != "fix_verified" || task.RetryCount != 1 {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if len(env.Reasoner.fixReqs) != 2 {
		t.Fatalf("expected a regenerated fix, got %d calls", len(env.Reasoner.fixReqs))
	}
	if !strings.Contains(env.Reasoner.fixReqs[1].Diagnostic, "still fails") {
		t.Fatalf("second fix prompt missing diagnostic: %+v", env.Reasoner.fixReqs[1])
	}
	// the rejection steps back to test_confirmed before regenerating
	var sawStepBack bool
	for _, ev := range env.events(t, task.ID) {
		if ev.From == "fix_generated" && ev.To == "test_confirmed" {
			sawStepBack = true
		}
	}
	if !sawStepBack {
		t.Fatalf("expected fix_generated -> test_confirmed event")
	}
}

func TestConfirmErrorRegeneratesTest(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	env.Sandbox.runFn = func(in sandbox.Input) (sandbox.Result, error) {
		calls++
		if calls == 1 {
			return sandbox.Result{Outcome: "error", Output: "pytest: command not found"}, nil
		}
		if in.SourceCode == patchedCode {
			return sandbox.Result{Outcome: "pass", Output: "1 passed"}, nil
		}
		return sandbox.Result{Outcome: "fail", Output: "1 failed"}, nil
	}
	s := env.startSession(t, false)
	if _, err := env.Engine.ProcessAll(env.Ctx, s.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	task := env.tasks(t, s.ID)[0]
	if task.Status != "fix_verified" || task.RetryCount != 1 {
		t.Fatalf("unexpected task state: %+v", task)
	}
	// the run error stepped back to detected and a fresh test was generated
	if len(env.Reasoner.proveReqs) != 2 {
		t.Fatalf("expected regenerated test, got %d prove calls", len(env.Reasoner.proveReqs))
	}
	if !strings.Contains(env.Reasoner.proveReqs[1].Diagnostic, "command not found") {
		t.Fatalf("sandbox output not fed back: %+v", env.Reasoner.proveReqs[1])
	}
	var sawStepBack bool
	for _, ev := range env.events(t, task.ID) {
		if ev.From == "test_generated" && ev.To == "detected" {
			sawStepBack = true
		}
	}
	if !sawStepBack {
		t.Fatalf("expected test_generated -> detected event")
	}
}

func TestVerifyErrorRegeneratesFix(t *testing.T) {
	env := newTestEnv(t)
	verifies := 0
	env.Sandbox.runFn = func(in sandbox.Input) (sandbox.Result, error) {
		if in.SourceCode == patchedCode {
			verifies++
			if verifies == 1 {
				return sandbox.Result{Outcome: "error", Output: "scope setup failed"}, nil
			}
			return sandbox.Result{Outcome: "pass", Output: "1 passed"}, nil
		}
		return sandbox.Result{Outcome: "fail", Output: "1 failed"}, nil
	}
	s := env.startSession(t, false)
	if _, err := env.Engine.ProcessAll(env.Ctx, s.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	task := env.tasks(t, s.ID)[0]
	if task.Status != "fix_verified" || task.RetryCount != 1 {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if len(env.Reasoner.fixReqs) != 2 {
		t.Fatalf("expected regenerated fix, got %d calls", len(env.Reasoner.fixReqs))
	}
	if !strings.Contains(env.Reasoner.fixReqs[1].Diagnostic, "scope setup failed") {
		t.Fatalf("sandbox output not fed back: %+v", env.Reasoner.fixReqs[1])
	}
	// the proof test itself is never regenerated once confirmed
	if len(env.Reasoner.proveReqs) != 1 {
		t.Fatalf("test regenerated: %d prove calls", len(env.Reasoner.proveReqs))
	}
}

func TestFixNeverConvergesExhausts(t *testing.T) {
	env := newTestEnv(t)
	env.Reasoner.fixFn = func(req reasoning.Request) (reasoning.Fix, error) {
		return reasoning.Fix{Code: badFix}, nil
	}
	s := env.startSession(t, false)
	sum, err := env.Engine.ProcessAll(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if sum.Exhausted != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	task := env.tasks(t, s.ID)[0]
	if task.Status != "exhausted" || task.FixStatus != "failed" || task.RetryCount != 2 {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if len(env.Reasoner.fixReqs) != 2 {
		t.Fatalf("expected 2 fix attempts, got %d", len(env.Reasoner.fixReqs))
	}
}

func TestFatalGatewayFailureFailsSession(t *testing.T) {
	env := newTestEnv(t)
	env.Reasoner.proveFn = func(req reasoning.Request) (string, error) {
		return "", &reasoning.Failure{Kind: reasoning.FailureFatal, Op: "prove vulnerability", Err: errors.New("401 unauthorized")}
	}
	s := env.startSession(t, false)
	_, err := env.Engine.ProcessAll(env.Ctx, s.ID)
	if !reasoning.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	got := env.session(t, s.ID)
	if got.Status != "failed" || got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "401") {
		t.Fatalf("unexpected session state: %+v", got)
	}
	// fatal failures spend no task retries
	task := env.tasks(t, s.ID)[0]
	if task.Status != "detected" || task.RetryCount != 0 {
		t.Fatalf("unexpected task state: %+v", task)
	}

	// resume clears the failure and a healthy gateway finishes the run
	env.Reasoner.proveFn = func(req reasoning.Request) (string, error) { return proofTest, nil }
	resumed, err := env.Engine.Resume(env.Ctx, s.ID)
	if err != nil || resumed.Status != "pending" || resumed.ErrorMessage != nil {
		t.Fatalf("resume: %v %+v", err, resumed)
	}
	if _, err := env.Engine.ProcessAll(env.Ctx, s.ID); err != nil {
		t.Fatalf("process after resume: %v", err)
	}
	if env.tasks(t, s.ID)[0].Status != "fix_verified" {
		t.Fatalf("expected verified fix after resume")
	}
}

func TestResumeCompletedSessionIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t, false)
	first, err := env.Engine.ProcessAll(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	proves, runs := len(env.Reasoner.proveReqs), len(env.Sandbox.runs)

	resumed, err := env.Engine.Resume(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("resume completed: %v", err)
	}
	if resumed.Status != "completed" {
		t.Fatalf("resume moved session to %s", resumed.Status)
	}
	again, err := env.Engine.ProcessAll(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("process completed: %v", err)
	}
	if again != first {
		t.Fatalf("summary drifted across resume: %+v then %+v", first, again)
	}
	if len(env.Reasoner.proveReqs) != proves || len(env.Sandbox.runs) != runs {
		t.Fatal("no-op resume reprocessed tasks")
	}
}

func TestResumePublishesVerifiedFixWithoutReverifying(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t, false)
	if _, err := env.Engine.ProcessAll(env.Ctx, s.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	// flip the finished review-only session to publish mode, as if the
	// process had died between verification and publishing
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE sessions SET publish=1, status='pending', completed_at=NULL WHERE id=?`, s.ID); err != nil {
		t.Fatalf("flip publish: %v", err)
	}
	proves, fixes, runs := len(env.Reasoner.proveReqs), len(env.Reasoner.fixReqs), len(env.Sandbox.runs)

	sum, err := env.Engine.ProcessAll(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sum.PRsCreated != 1 {
		t.Fatalf("expected one PR after resume, got %+v", sum)
	}
	if len(env.Reasoner.proveReqs) != proves || len(env.Reasoner.fixReqs) != fixes || len(env.Sandbox.runs) != runs {
		t.Fatal("resume reran steps before publishing")
	}
	if len(env.Publisher.published) != 1 {
		t.Fatalf("expected a single publish call, got %d", len(env.Publisher.published))
	}
	task := env.tasks(t, s.ID)[0]
	if task.Status != "pr_created" || task.FixStatus != "pr_created" {
		t.Fatalf("unexpected task state: %+v", task)
	}
}

func TestSetSessionPublishGuards(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t, false)
	if err := env.Engine.SetSessionPublish(env.Ctx, s.ID, true); err != nil {
		t.Fatalf("set publish: %v", err)
	}
	if !env.session(t, s.ID).Publish {
		t.Fatal("publish flag not stored")
	}
	if _, err := env.Engine.ProcessAll(env.Ctx, s.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := env.Engine.SetSessionPublish(env.Ctx, s.ID, false); !errors.Is(err, engine.ErrSessionDone) {
		t.Fatalf("expected done error, got %v", err)
	}
}

func TestWorkerCountDoesNotChangeOutcome(t *testing.T) {
	findings := []domain.Finding{
		{Category: "sql_injection", Severity: "high", FilePath: "app/a.py", LineNumber: 3, OriginalCode: vulnerableCode},
		{Category: "sql_injection", Severity: "high", FilePath: "app/b.py", LineNumber: 9, OriginalCode: vulnerableCode},
		{Category: "xss", Severity: "medium", FilePath: "app/c.py", LineNumber: 5, OriginalCode: vulnerableCode},
		{Category: "path_traversal", Severity: "low", FilePath: "app/d.py", LineNumber: 7, OriginalCode: vulnerableCode},
	}
	run := func(workers int) (engine.Summary, map[string]string) {
		env := newTestEnv(t)
		env.Engine.Config.Engine.Workers = workers
		// c.py never reproduces, d.py never converges, the rest verify
		env.Reasoner.fixFn = func(req reasoning.Request) (reasoning.Fix, error) {
			if req.FilePath == "app/d.py" {
				return reasoning.Fix{Code: badFix}, nil
			}
			return reasoning.Fix{Code: patchedCode}, nil
		}
		env.Sandbox.runFn = func(in sandbox.Input) (sandbox.Result, error) {
			if in.FileName == "app/c.py" || in.SourceCode == patchedCode {
				return sandbox.Result{Outcome: "pass", Output: "1 passed"}, nil
			}
			return sandbox.Result{Outcome: "fail", Output: "1 failed"}, nil
		}
		s := env.startSession(t, false, findings...)
		sum, err := env.Engine.ProcessAll(env.Ctx, s.ID)
		if err != nil {
			t.Fatalf("process with %d workers: %v", workers, err)
		}
		states := map[string]string{}
		for _, task := range env.tasks(t, s.ID) {
			states[task.FilePath] = task.Status + "/" + task.TestStatus + "/" + task.FixStatus
		}
		sum.SessionID = ""
		return sum, states
	}

	seqSum, seqStates := run(1)
	parSum, parStates := run(4)
	if seqSum != parSum {
		t.Fatalf("summaries diverged: %+v vs %+v", seqSum, parSum)
	}
	for path, want := range seqStates {
		if parStates[path] != want {
			t.Fatalf("task %s diverged: %s vs %s", path, want, parStates[path])
		}
	}
}

func TestResumeGuards(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t, false)
	fresh := env.now.Format(time.RFC3339)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE sessions SET status='running', last_checkpoint_at=? WHERE id=?`, fresh, s.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := env.Engine.Resume(env.Ctx, s.ID); !errors.Is(err, engine.ErrSessionActive) {
		t.Fatalf("expected active error, got %v", err)
	}
	// a stale checkpoint makes the same session resumable
	stale := env.now.Add(-20 * time.Minute).Format(time.RFC3339)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE sessions SET last_checkpoint_at=? WHERE id=?`, stale, s.ID); err != nil {
		t.Fatalf("backdate checkpoint: %v", err)
	}
	resumed, err := env.Engine.Resume(env.Ctx, s.ID)
	if err != nil || resumed.Status != "pending" {
		t.Fatalf("resume stuck session: %v %+v", err, resumed)
	}
}

func TestPublishFailureIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.Publisher.publishFn = func(req githost.PublishRequest) (string, error) {
		return "", fmt.Errorf("422 validation failed")
	}
	s := env.startSession(t, true)
	sum, err := env.Engine.ProcessAll(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("publish failure must not fail the session: %v", err)
	}
	if sum.Verified != 1 || sum.PRsCreated != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	task := env.tasks(t, s.ID)[0]
	if task.Status != "fix_verified" || task.FixStatus != "pr_failed" {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if task.LastDiagnostic == nil || !strings.Contains(*task.LastDiagnostic, "422") {
		t.Fatalf("publish error not recorded: %+v", task.LastDiagnostic)
	}
	if len(env.Publisher.published) != 1 {
		t.Fatalf("publish retried: %d calls", len(env.Publisher.published))
	}
	got := env.session(t, s.ID)
	if got.Status != "completed" || got.PRsCreated != 0 {
		t.Fatalf("unexpected session state: %+v", got)
	}
}

func TestPublishWithoutHostClient(t *testing.T) {
	env := newTestEnv(t)
	eng := engine.New(env.Engine.DB, env.Engine.Config, env.Reasoner, env.Sandbox, nil, hclog.NewNullLogger())
	eng.Now = env.Engine.Now
	s, err := eng.StartSession(env.Ctx, engine.StartOptions{
		RepoOwner: "acme", RepoName: "shop", Publish: true,
		Findings: []domain.Finding{{Category: "sql_injection", FilePath: "app/views.py", LineNumber: 4, OriginalCode: vulnerableCode}},
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := eng.ProcessAll(env.Ctx, s.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	task := env.tasks(t, s.ID)[0]
	if task.Status != "fix_verified" || task.FixStatus != "pr_failed" {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if task.LastDiagnostic == nil || !strings.Contains(*task.LastDiagnostic, "no git host client") {
		t.Fatalf("missing diagnostic: %+v", task.LastDiagnostic)
	}
}

func TestLeaseBlocksAndExpires(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t, false)
	task := env.tasks(t, s.ID)[0]

	if _, err := env.Engine.ClaimLease(env.Ctx, task.ID, "rival-worker", 60); err != nil {
		t.Fatalf("rival claim: %v", err)
	}
	if _, err := env.Engine.ProcessTask(env.Ctx, task.ID); !errors.Is(err, engine.ErrLeaseHeld) {
		t.Fatalf("expected lease held, got %v", err)
	}
	// the pool skips the leased task and leaves the session runnable
	if _, err := env.Engine.ProcessAll(env.Ctx, s.ID); err != nil {
		t.Fatalf("process with held lease: %v", err)
	}
	if got := env.session(t, s.ID); got.Status != "pending" {
		t.Fatalf("expected pending session, got %s", got.Status)
	}

	env.now = env.now.Add(2 * time.Minute)
	if _, err := env.Engine.ProcessAll(env.Ctx, s.ID); err != nil {
		t.Fatalf("process after lease expiry: %v", err)
	}
	if env.tasks(t, s.ID)[0].Status != "fix_verified" {
		t.Fatalf("expected task processed after takeover")
	}
	if env.session(t, s.ID).Status != "completed" {
		t.Fatalf("expected completed session")
	}
}

func TestFileProgressCountsFilesOnce(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t, false,
		domain.Finding{Category: "sql_injection", FilePath: "app/a.py", LineNumber: 4, OriginalCode: vulnerableCode},
		domain.Finding{Category: "xss", FilePath: "app/a.py", LineNumber: 9, OriginalCode: vulnerableCode},
		domain.Finding{Category: "command_injection", FilePath: "app/b.py", LineNumber: 2, OriginalCode: vulnerableCode},
	)
	if s.TotalFiles != 2 {
		t.Fatalf("expected 2 files, got %d", s.TotalFiles)
	}
	if _, err := env.Engine.ProcessAll(env.Ctx, s.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := env.session(t, s.ID)
	if got.FilesProcessed != 2 {
		t.Fatalf("expected files_processed=2, got %d", got.FilesProcessed)
	}
}

func TestTotalFilesOverrideCountsCleanFiles(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{
		RepoOwner: "acme", RepoName: "shop", TotalFiles: 5,
		Findings: []domain.Finding{
			{Category: "sql_injection", FilePath: "app/a.py", LineNumber: 4, OriginalCode: vulnerableCode},
			{Category: "xss", FilePath: "app/b.py", LineNumber: 2, OriginalCode: vulnerableCode},
		},
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	// the three clean files count as processed from the start
	if s.TotalFiles != 5 || s.FilesProcessed != 3 {
		t.Fatalf("unexpected file counters: %+v", s)
	}
	if _, err := env.Engine.ProcessAll(env.Ctx, s.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := env.session(t, s.ID); got.FilesProcessed != 5 {
		t.Fatalf("expected files_processed=5, got %d", got.FilesProcessed)
	}

	// an override below the finding files is ignored
	s2, err := env.Engine.StartSession(env.Ctx, engine.StartOptions{
		RepoOwner: "acme", RepoName: "shop", TotalFiles: 1,
		Findings: []domain.Finding{
			{Category: "sql_injection", FilePath: "app/c.py", LineNumber: 4, OriginalCode: vulnerableCode},
			{Category: "xss", FilePath: "app/d.py", LineNumber: 2, OriginalCode: vulnerableCode},
		},
	})
	if err != nil {
		t.Fatalf("start second session: %v", err)
	}
	if s2.TotalFiles != 2 || s2.FilesProcessed != 0 {
		t.Fatalf("unexpected clamped counters: %+v", s2)
	}
}

func TestSessionStatusReportsETAAndStuck(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t, false,
		domain.Finding{Category: "sql_injection", FilePath: "app/a.py", LineNumber: 4, OriginalCode: vulnerableCode},
		domain.Finding{Category: "xss", FilePath: "app/b.py", LineNumber: 2, OriginalCode: vulnerableCode},
	)
	tasks := env.tasks(t, s.ID)
	if _, err := env.Engine.ProcessTask(env.Ctx, tasks[0].ID); err != nil {
		t.Fatalf("process one task: %v", err)
	}

	started := env.now.Add(-100 * time.Second).Format(time.RFC3339)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE sessions SET status='running', started_at=?, last_checkpoint_at=? WHERE id=?`, started, env.now.Format(time.RFC3339), s.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	report, err := env.Engine.SessionStatus(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.Remaining != 1 || report.Counts["fix_verified"] != 1 || report.Counts["detected"] != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.ETASeconds == nil || *report.ETASeconds != 100 {
		t.Fatalf("expected eta of 100s, got %v", report.ETASeconds)
	}
	if report.Stuck {
		t.Fatalf("fresh checkpoint must not read as stuck")
	}

	stale := env.now.Add(-10 * time.Minute).Format(time.RFC3339)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE sessions SET last_checkpoint_at=? WHERE id=?`, stale, s.ID); err != nil {
		t.Fatalf("backdate checkpoint: %v", err)
	}
	report, err = env.Engine.SessionStatus(env.Ctx, s.ID)
	if err != nil || !report.Stuck {
		t.Fatalf("expected stuck report, got %+v (%v)", report, err)
	}
}

func TestVerifyTaskGuards(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t, false)
	detected := env.tasks(t, s.ID)[0]
	if _, err := env.Engine.VerifyTask(env.Ctx, detected.ID, false); !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid for detected task, got %v", err)
	}

	ts := env.now.Format(time.RFC3339)
	manual := domain.Task{
		ID:           "manual-fix-task",
		SessionID:    s.ID,
		Category:     "sql_injection",
		Severity:     "high",
		FilePath:     "app/views.py",
		LineNumber:   4,
		OriginalCode: vulnerableCode,
		TestCode:     ptr(proofTest),
		FixCode:      ptr(patchedCode),
		Status:       "fix_generated",
		TestStatus:   "failed",
		FixStatus:    "generated",
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.Engine.Repo.InsertTask(env.Ctx, tx, manual); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	verified, err := env.Engine.VerifyTask(env.Ctx, manual.ID, false)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Status != "fix_verified" || verified.FixStatus != "verified" || verified.VerifiedAt == nil {
		t.Fatalf("unexpected verified task: %+v", verified)
	}
	if _, err := env.Engine.VerifyTask(env.Ctx, manual.ID, false); !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid for already verified task, got %v", err)
	}

	// an explicit publish turns the verified fix into a change request even
	// though the session is review-only
	published, err := env.Engine.VerifyTask(env.Ctx, manual.ID, true)
	if err != nil {
		t.Fatalf("verify with publish: %v", err)
	}
	if published.Status != "pr_created" || published.ChangeRequestRef == nil {
		t.Fatalf("unexpected published task: %+v", published)
	}
	if env.session(t, s.ID).PRsCreated != 1 {
		t.Fatalf("expected prs_created bump")
	}
}

func TestProcessAllBoundsWorkers(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Engine.Workers = 2

	var mu sync.Mutex
	active, peak := 0, 0
	env.Sandbox.runFn = func(in sandbox.Input) (sandbox.Result, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		if in.SourceCode == patchedCode {
			return sandbox.Result{Outcome: "pass", Output: "1 passed"}, nil
		}
		return sandbox.Result{Outcome: "fail", Output: "1 failed"}, nil
	}

	var fs []domain.Finding
	for i := 0; i < 6; i++ {
		fs = append(fs, domain.Finding{
			Category:     "sql_injection",
			FilePath:     fmt.Sprintf("app/m%d.py", i),
			LineNumber:   3,
			OriginalCode: vulnerableCode,
		})
	}
	s := env.startSession(t, false, fs...)
	sum, err := env.Engine.ProcessAll(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if sum.Verified != 6 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("worker bound exceeded: peak %d", peak)
	}
}
