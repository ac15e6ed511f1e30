package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"fixline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- sessions ---

const sessionColumns = `id,repo_owner,repo_name,repo_url,status,total_files,files_processed,vulnerabilities_found,tasks_created,prs_created,publish,error_message,started_at,last_checkpoint_at,completed_at`

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.RepoOwner, s.RepoName, nullable(s.RepoURL), s.Status, s.TotalFiles, s.FilesProcessed,
		s.VulnerabilitiesFound, s.TasksCreated, s.PRsCreated, boolToInt(s.Publish),
		nullableStringPtr(s.ErrorMessage), s.StartedAt, nullableStringPtr(s.LastCheckpointAt), nullableStringPtr(s.CompletedAt))
	return err
}

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var repoURL, errMsg, checkpointAt, completedAt sql.NullString
	var publish int
	err := scan(&s.ID, &s.RepoOwner, &s.RepoName, &repoURL, &s.Status, &s.TotalFiles, &s.FilesProcessed,
		&s.VulnerabilitiesFound, &s.TasksCreated, &s.PRsCreated, &publish, &errMsg, &s.StartedAt, &checkpointAt, &completedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Publish = publish != 0
	if repoURL.Valid {
		s.RepoURL = repoURL.String
	}
	if errMsg.Valid {
		s.ErrorMessage = &errMsg.String
	}
	if checkpointAt.Valid {
		s.LastCheckpointAt = &checkpointAt.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

type SessionFilters struct {
	Status          string
	Limit           int
	CursorStartedAt string
	CursorID        string
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorStartedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, f.CursorStartedAt, f.CursorStartedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions ` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) UpdateSessionStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkSessionCompleted(ctx context.Context, id, completedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET status='completed', completed_at=?, last_checkpoint_at=? WHERE id=?`, completedAt, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkSessionFailed(ctx context.Context, id, message, ts string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET status='failed', error_message=?, completed_at=? WHERE id=?`, nullable(message), ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetSessionPublish(ctx context.Context, id string, publish bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET publish=? WHERE id=?`, boolToInt(publish), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CheckpointSession(ctx context.Context, id, ts string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE sessions SET last_checkpoint_at=? WHERE id=?`, ts, id)
	return err
}


// --- tasks ---

const taskColumns = `id,session_id,category,severity,file_path,line_number,description,original_code,test_code,fix_code,fix_explanation,status,test_status,fix_status,retry_count,last_diagnostic,change_request_ref,created_at,updated_at,verified_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SessionID, t.Category, t.Severity, t.FilePath, t.LineNumber, nullable(t.Description), t.OriginalCode,
		nullableStringPtr(t.TestCode), nullableStringPtr(t.FixCode), nullableStringPtr(t.FixExplanation),
		t.Status, t.TestStatus, t.FixStatus, t.RetryCount, nullableStringPtr(t.LastDiagnostic),
		nullableStringPtr(t.ChangeRequestRef), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.VerifiedAt))
	return err
}

// UpdateTask rewrites every mutable column. original_code is deliberately
// absent: it is immutable once recorded.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET test_code=?, fix_code=?, fix_explanation=?, status=?, test_status=?, fix_status=?, retry_count=?, last_diagnostic=?, change_request_ref=?, updated_at=?, verified_at=? WHERE id=?`,
		nullableStringPtr(t.TestCode), nullableStringPtr(t.FixCode), nullableStringPtr(t.FixExplanation),
		t.Status, t.TestStatus, t.FixStatus, t.RetryCount, nullableStringPtr(t.LastDiagnostic),
		nullableStringPtr(t.ChangeRequestRef), t.UpdatedAt, nullableStringPtr(t.VerifiedAt), t.ID)
	return err
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var description, testCode, fixCode, fixExplanation, lastDiagnostic, changeRef, verifiedAt sql.NullString
	err := scan(&t.ID, &t.SessionID, &t.Category, &t.Severity, &t.FilePath, &t.LineNumber, &description,
		&t.OriginalCode, &testCode, &fixCode, &fixExplanation, &t.Status, &t.TestStatus, &t.FixStatus,
		&t.RetryCount, &lastDiagnostic, &changeRef, &t.CreatedAt, &t.UpdatedAt, &verifiedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if testCode.Valid {
		t.TestCode = &testCode.String
	}
	if fixCode.Valid {
		t.FixCode = &fixCode.String
	}
	if fixExplanation.Valid {
		t.FixExplanation = &fixExplanation.String
	}
	if lastDiagnostic.Valid {
		t.LastDiagnostic = &lastDiagnostic.String
	}
	if changeRef.Valid {
		t.ChangeRequestRef = &changeRef.String
	}
	if verifiedAt.Valid {
		t.VerifiedAt = &verifiedAt.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	SessionID       string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, sessionID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE session_id=? GROUP BY status`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

// --- transition log ---

func (r Repo) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]domain.TaskEvent, error) {
	query := `SELECT id,task_id,COALESCE(session_id,''),from_status,to_status,attempt,payload_json,ts FROM task_events WHERE task_id=? ORDER BY id ASC`
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.SessionID, &e.FromStatus, &e.ToStatus, &e.Attempt, &e.Payload, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, sessionID, taskID string) ([]domain.TaskEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,task_id,COALESCE(session_id,''),from_status,to_status,attempt,payload_json,ts FROM task_events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.SessionID, &e.FromStatus, &e.ToStatus, &e.Attempt, &e.Payload, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// --- leases ---

func (r Repo) UpsertLease(ctx context.Context, tx *sql.Tx, lease domain.Lease) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO leases(task_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lease.TaskID, lease.OwnerID, lease.AcquiredAt, lease.ExpiresAt)
	return err
}

func (r Repo) DeleteLease(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id=?`, taskID)
	return err
}

func (r Repo) GetLeaseTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Lease, error) {
	var l domain.Lease
	err := tx.QueryRowContext(ctx, `SELECT task_id,owner_id,acquired_at,expires_at FROM leases WHERE task_id=?`, taskID).
		Scan(&l.TaskID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}
