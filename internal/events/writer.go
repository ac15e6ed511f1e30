package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends task transition records inside the caller's transaction so
// the log always matches the task row it describes.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, taskID, sessionID, fromStatus, toStatus string, attempt int, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO task_events(task_id,session_id,from_status,to_status,attempt,payload_json,ts) VALUES (?,?,?,?,?,?,?)`,
		taskID, nullable(sessionID), fromStatus, toStatus, attempt, string(data), ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
