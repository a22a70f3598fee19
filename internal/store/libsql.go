package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/autoflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/autoflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	_, err := runMigrations(ctx, s.db)
	return err
}

// SchemaVersion returns the highest applied migration version.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	if err := ensureVersionTable(ctx, s.db); err != nil {
		return 0, err
	}
	return currentVersion(ctx, s.db)
}

// --- Workflows ---

const workflowColumns = `id, name, trigger_type, trigger_config, is_active, is_paused, retry_policy,
	execution_count, success_count, failure_count, last_executed_at, last_scheduled_at,
	metadata, created_at, updated_at`

// CreateWorkflow inserts the workflow and its steps in one transaction.
func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	triggerCfg, err := nullableMarshal(wf.TriggerConfig)
	if err != nil {
		return fmt.Errorf("marshal trigger_config: %w", err)
	}
	retry, err := nullableMarshal(wf.Retry)
	if err != nil {
		return fmt.Errorf("marshal retry_policy: %w", err)
	}
	now := s.now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, string(wf.TriggerType), triggerCfg, wf.IsActive, wf.IsPaused, retry,
		wf.ExecutionCount, wf.SuccessCount, wf.FailureCount,
		nullMillis(wf.LastExecutedAt), nullMillis(wf.LastScheduledAt),
		nullRaw(wf.Metadata), millis(wf.CreatedAt), millis(wf.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already exists", wf.ID)
		}
		return fmt.Errorf("insert workflow: %w", err)
	}

	for i := range wf.Steps {
		st := &wf.Steps[i]
		st.WorkflowID = wf.ID
		var parent any
		if !st.IsRoot() {
			parent = *st.ParentID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_steps (id, workflow_id, name, type, config, position, parent_id, branch)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, wf.ID, nullStr(st.Name), string(st.Type), nullRaw(st.Config), st.Position, parent, nullStr(st.Branch),
		); err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

// GetWorkflow returns the workflow with its steps ordered by position.
func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	steps, err := s.listSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Steps = steps
	return wf, nil
}

func (s *LibSQLStore) listSteps(ctx context.Context, workflowID string) ([]schema.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, name, type, config, position, parent_id, branch
		 FROM workflow_steps WHERE workflow_id = ? ORDER BY position ASC, rowid ASC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []schema.Step
	for rows.Next() {
		var st schema.Step
		var name, config, parent, branch sql.NullString
		var typ string
		if err := rows.Scan(&st.ID, &st.WorkflowID, &name, &typ, &config, &st.Position, &parent, &branch); err != nil {
			return nil, err
		}
		st.Name = name.String
		st.Type = schema.StepType(typ)
		st.Config = rawOrNil(config)
		if parent.Valid && parent.String != "" {
			p := parent.String
			st.ParentID = &p
		}
		st.Branch = branch.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// UpdateWorkflow applies the non-nil fields of update.
func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{millis(s.now())}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *update.IsActive)
	}
	if update.IsPaused != nil {
		sets = append(sets, "is_paused = ?")
		args = append(args, *update.IsPaused)
	}
	if update.LastScheduledAt != nil {
		sets = append(sets, "last_scheduled_at = ?")
		args = append(args, millis(*update.LastScheduledAt))
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE workflows SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// RecordWorkflowOutcome increments the workflow counters in one statement so
// concurrent completions never lose an update.
func (s *LibSQLStore) RecordWorkflowOutcome(ctx context.Context, id string, success bool, at time.Time) error {
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET
			execution_count = execution_count + 1,
			success_count = success_count + ?,
			failure_count = failure_count + ?,
			last_executed_at = ?,
			updated_at = ?
		 WHERE id = ?`,
		succ, fail, millis(at), millis(s.now()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// ListWorkflows returns workflows matching filter ordered by creation time.
func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any
	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.TriggerType))
	}
	if filter.EligibleOnly {
		where = append(where, "is_active = 1 AND is_paused = 0")
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var workflows []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Steps are loaded after the cursor is closed; the pool holds a single connection.
	if filter.WithSteps {
		for _, wf := range workflows {
			if wf.Steps, err = s.listSteps(ctx, wf.ID); err != nil {
				return nil, err
			}
		}
	}
	return workflows, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var triggerType string
	var triggerCfg, retry, metadata sql.NullString
	var lastExec, lastSched sql.NullInt64
	var created, updated int64
	if err := row.Scan(&wf.ID, &wf.Name, &triggerType, &triggerCfg, &wf.IsActive, &wf.IsPaused, &retry,
		&wf.ExecutionCount, &wf.SuccessCount, &wf.FailureCount, &lastExec, &lastSched,
		&metadata, &created, &updated); err != nil {
		return nil, err
	}
	wf.TriggerType = schema.TriggerType(triggerType)
	if triggerCfg.Valid && triggerCfg.String != "" {
		wf.TriggerConfig = &schema.TriggerConfig{}
		if err := json.Unmarshal([]byte(triggerCfg.String), wf.TriggerConfig); err != nil {
			return nil, fmt.Errorf("unmarshal trigger_config: %w", err)
		}
	}
	if retry.Valid && retry.String != "" {
		wf.Retry = &schema.RetryPolicy{}
		if err := json.Unmarshal([]byte(retry.String), wf.Retry); err != nil {
			return nil, fmt.Errorf("unmarshal retry_policy: %w", err)
		}
	}
	wf.LastExecutedAt = timeFromNull(lastExec)
	wf.LastScheduledAt = timeFromNull(lastSched)
	wf.Metadata = rawOrNil(metadata)
	wf.CreatedAt = fromMillis(created)
	wf.UpdatedAt = fromMillis(updated)
	return wf, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, status, trigger_entity_type, trigger_entity_id, trigger_event,
	trigger_data, attempt, retry_of, not_before, wake_at, cursor, execution_log,
	started_at, completed_at, execution_time_ms, created_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	triggerData, err := marshalMapOrNil(exec.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger_data: %w", err)
	}
	logJSON, err := marshalLog(exec.Log)
	if err != nil {
		return err
	}
	cursor, err := nullableMarshal(exec.Cursor)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	now := s.now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = exec.CreatedAt
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionPending
	}
	if exec.Attempt == 0 {
		exec.Attempt = 1
	}
	exec.UpdatedAt = now

	var execMs any
	if exec.ExecutionTimeMs > 0 {
		execMs = exec.ExecutionTimeMs
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status),
		nullStr(exec.TriggerEntityType), nullStr(exec.TriggerEntityID), nullStr(exec.TriggerEvent),
		triggerData, exec.Attempt, nullStr(exec.RetryOf), nullMillis(exec.NotBefore), nullMillis(exec.WakeAt),
		cursor, logJSON, millis(exec.StartedAt), nullMillis(exec.CompletedAt), execMs,
		millis(exec.CreatedAt), millis(exec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", exec.ID)
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

// ListExecutions returns executions matching filter, oldest first.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.DueBy != nil {
		where = append(where, "(not_before IS NULL OR not_before <= ?)")
		args = append(args, millis(*filter.DueBy))
	}
	if filter.WakeBy != nil {
		where = append(where, "wake_at IS NOT NULL AND wake_at <= ?")
		args = append(args, millis(*filter.WakeBy))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*schema.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// ClaimExecution is a conditional UPDATE keyed on id and current status; at
// most one concurrent caller observes a row change.
func (s *LibSQLStore) ClaimExecution(ctx context.Context, id string, from, to schema.ExecutionStatus) (bool, error) {
	now := s.now()
	sets := "status = ?, updated_at = ?"
	args := []any{string(to), millis(now)}
	if to == schema.ExecutionRunning && from == schema.ExecutionPending {
		sets += ", started_at = ?"
		args = append(args, millis(now))
	}
	args = append(args, id, string(from))
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET `+sets+` WHERE id = ? AND status = ?`, args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{millis(s.now())}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Log != nil {
		logJSON, err := marshalLog(update.Log)
		if err != nil {
			return err
		}
		sets = append(sets, "execution_log = ?")
		args = append(args, logJSON)
	}
	switch {
	case update.ClearCursor:
		sets = append(sets, "cursor = NULL", "wake_at = NULL")
	case update.Cursor != nil:
		c, err := json.Marshal(update.Cursor)
		if err != nil {
			return fmt.Errorf("marshal cursor: %w", err)
		}
		sets = append(sets, "cursor = ?")
		args = append(args, string(c))
	}
	if update.WakeAt != nil {
		sets = append(sets, "wake_at = ?")
		args = append(args, millis(*update.WakeAt))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, millis(*update.CompletedAt))
	}
	if update.ExecutionTimeMs != nil {
		sets = append(sets, "execution_time_ms = ?")
		args = append(args, *update.ExecutionTimeMs)
	}

	query := fmt.Sprintf(`UPDATE executions SET %s WHERE id = ?`, strings.Join(sets, ", "))
	args = append(args, id)
	if update.ExpectStatus != nil {
		query += " AND status = ?"
		args = append(args, string(*update.ExpectStatus))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if update.ExpectStatus != nil {
			if _, gerr := s.GetExecution(ctx, id); gerr == nil {
				return schema.NewErrorf(schema.ErrCodeConflict,
					"execution %s is no longer %s", id, *update.ExpectStatus)
			}
		}
		return storeNotFound("execution", id)
	}
	return nil
}

func scanExecution(row rowScanner) (*schema.Execution, error) {
	e := &schema.Execution{}
	var status string
	var entityType, entityID, event, triggerData, retryOf, cursor sql.NullString
	var logJSON string
	var notBefore, wakeAt, completed, execMs sql.NullInt64
	var started, created, updated int64
	if err := row.Scan(&e.ID, &e.WorkflowID, &status, &entityType, &entityID, &event,
		&triggerData, &e.Attempt, &retryOf, &notBefore, &wakeAt, &cursor, &logJSON,
		&started, &completed, &execMs, &created, &updated); err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.TriggerEntityType = entityType.String
	e.TriggerEntityID = entityID.String
	e.TriggerEvent = event.String
	e.RetryOf = retryOf.String
	if triggerData.Valid && triggerData.String != "" {
		if err := json.Unmarshal([]byte(triggerData.String), &e.TriggerData); err != nil {
			return nil, fmt.Errorf("unmarshal trigger_data: %w", err)
		}
	}
	if cursor.Valid && cursor.String != "" {
		e.Cursor = &schema.Cursor{}
		if err := json.Unmarshal([]byte(cursor.String), e.Cursor); err != nil {
			return nil, fmt.Errorf("unmarshal cursor: %w", err)
		}
	}
	e.Log = []schema.LogEntry{}
	if logJSON != "" {
		if err := json.Unmarshal([]byte(logJSON), &e.Log); err != nil {
			return nil, fmt.Errorf("unmarshal execution_log: %w", err)
		}
	}
	e.NotBefore = timeFromNull(notBefore)
	e.WakeAt = timeFromNull(wakeAt)
	e.CompletedAt = timeFromNull(completed)
	e.ExecutionTimeMs = execMs.Int64
	e.StartedAt = fromMillis(started)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return e, nil
}

// --- Waits ---

func (s *LibSQLStore) CreateWait(ctx context.Context, w *schema.ExecutionWait) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now()
	}
	if w.Status == "" {
		w.Status = schema.WaitPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_waits (id, execution_id, step_id, event_type, entity_type, entity_id,
			expires_at, status, payload, created_at, matched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ExecutionID, w.StepID, w.EventType, nullStr(w.EntityType), nullStr(w.EntityID),
		millis(w.ExpiresAt), string(w.Status), nullRaw(w.Payload), millis(w.CreatedAt), nullMillis(w.MatchedAt),
	)
	if err != nil {
		return fmt.Errorf("insert wait: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListWaits(ctx context.Context, filter WaitFilter) ([]*schema.ExecutionWait, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.ExpiredBy != nil {
		where = append(where, "expires_at <= ?")
		args = append(args, millis(*filter.ExpiredBy))
	}

	query := `SELECT id, execution_id, step_id, event_type, entity_type, entity_id, expires_at,
		status, payload, created_at, matched_at FROM execution_waits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var waits []*schema.ExecutionWait
	for rows.Next() {
		w := &schema.ExecutionWait{}
		var entityType, entityID, payload sql.NullString
		var status string
		var expires, created int64
		var matched sql.NullInt64
		if err := rows.Scan(&w.ID, &w.ExecutionID, &w.StepID, &w.EventType, &entityType, &entityID,
			&expires, &status, &payload, &created, &matched); err != nil {
			return nil, err
		}
		w.EntityType = entityType.String
		w.EntityID = entityID.String
		w.ExpiresAt = fromMillis(expires)
		w.Status = schema.WaitStatus(status)
		w.Payload = rawOrNil(payload)
		w.CreatedAt = fromMillis(created)
		w.MatchedAt = timeFromNull(matched)
		waits = append(waits, w)
	}
	return waits, rows.Err()
}

// ResolveWait moves a pending wait to status. It returns false when the wait
// was already resolved by someone else.
func (s *LibSQLStore) ResolveWait(ctx context.Context, id string, status schema.WaitStatus, payload map[string]any) (bool, error) {
	p, err := marshalMapOrNil(payload)
	if err != nil {
		return false, fmt.Errorf("marshal wait payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_waits SET status = ?, payload = COALESCE(?, payload), matched_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), p, millis(s.now()), id, string(schema.WaitPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- Outbox ---

func (s *LibSQLStore) EnqueueMessage(ctx context.Context, msg *OutboundMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.Status == "" {
		msg.Status = MessageQueued
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbound_messages (id, execution_id, recipient, recipient_name, sender, subject, body,
			status, attempts, error, created_at, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, nullStr(msg.ExecutionID), msg.To, nullStr(msg.ToName), nullStr(msg.From), msg.Subject, msg.Body,
		string(msg.Status), msg.Attempts, nullStr(msg.Error), millis(msg.CreatedAt), nullMillis(msg.SentAt),
	)
	if err != nil {
		return fmt.Errorf("insert outbound message: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListQueuedMessages(ctx context.Context, limit int) ([]*OutboundMessage, error) {
	query := `SELECT id, execution_id, recipient, recipient_name, sender, subject, body, status, attempts,
		error, created_at, sent_at FROM outbound_messages WHERE status = ? ORDER BY created_at ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, string(MessageQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*OutboundMessage
	for rows.Next() {
		m := &OutboundMessage{}
		var execID, toName, from, errMsg sql.NullString
		var status string
		var created int64
		var sent sql.NullInt64
		if err := rows.Scan(&m.ID, &execID, &m.To, &toName, &from, &m.Subject, &m.Body, &status,
			&m.Attempts, &errMsg, &created, &sent); err != nil {
			return nil, err
		}
		m.ExecutionID = execID.String
		m.ToName = toName.String
		m.From = from.String
		m.Status = MessageStatus(status)
		m.Error = errMsg.String
		m.CreatedAt = fromMillis(created)
		m.SentAt = timeFromNull(sent)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkMessage records a delivery attempt and its result.
func (s *LibSQLStore) MarkMessage(ctx context.Context, id string, update MessageUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_messages SET status = ?, error = ?, sent_at = COALESCE(?, sent_at),
			attempts = attempts + 1 WHERE id = ?`,
		string(update.Status), nullStr(update.Error), nullMillis(update.SentAt), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "outbound message", id)
}

// --- Audit events ---

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, workflow_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.WorkflowID), nullStr(event.StepID), event.Type,
		nullRaw(event.Payload), millis(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, workflow_id, step_id, event_type, payload, timestamp, sequence
		 FROM execution_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var workflowID, stepID, payload sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.ExecutionID, &workflowID, &stepID, &e.Type, &payload, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.WorkflowID = workflowID.String
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		e.Timestamp = fromMillis(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.AutoflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// nullableMarshal marshals a pointer value, returning nil for nil pointers.
func nullableMarshal[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalLog(entries []schema.LogEntry) (string, error) {
	if entries == nil {
		return "[]", nil
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal execution_log: %w", err)
	}
	return string(b), nil
}
