// Package sqlitestore implements store.Store on top of an embedded,
// pure-Go SQLite database (modernc.org/sqlite, no CGO). It keeps a
// single write connection in WAL mode — sqlite serializes writers at the
// file level regardless, but a dedicated single-conn pool makes that
// explicit and avoids SQLITE_BUSY churn under the daemon's concurrent
// worker writes — plus a separate pool of up to four connections, opened
// with the same DSN and used only for concurrent scheduler/status reads.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	rerrors "github.com/ralph-build/ralphd/internal/errors"
	"github.com/ralph-build/ralphd/internal/logging"
	"github.com/ralph-build/ralphd/internal/ralphtask"
	"github.com/ralph-build/ralphd/internal/store"
)

// Store is the sqlite-backed implementation of store.Store.
type Store struct {
	write  *sql.DB
	read   *sql.DB
	logger logging.Logger
}

var _ store.Store = (*Store)(nil)

// Open creates (if needed) and migrates the database at path, returning a
// Store backed by a single-writer connection and a separate read pool.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite write handle: %w", err)
	}
	write.SetMaxOpenConns(1)
	write.SetMaxIdleConns(1)

	if err := migrate(ctx, write); err != nil {
		write.Close()
		return nil, err
	}

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open sqlite read handle: %w", err)
	}
	read.SetMaxOpenConns(4)

	logger := logging.NewComponentLogger("sqlitestore")
	logger.Info("opened sqlite store at %s", path)
	return &Store{write: write, read: read, logger: logger}, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	werr := s.write.Close()
	rerr := s.read.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func scanNullTime(dest **time.Time) any {
	return &sqlNullTimeScanner{dest: dest}
}

type sqlNullTimeScanner struct {
	dest **time.Time
}

func (s *sqlNullTimeScanner) Scan(src any) error {
	if src == nil {
		*s.dest = nil
		return nil
	}
	switch v := src.(type) {
	case time.Time:
		t := v
		*s.dest = &t
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return err
		}
		*s.dest = &t
	default:
		return fmt.Errorf("unsupported time scan source %T", src)
	}
	return nil
}

// ClaimTask implements store.Store.
func (s *Store) ClaimTask(ctx context.Context, ref ralphtask.IssueRef, daemonID string, heartbeatTTL time.Duration) (*ralphtask.Task, error) {
	now := time.Now().UTC()

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.getTaskTx(ctx, tx, ref)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	if err == store.ErrNotFound {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (owner, repo, issue_number, status, daemon_id, created_at, heartbeat_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ref.Owner, ref.Repo, ref.Number, string(ralphtask.StatusInProgress), daemonID, now, now,
		); err != nil {
			return nil, fmt.Errorf("insert claimed task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit claim: %w", err)
		}
		return s.GetTask(ctx, ref)
	}

	switch existing.Status {
	case ralphtask.StatusQueued, ralphtask.StatusBlocked:
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, daemon_id = ?, heartbeat_at = ?
			WHERE owner = ? AND repo = ? AND issue_number = ? AND status = ?`,
			string(ralphtask.StatusInProgress), daemonID, now,
			ref.Owner, ref.Repo, ref.Number, string(existing.Status),
		)
		if err != nil {
			return nil, fmt.Errorf("claim from %s: %w", existing.Status, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil, store.ErrConflict
		}
	case ralphtask.StatusInProgress:
		stale := existing.HeartbeatAt == nil || existing.HeartbeatAt.Before(now.Add(-heartbeatTTL))
		if !stale {
			return nil, store.ErrConflict
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET daemon_id = ?, heartbeat_at = ?
			WHERE owner = ? AND repo = ? AND issue_number = ? AND status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)`,
			daemonID, now, ref.Owner, ref.Repo, ref.Number, string(ralphtask.StatusInProgress), now.Add(-heartbeatTTL),
		)
		if err != nil {
			return nil, fmt.Errorf("reclaim stale lease: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil, store.ErrConflict
		}
	default:
		return nil, store.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return s.GetTask(ctx, ref)
}

// UpdateTaskStatus implements store.Store.
func (s *Store) UpdateTaskStatus(ctx context.Context, ref ralphtask.IssueRef, expected, next ralphtask.Status, patch store.TaskPatch) (*ralphtask.Task, error) {
	now := time.Now().UTC()

	set := []string{"status = ?"}
	args := []any{string(next)}

	if patch.ClearBlocked {
		set = append(set, "blocked_source = ''", "blocked_reason = ''", "blocked_details = ''", "blocked_at = NULL")
	}
	if patch.BlockedSource != nil {
		set = append(set, "blocked_source = ?")
		args = append(args, *patch.BlockedSource)
	}
	if patch.BlockedReason != nil {
		set = append(set, "blocked_reason = ?")
		args = append(args, *patch.BlockedReason)
	}
	if patch.BlockedDetails != nil {
		set = append(set, "blocked_details = ?")
		args = append(args, *patch.BlockedDetails)
	}
	if patch.SessionID != nil {
		set = append(set, "session_id = ?")
		args = append(args, *patch.SessionID)
	}
	if patch.WorktreePath != nil {
		set = append(set, "worktree_path = ?")
		args = append(args, *patch.WorktreePath)
	}
	if patch.DaemonID != nil {
		set = append(set, "daemon_id = ?")
		args = append(args, *patch.DaemonID)
	}
	if patch.WatchdogRetries != nil {
		set = append(set, "watchdog_retries = ?")
		args = append(args, *patch.WatchdogRetries)
	}
	if patch.StallRetries != nil {
		set = append(set, "stall_retries = ?")
		args = append(args, *patch.StallRetries)
	}
	if patch.HeartbeatAt != nil {
		set = append(set, "heartbeat_at = ?")
		args = append(args, patch.HeartbeatAt.UTC())
	}
	if patch.BlockedAt != nil {
		set = append(set, "blocked_at = ?")
		args = append(args, patch.BlockedAt.UTC())
	}
	if next == ralphtask.StatusCompleted {
		set = append(set, "completed_at = ?")
		args = append(args, now)
	}

	query := "UPDATE tasks SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE owner = ? AND repo = ? AND issue_number = ? AND status = ?"
	args = append(args, ref.Owner, ref.Repo, ref.Number, string(expected))

	res, err := s.write.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrConflict
	}
	return s.GetTask(ctx, ref)
}

// GetTask implements store.Store.
func (s *Store) GetTask(ctx context.Context, ref ralphtask.IssueRef) (*ralphtask.Task, error) {
	return s.getTaskTx(ctx, s.read, ref)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getTaskTx(ctx context.Context, q querier, ref ralphtask.IssueRef) (*ralphtask.Task, error) {
	var t ralphtask.Task
	t.IssueRef = ref
	var status string
	row := q.QueryRowContext(ctx, `
		SELECT status, blocked_source, blocked_reason, blocked_details, session_id,
		       worktree_path, watchdog_retries, stall_retries, daemon_id, created_at,
		       heartbeat_at, blocked_at, completed_at
		FROM tasks WHERE owner = ? AND repo = ? AND issue_number = ?`,
		ref.Owner, ref.Repo, ref.Number,
	)
	err := row.Scan(
		&status, &t.BlockedSource, &t.BlockedReason, &t.BlockedDetails, &t.SessionID,
		&t.WorktreePath, &t.WatchdogRetries, &t.StallRetries, &t.DaemonID, &t.CreatedAt,
		scanNullTime(&t.HeartbeatAt), scanNullTime(&t.BlockedAt), scanNullTime(&t.CompletedAt),
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = ralphtask.Status(status)
	return &t, nil
}

// ListTasksByStatus implements store.Store.
func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...ralphtask.Status) ([]*ralphtask.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}

	rows, err := s.read.QueryContext(ctx, `
		SELECT owner, repo, issue_number, status, blocked_source, blocked_reason, blocked_details,
		       session_id, worktree_path, watchdog_retries, stall_retries, daemon_id, created_at,
		       heartbeat_at, blocked_at, completed_at
		FROM tasks WHERE status IN (`+placeholders+`)
		ORDER BY owner, repo, issue_number ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*ralphtask.Task
	for rows.Next() {
		var t ralphtask.Task
		var status string
		if err := rows.Scan(
			&t.IssueRef.Owner, &t.IssueRef.Repo, &t.IssueRef.Number, &status,
			&t.BlockedSource, &t.BlockedReason, &t.BlockedDetails, &t.SessionID, &t.WorktreePath,
			&t.WatchdogRetries, &t.StallRetries, &t.DaemonID, &t.CreatedAt,
			scanNullTime(&t.HeartbeatAt), scanNullTime(&t.BlockedAt), scanNullTime(&t.CompletedAt),
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t.Status = ralphtask.Status(status)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// CreateRun implements store.Store.
func (s *Store) CreateRun(ctx context.Context, run *ralphtask.Run) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO runs (run_id, owner, repo, issue_number, attempt_kind, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.TaskRef.Owner, run.TaskRef.Repo, run.TaskRef.Number, string(run.AttemptKind), run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// CompleteRun implements store.Store; idempotent on runID.
func (s *Store) CompleteRun(ctx context.Context, runID string, outcome ralphtask.Outcome, details string) error {
	res, err := s.write.ExecContext(ctx, `
		UPDATE runs SET completed_at = ?, outcome = ?, details = ?
		WHERE run_id = ? AND completed_at IS NULL`,
		time.Now().UTC(), string(outcome), details, runID,
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	_, _ = res.RowsAffected() // already-completed runs are a deliberate no-op
	return nil
}

var gateRank = map[ralphtask.GateStatus]int{
	ralphtask.GatePending: 0,
	ralphtask.GatePass:    1,
	ralphtask.GateFail:    1,
	ralphtask.GateSkipped: 1,
}

// UpsertGateResult implements store.Store, refusing backward transitions.
func (s *Store) UpsertGateResult(ctx context.Context, result *ralphtask.GateResult) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin gate upsert: %w", err)
	}
	defer tx.Rollback()

	var currentStatus string
	err = tx.QueryRowContext(ctx, `SELECT status FROM gate_results WHERE run_id = ? AND gate = ?`, result.RunID, string(result.Gate)).Scan(&currentStatus)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gate_results (run_id, gate, status, reason, skip_reason, pr_url, pr_number)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			result.RunID, string(result.Gate), string(result.Status), result.Reason, result.SkipReason, result.PRUrl, result.PRNumber,
		); err != nil {
			return fmt.Errorf("insert gate result: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read gate result: %w", err)
	default:
		if gateRank[ralphtask.GateStatus(currentStatus)] > gateRank[result.Status] {
			return rerrors.WithKind(rerrors.KindConflict, fmt.Errorf("gate %s cannot move backward from %s to %s", result.Gate, currentStatus, result.Status))
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE gate_results SET status = ?, reason = ?, skip_reason = ?, pr_url = ?, pr_number = ?
			WHERE run_id = ? AND gate = ?`,
			string(result.Status), result.Reason, result.SkipReason, result.PRUrl, result.PRNumber, result.RunID, string(result.Gate),
		); err != nil {
			return fmt.Errorf("update gate result: %w", err)
		}
	}
	return tx.Commit()
}

// RecordGateArtifact implements store.Store.
func (s *Store) RecordGateArtifact(ctx context.Context, artifact *ralphtask.GateArtifact) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO gate_artifacts (run_id, gate, kind, content, truncated_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.RunID, string(artifact.Gate), string(artifact.Kind), artifact.Content, artifact.TruncatedMode, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record gate artifact: %w", err)
	}
	return nil
}

// RecordIdempotencyKey implements store.Store.
func (s *Store) RecordIdempotencyKey(ctx context.Context, key *ralphtask.IdempotencyKey) error {
	var payload any
	if len(key.PayloadJSON) > 0 {
		payload = string(key.PayloadJSON)
	}
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, scope, created_at, payload_json) VALUES (?, ?, ?, ?)`,
		key.Key, key.Scope, time.Now().UTC(), payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrKeyExists
		}
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}

// GetIdempotencyRecord implements store.Store.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (*ralphtask.IdempotencyKey, error) {
	var rec ralphtask.IdempotencyKey
	var payload sql.NullString
	err := s.read.QueryRowContext(ctx, `SELECT key, scope, created_at, payload_json FROM idempotency_keys WHERE key = ?`, key).
		Scan(&rec.Key, &rec.Scope, &rec.CreatedAt, &payload)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	if payload.Valid {
		rec.PayloadJSON = json.RawMessage(payload.String)
	}
	return &rec, nil
}

// DeleteIdempotencyKey implements store.Store.
func (s *Store) DeleteIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}

// SetParentVerificationPending implements store.Store.
func (s *Store) SetParentVerificationPending(ctx context.Context, ref ralphtask.IssueRef) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO parent_verification (owner, repo, issue_number, status, attempt_count, next_attempt_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (owner, repo, issue_number) DO UPDATE SET status = excluded.status, attempt_count = 0, next_attempt_at = excluded.next_attempt_at`,
		ref.Owner, ref.Repo, ref.Number, string(ralphtask.ParentVerifyPending), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set parent verification pending: %w", err)
	}
	return nil
}

// ClaimParentVerification implements store.Store.
func (s *Store) ClaimParentVerification(ctx context.Context, ref ralphtask.IssueRef, now time.Time, maxAttempts int) (*ralphtask.ParentVerificationState, error) {
	res, err := s.write.ExecContext(ctx, `
		UPDATE parent_verification
		SET status = ?, attempt_count = attempt_count + 1
		WHERE owner = ? AND repo = ? AND issue_number = ?
		  AND status = ? AND attempt_count < ? AND next_attempt_at <= ?`,
		string(ralphtask.ParentVerifyRunning),
		ref.Owner, ref.Repo, ref.Number,
		string(ralphtask.ParentVerifyPending), maxAttempts, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("claim parent verification: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, store.ErrConflict
	}

	var state ralphtask.ParentVerificationState
	state.IssueRef = ref
	var status string
	err = s.read.QueryRowContext(ctx, `
		SELECT status, attempt_count, next_attempt_at FROM parent_verification
		WHERE owner = ? AND repo = ? AND issue_number = ?`, ref.Owner, ref.Repo, ref.Number).
		Scan(&status, &state.AttemptCount, &state.NextAttemptAt)
	if err != nil {
		return nil, fmt.Errorf("read claimed parent verification: %w", err)
	}
	state.Status = ralphtask.ParentVerificationStatus(status)
	return &state, nil
}

// RecordParentVerificationAttemptFailure implements store.Store.
func (s *Store) RecordParentVerificationAttemptFailure(ctx context.Context, ref ralphtask.IssueRef, nextAttemptAt time.Time) error {
	_, err := s.write.ExecContext(ctx, `
		UPDATE parent_verification SET status = ?, next_attempt_at = ?
		WHERE owner = ? AND repo = ? AND issue_number = ?`,
		string(ralphtask.ParentVerifyPending), nextAttemptAt.UTC(), ref.Owner, ref.Repo, ref.Number,
	)
	if err != nil {
		return fmt.Errorf("record parent verification failure: %w", err)
	}
	return nil
}

// CompleteParentVerification implements store.Store.
func (s *Store) CompleteParentVerification(ctx context.Context, ref ralphtask.IssueRef) error {
	_, err := s.write.ExecContext(ctx, `
		UPDATE parent_verification SET status = ? WHERE owner = ? AND repo = ? AND issue_number = ?`,
		string(ralphtask.ParentVerifyComplete), ref.Owner, ref.Repo, ref.Number,
	)
	if err != nil {
		return fmt.Errorf("complete parent verification: %w", err)
	}
	return nil
}

// EnqueueNudge implements store.Store.
func (s *Store) EnqueueNudge(ctx context.Context, sessionID, message string) (*ralphtask.NudgeItem, error) {
	res, err := s.write.ExecContext(ctx, `
		INSERT INTO nudge_queue_items (session_id, message, failed_attempts, status, created_at)
		VALUES (?, ?, 0, 'pending', ?)`,
		sessionID, message, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue nudge: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("enqueue nudge: %w", err)
	}
	return &ralphtask.NudgeItem{ID: strconv.FormatInt(id, 10), Message: message}, nil
}

// PeekNudge implements store.Store.
func (s *Store) PeekNudge(ctx context.Context, sessionID string) (*ralphtask.NudgeItem, error) {
	var item ralphtask.NudgeItem
	var id int64
	err := s.read.QueryRowContext(ctx, `
		SELECT id, message, failed_attempts FROM nudge_queue_items
		WHERE session_id = ? AND status = 'pending' ORDER BY id ASC LIMIT 1`, sessionID).
		Scan(&id, &item.Message, &item.FailedAttempts)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("peek nudge: %w", err)
	}
	item.ID = strconv.FormatInt(id, 10)
	return &item, nil
}

// CompleteNudge implements store.Store.
func (s *Store) CompleteNudge(ctx context.Context, sessionID, itemID string) error {
	id, err := strconv.ParseInt(itemID, 10, 64)
	if err != nil {
		return fmt.Errorf("complete nudge: invalid item id %q: %w", itemID, err)
	}
	_, err = s.write.ExecContext(ctx, `
		DELETE FROM nudge_queue_items WHERE session_id = ? AND id = ?`, sessionID, id)
	if err != nil {
		return fmt.Errorf("complete nudge: %w", err)
	}
	return nil
}

// FailNudge implements store.Store.
func (s *Store) FailNudge(ctx context.Context, sessionID, itemID string) error {
	id, err := strconv.ParseInt(itemID, 10, 64)
	if err != nil {
		return fmt.Errorf("fail nudge: invalid item id %q: %w", itemID, err)
	}
	_, err = s.write.ExecContext(ctx, `
		UPDATE nudge_queue_items SET failed_attempts = failed_attempts + 1
		WHERE session_id = ? AND id = ?`, sessionID, id)
	if err != nil {
		return fmt.Errorf("fail nudge: %w", err)
	}
	return nil
}

// RecordTokenTotal implements store.Store.
func (s *Store) RecordTokenTotal(ctx context.Context, total *ralphtask.TokenTotal) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO run_token_totals (run_id, session_id, tokens, quality)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, session_id) DO UPDATE SET tokens = excluded.tokens, quality = excluded.quality`,
		total.RunID, total.SessionID, total.Tokens, total.Quality,
	)
	if err != nil {
		return fmt.Errorf("record token total: %w", err)
	}
	return nil
}

// UpsertRepoConfig implements store.Store.
func (s *Store) UpsertRepoConfig(ctx context.Context, cfg *ralphtask.RepoConfig) error {
	paths, err := json.Marshal(cfg.CIOnlyPaths)
	if err != nil {
		return fmt.Errorf("marshal ci-only paths: %w", err)
	}
	_, err = s.write.ExecContext(ctx, `
		INSERT INTO repo_configs (owner, repo, default_branch, automation_label, priority_band, max_concurrency, allow_main_label, ci_only_paths)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, repo) DO UPDATE SET
			default_branch = excluded.default_branch,
			automation_label = excluded.automation_label,
			priority_band = excluded.priority_band,
			max_concurrency = excluded.max_concurrency,
			allow_main_label = excluded.allow_main_label,
			ci_only_paths = excluded.ci_only_paths`,
		cfg.Owner, cfg.Repo, cfg.DefaultBranch, cfg.AutomationLabel, cfg.PriorityBand, cfg.MaxConcurrency, cfg.AllowMainLabel, string(paths),
	)
	if err != nil {
		return fmt.Errorf("upsert repo config: %w", err)
	}
	return nil
}

// ListRepoConfigs implements store.Store.
func (s *Store) ListRepoConfigs(ctx context.Context) ([]*ralphtask.RepoConfig, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT owner, repo, default_branch, automation_label, priority_band, max_concurrency, allow_main_label, ci_only_paths
		FROM repo_configs ORDER BY priority_band DESC, owner, repo`)
	if err != nil {
		return nil, fmt.Errorf("list repo configs: %w", err)
	}
	defer rows.Close()

	var out []*ralphtask.RepoConfig
	for rows.Next() {
		var cfg ralphtask.RepoConfig
		var paths string
		if err := rows.Scan(&cfg.Owner, &cfg.Repo, &cfg.DefaultBranch, &cfg.AutomationLabel,
			&cfg.PriorityBand, &cfg.MaxConcurrency, &cfg.AllowMainLabel, &paths); err != nil {
			return nil, fmt.Errorf("scan repo config: %w", err)
		}
		_ = json.Unmarshal([]byte(paths), &cfg.CIOnlyPaths)
		out = append(out, &cfg)
	}
	return out, rows.Err()
}

// RecordHeartbeat implements store.Store.
func (s *Store) RecordHeartbeat(ctx context.Context, hb *ralphtask.DaemonHeartbeat) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO daemon_heartbeats (daemon_id, last_tick_at, tasks_in_flight, throttle_gate)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (daemon_id) DO UPDATE SET
			last_tick_at = excluded.last_tick_at,
			tasks_in_flight = excluded.tasks_in_flight,
			throttle_gate = excluded.throttle_gate`,
		hb.DaemonID, hb.LastTickAt.UTC(), hb.TasksInFlight, hb.ThrottleGate,
	)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint violations as a *sqlite.Error
	// whose message contains "UNIQUE constraint failed"; matching on the
	// message is the documented way to detect this without importing the
	// driver's internal error code constants.
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "constraint violation")
}
