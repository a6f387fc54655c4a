// Package pgstore implements store.Store on Postgres via pgx/v5's pool,
// for the `--profile prod` deployment where multiple daemons or readers
// share one state store instead of a single embedded file.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	rerrors "github.com/ralph-build/ralphd/internal/errors"
	"github.com/ralph-build/ralphd/internal/logging"
	"github.com/ralph-build/ralphd/internal/ralphtask"
	"github.com/ralph-build/ralphd/internal/store"
)

const uniqueViolation = "23505"

// Store is the Postgres-backed implementation of store.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, migrates the schema, and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger := logging.NewComponentLogger("pgstore")
	logger.Info("connected postgres store")
	return &Store{pool: pool, logger: logger}, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ClaimTask implements store.Store.
func (s *Store) ClaimTask(ctx context.Context, ref ralphtask.IssueRef, daemonID string, heartbeatTTL time.Duration) (*ralphtask.Task, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := s.getTaskTx(ctx, tx, ref)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if errors.Is(err, store.ErrNotFound) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tasks (owner, repo, issue_number, status, daemon_id, created_at, heartbeat_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)`,
			ref.Owner, ref.Repo, ref.Number, string(ralphtask.StatusInProgress), daemonID, now,
		); err != nil {
			return nil, fmt.Errorf("insert claimed task: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit claim: %w", err)
		}
		return s.GetTask(ctx, ref)
	}

	switch existing.Status {
	case ralphtask.StatusQueued, ralphtask.StatusBlocked:
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET status = $1, daemon_id = $2, heartbeat_at = $3
			WHERE owner = $4 AND repo = $5 AND issue_number = $6 AND status = $7`,
			string(ralphtask.StatusInProgress), daemonID, now,
			ref.Owner, ref.Repo, ref.Number, string(existing.Status),
		)
		if err != nil {
			return nil, fmt.Errorf("claim from %s: %w", existing.Status, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, store.ErrConflict
		}
	case ralphtask.StatusInProgress:
		stale := existing.HeartbeatAt == nil || existing.HeartbeatAt.Before(now.Add(-heartbeatTTL))
		if !stale {
			return nil, store.ErrConflict
		}
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET daemon_id = $1, heartbeat_at = $2
			WHERE owner = $3 AND repo = $4 AND issue_number = $5 AND status = $6 AND (heartbeat_at IS NULL OR heartbeat_at < $7)`,
			daemonID, now, ref.Owner, ref.Repo, ref.Number, string(ralphtask.StatusInProgress), now.Add(-heartbeatTTL),
		)
		if err != nil {
			return nil, fmt.Errorf("reclaim stale lease: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, store.ErrConflict
		}
	default:
		return nil, store.ErrConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return s.GetTask(ctx, ref)
}

// UpdateTaskStatus implements store.Store.
func (s *Store) UpdateTaskStatus(ctx context.Context, ref ralphtask.IssueRef, expected, next ralphtask.Status, patch store.TaskPatch) (*ralphtask.Task, error) {
	now := time.Now().UTC()
	set := []string{"status = $1"}
	args := []any{string(next)}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.ClearBlocked {
		set = append(set, "blocked_source = ''", "blocked_reason = ''", "blocked_details = ''", "blocked_at = NULL")
	}
	if patch.BlockedSource != nil {
		set = append(set, "blocked_source = "+arg(*patch.BlockedSource))
	}
	if patch.BlockedReason != nil {
		set = append(set, "blocked_reason = "+arg(*patch.BlockedReason))
	}
	if patch.BlockedDetails != nil {
		set = append(set, "blocked_details = "+arg(*patch.BlockedDetails))
	}
	if patch.SessionID != nil {
		set = append(set, "session_id = "+arg(*patch.SessionID))
	}
	if patch.WorktreePath != nil {
		set = append(set, "worktree_path = "+arg(*patch.WorktreePath))
	}
	if patch.DaemonID != nil {
		set = append(set, "daemon_id = "+arg(*patch.DaemonID))
	}
	if patch.WatchdogRetries != nil {
		set = append(set, "watchdog_retries = "+arg(*patch.WatchdogRetries))
	}
	if patch.StallRetries != nil {
		set = append(set, "stall_retries = "+arg(*patch.StallRetries))
	}
	if patch.HeartbeatAt != nil {
		set = append(set, "heartbeat_at = "+arg(patch.HeartbeatAt.UTC()))
	}
	if patch.BlockedAt != nil {
		set = append(set, "blocked_at = "+arg(patch.BlockedAt.UTC()))
	}
	if next == ralphtask.StatusCompleted {
		set = append(set, "completed_at = "+arg(now))
	}

	query := "UPDATE tasks SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += fmt.Sprintf(" WHERE owner = %s AND repo = %s AND issue_number = %s AND status = %s",
		arg(ref.Owner), arg(ref.Repo), arg(ref.Number), arg(string(expected)))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, store.ErrConflict
	}
	return s.GetTask(ctx, ref)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetTask implements store.Store.
func (s *Store) GetTask(ctx context.Context, ref ralphtask.IssueRef) (*ralphtask.Task, error) {
	return s.getTaskTx(ctx, s.pool, ref)
}

func (s *Store) getTaskTx(ctx context.Context, q querier, ref ralphtask.IssueRef) (*ralphtask.Task, error) {
	var t ralphtask.Task
	t.IssueRef = ref
	var status string
	err := q.QueryRow(ctx, `
		SELECT status, blocked_source, blocked_reason, blocked_details, session_id,
		       worktree_path, watchdog_retries, stall_retries, daemon_id, created_at,
		       heartbeat_at, blocked_at, completed_at
		FROM tasks WHERE owner = $1 AND repo = $2 AND issue_number = $3`,
		ref.Owner, ref.Repo, ref.Number,
	).Scan(
		&status, &t.BlockedSource, &t.BlockedReason, &t.BlockedDetails, &t.SessionID,
		&t.WorktreePath, &t.WatchdogRetries, &t.StallRetries, &t.DaemonID, &t.CreatedAt,
		&t.HeartbeatAt, &t.BlockedAt, &t.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
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
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT owner, repo, issue_number, status, blocked_source, blocked_reason, blocked_details,
		       session_id, worktree_path, watchdog_retries, stall_retries, daemon_id, created_at,
		       heartbeat_at, blocked_at, completed_at
		FROM tasks WHERE status = ANY($1)
		ORDER BY owner, repo, issue_number ASC`, names)
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
			&t.HeartbeatAt, &t.BlockedAt, &t.CompletedAt,
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, owner, repo, issue_number, attempt_kind, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.RunID, run.TaskRef.Owner, run.TaskRef.Repo, run.TaskRef.Number, string(run.AttemptKind), run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// CompleteRun implements store.Store; idempotent on runID.
func (s *Store) CompleteRun(ctx context.Context, runID string, outcome ralphtask.Outcome, details string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET completed_at = $1, outcome = $2, details = $3
		WHERE run_id = $4 AND completed_at IS NULL`,
		time.Now().UTC(), string(outcome), details, runID,
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin gate upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	var currentStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM gate_results WHERE run_id = $1 AND gate = $2`, result.RunID, string(result.Gate)).Scan(&currentStatus)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx, `
			INSERT INTO gate_results (run_id, gate, status, reason, skip_reason, pr_url, pr_number)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
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
		if _, err := tx.Exec(ctx, `
			UPDATE gate_results SET status = $1, reason = $2, skip_reason = $3, pr_url = $4, pr_number = $5
			WHERE run_id = $6 AND gate = $7`,
			string(result.Status), result.Reason, result.SkipReason, result.PRUrl, result.PRNumber, result.RunID, string(result.Gate),
		); err != nil {
			return fmt.Errorf("update gate result: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// RecordGateArtifact implements store.Store.
func (s *Store) RecordGateArtifact(ctx context.Context, artifact *ralphtask.GateArtifact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gate_artifacts (run_id, gate, kind, content, truncated_mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
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
		payload = []byte(key.PayloadJSON)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, scope, created_at, payload_json) VALUES ($1, $2, $3, $4)`,
		key.Key, key.Scope, time.Now().UTC(), payload,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrKeyExists
		}
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}

// GetIdempotencyRecord implements store.Store.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (*ralphtask.IdempotencyKey, error) {
	var rec ralphtask.IdempotencyKey
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT key, scope, created_at, payload_json FROM idempotency_keys WHERE key = $1`, key).
		Scan(&rec.Key, &rec.Scope, &rec.CreatedAt, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	rec.PayloadJSON = payload
	return &rec, nil
}

// DeleteIdempotencyKey implements store.Store.
func (s *Store) DeleteIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}

// SetParentVerificationPending implements store.Store.
func (s *Store) SetParentVerificationPending(ctx context.Context, ref ralphtask.IssueRef) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO parent_verification (owner, repo, issue_number, status, attempt_count, next_attempt_at)
		VALUES ($1, $2, $3, $4, 0, $5)
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE parent_verification
		SET status = $1, attempt_count = attempt_count + 1
		WHERE owner = $2 AND repo = $3 AND issue_number = $4
		  AND status = $5 AND attempt_count < $6 AND next_attempt_at <= $7`,
		string(ralphtask.ParentVerifyRunning),
		ref.Owner, ref.Repo, ref.Number,
		string(ralphtask.ParentVerifyPending), maxAttempts, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("claim parent verification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, store.ErrConflict
	}

	var state ralphtask.ParentVerificationState
	state.IssueRef = ref
	var status string
	err = s.pool.QueryRow(ctx, `
		SELECT status, attempt_count, next_attempt_at FROM parent_verification
		WHERE owner = $1 AND repo = $2 AND issue_number = $3`, ref.Owner, ref.Repo, ref.Number).
		Scan(&status, &state.AttemptCount, &state.NextAttemptAt)
	if err != nil {
		return nil, fmt.Errorf("read claimed parent verification: %w", err)
	}
	state.Status = ralphtask.ParentVerificationStatus(status)
	return &state, nil
}

// RecordParentVerificationAttemptFailure implements store.Store.
func (s *Store) RecordParentVerificationAttemptFailure(ctx context.Context, ref ralphtask.IssueRef, nextAttemptAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE parent_verification SET status = $1, next_attempt_at = $2
		WHERE owner = $3 AND repo = $4 AND issue_number = $5`,
		string(ralphtask.ParentVerifyPending), nextAttemptAt.UTC(), ref.Owner, ref.Repo, ref.Number,
	)
	if err != nil {
		return fmt.Errorf("record parent verification failure: %w", err)
	}
	return nil
}

// CompleteParentVerification implements store.Store.
func (s *Store) CompleteParentVerification(ctx context.Context, ref ralphtask.IssueRef) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE parent_verification SET status = $1 WHERE owner = $2 AND repo = $3 AND issue_number = $4`,
		string(ralphtask.ParentVerifyComplete), ref.Owner, ref.Repo, ref.Number,
	)
	if err != nil {
		return fmt.Errorf("complete parent verification: %w", err)
	}
	return nil
}

// EnqueueNudge implements store.Store.
func (s *Store) EnqueueNudge(ctx context.Context, sessionID, message string) (*ralphtask.NudgeItem, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO nudge_queue_items (session_id, message, failed_attempts, status, created_at)
		VALUES ($1, $2, 0, 'pending', $3) RETURNING id`,
		sessionID, message, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("enqueue nudge: %w", err)
	}
	return &ralphtask.NudgeItem{ID: strconv.FormatInt(id, 10), Message: message}, nil
}

// PeekNudge implements store.Store.
func (s *Store) PeekNudge(ctx context.Context, sessionID string) (*ralphtask.NudgeItem, error) {
	var item ralphtask.NudgeItem
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, message, failed_attempts FROM nudge_queue_items
		WHERE session_id = $1 AND status = 'pending' ORDER BY id ASC LIMIT 1`, sessionID).
		Scan(&id, &item.Message, &item.FailedAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err = s.pool.Exec(ctx, `
		DELETE FROM nudge_queue_items WHERE session_id = $1 AND id = $2`, sessionID, id)
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
	_, err = s.pool.Exec(ctx, `
		UPDATE nudge_queue_items SET failed_attempts = failed_attempts + 1
		WHERE session_id = $1 AND id = $2`, sessionID, id)
	if err != nil {
		return fmt.Errorf("fail nudge: %w", err)
	}
	return nil
}

// RecordTokenTotal implements store.Store.
func (s *Store) RecordTokenTotal(ctx context.Context, total *ralphtask.TokenTotal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_token_totals (run_id, session_id, tokens, quality)
		VALUES ($1, $2, $3, $4)
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO repo_configs (owner, repo, default_branch, automation_label, priority_band, max_concurrency, allow_main_label, ci_only_paths)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner, repo) DO UPDATE SET
			default_branch = excluded.default_branch,
			automation_label = excluded.automation_label,
			priority_band = excluded.priority_band,
			max_concurrency = excluded.max_concurrency,
			allow_main_label = excluded.allow_main_label,
			ci_only_paths = excluded.ci_only_paths`,
		cfg.Owner, cfg.Repo, cfg.DefaultBranch, cfg.AutomationLabel, cfg.PriorityBand, cfg.MaxConcurrency, cfg.AllowMainLabel, paths,
	)
	if err != nil {
		return fmt.Errorf("upsert repo config: %w", err)
	}
	return nil
}

// ListRepoConfigs implements store.Store.
func (s *Store) ListRepoConfigs(ctx context.Context) ([]*ralphtask.RepoConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT owner, repo, default_branch, automation_label, priority_band, max_concurrency, allow_main_label, ci_only_paths
		FROM repo_configs ORDER BY priority_band DESC, owner, repo`)
	if err != nil {
		return nil, fmt.Errorf("list repo configs: %w", err)
	}
	defer rows.Close()

	var out []*ralphtask.RepoConfig
	for rows.Next() {
		var cfg ralphtask.RepoConfig
		var paths []byte
		if err := rows.Scan(&cfg.Owner, &cfg.Repo, &cfg.DefaultBranch, &cfg.AutomationLabel,
			&cfg.PriorityBand, &cfg.MaxConcurrency, &cfg.AllowMainLabel, &paths); err != nil {
			return nil, fmt.Errorf("scan repo config: %w", err)
		}
		_ = json.Unmarshal(paths, &cfg.CIOnlyPaths)
		out = append(out, &cfg)
	}
	return out, rows.Err()
}

// RecordHeartbeat implements store.Store.
func (s *Store) RecordHeartbeat(ctx context.Context, hb *ralphtask.DaemonHeartbeat) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daemon_heartbeats (daemon_id, last_tick_at, tasks_in_flight, throttle_gate)
		VALUES ($1, $2, $3, $4)
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
