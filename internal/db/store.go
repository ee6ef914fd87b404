package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mkoga/stallmux/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store is the sqlite-backed audit trail: the configured target registry,
// executed mitigations, and emitted alert events.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) UpsertTarget(ctx context.Context, target model.Target) error {
	if target.UpdatedAt.IsZero() {
		target.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO targets(target_id, target_name, kind, connection_ref, pane_ref, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(target_id) DO UPDATE SET
	target_name=excluded.target_name,
	kind=excluded.kind,
	connection_ref=excluded.connection_ref,
	pane_ref=excluded.pane_ref,
	updated_at=excluded.updated_at
`, target.TargetID, target.TargetName, string(target.Kind), target.ConnectionRef, target.PaneRef, ts(target.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

func (s *Store) ListTargets(ctx context.Context) ([]model.Target, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT target_id, target_name, kind, connection_ref, pane_ref, updated_at
FROM targets
ORDER BY target_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Target
	for rows.Next() {
		var (
			t       model.Target
			kind    string
			updated string
		)
		if err := rows.Scan(&t.TargetID, &t.TargetName, &kind, &t.ConnectionRef, &t.PaneRef, &updated); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		t.Kind = model.TargetKind(kind)
		t.UpdatedAt = parseTS(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetTarget(ctx context.Context, targetID string) (model.Target, error) {
	var (
		t       model.Target
		kind    string
		updated string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT target_id, target_name, kind, connection_ref, pane_ref, updated_at
FROM targets WHERE target_id = ?`, targetID).
		Scan(&t.TargetID, &t.TargetName, &kind, &t.ConnectionRef, &t.PaneRef, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Target{}, ErrNotFound
	}
	if err != nil {
		return model.Target{}, fmt.Errorf("get target: %w", err)
	}
	t.Kind = model.TargetKind(kind)
	t.UpdatedAt = parseTS(updated)
	return t, nil
}

// RecordMitigation inserts one executed (or failed) rescue.
func (s *Store) RecordMitigation(ctx context.Context, action model.MitigationAction) error {
	var completed any
	if action.CompletedAt != nil {
		completed = ts(*action.CompletedAt)
	}
	var errCode any
	if action.ErrorCode != nil {
		errCode = *action.ErrorCode
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO mitigation_actions(action_id, request_id, target_id, strategy, severity, attempts, requested_at, completed_at, result_code, error_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, action.ActionID, action.RequestID, action.TargetID, string(action.Strategy), string(action.Severity), action.Attempts, ts(action.RequestedAt), completed, action.ResultCode, errCode)
	if err != nil {
		return fmt.Errorf("record mitigation: %w", err)
	}
	return nil
}

// ListMitigations returns recent actions, newest first. A non-empty
// targetID filters to one target.
func (s *Store) ListMitigations(ctx context.Context, targetID string, limit int) ([]model.MitigationAction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT action_id, request_id, target_id, strategy, severity, attempts, requested_at, completed_at, result_code, error_code
FROM mitigation_actions`
	args := make([]any, 0, 2)
	if targetID != "" {
		query += ` WHERE target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY requested_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list mitigations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.MitigationAction
	for rows.Next() {
		var (
			a         model.MitigationAction
			strategy  string
			severity  string
			requested string
			completed sql.NullString
			errCode   sql.NullString
		)
		if err := rows.Scan(&a.ActionID, &a.RequestID, &a.TargetID, &strategy, &severity, &a.Attempts, &requested, &completed, &a.ResultCode, &errCode); err != nil {
			return nil, fmt.Errorf("scan mitigation: %w", err)
		}
		a.Strategy = model.Strategy(strategy)
		a.Severity = model.Severity(severity)
		a.RequestedAt = parseTS(requested)
		if completed.Valid {
			v := parseTS(completed.String)
			a.CompletedAt = &v
		}
		if errCode.Valid {
			v := errCode.String
			a.ErrorCode = &v
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordAlert persists one alert event.
func (s *Store) RecordAlert(ctx context.Context, ev model.AlertEvent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO alert_events(event_id, event_type, target_id, code, message, emitted_at)
VALUES (?, ?, ?, ?, ?, ?)
`, ev.EventID, ev.EventType, ev.TargetID, ev.Code, ev.Message, ts(ev.EmittedAt))
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

// ListAlerts returns recent alert events, newest first.
func (s *Store) ListAlerts(ctx context.Context, limit int) ([]model.AlertEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, event_type, target_id, code, message, emitted_at
FROM alert_events
ORDER BY emitted_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AlertEvent
	for rows.Next() {
		var (
			ev      model.AlertEvent
			emitted string
		)
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.TargetID, &ev.Code, &ev.Message, &emitted); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		ev.EmittedAt = parseTS(emitted)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PurgeRetention drops audit rows older than the cutoff.
func (s *Store) PurgeRetention(ctx context.Context, cutoff time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alert_events WHERE emitted_at < ?`, ts(cutoff)); err != nil {
		return fmt.Errorf("purge alerts: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mitigation_actions WHERE requested_at < ?`, ts(cutoff)); err != nil {
		return fmt.Errorf("purge mitigations: %w", err)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
