package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sweeney/guardian/internal/logic"
	"github.com/sweeney/guardian/internal/secret"
)

// SQLiteStore persists to a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open guardian db: %w", err)
	}
	// One writer; the outbox serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS secrets (
		user_id     TEXT PRIMARY KEY,
		overt_hash  TEXT NOT NULL,
		covert_hash TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create secrets table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS alert_events (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		started_at       TEXT NOT NULL,
		resolved_at      TEXT,
		trigger_source   TEXT NOT NULL,
		status           TEXT NOT NULL CHECK (status IN ('ACTIVE', 'RESOLVED', 'CANCELLED')),
		silent           INTEGER NOT NULL DEFAULT 0,
		notified_targets TEXT NOT NULL DEFAULT '[]',
		lat              REAL,
		lng              REAL,
		accuracy         REAL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create alert_events table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_alert_events_user ON alert_events(user_id, started_at)`)

	return &SQLiteStore{db: db}, nil
}

// LoadUserSecrets returns the stored hashes for userID.
func (s *SQLiteStore) LoadUserSecrets(ctx context.Context, userID string) (secret.Stored, error) {
	var st secret.Stored
	err := s.db.QueryRowContext(ctx,
		`SELECT overt_hash, covert_hash FROM secrets WHERE user_id = ?`, userID,
	).Scan(&st.OvertHash, &st.CovertHash)
	if errors.Is(err, sql.ErrNoRows) {
		return secret.Stored{}, ErrNotFound
	}
	if err != nil {
		return secret.Stored{}, fmt.Errorf("load secrets: %w", err)
	}
	return st, nil
}

// SaveSecrets replaces the stored hashes for userID.
func (s *SQLiteStore) SaveSecrets(ctx context.Context, userID string, st secret.Stored) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO secrets (user_id, overt_hash, covert_hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			overt_hash = excluded.overt_hash,
			covert_hash = excluded.covert_hash,
			updated_at = excluded.updated_at`,
		userID, st.OvertHash, st.CovertHash, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save secrets: %w", err)
	}
	return nil
}

// CreateAlertEvent inserts ev. Inserting the same id twice is a no-op, so a
// retried create after a lost acknowledgement is safe.
func (s *SQLiteStore) CreateAlertEvent(ctx context.Context, userID string, ev logic.AlertEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	targets, err := json.Marshal(nonNil(ev.NotifiedTargets))
	if err != nil {
		return "", fmt.Errorf("encode targets: %w", err)
	}
	var lat, lng, acc sql.NullFloat64
	if ev.Location != nil {
		lat = sql.NullFloat64{Float64: ev.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: ev.Location.Lng, Valid: true}
		acc = sql.NullFloat64{Float64: ev.Location.Accuracy, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO alert_events
		(id, user_id, started_at, resolved_at, trigger_source, status, silent, notified_targets, lat, lng, accuracy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		ev.ID, userID, formatTime(ev.StartedAt), formatTimePtr(ev.ResolvedAt),
		string(ev.TriggerSource), string(ev.Status), boolInt(ev.Silent), string(targets),
		lat, lng, acc,
	)
	if err != nil {
		return "", fmt.Errorf("create alert event: %w", err)
	}
	return ev.ID, nil
}

// UpdateAlertEvent closes an active event.
func (s *SQLiteStore) UpdateAlertEvent(ctx context.Context, id string, status logic.Status, resolvedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_events SET status = ?, resolved_at = ? WHERE id = ? AND status = 'ACTIVE'`,
		string(status), formatTime(resolvedAt), id,
	)
	if err != nil {
		return fmt.Errorf("update alert event: %w", err)
	}
	return s.checkUpdated(ctx, res, id)
}

// UpdateAlertTargets replaces the notified targets of an active event.
func (s *SQLiteStore) UpdateAlertTargets(ctx context.Context, id string, targets []string) error {
	data, err := json.Marshal(nonNil(targets))
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_events SET notified_targets = ? WHERE id = ? AND status = 'ACTIVE'`,
		string(data), id,
	)
	if err != nil {
		return fmt.Errorf("update alert targets: %w", err)
	}
	return s.checkUpdated(ctx, res, id)
}

// UpdateAlertLocation replaces the location of an active event.
func (s *SQLiteStore) UpdateAlertLocation(ctx context.Context, id string, loc logic.Location) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_events SET lat = ?, lng = ?, accuracy = ? WHERE id = ? AND status = 'ACTIVE'`,
		loc.Lat, loc.Lng, loc.Accuracy, id,
	)
	if err != nil {
		return fmt.Errorf("update alert location: %w", err)
	}
	return s.checkUpdated(ctx, res, id)
}

func (s *SQLiteStore) checkUpdated(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM alert_events WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check alert event: %w", err)
	}
	return ErrImmutable
}

// ListAlertEvents returns up to limit events for userID, newest first.
func (s *SQLiteStore) ListAlertEvents(ctx context.Context, userID string, limit int) ([]logic.AlertEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, started_at, resolved_at, trigger_source, status, silent,
		notified_targets, lat, lng, accuracy
		FROM alert_events WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list alert events: %w", err)
	}
	defer rows.Close()

	var out []logic.AlertEvent
	for rows.Next() {
		var (
			ev                 logic.AlertEvent
			started, source    string
			status, targets    string
			resolved           sql.NullString
			silent             int
			lat, lng, accuracy sql.NullFloat64
		)
		if err := rows.Scan(&ev.ID, &started, &resolved, &source, &status, &silent,
			&targets, &lat, &lng, &accuracy); err != nil {
			return nil, fmt.Errorf("scan alert event: %w", err)
		}
		ev.StartedAt, _ = time.Parse(tsLayout, started)
		if resolved.Valid {
			t, _ := time.Parse(tsLayout, resolved.String)
			ev.ResolvedAt = &t
		}
		ev.TriggerSource = logic.Source(source)
		ev.Status = logic.Status(status)
		ev.Silent = silent != 0
		if err := json.Unmarshal([]byte(targets), &ev.NotifiedTargets); err != nil {
			return nil, fmt.Errorf("decode targets for %s: %w", ev.ID, err)
		}
		if lat.Valid && lng.Valid {
			ev.Location = &logic.Location{Lat: lat.Float64, Lng: lng.Float64, Accuracy: accuracy.Float64}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// tsLayout is fixed width so stored timestamps sort chronologically as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
