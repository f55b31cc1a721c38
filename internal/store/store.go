// Package store persists teams, pages and the escalation schedule in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/KafClaw/KafPage/internal/escalation"

	_ "modernc.org/sqlite"
)

// PageStore is the page contract shared by the SQLite and Redis backends.
type PageStore interface {
	CreatePage(ctx context.Context, p *escalation.Page) error
	GetPage(ctx context.Context, id string) (*escalation.Page, error)
	UpdateStage(ctx context.Context, id string, stage int) error
	SetAcknowledged(ctx context.Context, id string) error
	CheckAck(ctx context.Context, id string) (bool, error)
}

// Store is the SQLite-backed team, page and schedule store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("open store: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("open store: create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open page db: %w", err)
	}
	// A single writer connection keeps reads after writes consistent.
	db.SetMaxOpenConns(1)
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database handle and applies the schema.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetClock overrides the time source used for expiry checks.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// --- Teams ---

// PutTeam inserts or replaces a team policy.
func (s *Store) PutTeam(ctx context.Context, team *escalation.Team) error {
	if err := team.Validate(); err != nil {
		return err
	}
	stages, err := json.Marshal(team.Stages)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO teams (contact, stages, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(contact) DO UPDATE SET
			stages = excluded.stages,
			updated_at = excluded.updated_at`,
		team.Contact, string(stages), s.now().Unix())
	if err != nil {
		return fmt.Errorf("put team: %w", err)
	}
	return nil
}

// GetTeam returns the team keyed by contact, or ErrUnknownTeam.
func (s *Store) GetTeam(ctx context.Context, contact string) (*escalation.Team, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT stages FROM teams WHERE contact = ?`, contact).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no such team %s: %w", contact, escalation.ErrUnknownTeam)
	}
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	team := &escalation.Team{Contact: contact}
	if err := json.Unmarshal([]byte(raw), &team.Stages); err != nil {
		return nil, fmt.Errorf("decode stages for %s: %w", contact, err)
	}
	return team, nil
}

// ListTeams returns all teams ordered by contact.
func (s *Store) ListTeams(ctx context.Context) ([]escalation.Team, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT contact, stages FROM teams ORDER BY contact`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var out []escalation.Team
	for rows.Next() {
		var t escalation.Team
		var raw string
		if err := rows.Scan(&t.Contact, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &t.Stages); err != nil {
			return nil, fmt.Errorf("decode stages for %s: %w", t.Contact, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTeam removes a team. Pages already created keep escalating until
// their next step finds the team missing.
func (s *Store) DeleteTeam(ctx context.Context, contact string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM teams WHERE contact = ?`, contact)
	if err != nil {
		return fmt.Errorf("delete team: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no such team %s: %w", contact, escalation.ErrUnknownTeam)
	}
	return nil
}

// --- Pages ---

// CreatePage inserts p only if no page with the same id exists. An existing
// row is never overwritten; the conflict is reported as ErrDuplicatePage.
func (s *Store) CreatePage(ctx context.Context, p *escalation.Page) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO pages
		(id, team, subject, body, stage, ack, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		p.ID, p.Team, p.Subject, p.Body, p.Stage, p.Acknowledged,
		p.CreatedAt.Unix(), p.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("page %s: %w", p.ID, escalation.ErrDuplicatePage)
	}
	return nil
}

const pageColumns = `id, team, subject, body, stage, ack, created_at, expires_at`

func scanPage(row interface{ Scan(...any) error }) (*escalation.Page, error) {
	var p escalation.Page
	var created, expires int64
	if err := row.Scan(&p.ID, &p.Team, &p.Subject, &p.Body, &p.Stage, &p.Acknowledged, &created, &expires); err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(created, 0)
	p.ExpiresAt = time.Unix(expires, 0)
	return &p, nil
}

// GetPage returns a live page. Expired rows count as missing even before
// PurgeExpired removes them.
func (s *Store) GetPage(ctx context.Context, id string) (*escalation.Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages
		WHERE id = ? AND expires_at > ?`, id, s.now().Unix())
	p, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no such page %s: %w", id, escalation.ErrPageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	return p, nil
}

// CheckAck reports whether the page has been acknowledged.
func (s *Store) CheckAck(ctx context.Context, id string) (bool, error) {
	p, err := s.GetPage(ctx, id)
	if err != nil {
		return false, err
	}
	return p.Acknowledged, nil
}

// UpdateStage records the highest notified tier. The write is a set, so a
// retried step writes the same value again, and it never lowers the stage.
func (s *Store) UpdateStage(ctx context.Context, id string, stage int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pages SET stage = MAX(stage, ?)
		WHERE id = ? AND expires_at > ?`, stage, id, s.now().Unix())
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no such page %s: %w", id, escalation.ErrPageNotFound)
	}
	return nil
}

// SetAcknowledged marks a page acknowledged. There is no way back.
func (s *Store) SetAcknowledged(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pages SET ack = 1
		WHERE id = ? AND expires_at > ?`, id, s.now().Unix())
	if err != nil {
		return fmt.Errorf("acknowledge page: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no such page %s: %w", id, escalation.ErrPageNotFound)
	}
	return nil
}

// ListPages returns live pages, newest first.
func (s *Store) ListPages(ctx context.Context, f PageFilter) ([]escalation.Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE expires_at > ?`
	args := []any{s.now().Unix()}
	if f.Team != "" {
		query += ` AND team = ?`
		args = append(args, f.Team)
	}
	if f.OpenOnly {
		query += ` AND ack = 0`
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var out []escalation.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// PurgeExpired deletes pages past their retention window together with any
// pending schedule rows. Returns the number of pages removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	defer tx.Rollback()

	cutoff := now.Unix()
	if _, err := tx.ExecContext(ctx, `DELETE FROM escalations
		WHERE page_id IN (SELECT id FROM pages WHERE expires_at <= ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("purge schedule: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge pages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// --- Escalation schedule ---

// ScheduleStep sets when the page is next evaluated, replacing any
// previous due time.
func (s *Store) ScheduleStep(ctx context.Context, pageID string, dueAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO escalations (page_id, due_at, attempts, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(page_id) DO UPDATE SET
			due_at = excluded.due_at,
			attempts = 0,
			updated_at = excluded.updated_at`,
		pageID, dueAt.Unix(), s.now().Unix())
	if err != nil {
		return fmt.Errorf("schedule step: %w", err)
	}
	return nil
}

// EnsureStep schedules the page only when it has no schedule row, leaving
// a live page's due time alone. Reports whether a row was written.
func (s *Store) EnsureStep(ctx context.Context, pageID string, dueAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO escalations (page_id, due_at, attempts, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(page_id) DO NOTHING`,
		pageID, dueAt.Unix(), s.now().Unix())
	if err != nil {
		return false, fmt.Errorf("ensure step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure step: %w", err)
	}
	return n == 1, nil
}

// DeferStep pushes a step back after a transient failure and counts the
// attempt.
func (s *Store) DeferStep(ctx context.Context, pageID string, dueAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE escalations
		SET due_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE page_id = ?`, dueAt.Unix(), s.now().Unix(), pageID)
	if err != nil {
		return fmt.Errorf("defer step: %w", err)
	}
	return nil
}

// DueSteps returns up to limit steps due at or before now, oldest first.
func (s *Store) DueSteps(ctx context.Context, now time.Time, limit int) ([]ScheduledStep, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT page_id, due_at, attempts FROM escalations
		WHERE due_at <= ? ORDER BY due_at ASC LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("due steps: %w", err)
	}
	defer rows.Close()

	var out []ScheduledStep
	for rows.Next() {
		var st ScheduledStep
		var due int64
		if err := rows.Scan(&st.PageID, &due, &st.Attempts); err != nil {
			return nil, err
		}
		st.DueAt = time.Unix(due, 0)
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetStep returns the pending schedule row for a page, or nil when none.
func (s *Store) GetStep(ctx context.Context, pageID string) (*ScheduledStep, error) {
	var st ScheduledStep
	var due int64
	err := s.db.QueryRowContext(ctx, `SELECT page_id, due_at, attempts FROM escalations
		WHERE page_id = ?`, pageID).Scan(&st.PageID, &due, &st.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	st.DueAt = time.Unix(due, 0)
	return &st, nil
}

// ClearStep removes the page from the schedule. Clearing twice is fine.
func (s *Store) ClearStep(ctx context.Context, pageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM escalations WHERE page_id = ?`, pageID); err != nil {
		return fmt.Errorf("clear step: %w", err)
	}
	return nil
}
