package store

import "time"

// Schema creates the paging tables. Timestamps are unix seconds so rows read
// the same through every SQLite driver.
const Schema = `
CREATE TABLE IF NOT EXISTS teams (
	contact TEXT PRIMARY KEY,
	stages TEXT NOT NULL DEFAULT '[]',
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pages (
	id TEXT PRIMARY KEY,
	team TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	stage INTEGER NOT NULL DEFAULT -1,
	ack INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pages_team ON pages(team);
CREATE INDEX IF NOT EXISTS idx_pages_expires ON pages(expires_at);

CREATE TABLE IF NOT EXISTS escalations (
	page_id TEXT PRIMARY KEY,
	due_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escalations_due ON escalations(due_at);
`

// ScheduledStep is a page waiting for its next escalation evaluation.
type ScheduledStep struct {
	PageID   string    `json:"page_id"`
	DueAt    time.Time `json:"due_at"`
	Attempts int       `json:"attempts"`
}

// PageFilter narrows ListPages.
type PageFilter struct {
	Team     string
	OpenOnly bool
	Limit    int
}
