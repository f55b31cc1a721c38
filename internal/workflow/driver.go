// Package workflow drives pages through the escalation loop: notify the
// current tier, wait, check for an acknowledgement, repeat.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/KafClaw/KafPage/internal/escalation"
	"github.com/KafClaw/KafPage/internal/events"
	"github.com/KafClaw/KafPage/internal/notify"
	"github.com/KafClaw/KafPage/internal/store"
)

// Outcome is the result of one resumption of a page's loop.
type Outcome string

const (
	OutcomeEscalated    Outcome = "escalated"
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeAborted      Outcome = "aborted"
)

// Abort reasons carried on page.aborted events.
const (
	ReasonPageNotFound = "page_not_found"
	ReasonUnknownTeam  = "unknown_team"
	ReasonNoPolicy     = "no_policy"
)

// Pages is the page store as the driver sees it.
type Pages interface {
	GetPage(ctx context.Context, id string) (*escalation.Page, error)
	UpdateStage(ctx context.Context, id string, stage int) error
	CheckAck(ctx context.Context, id string) (bool, error)
}

// Teams resolves a page's team on every step, so policy edits apply to
// pages already in flight.
type Teams interface {
	GetTeam(ctx context.Context, contact string) (*escalation.Team, error)
}

// Schedule is the durable timer table.
type Schedule interface {
	ScheduleStep(ctx context.Context, pageID string, dueAt time.Time) error
	EnsureStep(ctx context.Context, pageID string, dueAt time.Time) (bool, error)
	GetStep(ctx context.Context, pageID string) (*store.ScheduledStep, error)
	DeferStep(ctx context.Context, pageID string, dueAt time.Time) error
	DueSteps(ctx context.Context, now time.Time, limit int) ([]store.ScheduledStep, error)
	ClearStep(ctx context.Context, pageID string) error
}

// Notifier delivers one step's notifications.
type Notifier interface {
	Notify(ctx context.Context, from string, recipients []string, subject, body string) notify.Result
}

// Purger removes expired pages.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Config holds driver settings.
type Config struct {
	TickInterval  time.Duration `json:"tickInterval"`
	MaxConcurrent int           `json:"maxConcurrent"`
	BatchLimit    int           `json:"batchLimit"`
	LockPath      string        `json:"lockPath"`
	SenderDomain  string        `json:"senderDomain"`
	PurgeInterval time.Duration `json:"purgeInterval"`
}

// DefaultConfig returns driver defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		TickInterval:  5 * time.Second,
		MaxConcurrent: 8,
		BatchLimit:    100,
		LockPath:      filepath.Join(home, ".kafpage", "driver.lock"),
		PurgeInterval: time.Hour,
	}
}

// Driver runs escalation loops for all pages in one store.
type Driver struct {
	cfg      Config
	pages    Pages
	teams    Teams
	schedule Schedule
	notifier Notifier
	purger   Purger
	events   events.Publisher
	now      func() time.Time

	sem      *Semaphore
	lock     *FileLock
	inflight sync.Map
	wg       sync.WaitGroup
}

// Deps groups the driver's collaborators.
type Deps struct {
	Pages    Pages
	Teams    Teams
	Schedule Schedule
	Notifier Notifier
	Purger   Purger
	Events   events.Publisher
	Now      func() time.Time
}

// New creates a Driver.
func New(cfg Config, deps Deps) *Driver {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.LockPath == "" {
		cfg.LockPath = def.LockPath
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Driver{
		cfg:      cfg,
		pages:    deps.Pages,
		teams:    deps.Teams,
		schedule: deps.Schedule,
		notifier: deps.Notifier,
		purger:   deps.Purger,
		events:   deps.Events,
		now:      deps.Now,
		sem:      NewSemaphore(cfg.MaxConcurrent),
		lock:     NewFileLock(cfg.LockPath),
	}
}

// RetryBackoff returns min(30s * 2^attempts, 5m).
func RetryBackoff(attempts int) time.Duration {
	delay := time.Duration(30*math.Pow(2, float64(attempts))) * time.Second
	if maxDelay := 5 * time.Minute; delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}

// Start enters a new page into the loop and runs its first step at once.
// The schedule row is written first so a crash before the step completes
// leaves the page due for the next tick.
func (d *Driver) Start(ctx context.Context, page *escalation.Page, team *escalation.Team) error {
	if err := d.schedule.ScheduleStep(ctx, page.ID, d.now()); err != nil {
		return fmt.Errorf("start page %s: %w", page.ID, err)
	}
	slog.Info("Escalation started", "page_id", page.ID, "team", team.Contact)
	_, err := d.Advance(ctx, page.ID)
	return err
}

// Resume puts an existing, unacknowledged page back on the schedule when
// it has no schedule row, as after a failed Start. A page that is already
// scheduled keeps its due time.
func (d *Driver) Resume(ctx context.Context, page *escalation.Page, team *escalation.Team) error {
	acked, err := d.pages.CheckAck(ctx, page.ID)
	if errors.Is(err, escalation.ErrPageNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resume page %s: %w", page.ID, err)
	}
	if acked {
		return nil
	}
	added, err := d.schedule.EnsureStep(ctx, page.ID, d.now())
	if err != nil {
		return fmt.Errorf("resume page %s: %w", page.ID, err)
	}
	if !added {
		return nil
	}
	slog.Info("Escalation resumed", "page_id", page.ID, "team", team.Contact)
	_, err = d.Advance(ctx, page.ID)
	return err
}

// Advance runs one resumption of the page's loop. A page already being
// advanced by this process is skipped and reports OutcomeEscalated.
func (d *Driver) Advance(ctx context.Context, pageID string) (Outcome, error) {
	if _, busy := d.inflight.LoadOrStore(pageID, struct{}{}); busy {
		return OutcomeEscalated, nil
	}
	defer d.inflight.Delete(pageID)

	out, reason, err := d.step(ctx, pageID)
	if err != nil {
		d.retryLater(ctx, pageID, err)
		return out, err
	}
	if out == OutcomeAborted {
		slog.Warn("Escalation aborted", "page_id", pageID, "reason", reason)
		d.events.Publish(&events.PageEvent{Type: events.TypeAborted, PageID: pageID, Reason: reason, Time: d.now()})
		if err := d.schedule.ClearStep(ctx, pageID); err != nil {
			slog.Error("Clear schedule failed", "page_id", pageID, "error", err)
		}
	}
	return out, nil
}

// step returns an abort reason alongside OutcomeAborted. A non-nil error
// means the step should be retried.
func (d *Driver) step(ctx context.Context, pageID string) (Outcome, string, error) {
	acked, err := d.pages.CheckAck(ctx, pageID)
	if errors.Is(err, escalation.ErrPageNotFound) {
		return OutcomeAborted, ReasonPageNotFound, nil
	}
	if err != nil {
		return OutcomeEscalated, "", fmt.Errorf("check ack: %w", err)
	}
	if acked {
		return d.resolve(ctx, pageID)
	}

	page, err := d.pages.GetPage(ctx, pageID)
	if errors.Is(err, escalation.ErrPageNotFound) {
		return OutcomeAborted, ReasonPageNotFound, nil
	}
	if err != nil {
		return OutcomeEscalated, "", fmt.Errorf("load page: %w", err)
	}
	team, err := d.teams.GetTeam(ctx, page.Team)
	if errors.Is(err, escalation.ErrUnknownTeam) {
		return OutcomeAborted, ReasonUnknownTeam, nil
	}
	if err != nil {
		return OutcomeEscalated, "", fmt.Errorf("load team: %w", err)
	}

	next, err := escalation.NextStep(page, team)
	if errors.Is(err, escalation.ErrNoEscalationPolicy) {
		return OutcomeAborted, ReasonNoPolicy, nil
	}
	if err != nil {
		return OutcomeEscalated, "", err
	}

	from := notify.SenderAddress(team.Contact, d.cfg.SenderDomain)
	res := d.notifier.Notify(ctx, from, next.Recipients, page.Subject, page.Body)
	var failures []string
	if err := res.Err(); err != nil {
		slog.Warn("Escalation step partially failed", "page_id", pageID, "failed_batches", len(res.Failures), "error", err)
		for _, f := range res.Failures {
			failures = append(failures, f.Error())
		}
	}

	if err := d.pages.UpdateStage(ctx, pageID, next.NewStage); err != nil {
		if errors.Is(err, escalation.ErrPageNotFound) {
			return OutcomeAborted, ReasonPageNotFound, nil
		}
		return OutcomeEscalated, "", fmt.Errorf("update stage: %w", err)
	}
	if err := d.schedule.ScheduleStep(ctx, pageID, d.now().Add(next.Delay)); err != nil {
		return OutcomeEscalated, "", fmt.Errorf("schedule next step: %w", err)
	}

	slog.Info("Escalation step sent",
		"page_id", pageID,
		"team", team.Contact,
		"stage", next.NewStage,
		"recipients", len(next.Recipients),
		"delivery_ids", res.DeliveryIDs(),
		"next_in", next.Delay)
	d.events.Publish(&events.PageEvent{
		Type:       events.TypeEscalated,
		PageID:     pageID,
		Team:       team.Contact,
		Stage:      next.NewStage,
		Recipients: next.Recipients,
		Delay:      next.Delay,
		Batches:    len(res.Receipts),
		Failures:   failures,
		Time:       d.now(),
	})
	return OutcomeEscalated, "", nil
}

func (d *Driver) resolve(ctx context.Context, pageID string) (Outcome, string, error) {
	if err := d.schedule.ClearStep(ctx, pageID); err != nil {
		return OutcomeAcknowledged, "", fmt.Errorf("clear schedule: %w", err)
	}
	slog.Info("Escalation resolved", "page_id", pageID)
	d.events.Publish(&events.PageEvent{Type: events.TypeResolved, PageID: pageID, Time: d.now()})
	return OutcomeAcknowledged, "", nil
}

// retryLater pushes a failed step back using the attempt count from the
// schedule row.
func (d *Driver) retryLater(ctx context.Context, pageID string, cause error) {
	attempts := 0
	st, err := d.schedule.GetStep(ctx, pageID)
	if err != nil {
		slog.Warn("Read schedule row failed", "page_id", pageID, "error", err)
	} else if st != nil {
		attempts = st.Attempts
	}
	delay := RetryBackoff(attempts)
	slog.Error("Escalation step failed, retrying", "page_id", pageID, "attempts", attempts+1, "retry_in", delay, "error", cause)
	if err := d.schedule.DeferStep(ctx, pageID, d.now().Add(delay)); err != nil {
		slog.Error("Defer step failed", "page_id", pageID, "error", err)
	}
}

// Run polls the schedule until ctx is cancelled. Only the process holding
// the file lock advances pages; others keep trying to take it.
func (d *Driver) Run(ctx context.Context) error {
	if dir := filepath.Dir(d.cfg.LockPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("workflow driver: create lock dir: %w", err)
		}
	}
	slog.Info("Escalation driver started", "tick", d.cfg.TickInterval, "max_concurrent", d.cfg.MaxConcurrent)
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	defer d.lock.Unlock()

	lastPurge := d.now()
	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			slog.Info("Escalation driver stopped")
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
			if now := d.now(); now.Sub(lastPurge) >= d.cfg.PurgeInterval {
				lastPurge = now
				d.purge(ctx, now)
			}
		}
	}
}

func (d *Driver) tick(ctx context.Context) {
	held, err := d.lock.TryLock()
	if err != nil {
		slog.Warn("Driver lock error", "error", err)
		return
	}
	if !held {
		slog.Debug("Driver tick skipped: lock held by another process")
		return
	}

	due, err := d.schedule.DueSteps(ctx, d.now(), d.cfg.BatchLimit)
	if err != nil {
		slog.Error("Driver poll failed", "error", err)
		return
	}
	for _, st := range due {
		if _, busy := d.inflight.Load(st.PageID); busy {
			continue
		}
		if !d.sem.TryAcquire() {
			slog.Debug("Driver at concurrency limit", "pending", len(due))
			return
		}
		d.wg.Add(1)
		go func(pageID string) {
			defer d.wg.Done()
			defer d.sem.Release()
			if _, err := d.Advance(ctx, pageID); err != nil {
				slog.Debug("Advance failed", "page_id", pageID, "error", err)
			}
		}(st.PageID)
	}
}

func (d *Driver) purge(ctx context.Context, now time.Time) {
	if d.purger == nil {
		return
	}
	n, err := d.purger.PurgeExpired(ctx, now)
	if err != nil {
		slog.Error("Purge expired pages failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Purged expired pages", "count", n)
	}
}

// Wait blocks until in-flight advances started by Run have finished.
func (d *Driver) Wait() {
	d.wg.Wait()
}
