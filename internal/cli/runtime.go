package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/KafPage/internal/config"
	"github.com/KafClaw/KafPage/internal/escalation"
	"github.com/KafClaw/KafPage/internal/events"
	"github.com/KafClaw/KafPage/internal/intake"
	"github.com/KafClaw/KafPage/internal/notify"
	"github.com/KafClaw/KafPage/internal/store"
	"github.com/KafClaw/KafPage/internal/workflow"
)

// runtime holds the stores every command opens.
type runtime struct {
	cfg   *config.Config
	store *store.Store
	pages store.PageStore

	closers []func() error
}

func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	st, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, store: st, pages: st}
	rt.closers = append(rt.closers, st.Close)

	if cfg.Store.Backend == config.BackendRedis {
		rdb, err := store.DialRedis(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		if err != nil {
			rt.Close()
			return nil, err
		}
		redisPages := store.NewRedisPages(rdb, cfg.Store.RedisPrefix)
		rt.pages = redisPages
		rt.closers = append(rt.closers, redisPages.Close)
		slog.Info("Page store backend", "backend", config.BackendRedis, "addr", cfg.Store.RedisAddr)
	}
	return rt, nil
}

func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// notifier builds the batching dispatcher over SMTP and, when a token is
// configured, Slack.
func (rt *runtime) notifier() (*notify.Dispatcher, error) {
	n := rt.cfg.Notify
	router := &notify.Router{
		Mail: notify.NewSMTPTransport(n.SMTPAddr, n.SMTPUser, n.SMTPPassword),
	}
	if n.SlackToken != "" {
		slack, err := notify.NewSlackTransport(n.SlackToken, n.SlackAPIBase, nil)
		if err != nil {
			return nil, err
		}
		router.Slack = slack
	}
	return &notify.Dispatcher{Transport: router, BatchSize: n.BatchSize}, nil
}

// bodySource returns nil for inline bodies.
func (rt *runtime) bodySource() (intake.BodySource, error) {
	switch rt.cfg.Intake.BodySource {
	case config.SourceObject:
		o := rt.cfg.Objects
		src, err := intake.NewObjectSource(intake.ObjectConfig{
			Endpoint:  o.Endpoint,
			AccessKey: o.AccessKey,
			SecretKey: o.SecretKey,
			UseSSL:    o.UseSSL,
			Bucket:    o.Bucket,
			Prefix:    o.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceDir:
		return intake.DirSource{Dir: rt.cfg.Paths.MessageDir}, nil
	default:
		return nil, nil
	}
}

func (rt *runtime) driver(notifier workflow.Notifier, pub events.Publisher) *workflow.Driver {
	d := rt.cfg.Driver
	return workflow.New(workflow.Config{
		TickInterval:  d.Tick(),
		MaxConcurrent: d.MaxConcurrent,
		BatchLimit:    d.BatchLimit,
		LockPath:      rt.cfg.Paths.LockPath,
		SenderDomain:  rt.cfg.Notify.SenderDomain,
		PurgeInterval: d.Purge(),
	}, workflow.Deps{
		Pages:    rt.pages,
		Teams:    rt.store,
		Schedule: rt.store,
		Notifier: notifier,
		Purger:   rt.store,
		Events:   pub,
	})
}

func (rt *runtime) handler(source intake.BodySource, starter intake.Starter, pub events.Publisher) *intake.Handler {
	return &intake.Handler{
		Registrar: &intake.Registrar{
			Normalizer: intake.Normalizer{Teams: rt.store, AckURL: rt.cfg.Ack.BaseURL},
			Pages:      rt.pages,
		},
		Source:  source,
		Starter: starter,
		Events:  pub,
	}
}

// queueStarter schedules the first step for whichever driver holds the
// lock instead of sending from the calling process.
type queueStarter struct {
	pages    store.PageStore
	schedule interface {
		ScheduleStep(ctx context.Context, pageID string, dueAt time.Time) error
		EnsureStep(ctx context.Context, pageID string, dueAt time.Time) (bool, error)
	}
}

func (q queueStarter) Start(ctx context.Context, page *escalation.Page, _ *escalation.Team) error {
	if err := q.schedule.ScheduleStep(ctx, page.ID, time.Now()); err != nil {
		return fmt.Errorf("queue page %s: %w", page.ID, err)
	}
	return nil
}

func (q queueStarter) Resume(ctx context.Context, page *escalation.Page, _ *escalation.Team) error {
	acked, err := q.pages.CheckAck(ctx, page.ID)
	if errors.Is(err, escalation.ErrPageNotFound) || (err == nil && acked) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("requeue page %s: %w", page.ID, err)
	}
	if _, err := q.schedule.EnsureStep(ctx, page.ID, time.Now()); err != nil {
		return fmt.Errorf("requeue page %s: %w", page.ID, err)
	}
	return nil
}
