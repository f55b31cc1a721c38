// Package ackapi serves the acknowledgement link embedded in every page,
// a small read API, health and metrics.
package ackapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/KafClaw/KafPage/internal/escalation"
	"github.com/KafClaw/KafPage/internal/events"
	webassets "github.com/KafClaw/KafPage/web"
	"github.com/gin-gonic/gin"
)

var ackTemplates = template.Must(template.ParseFS(webassets.Files, "templates/*.html"))

// Pages is the page store subset the API needs.
type Pages interface {
	GetPage(ctx context.Context, id string) (*escalation.Page, error)
	SetAcknowledged(ctx context.Context, id string) error
}

// Server is the HTTP front of the acknowledgement trigger.
type Server struct {
	pages   Pages
	events  events.Publisher
	metrics http.Handler
	token   string
	now     func() time.Time
}

// Options configures a Server.
type Options struct {
	Events  events.Publisher
	Metrics http.Handler
	// APIToken guards /api/v1 when set. Ack links stay open: the page id is
	// the credential.
	APIToken string
}

// New creates a Server.
func New(pages Pages, opts Options) *Server {
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	return &Server{
		pages:   pages,
		events:  opts.Events,
		metrics: opts.Metrics,
		token:   strings.TrimSpace(opts.APIToken),
		now:     time.Now,
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	router.SetHTMLTemplate(ackTemplates)
	router.GET("/ack/:id", s.linkAck)
	router.POST("/ack/:id", s.linkAck)

	api := router.Group("/api/v1")
	api.Use(s.auth())
	api.GET("/pages/:id", s.getPage)
	api.POST("/pages/:id/ack", s.apiAck)
	return router
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

type ackResult int

const (
	ackDone ackResult = iota
	ackAlready
	ackMissing
	ackFailed
)

// acknowledge marks the page and emits page.acknowledged on the first ack
// only.
func (s *Server) acknowledge(ctx context.Context, id, remote string) (*escalation.Page, ackResult) {
	page, err := s.pages.GetPage(ctx, id)
	if errors.Is(err, escalation.ErrPageNotFound) {
		return nil, ackMissing
	}
	if err != nil {
		slog.Error("Ack lookup failed", "page_id", id, "error", err)
		return nil, ackFailed
	}
	if page.Acknowledged {
		return page, ackAlready
	}

	if err := s.pages.SetAcknowledged(ctx, id); err != nil {
		if errors.Is(err, escalation.ErrPageNotFound) {
			return nil, ackMissing
		}
		slog.Error("Ack failed", "page_id", id, "error", err)
		return page, ackFailed
	}

	now := s.now()
	slog.Info("Page acknowledged", "page_id", id, "team", page.Team, "remote", remote)
	s.events.Publish(&events.PageEvent{
		Type:   events.TypeAcknowledged,
		PageID: id,
		Team:   page.Team,
		Stage:  page.Stage,
		Age:    now.Sub(page.CreatedAt),
		Time:   now,
	})
	return page, ackDone
}

// linkAck serves the link embedded in page bodies.
func (s *Server) linkAck(c *gin.Context) {
	id := c.Param("id")
	page, res := s.acknowledge(c.Request.Context(), id, c.ClientIP())

	view := gin.H{"PageID": id}
	if page != nil {
		view["Subject"] = page.Subject
		view["Team"] = page.Team
	}
	status := http.StatusOK
	switch res {
	case ackDone:
		view["Title"], view["Class"] = "Acknowledged", "ok"
		view["Message"] = fmt.Sprintf("Page %s acknowledged. Escalation stops before the next tier.", id)
	case ackAlready:
		view["Title"], view["Class"] = "Already acknowledged", "warn"
		view["Message"] = fmt.Sprintf("Page %s was already acknowledged.", id)
	case ackMissing:
		status = http.StatusNotFound
		view["Title"], view["Class"] = "Not found", "err"
		view["Message"] = fmt.Sprintf("No such page %s. It may have expired.", id)
	default:
		status = http.StatusInternalServerError
		view["Title"], view["Class"] = "Error", "err"
		view["Message"] = "Could not acknowledge page. Try again shortly."
	}
	c.HTML(status, "ack.html", view)
}

// apiAck is the JSON form of the ack link.
func (s *Server) apiAck(c *gin.Context) {
	id := c.Param("id")
	_, res := s.acknowledge(c.Request.Context(), id, c.ClientIP())
	switch res {
	case ackDone:
		c.JSON(http.StatusOK, gin.H{"id": id, "acknowledged": true})
	case ackAlready:
		c.JSON(http.StatusOK, gin.H{"id": id, "acknowledged": true, "already": true})
	case ackMissing:
		c.JSON(http.StatusNotFound, gin.H{"error": "page not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not acknowledge page"})
	}
}

// pageView is the JSON shape of a page.
type pageView struct {
	*escalation.Page
	State escalation.State `json:"state"`
}

func (s *Server) getPage(c *gin.Context) {
	page, err := s.pages.GetPage(c.Request.Context(), c.Param("id"))
	if errors.Is(err, escalation.ErrPageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "page not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pageView{Page: page, State: page.State()})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Ack API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ack api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
