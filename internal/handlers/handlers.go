package handlers

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/cutout/internal/auth"
	"github.com/example/cutout/internal/blob"
	"github.com/example/cutout/internal/export"
	"github.com/example/cutout/internal/intake"
	"github.com/example/cutout/internal/repository"
	"github.com/example/cutout/internal/session"
	"github.com/example/cutout/internal/workflow"
)

// MaxUploadSize is the default upload limit.
const MaxUploadSize = 20 << 20

// multipartOverhead allows for form boundaries and headers around the file.
const multipartOverhead = 1 << 20

//go:embed templates/index.html
var templates embed.FS

// MetricsSource provides run metrics for /api/metrics.
type MetricsSource interface {
	Summary(ctx context.Context) (*repository.MetricsSummary, error)
}

// Options wires the routes. Metrics is optional.
type Options struct {
	Sessions       *session.Manager
	Store          blob.Store
	Metrics        MetricsSource
	MaxUploadBytes int64
	Logger         *zap.Logger
}

type stateResponse struct {
	State workflow.Snapshot `json:"state"`
	View  workflow.View     `json:"view"`
	Error string            `json:"error,omitempty"`
}

type pageData struct {
	State workflow.Snapshot
	View  workflow.View
}

type routes struct {
	Options
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, opts Options, authMiddleware gin.HandlerFunc) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &routes{Options: opts, logger: opts.Logger.Named("handlers")}

	router.SetHTMLTemplate(template.Must(template.ParseFS(templates, "templates/index.html")))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/debug/fsm", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/vnd.graphviz; charset=utf-8", []byte(workflow.Visualize()))
	})

	secured := router.Group("/")
	secured.Use(authMiddleware)
	secured.GET("/", h.index)
	secured.POST("/upload", h.upload)
	secured.POST("/process", h.process)
	secured.GET("/download", h.download)
	secured.GET("/images/:id", h.image)
	secured.GET("/api/state", h.state)
	secured.GET("/api/progress", h.progress)
	secured.GET("/api/metrics", h.metrics)
}

func (h *routes) controller(c *gin.Context) *workflow.Controller {
	id, _ := auth.GetSessionID(c.Request.Context())
	return h.Sessions.Get(id)
}

func (h *routes) index(c *gin.Context) {
	snap := h.controller(c).Snapshot()
	c.HTML(http.StatusOK, "index.html", pageData{State: snap, View: workflow.Render(snap)})
}

func (h *routes) state(c *gin.Context) {
	writeState(c, http.StatusOK, h.controller(c).Snapshot(), nil)
}

func (h *routes) upload(c *gin.Context) {
	ctrl := h.controller(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > h.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return
	}

	var snap workflow.Snapshot
	src, err := file.Open()
	if err == nil {
		snap, err = ctrl.Load(c.Request.Context(), src, file.Filename)
		_ = src.Close()
	} else {
		snap, err = ctrl.Load(c.Request.Context(), failingReader{err}, file.Filename)
	}

	switch {
	case err == nil:
		respond(c, http.StatusOK, snap, nil)
	case errors.Is(err, intake.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
	case errors.Is(err, workflow.ErrClosed):
		respond(c, http.StatusConflict, snap, err)
	default:
		respond(c, http.StatusUnprocessableEntity, snap, err)
	}
}

func (h *routes) process(c *gin.Context) {
	ctrl := h.controller(c)
	run, err := ctrl.Process()
	if err != nil {
		respond(c, guardStatus(err), ctrl.Snapshot(), err)
		return
	}

	if c.Query("wait") == "true" {
		if err := run.Wait(c.Request.Context()); err != nil && run.Stale() {
			h.logger.Debug("waited on a stale run", zap.String("run_id", run.ID))
		}
		respond(c, http.StatusOK, ctrl.Snapshot(), nil)
		return
	}
	respond(c, http.StatusAccepted, ctrl.Snapshot(), nil)
}

func (h *routes) download(c *gin.Context) {
	ctrl := h.controller(c)
	err := ctrl.Download(c.Request.Context(), export.HTTP{Store: h.Store, Writer: c.Writer})
	if err == nil {
		return
	}
	if c.Writer.Written() {
		h.logger.Warn("download interrupted", zap.Error(err))
		return
	}
	status := guardStatus(err)
	var saveErr *export.SaveError
	if errors.As(err, &saveErr) {
		status = http.StatusInternalServerError
	}
	respond(c, status, ctrl.Snapshot(), err)
}

func (h *routes) image(c *gin.Context) {
	ref, err := blob.ParseRef("blob:" + c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}
	id, _ := auth.GetSessionID(c.Request.Context())
	ctrl, ok := h.Sessions.Lookup(id)
	if !ok || !ctrl.Owns(ref) {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}
	data, obj, err := h.Store.Get(c.Request.Context(), ref)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}
	c.Header("Cache-Control", "private, max-age=3600")
	c.Data(http.StatusOK, obj.ContentType, data)
}

func (h *routes) progress(c *gin.Context) {
	ctrl := h.controller(c)
	events, cancel := ctrl.Watch(16)
	defer cancel()

	snap := ctrl.Snapshot()
	c.SSEvent("progress", workflow.Event{Phase: snap.Phase, Generation: snap.Generation, Progress: snap.Progress})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("progress", ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *routes) metrics(c *gin.Context) {
	if h.Metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run log disabled"})
		return
	}
	summary, err := h.Metrics.Summary(c.Request.Context())
	if err != nil {
		h.logger.Error("metrics summary failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func guardStatus(err error) int {
	switch {
	case errors.Is(err, workflow.ErrBusy),
		errors.Is(err, workflow.ErrAlreadyDone),
		errors.Is(err, workflow.ErrNoSource),
		errors.Is(err, workflow.ErrNotReady),
		errors.Is(err, workflow.ErrClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respond answers JSON clients with the state and sends browsers back to the page.
func respond(c *gin.Context, status int, snap workflow.Snapshot, err error) {
	if c.NegotiateFormat(gin.MIMEHTML, gin.MIMEJSON) == gin.MIMEJSON {
		writeState(c, status, snap, err)
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func writeState(c *gin.Context, status int, snap workflow.Snapshot, err error) {
	resp := stateResponse{State: snap, View: workflow.Render(snap)}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(status, resp)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }
