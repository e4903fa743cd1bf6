package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yokitheyo/qms-uploader/internal/logging"
	"github.com/yokitheyo/qms-uploader/internal/model"
	"github.com/yokitheyo/qms-uploader/internal/uploadqueue"
)

// Queue is the part of the upload queue the HTTP layer drives.
type Queue interface {
	AddFiles(files []model.FileRef) []model.UploadItem
	Start()
	Cancel(id string) error
	Remove(id string) error
	RetryFailed() int
	SetMaxConcurrentUploads(n int) int
	SetAutoRetry(enabled bool)
	ClearCompleted() int
	ClearFailed() int
	Get(id string) (model.UploadItem, error)
	Snapshot() model.Snapshot
	Subscribe(fn func(uploadqueue.Event)) (unsubscribe func())
}

type Validator interface {
	CheckSize(name string, size int64) error
	ValidateNamed(path, name string) (model.FileRef, error)
}

type Stager interface {
	Save(id, filename string, src io.Reader) (string, error)
	Remove(path string) error
}

type APIHandler struct {
	Queue     Queue
	Validator Validator
	Staging   Stager
	Logger    *logging.Logger
}

type SettingsRequest struct {
	MaxConcurrency *int  `json:"max_concurrency"`
	AutoRetry      *bool `json:"auto_retry"`
}

type rejectedFile struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

func RegisterHandlers(r *gin.Engine, h *APIHandler) {
	if h.Logger == nil {
		h.Logger = logging.NopLogger()
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	g := r.Group("/uploads")
	g.POST("", h.addFiles)
	g.GET("", h.snapshot)
	g.GET("/events", h.events)
	g.POST("/start", h.start)
	g.POST("/retry-failed", h.retryFailed)
	g.PUT("/settings", h.settings)
	g.DELETE("/completed", h.clearCompleted)
	g.DELETE("/failed", h.clearFailed)
	g.GET("/:id", h.getItem)
	g.POST("/:id/cancel", h.cancel)
	g.DELETE("/:id", h.remove)
}

func (h *APIHandler) addFiles(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected multipart form with field \"files\""})
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
		return
	}

	var (
		refs     []model.FileRef
		rejected []rejectedFile
	)
	for _, fh := range headers {
		if err := h.Validator.CheckSize(fh.Filename, fh.Size); err != nil {
			rejected = append(rejected, rejectedFile{Name: fh.Filename, Error: err.Error()})
			continue
		}
		ref, err := h.stage(fh.Filename, func() (io.ReadCloser, error) { return fh.Open() })
		if err != nil {
			rejected = append(rejected, rejectedFile{Name: fh.Filename, Error: err.Error()})
			continue
		}
		refs = append(refs, ref)
	}

	if len(rejected) > 0 {
		// nothing is queued from a partially invalid batch
		for _, ref := range refs {
			_ = h.Staging.Remove(ref.Path)
		}
		h.Logger.Warn("upload batch rejected", "rejected", len(rejected), "total", len(headers))
		c.JSON(http.StatusBadRequest, gin.H{"error": "some files were rejected", "rejected": rejected})
		return
	}

	items := h.Queue.AddFiles(refs)
	c.JSON(http.StatusCreated, gin.H{"items": items})
}

func (h *APIHandler) stage(name string, open func() (io.ReadCloser, error)) (model.FileRef, error) {
	src, err := open()
	if err != nil {
		return model.FileRef{}, err
	}
	defer src.Close()

	path, err := h.Staging.Save(uuid.NewString(), name, src)
	if err != nil {
		return model.FileRef{}, err
	}
	ref, err := h.Validator.ValidateNamed(path, name)
	if err != nil {
		_ = h.Staging.Remove(path)
		return model.FileRef{}, err
	}
	return ref, nil
}

func (h *APIHandler) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.Queue.Snapshot())
}

func (h *APIHandler) getItem(c *gin.Context) {
	item, err := h.Queue.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *APIHandler) start(c *gin.Context) {
	h.Queue.Start()
	c.Status(http.StatusAccepted)
}

func (h *APIHandler) cancel(c *gin.Context) {
	if err := h.Queue.Cancel(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *APIHandler) remove(c *gin.Context) {
	if err := h.Queue.Remove(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *APIHandler) retryFailed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reset": h.Queue.RetryFailed()})
}

func (h *APIHandler) settings(c *gin.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if req.MaxConcurrency != nil {
		h.Queue.SetMaxConcurrentUploads(*req.MaxConcurrency)
	}
	if req.AutoRetry != nil {
		h.Queue.SetAutoRetry(*req.AutoRetry)
	}
	// a raised ceiling only takes effect on the next pass
	h.Queue.Start()

	snap := h.Queue.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"max_concurrency": snap.MaxConcurrency,
		"max_retries":     snap.MaxRetries,
		"auto_retry":      snap.AutoRetry,
	})
}

func (h *APIHandler) clearCompleted(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"removed": h.Queue.ClearCompleted()})
}

func (h *APIHandler) clearFailed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"removed": h.Queue.ClearFailed()})
}

// events streams queue events as server-sent events until the client goes
// away. A slow client loses events rather than blocking the queue.
func (h *APIHandler) events(c *gin.Context) {
	ch := make(chan uploadqueue.Event, 64)
	unsubscribe := h.Queue.Subscribe(func(ev uploadqueue.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent("snapshot", h.Queue.Snapshot())
	c.Writer.Flush()

	fresh := make(seqFilter)
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if !fresh.accept(ev) {
				continue
			}
			c.SSEvent(string(ev.Type), ev)
			c.Writer.Flush()
		}
	}
}

// seqFilter drops events older than one already sent for the same item,
// so a late progress event cannot overwrite a newer state on the client.
type seqFilter map[string]uint64

func (f seqFilter) accept(ev uploadqueue.Event) bool {
	if ev.Seq <= f[ev.Item.ID] {
		return false
	}
	f[ev.Item.ID] = ev.Seq
	return true
}

func (h *APIHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, uploadqueue.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, uploadqueue.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.Logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
