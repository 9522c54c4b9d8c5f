// Package handlers is the HTTP adapter over the render core: route parsing
// and status-code mapping only, no scheduling logic.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pagemill/pagemill/internal/render"
)

// Services maps each render kind to its submission facade.
type Services map[render.Kind]*render.Service

// RegisterRenderRoutes mounts the render API under /api/render.
func RegisterRenderRoutes(r gin.IRouter, services Services) {
	grp := r.Group("/api/render/:kind")
	grp.POST("", func(c *gin.Context) { submit(c, services) })
	grp.GET("/stats", func(c *gin.Context) { stats(c, services) })
	grp.GET("/:key", func(c *gin.Context) { status(c, services) })
	grp.DELETE("/:key", func(c *gin.Context) { cancelOrRemove(c, services) })
	grp.GET("/:key/download", func(c *gin.Context) { download(c, services) })
}

// jobView is the externally visible job shape.
type jobView struct {
	Key       string    `json:"key"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	FilePath  string    `json:"filePath,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func viewOf(j *render.Job) jobView {
	return jobView{
		Key:       j.Key,
		Status:    string(j.Status),
		Progress:  j.Progress,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		FilePath:  j.FilePath,
		Error:     j.Error,
	}
}

func service(c *gin.Context, services Services) (*render.Service, bool) {
	kind := render.Kind(c.Param("kind"))
	svc, ok := services[kind]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown render kind %q", c.Param("kind"))})
		return nil, false
	}
	return svc, true
}

type submitRequest struct {
	Key        string         `json:"key"`
	SourceKind string         `json:"sourceKind"`
	Source     string         `json:"source"`
	Options    render.Options `json:"options"`
	ReCreate   bool           `json:"reCreate"`
}

// submit accepts a JSON body, or multipart form data with an uploaded HTML
// file in the "file" field and options as a JSON string field.
func submit(c *gin.Context, services Services) {
	svc, ok := service(c, services)
	if !ok {
		return
	}

	var req submitRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if !bindMultipart(c, &req) {
			return
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := svc.Submit(render.SubmitRequest{
		Key:        req.Key,
		SourceKind: render.SourceKind(req.SourceKind),
		Source:     req.Source,
		Options:    req.Options,
		ReCreate:   req.ReCreate,
	})
	if err != nil {
		submitError(c, err)
		return
	}
	code := http.StatusAccepted
	if job.Status == render.StatusCompleted {
		// idempotent hit on an existing result
		code = http.StatusOK
	}
	c.JSON(code, viewOf(job))
}

func bindMultipart(c *gin.Context, req *submitRequest) bool {
	req.Key = c.PostForm("key")
	req.SourceKind = c.DefaultPostForm("sourceKind", string(render.SourceUploadedHTML))
	req.ReCreate = c.PostForm("reCreate") == "true"
	if raw := c.PostForm("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Options); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad options field: " + err.Error()})
			return false
		}
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return false
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read upload: " + err.Error()})
		return false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read upload: " + err.Error()})
		return false
	}
	req.Source = string(data)
	return true
}

func submitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, render.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, render.ErrUnsafeSource):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, render.ErrDuplicateKey):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, render.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func status(c *gin.Context, services Services) {
	svc, ok := service(c, services)
	if !ok {
		return
	}
	job, found := svc.Status(c.Param("key"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, viewOf(job))
}

// cancelOrRemove cancels by default; ?force=true removes the record and its
// artifact (refused while the job is processing).
func cancelOrRemove(c *gin.Context, services Services) {
	svc, ok := service(c, services)
	if !ok {
		return
	}
	key := c.Param("key")
	if c.Query("force") == "true" {
		if !svc.Remove(key) {
			c.JSON(http.StatusConflict, gin.H{"error": "job is processing or not found"})
			return
		}
		c.Status(http.StatusNoContent)
		return
	}
	if !svc.Cancel(key) {
		c.JSON(http.StatusConflict, gin.H{"error": "job is terminal or not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "status": string(render.StatusCancelled)})
}

func stats(c *gin.Context, services Services) {
	svc, ok := service(c, services)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, svc.Stats())
}

func download(c *gin.Context, services Services) {
	svc, ok := service(c, services)
	if !ok {
		return
	}
	h, err := svc.OpenArtifact(c.Param("key"))
	if err != nil {
		var notReady *render.NotReadyError
		switch {
		case errors.Is(err, render.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.As(err, &notReady):
			c.JSON(http.StatusConflict, gin.H{"error": "artifact not ready", "status": string(notReady.Status)})
		case errors.Is(err, render.ErrArtifactMissing):
			c.JSON(http.StatusGone, gin.H{"error": "artifact file is missing"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	defer h.Close()
	c.DataFromReader(http.StatusOK, h.Size, h.MIME, h.Reader(), map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", h.Filename),
	})
}
