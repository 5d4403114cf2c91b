package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/gidorah/image-processing-service-api/internal/api/respond"
	"github.com/gidorah/image-processing-service-api/internal/model"
	"github.com/gidorah/image-processing-service-api/internal/pipeline"
	imagerepo "github.com/gidorah/image-processing-service-api/internal/repository/image"
	jobrepo "github.com/gidorah/image-processing-service-api/internal/repository/job"
	transformsvc "github.com/gidorah/image-processing-service-api/internal/service/transform"
)

// service defines the interface for transformation operations.
type service interface {
	Submit(ctx context.Context, req transformsvc.SubmitRequest) (transformsvc.Result, error)
	JobStatus(ctx context.Context, id uuid.UUID) (model.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID) error
	GetArtifact(ctx context.Context, id uuid.UUID) (model.Artifact, io.ReadCloser, error)
}

// Handler provides HTTP handlers for transformation endpoints.
type Handler struct {
	service service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// SubmitRequest is the JSON body of a transformation request.
type SubmitRequest struct {
	SourceID     uuid.UUID             `json:"source_id"`
	Operations   []model.OperationSpec `json:"operations"`
	OutputFormat string                `json:"output_format,omitempty"`
	Async        bool                  `json:"async,omitempty"`
}

// Submit accepts a transformation request and responds either with the
// finished artifact (synchronous path) or with a job handle to poll
// (asynchronous path, 202).
func (h *Handler) Submit(c *ginext.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}

	ownerID, err := ownerFromRequest(c)
	if err != nil {
		respond.Fail(c, http.StatusUnauthorized, err)
		return
	}

	res, err := h.service.Submit(c.Request.Context(), transformsvc.SubmitRequest{
		OwnerID:      ownerID,
		SourceID:     req.SourceID,
		Operations:   req.Operations,
		OutputFormat: req.OutputFormat,
		Async:        req.Async,
	})
	if err != nil {
		var ve *pipeline.ValidationError
		switch {
		case errors.As(err, &ve):
			respond.Fail(c, http.StatusUnprocessableEntity, ve)
		case errors.Is(err, imagerepo.ErrImageNotFound):
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("source image not found"))
		default:
			zlog.Logger.Err(err).Msg("failed to submit transformation")
			respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to submit transformation: %v", err))
		}
		return
	}

	if res.Job != nil {
		respond.Accepted(c, res.Job)
		return
	}
	respond.OK(c, res.Artifact)
}

// JobStatus returns the state, attempts, result reference and last
// error of a job.
func (h *Handler) JobStatus(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	j, err := h.service.JobStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, jobrepo.ErrJobNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("job not found"))
			return
		}
		zlog.Logger.Err(err).Msg("failed to get job")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get job: %v", err))
		return
	}

	respond.OK(c, j)
}

// Cancel cancels a job. A pending job is cancelled immediately; a
// running one finishes its current pipeline first.
func (h *Handler) Cancel(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	if err := h.service.CancelJob(c.Request.Context(), id); err != nil {
		if errors.Is(err, jobrepo.ErrJobNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("job not found"))
			return
		}
		zlog.Logger.Err(err).Msg("failed to cancel job")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to cancel job: %v", err))
		return
	}

	c.Status(http.StatusNoContent)
}

// GetArtifact serves the derived artifact bytes.
func (h *Handler) GetArtifact(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	art, reader, err := h.service.GetArtifact(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, imagerepo.ErrArtifactNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("artifact not found"))
			return
		}
		zlog.Logger.Err(err).Msg("failed to get artifact")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get artifact: %v", err))
		return
	}
	defer reader.Close()

	respond.Image(c, http.StatusOK, "image/"+art.Format, reader)
}

func ownerFromRequest(c *ginext.Context) (uuid.UUID, error) {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("missing user identity")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user identity")
	}
	return id, nil
}
