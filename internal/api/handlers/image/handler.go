package image

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
	imagerepo "github.com/gidorah/image-processing-service-api/internal/repository/image"
	"github.com/gidorah/image-processing-service-api/internal/service/transform"
)

// service defines the interface for source-image operations.
type service interface {
	UploadSource(ctx context.Context, ownerID uuid.UUID, filename string, r io.Reader) (model.SourceImage, error)
	GetSource(ctx context.Context, id uuid.UUID) (model.SourceImage, io.ReadCloser, error)
	DeleteSource(ctx context.Context, id uuid.UUID) error
}

// Handler provides HTTP handlers for source-image endpoints.
type Handler struct {
	service service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// Upload handles the HTTP request for uploading a source image.
// It reads the multipart form, validates and stores the file via the
// service, and responds with the source image metadata.
func (h *Handler) Upload(c *ginext.Context) {
	// Parse the multipart form with a 10MB max memory limit.
	if err := c.Request.ParseMultipartForm(10 << 20); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("parse multipart form failed: %v", err))
		return
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to upload the file")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to retrieve the file"))
		return
	}
	defer file.Close()

	// The auth collaborator verified the caller upstream and put the
	// user ID on the request.
	ownerID, err := ownerFromRequest(c)
	if err != nil {
		respond.Fail(c, http.StatusUnauthorized, err)
		return
	}

	img, err := h.service.UploadSource(c.Request.Context(), ownerID, header.Filename, file)
	if err != nil {
		if errors.Is(err, transform.ErrUnsupportedImage) {
			respond.Fail(c, http.StatusBadRequest, err)
			return
		}
		zlog.Logger.Err(err).Msg("failed to save the image")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to save the image: %v", err))
		return
	}

	respond.Created(c, img)
}

// Get serves the actual source image bytes for a given image ID.
func (h *Handler) Get(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	img, reader, err := h.service.GetSource(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("image not found"))
			return
		}
		zlog.Logger.Err(err).Msg("failed to get image")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to get image: %v", err))
		return
	}
	defer reader.Close()

	respond.Image(c, http.StatusOK, img.MIMEType, reader)
}

// GetMeta returns metadata about the image without serving the file itself.
func (h *Handler) GetMeta(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return
	}

	img, reader, err := h.service.GetSource(c.Request.Context(), id)
	if err != nil {
		respond.Fail(c, http.StatusNotFound, fmt.Errorf("image not found"))
		return
	}
	reader.Close()

	respond.OK(c, img)
}

// Delete removes a source image by ID.
func (h *Handler) Delete(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return
	}

	if err := h.service.DeleteSource(c.Request.Context(), id); err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			respond.Fail(c, http.StatusNotFound, fmt.Errorf("image not found"))
			return
		}
		zlog.Logger.Err(err).Msg("failed to delete the image")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to delete image: %v", err))
		return
	}

	c.Status(http.StatusNoContent)
}

// ownerFromRequest extracts the authenticated user ID set by the auth
// middleware upstream.
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
