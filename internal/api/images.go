package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/imagesync"
	"github.com/labmesh-io/labmesh/internal/repositories"
)

// ImageHandler serves the image manifest: registering references and listing
// per-host presence.
type ImageHandler struct {
	repo   repositories.ImageRepository
	sync   *imagesync.Manager // nil disables push-on-upload
	logger *zap.Logger
}

// NewImageHandler creates a new ImageHandler.
func NewImageHandler(repo repositories.ImageRepository, sync *imagesync.Manager, logger *zap.Logger) *ImageHandler {
	return &ImageHandler{
		repo:   repo,
		sync:   sync,
		logger: logger.Named("image_handler"),
	}
}

// createImageRequest is the body of POST /images.
type createImageRequest struct {
	Reference string `json:"reference"`
	SizeBytes int64  `json:"size_bytes"`
}

// imageResponse is the JSON representation of a manifest entry.
type imageResponse struct {
	ID        string    `json:"id"`
	Reference string    `json:"reference"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

func imageToResponse(img *db.Image) imageResponse {
	return imageResponse{
		ID:        img.ID.String(),
		Reference: img.Reference,
		SizeBytes: img.SizeBytes,
		CreatedAt: img.CreatedAt,
	}
}

// Create handles POST /images: adds a reference to the manifest and kicks
// off push-on-upload distribution to push-strategy agents.
func (h *ImageHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createImageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Reference == "" {
		ErrBadRequest(w, "reference is required")
		return
	}

	image := &db.Image{Reference: req.Reference, SizeBytes: req.SizeBytes}
	if err := h.repo.CreateImage(r.Context(), image); err != nil {
		h.logger.Error("image create failed", zap.String("reference", req.Reference), zap.Error(err))
		ErrConflict(w, "image already registered")
		return
	}

	if h.sync != nil {
		go h.sync.PushOnUpload(context.Background(), image)
	}
	Created(w, imageToResponse(image))
}

type listImagesResponse struct {
	Items []imageResponse `json:"items"`
}

// List handles GET /images.
func (h *ImageHandler) List(w http.ResponseWriter, r *http.Request) {
	images, err := h.repo.ListImages(r.Context())
	if err != nil {
		h.logger.Error("image listing failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]imageResponse, len(images))
	for i := range images {
		items[i] = imageToResponse(&images[i])
	}
	Ok(w, listImagesResponse{Items: items})
}
