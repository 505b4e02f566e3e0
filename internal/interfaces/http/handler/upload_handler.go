package handler

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	appbilling "github.com/lexmeter/backend/internal/application/billing"
	"github.com/lexmeter/backend/internal/domain/billing"
	"github.com/lexmeter/backend/internal/infrastructure/logger"
	"github.com/lexmeter/backend/internal/infrastructure/storage"
	"github.com/lexmeter/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

const uploadKeyPrefix = "uploads/"

// UploadHandler runs the two-step storage flow. Prepare is gated by
// EnforceQuota and hands out a presigned URL pinned to the declared size;
// confirm measures the stored object and records storage_delta, gating the
// measured size again. An upload that never lands is never confirmed, so it
// consumes nothing.
type UploadHandler struct {
	BaseHandler
	usage         UsageService
	source        storage.UsageSource
	presignExpiry time.Duration
}

// NewUploadHandler creates a new UploadHandler
func NewUploadHandler(usage UsageService, source storage.UsageSource, presignExpiry time.Duration) *UploadHandler {
	if presignExpiry <= 0 {
		presignExpiry = 15 * time.Minute
	}
	return &UploadHandler{usage: usage, source: source, presignExpiry: presignExpiry}
}

// UploadQuantity reads size_bytes from the prepare body and converts it to
// the storage_delta unit. The body stays readable for the handler.
func UploadQuantity(c *gin.Context) (int64, error) {
	var req PrepareUploadRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		return 0, errors.New("file_name and a positive size_bytes are required")
	}
	return billing.BytesToMebibytes(req.SizeBytes), nil
}

// PrepareUpload godoc
//
//	@ID				prepareUpload
//	@Summary		Prepare an upload
//	@Description	Checks the storage quota for the declared size and returns a presigned PUT URL.
//	@Description	Nothing is recorded until the upload is confirmed.
//	@Tags			uploads
//	@Accept			json
//	@Produce		json
//	@Param			request	body		PrepareUploadRequest	true	"File to upload"
//	@Success		200		{object}	APIResponse[PrepareUploadResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		402		{object}	ErrorResponse	"No open period"
//	@Failure		429		{object}	QuotaExceededResponse	"Storage quota exceeded"
//	@Security		BearerAuth
//	@Router			/uploads/prepare [post]
func (h *UploadHandler) PrepareUpload(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	var req PrepareUploadRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		h.ValidationError(c, err)
		return
	}

	key := uploadKey(userID, req.FileName)
	upload, err := h.source.PresignUpload(c.Request.Context(), key, req.SizeBytes, h.presignExpiry)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, PrepareUploadResponse{
		Key:       upload.Key,
		UploadURL: upload.URL,
		ExpiresAt: upload.ExpiresAt,
		Decision:  middleware.GetQuotaDecision(c),
	})
}

// ConfirmUpload godoc
//
//	@ID				confirmUpload
//	@Summary		Confirm an upload
//	@Description	Reads the stored object's size and records it as storage_delta. Confirming the same key twice records it once.
//	@Description	A measured size over a HARD storage quota is refused and the object is deleted.
//	@Tags			uploads
//	@Accept			json
//	@Produce		json
//	@Param			request	body		ConfirmUploadRequest	true	"Uploaded object"
//	@Success		201		{object}	APIResponse[ConsumeResponse]
//	@Success		200		{object}	APIResponse[ConsumeResponse]	"Already confirmed"
//	@Failure		400		{object}	ErrorResponse
//	@Failure		403		{object}	ErrorResponse	"Key belongs to another user"
//	@Failure		404		{object}	ErrorResponse	"Object not uploaded"
//	@Failure		429		{object}	QuotaExceededResponse	"Storage quota exceeded"
//	@Security		BearerAuth
//	@Router			/uploads/confirm [post]
func (h *UploadHandler) ConfirmUpload(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}

	var req ConfirmUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.ValidationError(c, err)
		return
	}
	if !ownsUploadKey(userID, req.Key) {
		h.Forbidden(c, "Upload key does not belong to the caller")
		return
	}

	ctx := c.Request.Context()
	size, err := h.source.ObjectSize(ctx, req.Key)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	result, err := h.usage.Consume(ctx, appbilling.ConsumeInput{
		UserID:         userID,
		ResourceType:   billing.ResourceStorageDelta,
		Quantity:       billing.BytesToMebibytes(size),
		IdempotencyKey: "upload:" + req.Key,
		Enforce:        true,
	})
	if err != nil {
		var quotaErr *billing.QuotaExceededError
		if errors.As(err, &quotaErr) {
			h.discard(ctx, req.Key, size)
		}
		h.HandleError(c, err)
		return
	}

	logger.FromContext(ctx).Info("upload confirmed",
		zap.String("key", req.Key),
		zap.Int64("size_bytes", size),
		zap.Bool("duplicate", result.Duplicate))

	resp := toConsumeResponse(result)
	if result.Duplicate {
		h.Success(c, resp)
		return
	}
	h.Created(c, resp)
}

// discard removes an object whose measured size was refused. A failed delete
// leaves an orphan that is never billed.
func (h *UploadHandler) discard(ctx context.Context, key string, size int64) {
	log := logger.FromContext(ctx)
	if err := h.source.DeleteObject(ctx, key); err != nil {
		log.Warn("failed to delete refused upload", zap.String("key", key), zap.Error(err))
		return
	}
	log.Info("refused upload deleted", zap.String("key", key), zap.Int64("size_bytes", size))
}

func uploadKey(userID uuid.UUID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" {
		name = "file"
	}
	return uploadKeyPrefix + userID.String() + "/" + uuid.NewString() + "-" + name
}

func ownsUploadKey(userID uuid.UUID, key string) bool {
	prefix := uploadKeyPrefix + userID.String() + "/"
	return strings.HasPrefix(key, prefix) && !strings.Contains(key[len(prefix):], "..") && len(key) > len(prefix)
}
