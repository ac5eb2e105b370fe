package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Sharing publishes threads for read-only viewing.
type Sharing interface {
	ShareThread(ctx context.Context, userID ledger.UserID, threadID ledger.ThreadID, shared bool) (ledger.Thread, error)
	SharedThread(ctx context.Context, threadID ledger.ThreadID) (ledger.Thread, error)
}

// ShareHandlerConfig wires the thread sharing endpoints.
type ShareHandlerConfig struct {
	Sharing        Sharing
	Identity       IdentityFunc
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// ShareHandler lets owners share threads and anyone read shared ones.
type ShareHandler struct {
	sharing        Sharing
	identity       IdentityFunc
	requestTimeout time.Duration
	logger         *zap.Logger
}

type shareRequest struct {
	IsShared *bool `json:"is_shared"`
}

type sharedThreadPayload struct {
	ThreadID       string          `json:"thread_id"`
	UserID         string          `json:"user_id"`
	InputTokens    int64           `json:"input_tokens"`
	OutputTokens   int64           `json:"output_tokens"`
	TotalTokens    int64           `json:"total_tokens"`
	Metadata       json.RawMessage `json:"metadata"`
	UpdatedUnixUTC int64           `json:"updated_at"`
}

// NewShareHandler validates config.
func NewShareHandler(config ShareHandlerConfig) (*ShareHandler, error) {
	if config.Sharing == nil || config.Identity == nil {
		return nil, ErrInvalidHandlerConfig
	}
	handler := &ShareHandler{
		sharing:        config.Sharing,
		identity:       config.Identity,
		requestTimeout: config.RequestTimeout,
		logger:         config.Logger,
	}
	if handler.requestTimeout <= 0 {
		handler.requestTimeout = DefaultRequestTimeout
	}
	if handler.logger == nil {
		handler.logger = zap.NewNop()
	}
	handler.logger = handler.logger.Named("chat")
	return handler, nil
}

// Register mounts the owner toggle on protected routes and the read-only view
// on public ones.
func (handler *ShareHandler) Register(public gin.IRoutes, protected gin.IRoutes) {
	protected.PUT("/chat/threads/:thread_id/share", handler.handleShare)
	public.GET("/chat/share/:thread_id", handler.handleSharedThread)
}

func (handler *ShareHandler) handleShare(ctx *gin.Context) {
	userID, ok := handler.identity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	threadID, err := ledger.NewThreadID(ctx.Param("thread_id"))
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_thread_id", "thread_id is required"))
		return
	}
	var request shareRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.IsShared == nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_share", "is_shared is required"))
		return
	}

	requestContext, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()
	_, err = handler.sharing.ShareThread(requestContext, userID, threadID, *request.IsShared)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"success": true, "thread_id": threadID.String(), "is_shared": *request.IsShared})
	case errors.Is(err, ledger.ErrUnknownThread):
		ctx.JSON(http.StatusNotFound, errorResponse("thread_not_found", "thread not found"))
	case errors.Is(err, ledger.ErrThreadNotOwned):
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "thread belongs to another user"))
	default:
		handler.logger.Error("thread share failed", zap.String("thread_id", threadID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "thread could not be updated"))
	}
}

// handleSharedThread needs no session. Unshared and unknown threads look the same.
func (handler *ShareHandler) handleSharedThread(ctx *gin.Context) {
	threadID, err := ledger.NewThreadID(ctx.Param("thread_id"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("thread_not_found", "thread not found"))
		return
	}
	requestContext, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()
	thread, err := handler.sharing.SharedThread(requestContext, threadID)
	switch {
	case errors.Is(err, ledger.ErrUnknownThread):
		ctx.JSON(http.StatusNotFound, errorResponse("thread_not_found", "thread not found"))
		return
	case err != nil:
		handler.logger.Error("shared thread lookup failed", zap.String("thread_id", threadID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "thread lookup failed"))
		return
	}
	ctx.JSON(http.StatusOK, sharedThreadPayload{
		ThreadID:       thread.ThreadID.String(),
		UserID:         thread.UserID.String(),
		InputTokens:    thread.InputTokens,
		OutputTokens:   thread.OutputTokens,
		TotalTokens:    thread.TotalTokens,
		Metadata:       json.RawMessage(thread.Metadata.String()),
		UpdatedUnixUTC: thread.UpdatedUnixUTC,
	})
}
