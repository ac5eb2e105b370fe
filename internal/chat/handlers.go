package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	maxQuestionBytes      = 16 << 10

	eventChunk = "chunk"
	eventUsage = "usage"
	eventError = "error"
)

// ErrInvalidHandlerConfig reports missing handler dependencies.
var ErrInvalidHandlerConfig = errors.New("chat: invalid handler config")

// IdentityFunc resolves the authenticated user of a request.
type IdentityFunc func(ctx *gin.Context) (ledger.UserID, bool)

// Threads reads thread ownership.
type Threads interface {
	Thread(ctx context.Context, threadID ledger.ThreadID) (ledger.Thread, error)
}

// HandlerConfig wires the chat endpoints.
type HandlerConfig struct {
	Runner         *Runner
	Registry       *Registry
	Threads        Threads
	Identity       IdentityFunc
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Handler serves chat turns over server-sent events.
type Handler struct {
	runner         *Runner
	registry       *Registry
	threads        Threads
	identity       IdentityFunc
	requestTimeout time.Duration
	logger         *zap.Logger
}

type turnRequest struct {
	Question string `json:"question"`
}

type usagePayload struct {
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	TotalTokens  int64      `json:"total_tokens"`
	Charge       int64      `json:"charge_micros"`
	Balance      int64      `json:"balance_micros"`
	Blocked      bool       `json:"blocked"`
	Billed       bool       `json:"billed"`
	Cancelled    bool       `json:"cancelled"`
	Citations    []Citation `json:"citations"`
}

// NewHandler validates config.
func NewHandler(config HandlerConfig) (*Handler, error) {
	if config.Runner == nil || config.Identity == nil {
		return nil, ErrInvalidHandlerConfig
	}
	handler := &Handler{
		runner:         config.Runner,
		registry:       config.Registry,
		threads:        config.Threads,
		identity:       config.Identity,
		requestTimeout: config.RequestTimeout,
		logger:         config.Logger,
	}
	if handler.registry == nil {
		handler.registry = NewRegistry()
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

// Register mounts the chat routes on authenticated routes.
func (handler *Handler) Register(protected gin.IRoutes) {
	protected.POST("/chat/threads/:thread_id/turns", handler.handleTurn)
	protected.POST("/chat/threads/:thread_id/stop", handler.handleStop)
	protected.GET("/balance", handler.handleBalance)
}

func (handler *Handler) handleTurn(ctx *gin.Context) {
	userID, threadID, ok := handler.resolveThread(ctx)
	if !ok {
		return
	}
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxQuestionBytes)
	var request turnRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Question) == "" {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_question", "question is required"))
		return
	}

	token := handler.registry.Begin(threadID.String())
	defer handler.registry.End(threadID.String(), token)

	streaming := false
	emit := func(chunk string) error {
		if err := ctx.Request.Context().Err(); err != nil {
			return err
		}
		streaming = true
		ctx.SSEvent(eventChunk, chunk)
		ctx.Writer.Flush()
		return nil
	}
	result, err := handler.runner.Run(ctx.Request.Context(), Turn{
		UserID:   userID,
		ThreadID: threadID,
		Question: strings.TrimSpace(request.Question),
	}, token, emit)
	if err != nil && !streaming {
		handler.respondRunError(ctx, err)
		return
	}
	if err != nil {
		handler.logger.Warn("turn failed mid-stream", zap.String("thread_id", threadID.String()), zap.Error(err))
		ctx.SSEvent(eventError, errorResponse("pipeline_error", "answer stream failed"))
	}
	ctx.SSEvent(eventUsage, usagePayload{
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		TotalTokens:  result.Usage.Total(),
		Charge:       result.Bill.Charge.Int64(),
		Balance:      result.Bill.Balance.Int64(),
		Blocked:      result.Bill.Blocked,
		Billed:       result.Billed,
		Cancelled:    result.Cancelled,
		Citations:    result.Citations,
	})
	ctx.Writer.Flush()
}

func (handler *Handler) handleStop(ctx *gin.Context) {
	_, threadID, ok := handler.resolveThread(ctx)
	if !ok {
		return
	}
	stopped := handler.registry.Cancel(threadID.String())
	ctx.JSON(http.StatusOK, gin.H{"thread_id": threadID.String(), "stopped": stopped})
}

func (handler *Handler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.identity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	requestContext, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()
	balance, err := handler.runner.Balance(requestContext, userID)
	if err != nil {
		handler.respondRunError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":        userID.String(),
		"balance_micros": balance.Int64(),
		"balance":        balance.String(),
		"blocked":        balance <= 0,
	})
}

// resolveThread writes the error response itself when it returns false.
func (handler *Handler) resolveThread(ctx *gin.Context) (ledger.UserID, ledger.ThreadID, bool) {
	userID, ok := handler.identity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, ledger.ThreadID{}, false
	}
	threadID, err := ledger.NewThreadID(ctx.Param("thread_id"))
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_thread_id", "thread_id is required"))
		return ledger.UserID{}, ledger.ThreadID{}, false
	}
	if handler.threads == nil {
		return userID, threadID, true
	}
	requestContext, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()
	thread, err := handler.threads.Thread(requestContext, threadID)
	switch {
	case errors.Is(err, ledger.ErrUnknownThread):
		return userID, threadID, true
	case err != nil:
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "thread lookup failed"))
		return ledger.UserID{}, ledger.ThreadID{}, false
	case thread.UserID != userID:
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "thread belongs to another user"))
		return ledger.UserID{}, ledger.ThreadID{}, false
	}
	return userID, threadID, true
}

func (handler *Handler) respondRunError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_balance", "balance is exhausted"))
	case errors.Is(err, ledger.ErrUnknownUser):
		ctx.JSON(http.StatusNotFound, errorResponse("user_not_found", "user is not registered"))
	case errors.Is(err, ErrPipelineUnavailable):
		ctx.JSON(http.StatusBadGateway, errorResponse("pipeline_unavailable", "answer pipeline is unavailable"))
	default:
		handler.logger.Error("chat request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("chat_error", "turn could not be processed"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
