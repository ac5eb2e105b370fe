package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/internal/viva"
	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	DefaultOrderAmount    ledger.AmountCents = 1000
	DefaultRequestTimeout                    = 15 * time.Second

	maxWebhookBodyBytes = 1 << 20
)

// DefaultAmountTiers are the purchasable credit amounts in cents.
var DefaultAmountTiers = []ledger.AmountCents{500, 1000}

// ErrInvalidHandlerConfig reports missing handler dependencies.
var ErrInvalidHandlerConfig = errors.New("payments: invalid handler config")

// OrderCreator registers checkout orders with the provider.
type OrderCreator interface {
	CreateOrder(ctx context.Context, request viva.OrderRequest) (ledger.OrderCode, error)
}

// IdentityFunc resolves the authenticated user of a request.
type IdentityFunc func(ctx *gin.Context) (ledger.UserID, bool)

// HandlerConfig wires the payment HTTP handlers.
type HandlerConfig struct {
	Verifier       *Verifier
	Ledger         Ledger
	Orders         OrderCreator
	WebhookKey     viva.WebhookKeySource
	Identity       IdentityFunc
	AmountTiers    []ledger.AmountCents
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Handler serves the payment endpoints.
type Handler struct {
	verifier       *Verifier
	ledger         Ledger
	orders         OrderCreator
	webhookKey     viva.WebhookKeySource
	identity       IdentityFunc
	amountTiers    []ledger.AmountCents
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewHandler validates config and returns a Handler.
func NewHandler(config HandlerConfig) (*Handler, error) {
	if config.Verifier == nil || config.Ledger == nil || config.Identity == nil {
		return nil, fmt.Errorf("%w: verifier, ledger and identity are required", ErrInvalidHandlerConfig)
	}
	handler := &Handler{
		verifier:       config.Verifier,
		ledger:         config.Ledger,
		orders:         config.Orders,
		webhookKey:     config.WebhookKey,
		identity:       config.Identity,
		amountTiers:    config.AmountTiers,
		requestTimeout: config.RequestTimeout,
		logger:         config.Logger,
	}
	if len(handler.amountTiers) == 0 {
		handler.amountTiers = DefaultAmountTiers
	}
	if handler.requestTimeout <= 0 {
		handler.requestTimeout = DefaultRequestTimeout
	}
	if handler.logger == nil {
		handler.logger = zap.NewNop()
	}
	handler.logger = handler.logger.Named("payment_processor")
	return handler, nil
}

// Register mounts the provider-facing routes on public and the user-facing
// routes on protected.
func (handler *Handler) Register(public gin.IRoutes, protected gin.IRoutes) {
	public.POST("/payment/webhook", handler.handleWebhook)
	public.GET("/payment/webhook", handler.handleWebhookKey)
	protected.POST("/payment", handler.handleClientPayment)
	protected.GET("/transaction", handler.handleTransaction)
	protected.POST("/order", handler.handleOrder)
}

// handleWebhook always answers 200 so the provider does not retry decisions
// that were already made.
func (handler *Handler) handleWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		handler.logger.Warn("webhook body unreadable", zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{"message": OutcomeIgnored})
		return
	}
	payload, err := viva.DecodeWebhook(body)
	if err != nil {
		handler.logger.Warn("webhook body malformed", zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{"message": OutcomeIgnored})
		return
	}
	amount, err := viva.ParseAmountCents(payload.EventData.Amount)
	if err != nil {
		handler.logger.Warn("webhook amount malformed",
			zap.String("transaction_id", payload.EventData.TransactionID),
			zap.Error(err),
		)
		ctx.JSON(http.StatusOK, gin.H{"message": OutcomeIgnored})
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()
	decision := handler.verifier.Verify(requestCtx, Claim{
		UserID:        payload.EventData.MerchantTrns,
		TransactionID: payload.EventData.TransactionID,
		OrderCode:     payload.EventData.OrderCode.String(),
		Amount:        amount,
		StatusID:      payload.EventData.StatusID,
		EventID:       payload.EventIdentifier(),
		ECI:           payload.EventData.ECI(),
	}, SourceWebhook)
	ctx.JSON(http.StatusOK, gin.H{"message": decision.Outcome})
}

func (handler *Handler) handleWebhookKey(ctx *gin.Context) {
	if handler.webhookKey == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("webhook_key_unavailable", "webhook key is not configured"))
		return
	}
	key, err := handler.webhookKey.WebhookKey()
	if err != nil {
		handler.logger.Error("webhook key unavailable", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("webhook_key_unavailable", "webhook key is not available"))
		return
	}
	ctx.Data(http.StatusOK, "application/json", key)
}

func (handler *Handler) handleClientPayment(ctx *gin.Context) {
	userID, ok := handler.identity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request clientPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.UserID != userID.String() {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "user identifier does not match session"))
		return
	}
	amount, err := viva.ParseAmountCents(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_amount", "amount must be a non-negative integer in cents"))
		return
	}
	if request.TransactionID == "" || request.OrderCode.String() == "" {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_payload", "transaction_id and order_code are required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()

	if _, err := handler.ledger.GetUser(requestCtx, userID); err != nil {
		if errors.Is(err, ledger.ErrUnknownUser) {
			ctx.JSON(http.StatusNotFound, errorResponse("user_not_found", "user is not registered"))
			return
		}
		handler.logger.Error("user lookup failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "user lookup failed"))
		return
	}

	decision := handler.verifier.Verify(requestCtx, Claim{
		UserID:        userID.String(),
		TransactionID: request.TransactionID,
		OrderCode:     request.OrderCode.String(),
		Amount:        amount,
		EventID:       request.EventID,
		ECI:           request.ECI,
	}, SourceClient)

	switch decision.Outcome {
	case OutcomeVerified:
		ctx.JSON(http.StatusCreated, newPaymentPayload(decision.Record))
	case OutcomeDuplicate:
		ctx.JSON(http.StatusOK, newPaymentPayload(decision.Record))
	case OutcomeMismatched:
		ctx.JSON(http.StatusBadRequest, errorResponse("verification_failed", "Transaction status could not be verified"))
	case OutcomeProviderNotFound:
		ctx.JSON(http.StatusConflict, errorResponse("transaction_not_found", "provider does not know this transaction"))
	case OutcomeInFlight:
		ctx.JSON(http.StatusConflict, errorResponse("in_flight", "transaction is being processed"))
	case OutcomeIgnored:
		if errors.Is(decision.Err, ledger.ErrUnknownUser) {
			ctx.JSON(http.StatusNotFound, errorResponse("user_not_found", "user is not registered"))
			return
		}
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_payload", "payment claim is malformed"))
	case OutcomeProviderUnreachable:
		ctx.JSON(http.StatusInternalServerError, errorResponse("provider_unreachable", "payment provider is unreachable"))
	default:
		ctx.JSON(http.StatusInternalServerError, errorResponse("system_error", "payment could not be processed"))
	}
}

func (handler *Handler) handleTransaction(ctx *gin.Context) {
	userID, ok := handler.identity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	transactionID, err := ledger.NewTransactionID(ctx.Query("transaction_id"))
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_transaction_id", "transaction_id is required"))
		return
	}
	orderCode, err := ledger.NewOrderCode(ctx.Query("order_code"))
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_order_code", "order_code is required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()
	record, err := handler.ledger.FindPayment(requestCtx, ledger.PaymentLookup{
		TransactionID: transactionID,
		OrderCode:     orderCode,
		UserID:        userID,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrPaymentNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("payment_not_found", "no payment for this transaction"))
			return
		}
		handler.logger.Error("payment lookup failed", zap.String("transaction_id", transactionID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "payment lookup failed"))
		return
	}
	ctx.JSON(http.StatusOK, newPaymentPayload(record))
}

func (handler *Handler) handleOrder(ctx *gin.Context) {
	userID, ok := handler.identity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if handler.orders == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("orders_unavailable", "order creation is not configured"))
		return
	}
	var request orderRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount := DefaultOrderAmount
	if request.AmountCents != nil {
		amount = ledger.AmountCents(*request.AmountCents)
	}
	if !handler.allowedAmount(amount) {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_amount", fmt.Sprintf("amount_cents must be one of %v", handler.amountTiers)))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()
	orderCode, err := handler.orders.CreateOrder(requestCtx, viva.OrderRequest{UserID: userID, Amount: amount})
	if err != nil {
		handler.logger.Error("order creation failed", zap.String("user_id", userID.String()), zap.Error(err))
		switch {
		case errors.Is(err, viva.ErrTokenUnavailable):
			ctx.JSON(http.StatusInternalServerError, errorResponse("token_unavailable", "provider credentials are not available"))
		case errors.Is(err, viva.ErrMissingOrderCode):
			ctx.JSON(http.StatusBadRequest, errorResponse("order_code_missing", "provider returned no order code"))
		default:
			ctx.JSON(http.StatusBadGateway, errorResponse("provider_error", "order could not be created"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"orderCode": orderCode.String()})
}

func (handler *Handler) allowedAmount(amount ledger.AmountCents) bool {
	for _, tier := range handler.amountTiers {
		if tier == amount {
			return true
		}
	}
	return false
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type clientPaymentRequest struct {
	UserID        string              `json:"user_id"`
	TransactionID string              `json:"transaction_id"`
	OrderCode     viva.FlexibleString `json:"order_code"`
	EventID       int64               `json:"event_id"`
	ECI           int64               `json:"eci"`
	Amount        json.Number         `json:"amount"`
}

type orderRequest struct {
	AmountCents *int64 `json:"amount_cents"`
}

type paymentPayload struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	TransactionID string `json:"transaction_id"`
	OrderCode     string `json:"order_code"`
	EventID       int64  `json:"event_id"`
	ECI           int64  `json:"eci"`
	Amount        int64  `json:"amount"`
	CreatedAt     string `json:"created_at"`
}

func newPaymentPayload(record ledger.PaymentRecord) paymentPayload {
	return paymentPayload{
		ID:            record.ID,
		UserID:        record.UserID.String(),
		TransactionID: record.TransactionID.String(),
		OrderCode:     record.OrderCode.String(),
		EventID:       record.EventID,
		ECI:           record.ECI,
		Amount:        record.Amount.Int64(),
		CreatedAt:     time.Unix(record.CreatedUnixUTC, 0).UTC().Format(time.RFC3339),
	}
}
