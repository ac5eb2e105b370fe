// Package viva talks to the Viva payments checkout API.
package viva

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	DefaultOrdersURL       = "https://demo-api.vivapayments.com/checkout/v2/orders"
	DefaultTransactionsURL = "https://demo-api.vivapayments.com/checkout/v2/transactions"
	DefaultTimeout         = 10 * time.Second
	DefaultCurrencyCode    = 978
	DefaultPaymentTimeout  = 1800
	DefaultSourceCode      = "Default"

	// StatusFinalized is the provider status of a completed transaction.
	StatusFinalized = "F"

	endpointCreateOrder       = "create_order"
	endpointTransactionStatus = "transaction_status"
	maxResponseBytes          = 1 << 20
)

var (
	// ErrTransactionNotFound reports a transaction the provider does not know.
	ErrTransactionNotFound = errors.New("viva: transaction not found")
	// ErrProviderUnavailable reports transport failures, timeouts and 5xx responses.
	ErrProviderUnavailable = errors.New("viva: provider unavailable")
	// ErrTokenUnavailable reports a missing API token.
	ErrTokenUnavailable = errors.New("viva: token unavailable")
	// ErrMissingOrderCode reports an order response without an order code.
	ErrMissingOrderCode = errors.New("viva: order code missing")
)

// TokenSource yields the bearer token for provider calls.
type TokenSource interface {
	Token() (string, error)
}

// FileTokenSource reads the token from a file on every call so the file can
// be rotated without a restart.
type FileTokenSource struct {
	Path string
}

func (source FileTokenSource) Token() (string, error) {
	if strings.TrimSpace(source.Path) == "" {
		return "", ErrTokenUnavailable
	}
	content, err := os.ReadFile(source.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	token := strings.TrimSpace(string(content))
	if token == "" {
		return "", ErrTokenUnavailable
	}
	return token, nil
}

// StaticTokenSource returns a fixed token.
type StaticTokenSource string

func (source StaticTokenSource) Token() (string, error) {
	if strings.TrimSpace(string(source)) == "" {
		return "", ErrTokenUnavailable
	}
	return string(source), nil
}

// Config holds provider client configuration.
type Config struct {
	OrdersURL       string
	TransactionsURL string
	Timeout         time.Duration
	CurrencyCode    int
	PaymentTimeout  int
	SourceCode      string
	CountryCode     string
	RequestLang     string
	CustomerTrns    string
}

// Client provides typed access to the checkout API.
type Client struct {
	config  Config
	tokens  TokenSource
	http    *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Transaction is the subset of the provider transaction view used for verification.
type Transaction struct {
	StatusID     string
	OrderCode    string
	MerchantTrns string
	Amount       ledger.AmountCents
}

// OrderRequest describes a checkout order for a user.
type OrderRequest struct {
	UserID ledger.UserID
	Amount ledger.AmountCents
}

type customer struct {
	Email       string `json:"email"`
	FullName    string `json:"fullName"`
	Phone       string `json:"phone"`
	CountryCode string `json:"countryCode,omitempty"`
	RequestLang string `json:"requestLang,omitempty"`
}

type createOrderPayload struct {
	Amount              int64    `json:"amount"`
	CustomerTrns        string   `json:"customerTrns"`
	Customer            customer `json:"customer"`
	DynamicDescriptor   string   `json:"dynamicDescriptor,omitempty"`
	PaymentTimeout      int      `json:"paymentTimeout"`
	CurrencyCode        int      `json:"currencyCode"`
	Preauth             bool     `json:"preauth"`
	AllowRecurring      bool     `json:"allowRecurring"`
	MaxInstallments     int      `json:"maxInstallments"`
	PaymentNotification bool     `json:"paymentNotification"`
	TipAmount           int64    `json:"tipAmount"`
	DisableExactAmount  bool     `json:"disableExactAmount"`
	DisableCash         bool     `json:"disableCash"`
	DisableWallet       bool     `json:"disableWallet"`
	SourceCode          string   `json:"sourceCode"`
	MerchantTrns        string   `json:"merchantTrns"`
}

type createOrderResponse struct {
	OrderCode FlexibleString `json:"orderCode"`
}

type transactionResponse struct {
	StatusID     string         `json:"statusId"`
	OrderCode    FlexibleString `json:"orderCode"`
	MerchantTrns string         `json:"merchantTrns"`
	Amount       json.Number    `json:"amount"`
}

// New creates a provider client.
func New(config Config, tokens TokenSource, logger *zap.Logger, collectors *metrics.Metrics) *Client {
	if config.OrdersURL == "" {
		config.OrdersURL = DefaultOrdersURL
	}
	if config.TransactionsURL == "" {
		config.TransactionsURL = DefaultTransactionsURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.CurrencyCode == 0 {
		config.CurrencyCode = DefaultCurrencyCode
	}
	if config.PaymentTimeout == 0 {
		config.PaymentTimeout = DefaultPaymentTimeout
	}
	if config.SourceCode == "" {
		config.SourceCode = DefaultSourceCode
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config:  config,
		tokens:  tokens,
		http:    &http.Client{Timeout: config.Timeout},
		logger:  logger.Named("viva"),
		metrics: collectors,
	}
}

// CreateOrder registers a checkout order whose merchant reference is the
// user identifier and returns the provider order code.
func (client *Client) CreateOrder(ctx context.Context, request OrderRequest) (ledger.OrderCode, error) {
	payload := createOrderPayload{
		Amount:       request.Amount.Int64(),
		CustomerTrns: client.customerTrns(request.Amount),
		Customer: customer{
			FullName:    request.UserID.String(),
			CountryCode: client.config.CountryCode,
			RequestLang: client.config.RequestLang,
		},
		PaymentTimeout: client.config.PaymentTimeout,
		CurrencyCode:   client.config.CurrencyCode,
		SourceCode:     client.config.SourceCode,
		MerchantTrns:   request.UserID.String(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ledger.OrderCode{}, fmt.Errorf("encode order: %w", err)
	}
	var response createOrderResponse
	if err := client.do(ctx, endpointCreateOrder, http.MethodPost, client.config.OrdersURL, bytes.NewReader(body), &response); err != nil {
		return ledger.OrderCode{}, err
	}
	orderCode, err := ledger.NewOrderCode(response.OrderCode.String())
	if err != nil {
		return ledger.OrderCode{}, ErrMissingOrderCode
	}
	return orderCode, nil
}

// TransactionStatus retrieves the provider view of a transaction.
func (client *Client) TransactionStatus(ctx context.Context, transactionID ledger.TransactionID) (Transaction, error) {
	endpoint := strings.TrimRight(client.config.TransactionsURL, "/") + "/" + url.PathEscape(transactionID.String())
	var response transactionResponse
	if err := client.do(ctx, endpointTransactionStatus, http.MethodGet, endpoint, nil, &response); err != nil {
		return Transaction{}, err
	}
	amount, err := ParseAmountCents(response.Amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return Transaction{
		StatusID:     strings.TrimSpace(response.StatusID),
		OrderCode:    response.OrderCode.String(),
		MerchantTrns: strings.TrimSpace(response.MerchantTrns),
		Amount:       amount,
	}, nil
}

func (client *Client) customerTrns(amount ledger.AmountCents) string {
	if client.config.CustomerTrns != "" {
		return client.config.CustomerTrns
	}
	return fmt.Sprintf("Chat credits worth %d.%02d", amount.Int64()/100, amount.Int64()%100)
}

func (client *Client) do(ctx context.Context, endpointName string, method string, endpoint string, body io.Reader, destination any) error {
	if client.tokens == nil {
		return ErrTokenUnavailable
	}
	token, err := client.tokens.Token()
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	response, err := client.http.Do(request)
	if err != nil {
		client.metrics.ObserveProviderRequest(endpointName, 0, time.Since(start))
		client.logger.Warn("provider request failed", zap.String("endpoint", endpointName), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer response.Body.Close()
	client.metrics.ObserveProviderRequest(endpointName, response.StatusCode, time.Since(start))

	content, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrProviderUnavailable, err)
	}
	switch {
	case response.StatusCode == http.StatusNotFound:
		return ErrTransactionNotFound
	case response.StatusCode >= http.StatusBadRequest:
		client.logger.Warn("provider rejected request",
			zap.String("endpoint", endpointName),
			zap.Int("status", response.StatusCode),
		)
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, response.StatusCode)
	}
	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.UseNumber()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProviderUnavailable, err)
	}
	return nil
}
