// Package payments decides whether a claimed provider payment is genuine and
// records it in the ledger at most once.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/chatledger/internal/txlock"
	"github.com/MarkoPoloResearchLab/chatledger/internal/viva"
	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"go.uber.org/zap"
)

// Source says where a payment claim came from.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceClient  Source = "client"
)

// Outcome is the verdict of a verification.
type Outcome string

const (
	OutcomeIgnored             Outcome = "ignored"
	OutcomeDuplicate           Outcome = "duplicate"
	OutcomeVerified            Outcome = "verified"
	OutcomeMismatched          Outcome = "mismatched"
	OutcomeProviderUnreachable Outcome = "provider_unreachable"
	OutcomeProviderNotFound    Outcome = "provider_not_found"
	OutcomeInFlight            Outcome = "in_flight"
	OutcomeSystemError         Outcome = "system_error"

	DefaultProviderTimeout = 10 * time.Second
)

var (
	// ErrInvalidVerifierConfig reports missing verifier dependencies.
	ErrInvalidVerifierConfig = errors.New("payments: invalid verifier config")
	// ErrMalformedClaim reports a claim with missing identifiers.
	ErrMalformedClaim = errors.New("payments: malformed claim")
)

// Claim is an unverified statement that a user paid.
type Claim struct {
	UserID        string
	TransactionID string
	OrderCode     string
	// Amount is zero when the claimant does not know it.
	Amount   ledger.AmountCents
	StatusID string
	EventID  int64
	ECI      int64
}

// Decision is the result of Verify.
type Decision struct {
	Outcome Outcome
	// Record is the created record for verified claims and the stored one for duplicates.
	Record ledger.PaymentRecord
	// AmountConflict flags a duplicate whose stored amount differs from the claim.
	AmountConflict bool
	Err            error
}

// Ledger is the part of the balance ledger the verifier needs.
type Ledger interface {
	GetUser(ctx context.Context, userID ledger.UserID) (ledger.User, error)
	FindPayment(ctx context.Context, lookup ledger.PaymentLookup) (ledger.PaymentRecord, error)
	PaymentByTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.PaymentRecord, error)
	CreatePayment(ctx context.Context, input ledger.PaymentInput) (ledger.PaymentRecord, error)
}

// Provider answers transaction status queries.
type Provider interface {
	TransactionStatus(ctx context.Context, transactionID ledger.TransactionID) (viva.Transaction, error)
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLocker serializes verification per transaction id.
func WithLocker(locker txlock.Locker) VerifierOption {
	return func(verifier *Verifier) {
		if locker != nil {
			verifier.locker = locker
		}
	}
}

// WithLogger sets the verifier logger.
func WithLogger(logger *zap.Logger) VerifierOption {
	return func(verifier *Verifier) {
		if logger != nil {
			verifier.logger = logger
		}
	}
}

// WithMetrics records decisions.
func WithMetrics(collectors *metrics.Metrics) VerifierOption {
	return func(verifier *Verifier) {
		verifier.metrics = collectors
	}
}

// WithProviderTimeout bounds each provider status query.
func WithProviderTimeout(timeout time.Duration) VerifierOption {
	return func(verifier *Verifier) {
		if timeout > 0 {
			verifier.providerTimeout = timeout
		}
	}
}

// Verifier implements the payment decision procedure. It holds no state
// between calls.
type Verifier struct {
	ledger          Ledger
	provider        Provider
	locker          txlock.Locker
	logger          *zap.Logger
	metrics         *metrics.Metrics
	providerTimeout time.Duration
}

// NewVerifier wires a Verifier.
func NewVerifier(paymentLedger Ledger, provider Provider, options ...VerifierOption) (*Verifier, error) {
	if paymentLedger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidVerifierConfig)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: provider dependency is nil", ErrInvalidVerifierConfig)
	}
	verifier := &Verifier{
		ledger:          paymentLedger,
		provider:        provider,
		locker:          txlock.Noop{},
		logger:          zap.NewNop(),
		providerTimeout: DefaultProviderTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(verifier)
		}
	}
	verifier.logger = verifier.logger.Named("payment_processor")
	return verifier, nil
}

// Verify runs the decision procedure for claim.
func (verifier *Verifier) Verify(ctx context.Context, claim Claim, source Source) Decision {
	decision := verifier.verify(ctx, claim, source)
	verifier.metrics.ObservePaymentDecision(string(source), string(decision.Outcome))
	verifier.report(claim, source, decision)
	return decision
}

func (verifier *Verifier) verify(ctx context.Context, claim Claim, source Source) Decision {
	lookup, err := parseLookup(claim)
	if err != nil {
		return Decision{Outcome: OutcomeIgnored, Err: err}
	}
	if source == SourceWebhook && claim.StatusID != viva.StatusFinalized {
		return Decision{Outcome: OutcomeIgnored}
	}

	if _, err := verifier.ledger.GetUser(ctx, lookup.UserID); err != nil {
		if errors.Is(err, ledger.ErrUnknownUser) {
			return Decision{Outcome: OutcomeIgnored, Err: err}
		}
		return Decision{Outcome: OutcomeSystemError, Err: err}
	}

	if decision, done := verifier.checkDuplicate(ctx, lookup, claim.Amount); done {
		return decision
	}

	release, acquired, err := verifier.locker.Acquire(ctx, lookup.TransactionID.String())
	defer release()
	if err != nil {
		verifier.logger.Warn("transaction lock unavailable, relying on unique constraint",
			zap.String("transaction_id", lookup.TransactionID.String()),
			zap.Error(err),
		)
	} else if !acquired {
		return Decision{Outcome: OutcomeInFlight}
	}

	if err == nil {
		// A concurrent holder may have committed between the first check and the lock.
		if decision, done := verifier.checkDuplicate(ctx, lookup, claim.Amount); done {
			return decision
		}
	}

	providerContext, cancel := context.WithTimeout(ctx, verifier.providerTimeout)
	defer cancel()
	transaction, err := verifier.provider.TransactionStatus(providerContext, lookup.TransactionID)
	if err != nil {
		if errors.Is(err, viva.ErrTransactionNotFound) {
			return Decision{Outcome: OutcomeProviderNotFound, Err: err}
		}
		return Decision{Outcome: OutcomeProviderUnreachable, Err: err}
	}

	amount, matched := matchTransaction(lookup, claim.Amount, source, transaction)
	if !matched {
		return Decision{Outcome: OutcomeMismatched}
	}

	record, err := verifier.ledger.CreatePayment(ctx, ledger.PaymentInput{
		UserID:        lookup.UserID,
		TransactionID: lookup.TransactionID,
		OrderCode:     lookup.OrderCode,
		EventID:       claim.EventID,
		ECI:           claim.ECI,
		Amount:        amount,
	})
	switch {
	case err == nil:
		return Decision{Outcome: OutcomeVerified, Record: record}
	case errors.Is(err, ledger.ErrPaymentExists):
		existing, lookupErr := verifier.existingPayment(ctx, lookup.TransactionID)
		if lookupErr != nil {
			return Decision{Outcome: OutcomeSystemError, Err: errors.Join(err, lookupErr)}
		}
		return Decision{Outcome: OutcomeDuplicate, Record: existing, AmountConflict: existing.Amount != amount}
	case errors.Is(err, ledger.ErrUnknownUser):
		return Decision{Outcome: OutcomeIgnored, Err: err}
	default:
		return Decision{Outcome: OutcomeSystemError, Err: err}
	}
}

func (verifier *Verifier) checkDuplicate(ctx context.Context, lookup ledger.PaymentLookup, claimedAmount ledger.AmountCents) (Decision, bool) {
	existing, err := verifier.ledger.FindPayment(ctx, lookup)
	switch {
	case err == nil:
		conflict := claimedAmount != 0 && existing.Amount != claimedAmount
		return Decision{Outcome: OutcomeDuplicate, Record: existing, AmountConflict: conflict}, true
	case errors.Is(err, ledger.ErrPaymentNotFound):
		return Decision{}, false
	default:
		return Decision{Outcome: OutcomeSystemError, Err: err}, true
	}
}

// existingPayment reads the record that won a unique-constraint race,
// retrying the lookup once.
func (verifier *Verifier) existingPayment(ctx context.Context, transactionID ledger.TransactionID) (ledger.PaymentRecord, error) {
	existing, err := verifier.ledger.PaymentByTransaction(ctx, transactionID)
	if err == nil {
		return existing, nil
	}
	return verifier.ledger.PaymentByTransaction(ctx, transactionID)
}

// matchTransaction applies the dual-source rule and returns the amount to record.
// Only client claims may omit the amount; a webhook must state the amount the
// provider reports.
func matchTransaction(lookup ledger.PaymentLookup, claimedAmount ledger.AmountCents, source Source, transaction viva.Transaction) (ledger.AmountCents, bool) {
	if transaction.StatusID != viva.StatusFinalized {
		return 0, false
	}
	if transaction.OrderCode != lookup.OrderCode.String() {
		return 0, false
	}
	if transaction.MerchantTrns != lookup.UserID.String() {
		return 0, false
	}
	if transaction.Amount <= 0 {
		return 0, false
	}
	if claimedAmount == 0 && source == SourceClient {
		return transaction.Amount, true
	}
	if claimedAmount <= 0 || claimedAmount != transaction.Amount {
		return 0, false
	}
	return transaction.Amount, true
}

func parseLookup(claim Claim) (ledger.PaymentLookup, error) {
	userID, err := ledger.NewUserID(claim.UserID)
	if err != nil {
		return ledger.PaymentLookup{}, fmt.Errorf("%w: %v", ErrMalformedClaim, err)
	}
	transactionID, err := ledger.NewTransactionID(claim.TransactionID)
	if err != nil {
		return ledger.PaymentLookup{}, fmt.Errorf("%w: %v", ErrMalformedClaim, err)
	}
	orderCode, err := ledger.NewOrderCode(claim.OrderCode)
	if err != nil {
		return ledger.PaymentLookup{}, fmt.Errorf("%w: %v", ErrMalformedClaim, err)
	}
	return ledger.PaymentLookup{TransactionID: transactionID, OrderCode: orderCode, UserID: userID}, nil
}

func (verifier *Verifier) report(claim Claim, source Source, decision Decision) {
	fields := []zap.Field{
		zap.String("source", string(source)),
		zap.String("outcome", string(decision.Outcome)),
		zap.String("user_id", claim.UserID),
		zap.String("transaction_id", claim.TransactionID),
		zap.String("order_code", claim.OrderCode),
		zap.String("status_id", claim.StatusID),
		zap.Int64("amount", claim.Amount.Int64()),
	}
	if decision.Err != nil {
		fields = append(fields, zap.Error(decision.Err))
	}
	switch {
	case decision.AmountConflict:
		verifier.logger.Error("stored payment amount differs from claim", append(fields, zap.Int64("stored_amount", decision.Record.Amount.Int64()))...)
	case decision.Outcome == OutcomeSystemError:
		verifier.logger.Error("payment verification failed", fields...)
	case decision.Outcome == OutcomeVerified:
		verifier.logger.Info("payment recorded", append(fields, zap.String("payment_id", decision.Record.ID))...)
	default:
		verifier.logger.Info("payment not recorded", fields...)
	}
}
