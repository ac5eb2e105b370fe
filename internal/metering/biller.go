package metering

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/chatledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"go.uber.org/zap"
)

var (
	// ErrInvalidBillerConfig reports missing biller dependencies.
	ErrInvalidBillerConfig = errors.New("metering: invalid biller config")
	// ErrUsageNotRecorded reports that thread counters could not be stored; nothing was charged.
	ErrUsageNotRecorded = errors.New("metering: usage not recorded")
	// ErrUsageUnbilled reports usage that was recorded but could not be charged.
	ErrUsageUnbilled = errors.New("metering: usage recorded but not billed")
)

// Ledger is the part of the balance ledger the biller needs.
type Ledger interface {
	RecordThreadUsage(ctx context.Context, usage ledger.ThreadUsage) error
	Deduct(ctx context.Context, userID ledger.UserID, charge ledger.Micros) (ledger.Micros, error)
}

// Usage is the token count of one turn.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Bill is the outcome of billing a turn.
type Bill struct {
	Charge  ledger.Micros
	Balance ledger.Micros
	// Blocked is set once the balance no longer covers further paid activity.
	Blocked bool
}

// Biller records usage and deducts its price.
type Biller struct {
	ledger  Ledger
	policy  Policy
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewBiller wires a Biller. logger and collectors may be nil.
func NewBiller(paymentLedger Ledger, policy Policy, logger *zap.Logger, collectors *metrics.Metrics) (*Biller, error) {
	if paymentLedger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidBillerConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Biller{ledger: paymentLedger, policy: policy, logger: logger.Named("metering"), metrics: collectors}, nil
}

// BillTurn stores the thread counters and then deducts the turn price.
// Usage is never charged without being recorded first.
func (biller *Biller) BillTurn(ctx context.Context, userID ledger.UserID, threadID ledger.ThreadID, usage Usage) (Bill, error) {
	threadUsage, err := ledger.NewThreadUsage(threadID, userID, usage.InputTokens, usage.OutputTokens)
	if err != nil {
		return Bill{}, err
	}
	if err := biller.ledger.RecordThreadUsage(ctx, threadUsage); err != nil {
		biller.logger.Error("thread usage not recorded, turn not billed",
			zap.String("user_id", userID.String()),
			zap.String("thread_id", threadID.String()),
			zap.Error(err),
		)
		return Bill{}, fmt.Errorf("%w: %w", ErrUsageNotRecorded, err)
	}

	charge := biller.policy.ChargeMicros(usage.InputTokens, usage.OutputTokens)
	balance, err := biller.ledger.Deduct(ctx, userID, charge)
	if err != nil {
		biller.logger.Error("turn usage recorded but not billed",
			zap.String("user_id", userID.String()),
			zap.String("thread_id", threadID.String()),
			zap.Int64("input_tokens", usage.InputTokens),
			zap.Int64("output_tokens", usage.OutputTokens),
			zap.String("charge", charge.String()),
			zap.Error(err),
		)
		return Bill{Charge: charge}, fmt.Errorf("%w: %w", ErrUsageUnbilled, err)
	}
	biller.metrics.ObserveCharge(charge.Int64())
	biller.logger.Debug("turn billed",
		zap.String("user_id", userID.String()),
		zap.String("thread_id", threadID.String()),
		zap.String("charge", charge.String()),
		zap.String("balance", balance.String()),
	)
	return Bill{Charge: charge, Balance: balance, Blocked: balance <= 0}, nil
}
