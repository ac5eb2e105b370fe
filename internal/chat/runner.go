package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/internal/metering"
	"github.com/MarkoPoloResearchLab/chatledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"go.uber.org/zap"
)

const DefaultBillingTimeout = 10 * time.Second

var (
	// ErrInsufficientBalance rejects a turn for a user whose balance is not positive.
	ErrInsufficientBalance = errors.New("chat: insufficient balance")
	// ErrInvalidRunnerConfig reports missing runner dependencies.
	ErrInvalidRunnerConfig = errors.New("chat: invalid runner config")
)

// Users reads account balances.
type Users interface {
	GetUser(ctx context.Context, userID ledger.UserID) (ledger.User, error)
}

// Biller charges a finished turn.
type Biller interface {
	BillTurn(ctx context.Context, userID ledger.UserID, threadID ledger.ThreadID, usage metering.Usage) (metering.Bill, error)
}

// Turn is one question on a thread.
type Turn struct {
	UserID   ledger.UserID
	ThreadID ledger.ThreadID
	Question string
}

// Result describes a finished or cancelled turn.
type Result struct {
	Cancelled bool
	Usage     TokenUsage
	Citations []Citation
	Bill      metering.Bill
	// Billed reports that Bill was charged to the ledger.
	Billed bool
	// BillErr is set when the turn ran but could not be billed.
	BillErr error
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Pipeline       Pipeline
	Users          Users
	Biller         Biller
	BillingTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Runner executes turns and bills them.
type Runner struct {
	pipeline       Pipeline
	users          Users
	biller         Biller
	billingTimeout time.Duration
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

// NewRunner validates config.
func NewRunner(config RunnerConfig) (*Runner, error) {
	if config.Pipeline == nil || config.Users == nil || config.Biller == nil {
		return nil, fmt.Errorf("%w: pipeline, users and biller are required", ErrInvalidRunnerConfig)
	}
	runner := &Runner{
		pipeline:       config.Pipeline,
		users:          config.Users,
		biller:         config.Biller,
		billingTimeout: config.BillingTimeout,
		logger:         config.Logger,
		metrics:        config.Metrics,
	}
	if runner.billingTimeout <= 0 {
		runner.billingTimeout = DefaultBillingTimeout
	}
	if runner.logger == nil {
		runner.logger = zap.NewNop()
	}
	runner.logger = runner.logger.Named("chat")
	return runner, nil
}

// Balance returns the current balance of userID.
func (runner *Runner) Balance(ctx context.Context, userID ledger.UserID) (ledger.Micros, error) {
	user, err := runner.users.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

// Run streams the answer to emit until the pipeline finishes, token is
// cancelled, ctx ends or emit fails. Tokens produced up to that point are
// billed on a context detached from ctx. A stream that fails without
// producing any token is not billed.
func (runner *Runner) Run(ctx context.Context, turn Turn, token *CancelToken, emit func(chunk string) error) (Result, error) {
	balance, err := runner.Balance(ctx, turn.UserID)
	if err != nil {
		runner.metrics.ObserveChatTurn("refused")
		return Result{}, err
	}
	if balance <= 0 {
		runner.metrics.ObserveChatTurn("refused")
		return Result{}, ErrInsufficientBalance
	}
	if token == nil {
		token = NewCancelToken()
	}

	stream, err := runner.pipeline.Open(ctx, Question{UserID: turn.UserID, ThreadID: turn.ThreadID, Text: turn.Question})
	if err != nil {
		runner.metrics.ObserveChatTurn("failed")
		return Result{}, fmt.Errorf("open pipeline: %w", err)
	}

	result, streamErr := runner.drain(ctx, stream, token, emit)
	if closeErr := stream.Close(); closeErr != nil {
		runner.logger.Warn("pipeline stream close failed", zap.Error(closeErr))
	}
	result.Usage = stream.Usage()
	result.Citations = stream.Citations()

	if streamErr == nil || result.Usage.Total() > 0 {
		runner.bill(ctx, turn, &result)
	}

	switch {
	case streamErr != nil:
		runner.metrics.ObserveChatTurn("failed")
		return result, fmt.Errorf("pipeline stream: %w", streamErr)
	case result.Cancelled:
		runner.metrics.ObserveChatTurn("cancelled")
	default:
		runner.metrics.ObserveChatTurn("completed")
	}
	return result, nil
}

func (runner *Runner) bill(ctx context.Context, turn Turn, result *Result) {
	billContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), runner.billingTimeout)
	defer cancel()
	result.Bill, result.BillErr = runner.biller.BillTurn(billContext, turn.UserID, turn.ThreadID, metering.Usage{
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
	})
	if result.BillErr != nil {
		runner.logger.Error("turn not billed",
			zap.String("user_id", turn.UserID.String()),
			zap.String("thread_id", turn.ThreadID.String()),
			zap.Error(result.BillErr),
		)
		return
	}
	result.Billed = true
}

func (runner *Runner) drain(ctx context.Context, stream Stream, token *CancelToken, emit func(chunk string) error) (Result, error) {
	for {
		if token.Cancelled() || ctx.Err() != nil {
			return Result{Cancelled: true}, nil
		}
		chunk, ok, err := stream.Next(ctx)
		if err != nil {
			if token.Cancelled() || ctx.Err() != nil {
				return Result{Cancelled: true}, nil
			}
			return Result{}, err
		}
		if !ok {
			return Result{}, nil
		}
		if token.Cancelled() {
			return Result{Cancelled: true}, nil
		}
		if err := emit(chunk); err != nil {
			return Result{Cancelled: true}, nil
		}
	}
}
