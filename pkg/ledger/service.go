package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	newID  func() string
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetUser returns the stored user or ErrUnknownUser.
func (service *Service) GetUser(ctx context.Context, userID UserID) (User, error) {
	return service.store.GetUser(ctx, userID)
}

// UpsertUser creates the user on first sight and refreshes metadata otherwise.
// The balance of an existing user is never touched.
func (service *Service) UpsertUser(ctx context.Context, userID UserID, metadata MetadataJSON) (User, error) {
	user, operationError := service.store.UpsertUser(ctx, userID, metadata, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationUpsertUser,
		UserID:    userID,
		Balance:   user.Balance,
		Error:     operationError,
	})
	return user, operationError
}

// PaymentByTransaction returns the payment stored under a transaction id.
func (service *Service) PaymentByTransaction(ctx context.Context, transactionID TransactionID) (PaymentRecord, error) {
	return service.store.GetPayment(ctx, transactionID)
}

// FindPayment returns the payment matching the full (transaction, order, user) triple.
func (service *Service) FindPayment(ctx context.Context, lookup PaymentLookup) (PaymentRecord, error) {
	record, err := service.store.GetPayment(ctx, lookup.TransactionID)
	if err != nil {
		return PaymentRecord{}, err
	}
	if !lookup.Matches(record) {
		return PaymentRecord{}, ErrPaymentNotFound
	}
	return record, nil
}

// CreatePayment records a verified payment and credits the user's balance
// in one transaction. A repeated transaction id yields ErrPaymentExists and
// leaves the balance untouched.
func (service *Service) CreatePayment(ctx context.Context, input PaymentInput) (PaymentRecord, error) {
	var created PaymentRecord
	var balance Micros
	operationError := func() error {
		if _, err := NewAmountCents(input.Amount.Int64()); err != nil {
			return err
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			record := PaymentRecord{
				ID:             service.newID(),
				UserID:         input.UserID,
				TransactionID:  input.TransactionID,
				OrderCode:      input.OrderCode,
				EventID:        input.EventID,
				ECI:            input.ECI,
				Amount:         input.Amount,
				CreatedUnixUTC: service.nowFn(),
			}
			if err := transactionStore.InsertPayment(ctx, record); err != nil {
				return err
			}
			updated, err := transactionStore.AdjustBalance(ctx, input.UserID, input.Amount.ToMicros(), record.CreatedUnixUTC)
			if err != nil {
				return err
			}
			created = record
			balance = updated
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationCreatePayment,
		UserID:        input.UserID,
		TransactionID: input.TransactionID,
		Amount:        input.Amount.ToMicros(),
		Balance:       balance,
		Error:         operationError,
	})
	if operationError != nil {
		return PaymentRecord{}, operationError
	}
	return created, nil
}

// Deduct subtracts a non-negative charge and returns the updated balance.
// The balance may become negative.
func (service *Service) Deduct(ctx context.Context, userID UserID, charge Micros) (Micros, error) {
	return service.adjust(ctx, operationDeduct, userID, charge, charge.Negated())
}

// Credit adds a non-negative amount and returns the updated balance.
func (service *Service) Credit(ctx context.Context, userID UserID, amount Micros) (Micros, error) {
	return service.adjust(ctx, operationCredit, userID, amount, amount)
}

// RecordThreadUsage adds token counters to a thread, creating it when absent.
func (service *Service) RecordThreadUsage(ctx context.Context, usage ThreadUsage) error {
	operationError := service.store.AddThreadUsage(ctx, usage, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationRecordUsage,
		UserID:    usage.UserID,
		ThreadID:  usage.ThreadID,
		Error:     operationError,
	})
	return operationError
}

// Thread returns accumulated usage for a thread.
func (service *Service) Thread(ctx context.Context, threadID ThreadID) (Thread, error) {
	return service.store.GetThread(ctx, threadID)
}

func (service *Service) adjust(ctx context.Context, operation string, userID UserID, amount Micros, delta Micros) (Micros, error) {
	var balance Micros
	operationError := func() error {
		if _, err := NewChargeMicros(amount.Int64()); err != nil {
			return err
		}
		updated, err := service.store.AdjustBalance(ctx, userID, delta, service.nowFn())
		if err != nil {
			return err
		}
		balance = updated
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		UserID:    userID,
		Amount:    amount,
		Balance:   balance,
		Error:     operationError,
	})
	return balance, operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// IsDuplicatePayment reports whether err signals an already recorded payment.
func IsDuplicatePayment(err error) bool {
	return errors.Is(err, ErrPaymentExists)
}
