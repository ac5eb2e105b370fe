package payments

import (
	"context"
	"errors"
	"sync"

	"github.com/MarkoPoloResearchLab/chatledger/internal/viva"
	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
)

const (
	testUserID        = "alice"
	testTransactionID = "T1"
	testOrderCode     = "9007199254740993"
)

// stubLedger enforces transaction id uniqueness under a mutex.
type stubLedger struct {
	mutex       sync.Mutex
	users       map[string]ledger.Micros
	payments    map[string]ledger.PaymentRecord
	getUserErr  error
	findErr     error
	createErr   error
	createCalls int
	// raced is inserted by CreatePayment as a concurrent winner would be,
	// and the call then fails with ErrPaymentExists.
	raced *ledger.PaymentRecord
	// hiddenReads makes that many PaymentByTransaction calls miss.
	hiddenReads int
}

func newStubLedger(userIDs ...string) *stubLedger {
	users := make(map[string]ledger.Micros, len(userIDs))
	for _, userID := range userIDs {
		users[userID] = 0
	}
	return &stubLedger{users: users, payments: map[string]ledger.PaymentRecord{}}
}

func (stub *stubLedger) GetUser(_ context.Context, userID ledger.UserID) (ledger.User, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	if stub.getUserErr != nil {
		return ledger.User{}, stub.getUserErr
	}
	balance, ok := stub.users[userID.String()]
	if !ok {
		return ledger.User{}, ledger.ErrUnknownUser
	}
	return ledger.User{Identifier: userID, Balance: balance}, nil
}

func (stub *stubLedger) FindPayment(_ context.Context, lookup ledger.PaymentLookup) (ledger.PaymentRecord, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	if stub.findErr != nil {
		return ledger.PaymentRecord{}, stub.findErr
	}
	record, ok := stub.payments[lookup.TransactionID.String()]
	if !ok || !lookup.Matches(record) {
		return ledger.PaymentRecord{}, ledger.ErrPaymentNotFound
	}
	return record, nil
}

func (stub *stubLedger) PaymentByTransaction(_ context.Context, transactionID ledger.TransactionID) (ledger.PaymentRecord, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	if stub.hiddenReads > 0 {
		stub.hiddenReads--
		return ledger.PaymentRecord{}, ledger.ErrPaymentNotFound
	}
	record, ok := stub.payments[transactionID.String()]
	if !ok {
		return ledger.PaymentRecord{}, ledger.ErrPaymentNotFound
	}
	return record, nil
}

func (stub *stubLedger) CreatePayment(_ context.Context, input ledger.PaymentInput) (ledger.PaymentRecord, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.createCalls++
	if stub.raced != nil {
		stub.payments[stub.raced.TransactionID.String()] = *stub.raced
		return ledger.PaymentRecord{}, ledger.ErrPaymentExists
	}
	if stub.createErr != nil {
		return ledger.PaymentRecord{}, stub.createErr
	}
	if _, exists := stub.payments[input.TransactionID.String()]; exists {
		return ledger.PaymentRecord{}, ledger.ErrPaymentExists
	}
	balance, ok := stub.users[input.UserID.String()]
	if !ok {
		return ledger.PaymentRecord{}, ledger.ErrUnknownUser
	}
	record := ledger.PaymentRecord{
		ID:             "payment-" + input.TransactionID.String(),
		UserID:         input.UserID,
		TransactionID:  input.TransactionID,
		OrderCode:      input.OrderCode,
		EventID:        input.EventID,
		ECI:            input.ECI,
		Amount:         input.Amount,
		CreatedUnixUTC: 1700000000,
	}
	stub.payments[input.TransactionID.String()] = record
	stub.users[input.UserID.String()] = balance + input.Amount.ToMicros()
	return record, nil
}

func (stub *stubLedger) balanceOf(userID string) ledger.Micros {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return stub.users[userID]
}

func (stub *stubLedger) paymentCount() int {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return len(stub.payments)
}

type stubProvider struct {
	mutex       sync.Mutex
	transaction viva.Transaction
	err         error
	calls       int
}

func finalizedTransaction(amount ledger.AmountCents) *stubProvider {
	return &stubProvider{transaction: viva.Transaction{
		StatusID:     viva.StatusFinalized,
		OrderCode:    testOrderCode,
		MerchantTrns: testUserID,
		Amount:       amount,
	}}
}

func (stub *stubProvider) TransactionStatus(context.Context, ledger.TransactionID) (viva.Transaction, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.calls++
	return stub.transaction, stub.err
}

func (stub *stubProvider) callCount() int {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return stub.calls
}

type stubLocker struct {
	acquired bool
	err      error
	released int
}

func (stub *stubLocker) Acquire(context.Context, string) (func(), bool, error) {
	return func() { stub.released++ }, stub.acquired, stub.err
}

var errStubIO = errors.New("stub io failure")

// racedPayment is the record a concurrent delivery committed first.
func racedPayment(amount ledger.AmountCents) *ledger.PaymentRecord {
	userID, _ := ledger.NewUserID(testUserID)
	transactionID, _ := ledger.NewTransactionID(testTransactionID)
	orderCode, _ := ledger.NewOrderCode(testOrderCode)
	return &ledger.PaymentRecord{
		ID:            "payment-winner",
		UserID:        userID,
		TransactionID: transactionID,
		OrderCode:     orderCode,
		Amount:        amount,
	}
}
