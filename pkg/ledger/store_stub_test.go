package ledger

import (
	"context"
	"sync"
	"testing"
)

type stubStore struct {
	test *testing.T

	txMutex sync.Mutex
	mutex   sync.Mutex

	users    map[string]User
	payments map[string]PaymentRecord
	threads  map[string]Thread

	getUserError        error
	upsertUserError     error
	getPaymentError     error
	insertPaymentError  error
	adjustBalanceError  error
	addThreadUsageError error
	getThreadError      error

	adjustCalls int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		test:     test,
		users:    map[string]User{},
		payments: map[string]PaymentRecord{},
		threads:  map[string]Thread{},
	}
}

func (store *stubStore) seedUser(userID UserID, balance Micros) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.users[userID.String()] = User{Identifier: userID, Balance: balance}
}

func (store *stubStore) balanceOf(userID UserID) Micros {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.users[userID.String()].Balance
}

func (store *stubStore) paymentCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.payments)
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	store.mutex.Lock()
	usersSnapshot := make(map[string]User, len(store.users))
	for key, value := range store.users {
		usersSnapshot[key] = value
	}
	paymentsSnapshot := make(map[string]PaymentRecord, len(store.payments))
	for key, value := range store.payments {
		paymentsSnapshot[key] = value
	}
	store.mutex.Unlock()
	if err := fn(ctx, store); err != nil {
		store.mutex.Lock()
		store.users = usersSnapshot
		store.payments = paymentsSnapshot
		store.mutex.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) GetUser(_ context.Context, userID UserID) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getUserError != nil {
		return User{}, store.getUserError
	}
	user, ok := store.users[userID.String()]
	if !ok {
		return User{}, ErrUnknownUser
	}
	return user, nil
}

func (store *stubStore) UpsertUser(_ context.Context, userID UserID, metadata MetadataJSON, atUnixUTC int64) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.upsertUserError != nil {
		return User{}, store.upsertUserError
	}
	user, ok := store.users[userID.String()]
	if !ok {
		user = User{Identifier: userID, CreatedUnixUTC: atUnixUTC}
	}
	user.Metadata = metadata
	user.UpdatedUnixUTC = atUnixUTC
	store.users[userID.String()] = user
	return user, nil
}

func (store *stubStore) GetPayment(_ context.Context, transactionID TransactionID) (PaymentRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getPaymentError != nil {
		return PaymentRecord{}, store.getPaymentError
	}
	record, ok := store.payments[transactionID.String()]
	if !ok {
		return PaymentRecord{}, ErrPaymentNotFound
	}
	return record, nil
}

func (store *stubStore) InsertPayment(_ context.Context, record PaymentRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.insertPaymentError != nil {
		return store.insertPaymentError
	}
	if _, exists := store.payments[record.TransactionID.String()]; exists {
		return ErrPaymentExists
	}
	store.payments[record.TransactionID.String()] = record
	return nil
}

func (store *stubStore) AdjustBalance(_ context.Context, userID UserID, delta Micros, atUnixUTC int64) (Micros, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.adjustCalls++
	if store.adjustBalanceError != nil {
		return 0, store.adjustBalanceError
	}
	user, ok := store.users[userID.String()]
	if !ok {
		return 0, ErrUnknownUser
	}
	user.Balance += delta
	user.UpdatedUnixUTC = atUnixUTC
	store.users[userID.String()] = user
	return user.Balance, nil
}

func (store *stubStore) AddThreadUsage(_ context.Context, usage ThreadUsage, atUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.addThreadUsageError != nil {
		return store.addThreadUsageError
	}
	thread, ok := store.threads[usage.ThreadID.String()]
	if !ok {
		thread = Thread{ThreadID: usage.ThreadID, UserID: usage.UserID}
	}
	thread.InputTokens += usage.InputTokens
	thread.OutputTokens += usage.OutputTokens
	thread.TotalTokens += usage.TotalTokens()
	thread.UpdatedUnixUTC = atUnixUTC
	store.threads[usage.ThreadID.String()] = thread
	return nil
}

func (store *stubStore) UpdateThreadMetadata(_ context.Context, threadID ThreadID, metadata MetadataJSON, atUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	thread, ok := store.threads[threadID.String()]
	if !ok {
		return ErrUnknownThread
	}
	thread.Metadata = metadata
	thread.UpdatedUnixUTC = atUnixUTC
	store.threads[threadID.String()] = thread
	return nil
}

func (store *stubStore) GetThread(_ context.Context, threadID ThreadID) (Thread, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.getThreadError != nil {
		return Thread{}, store.getThreadError
	}
	thread, ok := store.threads[threadID.String()]
	if !ok {
		return Thread{}, ErrUnknownThread
	}
	return thread, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustTransactionID(test *testing.T, raw string) TransactionID {
	test.Helper()
	transactionID, err := NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	return transactionID
}

func mustOrderCode(test *testing.T, raw string) OrderCode {
	test.Helper()
	orderCode, err := NewOrderCode(raw)
	if err != nil {
		test.Fatalf("order code: %v", err)
	}
	return orderCode
}

func mustThreadID(test *testing.T, raw string) ThreadID {
	test.Helper()
	threadID, err := NewThreadID(raw)
	if err != nil {
		test.Fatalf("thread id: %v", err)
	}
	return threadID
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
