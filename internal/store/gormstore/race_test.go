package gormstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/chatledger/internal/payments"
	"github.com/MarkoPoloResearchLab/chatledger/internal/viva"
	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
)

// barrierProvider releases status queries only once every delivery has
// passed the duplicate checks, so all of them race on the insert.
type barrierProvider struct {
	arrivals    sync.WaitGroup
	transaction viva.Transaction
}

func newBarrierProvider(deliveries int, amount ledger.AmountCents) *barrierProvider {
	provider := &barrierProvider{transaction: viva.Transaction{
		StatusID:     viva.StatusFinalized,
		OrderCode:    testOrderCode,
		MerchantTrns: testUserIdentifier,
		Amount:       amount,
	}}
	provider.arrivals.Add(deliveries)
	return provider
}

func (provider *barrierProvider) TransactionStatus(context.Context, ledger.TransactionID) (viva.Transaction, error) {
	provider.arrivals.Done()
	provider.arrivals.Wait()
	return provider.transaction, nil
}

type conflictCounter struct {
	mutex     sync.Mutex
	conflicts int
}

func (counter *conflictCounter) LogOperation(_ context.Context, entry ledger.OperationLog) {
	if !errors.Is(entry.Error, ledger.ErrPaymentExists) {
		return
	}
	counter.mutex.Lock()
	defer counter.mutex.Unlock()
	counter.conflicts++
}

func (counter *conflictCounter) count() int {
	counter.mutex.Lock()
	defer counter.mutex.Unlock()
	return counter.conflicts
}

func TestConcurrentWebhookDeliveriesCreditOnce(test *testing.T) {
	test.Parallel()
	const deliveries = 16
	counter := &conflictCounter{}
	service, _ := newTestService(test, ledger.WithOperationLogger(counter))
	ctx := context.Background()
	userID := mustUserID(test, testUserIdentifier)
	if _, err := service.UpsertUser(ctx, userID, ledger.MetadataJSON{}); err != nil {
		test.Fatalf("upsert: %v", err)
	}
	verifier, err := payments.NewVerifier(service, newBarrierProvider(deliveries, 500))
	if err != nil {
		test.Fatalf("verifier: %v", err)
	}

	claim := payments.Claim{
		UserID:        testUserIdentifier,
		TransactionID: testTransactionID,
		OrderCode:     testOrderCode,
		Amount:        500,
		StatusID:      viva.StatusFinalized,
	}
	outcomes := make(chan payments.Outcome, deliveries)
	var waitGroup sync.WaitGroup
	for index := 0; index < deliveries; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			outcomes <- verifier.Verify(ctx, claim, payments.SourceWebhook).Outcome
		}()
	}
	waitGroup.Wait()
	close(outcomes)

	counts := map[payments.Outcome]int{}
	for outcome := range outcomes {
		counts[outcome]++
	}
	if counts[payments.OutcomeVerified] != 1 || counts[payments.OutcomeDuplicate] != deliveries-1 {
		test.Fatalf("expected one verified and %d duplicates, got %v", deliveries-1, counts)
	}
	if counter.count() != deliveries-1 {
		test.Fatalf("expected %d unique-constraint conflicts, got %d", deliveries-1, counter.count())
	}
	user, err := service.GetUser(ctx, userID)
	if err != nil {
		test.Fatalf("get user: %v", err)
	}
	if user.Balance != 5*ledger.MicrosPerUnit {
		test.Fatalf("expected exactly one credit, got %s", user.Balance)
	}
}
