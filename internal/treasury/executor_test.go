package treasury

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jacklefroy/liquid-abt-sub002/internal/faults"
	"github.com/jacklefroy/liquid-abt-sub002/internal/pricing"
	"github.com/jacklefroy/liquid-abt-sub002/internal/retry"
	"github.com/jacklefroy/liquid-abt-sub002/internal/storage"
)

const testInstrument = "BTC-AUD"

type executorFixture struct {
	executor  *Executor
	purchases *fakePurchaseStore
	failures  *fakeFailureStore
	exchange  *fakeExchange
	breaker   *pricing.Breaker
}

func newExecutorFixture(t *testing.T, price string) *executorFixture {
	t.Helper()
	purchases := newFakePurchaseStore()
	failures := newFakeFailureStore()
	venue := newFakeExchange(price)
	breaker := pricing.NewBreaker(pricing.Config{}, zerolog.Nop())

	// Corroborating feed observation so the gate sees two sources.
	breaker.Record(pricing.Observation{
		Instrument: testInstrument,
		Price:      decimal.RequireFromString(price),
		Source:     "feed-a",
		Timestamp:  time.Now().UTC(),
	})

	executor := NewExecutor(ExecutorOptions{
		Purchases:  purchases,
		Failures:   failures,
		Exchange:   venue,
		Breaker:    breaker,
		Instrument: testInstrument,
		Provider:   "test-exchange",
		Policy: retry.Policy{
			MaxRetries:   3,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			BackoffBase:  2,
		},
		Logger: zerolog.Nop(),
	})
	return &executorFixture{executor: executor, purchases: purchases, failures: failures, exchange: venue, breaker: breaker}
}

func request(txID string) PurchaseRequest {
	return PurchaseRequest{
		SourceTransactionID: txID,
		TenantID:            "tenant1",
		FiatAmount:          decimal.NewFromInt(100),
		Currency:            "AUD",
	}
}

func TestExecutePurchase(t *testing.T) {
	f := newExecutorFixture(t, "95000")

	record, err := f.executor.Execute(context.Background(), request("tx-1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.SourceTransactionID != "tx-1" || record.ExchangeOrderID != "ord-1" {
		t.Fatalf("record = %+v", record)
	}
	if !record.RequestedFiatAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("requested = %s", record.RequestedFiatAmount)
	}
	if !record.Fees.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("fees = %s", record.Fees)
	}
	if f.purchases.count() != 1 || f.exchange.orders() != 1 {
		t.Fatalf("purchases=%d orders=%d", f.purchases.count(), f.exchange.orders())
	}
}

func TestExecuteIdempotent(t *testing.T) {
	f := newExecutorFixture(t, "95000")

	first, err := f.executor.Execute(context.Background(), request("tx-1"))
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	second, err := f.executor.Execute(context.Background(), request("tx-1"))
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second execution returned a different purchase: %s vs %s", second.ID, first.ID)
	}
	if f.exchange.orders() != 1 {
		t.Fatalf("replayed transaction placed %d orders, want 1", f.exchange.orders())
	}
	if f.purchases.count() != 1 {
		t.Fatalf("purchases = %d, want exactly one per transaction id", f.purchases.count())
	}
}

// racingPurchaseStore commits a competing purchase at insert time,
// modelling a concurrent delivery landing between the idempotency
// pre-check and the insert.
type racingPurchaseStore struct {
	*fakePurchaseStore
	winner storage.PurchaseRecord
	once   sync.Once
}

func (r *racingPurchaseStore) InsertPurchase(ctx context.Context, tenantID string, record storage.PurchaseRecord) (string, error) {
	r.once.Do(func() {
		_, _ = r.fakePurchaseStore.InsertPurchase(ctx, tenantID, r.winner)
	})
	return r.fakePurchaseStore.InsertPurchase(ctx, tenantID, record)
}

func TestExecuteLostInsertRaceReturnsWinner(t *testing.T) {
	f := newExecutorFixture(t, "95000")
	racing := &racingPurchaseStore{
		fakePurchaseStore: f.purchases,
		winner: storage.PurchaseRecord{
			ID:                  "purchase-winner",
			SourceTransactionID: "tx-1",
			Status:              "completed",
		},
	}
	executor := NewExecutor(ExecutorOptions{
		Purchases:  racing,
		Failures:   f.failures,
		Exchange:   f.exchange,
		Breaker:    f.breaker,
		Instrument: testInstrument,
		Provider:   "test-exchange",
		Logger:     zerolog.Nop(),
	})

	record, err := executor.Execute(context.Background(), request("tx-1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.ID != "purchase-winner" {
		t.Fatalf("record id = %q, the concurrent winner's purchase is canonical", record.ID)
	}
	if f.purchases.count() != 1 {
		t.Fatalf("purchases = %d, want exactly one per transaction id", f.purchases.count())
	}
	if f.failures.retryCount("tenant1", "tx-1") != 0 {
		t.Fatal("losing the insert race is a success, not a ledger entry")
	}
}

func TestExecuteConcurrentDeliveriesSinglePurchase(t *testing.T) {
	f := newExecutorFixture(t, "95000")

	var wg sync.WaitGroup
	results := make([]storage.PurchaseRecord, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.executor.Execute(context.Background(), request("tx-1"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}
	if results[0].ID != results[1].ID {
		t.Fatalf("concurrent deliveries returned different purchases: %s vs %s", results[0].ID, results[1].ID)
	}
	if f.purchases.count() != 1 {
		t.Fatalf("purchases = %d, want exactly one per transaction id", f.purchases.count())
	}
}

func TestExecuteRetriesTransientOrderFailure(t *testing.T) {
	f := newExecutorFixture(t, "95000")
	f.exchange.orderErrs = []error{faults.External(502, "bad gateway", nil)}

	if _, err := f.executor.Execute(context.Background(), request("tx-1")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if f.exchange.orders() != 2 {
		t.Fatalf("orders = %d, want retry then success", f.exchange.orders())
	}
	if f.failures.retryCount("tenant1", "tx-1") != 0 {
		t.Fatal("recovered conversions must not land in the failure ledger")
	}
}

func TestExecutePermanentOrderFailure(t *testing.T) {
	f := newExecutorFixture(t, "95000")
	f.exchange.orderErrs = []error{faults.External(422, "insufficient funds", nil)}

	_, err := f.executor.Execute(context.Background(), request("tx-1"))
	if err == nil {
		t.Fatal("expected error")
	}
	if f.exchange.orders() != 1 {
		t.Fatalf("insufficient funds must not retry, got %d orders", f.exchange.orders())
	}
	if f.failures.retryCount("tenant1", "tx-1") != 1 {
		t.Fatal("failed conversion must be recorded in the ledger")
	}
	if f.purchases.count() != 0 {
		t.Fatal("no purchase may exist for a failed order")
	}
}

func TestExecuteSuspendedInstrumentRejected(t *testing.T) {
	f := newExecutorFixture(t, "95000")
	f.breaker.Suspend(testInstrument, "abnormal movement", 15*time.Minute)

	_, err := f.executor.Execute(context.Background(), request("tx-1"))
	if faults.KindOf(err) != faults.KindCircuitBreaker {
		t.Fatalf("want circuit breaker error, got %v", err)
	}
	if f.exchange.orders() != 0 {
		t.Fatal("suspended instrument must never reach the exchange")
	}
	if f.failures.retryCount("tenant1", "tx-1") != 1 {
		t.Fatal("breaker rejections must be recorded for replay")
	}
}

func TestExecuteInsufficientSourcesRejected(t *testing.T) {
	purchases := newFakePurchaseStore()
	failures := newFakeFailureStore()
	venue := newFakeExchange("95000")
	// No feed observations recorded: only the exchange quote is available.
	breaker := pricing.NewBreaker(pricing.Config{}, zerolog.Nop())
	executor := NewExecutor(ExecutorOptions{
		Purchases:  purchases,
		Failures:   failures,
		Exchange:   venue,
		Breaker:    breaker,
		Instrument: testInstrument,
		Provider:   "test-exchange",
		Logger:     zerolog.Nop(),
	})

	_, err := executor.Execute(context.Background(), request("tx-1"))
	if faults.KindOf(err) != faults.KindCircuitBreaker {
		t.Fatalf("want circuit breaker error, got %v", err)
	}
	if venue.orders() != 0 {
		t.Fatal("uncorroborated price must not trade")
	}
}

func TestExecuteAutoWithdrawal(t *testing.T) {
	f := newExecutorFixture(t, "95000")
	req := request("tx-1")
	req.AutoWithdrawal = true
	req.WithdrawalAddress = "bc1qexample"

	record, err := f.executor.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.WithdrawalID == nil || *record.WithdrawalID != "wd-1" {
		t.Fatalf("withdrawal id = %v", record.WithdrawalID)
	}
	if len(f.exchange.withdrawals) != 1 {
		t.Fatalf("withdrawals = %d", len(f.exchange.withdrawals))
	}
	if got := f.exchange.withdrawals[0].Currency; got != "BTC" {
		t.Fatalf("withdrawal currency = %q", got)
	}
}

func TestExecuteWithdrawalFailureDoesNotFailPurchase(t *testing.T) {
	f := newExecutorFixture(t, "95000")
	f.exchange.withdrawErr = faults.External(503, "withdrawals unavailable", nil)
	req := request("tx-1")
	req.AutoWithdrawal = true
	req.WithdrawalAddress = "bc1qexample"

	record, err := f.executor.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("purchase must survive a failed withdrawal: %v", err)
	}
	if record.WithdrawalID != nil {
		t.Fatal("failed withdrawal must not be recorded")
	}
	if f.purchases.count() != 1 {
		t.Fatal("purchase must be persisted")
	}
}

func TestAssetOf(t *testing.T) {
	if assetOf("BTC-AUD") != "BTC" || assetOf("ETH/USD") != "ETH" || assetOf("BTC") != "BTC" {
		t.Fatal("asset extraction wrong")
	}
}
