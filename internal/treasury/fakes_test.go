package treasury

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jacklefroy/liquid-abt-sub002/internal/exchange"
	"github.com/jacklefroy/liquid-abt-sub002/internal/pricing"
	"github.com/jacklefroy/liquid-abt-sub002/internal/rules"
	"github.com/jacklefroy/liquid-abt-sub002/internal/storage"
)

type fakePurchaseStore struct {
	mu        sync.Mutex
	byTx      map[string]storage.PurchaseRecord
	withdrawn map[string]string
}

func newFakePurchaseStore() *fakePurchaseStore {
	return &fakePurchaseStore{
		byTx:      make(map[string]storage.PurchaseRecord),
		withdrawn: make(map[string]string),
	}
}

func key(tenantID, txID string) string { return tenantID + "/" + txID }

func (f *fakePurchaseStore) InsertPurchase(_ context.Context, tenantID string, record storage.PurchaseRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.byTx[key(tenantID, record.SourceTransactionID)]; ok {
		return existing.ID, nil
	}
	record.TenantID = tenantID
	f.byTx[key(tenantID, record.SourceTransactionID)] = record
	return record.ID, nil
}

func (f *fakePurchaseStore) GetPurchaseByTransaction(_ context.Context, tenantID, txID string) (storage.PurchaseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.byTx[key(tenantID, txID)]
	if !ok {
		return storage.PurchaseRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (f *fakePurchaseStore) ListRecentPurchases(_ context.Context, tenantID string, limit int) ([]storage.PurchaseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.PurchaseRecord, 0)
	for _, record := range f.byTx {
		if record.TenantID == tenantID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakePurchaseStore) SetPurchaseWithdrawal(_ context.Context, tenantID, purchaseID, withdrawalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawn[purchaseID] = withdrawalID
	return nil
}

func (f *fakePurchaseStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byTx)
}

type failureEntry struct {
	message string
	count   int
}

type fakeFailureStore struct {
	mu      sync.Mutex
	entries map[string]*failureEntry
}

func newFakeFailureStore() *fakeFailureStore {
	return &fakeFailureStore{entries: make(map[string]*failureEntry)}
}

func (f *fakeFailureStore) UpsertFailure(_ context.Context, tenantID, txID, message string, _, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[key(tenantID, txID)]
	if !ok {
		entry = &failureEntry{}
		f.entries[key(tenantID, txID)] = entry
	}
	entry.message = message
	entry.count++
	return entry.count, nil
}

func (f *fakeFailureStore) ListDueFailures(_ context.Context, tenantID string, _ time.Time, _ int) ([]storage.ProcessingFailure, error) {
	return f.ListRecentFailures(context.Background(), tenantID, 0)
}

func (f *fakeFailureStore) ListRecentFailures(_ context.Context, tenantID string, _ int) ([]storage.ProcessingFailure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.ProcessingFailure, 0)
	for k, entry := range f.entries {
		if len(k) > len(tenantID) && k[:len(tenantID)] == tenantID {
			out = append(out, storage.ProcessingFailure{
				SourceTransactionID: k[len(tenantID)+1:],
				TenantID:            tenantID,
				ErrorMessage:        entry.message,
				RetryCount:          entry.count,
			})
		}
	}
	return out, nil
}

func (f *fakeFailureStore) DeleteFailure(_ context.Context, tenantID, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key(tenantID, txID))
	return nil
}

func (f *fakeFailureStore) retryCount(tenantID, txID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.entries[key(tenantID, txID)]; ok {
		return entry.count
	}
	return 0
}

type fakeTransactionStore struct {
	mu      sync.Mutex
	records map[string]storage.TransactionRecord
}

func newFakeTransactionStore() *fakeTransactionStore {
	return &fakeTransactionStore{records: make(map[string]storage.TransactionRecord)}
}

func (f *fakeTransactionStore) InsertTransaction(_ context.Context, tenantID string, record storage.TransactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[key(tenantID, record.ID)]; ok {
		return nil
	}
	record.TenantID = tenantID
	f.records[key(tenantID, record.ID)] = record
	return nil
}

func (f *fakeTransactionStore) GetTransaction(_ context.Context, tenantID, id string) (storage.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[key(tenantID, id)]
	if !ok {
		return storage.TransactionRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (f *fakeTransactionStore) UnconvertedBalance(_ context.Context, tenantID, excludeID string) (decimal.Decimal, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	ids := make([]string, 0)
	for _, record := range f.records {
		if record.TenantID == tenantID && record.FlaggedForConversion && record.ID != excludeID {
			total = total.Add(record.Amount)
			ids = append(ids, record.ID)
		}
	}
	return total, ids, nil
}

func (f *fakeTransactionStore) ClearFlagged(_ context.Context, tenantID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if record, ok := f.records[key(tenantID, id)]; ok {
			record.FlaggedForConversion = false
			f.records[key(tenantID, id)] = record
		}
	}
	return nil
}

type fakeRuleStore struct {
	mu    sync.Mutex
	rules map[string]rules.Rule
	tiers map[string]string
}

func newFakeRuleStore() *fakeRuleStore {
	return &fakeRuleStore{rules: make(map[string]rules.Rule), tiers: make(map[string]string)}
}

func (f *fakeRuleStore) ActiveRule(_ context.Context, tenantID string) (rules.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[tenantID]
	if !ok {
		return rules.Rule{}, storage.ErrNoActiveRule
	}
	return rule, nil
}

func (f *fakeRuleStore) TenantTier(_ context.Context, tenantID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tiers[tenantID], nil
}

func (f *fakeRuleStore) ListTenants(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.rules))
	for tenantID := range f.rules {
		out = append(out, tenantID)
	}
	sort.Strings(out)
	return out, nil
}

// fakeExchange scripts order responses and counts calls.
type fakeExchange struct {
	mu          sync.Mutex
	price       decimal.Decimal
	orderErrs   []error
	orderCalls  int
	withdrawErr error
	withdrawals []exchange.WithdrawalRequest
}

func newFakeExchange(price string) *fakeExchange {
	return &fakeExchange{price: decimal.RequireFromString(price)}
}

func (f *fakeExchange) GetCurrentPrice(_ context.Context, instrument string) (pricing.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pricing.Observation{
		Instrument: instrument,
		Price:      f.price,
		Source:     "exchange",
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (f *fakeExchange) CreateMarketOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls++
	if len(f.orderErrs) > 0 {
		err := f.orderErrs[0]
		f.orderErrs = f.orderErrs[1:]
		if err != nil {
			return exchange.OrderResult{}, err
		}
	}
	return exchange.OrderResult{
		OrderID:      "ord-1",
		Status:       "filled",
		FilledAmount: req.FiatValue.Div(f.price),
		AveragePrice: f.price,
		Fees:         []exchange.Fee{{Currency: req.Currency, Amount: decimal.RequireFromString("0.5")}},
		Raw:          []byte(`{"id":"ord-1"}`),
	}, nil
}

func (f *fakeExchange) Withdraw(_ context.Context, req exchange.WithdrawalRequest) (exchange.WithdrawalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.withdrawErr != nil {
		return exchange.WithdrawalResult{}, f.withdrawErr
	}
	f.withdrawals = append(f.withdrawals, req)
	return exchange.WithdrawalResult{WithdrawalID: "wd-1", Status: "pending"}, nil
}

func (f *fakeExchange) orders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orderCalls
}
