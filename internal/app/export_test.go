package app

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jacklefroy/liquid-abt-sub002/internal/storage"
)

func makePurchases(n int) []storage.PurchaseRecord {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.PurchaseRecord, n)
	for i := range out {
		out[i] = storage.PurchaseRecord{
			SourceTransactionID: "tx",
			RequestedFiatAmount: decimal.NewFromInt(int64(i)),
			CreatedAt:           start.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func TestDownsamplePurchases(t *testing.T) {
	purchases := makePurchases(100)

	down := downsamplePurchases(purchases, 10)
	if len(down) != 10 {
		t.Fatalf("len = %d", len(down))
	}
	if !down[0].CreatedAt.Equal(purchases[0].CreatedAt) {
		t.Fatal("first point must be retained")
	}
	if !down[len(down)-1].CreatedAt.Equal(purchases[len(purchases)-1].CreatedAt) {
		t.Fatal("last point must be retained")
	}
}

func TestDownsamplePurchasesNoOp(t *testing.T) {
	purchases := makePurchases(5)
	if got := downsamplePurchases(purchases, 10); len(got) != 5 {
		t.Fatalf("len = %d, small sets pass through", len(got))
	}
	if got := downsamplePurchases(purchases, 0); len(got) != 5 {
		t.Fatalf("len = %d, zero max means unlimited", len(got))
	}
}

func TestSanitizeInline(t *testing.T) {
	if got := sanitizeInline("a\nb\rc"); got != "a b c" {
		t.Fatalf("got %q", got)
	}
}
