package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/riskbatch/internal/database"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	db, err := database.NewInMemory("cache")
	if err != nil {
		t.Fatalf("failed to open in-memory cache db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate cache db: %v", err)
	}
	// Shared-cache memory db may survive between tests in this package
	if _, err := db.Exec("DELETE FROM market_data"); err != nil {
		t.Fatalf("failed to reset market_data: %v", err)
	}

	return NewCache(db, zerolog.Nop())
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCachePutManyAndGet(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	rows := []Row{
		{Symbol: "AAPL", Date: day(2026, 2, 2), Open: 230, High: 235, Low: 229, Close: 233.5, Volume: 1000},
		{Symbol: "AAPL", Date: day(2026, 2, 3), Open: 233, High: 238, Low: 232, Close: 237.1, Volume: 1100},
	}

	written, err := cache.PutMany(ctx, rows)
	if err != nil {
		t.Fatalf("PutMany failed: %v", err)
	}
	if written != 2 {
		t.Errorf("written = %d, want 2", written)
	}

	got, err := cache.Get(ctx, "AAPL", day(2026, 2, 3))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a row, got nil")
	}
	if got.Close != 237.1 {
		t.Errorf("close = %v, want 237.1", got.Close)
	}
	if !got.Date.Equal(day(2026, 2, 3)) {
		t.Errorf("date = %v, want 2026-02-03", got.Date)
	}
}

func TestCacheGetMissing(t *testing.T) {
	cache := newTestCache(t)

	got, err := cache.Get(context.Background(), "MSFT", day(2026, 2, 2))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for a cache miss, got %+v", got)
	}
}

func TestCachePutManyIsIdempotent(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	row := Row{Symbol: "SPY", Date: day(2026, 2, 2), Close: 500}
	if _, err := cache.PutMany(ctx, []Row{row}); err != nil {
		t.Fatalf("first PutMany failed: %v", err)
	}

	row.Close = 501
	if _, err := cache.PutMany(ctx, []Row{row}); err != nil {
		t.Fatalf("second PutMany failed: %v", err)
	}

	got, err := cache.Get(ctx, "SPY", day(2026, 2, 2))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Close != 501 {
		t.Errorf("upsert did not replace: close = %v, want 501", got.Close)
	}

	count, err := cache.Coverage(ctx, "SPY", day(2026, 2, 1), day(2026, 2, 28))
	if err != nil {
		t.Fatalf("Coverage failed: %v", err)
	}
	if count != 1 {
		t.Errorf("coverage = %d, want 1", count)
	}
}

func TestCacheRejectsNonPositiveClose(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	rows := []Row{
		{Symbol: "BAD", Date: day(2026, 2, 2), Close: 0},
		{Symbol: "BAD", Date: day(2026, 2, 3), Close: -4},
		{Symbol: "GOOD", Date: day(2026, 2, 3), Close: 12.5},
	}

	written, err := cache.PutMany(ctx, rows)
	if err != nil {
		t.Fatalf("PutMany failed: %v", err)
	}
	if written != 1 {
		t.Errorf("written = %d, want 1", written)
	}

	count, err := cache.Coverage(ctx, "BAD", day(2026, 2, 1), day(2026, 2, 28))
	if err != nil {
		t.Fatalf("Coverage failed: %v", err)
	}
	if count != 0 {
		t.Errorf("rejected rows leaked into the cache: coverage = %d", count)
	}
}

func TestCacheRangeAscending(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	// Insert out of order; Range must come back ascending
	rows := []Row{
		{Symbol: "QQQ", Date: day(2026, 2, 4), Close: 430},
		{Symbol: "QQQ", Date: day(2026, 2, 2), Close: 425},
		{Symbol: "QQQ", Date: day(2026, 2, 3), Close: 428},
		{Symbol: "QQQ", Date: day(2026, 1, 30), Close: 420}, // outside range
	}
	if _, err := cache.PutMany(ctx, rows); err != nil {
		t.Fatalf("PutMany failed: %v", err)
	}

	got, err := cache.Range(ctx, "QQQ", day(2026, 2, 1), day(2026, 2, 28))
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Date.After(got[i-1].Date) {
			t.Errorf("rows not ascending at index %d: %v then %v", i, got[i-1].Date, got[i].Date)
		}
	}
	if got[0].Close != 425 {
		t.Errorf("first close = %v, want 425", got[0].Close)
	}
}
