package state

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Deduplicator Tests
// =============================================================================

func TestDeduplicator_Add(t *testing.T) {
	d := NewDeduplicator(100)

	if d.HasSeen("a1b2c3d4e5f6") {
		t.Error("key should not be seen before adding")
	}
	if !d.Add("a1b2c3d4e5f6") {
		t.Error("first Add should report new")
	}
	if d.Add("a1b2c3d4e5f6") {
		t.Error("second Add should report duplicate")
	}
	if !d.HasSeen("a1b2c3d4e5f6") {
		t.Error("key should be seen after adding")
	}
	if d.Count() != 1 {
		t.Errorf("Count = %d, want 1", d.Count())
	}
}

func TestDeduplicator_Reset(t *testing.T) {
	d := NewDeduplicator(100)
	for i := 0; i < 10; i++ {
		d.Add(fmt.Sprintf("hash-%d", i))
	}
	d.Reset()

	if d.Count() != 0 {
		t.Errorf("Count after Reset = %d", d.Count())
	}
	if d.HasSeen("hash-3") {
		t.Error("Reset should forget keys")
	}
}

func TestDeduplicator_Concurrent(t *testing.T) {
	d := NewDeduplicator(1000)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				d.Add(fmt.Sprintf("k-%d", i))
				d.HasSeen(fmt.Sprintf("k-%d", i))
			}
		}(w)
	}
	wg.Wait()

	if d.Count() != 100 {
		t.Errorf("Count = %d, want 100", d.Count())
	}
}

// =============================================================================
// URL normalization Tests
// =============================================================================

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase host", "HTTPS://App.Example.COM/Swap", "https://app.example.com/Swap"},
		{"default port", "https://example.com:443/a", "https://example.com/a"},
		{"trailing slash", "https://example.com/docs/", "https://example.com/docs"},
		{"root", "https://example.com", "https://example.com/"},
		{"dot segments", "https://example.com/a/./b/../c", "https://example.com/a/c"},
		{"tracking params", "https://example.com/?utm_source=x&b=2&a=1", "https://example.com/?a=1&b=2"},
		{"hash route kept", "https://example.com/#/swap/", "https://example.com/#/swap"},
		{"anchor dropped", "https://example.com/#features", "https://example.com/"},
		{"ui fragment dropped", "https://example.com/#modal-login", "https://example.com/"},
		{"hashbang route", "https://example.com/#!/pools", "https://example.com/#/pools"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeURL(tt.in); got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripQueryAndFragment(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://example.com/swap?from=eth#top", "https://example.com/swap"},
		{"https://example.com/", "https://example.com/"},
		{"https://example.com/#/pools", "https://example.com/"},
	}
	for _, tt := range tests {
		if got := StripQueryAndFragment(tt.in); got != tt.want {
			t.Errorf("StripQueryAndFragment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// =============================================================================
// Ledger Tests
// =============================================================================

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	if err != nil {
		t.Fatalf("OpenLedger() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_PutGet(t *testing.T) {
	l := openTestLedger(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if rec, err := l.Get("aave"); err != nil || rec != nil {
		t.Fatalf("Get on empty ledger = %v, %v", rec, err)
	}

	if err := l.Put(Record{Slug: "aave", URL: "https://app.aave.com", Outcome: OutcomeSuccess, Screenshots: 14, CrawledAt: now}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rec, err := l.Get("aave")
	if err != nil || rec == nil {
		t.Fatalf("Get() = %v, %v", rec, err)
	}
	if rec.Attempts != 1 || !rec.LastSuccessAt.Equal(now) || rec.Screenshots != 14 {
		t.Errorf("record = %+v", rec)
	}
}

func TestLedger_FailureKeepsLastSuccess(t *testing.T) {
	l := openTestLedger(t)
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(48 * time.Hour)

	_ = l.Put(Record{Slug: "gmx", Outcome: OutcomeSuccess, CrawledAt: first})
	_ = l.Put(Record{Slug: "gmx", Outcome: OutcomeFailed, Reason: "landing failed", CrawledAt: second})

	rec, _ := l.Get("gmx")
	if rec.Outcome != OutcomeFailed || !rec.LastSuccessAt.Equal(first) || rec.Attempts != 2 {
		t.Errorf("record = %+v", rec)
	}
}

func TestLedger_Stale(t *testing.T) {
	l := openTestLedger(t)
	now := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)

	_ = l.Put(Record{Slug: "fresh", Outcome: OutcomeSuccess, CrawledAt: now.Add(-24 * time.Hour)})
	_ = l.Put(Record{Slug: "old", Outcome: OutcomeSuccess, CrawledAt: now.Add(-20 * 24 * time.Hour)})
	_ = l.Put(Record{Slug: "older", Outcome: OutcomeSuccess, CrawledAt: now.Add(-40 * 24 * time.Hour)})
	_ = l.Put(Record{Slug: "never", Outcome: OutcomeFailed, CrawledAt: now})

	stale, err := l.Stale(14*24*time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}

	var slugs []string
	for _, r := range stale {
		slugs = append(slugs, r.Slug)
	}
	want := []string{"never", "older", "old"}
	if fmt.Sprint(slugs) != fmt.Sprint(want) {
		t.Errorf("Stale() = %v, want %v", slugs, want)
	}
}

func TestLedger_AllOrdered(t *testing.T) {
	l := openTestLedger(t)
	for _, s := range []string{"zeta", "alpha", "mid"} {
		_ = l.Put(Record{Slug: s, Outcome: OutcomeSkipped, CrawledAt: time.Now()})
	}
	all, err := l.All()
	if err != nil || len(all) != 3 || all[0].Slug != "alpha" || all[2].Slug != "zeta" {
		t.Errorf("All() = %+v, %v", all, err)
	}
}
