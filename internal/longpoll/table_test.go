package longpoll

import (
	"testing"
	"time"
)

type fakeResponse struct {
	values   []any
	finished bool
}

func (r *fakeResponse) Write(v any) { r.values = append(r.values, v) }
func (r *fakeResponse) Finish()     { r.finished = true }

func TestInsertAndTakeOne(t *testing.T) {
	table := New()
	resp := &fakeResponse{}
	now := time.Now()

	table.Insert("tab-1", resp, now)
	if table.Len() != 1 {
		t.Fatalf("expected 1 parked response, got %d", table.Len())
	}

	got, ok := table.TakeOne("tab-1")
	if !ok || got != Response(resp) {
		t.Fatal("expected TakeOne to return the inserted response")
	}
	if table.Len() != 0 {
		t.Fatal("expected the table to be empty after TakeOne")
	}
}

func TestTakeOneAbsentTabReturnsFalse(t *testing.T) {
	table := New()
	_, ok := table.TakeOne("missing")
	if ok {
		t.Fatal("expected TakeOne on an absent tab to report false")
	}
}

func TestInsertReplacesUnresolvedEntry(t *testing.T) {
	table := New()
	first := &fakeResponse{}
	second := &fakeResponse{}
	now := time.Now()

	table.Insert("tab-1", first, now)
	table.Insert("tab-1", second, now)

	if table.Len() != 1 {
		t.Fatalf("expected the second Insert to replace the first, got %d entries", table.Len())
	}
	got, _ := table.TakeOne("tab-1")
	if got != Response(second) {
		t.Fatal("expected the most recently inserted response to win")
	}
}

func TestTakeSkipsAbsentTabIDs(t *testing.T) {
	table := New()
	resp := &fakeResponse{}
	now := time.Now()
	table.Insert("tab-1", resp, now)

	out := table.Take([]string{"tab-1", "does-not-exist"})
	if len(out) != 1 || out[0] != Response(resp) {
		t.Fatalf("expected exactly the one present response, got %#v", out)
	}
}

func TestSweepOnlyTakesExpiredEntries(t *testing.T) {
	table := New()
	start := time.Now()

	stale := &fakeResponse{}
	table.Insert("tab-stale", stale, start)

	fresh := &fakeResponse{}
	table.Insert("tab-fresh", fresh, start.Add(50*time.Second))

	swept := table.Sweep(start.Add(60*time.Second), 55*time.Second)
	if len(swept) != 1 || swept[0] != Response(stale) {
		t.Fatalf("expected only the stale entry to be swept, got %#v", swept)
	}
	if table.Len() != 1 {
		t.Fatal("expected the fresh entry to remain parked")
	}
}
