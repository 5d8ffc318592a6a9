package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hanati/nextfeed/internal/model"
)

func quoteSnap(id, ask1 string, at time.Time) model.Snapshot {
	return model.Snapshot{
		Venue:        model.VenueKIS,
		InstrumentID: id,
		Kind:         model.StreamQuote,
		Fields:       map[string]string{"ask_price_1": ask1},
		ObservedAt:   at,
	}
}

func TestPutGet(t *testing.T) {
	c := New()
	key := model.InstrumentKey{Venue: model.VenueKIS, InstrumentID: "005930", Kind: model.StreamQuote}

	if _, ok := c.Get(key); ok {
		t.Fatal("Get() on empty cache returned a snapshot")
	}

	c.Put(quoteSnap("005930", "71000", time.Now()))

	snap, ok := c.Get(key)
	if !ok {
		t.Fatal("Get() = not found after Put")
	}
	if snap.Fields["ask_price_1"] != "71000" {
		t.Errorf("ask_price_1 = %q, want %q", snap.Fields["ask_price_1"], "71000")
	}
}

func TestLastWriteWins(t *testing.T) {
	c := New()
	key := model.InstrumentKey{Venue: model.VenueKIS, InstrumentID: "005930", Kind: model.StreamQuote}

	c.Put(quoteSnap("005930", "71000", time.Now()))
	c.Put(quoteSnap("005930", "71100", time.Now()))

	snap, _ := c.Get(key)
	if snap.Fields["ask_price_1"] != "71100" {
		t.Errorf("ask_price_1 = %q, want the later write %q", snap.Fields["ask_price_1"], "71100")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestReplayIdempotent(t *testing.T) {
	c := New()
	key := model.InstrumentKey{Venue: model.VenueKIS, InstrumentID: "005930", Kind: model.StreamQuote}

	snap := quoteSnap("005930", "71000", time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	c.Put(snap)
	before, _ := c.Get(key)

	// Replaying the identical snapshot changes nothing observable.
	c.Put(snap)
	after, _ := c.Get(key)

	if before.Fields["ask_price_1"] != after.Fields["ask_price_1"] || !before.ObservedAt.Equal(after.ObservedAt) {
		t.Errorf("replay changed the entry: before=%+v after=%+v", before, after)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestKindsAreSeparateEntries(t *testing.T) {
	c := New()

	c.Put(quoteSnap("005930", "71000", time.Now()))
	c.Put(model.Snapshot{
		Venue:        model.VenueKIS,
		InstrumentID: "005930",
		Kind:         model.StreamTrade,
		Fields:       map[string]string{"price": "71050"},
		ObservedAt:   time.Now(),
	})

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}

	tradeKey := model.InstrumentKey{Venue: model.VenueKIS, InstrumentID: "005930", Kind: model.StreamTrade}
	snap, ok := c.Get(tradeKey)
	if !ok || snap.Fields["price"] != "71050" {
		t.Errorf("Get(trade) = %+v, %v", snap, ok)
	}
}

func TestConcurrentPuts(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				c.Put(quoteSnap(fmt.Sprintf("%06d", n), fmt.Sprintf("%d", w), time.Now()))
			}
		}(w)
	}
	wg.Wait()

	if c.Len() != 100 {
		t.Errorf("Len() = %d, want 100", c.Len())
	}
}
