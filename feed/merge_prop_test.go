package feed

import (
	"testing"

	"pgregory.net/rapid"
)

// For any sequence of tick batches, the table holds exactly one entry per
// distinct display key, and every field equals the value from the most
// recent tick that carried that field for that key.
func TestTableMergeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		symbols := []string{"NSE:SBIN-EQ", "NSE:INFY-EQ", "NSE:NIFTY50-INDEX", "BSE:ACC-A"}

		table := NewTable()
		type expected struct {
			lastPrice, percentChange, change float64
			volume                           uint64
			hasVolume                        bool
		}
		want := make(map[string]expected)

		numBatches := rapid.IntRange(1, 20).Draw(t, "numBatches")
		for b := 0; b < numBatches; b++ {
			batchSize := rapid.IntRange(1, 8).Draw(t, "batchSize")
			batch := make([]Tick, 0, batchSize)
			for i := 0; i < batchSize; i++ {
				sym := rapid.SampledFrom(symbols).Draw(t, "symbol")
				tick := Tick{
					Symbol:        sym,
					LastPrice:     f(rapid.Float64Range(1, 10000).Draw(t, "ltp")),
					PercentChange: f(rapid.Float64Range(-20, 20).Draw(t, "chp")),
					Change:        f(rapid.Float64Range(-500, 500).Draw(t, "ch")),
				}
				if rapid.Bool().Draw(t, "hasVolume") {
					tick.Volume = u(rapid.Uint64Range(0, 1e9).Draw(t, "volume"))
				}
				batch = append(batch, tick)

				key := DisplayKey(sym)
				prev := want[key]
				next := expected{
					lastPrice:     *tick.LastPrice,
					percentChange: *tick.PercentChange,
					change:        *tick.Change,
					volume:        prev.volume,
					hasVolume:     prev.hasVolume,
				}
				if tick.Volume != nil {
					next.volume = *tick.Volume
					next.hasVolume = true
				}
				want[key] = next
			}
			table.Apply(batch)
		}

		if table.Len() != len(want) {
			t.Fatalf("table has %d entries, want %d", table.Len(), len(want))
		}
		for key, exp := range want {
			q, ok := table.Get(key)
			if !ok {
				t.Fatalf("key %q missing from table", key)
			}
			if q.LastPrice != exp.lastPrice || q.PercentChange != exp.percentChange || q.Change != exp.change {
				t.Fatalf("key %q: got %+v, want %+v", key, q, exp)
			}
			if exp.hasVolume && q.Volume != exp.volume {
				t.Fatalf("key %q: volume %d, want %d", key, q.Volume, exp.volume)
			}
		}
	})
}

// Invalid records never land and never disturb valid records in their batch.
func TestTableInvalidRecordProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		table := NewTable()

		valid := Tick{Symbol: "NSE:GOOD-EQ", LastPrice: f(100), PercentChange: f(1), Change: f(1)}

		// Corrupt at least one of the required fields
		bad := Tick{Symbol: "NSE:BAD-EQ", LastPrice: f(1), PercentChange: f(1), Change: f(1)}
		drop := rapid.SampledFrom([]string{"symbol", "ltp", "chp", "ch"}).Draw(t, "drop")
		switch drop {
		case "symbol":
			bad.Symbol = ""
		case "ltp":
			bad.LastPrice = nil
		case "chp":
			bad.PercentChange = nil
		case "ch":
			bad.Change = nil
		}

		table.Apply([]Tick{valid, bad})

		if table.Len() != 1 {
			t.Fatalf("expected only the valid record, table has %d entries", table.Len())
		}
		if _, ok := table.Get("GOOD"); !ok {
			t.Fatal("valid record missing")
		}
	})
}
