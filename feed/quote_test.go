package feed

import (
	"testing"
)

func f(v float64) *float64 { return &v }
func u(v uint64) *uint64   { return &v }

func TestDisplayKey(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"NSE:SBIN-EQ", "SBIN"},
		{"NSE:NIFTY50-INDEX", "NIFTY50"},
		{"BSE:RELIANCE-A", "RELIANCE"},
		{"SBIN-EQ", "SBIN"},
		{"NSE:SBIN", "SBIN"},
		{"SBIN", "SBIN"},
		{"NSE:", "NSE:"},   // reduces to nothing, falls back to raw
		{":-", ":-"},       // reduces to nothing, falls back to raw
		{"", ""},
	}
	for _, tt := range tests {
		if got := DisplayKey(tt.raw); got != tt.want {
			t.Errorf("DisplayKey(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestTickValid(t *testing.T) {
	valid := Tick{Symbol: "NSE:SBIN-EQ", LastPrice: f(800), PercentChange: f(1.2), Change: f(9.5)}
	if !valid.Valid() {
		t.Error("Expected complete tick to be valid")
	}

	missing := []Tick{
		{LastPrice: f(800), PercentChange: f(1.2), Change: f(9.5)},            // no symbol
		{Symbol: "NSE:SBIN-EQ", PercentChange: f(1.2), Change: f(9.5)},        // no ltp
		{Symbol: "NSE:SBIN-EQ", LastPrice: f(800), Change: f(9.5)},            // no chp
		{Symbol: "NSE:SBIN-EQ", LastPrice: f(800), PercentChange: f(1.2)},     // no ch
		{},
	}
	for i, tick := range missing {
		if tick.Valid() {
			t.Errorf("Expected tick %d to be invalid: %+v", i, tick)
		}
	}
}

func TestDecodeTicksSingleAndArray(t *testing.T) {
	single, err := decodeTicks([]byte(`{"symbol":"NSE:SBIN-EQ","ltp":800.5,"chp":1.2,"ch":9.5}`))
	if err != nil {
		t.Fatalf("Expected no error decoding single object, got: %v", err)
	}
	if len(single) != 1 || single[0].Symbol != "NSE:SBIN-EQ" {
		t.Errorf("Unexpected single decode result: %+v", single)
	}

	array, err := decodeTicks([]byte(`[{"symbol":"A:X-EQ","ltp":1,"chp":2,"ch":3},{"symbol":"A:Y-EQ","ltp":4,"chp":5,"ch":6}]`))
	if err != nil {
		t.Fatalf("Expected no error decoding array, got: %v", err)
	}
	if len(array) != 2 {
		t.Errorf("Expected 2 ticks, got %d", len(array))
	}

	if _, err := decodeTicks([]byte(`{not json`)); err == nil {
		t.Error("Expected error for malformed payload")
	}
}

func TestDecodeTicksSkipsTypeCorruptRecords(t *testing.T) {
	// A record whose required field carries the wrong JSON type must not
	// take its siblings down with it.
	ticks, err := decodeTicks([]byte(`[
		{"symbol":"NSE:BAD-EQ","ltp":"oops","chp":1,"ch":1},
		{"symbol":"NSE:GOOD-EQ","ltp":100,"chp":1.5,"ch":1.5},
		{"symbol":"NSE:ALSO-EQ","ltp":true,"chp":2,"ch":2},
		{"symbol":"NSE:FINE-EQ","ltp":200,"chp":2.5,"ch":2.5}
	]`))
	if err != nil {
		t.Fatalf("Expected no error for a mixed batch, got: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("Expected the 2 well-formed records, got %d: %+v", len(ticks), ticks)
	}
	if ticks[0].Symbol != "NSE:GOOD-EQ" || ticks[1].Symbol != "NSE:FINE-EQ" {
		t.Errorf("Unexpected surviving records: %+v", ticks)
	}

	table := NewTable()
	table.Apply(ticks)
	if q, ok := table.Get("GOOD"); !ok || q.LastPrice != 100 {
		t.Errorf("Expected the valid record to reach the table, got %+v (ok=%v)", q, ok)
	}
}

func TestTableApplyInsertsAndMerges(t *testing.T) {
	table := NewTable()

	batch := table.Apply([]Tick{
		{Symbol: "NSE:SBIN-EQ", LastPrice: f(800), PercentChange: f(1.0), Change: f(8), Volume: u(1000)},
	})
	if len(batch) != 1 {
		t.Fatalf("Expected 1 touched quote, got %d", len(batch))
	}

	q, ok := table.Get("SBIN")
	if !ok {
		t.Fatal("Expected SBIN in table")
	}
	if q.LastPrice != 800 || q.Volume != 1000 || q.IsIndex {
		t.Errorf("Unexpected quote: %+v", q)
	}

	// A later tick without volume updates prices but keeps the old volume:
	// partial updates merge, they never discard established fields.
	table.Apply([]Tick{
		{Symbol: "NSE:SBIN-EQ", LastPrice: f(805), PercentChange: f(1.6), Change: f(13)},
	})
	q, _ = table.Get("SBIN")
	if q.LastPrice != 805 {
		t.Errorf("Expected updated last price 805, got %v", q.LastPrice)
	}
	if q.Volume != 1000 {
		t.Errorf("Expected volume preserved across partial update, got %v", q.Volume)
	}
	if table.Len() != 1 {
		t.Errorf("Expected one entry per symbol key, got %d", table.Len())
	}
}

func TestTableApplySkipsInvalidWithoutAffectingBatch(t *testing.T) {
	table := NewTable()

	batch := table.Apply([]Tick{
		{Symbol: "NSE:GOOD-EQ", LastPrice: f(10), PercentChange: f(1), Change: f(0.1)},
		{Symbol: "NSE:BAD-EQ", PercentChange: f(1), Change: f(0.1)}, // missing ltp
		{Symbol: "NSE:ALSO-EQ", LastPrice: f(20), PercentChange: f(2), Change: f(0.2)},
	})

	if len(batch) != 2 {
		t.Errorf("Expected 2 merged quotes, got %d", len(batch))
	}
	if _, ok := table.Get("BAD"); ok {
		t.Error("Expected invalid record to be excluded from the table")
	}
	if _, ok := table.Get("GOOD"); !ok {
		t.Error("Expected valid record before the invalid one to land")
	}
	if _, ok := table.Get("ALSO"); !ok {
		t.Error("Expected valid record after the invalid one to land")
	}
}

func TestTableIndexFlag(t *testing.T) {
	table := NewTable()
	table.Apply([]Tick{
		{Symbol: "NSE:NIFTY50-INDEX", LastPrice: f(22000), PercentChange: f(0.5), Change: f(110)},
		{Symbol: "NSE:SBIN-EQ", LastPrice: f(800), PercentChange: f(1), Change: f(8)},
	})

	idx, _ := table.Get("NIFTY50")
	if !idx.IsIndex {
		t.Error("Expected NIFTY50 to be flagged as an index")
	}
	eq, _ := table.Get("SBIN")
	if eq.IsIndex {
		t.Error("Expected SBIN to not be flagged as an index")
	}
}

func TestTableReset(t *testing.T) {
	table := NewTable()
	table.Apply([]Tick{
		{Symbol: "NSE:SBIN-EQ", LastPrice: f(800), PercentChange: f(1), Change: f(8)},
	})
	table.Reset()
	if table.Len() != 0 {
		t.Errorf("Expected empty table after Reset, got %d entries", table.Len())
	}
}

func TestTableSnapshotSorted(t *testing.T) {
	table := NewTable()
	table.Apply([]Tick{
		{Symbol: "NSE:ZEE-EQ", LastPrice: f(1), PercentChange: f(1), Change: f(1)},
		{Symbol: "NSE:ACC-EQ", LastPrice: f(2), PercentChange: f(2), Change: f(2)},
	})
	snap := table.Snapshot()
	if len(snap) != 2 || snap[0].Symbol != "ACC" || snap[1].Symbol != "ZEE" {
		t.Errorf("Expected sorted snapshot [ACC ZEE], got %+v", snap)
	}
}
