package feed

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Tick is one inbound price update in the livefeed wire format. The three
// change fields are pointers so absence is distinguishable from zero; symbol,
// ltp, chp and ch are required for a tick to be valid, the rest are merged
// only when present.
type Tick struct {
	Symbol        string   `json:"symbol"`
	LastPrice     *float64 `json:"ltp"`
	PercentChange *float64 `json:"chp"`
	Change        *float64 `json:"ch"`

	Open   *float64 `json:"open,omitempty"`
	High   *float64 `json:"high,omitempty"`
	Low    *float64 `json:"low,omitempty"`
	Close  *float64 `json:"close,omitempty"`
	Volume *uint64  `json:"volume,omitempty"`
}

// Valid reports whether the tick carries a symbol and all three required
// numeric fields. Invalid ticks are skipped, never errored: one corrupt
// record must not tear down the stream.
func (t *Tick) Valid() bool {
	return t.Symbol != "" && t.LastPrice != nil && t.PercentChange != nil && t.Change != nil
}

// indexMarker identifies index instruments in raw feed symbols, e.g.
// "NSE:NIFTY50-INDEX".
const indexMarker = "-INDEX"

// DisplayKey derives the quote-table key from a raw feed symbol by taking
// the segment after the exchange delimiter and before the series suffix:
// "NSE:SBIN-EQ" becomes "SBIN". Symbols missing the delimiters, or reducing
// to nothing, map to themselves.
func DisplayKey(raw string) string {
	key := raw
	if i := strings.Index(key, ":"); i >= 0 {
		key = key[i+1:]
	}
	if i := strings.Index(key, "-"); i >= 0 {
		key = key[:i]
	}
	if key == "" {
		return raw
	}
	return key
}

// decodeTicks parses a frame as either a single tick object or an array of
// tick objects. Array elements decode independently: a record whose fields do
// not match the wire shape is dropped without discarding its siblings.
func decodeTicks(payload []byte) ([]Tick, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, err
		}
		ticks := make([]Tick, 0, len(raw))
		for _, el := range raw {
			var tick Tick
			if err := json.Unmarshal(el, &tick); err != nil {
				continue
			}
			ticks = append(ticks, tick)
		}
		return ticks, nil
	}
	var tick Tick
	if err := json.Unmarshal(payload, &tick); err != nil {
		return nil, err
	}
	return []Tick{tick}, nil
}

// Quote is the current best-known state for one instrument.
type Quote struct {
	Symbol        string  `json:"symbol"`
	LastPrice     float64 `json:"ltp"`
	Change        float64 `json:"ch"`
	PercentChange float64 `json:"chp"`
	IsIndex       bool    `json:"is_index"`

	Open   float64 `json:"open,omitempty"`
	High   float64 `json:"high,omitempty"`
	Low    float64 `json:"low,omitempty"`
	Close  float64 `json:"close,omitempty"`
	Volume uint64  `json:"volume,omitempty"`
}

// Table is the keyed quote table: at most one Quote per display key, updated
// by shallow merge so a partial tick never discards fields a previous tick
// established. Safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	quotes map[string]*Quote
}

// NewTable creates an empty quote table.
func NewTable() *Table {
	return &Table{quotes: make(map[string]*Quote)}
}

// Apply merges a batch of ticks in one pass and returns the resulting state
// of every quote the batch touched. Invalid ticks are skipped and do not
// affect other records in the same batch. Later values win per field.
func (t *Table) Apply(ticks []Tick) []Quote {
	t.mu.Lock()
	defer t.mu.Unlock()

	touched := make(map[string]struct{}, len(ticks))
	for i := range ticks {
		tick := &ticks[i]
		if !tick.Valid() {
			continue
		}
		key := DisplayKey(tick.Symbol)
		q, ok := t.quotes[key]
		if !ok {
			q = &Quote{Symbol: key}
			t.quotes[key] = q
		}
		q.LastPrice = *tick.LastPrice
		q.PercentChange = *tick.PercentChange
		q.Change = *tick.Change
		q.IsIndex = strings.Contains(tick.Symbol, indexMarker)
		if tick.Open != nil {
			q.Open = *tick.Open
		}
		if tick.High != nil {
			q.High = *tick.High
		}
		if tick.Low != nil {
			q.Low = *tick.Low
		}
		if tick.Close != nil {
			q.Close = *tick.Close
		}
		if tick.Volume != nil {
			q.Volume = *tick.Volume
		}
		touched[key] = struct{}{}
	}

	batch := make([]Quote, 0, len(touched))
	for key := range touched {
		batch = append(batch, *t.quotes[key])
	}
	return batch
}

// Get returns a copy of the quote for the given display key.
func (t *Table) Get(key string) (Quote, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.quotes[key]
	if !ok {
		return Quote{}, false
	}
	return *q, true
}

// Snapshot returns a copy of every quote, sorted by symbol for stable output.
func (t *Table) Snapshot() []Quote {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Quote, 0, len(t.quotes))
	for _, q := range t.quotes {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of quotes in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.quotes)
}

// Reset drops every quote. Called on full disconnect, not on transient
// reconnect.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quotes = make(map[string]*Quote)
}
