// Package aggregate merges incremental field updates into per-owner
// snapshots.
package aggregate

import (
	"sort"
	"sync"
	"time"

	"github.com/l4z41/ibkr-connector/internal/model"
)

// SingleContract is the owner key used when a message names no owner, as
// market data for one contract does.
const SingleContract = "contract"

// Tick field ids.
const (
	TickBidSize       = 0
	TickBid           = 1
	TickAsk           = 2
	TickAskSize       = 3
	TickLast          = 4
	TickLastSize      = 5
	TickHigh          = 6
	TickLow           = 7
	TickVolume        = 8
	TickClose         = 9
	TickOpen          = 14
	TickLastTimestamp = 45
)

// TickFields maps numeric tick ids to output field names.
var TickFields = map[int]string{
	TickBidSize:       "bidSize",
	TickBid:           "bid",
	TickAsk:           "ask",
	TickAskSize:       "askSize",
	TickLast:          "last",
	TickLastSize:      "lastSize",
	TickHigh:          "high",
	TickLow:           "low",
	TickVolume:        "volume",
	TickClose:         "close",
	TickOpen:          "open",
	TickLastTimestamp: "lastTimestamp",
}

// FieldName returns the output name for key. Unknown tick ids report false.
func FieldName(key model.FieldKey) (string, bool) {
	if !key.IsTick() {
		return key.Tag, true
	}
	name, ok := TickFields[key.Tick]
	return name, ok
}

// Changes is the set of field names applied from one message.
type Changes map[string]struct{}

// Has reports whether name was applied.
func (c Changes) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Empty reports whether nothing was applied.
func (c Changes) Empty() bool {
	return len(c) == 0
}

type entry struct {
	value     model.Value
	updatedAt time.Time
}

type owner struct {
	account  string
	symbol   string
	currency string
	fields   map[model.FieldKey]entry
	updates  int
}

// Aggregator keeps the latest valid value for every (owner, field).
// It is safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	owners  map[string]*owner
	updates int
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{owners: make(map[string]*owner)}
}

// Accept merges msg. Sentinel and missing values are discarded; everything
// else overwrites the previous value for its (owner, key).
func (a *Aggregator) Accept(msg model.Message) Changes {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.updates++
	changes := make(Changes)

	for _, u := range msg.Fields {
		if u.Value.NoData() {
			continue
		}

		key := u.Owner
		if key == "" {
			key = msg.Owner
		}
		if key == "" {
			key = SingleContract
		}

		o := a.owner(key)
		if u.Owner == "" || u.Owner == msg.Owner {
			o.setMeta(msg)
		}

		o.fields[u.Key] = entry{value: u.Value, updatedAt: u.IngressAt}
		o.updates++

		if name, ok := FieldName(u.Key); ok {
			changes[name] = struct{}{}
		}
	}

	return changes
}

func (a *Aggregator) owner(key string) *owner {
	o, ok := a.owners[key]
	if !ok {
		o = &owner{fields: make(map[model.FieldKey]entry)}
		a.owners[key] = o
	}
	return o
}

func (o *owner) setMeta(msg model.Message) {
	if msg.Account != "" {
		o.account = msg.Account
	}
	if msg.Symbol != "" {
		o.symbol = msg.Symbol
	}
	if msg.Currency != "" {
		o.currency = msg.Currency
	}
}

// Updates returns how many messages were accepted.
func (a *Aggregator) Updates() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.updates
}

// Len returns the number of owners holding at least one field.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.owners)
}

// Snapshot returns the current view of one owner.
func (a *Aggregator) Snapshot(key string) (model.Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.owners[key]
	if !ok {
		return model.Snapshot{}, false
	}
	return o.snapshot(key), true
}

// Snapshots returns every owner's view, ordered by owner key. Owners whose
// only fields are unknown tick ids are omitted.
func (a *Aggregator) Snapshots() []model.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	keys := make([]string, 0, len(a.owners))
	for k := range a.owners {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]model.Snapshot, 0, len(keys))
	for _, k := range keys {
		s := a.owners[k].snapshot(k)
		if s.Empty() {
			continue
		}
		out = append(out, s)
	}
	return out
}

// snapshot flattens the owner's fields in a stable order: known ticks by
// id, then tags by name and currency.
func (o *owner) snapshot(key string) model.Snapshot {
	keys := make([]model.FieldKey, 0, len(o.fields))
	for k := range o.fields {
		if _, ok := FieldName(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.IsTick() != b.IsTick() {
			return a.IsTick()
		}
		if a.IsTick() {
			return a.Tick < b.Tick
		}
		if a.Tag != b.Tag {
			return a.Tag < b.Tag
		}
		return a.Currency < b.Currency
	})

	fields := make([]model.Field, 0, len(keys))
	for _, k := range keys {
		name, _ := FieldName(k)
		e := o.fields[k]
		fields = append(fields, model.Field{
			Name:      name,
			Currency:  k.Currency,
			Value:     e.value,
			UpdatedAt: e.updatedAt,
		})
	}

	return model.Snapshot{
		Owner:       key,
		Account:     o.account,
		Symbol:      o.symbol,
		Currency:    o.currency,
		Fields:      fields,
		UpdateCount: o.updates,
	}
}

// Rows flattens tag fields of every owner into one row per (owner, tag,
// currency), the shape account summaries are reported in.
func (a *Aggregator) Rows() []map[string]any {
	var rows []map[string]any
	for _, s := range a.Snapshots() {
		for _, f := range s.Fields {
			row := map[string]any{
				"account": s.Owner,
				"tag":     f.Name,
				"value":   f.Value.Any(),
			}
			if s.Account != "" {
				row["account"] = s.Account
			}
			if f.Currency != "" {
				row["currency"] = f.Currency
			}
			if !f.UpdatedAt.IsZero() {
				row["updatedAt"] = f.UpdatedAt.UnixMilli()
			}
			rows = append(rows, row)
		}
	}
	return rows
}
