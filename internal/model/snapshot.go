package model

import "time"

// Field is one named value inside a Snapshot.
type Field struct {
	Name      string    `json:"name"`
	Currency  string    `json:"currency,omitempty"`
	Value     Value     `json:"value"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Snapshot is the merged view of one owner at the end of a collection or at
// an accepted trigger update.
type Snapshot struct {
	Owner       string    `json:"owner"`
	Account     string    `json:"account,omitempty"`
	Symbol      string    `json:"symbol,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Fields      []Field   `json:"fields"`
	UpdateCount int       `json:"updatesReceived"`
	Connected   bool      `json:"connected"`
	Timestamp   time.Time `json:"timestamp"`
}

// Empty reports whether the snapshot carries no fields.
func (s Snapshot) Empty() bool {
	return len(s.Fields) == 0
}

// Get returns the first field value with the given name.
func (s Snapshot) Get(name string) (Value, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Number returns the numeric value of the named field.
func (s Snapshot) Number(name string) (float64, bool) {
	v, ok := s.Get(name)
	if !ok {
		return 0, false
	}
	return v.Float()
}

// Map flattens the snapshot into an output record: metadata, one key per
// field and a "<name>Time" key for fields that carried an ingress time.
func (s Snapshot) Map() map[string]any {
	out := make(map[string]any, len(s.Fields)*2+6)
	if s.Account != "" {
		out["account"] = s.Account
	}
	if s.Symbol != "" {
		out["symbol"] = s.Symbol
	}
	if s.Currency != "" {
		out["currency"] = s.Currency
	}
	for _, f := range s.Fields {
		out[f.Name] = f.Value.Any()
		if !f.UpdatedAt.IsZero() {
			out[f.Name+"Time"] = f.UpdatedAt.UnixMilli()
		}
	}
	if !s.Timestamp.IsZero() {
		out["timestamp"] = s.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	out["connected"] = s.Connected
	out["updatesReceived"] = s.UpdateCount
	return out
}

// Placeholder is returned instead of an empty result so callers can tell
// "the gateway had nothing" from "nothing arrived".
type Placeholder struct {
	Message         string   `json:"message"`
	Connected       bool     `json:"connected"`
	UpdateCount     int      `json:"updatesReceived"`
	Symbol          string   `json:"symbol,omitempty"`
	Hint            string   `json:"troubleshooting,omitempty"`
	ManagedAccounts []string `json:"managedAccounts,omitempty"`
}

// Map returns the placeholder as an output record.
func (p Placeholder) Map() map[string]any {
	out := map[string]any{
		"message":         p.Message,
		"connected":       p.Connected,
		"updatesReceived": p.UpdateCount,
	}
	if p.Symbol != "" {
		out["symbol"] = p.Symbol
	}
	if p.Hint != "" {
		out["troubleshooting"] = p.Hint
	}
	if p.ManagedAccounts != nil {
		out["managedAccounts"] = p.ManagedAccounts
	}
	return out
}

// Emission is one coalesced trigger output.
type Emission struct {
	TriggerID     string    `json:"triggerId"`
	Snapshot      Snapshot  `json:"snapshot"`
	Timestamp     time.Time `json:"timestamp"`
	PriceChange   *float64  `json:"priceChange,omitempty"`
	PreviousPrice *float64  `json:"previousPrice,omitempty"`
}

// Map flattens the emission into an output record.
func (e Emission) Map() map[string]any {
	out := e.Snapshot.Map()
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.PriceChange != nil {
		out["priceChange"] = *e.PriceChange
	}
	if e.PreviousPrice != nil {
		out["previousPrice"] = *e.PreviousPrice
	}
	return out
}
