package model

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// NoDataSentinel is the numeric value the gateway reports for a field that
// currently has no valid data.
const NoDataSentinel = -1

// ValueKind identifies what a Value holds.
type ValueKind uint8

const (
	KindNone ValueKind = iota
	KindNumber
	KindString
)

// Value is a single field value: a number, a string, or nothing.
type Value struct {
	kind ValueKind
	num  float64
	str  string
}

// Number returns a numeric Value.
func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

// String returns a string Value.
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Kind returns the value kind.
func (v Value) Kind() ValueKind {
	return v.kind
}

// Float returns the numeric value. String values are parsed; ok is false
// when the value is not numeric.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		f, err := strconv.ParseFloat(v.str, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Text returns the value formatted as a string.
func (v Value) Text() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindString:
		return v.str
	}
	return ""
}

// NoData reports whether v is missing or equal to NoDataSentinel.
func (v Value) NoData() bool {
	return v.kind == KindNone || (v.kind == KindNumber && v.num == NoDataSentinel)
}

// Equal reports whether both values have the same kind and content.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.num == o.num && v.str == o.str
}

// Any returns a float64, a string or nil.
func (v Value) Any() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return []byte(strconv.FormatFloat(v.num, 'f', -1, 64)), nil
	case KindString:
		return []byte(strconv.Quote(v.str)), nil
	}
	return []byte("null"), nil
}

// UnmarshalJSON implements json.Unmarshaler. Booleans are kept as strings.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*v = Value{}
	case data[0] == '"':
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return fmt.Errorf("decode string value: %w", err)
		}
		*v = String(s)
	case bytes.Equal(data, []byte("true")) || bytes.Equal(data, []byte("false")):
		*v = String(string(data))
	default:
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("decode numeric value %q: %w", data, err)
		}
		*v = Number(f)
	}
	return nil
}

// FieldKey identifies a field within one owner. Tick fields are keyed by the
// numeric tick id; everything else (account tags, position and order
// attributes) by Tag, optionally qualified by Currency.
type FieldKey struct {
	Tick     int
	Tag      string
	Currency string
}

// TickKey returns the key for a numeric tick field.
func TickKey(id int) FieldKey {
	return FieldKey{Tick: id}
}

// TagKey returns the key for a named field.
func TagKey(tag, currency string) FieldKey {
	return FieldKey{Tag: tag, Currency: currency}
}

// IsTick reports whether the key is a numeric tick id.
func (k FieldKey) IsTick() bool {
	return k.Tag == ""
}

// FieldUpdate is one incremental datum. An empty Owner means "the owner of
// the enclosing message".
type FieldUpdate struct {
	Owner     string
	Key       FieldKey
	Value     Value
	IngressAt time.Time
}

// Message is one inbound data message for a subscription.
type Message struct {
	SubscriptionID int64
	Owner          string
	Account        string
	Symbol         string
	Currency       string
	Fields         []FieldUpdate
	ReceivedAt     time.Time
}
