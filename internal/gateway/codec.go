package gateway

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/l4z41/ibkr-connector/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Inbound frame types.
const (
	frameAck       = "ack"
	frameError     = "error"
	frameData      = "data"
	frameEnd       = "end"
	frameHeartbeat = "heartbeat"
)

// Command is an outbound frame.
type Command struct {
	ID     int64  `json:"id"`
	Cmd    string `json:"cmd"`
	Topic  string `json:"topic,omitempty"`
	Params any    `json:"params,omitempty"`
}

// HelloParams are sent with the handshake.
type HelloParams struct {
	ClientID int `json:"client_id"`
}

// CancelParams identify the subscription to cancel.
type CancelParams struct {
	ID int64 `json:"id"`
}

// Frame is an inbound frame. Which fields are set depends on Type.
type Frame struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`

	// ack
	Data jsoniter.RawMessage `json:"data,omitempty"`

	// error
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// data
	Owner    string      `json:"owner,omitempty"`
	Account  string      `json:"account,omitempty"`
	Symbol   string      `json:"symbol,omitempty"`
	Currency string      `json:"currency,omitempty"`
	Fields   []WireField `json:"fields,omitempty"`
}

// WireField is one field update inside a data frame. Tick is set for
// numeric market data fields, Tag for everything else.
type WireField struct {
	Tick     *int        `json:"tick,omitempty"`
	Tag      string      `json:"tag,omitempty"`
	Currency string      `json:"currency,omitempty"`
	Owner    string      `json:"owner,omitempty"`
	Value    model.Value `json:"value"`
	Ingress  int64       `json:"ingress,omitempty"` // unix millis
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case frameAck, frameError, frameData, frameEnd, frameHeartbeat:
	default:
		return Frame{}, fmt.Errorf("decode frame: unknown type %q", f.Type)
	}
	if f.Type == frameData {
		for i, wf := range f.Fields {
			if wf.Tick == nil && wf.Tag == "" {
				return Frame{}, fmt.Errorf("decode frame: field %d has neither tick nor tag", i)
			}
		}
	}
	return f, nil
}

// toMessage converts a data frame into a model.Message.
func (f Frame) toMessage(receivedAt time.Time) model.Message {
	msg := model.Message{
		SubscriptionID: f.ID,
		Owner:          f.Owner,
		Account:        f.Account,
		Symbol:         f.Symbol,
		Currency:       f.Currency,
		ReceivedAt:     receivedAt,
	}
	if len(f.Fields) > 0 {
		msg.Fields = make([]model.FieldUpdate, 0, len(f.Fields))
	}
	for _, wf := range f.Fields {
		u := model.FieldUpdate{Owner: wf.Owner, Value: wf.Value}
		if wf.Tick != nil {
			u.Key = model.TickKey(*wf.Tick)
		} else {
			u.Key = model.TagKey(wf.Tag, wf.Currency)
		}
		if wf.Ingress > 0 {
			u.IngressAt = time.UnixMilli(wf.Ingress)
		}
		msg.Fields = append(msg.Fields, u)
	}
	return msg
}

func (f Frame) remoteError() error {
	msg := f.Message
	if msg == "" {
		msg = "request rejected"
	}
	return &RemoteError{Code: f.Code, Message: msg}
}
