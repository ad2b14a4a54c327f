// Package hub fans JSON messages out to WebSocket clients using the
// channel-based broadcast pattern.
package hub

import "encoding/json"

// Message is a pre-encoded JSON payload to broadcast.
type Message struct {
	Data []byte
}

// NewJSONMessage encodes v.
func NewJSONMessage(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Data: data}, nil
}
