// Package server defines the relay message payload, its wire codec, and
// utility helpers that are reused across connection and broadcast logic.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMessage is returned when an inbound frame is not a valid Message.
var ErrInvalidMessage = errors.New("invalid message")

// Message is the JSON object exchanged between relay clients. It is never
// mutated by the server.
type Message struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}

// wireMessage mirrors Message with pointer fields so absent keys can be told
// apart from zero values.
type wireMessage struct {
	ID        *string `json:"id"`
	Content   *string `json:"content"`
	Sender    *string `json:"sender"`
	NodeID    *string `json:"node_id"`
	Timestamp *int64  `json:"timestamp"`
}

// DecodeMessage parses one text frame. Every field must be present with the
// right JSON type; unknown fields are ignored.
func DecodeMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: expected a JSON object", ErrInvalidMessage)
	}

	var w wireMessage
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var missing []string
	if w.ID == nil {
		missing = append(missing, "id")
	}
	if w.Content == nil {
		missing = append(missing, "content")
	}
	if w.Sender == nil {
		missing = append(missing, "sender")
	}
	if w.NodeID == nil {
		missing = append(missing, "node_id")
	}
	if w.Timestamp == nil {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return Message{}, fmt.Errorf("%w: missing field(s) %s", ErrInvalidMessage, strings.Join(missing, ", "))
	}

	return Message{
		ID:        *w.ID,
		Content:   *w.Content,
		Sender:    *w.Sender,
		NodeID:    *w.NodeID,
		Timestamp: *w.Timestamp,
	}, nil
}

// Encode returns the canonical wire form of the message.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
