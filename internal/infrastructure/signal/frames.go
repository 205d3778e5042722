package signal

import (
	"encoding/json"
	"fmt"

	"peercall/internal/core/domain"
)

// FrameOp is the operation carried by one relay frame.
type FrameOp string

const (
	// client -> relay
	OpSubscribe   FrameOp = "subscribe"
	OpUnsubscribe FrameOp = "unsubscribe"
	OpPublish     FrameOp = "publish"

	// relay -> client
	OpMessage FrameOp = "message"
	OpAck     FrameOp = "ack"
	OpError   FrameOp = "error"
)

// Frame is the JSON envelope exchanged over the relay WebSocket. Requests
// carrying an ID are answered with an ack or an error frame echoing it.
type Frame struct {
	Op      FrameOp                  `json:"op"`
	ID      string                   `json:"id,omitempty"`
	Channel string                   `json:"channel,omitempty"`
	Message *domain.SignalingMessage `json:"message,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// rawFrame defers decoding of the message so a malformed signaling message
// can be answered with an error frame that still carries the request id.
type rawFrame struct {
	Op      FrameOp         `json:"op"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func decodeFrame(data []byte) (*Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	f := &Frame{Op: raw.Op, ID: raw.ID, Channel: raw.Channel, Error: raw.Error}
	if len(raw.Message) > 0 && string(raw.Message) != "null" {
		var msg domain.SignalingMessage
		if err := json.Unmarshal(raw.Message, &msg); err != nil {
			return f, err
		}
		f.Message = &msg
	}
	return f, nil
}

func ackFrame(id string) Frame {
	return Frame{Op: OpAck, ID: id}
}

func errorFrame(id string, err error) Frame {
	return Frame{Op: OpError, ID: id, Error: err.Error()}
}

func messageFrame(channel string, msg *domain.SignalingMessage) Frame {
	return Frame{Op: OpMessage, Channel: channel, Message: msg}
}
