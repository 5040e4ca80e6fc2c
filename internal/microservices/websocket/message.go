package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"roomsync/internal/chat/chaterr"
	"roomsync/internal/chat/dispatcher"
	"roomsync/internal/chat/messagelog"
	"roomsync/internal/chat/models"
	"roomsync/internal/chat/reaction"
)

// Message protocol definitions

type MessageType string

const ( // client -> server
	TypeSubmit    MessageType = "submit"    // post a chat message
	TypeTyping    MessageType = "typing"    // explicit typing on/off
	TypeKeystroke MessageType = "keystroke" // one unit of input, debounced server-side
	TypeReact     MessageType = "react"     // toggle an emoji on a message
	TypeEdit      MessageType = "edit"      // edit one of the user's messages
)

const ( // server -> client
	TypeView  MessageType = "view"  // full ClientView snapshot
	TypeAck   MessageType = "ack"   // action result
	TypeError MessageType = "error" // action or protocol failure
)

// Message is an inbound action frame. RequestID is echoed back on the ack or
// error frame that answers it.
type Message struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Body      string      `json:"body,omitempty"`
	ReplyToID *string     `json:"reply_to_id,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
	Emoji     string      `json:"emoji,omitempty"`
	Typing    bool        `json:"typing,omitempty"`
}

// Frame is an outbound frame.
type Frame struct {
	Type      MessageType            `json:"type"`
	RequestID string                 `json:"request_id,omitempty"`
	View      *dispatcher.ClientView `json:"view,omitempty"`
	Message   *models.ChatMessage    `json:"message,omitempty"`
	Added     *bool                  `json:"added,omitempty"`
	Error     *ErrorPayload          `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

const (
	CodeBadRequest  = "bad_request"
	CodeRateLimited = "rate_limited"
	CodeBusy        = "busy"
)

func NewViewFrame(v dispatcher.ClientView) *Frame {
	return &Frame{Type: TypeView, View: &v, Timestamp: time.Now().UTC()}
}

func NewAckFrame(requestID string) *Frame {
	return &Frame{Type: TypeAck, RequestID: requestID, Timestamp: time.Now().UTC()}
}

// NewErrorFrame describes err with its chaterr code, or with code when err is
// a protocol problem rather than an action failure.
func NewErrorFrame(requestID, code string, err error) *Frame {
	payload := &ErrorPayload{Code: code, Message: err.Error()}
	if payload.Code == "" {
		payload.Code = chaterr.Code(err)
	}
	var mv *messagelog.ValidationError
	var rv *reaction.ValidationError
	switch {
	case errors.As(err, &mv):
		payload.Field = mv.Field
	case errors.As(err, &rv):
		payload.Field = rv.Field
	}
	if payload.Code == "internal" || payload.Code == "unavailable" {
		// store details stay in the server log
		payload.Message = "temporarily unavailable, try again"
	}
	return &Frame{Type: TypeError, RequestID: requestID, Error: payload, Timestamp: time.Now().UTC()}
}

// ToJSON: marshal Frame struct to JSON
func (f *Frame) ToJSON() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("frame_marshal_failed", "type", f.Type, "error", err)
		return nil, err
	}
	return data, nil
}

// MessageFromJSON: unmarshal JSON data to Message struct
func MessageFromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case TypeSubmit, TypeTyping, TypeKeystroke, TypeReact, TypeEdit:
	default:
		return nil, errors.New("unknown message type " + string(msg.Type))
	}
	return &msg, nil
}
