// ABOUTME: Inbound websocket events as a closed set of typed payloads
// ABOUTME: Decode turns a raw {"type","data"} frame into exactly one validated Event

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/2389/chat-gateway/internal/chaterr"
)

// InboundKind names an event a client may send.
type InboundKind string

// Inbound kinds. The set is closed: Decode rejects anything else.
const (
	KindJoinConversation  InboundKind = "join-conversation"
	KindLeaveConversation InboundKind = "leave-conversation"
	KindOpenConversation  InboundKind = "open-conversation"
	KindSendMessage       InboundKind = "send-message"
	KindTyping            InboundKind = "typing"
	KindStopTyping        InboundKind = "stop-typing"
)

// ErrUnknownKind is returned for frames whose type is not an inbound kind.
var ErrUnknownKind = errors.New("unknown event type")

var validate = validator.New()

// Event is implemented only by the payload types in this file.
type Event interface {
	Kind() InboundKind
	Conversation() string
	inbound()
}

// JoinConversation asks to receive broadcasts for a conversation.
type JoinConversation struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

// LeaveConversation stops broadcasts for a conversation.
type LeaveConversation struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

// OpenConversation joins, clears unread and marks everything seen.
type OpenConversation struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

// SendMessage posts a message. Emptiness of Text and Media is checked by the
// relay after the participant check, not here.
type SendMessage struct {
	ConversationID string   `json:"conversationId" validate:"required,max=128"`
	Text           string   `json:"text" validate:"max=10000"`
	Media          []string `json:"media" validate:"max=20,dive,required,max=2048"`
	TempID         string   `json:"tempId" validate:"max=128"`
}

// Typing announces the caller started typing.
type Typing struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

// StopTyping announces the caller stopped typing.
type StopTyping struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

func (JoinConversation) Kind() InboundKind  { return KindJoinConversation }
func (LeaveConversation) Kind() InboundKind { return KindLeaveConversation }
func (OpenConversation) Kind() InboundKind  { return KindOpenConversation }
func (SendMessage) Kind() InboundKind       { return KindSendMessage }
func (Typing) Kind() InboundKind            { return KindTyping }
func (StopTyping) Kind() InboundKind        { return KindStopTyping }

func (e JoinConversation) Conversation() string  { return e.ConversationID }
func (e LeaveConversation) Conversation() string { return e.ConversationID }
func (e OpenConversation) Conversation() string  { return e.ConversationID }
func (e SendMessage) Conversation() string       { return e.ConversationID }
func (e Typing) Conversation() string            { return e.ConversationID }
func (e StopTyping) Conversation() string        { return e.ConversationID }

func (JoinConversation) inbound()  {}
func (LeaveConversation) inbound() {}
func (OpenConversation) inbound()  {}
func (SendMessage) inbound()       {}
func (Typing) inbound()            {}
func (StopTyping) inbound()        {}

// Frame is the JSON envelope shared by both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses and validates one inbound frame.
// All failures are chaterr validation errors.
func Decode(raw []byte) (Event, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, chaterr.Validation("decode frame", err)
	}

	var ev Event
	var err error
	switch InboundKind(frame.Type) {
	case KindJoinConversation:
		ev, err = decodeInto[JoinConversation](frame.Data)
	case KindLeaveConversation:
		ev, err = decodeInto[LeaveConversation](frame.Data)
	case KindOpenConversation:
		ev, err = decodeInto[OpenConversation](frame.Data)
	case KindSendMessage:
		ev, err = decodeInto[SendMessage](frame.Data)
	case KindTyping:
		ev, err = decodeInto[Typing](frame.Data)
	case KindStopTyping:
		ev, err = decodeInto[StopTyping](frame.Data)
	default:
		return nil, chaterr.Validation("decode frame", fmt.Errorf("%w: %q", ErrUnknownKind, frame.Type))
	}
	if err != nil {
		return nil, chaterr.Validation("decode "+frame.Type, err)
	}
	return ev, nil
}

type payload interface {
	JoinConversation | LeaveConversation | OpenConversation | SendMessage | Typing | StopTyping
	Event
}

func decodeInto[T payload](data json.RawMessage) (Event, error) {
	var v T
	if len(data) == 0 {
		return nil, errors.New("missing data")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if err := validate.Struct(v); err != nil {
		return nil, err
	}
	return v, nil
}
