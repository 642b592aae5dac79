package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Client -> server events.
const (
	EventRegisterUser = "register-user"
	EventJoin         = "join"
	EventLeave        = "leave"
	EventSendMessage  = "send-message"
	// EventDisconnect is never sent by a client; the transport emits it when
	// the socket goes away.
	EventDisconnect = "disconnect"
)

// Server -> client events.
const (
	EventJoined         = "joined"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventReceiveMessage = "receive-message"
	EventErrorMessage   = "error-message"
)

const (
	MaxTextRunes     = 2000
	MaxUsernameRunes = 64
	MaxFrameBytes    = 16 * 1024
	MaxDecodeErrors  = 3

	// TimeFormat matches JavaScript's Date.toISOString.
	TimeFormat = "2006-01-02T15:04:05.000Z"
)

var (
	// ErrInvalidEvent marks a frame that could not be decoded at all.
	ErrInvalidEvent = errors.New("invalid event format")
	// ErrUnknownEvent marks a well-formed frame naming an event the relay
	// does not handle.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrRejectedEvent marks a well-formed event whose fields fail validation,
	// such as a blank username or an over-long text.
	ErrRejectedEvent = errors.New("rejected event")
)

// Frame is the wire envelope for every event in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type PairPayload struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

type SendPayload struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
}

type JoinedPayload struct {
	With string `json:"with"`
	Time string `json:"time"`
}

type PresencePayload struct {
	Username string `json:"username"`
}

type MessagePayload struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
	Time     string `json:"time"`
}

type ErrorPayload struct {
	Text string `json:"text"`
}

// Event is a decoded, validated client event. Only the fields relevant to
// Name are set.
type Event struct {
	Name     string
	Username string
	Sender   string
	Receiver string
	Text     string
}

// ParseEvent decodes one client frame.
func ParseEvent(data []byte) (Event, error) {
	if len(data) > MaxFrameBytes {
		return Event{}, fmt.Errorf("%w: frame too large", ErrInvalidEvent)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	evt := Event{Name: frame.Event}
	switch frame.Event {
	case EventRegisterUser:
		username, err := parseUsername(frame.Data)
		if err != nil {
			return Event{}, err
		}
		evt.Username = username
	case EventJoin, EventLeave:
		var p PairPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return Event{}, fmt.Errorf("%w: %s payload: %v", ErrInvalidEvent, frame.Event, err)
		}
		sender, receiver, err := validatePair(p.Sender, p.Receiver)
		if err != nil {
			return Event{}, err
		}
		evt.Sender, evt.Receiver = sender, receiver
	case EventSendMessage:
		var p SendPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return Event{}, fmt.Errorf("%w: send-message payload: %v", ErrInvalidEvent, err)
		}
		p, err := p.Validate()
		if err != nil {
			return Event{}, err
		}
		evt.Sender, evt.Receiver, evt.Text = p.Sender, p.Receiver, p.Text
	case "":
		return Event{}, fmt.Errorf("%w: missing event name", ErrInvalidEvent)
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}
	return evt, nil
}

// register-user carries a bare JSON string; an object with a username field
// is accepted as well.
func parseUsername(data json.RawMessage) (string, error) {
	var username string
	if err := json.Unmarshal(data, &username); err != nil {
		var p PresencePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return "", fmt.Errorf("%w: register-user payload", ErrInvalidEvent)
		}
		username = p.Username
	}
	return validateUsername(username)
}

// validateUsername keeps the name exactly as sent; "bob " and "bob" are
// different users.
func validateUsername(username string) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", fmt.Errorf("%w: username required", ErrRejectedEvent)
	}
	if utf8.RuneCountInString(username) > MaxUsernameRunes {
		return "", fmt.Errorf("%w: username longer than %d characters", ErrRejectedEvent, MaxUsernameRunes)
	}
	return username, nil
}

func validatePair(sender, receiver string) (string, string, error) {
	sender, err := validateUsername(sender)
	if err != nil {
		return "", "", fmt.Errorf("sender: %w", err)
	}
	receiver, err = validateUsername(receiver)
	if err != nil {
		return "", "", fmt.Errorf("receiver: %w", err)
	}
	return sender, receiver, nil
}

// Validate checks the usernames and the text limits. Nothing is rewritten.
func (p SendPayload) Validate() (SendPayload, error) {
	sender, receiver, err := validatePair(p.Sender, p.Receiver)
	if err != nil {
		return SendPayload{}, err
	}
	if strings.TrimSpace(p.Text) == "" {
		return SendPayload{}, fmt.Errorf("%w: text required", ErrRejectedEvent)
	}
	if utf8.RuneCountInString(p.Text) > MaxTextRunes {
		return SendPayload{}, fmt.Errorf("%w: text longer than %d characters", ErrRejectedEvent, MaxTextRunes)
	}
	return SendPayload{Sender: sender, Receiver: receiver, Text: p.Text}, nil
}

// ValidatePair checks a user pair given outside of an event, such as in a
// history query.
func ValidatePair(user1, user2 string) (string, string, error) {
	user1, err := validateUsername(user1)
	if err != nil {
		return "", "", fmt.Errorf("user1: %w", err)
	}
	user2, err = validateUsername(user2)
	if err != nil {
		return "", "", fmt.Errorf("user2: %w", err)
	}
	return user1, user2, nil
}

// Encode builds a frame for event with payload as its data.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// FormatTime renders t the way every outbound event carries it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
