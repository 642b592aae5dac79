package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Event
	}{
		{
			name: "register with bare string",
			in:   `{"event":"register-user","data":"alice"}`,
			want: Event{Name: EventRegisterUser, Username: "alice"},
		},
		{
			name: "register with object",
			in:   `{"event":"register-user","data":{"username":"bob"}}`,
			want: Event{Name: EventRegisterUser, Username: "bob"},
		},
		{
			name: "register keeps surrounding spaces",
			in:   `{"event":"register-user","data":"bob "}`,
			want: Event{Name: EventRegisterUser, Username: "bob "},
		},
		{
			name: "join",
			in:   `{"event":"join","data":{"sender":"alice","receiver":"bob"}}`,
			want: Event{Name: EventJoin, Sender: "alice", Receiver: "bob"},
		},
		{
			name: "leave",
			in:   `{"event":"leave","data":{"sender":"alice","receiver":"bob"}}`,
			want: Event{Name: EventLeave, Sender: "alice", Receiver: "bob"},
		},
		{
			name: "send keeps text untouched",
			in:   `{"event":"send-message","data":{"sender":"alice","receiver":"bob","text":" hi | there, \n"}}`,
			want: Event{Name: EventSendMessage, Sender: "alice", Receiver: "bob", Text: " hi | there, \n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEventRejects(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{"not json", `register-user|alice`, ErrInvalidEvent},
		{"missing name", `{"data":"alice"}`, ErrInvalidEvent},
		{"unknown", `{"event":"typing","data":{}}`, ErrUnknownEvent},
		{"register with number", `{"event":"register-user","data":42}`, ErrInvalidEvent},
		{"join with array payload", `{"event":"join","data":["alice","bob"]}`, ErrInvalidEvent},
		{"empty username", `{"event":"register-user","data":"  "}`, ErrRejectedEvent},
		{"username too long", `{"event":"register-user","data":"` + strings.Repeat("u", MaxUsernameRunes+1) + `"}`, ErrRejectedEvent},
		{"join without receiver", `{"event":"join","data":{"sender":"alice"}}`, ErrRejectedEvent},
		{"send without text", `{"event":"send-message","data":{"sender":"a","receiver":"b","text":"   "}}`, ErrRejectedEvent},
		{"send text too long", `{"event":"send-message","data":{"sender":"a","receiver":"b","text":"` + strings.Repeat("x", MaxTextRunes+1) + `"}}`, ErrRejectedEvent},
		{"client disconnect", `{"event":"disconnect"}`, ErrUnknownEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tt.in))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEncode(t *testing.T) {
	data, err := Encode(EventUserJoined, PresencePayload{Username: "alice"})
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, EventUserJoined, frame.Event)
	assert.JSONEq(t, `{"username":"alice"}`, string(frame.Data))
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	ts := time.Date(2024, 5, 1, 15, 4, 5, 123456789, loc)
	assert.Equal(t, "2024-05-01T12:04:05.123Z", FormatTime(ts))
}
