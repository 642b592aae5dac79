package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmrelay/db"
	"dmrelay/db/mock"
	"dmrelay/models"
)

func doRequest(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	srv := New(db.NewMemory(), &ServerConfig{}, nil)
	rec := doRequest(t, srv, http.MethodGet, "/up", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHistoryEndpoints(t *testing.T) {
	store := db.NewMemory()
	srv := New(store, &ServerConfig{}, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/message", `{"sender":"alice","receiver":"bob","text":"hi"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created historyItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "hi", created.Text)

	doRequest(t, srv, http.MethodPost, "/api/message", `{"sender":"bob","receiver":"alice","text":"hello"}`)
	doRequest(t, srv, http.MethodPost, "/api/message", `{"sender":"bob","receiver":"carol","text":"other pair"}`)

	rec = doRequest(t, srv, http.MethodGet, "/api/message?user1=bob&user2=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []historyItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "hi", items[0].Text)
	assert.Equal(t, "hello", items[1].Text)
	assert.Equal(t, created.Time, items[0].Time)

	rec = doRequest(t, srv, http.MethodDelete, "/api/message?user1=alice&user2=bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":2}`, rec.Body.String())

	rec = doRequest(t, srv, http.MethodDelete, "/api/message?user1=alice&user2=bob", "")
	assert.JSONEq(t, `{"deleted":0}`, rec.Body.String())

	rec = doRequest(t, srv, http.MethodGet, "/api/message?user1=alice&user2=bob", "")
	assert.JSONEq(t, `[]`, rec.Body.String())

	remaining, err := store.History(context.Background(), "carol", "bob")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestDeleteMessagesWithJSONBody(t *testing.T) {
	store := db.NewMemory()
	srv := New(store, &ServerConfig{}, nil)
	ctx := context.Background()

	for _, m := range [][3]string{{"alice", "bob", "hi"}, {"bob", "alice", "hey"}, {"alice", "carol", "other"}} {
		_, err := store.AppendMessage(ctx, m[0], m[1], m[2])
		require.NoError(t, err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/deleteMessages", `{"user1":"bob","user2":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"deleted":2}`, rec.Body.String())

	history, err := store.History(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, history)

	others, err := store.History(ctx, "alice", "carol")
	require.NoError(t, err)
	assert.Len(t, others, 1)

	rec = doRequest(t, srv, http.MethodPost, "/api/deleteMessages", `{"user1":"bob","user2":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":0}`, rec.Body.String())
}

func TestAppendDoesNotRelay(t *testing.T) {
	tr := newTestRelay(t, nil)
	srv := New(tr.store, &ServerConfig{}, nil)
	srv.registry = tr.reg
	tr.connect(t, "bob")

	rec := doRequest(t, srv, http.MethodPost, "/api/message", `{"sender":"alice","receiver":"bob","text":"quiet"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, tr.emitter.events)
}

func TestAPIRejectsBadInput(t *testing.T) {
	srv := New(db.NewMemory(), &ServerConfig{}, nil)

	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"history missing user2", http.MethodGet, "/api/message?user1=alice", ""},
		{"delete blank user1", http.MethodDelete, "/api/message?user1=%20&user2=bob", ""},
		{"append malformed body", http.MethodPost, "/api/message", `{"sender":`},
		{"append empty text", http.MethodPost, "/api/message", `{"sender":"a","receiver":"b","text":""}`},
		{"append text too long", http.MethodPost, "/api/message", `{"sender":"a","receiver":"b","text":"` + strings.Repeat("x", 2001) + `"}`},
		{"delete messages malformed body", http.MethodPost, "/api/deleteMessages", `{"user1":`},
		{"delete messages missing user2", http.MethodPost, "/api/deleteMessages", `{"user1":"alice"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, tt.method, tt.target, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body apiError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
			assert.Equal(t, body.Error, body.Message)
		})
	}
}

func TestAPIStoreFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mock.NewMockStore(ctrl)
	srv := New(store, &ServerConfig{}, nil)

	store.EXPECT().History(gomock.Any(), "alice", "bob").
		Return(nil, &db.StorageError{Op: "history", Unavailable: true, Err: errors.New("no route to host")})
	rec := doRequest(t, srv, http.MethodGet, "/api/message?user1=alice&user2=bob", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "storage unavailable", body.Message)

	store.EXPECT().DeleteHistory(gomock.Any(), "alice", "bob").
		Return(int64(0), &db.StorageError{Op: "delete history", Err: errors.New("constraint")})
	rec = doRequest(t, srv, http.MethodDelete, "/api/message?user1=alice&user2=bob", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	store.EXPECT().DeleteHistory(gomock.Any(), "alice", "bob").
		Return(int64(0), &db.StorageError{Op: "delete history", Unavailable: true, Err: errors.New("no route to host")})
	rec = doRequest(t, srv, http.MethodPost, "/api/deleteMessages", `{"user1":"alice","user2":"bob"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	store.EXPECT().AppendMessage(gomock.Any(), "alice", "bob", "hi").
		Return(models.Message{}, context.DeadlineExceeded)
	rec = doRequest(t, srv, http.MethodPost, "/api/message", `{"sender":"alice","receiver":"bob","text":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUsersEndpoint(t *testing.T) {
	store := db.NewMemory()
	require.NoError(t, store.MarkOffline(context.Background(), "zoe", time.Now()))
	tr := newTestRelay(t, store)
	srv := New(store, &ServerConfig{}, nil)
	srv.registry = tr.reg
	tr.connect(t, "bob")
	tr.reg.Register("alice", models.NewHandle())

	rec := doRequest(t, srv, http.MethodGet, "/api/users", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["alice","bob","zoe"]`, rec.Body.String())
}

func TestUsersEndpointWithoutDirectory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mock.NewMockStore(ctrl)
	store.EXPECT().ListUsers(gomock.Any()).Return(nil, errors.New("down"))
	srv := New(store, &ServerConfig{}, nil)
	srv.registry.Register("alice", models.NewHandle())

	rec := doRequest(t, srv, http.MethodGet, "/api/users", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["alice"]`, rec.Body.String())
}
