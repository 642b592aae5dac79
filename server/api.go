package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"dmrelay/db"
	"dmrelay/protocol"
)

type historyItem struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
	Time     string `json:"time"`
}

type deleteResult struct {
	Deleted int64 `json:"deleted"`
}

type pairRequest struct {
	User1 string `json:"user1"`
	User2 string `json:"user2"`
}

// apiError carries the reason twice: browser clients read message, relayctl
// reads error.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	s.log.Error("store request failed", zap.String("op", op), zap.Error(err))
	if db.IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "storage error")
}

func pairFromQuery(r *http.Request) (string, string, error) {
	q := r.URL.Query()
	return protocol.ValidatePair(q.Get("user1"), q.Get("user2"))
}

func (s *Server) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.coordinator.storeTimeout)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user1, user2, err := pairFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()
	messages, err := s.db.History(ctx, user1, user2)
	if err != nil {
		s.writeStoreError(w, "history", err)
		return
	}

	items := make([]historyItem, 0, len(messages))
	for _, m := range messages {
		items = append(items, historyItem{
			Sender:   m.Sender,
			Receiver: m.Receiver,
			Text:     m.Text,
			Time:     protocol.FormatTime(m.Timestamp),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// handleAppend stores a message without relaying it to anyone.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, protocol.MaxFrameBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := req.Validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()
	msg, err := s.db.AppendMessage(ctx, req.Sender, req.Receiver, req.Text)
	if err != nil {
		s.writeStoreError(w, "append", err)
		return
	}

	writeJSON(w, http.StatusCreated, historyItem{
		Sender:   msg.Sender,
		Receiver: msg.Receiver,
		Text:     msg.Text,
		Time:     protocol.FormatTime(msg.Timestamp),
	})
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	user1, user2, err := pairFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deletePair(w, r, user1, user2)
}

// handleDeleteMessages is the browser client's form of handleDeleteHistory:
// POST with the pair in a JSON body.
func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, protocol.MaxFrameBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user1, user2, err := protocol.ValidatePair(req.User1, req.User2)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deletePair(w, r, user1, user2)
}

func (s *Server) deletePair(w http.ResponseWriter, r *http.Request, user1, user2 string) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	deleted, err := s.db.DeleteHistory(ctx, user1, user2)
	if err != nil {
		s.writeStoreError(w, "delete history", err)
		return
	}
	s.log.Info("history deleted", zap.String("user1", user1), zap.String("user2", user2), zap.Int64("deleted", deleted))
	writeJSON(w, http.StatusOK, deleteResult{Deleted: deleted})
}

// handleUsers lists every username the directory knows plus whoever is
// online. Without the store it still answers with the online users.
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]struct{})
	for _, username := range s.registry.Usernames() {
		seen[username] = struct{}{}
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()
	users, err := s.db.ListUsers(ctx)
	if err != nil {
		s.log.Warn("user directory unavailable, listing online users only", zap.Error(err))
	}
	for _, u := range users {
		seen[u.Username] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for username := range seen {
		names = append(names, username)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}
