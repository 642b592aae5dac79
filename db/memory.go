package db

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"dmrelay/models"
)

type pairKey struct {
	a, b string
}

func keyFor(user1, user2 string) pairKey {
	a, b := models.Pair(user1, user2)
	return pairKey{a: a, b: b}
}

// Memory keeps everything in process. Nothing survives a restart.
type Memory struct {
	mu       sync.RWMutex
	clock    func() time.Time
	nextID   int64
	messages map[pairKey][]models.Message
	users    map[string]models.User
}

func NewMemory() *Memory {
	return &Memory{
		clock:    now,
		messages: make(map[pairKey][]models.Message),
		users:    make(map[string]models.User),
	}
}

func (m *Memory) AppendMessage(ctx context.Context, sender, receiver, text string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, wrap("append", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	msg := models.Message{
		ID:        strconv.FormatInt(m.nextID, 10),
		Sender:    sender,
		Receiver:  receiver,
		Text:      text,
		Timestamp: m.clock(),
	}
	key := keyFor(sender, receiver)
	m.messages[key] = append(m.messages[key], msg)
	return msg, nil
}

func (m *Memory) History(ctx context.Context, user1, user2 string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("history", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.messages[keyFor(user1, user2)]
	out := make([]models.Message, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *Memory) DeleteHistory(ctx context.Context, user1, user2 string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrap("delete history", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := keyFor(user1, user2)
	deleted := int64(len(m.messages[key]))
	delete(m.messages, key)
	return deleted, nil
}

func (m *Memory) MarkOnline(ctx context.Context, username string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[username]
	u.Username = username
	u.LastOnline = t.UTC()
	m.users[username] = u
	return nil
}

func (m *Memory) MarkOffline(ctx context.Context, username string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[username]
	u.Username = username
	u.LastOffline = t.UTC()
	m.users[username] = u
	return nil
}

func (m *Memory) ListUsers(ctx context.Context) ([]models.User, error) {
	m.mu.RLock()
	users := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	m.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (m *Memory) Close() error {
	return nil
}
