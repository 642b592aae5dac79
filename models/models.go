package models

import (
	"time"

	"github.com/google/uuid"
)

// Handle identifies one live transport channel. The transport owns it; the
// registry only keeps a copy for lookups.
type Handle string

func NewHandle() Handle {
	return Handle(uuid.NewString())
}

type User struct {
	Username    string
	LastOnline  time.Time
	LastOffline time.Time
}

type Message struct {
	ID        string
	Sender    string
	Receiver  string
	Text      string
	Timestamp time.Time
}

// Session is the pair a connection is currently joined with. Never persisted.
type Session struct {
	Sender   string
	Receiver string
}

// Pair returns the two usernames in a stable order so {a,b} and {b,a} share a key.
func Pair(user1, user2 string) (string, string) {
	if user2 < user1 {
		return user2, user1
	}
	return user1, user2
}
