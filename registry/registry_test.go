package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmrelay/models"
)

func TestLookupReflectsLatestRegistration(t *testing.T) {
	r := New()

	h1, h2, h3 := models.Handle("h1"), models.Handle("h2"), models.Handle("h3")
	r.Register("alice", h1)
	r.Register("bob", h2)
	r.Register("alice", h3)

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, h3, got)

	got, ok = r.Lookup("bob")
	require.True(t, ok)
	assert.Equal(t, h2, got)

	require.True(t, r.Unregister("bob", h2))
	_, ok = r.Lookup("bob")
	assert.False(t, ok)

	_, ok = r.Lookup("carol")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestUnregisterKeepsNewerRegistration(t *testing.T) {
	r := New()
	x, y := models.Handle("x"), models.Handle("y")

	r.Register("u", x)
	r.Register("u", y)

	assert.False(t, r.Unregister("u", x), "stale handle must not evict newer entry")

	got, ok := r.Lookup("u")
	require.True(t, ok)
	assert.Equal(t, y, got)
}

func TestUnregisterAbsentIsNoop(t *testing.T) {
	r := New()
	assert.False(t, r.Unregister("ghost", models.Handle("h")))
	assert.Zero(t, r.Len())
}

func TestUsernamesSorted(t *testing.T) {
	r := New()
	r.Register("carol", "c")
	r.Register("alice", "a")
	r.Register("bob", "b")

	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Usernames())

	snap := r.Snapshot()
	snap["mallory"] = "m"
	_, ok := r.Lookup("mallory")
	assert.False(t, ok, "snapshot must be a copy")
}

func TestConcurrentRegisterAndUnregister(t *testing.T) {
	r := New()
	const users = 50

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		username := fmt.Sprintf("user-%d", i)
		stale := models.Handle(username + "-old")
		fresh := models.Handle(username + "-new")
		r.Register(username, stale)

		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Unregister(username, stale)
		}()
		go func() {
			defer wg.Done()
			r.Register(username, fresh)
		}()
	}
	wg.Wait()

	// Whatever the interleaving, the fresh handle either won or was registered
	// after the stale removal; the stale one can never remain.
	for i := 0; i < users; i++ {
		username := fmt.Sprintf("user-%d", i)
		got, ok := r.Lookup(username)
		require.True(t, ok, username)
		assert.Equal(t, models.Handle(username+"-new"), got)
	}
}
