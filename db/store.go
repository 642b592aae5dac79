package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dmrelay/models"
)

//go:generate mockgen -destination=mock/store_mock.go -package=mock dmrelay/db Store

// Store is the durable side of the relay: messages keyed by an unordered
// user pair, plus the username directory.
type Store interface {
	// AppendMessage persists one message and stamps it with the store's clock.
	AppendMessage(ctx context.Context, sender, receiver, text string) (models.Message, error)
	// History returns every message exchanged between user1 and user2 in
	// insertion order.
	History(ctx context.Context, user1, user2 string) ([]models.Message, error)
	// DeleteHistory removes the pair's messages in both directions.
	DeleteHistory(ctx context.Context, user1, user2 string) (int64, error)

	MarkOnline(ctx context.Context, username string, t time.Time) error
	MarkOffline(ctx context.Context, username string, t time.Time) error
	ListUsers(ctx context.Context) ([]models.User, error)

	Close() error
}

// StorageError wraps every failure a Store returns.
type StorageError struct {
	Op string
	// Unavailable marks connection-level failures as opposed to bad queries.
	Unavailable bool
	Err         error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

var ErrUnknownDriver = errors.New("unknown store driver")

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsUnavailable reports whether err is a StorageError for a store that could
// not be reached.
func IsUnavailable(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Unavailable
}

type Options struct {
	Driver        string
	Path          string
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string
}

// Open connects to the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		store Store
		err   error
	)
	switch opts.Driver {
	case "", "sqlite":
		store, err = New(opts.Path)
	case "postgres":
		store, err = NewPostgres(ctx, opts.PostgresDSN)
	case "mongo":
		store, err = NewMongo(ctx, opts.MongoURI, opts.MongoDatabase)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// now is the shared server clock for stored timestamps.
func now() time.Time {
	return time.Now().UTC()
}

// ceilTime rounds t up to a multiple of d for stores that keep less than
// nanosecond precision.
func ceilTime(t time.Time, d time.Duration) time.Time {
	truncated := t.Truncate(d)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(d)
}
