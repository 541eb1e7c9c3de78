package scoreboard

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable indicates the backing store could not be reached
// after three consecutive connection checks.
var ErrStoreUnavailable = errors.New("scoreboard store unavailable")

// Store is the keyed-store contract every scoreboard runs on. Values
// are strings; nested structures are serialized by the scoreboards
// themselves. Absent keys and fields read back as empty strings, not
// errors.
type Store interface {
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HKeys(ctx context.Context, key string) ([]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// BLPop pops the head of the list, blocking up to timeout for an
	// element to arrive. An empty string with a nil error means the
	// timeout expired on an empty list.
	BLPop(ctx context.Context, key string, timeout time.Duration) (string, error)

	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)

	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error

	Ping(ctx context.Context) error
	Close() error
}

const pingAttempts = 3

// checked wraps a Store and verifies connectivity before every
// mutating call, retrying the ping up to three times before surfacing
// ErrStoreUnavailable.
type checked struct {
	Store
}

// NewChecked decorates a store with the mandatory connection check.
func NewChecked(s Store) Store {
	return &checked{Store: s}
}

func (c *checked) ensure(ctx context.Context) error {
	var err error
	for i := 0; i < pingAttempts; i++ {
		if err = c.Store.Ping(ctx); err == nil {
			return nil
		}
	}
	return errors.Join(ErrStoreUnavailable, err)
}

func (c *checked) HSet(ctx context.Context, key, field, value string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	return c.Store.HSet(ctx, key, field, value)
}

func (c *checked) HDel(ctx context.Context, key string, fields ...string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	return c.Store.HDel(ctx, key, fields...)
}

func (c *checked) LPush(ctx context.Context, key string, values ...string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	return c.Store.LPush(ctx, key, values...)
}

func (c *checked) BLPop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	if err := c.ensure(ctx); err != nil {
		return "", err
	}
	return c.Store.BLPop(ctx, key, timeout)
}

func (c *checked) Set(ctx context.Context, key, value string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	return c.Store.Set(ctx, key, value)
}

func (c *checked) Incr(ctx context.Context, key string) (int64, error) {
	if err := c.ensure(ctx); err != nil {
		return 0, err
	}
	return c.Store.Incr(ctx, key)
}

func (c *checked) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	if err := c.ensure(ctx); err != nil {
		return 0, err
	}
	return c.Store.IncrBy(ctx, key, n)
}

func (c *checked) Del(ctx context.Context, keys ...string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	return c.Store.Del(ctx, keys...)
}
