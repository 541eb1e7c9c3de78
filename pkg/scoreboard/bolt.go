package scoreboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore backs a scoreboard with an embedded bbolt file, one named
// bucket per scoreboard. It lets a single-host deployment run without
// a Redis server while keeping identical scoreboard semantics.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

// Key prefixes inside the bucket. Hash fields, lists, and scalars
// share one keyspace.
const (
	boltHashPrefix   = "h/"
	boltListPrefix   = "l/"
	boltScalarPrefix = "k/"
)

// OpenBolt opens (or creates) the store file and the scoreboard's bucket.
func OpenBolt(path, bucket string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bolt %s: %v", ErrStoreUnavailable, path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	return &BoltStore{db: db, bucket: []byte(bucket)}, nil
}

func hashKey(key, field string) []byte {
	return []byte(boltHashPrefix + key + "/" + field)
}

func hashScan(key string) []byte {
	return []byte(boltHashPrefix + key + "/")
}

func listKey(key string) []byte {
	return []byte(boltListPrefix + key)
}

func scalarKey(key string) []byte {
	return []byte(boltScalarPrefix + key)
}

func (s *BoltStore) HSet(_ context.Context, key, field, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put(hashKey(key, field), []byte(value))
	})
}

func (s *BoltStore) HGet(_ context.Context, key, field string) (string, error) {
	var out string
	err := s.db.View(func(tx *bolt.Tx) error {
		out = string(tx.Bucket(s.bucket).Get(hashKey(key, field)))
		return nil
	})
	return out, err
}

func (s *BoltStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	prefix := hashScan(key)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out[string(k[len(prefix):])] = string(v)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) HKeys(ctx context.Context, key string) ([]string, error) {
	all, err := s.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	fields := make([]string, 0, len(all))
	for f := range all {
		fields = append(fields, f)
	}
	return fields, nil
}

func (s *BoltStore) HDel(_ context.Context, key string, fields ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for _, f := range fields {
			if err := b.Delete(hashKey(key, f)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LPush(_ context.Context, key string, values ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		list, err := readList(b, key)
		if err != nil {
			return err
		}
		// LPush prepends, newest first
		for _, v := range values {
			list = append([]string{v}, list...)
		}
		data, err := json.Marshal(list)
		if err != nil {
			return err
		}
		return b.Put(listKey(key), data)
	})
}

func (s *BoltStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	var list []string
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		list, err = readList(tx.Bucket(s.bucket), key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sliceRange(list, start, stop), nil
}

// blpopPollPeriod is the poll granularity of the BLPop emulation.
const blpopPollPeriod = 20 * time.Millisecond

// BLPop emulates the blocking pop by polling: each attempt pops the
// list head inside one write transaction. Returns "" once the timeout
// expires on an empty list.
func (s *BoltStore) BLPop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		var out string
		err := s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(s.bucket)
			list, err := readList(b, key)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				return nil
			}
			out = list[0]
			if len(list) == 1 {
				return b.Delete(listKey(key))
			}
			data, err := json.Marshal(list[1:])
			if err != nil {
				return err
			}
			return b.Put(listKey(key), data)
		})
		if err != nil {
			return "", err
		}
		if out != "" {
			return out, nil
		}
		if time.Now().After(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(blpopPollPeriod):
		}
	}
}

func readList(b *bolt.Bucket, key string) ([]string, error) {
	data := b.Get(listKey(key))
	if data == nil {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("corrupt list %s: %w", key, err)
	}
	return list, nil
}

// sliceRange applies Redis LRANGE semantics: inclusive stop, negative
// indices count from the end.
func sliceRange(list []string, start, stop int64) []string {
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil
	}
	return list[start : stop+1]
}

func (s *BoltStore) Set(_ context.Context, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put(scalarKey(key), []byte(value))
	})
}

func (s *BoltStore) Get(_ context.Context, key string) (string, error) {
	var out string
	err := s.db.View(func(tx *bolt.Tx) error {
		out = string(tx.Bucket(s.bucket).Get(scalarKey(key)))
		return nil
	})
	return out, err
}

func (s *BoltStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.IncrBy(ctx, key, 1)
}

func (s *BoltStore) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	var out int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		cur := int64(0)
		if raw := b.Get(scalarKey(key)); raw != nil {
			v, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("counter %s is not an integer: %w", key, err)
			}
			cur = v
		}
		out = cur + n
		return b.Put(scalarKey(key), []byte(strconv.FormatInt(out, 10)))
	})
	return out, err
}

func (s *BoltStore) Exists(_ context.Context, key string) (bool, error) {
	var found bool
	prefix := hashScan(key)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b.Get(scalarKey(key)) != nil || b.Get(listKey(key)) != nil {
			found = true
			return nil
		}
		k, _ := b.Cursor().Seek(prefix)
		found = k != nil && bytes.HasPrefix(k, prefix)
		return nil
	})
	return found, err
}

func (s *BoltStore) Del(_ context.Context, keys ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for _, key := range keys {
			if err := b.Delete(scalarKey(key)); err != nil {
				return err
			}
			if err := b.Delete(listKey(key)); err != nil {
				return err
			}
			prefix := hashScan(key)
			c := b.Cursor()
			var doomed [][]byte
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			for _, k := range doomed {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) Ping(_ context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(s.bucket) == nil {
			return fmt.Errorf("bucket %s missing", s.bucket)
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
