package store

import (
	"encoding/binary"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltOptions configures OpenBolt.
type BoltOptions struct {
	// Bucket is the name of the Bolt bucket to use.
	Bucket string
	// Timeout bounds how long OpenBolt waits for the file lock.
	Timeout time.Duration
	// NoSync skips fsync after each commit.
	NoSync bool
}

// Bolt is a persistent Adapter backed by a single bbolt bucket.
// Values are stored as 8 bytes big-endian expireAt (unix ms, 0 for none)
// followed by the raw value.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
	mu     sync.RWMutex
	closed bool
}

// OpenBolt initializes or opens a Bolt store at the given path.
func OpenBolt(path string, opts BoltOptions) (*Bolt, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, err
	}
	bucket := []byte("rtexp")
	if opts.Bucket != "" {
		bucket = []byte(opts.Bucket)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db, bucket: bucket}, nil
}

// Close closes the underlying database. Later calls fail with ErrClosed.
func (s *Bolt) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func encodeValue(expireAt int64, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(expireAt))
	copy(buf[8:], value)
	return buf
}

// decodeValue splits a stored record; live is false once the native TTL passed.
func decodeValue(raw []byte, nowMs int64) (expireAt int64, value []byte, live bool) {
	if len(raw) < 8 {
		return 0, nil, false
	}
	expireAt = int64(binary.BigEndian.Uint64(raw[:8]))
	if expireAt > 0 && nowMs >= expireAt {
		return expireAt, nil, false
	}
	return expireAt, raw[8:], true
}

func (s *Bolt) update(fn func(b *bolt.Bucket) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(s.bucket))
	})
}

func (s *Bolt) view(fn func(b *bolt.Bucket) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(s.bucket))
	})
}

// Set stores value under key and clears any native expiration.
func (s *Bolt) Set(key string, value []byte) error {
	return s.update(func(b *bolt.Bucket) error {
		return b.Put([]byte(key), encodeValue(0, value))
	})
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Bolt) Get(key string) ([]byte, error) {
	var out []byte
	var found bool
	err := s.view(func(b *bolt.Bucket) error {
		_, v, live := decodeValue(b.Get([]byte(key)), time.Now().UnixMilli())
		if live {
			found = true
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return out, nil
}

// Delete removes key. Returns true if a live key existed.
func (s *Bolt) Delete(key string) (bool, error) {
	var existed bool
	err := s.update(func(b *bolt.Bucket) error {
		var err error
		existed, err = boltTxn{b: b, now: time.Now().UnixMilli()}.del(key)
		return err
	})
	return existed, err
}

// DeleteMany removes every key in keys in one transaction.
func (s *Bolt) DeleteMany(keys []string) error {
	return s.update(func(b *bolt.Bucket) error {
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExpireAt sets the native expiration of key to the absolute time ms.
func (s *Bolt) ExpireAt(key string, ms int64) (bool, error) {
	var ok bool
	err := s.update(func(b *bolt.Bucket) error {
		_, v, live := decodeValue(b.Get([]byte(key)), time.Now().UnixMilli())
		if !live {
			return nil
		}
		ok = true
		return b.Put([]byte(key), encodeValue(ms, v))
	})
	return ok, err
}

// Persist clears the native expiration of key.
func (s *Bolt) Persist(key string) (bool, error) {
	var ok bool
	err := s.update(func(b *bolt.Bucket) error {
		expireAt, v, live := decodeValue(b.Get([]byte(key)), time.Now().UnixMilli())
		if !live || expireAt == 0 {
			return nil
		}
		ok = true
		return b.Put([]byte(key), encodeValue(0, v))
	})
	return ok, err
}

// Keys returns all live keys in byte order.
func (s *Bolt) Keys() ([]string, error) {
	var keys []string
	now := time.Now().UnixMilli()
	err := s.view(func(b *bolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			if _, _, live := decodeValue(v, now); live {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	return keys, err
}

// Execute runs a string command inside one read-write transaction, so a
// failing command leaves the bucket untouched.
func (s *Bolt) Execute(name string, args ...[]byte) (Reply, error) {
	var reply Reply
	err := s.update(func(b *bolt.Bucket) error {
		var err error
		reply, err = execute(boltTxn{b: b, now: time.Now().UnixMilli()}, name, args)
		return err
	})
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}

type boltTxn struct {
	b   *bolt.Bucket
	now int64
}

func (t boltTxn) get(key string) ([]byte, bool, error) {
	_, v, live := decodeValue(t.b.Get([]byte(key)), t.now)
	if !live {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (t boltTxn) put(key string, value []byte, keepTTL bool) error {
	var expireAt int64
	if keepTTL {
		if e, _, live := decodeValue(t.b.Get([]byte(key)), t.now); live {
			expireAt = e
		}
	}
	return t.b.Put([]byte(key), encodeValue(expireAt, value))
}

func (t boltTxn) del(key string) (bool, error) {
	_, _, live := decodeValue(t.b.Get([]byte(key)), t.now)
	if err := t.b.Delete([]byte(key)); err != nil {
		return false, err
	}
	return live, nil
}
