package lock

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleStore keeps locks in an embedded Pebble database. It serves a
// single-node deployment; the mutex makes check-then-set atomic within
// the process.
type PebbleStore struct {
	mu  sync.Mutex
	db  *pebble.DB
	now func() time.Time
}

func OpenPebbleStore(dir string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// record encoding: [expiresAtMs:8][token]
func encodeRecord(token string, expiresAt time.Time) []byte {
	buf := make([]byte, 8+len(token))
	binary.BigEndian.PutUint64(buf[:8], uint64(expiresAt.UnixMilli()))
	copy(buf[8:], token)
	return buf
}

func decodeRecord(b []byte) (string, time.Time, error) {
	if len(b) < 8 {
		return "", time.Time{}, errors.New("invalid lock record length")
	}
	expiresAt := time.UnixMilli(int64(binary.BigEndian.Uint64(b[:8])))
	return string(b[8:]), expiresAt, nil
}

// current returns the live holder of key, treating expired records as absent.
func (s *PebbleStore) current(key string) (string, bool, error) {
	value, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer closer.Close()

	token, expiresAt, err := decodeRecord(value)
	if err != nil {
		return "", false, err
	}
	if !s.now().Before(expiresAt) {
		return "", false, nil
	}
	return token, true, nil
}

func (s *PebbleStore) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held, err := s.current(key); err != nil || held {
		return "", false, err
	}

	token := newToken()
	if err := s.db.Set([]byte(key), encodeRecord(token, s.now().Add(ttl)), pebble.NoSync); err != nil {
		return "", false, err
	}
	return token, true, nil
}

func (s *PebbleStore) Release(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	holder, held, err := s.current(key)
	if err != nil || !held || holder != token {
		return false, err
	}
	if err := s.db.Delete([]byte(key), pebble.NoSync); err != nil {
		return false, err
	}
	return true, nil
}
