// Package kvstore persists small pieces of client state (launched projects,
// the local root override) behind a get/set/subscribe interface.
package kvstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fruitsalade/assetsync/internal/events"
)

// Well-known keys.
const (
	KeyLaunchedProjects   = "launchedProjects"
	KeyLocalRootDirectory = "localRootDirectory"
)

// Store is a JSON key-value store with change notification.
type Store interface {
	// Get decodes the value under key into dst and reports whether it existed.
	Get(key string, dst any) (bool, error)
	// Set stores v under key and notifies subscribers. A nil v deletes key.
	Set(key string, v any) error
	// Subscribe returns raw JSON values written to key after the call.
	// A deletion is delivered as nil.
	Subscribe(key string) (<-chan json.RawMessage, func())
}

type notifier struct {
	mu   sync.Mutex
	subs map[string]*events.Broadcaster[json.RawMessage]
}

func (n *notifier) broadcaster(key string) *events.Broadcaster[json.RawMessage] {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[string]*events.Broadcaster[json.RawMessage])
	}
	b, ok := n.subs[key]
	if !ok {
		b = events.NewBroadcaster[json.RawMessage]()
		n.subs[key] = b
	}
	return b
}

func (n *notifier) Subscribe(key string) (<-chan json.RawMessage, func()) {
	return n.broadcaster(key).Subscribe()
}

func (n *notifier) publish(key string, raw json.RawMessage) {
	n.broadcaster(key).Publish(raw)
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// MemoryStore keeps values in memory.
type MemoryStore struct {
	notifier
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{values: make(map[string]json.RawMessage)}
}

func (s *MemoryStore) Get(key string, dst any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *MemoryStore) Set(key string, v any) error {
	raw, err := encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.mu.Lock()
	if raw == nil {
		delete(s.values, key)
	} else {
		s.values[key] = raw
	}
	s.mu.Unlock()
	s.publish(key, raw)
	return nil
}

var bucketName = []byte("state")

// BoltStore persists values in a bbolt database file.
type BoltStore struct {
	notifier
	db *bolt.DB
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(key string, dst any) (bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *BoltStore) Set(key string, v any) error {
	raw, err := encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if raw == nil {
			return b.Delete([]byte(key))
		}
		return b.Put([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	s.publish(key, raw)
	return nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
