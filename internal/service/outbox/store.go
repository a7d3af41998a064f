package outbox

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/ngoclp2000/VIChat/internal/model"
	"github.com/ngoclp2000/VIChat/internal/utils/log"
)

type (
	// Entry is one queued send. It stays in the store until the message has
	// been handed to an open transport; see Outbox.Flush for the at-least-once
	// caveat.
	Entry struct {
		ID        string        `json:"id"`
		CreatedAt time.Time     `json:"createdAt"`
		Message   model.Message `json:"message"`
	}

	// Store is the durable FIFO. Take peeks without removing; deletion is a
	// separate explicit step so an entry can't be lost in a crash window
	// between hand-off and confirmation.
	Store interface {
		Put(e Entry) error
		Take(limit int) ([]Entry, error)
		Delete(ids []string) error
		Close() error
	}

	badgerStore struct {
		db *badger.DB
	}

	memoryStore struct {
		mu      sync.Mutex
		entries []Entry
	}
)

const keyPrefix = "outbox:"

// Open returns a Badger-backed store at dir. When the directory can't be
// opened (permissions, browser-like sandbox) it falls back to memory only:
// queued sends then do NOT survive a process restart.
func Open(dir string) Store {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		log.Warn("outbox: persistent store unavailable, falling back to memory; queued sends will not survive restarts",
			zap.String("dir", dir), zap.Error(err))
		return NewMemory()
	}
	return &badgerStore{db: db}
}

// OpenInMemory runs Badger without a directory, for tests.
func OpenInMemory() (Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

func NewMemory() Store {
	return &memoryStore{}
}

// entryKey keeps Badger's key order equal to FIFO order: creation time first,
// id as tie-breaker.
func entryKey(e Entry) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", keyPrefix, e.CreatedAt.UnixNano(), e.ID))
}

func (s *badgerStore) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("outbox put: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e), data)
	})
}

func (s *badgerStore) Take(limit int) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("outbox take: %w", err)
	}
	return out, nil
}

func (s *badgerStore) Delete(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		prefix := []byte(keyPrefix)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, ok := want[entryIDFromKey(key)]; ok {
				keys = append(keys, key)
			}
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) Close() error { return s.db.Close() }

func entryIDFromKey(key []byte) string {
	k := string(key)
	// outbox:<nanos>:<id>
	for i := len(keyPrefix); i < len(k); i++ {
		if k[i] == ':' {
			return k[i+1:]
		}
	}
	return ""
}

func (s *memoryStore) Put(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].CreatedAt.Before(s.entries[j].CreatedAt)
	})
	return nil
}

func (s *memoryStore) Take(limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := limit
	if n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Entry, n)
	copy(out, s.entries[:n])
	return out, nil
}

func (s *memoryStore) Delete(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if _, ok := want[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

func (s *memoryStore) Close() error { return nil }
