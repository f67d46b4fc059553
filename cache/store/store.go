package store

import (
	"encoding/json"
	"sync"

	"github.com/google/btree"
)

// Entry is one key and its opaque JSON payload.
type Entry struct {
	Key   string
	Value json.RawMessage
}

func (e Entry) Less(than btree.Item) bool {
	return e.Key < than.(Entry).Key
}

// Store is the local in-memory key-value store. Entries are ordered by key,
// which makes key listing deterministic. Entries live until deleted or the
// process exits; there is no durability and no eviction.
type Store struct {
	mtx  sync.RWMutex
	tree *btree.BTree
}

func New() *Store {
	return &Store{
		tree: btree.New(2),
	}
}

func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	item := s.tree.Get(Entry{Key: key})
	if item == nil {
		return nil, false
	}
	return item.(Entry).Value, true
}

func (s *Store) Put(key string, value json.RawMessage) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.tree.ReplaceOrInsert(Entry{Key: key, Value: value})
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.tree.Delete(Entry{Key: key}) != nil
}

func (s *Store) Keys() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	keys := make([]string, 0, s.tree.Len())
	s.tree.Ascend(func(item btree.Item) bool {
		keys = append(keys, item.(Entry).Key)
		return true
	})
	return keys
}

// Entries returns a copy of the current content, ordered by key.
func (s *Store) Entries() []Entry {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	entries := make([]Entry, 0, s.tree.Len())
	s.tree.Ascend(func(item btree.Item) bool {
		entries = append(entries, item.(Entry))
		return true
	})
	return entries
}

func (s *Store) Size() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.tree.Len()
}
