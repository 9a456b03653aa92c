package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"goods-dynamics/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerCache is the BadgerDB implementation of the CacheStore.
type badgerCache struct {
	db *badger.DB
}

// Option changes how the badger database is opened.
type Option func(*badger.Options)

// WithInMemory keeps the cache in memory only; nothing is written to disk.
func WithInMemory(inMemory bool) Option {
	return func(o *badger.Options) {
		if inMemory {
			o.Dir, o.ValueDir = "", ""
		}
		o.InMemory = inMemory
	}
}

// NewBadgerCache creates and returns a new cache instance connected to a BadgerDB database.
func NewBadgerCache(dbPath string, opts ...Option) (CacheStore, error) {
	options := badger.DefaultOptions(dbPath)
	// For this use case, we can disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	options.Logger = nil
	for _, opt := range opts {
		opt(&options)
	}

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache at %q: %w", dbPath, err)
	}
	return &badgerCache{db: db}, nil
}

// Put marshals v into JSON and saves it under the key.
func (c *badgerCache) Put(key Key, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCacheWrite, key, err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key.String()), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCacheWrite, key, err)
	}
	return nil
}

// Get loads the entry from storage.
// If the key is not found, it returns (false, nil) to indicate no entry is present.
func (c *badgerCache) Get(key Key, v interface{}) (bool, error) {
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key.String()))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("cache value is empty in database")
			}
			return json.Unmarshal(val, v)
		})
	})

	// After the transaction, check for the specific "key not found" error.
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache %s: %w", key, err)
	}
	return true, nil
}

// Clear drops the date prefix of one table.
func (c *badgerCache) Clear(table string, date time.Time) error {
	if err := c.db.DropPrefix([]byte(datePrefix(table, date))); err != nil {
		return fmt.Errorf("failed to clear cache of %s on %s: %w", table, models.FormatDate(date), err)
	}
	return nil
}

// ClearAll drops every key.
func (c *badgerCache) ClearAll() error {
	if err := c.db.DropAll(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func (c *badgerCache) Keys(table string) ([]string, error) {
	prefix := []byte(tablePrefix(table))
	var keys []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close gracefully closes the connection to the database.
func (c *badgerCache) Close() error {
	return c.db.Close()
}
