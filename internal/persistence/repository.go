package persistence

import (
	"crypto/sha256"
	"errors"
	"strings"
	"time"

	"goods-dynamics/internal/models"

	"github.com/jxskiss/base62"
)

// ErrCacheWrite wraps every failure to persist a cache entry.
// Callers treat it as a warning: the classification result is still valid.
var ErrCacheWrite = errors.New("cache write failed")

const keyRoot = "dyn"

// Key identifies one cached analysis: site table, target date and the
// options that change the result (currently the buyers filter bounds).
type Key struct {
	Table   string
	Date    time.Time
	Options string
}

// String returns dyn/<table>/<date>/<hash>. The options are hashed so the
// key length does not depend on them.
func (k Key) String() string {
	sum := sha256.Sum256([]byte(k.Options))
	return datePrefix(k.Table, k.Date) + base62.EncodeToString(sum[:16])
}

func tablePrefix(table string) string {
	return keyRoot + "/" + table + "/"
}

func datePrefix(table string, date time.Time) string {
	return tablePrefix(table) + models.FormatDate(date) + "/"
}

// ParseKeyDate extracts the date part of a raw key.
func ParseKeyDate(raw string) (time.Time, bool) {
	parts := strings.Split(raw, "/")
	if len(parts) != 4 || parts[0] != keyRoot {
		return time.Time{}, false
	}
	d, err := models.ParseDate(parts[2])
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// CacheStore defines the interface for analysis result caching.
// It abstracts the underlying storage mechanism (e.g., BadgerDB on disk or in memory)
// from the rest of the application.
type CacheStore interface {
	// Get decodes the entry under key into v. It returns false when the key is absent.
	Get(key Key, v interface{}) (bool, error)

	// Put stores v under key, replacing any previous entry. Errors wrap ErrCacheWrite.
	Put(key Key, v interface{}) error

	// Clear drops every entry of one table and date.
	Clear(table string, date time.Time) error

	// ClearAll drops every entry.
	ClearAll() error

	// Keys lists the raw keys stored for a table, sorted.
	Keys(table string) ([]string, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
