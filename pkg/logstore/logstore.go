// Package logstore is a durable sink for the structured log stream. It
// appends each record to BadgerDB keyed by timestamp, enforces a retention
// TTL, and serves recent records back over HTTP for debugging.
//
// The store only appends; records are never updated or deleted except by
// retention expiry.
package logstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/cespare/xxhash/v2"

	"github.com/calvora/tripscope/pkg/httpx"
)

const (
	gcInterval     = 10 * time.Minute
	gcDiscardRatio = 0.5

	defaultQueryWindow = 15 * time.Minute
	defaultQueryLimit  = 100
	maxQueryLimit      = 1000
)

// Config holds store settings.
type Config struct {
	Path string
	// Retention is how long records are kept before Badger expires them.
	Retention time.Duration
}

// Store is a BadgerDB-backed append-only log sink. It implements io.Writer
// so it can be wired directly into the logger's sink fan-out; each Write
// call carries exactly one JSON record.
type Store struct {
	db        *badger.DB
	retention time.Duration
}

// Open opens (or creates) the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Store{db: db, retention: cfg.Retention}, nil
}

// Write appends one log record. The record bytes are copied because the
// logger reuses its buffers after Write returns.
func (s *Store) Write(p []byte) (int, error) {
	record := append([]byte(nil), p...)
	key := makeKey(time.Now(), record)

	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, record).WithTTL(s.retention)
		return txn.SetEntry(e)
	})
	if err != nil {
		return 0, fmt.Errorf("append log record: %w", err)
	}
	return len(p), nil
}

// Query returns up to limit records written at or after since, oldest
// first.
func (s *Store) Query(since time.Time, limit int) ([]json.RawMessage, error) {
	if limit <= 0 || limit > maxQueryLimit {
		limit = defaultQueryLimit
	}

	var records []json.RawMessage
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		seek := make([]byte, 16)
		binary.BigEndian.PutUint64(seek[0:8], uint64(since.UnixNano()))

		for it.Seek(seek); it.Valid() && len(records) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				records = append(records, json.RawMessage(append([]byte(nil), val...)))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query log records: %w", err)
	}
	return records, nil
}

// Handler serves GET /debug/logs?window=15m&limit=100.
func (s *Store) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window := defaultQueryWindow
		if raw := r.URL.Query().Get("window"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid window %q", raw))
				return
			}
			window = d
		}

		limit := defaultQueryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
				return
			}
			limit = n
		}

		records, err := s.Query(time.Now().Add(-window), limit)
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
			"count":   len(records),
			"records": records,
		})
	}
}

// RunGC reclaims value log space periodically until ctx is cancelled.
// Badger accumulates expired records in its value log; without GC the
// store grows without bound.
func (s *Store) RunGC(ctx context.Context) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Returns an error when there was nothing to rewrite; that
			// is the common case and not a failure.
			_ = s.db.RunValueLogGC(gcDiscardRatio)
		}
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// makeKey builds a sortable key: [timestamp (8 bytes)][record hash (8 bytes)].
// The hash suffix keeps records written in the same nanosecond from
// overwriting each other while preserving time ordering.
func makeKey(ts time.Time, record []byte) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[8:16], xxhash.Sum64(record))
	return key
}
