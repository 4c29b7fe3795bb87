// Package cachestore implements a disk-backed key/value cache on top of
// a single SQLite table, with per-entry expiry and a size-budget GC.
package cachestore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

const (
	defaultFile  = "cachedb.sqlite"
	defaultTable = "kb"

	keyColumn       = "k"
	timestampColumn = "t"
	blobColumn      = "b"

	pageSize = 4096
)

type StoreOpts struct {
	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger

	// File is the SQLite database path. Default is "cachedb.sqlite".
	File string

	// Table is the cache table name. Default is "kb".
	Table string

	// ThresholdSize is the database file size in bytes past which GC
	// starts removing the oldest entries. Zero disables the shrink.
	ThresholdSize int64

	// GCInterval is the period of the background GC. Zero disables it,
	// GC can still be called manually.
	GCInterval time.Duration
}

func (opts *StoreOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if len(opts.File) == 0 {
		opts.File = defaultFile
	}
	if len(opts.Table) == 0 {
		opts.Table = defaultTable
	}
}

// Store is a cache persisted in one SQLite table
// (k TEXT PRIMARY KEY, t INTEGER, b BLOB) where t is the absolute
// expiry in unix milliseconds. All operations log backing-store errors
// together with the offending statement and surface them as sentinel
// values (nil, false or -1), never as panics.
type Store struct {
	opts StoreOpts
	db   *sql.DB

	selectSQL          string
	existsSQL          string
	insertSQL          string
	deleteSQL          string
	deleteAllSQL       string
	deleteOlderThanSQL string
	deleteOlderSQL     string
	countSQL           string

	closeOnce sync.Once
	closeCh   chan struct{}
	gcWG      sync.WaitGroup
}

// New wires a Store onto an existing database handle. The cache table
// must already exist. Most callers want Open instead.
func New(db *sql.DB, opts StoreOpts) *Store {
	opts.init()
	t := opts.Table
	return &Store{
		opts:               opts,
		db:                 db,
		selectSQL:          fmt.Sprintf("select %s,%s from %s where %s=?", timestampColumn, blobColumn, t, keyColumn),
		existsSQL:          fmt.Sprintf("select exists(select 1 from %s where %s=? limit 1)", t, keyColumn),
		insertSQL:          fmt.Sprintf("insert into %s (%s,%s,%s) values (?,?,?)", t, keyColumn, timestampColumn, blobColumn),
		deleteSQL:          fmt.Sprintf("delete from %s where %s=?", t, keyColumn),
		deleteAllSQL:       fmt.Sprintf("delete from %s", t),
		deleteOlderThanSQL: fmt.Sprintf("delete from %s where %s<?", t, timestampColumn),
		deleteOlderSQL:     fmt.Sprintf("delete from %s where ROWID in (select ROWID from %s order by %s asc limit ?)", t, t, timestampColumn),
		countSQL:           fmt.Sprintf("select count(1) from %s", t),
		closeCh:            make(chan struct{}),
	}
}

// Open opens (or creates) the SQLite database file, prepares the cache
// table and starts the background GC if configured.
func Open(opts StoreOpts) (*Store, error) {
	opts.init()

	dsn := opts.File + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	// Single writer, the store owns its dedicated connection.
	db.SetMaxOpenConns(1)

	s := New(db, opts)
	if err := s.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if opts.GCInterval > 0 {
		s.gcWG.Add(1)
		go s.gcLoop(opts.GCInterval)
	}
	return s, nil
}

func (s *Store) createTable() error {
	if _, err := s.db.Exec(fmt.Sprintf("pragma page_size=%d", pageSize)); err != nil {
		return fmt.Errorf("set page size: %w", err)
	}
	ddl := fmt.Sprintf("create table if not exists %s (%s text primary key, %s integer, %s blob)",
		s.opts.Table, keyColumn, timestampColumn, blobColumn)
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("create cache table: %w", err)
	}
	return nil
}

// exec runs a statement and returns the number of affected rows,
// -1 on failure.
func (s *Store) exec(query string, args ...any) int {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		s.opts.Logger.Error("sqlite error", zap.String("query", query), zap.Error(err))
		return -1
	}
	n, err := res.RowsAffected()
	if err != nil {
		s.opts.Logger.Error("sqlite error", zap.String("query", query), zap.Error(err))
		return -1
	}
	return int(n)
}

// Get returns the value stored under key, nil if the key is empty,
// absent or expired. An expired entry is removed as a side effect.
func (s *Store) Get(key string) []byte {
	if len(key) == 0 {
		return nil
	}

	var timestamp int64
	var blob []byte
	err := s.db.QueryRow(s.selectSQL, key).Scan(&timestamp, &blob)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.opts.Logger.Error("sqlite error", zap.String("query", s.selectSQL), zap.Error(err))
		}
		return nil
	}

	if timestamp < time.Now().UnixMilli() {
		s.Remove(key)
		return nil
	}
	return blob
}

// Set stores value under key with the given time to live. An existing
// entry is always removed first, there is never more than one live row
// per key. Returns false if key is empty, ttl is not positive or the
// write failed.
func (s *Store) Set(key string, value []byte, ttl time.Duration) bool {
	if len(key) == 0 || ttl <= 0 {
		return false
	}

	s.Remove(key)
	expire := time.Now().UnixMilli() + ttl.Milliseconds()
	return s.exec(s.insertSQL, key, expire, value) >= 0
}

// Exists reports whether a row for key is present, expired or not.
func (s *Store) Exists(key string) bool {
	if len(key) == 0 {
		return false
	}

	exist := 0
	if err := s.db.QueryRow(s.existsSQL, key).Scan(&exist); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.opts.Logger.Error("sqlite error", zap.String("query", s.existsSQL), zap.Error(err))
		}
		return false
	}
	return exist > 0
}

// Remove deletes the entry for key.
func (s *Store) Remove(key string) bool {
	if len(key) == 0 {
		return false
	}
	return s.exec(s.deleteSQL, key) >= 0
}

// RemoveAll deletes every entry and returns the number of rows removed,
// -1 on failure.
func (s *Store) RemoveAll() int {
	return s.exec(s.deleteAllSQL)
}

// RemoveOlderThan deletes the entries whose expiry timestamp is
// strictly older than timestamp (unix milliseconds) and returns the
// number of rows removed, -1 on failure.
func (s *Store) RemoveOlderThan(timestamp int64) int {
	return s.exec(s.deleteOlderThanSQL, timestamp)
}

// RemoveOlder deletes the num entries with the oldest expiry timestamps
// and returns the number of rows removed, -1 on failure or if num < 1.
func (s *Store) RemoveOlder(num int) int {
	if num < 1 {
		return -1
	}
	return s.exec(s.deleteOlderSQL, num)
}

// Count returns the number of rows, -1 on failure.
func (s *Store) Count() int {
	cnt := -1
	if err := s.db.QueryRow(s.countSQL).Scan(&cnt); err != nil {
		s.opts.Logger.Error("sqlite error", zap.String("query", s.countSQL), zap.Error(err))
		return -1
	}
	return cnt
}

// DBSize returns the database size in bytes, -1 on failure.
func (s *Store) DBSize() int64 {
	var size, count int64
	if err := s.db.QueryRow("pragma page_size").Scan(&size); err != nil {
		s.opts.Logger.Error("sqlite error", zap.String("query", "pragma page_size"), zap.Error(err))
		return -1
	}
	if err := s.db.QueryRow("pragma page_count").Scan(&count); err != nil {
		s.opts.Logger.Error("sqlite error", zap.String("query", "pragma page_count"), zap.Error(err))
		return -1
	}
	return size * count
}

// Vacuum reclaims free pages.
func (s *Store) Vacuum() bool {
	if _, err := s.db.Exec("vacuum"); err != nil {
		s.opts.Logger.Error("sqlite error", zap.String("query", "vacuum"), zap.Error(err))
		return false
	}
	return true
}

// Clear removes all entries and reclaims the space.
func (s *Store) Clear() {
	s.RemoveAll()
	s.Vacuum()
}

// GC removes the entries expired as of now and reclaims the space.
// If a size threshold is configured and the database still exceeds it,
// up to 3 shrink passes each remove the oldest 30% of the remaining
// rows, stopping early once the size drops below 80% of the threshold.
// Best effort, the size may still exceed the threshold afterwards.
func (s *Store) GC() {
	removed := s.RemoveOlderThan(time.Now().UnixMilli())
	s.opts.Logger.Debug("cache gc", zap.Int("expired", removed))
	s.Vacuum()

	if s.opts.ThresholdSize > 0 && s.DBSize() > s.opts.ThresholdSize {
		for i := 0; i < 3; i++ {
			num := int(float64(s.Count()) * 0.3)
			if num < 1 {
				break
			}
			if n := s.RemoveOlder(num); n > 0 {
				removed += n
			}
			s.Vacuum()
			if s.DBSize() < s.opts.ThresholdSize*8/10 {
				break
			}
		}
		s.opts.Logger.Debug("cache gc shrink", zap.Int("removed", removed))
	}
}

func (s *Store) gcLoop(interval time.Duration) {
	defer s.gcWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.GC()
		}
	}
}

// Close stops the background GC and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.gcWG.Wait()
		err = s.db.Close()
	})
	return err
}
