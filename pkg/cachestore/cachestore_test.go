package cachestore

import (
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestStore(t *testing.T, opts StoreOpts) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, opts), mock
}

func TestSet(t *testing.T) {
	s, mock := newTestStore(t, StoreOpts{})

	t.Run("rejects empty key and non-positive ttl", func(t *testing.T) {
		assert.False(t, s.Set("", []byte("v"), time.Second))
		assert.False(t, s.Set("k", []byte("v"), 0))
		assert.False(t, s.Set("k", []byte("v"), -time.Second))
	})

	t.Run("removes before insert", func(t *testing.T) {
		mock.ExpectExec("delete from kb where k=?").
			WithArgs("k").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("insert into kb (k,t,b) values (?,?,?)").
			WithArgs("k", sqlmock.AnyArg(), []byte("v")).
			WillReturnResult(sqlmock.NewResult(1, 1))

		assert.True(t, s.Set("k", []byte("v"), time.Minute))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGet(t *testing.T) {
	s, mock := newTestStore(t, StoreOpts{})

	t.Run("empty key", func(t *testing.T) {
		assert.Nil(t, s.Get(""))
	})

	t.Run("hit", func(t *testing.T) {
		future := time.Now().Add(time.Minute).UnixMilli()
		mock.ExpectQuery("select t,b from kb where k=?").
			WithArgs("k").
			WillReturnRows(sqlmock.NewRows([]string{"t", "b"}).AddRow(future, []byte("v")))

		assert.Equal(t, []byte("v"), s.Get("k"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("absent", func(t *testing.T) {
		mock.ExpectQuery("select t,b from kb where k=?").
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"t", "b"}))

		assert.Nil(t, s.Get("nope"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lazy expiry removes the entry", func(t *testing.T) {
		past := time.Now().Add(-time.Minute).UnixMilli()
		mock.ExpectQuery("select t,b from kb where k=?").
			WithArgs("old").
			WillReturnRows(sqlmock.NewRows([]string{"t", "b"}).AddRow(past, []byte("v")))
		mock.ExpectExec("delete from kb where k=?").
			WithArgs("old").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.Nil(t, s.Get("old"))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRemoveOlderThan(t *testing.T) {
	s, mock := newTestStore(t, StoreOpts{})

	mock.ExpectExec("delete from kb where t<?").
		WithArgs(int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	assert.Equal(t, 3, s.RemoveOlderThan(1000))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveOlder(t *testing.T) {
	s, mock := newTestStore(t, StoreOpts{})

	assert.Equal(t, -1, s.RemoveOlder(0))

	mock.ExpectExec("delete from kb where ROWID in (select ROWID from kb order by t asc limit ?)").
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 2))

	assert.Equal(t, 2, s.RemoveOlder(2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	s, mock := newTestStore(t, StoreOpts{})

	mock.ExpectQuery("select count(1) from kb").
		WillReturnRows(sqlmock.NewRows([]string{"count(1)"}).AddRow(7))
	assert.Equal(t, 7, s.Count())

	mock.ExpectQuery("select count(1) from kb").
		WillReturnError(errors.New("disk I/O error"))
	assert.Equal(t, -1, s.Count())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBSize(t *testing.T) {
	s, mock := newTestStore(t, StoreOpts{})

	mock.ExpectQuery("pragma page_size").
		WillReturnRows(sqlmock.NewRows([]string{"page_size"}).AddRow(4096))
	mock.ExpectQuery("pragma page_count").
		WillReturnRows(sqlmock.NewRows([]string{"page_count"}).AddRow(3))

	assert.Equal(t, int64(4096*3), s.DBSize())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGC_underThreshold(t *testing.T) {
	// No threshold configured: GC only sweeps expired entries.
	s, mock := newTestStore(t, StoreOpts{})

	mock.ExpectExec("delete from kb where t<?").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec("vacuum").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s.GC()
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGC_overThreshold(t *testing.T) {
	s, mock := newTestStore(t, StoreOpts{ThresholdSize: 1000})

	// Expiry sweep.
	mock.ExpectExec("delete from kb where t<?").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("vacuum").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// 4096 > 1000, shrink pass runs.
	mock.ExpectQuery("pragma page_size").
		WillReturnRows(sqlmock.NewRows([]string{"page_size"}).AddRow(4096))
	mock.ExpectQuery("pragma page_count").
		WillReturnRows(sqlmock.NewRows([]string{"page_count"}).AddRow(1))

	// Pass 1: remove 30% of 10 rows, then the size drops below 800.
	mock.ExpectQuery("select count(1) from kb").
		WillReturnRows(sqlmock.NewRows([]string{"count(1)"}).AddRow(10))
	mock.ExpectExec("delete from kb where ROWID in (select ROWID from kb order by t asc limit ?)").
		WithArgs(3).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("vacuum").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("pragma page_size").
		WillReturnRows(sqlmock.NewRows([]string{"page_size"}).AddRow(256))
	mock.ExpectQuery("pragma page_count").
		WillReturnRows(sqlmock.NewRows([]string{"page_count"}).AddRow(1))

	s.GC()
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGC_shrinkDeleteFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s, mock := newTestStore(t, StoreOpts{Logger: zap.New(core), ThresholdSize: 1000})

	// Expiry sweep removes 5 rows.
	mock.ExpectExec("delete from kb where t<?").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec("vacuum").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// 4096 > 1000, shrink pass runs.
	mock.ExpectQuery("pragma page_size").
		WillReturnRows(sqlmock.NewRows([]string{"page_size"}).AddRow(4096))
	mock.ExpectQuery("pragma page_count").
		WillReturnRows(sqlmock.NewRows([]string{"page_count"}).AddRow(1))

	// The shrink delete fails, then the size drops below 800.
	mock.ExpectQuery("select count(1) from kb").
		WillReturnRows(sqlmock.NewRows([]string{"count(1)"}).AddRow(10))
	mock.ExpectExec("delete from kb where ROWID in (select ROWID from kb order by t asc limit ?)").
		WithArgs(3).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectExec("vacuum").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("pragma page_size").
		WillReturnRows(sqlmock.NewRows([]string{"page_size"}).AddRow(256))
	mock.ExpectQuery("pragma page_count").
		WillReturnRows(sqlmock.NewRows([]string{"page_count"}).AddRow(1))

	s.GC()
	require.NoError(t, mock.ExpectationsWereMet())

	// The failed delete must not skew the removed counter.
	entries := logs.FilterMessage("cache gc shrink").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5), entries[0].ContextMap()["removed"])
}
