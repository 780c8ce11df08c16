package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regtrace/regtrace/pkg/contracts"
)

// Driver-level failures must surface to callers, not be swallowed into
// empty results.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS companies").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(db)
	require.NoError(t, err)
	return s, mock
}

func TestGetCompanyPropagatesDriverError(t *testing.T) {
	s, mock := newMockStore(t)

	boom := errors.New("disk I/O error")
	mock.ExpectQuery("SELECT id, tenant_id, name").WillReturnError(boom)

	_, err := s.GetCompany(context.Background(), "t1", "c1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutChunksRollsBackOnInsertError(t *testing.T) {
	s, mock := newMockStore(t)

	boom := errors.New("constraint failed")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chunks").WillReturnError(boom)
	mock.ExpectRollback()

	err := s.PutChunks(context.Background(), []contracts.Chunk{{ChunkID: "k1"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRunEventRollsBackOnSeqError(t *testing.T) {
	s, mock := newMockStore(t)

	boom := errors.New("database is locked")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COALESCE").WillReturnError(boom)
	mock.ExpectRollback()

	err := s.AppendRunEvent(context.Background(), "r1", "run_started", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
