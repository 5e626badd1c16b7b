package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"brainlytree-engine/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockTransfersDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *ImageTransferRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewImageTransferRepository(db, zap.NewNop())
	return db, mock, repo
}

func transferRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"transfer_id", "device_id", "image_name", "image_size", "total_chunks", "max_chunk_size",
		"received_count", "status", "blob_ref", "score", "duplicate_meta_count", "created_at", "updated_at",
	})
}

func TestGetByName_Success(t *testing.T) {
	db, mock, repo := setupMockTransfersDB(t)
	defer db.Close()

	createdAt := time.Now()
	rows := transferRows().AddRow(
		"tr-1", "dev-1", "pic_0001.jpg", 30720, 30, 1024,
		12, models.TransferReceiving, nil, nil, 0, createdAt, createdAt,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs("dev-1", "pic_0001.jpg").
		WillReturnRows(rows)

	transfer, err := repo.GetByName(context.Background(), "dev-1", "pic_0001.jpg")

	require.NoError(t, err)
	assert.Equal(t, "tr-1", transfer.TransferID)
	assert.Equal(t, 30, transfer.TotalChunks)
	assert.Equal(t, 12, transfer.ReceivedCount)
	assert.Equal(t, models.TransferReceiving, transfer.Status)
	assert.Nil(t, transfer.BlobRef)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByName_NotFound(t *testing.T) {
	db, mock, repo := setupMockTransfersDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("dev-1", "pic_missing.jpg").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByName(context.Background(), "dev-1", "pic_missing.jpg")

	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIfAbsent_InsertsWithDeclaredValues(t *testing.T) {
	db, mock, repo := setupMockTransfersDB(t)
	defer db.Close()

	createdAt := time.Now()
	rows := transferRows().AddRow(
		"tr-1", "dev-1", "pic_0001.jpg", 30720, 30, 1024,
		0, models.TransferPending, nil, nil, 0, createdAt, createdAt,
	)

	mock.ExpectQuery(`INSERT INTO image_transfers`).
		WithArgs(sqlmock.AnyArg(), "dev-1", "pic_0001.jpg", 30720, 30, 1024, models.TransferPending).
		WillReturnRows(rows)

	transfer, err := repo.CreateIfAbsent(context.Background(), "dev-1", "pic_0001.jpg", 30720, 30, 1024)

	require.NoError(t, err)
	assert.Equal(t, models.TransferPending, transfer.Status)
	assert.Equal(t, 0, transfer.ReceivedCount)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertChunk_NewChunk(t *testing.T) {
	db, mock, repo := setupMockTransfersDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO image_chunks`).
		WithArgs("dev-1", "pic_0001.jpg", 3, []byte("abc")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := repo.InsertChunk(context.Background(), "dev-1", "pic_0001.jpg", 3, []byte("abc"))

	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertChunk_DuplicateSameBytes(t *testing.T) {
	db, mock, repo := setupMockTransfersDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO image_chunks`).
		WithArgs("dev-1", "pic_0001.jpg", 3, []byte("abc")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT payload FROM image_chunks`).
		WithArgs("dev-1", "pic_0001.jpg", 3).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte("abc")))

	inserted, err := repo.InsertChunk(context.Background(), "dev-1", "pic_0001.jpg", 3, []byte("abc"))

	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertChunk_DuplicateDifferentBytesIsError(t *testing.T) {
	db, mock, repo := setupMockTransfersDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO image_chunks`).
		WithArgs("dev-1", "pic_0001.jpg", 3, []byte("abc")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT payload FROM image_chunks`).
		WithArgs("dev-1", "pic_0001.jpg", 3).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte("xyz")))

	_, err := repo.InsertChunk(context.Background(), "dev-1", "pic_0001.jpg", 3, []byte("abc"))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "different bytes")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkComplete_FirstCallWins(t *testing.T) {
	db, mock, repo := setupMockTransfersDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE image_transfers`).
		WithArgs("dev-1", "pic_0001.jpg", models.TransferComplete, "de/pic_0001.jpg").
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := repo.MarkComplete(context.Background(), "dev-1", "pic_0001.jpg", "de/pic_0001.jpg")

	require.NoError(t, err)
	assert.True(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkComplete_AlreadyComplete(t *testing.T) {
	db, mock, repo := setupMockTransfersDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE image_transfers`).
		WithArgs("dev-1", "pic_0001.jpg", models.TransferComplete, "de/pic_0001.jpg").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := repo.MarkComplete(context.Background(), "dev-1", "pic_0001.jpg", "de/pic_0001.jpg")

	require.NoError(t, err)
	assert.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementDuplicateMeta_ReturnsNewCount(t *testing.T) {
	db, mock, repo := setupMockTransfersDB(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE image_transfers`).
		WithArgs("dev-1", "pic_0001.jpg").
		WillReturnRows(sqlmock.NewRows([]string{"duplicate_meta_count"}).AddRow(3))

	count, err := repo.IncrementDuplicateMeta(context.Background(), "dev-1", "pic_0001.jpg")

	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleReceiving_ScansAllRows(t *testing.T) {
	db, mock, repo := setupMockTransfersDB(t)
	defer db.Close()

	cutoff := time.Now().Add(-90 * time.Second)
	createdAt := time.Now().Add(-10 * time.Minute)
	rows := transferRows().
		AddRow("tr-1", "dev-1", "pic_0001.jpg", 30720, 30, 1024, 28, models.TransferReceiving, nil, nil, 0, createdAt, createdAt).
		AddRow("tr-2", "dev-2", "pic_0002.jpg", 10240, 10, 1024, 0, models.TransferPending, nil, nil, 0, createdAt, createdAt)

	mock.ExpectQuery(`SELECT`).
		WithArgs(models.TransferPending, models.TransferReceiving, cutoff).
		WillReturnRows(rows)

	transfers, err := repo.ListStaleReceiving(context.Background(), cutoff)

	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Equal(t, "dev-1", transfers[0].DeviceID)
	assert.Equal(t, "dev-2", transfers[1].DeviceID)
	require.NoError(t, mock.ExpectationsWereMet())
}
