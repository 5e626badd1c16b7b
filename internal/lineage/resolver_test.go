package lineage_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"brainlytree-engine/internal/lineage"
	"brainlytree-engine/internal/models"
	"brainlytree-engine/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupResolver(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *lineage.Resolver) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := repository.NewDeviceRepository(db, zap.NewNop())
	return db, mock, lineage.NewResolver(repo, zap.NewNop())
}

func TestResolver_MappedDevice(t *testing.T) {
	db, mock, resolver := setupResolver(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"device_id", "site_id", "program_id", "tenant_id", "site_name", "time_zone"}).
		AddRow("dev-1", "site-1", "prog-1", "tenant-1", "North Orchard", "America/Denver")

	mock.ExpectQuery(`SELECT`).WithArgs("a4cf12ab34cd").WillReturnRows(rows)

	l, err := resolver.Resolve(context.Background(), "a4cf12ab34cd")

	require.NoError(t, err)
	require.Equal(t, "dev-1", l.DeviceID)
	require.Equal(t, "tenant-1", l.TenantID)
	require.Equal(t, "America/Denver", l.TimeZone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolver_UnmappedDevice(t *testing.T) {
	db, mock, resolver := setupResolver(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).WithArgs("ffffffffffff").WillReturnError(sql.ErrNoRows)

	_, err := resolver.Resolve(context.Background(), "ffffffffffff")

	require.ErrorIs(t, err, models.ErrLineageUnresolved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolver_StorageFailure(t *testing.T) {
	db, mock, resolver := setupResolver(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).WithArgs("a4cf12ab34cd").WillReturnError(errors.New("connection refused"))

	_, err := resolver.Resolve(context.Background(), "a4cf12ab34cd")

	require.ErrorIs(t, err, models.ErrStorageUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}
