package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"librarydesk/internal/config"
	"librarydesk/internal/models"
)

func openMemory(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(&config.Config{
		DBDriver:     config.DriverSQLite,
		DatabaseURL:  ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	db := openMemory(t)

	for _, table := range []string{"user", "book", "assignment"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
	assert.NoError(t, Ping(context.Background(), db))
	assert.Equal(t, "sqlite3", Dialect(db))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(&config.Config{DBDriver: "oracle"})
	assert.Error(t, err)
}

func TestUniqueUsernameIsDetected(t *testing.T) {
	db := openMemory(t)

	first := &models.User{Username: "alice", Email: "a@example.com", Password: "x", Role: models.UserRoleReader}
	require.NoError(t, db.Create(first).Error)

	dup := &models.User{Username: "alice", Email: "b@example.com", Password: "y", Role: models.UserRoleReader}
	err := db.Create(dup).Error
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey)))
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.True(t, IsUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.False(t, IsUniqueViolation(sqlite3.Error{Code: sqlite3.ErrBusy}))
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, ":memory:", sqliteDSN(":memory:"))
	assert.Equal(t, "file.db?mode=ro", sqliteDSN("file.db?mode=ro"))
	assert.Equal(t, "library.db?_foreign_keys=on&_busy_timeout=5000", sqliteDSN("library.db"))
}
