package repo

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/richardliu001/loyalty-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLite(t *testing.T) {
	db, err := Open("sqlite://file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	require.NoError(t, db.AutoMigrate(model.All()...))
	assert.NoError(t, sqlDB.PingContext(context.Background()))
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestOpen_SQLiteWithoutPath(t *testing.T) {
	_, err := Open("sqlite://")
	assert.Error(t, err)
}
