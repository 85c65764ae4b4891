package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/richardliu001/loyalty-service/internal/logger"
	"github.com/richardliu001/loyalty-service/internal/model"
	"github.com/richardliu001/loyalty-service/internal/repo"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(model.All()...))
	return db
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	log, err := logger.NewLogger("error")
	require.NoError(t, err)
	return log
}

func newTestService(t *testing.T) (*LoyaltyService, *repo.Repository, context.Context) {
	t.Helper()
	log := testLogger(t)
	repository := repo.NewRepository(newTestDB(t), nil, nil, log, 0)
	return NewLoyaltyService(repository, DefaultEarnRule, log), repository, context.Background()
}

func ptr[T any](v T) *T { return &v }

// newClient creates a client and earns its opening balance through the ledger.
func newClient(t *testing.T, svc *LoyaltyService, r *repo.Repository, balance int64) string {
	t.Helper()
	ctx := context.Background()
	c := &model.Client{Name: "Client " + uuid.NewString()[:8]}
	require.NoError(t, r.CreateClient(ctx, c))
	if balance > 0 {
		_, err := svc.Earn(ctx, EarnInput{ClientID: c.ID, Points: ptr(balance), Description: "opening balance"})
		require.NoError(t, err)
	}
	return c.ID
}

func newReward(t *testing.T, r *repo.Repository, name string, cost int64, active bool) *model.Reward {
	t.Helper()
	rw := &model.Reward{Name: name, PointsRequired: cost, Active: active}
	require.NoError(t, r.CreateReward(context.Background(), rw))
	return rw
}
