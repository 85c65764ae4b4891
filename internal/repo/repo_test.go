package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/richardliu001/loyalty-service/internal/logger"
	"github.com/richardliu001/loyalty-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func seedClient(t *testing.T, r *Repository, balance int64) *model.Client {
	t.Helper()
	ctx := context.Background()
	c := &model.Client{Name: "Ana"}
	require.NoError(t, r.CreateClient(ctx, c))
	if balance != 0 {
		require.NoError(t, r.UpdateClientBalance(ctx, nil, c.ID, balance, c.Version))
	}
	got, err := r.GetClient(ctx, nil, c.ID)
	require.NoError(t, err)
	return got
}

func TestCreateClient_OpensAtZero(t *testing.T) {
	r := newTestRepo(t)
	err := r.CreateClient(context.Background(), &model.Client{Name: "Bia", PointsBalance: 5})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestGetClient_NotFound(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.GetClient(context.Background(), nil, uuid.NewString())
	assert.ErrorIs(t, err, ErrClientNotFound)
	assert.True(t, IsNotFound(err))

	_, err = r.GetClientForUpdate(context.Background(), nil, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateClientBalance_RejectsNegative(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	c := seedClient(t, r, 10)

	err := r.UpdateClientBalance(ctx, nil, c.ID, -1, c.Version)
	assert.ErrorIs(t, err, ErrInvalidState)

	got, err := r.GetClient(ctx, nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.PointsBalance)
}

func TestUpdateClientBalance_OptimisticLock(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	c := seedClient(t, r, 100)

	require.NoError(t, r.UpdateClientBalance(ctx, nil, c.ID, 110, c.Version))
	// second writer still holds the stale version
	err := r.UpdateClientBalance(ctx, nil, c.ID, 120, c.Version)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	got, err := r.GetClient(ctx, nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(110), got.PointsBalance)
	assert.Equal(t, c.Version+1, got.Version)
}

func TestAppendTransaction_AssignsIDAndTime(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	c := seedClient(t, r, 0)

	entry := &model.LoyaltyTransaction{ClientID: c.ID, Type: model.TransactionEarn, Points: 5, BalanceAfter: 5}
	require.NoError(t, r.AppendTransaction(ctx, nil, entry))
	assert.NotEmpty(t, entry.ID)
	_, err := uuid.Parse(entry.ID)
	assert.NoError(t, err)
	assert.False(t, entry.CreatedAt.IsZero())

	bad := &model.LoyaltyTransaction{ClientID: c.ID, Type: "refund", Points: 5}
	assert.Error(t, r.AppendTransaction(ctx, nil, bad))
	zero := &model.LoyaltyTransaction{ClientID: c.ID, Type: model.TransactionEarn, Points: 0}
	assert.Error(t, r.AppendTransaction(ctx, nil, zero))
}

func TestListTransactionsByClient_NewestFirst(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	c := seedClient(t, r, 0)
	other := seedClient(t, r, 0)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	for _, p := range []int64{10, 20, 30} {
		require.NoError(t, r.AppendTransaction(ctx, nil, &model.LoyaltyTransaction{
			ClientID: c.ID, Type: model.TransactionEarn, Points: p,
		}))
	}
	require.NoError(t, r.AppendTransaction(ctx, nil, &model.LoyaltyTransaction{
		ClientID: other.ID, Type: model.TransactionEarn, Points: 99,
	}))

	got, err := r.ListTransactionsByClient(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{30, 20, 10}, []int64{got[0].Points, got[1].Points, got[2].Points})

	empty, err := r.ListTransactionsByClient(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Len(t, empty, 0)
}

func TestSumPointsByClient(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	c := seedClient(t, r, 0)

	earned, redeemed, err := r.SumPointsByClient(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, earned)
	assert.Zero(t, redeemed)

	rid := uuid.NewString()
	require.NoError(t, r.AppendTransaction(ctx, nil, &model.LoyaltyTransaction{ClientID: c.ID, Type: model.TransactionEarn, Points: 100}))
	require.NoError(t, r.AppendTransaction(ctx, nil, &model.LoyaltyTransaction{ClientID: c.ID, Type: model.TransactionEarn, Points: 25}))
	require.NoError(t, r.AppendTransaction(ctx, nil, &model.LoyaltyTransaction{ClientID: c.ID, Type: model.TransactionRedeem, Points: 60, RewardID: &rid}))

	earned, redeemed, err = r.SumPointsByClient(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(125), earned)
	assert.Equal(t, int64(60), redeemed)
}

func TestTxExists(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	c := seedClient(t, r, 0)

	ok, _, err := r.TxExists(ctx, nil, c.ID, model.TransactionEarn, "")
	require.NoError(t, err)
	assert.False(t, ok)

	key := "order-1"
	require.NoError(t, r.AppendTransaction(ctx, nil, &model.LoyaltyTransaction{
		ClientID: c.ID, Type: model.TransactionEarn, Points: 7, BalanceAfter: 7, IdempotencyKey: &key,
	}))

	ok, found, err := r.TxExists(ctx, nil, c.ID, model.TransactionEarn, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), found.BalanceAfter)

	// same key on the other type is a different operation
	ok, _, err = r.TxExists(ctx, nil, c.ID, model.TransactionRedeem, key)
	require.NoError(t, err)
	assert.False(t, ok)

	dup := &model.LoyaltyTransaction{ClientID: c.ID, Type: model.TransactionEarn, Points: 7, IdempotencyKey: &key}
	assert.ErrorIs(t, r.AppendTransaction(ctx, nil, dup), ErrDuplicateIdempotencyKey)
}

func TestWithTx_RollsBack(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	c := seedClient(t, r, 50)
	boom := errors.New("boom")

	err := r.WithTx(ctx, func(tx *gorm.DB) error {
		require.NoError(t, r.UpdateClientBalance(ctx, tx, c.ID, 10, c.Version))
		require.NoError(t, r.AppendTransaction(ctx, tx, &model.LoyaltyTransaction{
			ClientID: c.ID, Type: model.TransactionRedeem, Points: 40,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := r.GetClient(ctx, nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.PointsBalance)
	txs, err := r.ListTransactionsByClient(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestRewardCatalog(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	mug := &model.Reward{Name: "Mug", PointsRequired: 60, Active: true}
	hat := &model.Reward{Name: "Cap", PointsRequired: 30, Active: true}
	old := &model.Reward{Name: "Old", PointsRequired: 10, Active: false}
	for _, rw := range []*model.Reward{mug, hat, old} {
		require.NoError(t, r.CreateReward(ctx, rw))
	}

	active, err := r.ListActiveRewards(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "Cap", active[0].Name)

	// inactive rewards are still resolvable by id
	got, err := r.GetReward(ctx, nil, old.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	updated, err := r.UpdateReward(ctx, mug.ID, map[string]interface{}{"points_required": int64(80)})
	require.NoError(t, err)
	assert.Equal(t, int64(80), updated.PointsRequired)
	assert.Equal(t, "Mug", updated.Name)

	_, err = r.UpdateReward(ctx, uuid.NewString(), map[string]interface{}{"name": "x"})
	assert.ErrorIs(t, err, ErrRewardNotFound)

	require.NoError(t, r.DeleteReward(ctx, hat.ID))
	assert.ErrorIs(t, r.DeleteReward(ctx, hat.ID), ErrRewardNotFound)
	_, err = r.GetReward(ctx, nil, hat.ID)
	assert.ErrorIs(t, err, ErrRewardNotFound)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestOutbox_PollPublishMark(t *testing.T) {
	db := newTestDB(t)
	w := &fakeWriter{}
	r := NewRepository(db, nil, w, must(logger.NewLogger("error")), 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.CreateOutboxEvent(ctx, nil, &model.OutboxEvent{
			Aggregate: "Client", AggregateID: "c-1", EventType: model.EventPointsEarned,
			Payload: datatypes.JSON(`{"points":10}`),
		}))
	}

	evts, err := r.PollOutbox(ctx, 2)
	require.NoError(t, err)
	require.Len(t, evts, 2)

	require.NoError(t, r.PublishEvent(ctx, evts[0]))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "c-1", string(w.msgs[0].Key))
	assert.JSONEq(t, `{"points":10}`, string(w.msgs[0].Value))
	assert.Equal(t, model.EventPointsEarned, string(w.msgs[0].Headers[0].Value))

	require.NoError(t, r.MarkOutboxProcessed(ctx, evts[0].ID))
	left, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestPublishEvent_NoWriter(t *testing.T) {
	r := newTestRepo(t)
	assert.Error(t, r.PublishEvent(context.Background(), model.OutboxEvent{ID: 1}))
}

func TestBalanceCache(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	r := NewRepository(newTestDB(t), rdb, nil, must(logger.NewLogger("error")), 2*time.Minute)
	ctx := context.Background()

	mock.ExpectEvalSha(setBalanceIfNewer.Hash(), []string{"points:c-1"}, "3", "75", "120000").SetVal(int64(1))
	mock.ExpectGet("points:c-1").SetVal("3:75")
	mock.ExpectGet("points:c-2").RedisNil()
	mock.ExpectGet("points:c-3").SetVal("75")
	mock.ExpectDel("points:c-1").SetVal(1)

	require.NoError(t, r.CacheBalance(ctx, "c-1", 3, 75))
	bal, err := r.GetCachedBalance(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(75), bal)

	_, err = r.GetCachedBalance(ctx, "c-2")
	assert.ErrorIs(t, err, redis.Nil)

	_, err = r.GetCachedBalance(ctx, "c-3")
	assert.Error(t, err, "entries without a version are not trusted")

	require.NoError(t, r.InvalidateBalance(ctx, "c-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceCache_Errors(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	r := NewRepository(newTestDB(t), rdb, nil, must(logger.NewLogger("error")), time.Minute)
	ctx := context.Background()

	mock.ExpectEvalSha(setBalanceIfNewer.Hash(), []string{"points:c-1"}, "4", "10", "60000").
		SetErr(errors.New("i/o timeout"))
	mock.ExpectDel("points:c-1").SetErr(errors.New("i/o timeout"))

	assert.Error(t, r.CacheBalance(ctx, "c-1", 4, 10))
	assert.Error(t, r.InvalidateBalance(ctx, "c-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceCache_Disabled(t *testing.T) {
	r := newTestRepo(t)
	assert.NoError(t, r.CacheBalance(context.Background(), "c-1", 1, 1))
	assert.NoError(t, r.InvalidateBalance(context.Background(), "c-1"))
	_, err := r.GetCachedBalance(context.Background(), "c-1")
	assert.ErrorIs(t, err, redis.Nil)
}
