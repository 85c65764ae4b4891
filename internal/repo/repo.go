package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/loyalty-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageWriter is the subset of *kafka.Writer the repository publishes through.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// RepositoryInterface restricts Repo methods (handy for service tests).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// balance store
	CreateClient(ctx context.Context, c *model.Client) error
	GetClient(ctx context.Context, tx *gorm.DB, clientID string) (*model.Client, error)
	GetClientForUpdate(ctx context.Context, tx *gorm.DB, clientID string) (*model.Client, error)
	UpdateClientBalance(ctx context.Context, tx *gorm.DB, clientID string, newBalance int64, oldVersion uint64) error

	// transaction log
	AppendTransaction(ctx context.Context, tx *gorm.DB, t *model.LoyaltyTransaction) error
	ListTransactionsByClient(ctx context.Context, clientID string) ([]model.LoyaltyTransaction, error)
	SumPointsByClient(ctx context.Context, clientID string) (earned, redeemed int64, err error)
	TxExists(ctx context.Context, tx *gorm.DB, clientID string, txType model.TransactionType, idemKey string) (bool, *model.LoyaltyTransaction, error)

	// reward catalog
	GetReward(ctx context.Context, tx *gorm.DB, rewardID string) (*model.Reward, error)
	ListActiveRewards(ctx context.Context) ([]model.Reward, error)
	CreateReward(ctx context.Context, r *model.Reward) error
	UpdateReward(ctx context.Context, rewardID string, fields map[string]interface{}) (*model.Reward, error)
	DeleteReward(ctx context.Context, rewardID string) error

	// outbox
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	// balance cache
	CacheBalance(ctx context.Context, clientID string, version uint64, bal int64) error
	InvalidateBalance(ctx context.Context, clientID string) error
	GetCachedBalance(ctx context.Context, clientID string) (int64, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db       *gorm.DB
	rdb      *redis.Client
	writer   MessageWriter
	log      *zap.SugaredLogger
	cacheTTL time.Duration
	now      func() time.Time
}

// NewRepository constructs repo. rdb and w may be nil: the cache is then
// bypassed and publishing fails.
func NewRepository(db *gorm.DB, rdb *redis.Client, w MessageWriter, logger *zap.SugaredLogger, cacheTTL time.Duration) *Repository {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Repository{
		db: db, rdb: rdb, writer: w, log: logger, cacheTTL: cacheTTL,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// WithTx runs fn in one database transaction; any error rolls it back.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return storageErr("transaction", r.db.WithContext(ctx).Transaction(fn))
}

func (r *Repository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db.WithContext(ctx)
	}
	return tx.WithContext(ctx)
}

// CreateClient inserts a client. Clients always open at zero points so the
// balance stays derivable from the transaction log.
func (r *Repository) CreateClient(ctx context.Context, c *model.Client) error {
	if c.PointsBalance != 0 {
		return ErrInvalidState
	}
	return storageErr("create client", r.db.WithContext(ctx).Create(c).Error)
}

// GetClient reads the client row without locking.
func (r *Repository) GetClient(ctx context.Context, tx *gorm.DB, clientID string) (*model.Client, error) {
	var c model.Client
	err := r.conn(ctx, tx).Where("id = ?", clientID).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, storageErr("get client", err)
	}
	return &c, nil
}

// GetClientForUpdate locks the client row for the rest of tx.
func (r *Repository) GetClientForUpdate(ctx context.Context, tx *gorm.DB, clientID string) (*model.Client, error) {
	var c model.Client
	err := r.conn(ctx, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", clientID).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, storageErr("lock client", err)
	}
	return &c, nil
}

// UpdateClientBalance overwrites the balance with optimistic lock.
func (r *Repository) UpdateClientBalance(ctx context.Context, tx *gorm.DB, clientID string, newBalance int64, oldVersion uint64) error {
	if newBalance < 0 {
		return ErrInvalidState
	}
	res := r.conn(ctx, tx).
		Model(&model.Client{}).
		Where("id = ? AND version = ?", clientID, oldVersion).
		Updates(map[string]interface{}{
			"points_balance": newBalance,
			"version":        oldVersion + 1,
			"updated_at":     r.now(),
		})
	if res.Error != nil {
		return storageErr("update balance", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// AppendTransaction inserts a ledger entry; id and created_at are assigned here.
func (r *Repository) AppendTransaction(ctx context.Context, tx *gorm.DB, t *model.LoyaltyTransaction) error {
	if !t.Type.Valid() {
		return fmt.Errorf("append transaction: unknown type %q", t.Type)
	}
	if t.Points <= 0 {
		return fmt.Errorf("append transaction: points must be positive, got %d", t.Points)
	}
	t.ID = ""
	t.CreatedAt = r.now()
	return storageErr("append transaction", r.conn(ctx, tx).Create(t).Error)
}

// ListTransactionsByClient returns the client's ledger, newest first.
func (r *Repository) ListTransactionsByClient(ctx context.Context, clientID string) ([]model.LoyaltyTransaction, error) {
	txs := make([]model.LoyaltyTransaction, 0)
	err := r.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("created_at DESC").Order("id DESC").
		Find(&txs).Error
	if err != nil {
		return nil, storageErr("list transactions", err)
	}
	return txs, nil
}

type pointsSum struct {
	Earned   int64
	Redeemed int64
}

// SumPointsByClient totals earned and redeemed points from the log.
func (r *Repository) SumPointsByClient(ctx context.Context, clientID string) (int64, int64, error) {
	var s pointsSum
	err := r.db.WithContext(ctx).
		Model(&model.LoyaltyTransaction{}).
		Select("COALESCE(SUM(CASE WHEN type = ? THEN points ELSE 0 END), 0) AS earned, "+
			"COALESCE(SUM(CASE WHEN type = ? THEN points ELSE 0 END), 0) AS redeemed",
			model.TransactionEarn, model.TransactionRedeem).
		Where("client_id = ?", clientID).
		Scan(&s).Error
	if err != nil {
		return 0, 0, storageErr("sum points", err)
	}
	return s.Earned, s.Redeemed, nil
}

// TxExists checks duplicate by idem key.
func (r *Repository) TxExists(ctx context.Context, tx *gorm.DB, clientID string, txType model.TransactionType, idemKey string) (bool, *model.LoyaltyTransaction, error) {
	if idemKey == "" {
		return false, nil, nil
	}
	var t model.LoyaltyTransaction
	err := r.conn(ctx, tx).
		Where("client_id = ? AND type = ? AND idempotency_key = ?", clientID, txType, idemKey).
		Take(&t).Error
	if err == nil {
		return true, &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, storageErr("idempotency lookup", err)
}

// GetReward loads a catalog entry regardless of its active flag.
func (r *Repository) GetReward(ctx context.Context, tx *gorm.DB, rewardID string) (*model.Reward, error) {
	var rw model.Reward
	err := r.conn(ctx, tx).Where("id = ?", rewardID).Take(&rw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRewardNotFound
	}
	if err != nil {
		return nil, storageErr("get reward", err)
	}
	return &rw, nil
}

// ListActiveRewards returns the redeemable catalog ordered by cost.
func (r *Repository) ListActiveRewards(ctx context.Context) ([]model.Reward, error) {
	rewards := make([]model.Reward, 0)
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("points_required ASC").Order("name ASC").
		Find(&rewards).Error
	if err != nil {
		return nil, storageErr("list rewards", err)
	}
	return rewards, nil
}

func (r *Repository) CreateReward(ctx context.Context, rw *model.Reward) error {
	return storageErr("create reward", r.db.WithContext(ctx).Create(rw).Error)
}

// UpdateReward applies a partial update and returns the stored row.
func (r *Repository) UpdateReward(ctx context.Context, rewardID string, fields map[string]interface{}) (*model.Reward, error) {
	var out *model.Reward
	err := r.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := r.GetReward(ctx, tx, rewardID); err != nil {
			return err
		}
		if len(fields) > 0 {
			fields["updated_at"] = r.now()
			if err := tx.Model(&model.Reward{}).Where("id = ?", rewardID).Updates(fields).Error; err != nil {
				return storageErr("update reward", err)
			}
		}
		rw, err := r.GetReward(ctx, tx, rewardID)
		out = rw
		return err
	})
	return out, err
}

func (r *Repository) DeleteReward(ctx context.Context, rewardID string) error {
	res := r.db.WithContext(ctx).Where("id = ?", rewardID).Delete(&model.Reward{})
	if res.Error != nil {
		return storageErr("delete reward", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRewardNotFound
	}
	return nil
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return storageErr("create outbox event", r.conn(ctx, tx).Create(evt).Error)
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
	return evts, storageErr("poll outbox", err)
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := r.now()
	err := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
	return storageErr("mark outbox processed", err)
}

// PublishEvent sends to Kafka keyed by client so per-client order is kept.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	if r.writer == nil {
		return errors.New("publish: no message writer configured")
	}
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "outbox_id", Value: []byte(strconv.FormatUint(evt.ID, 10))},
		},
		Time: r.now(),
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	r.log.Debugw("outbox event published", "outbox_id", evt.ID, "event_type", evt.EventType)
	return nil
}

func balanceKey(clientID string) string { return "points:" + clientID }

// Cached balances are stored as "version:balance". The script only replaces
// an entry carrying an older client version, so a late writer from another
// process cannot roll the cache back.
var setBalanceIfNewer = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
  local v = tonumber(string.match(cur, "^(%d+):"))
  if v and v >= tonumber(ARGV[1]) then
    return 0
  end
end
redis.call("SET", KEYS[1], ARGV[1] .. ":" .. ARGV[2], "PX", ARGV[3])
return 1
`)

// CacheBalance stores bal for the given client version unless Redis already
// holds the same or a newer version.
func (r *Repository) CacheBalance(ctx context.Context, clientID string, version uint64, bal int64) error {
	if r.rdb == nil {
		return nil
	}
	return setBalanceIfNewer.Run(ctx, r.rdb, []string{balanceKey(clientID)},
		strconv.FormatUint(version, 10),
		strconv.FormatInt(bal, 10),
		strconv.FormatInt(r.cacheTTL.Milliseconds(), 10),
	).Err()
}

// InvalidateBalance drops the cached balance.
func (r *Repository) InvalidateBalance(ctx context.Context, clientID string) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, balanceKey(clientID)).Err()
}

// GetCachedBalance reads Redis; redis.Nil on miss or when caching is off.
func (r *Repository) GetCachedBalance(ctx context.Context, clientID string) (int64, error) {
	if r.rdb == nil {
		return 0, redis.Nil
	}
	str, err := r.rdb.Get(ctx, balanceKey(clientID)).Result()
	if err != nil {
		return 0, err
	}
	_, bal, ok := strings.Cut(str, ":")
	if !ok {
		return 0, fmt.Errorf("malformed cached balance %q", str)
	}
	return strconv.ParseInt(bal, 10, 64)
}
