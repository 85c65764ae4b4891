package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/richardliu001/loyalty-service/internal/metrics"
	"github.com/richardliu001/loyalty-service/internal/model"
	"github.com/richardliu001/loyalty-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrInvalidPoints means an explicit non-positive point value.
	ErrInvalidPoints = errors.New("points must be a positive integer")
	// ErrInvalidAmount means an amount that is not positive, has more than two
	// decimal places, exceeds 9999999999.99 or is too small to earn a point.
	ErrInvalidAmount = errors.New("amount must be positive, at most 9999999999.99 with two decimals, and worth at least one point")
	// ErrMissingEarnBasis means neither points nor amount was supplied.
	ErrMissingEarnBasis = errors.New("either points or amount is required")
)

// EarnRule converts a purchase amount into points: PointsPerUnit for every
// CurrencyUnit spent, floored.
type EarnRule struct {
	PointsPerUnit int64
	CurrencyUnit  int64
}

// DefaultEarnRule grants 10 points per 100 currency units.
var DefaultEarnRule = EarnRule{PointsPerUnit: 10, CurrencyUnit: 100}

var maxPoints = decimal.NewFromInt(math.MaxInt64)

// PointsFor returns floor(amount / CurrencyUnit * PointsPerUnit), or 0 when
// the result does not fit in an int64.
func (r EarnRule) PointsFor(amount decimal.Decimal) int64 {
	p := amount.
		Mul(decimal.NewFromInt(r.PointsPerUnit)).
		Div(decimal.NewFromInt(r.CurrencyUnit)).
		Floor()
	if !p.IsInteger() || p.IsNegative() || p.GreaterThan(maxPoints) {
		return 0
	}
	return p.IntPart()
}

// Amounts are stored as numeric(12,2).
const amountScale = 2

var maxAmount = decimal.RequireFromString("9999999999.99")

// EarnInput credits a client either a fixed Points value or the points
// derived from Amount. When both are set, Points wins and Amount is recorded.
type EarnInput struct {
	ClientID       string
	Points         *int64
	Amount         *decimal.Decimal
	Description    string
	IdempotencyKey string
}

type EarnResult struct {
	ClientID    string
	Earned      int64
	NewBalance  int64
	Transaction model.LoyaltyTransaction
	Replayed    bool
}

type RedeemInput struct {
	ClientID       string
	RewardID       string
	Description    string
	IdempotencyKey string
}

type RedeemResult struct {
	ClientID    string
	RewardName  string
	PointsUsed  int64
	NewBalance  int64
	Transaction model.LoyaltyTransaction
	Replayed    bool
}

// BalanceCheck compares the stored balance with the one rebuilt from the log.
type BalanceCheck struct {
	ClientID      string `json:"clientId"`
	StoredBalance int64  `json:"storedBalance"`
	LedgerBalance int64  `json:"ledgerBalance"`
	Earned        int64  `json:"earned"`
	Redeemed      int64  `json:"redeemed"`
	Consistent    bool   `json:"consistent"`
}

// LoyaltyService owns every mutation of client point balances.
type LoyaltyService struct {
	repo  repo.RepositoryInterface
	log   *zap.SugaredLogger
	rule  EarnRule
	locks *clientLocks
}

// NewLoyaltyService returns LoyaltyService. A zero rule falls back to DefaultEarnRule.
func NewLoyaltyService(r repo.RepositoryInterface, rule EarnRule, logger *zap.SugaredLogger) *LoyaltyService {
	if rule.PointsPerUnit <= 0 || rule.CurrencyUnit <= 0 {
		rule = DefaultEarnRule
	}
	return &LoyaltyService{repo: r, log: logger, rule: rule, locks: newClientLocks()}
}

// Rule exposes the active earn rule.
func (s *LoyaltyService) Rule() EarnRule { return s.rule }

func (s *LoyaltyService) resolveEarnPoints(in EarnInput) (int64, error) {
	if in.Amount != nil {
		a := *in.Amount
		if !a.IsPositive() || a.GreaterThan(maxAmount) || !a.Equal(a.Truncate(amountScale)) {
			return 0, ErrInvalidAmount
		}
	}
	if in.Points != nil {
		if *in.Points <= 0 {
			return 0, ErrInvalidPoints
		}
		return *in.Points, nil
	}
	if in.Amount == nil {
		return 0, ErrMissingEarnBasis
	}
	points := s.rule.PointsFor(*in.Amount)
	if points <= 0 {
		return 0, ErrInvalidAmount
	}
	return points, nil
}

func earnDescription(in EarnInput, points int64) string {
	if in.Description != "" {
		return in.Description
	}
	if in.Amount != nil {
		return fmt.Sprintf("Purchase of %s generated %d points", in.Amount.StringFixed(2), points)
	}
	return fmt.Sprintf("Credit of %d points", points)
}

// Earn adds points to a client's balance and records the earn entry in the
// same transaction.
func (s *LoyaltyService) Earn(ctx context.Context, in EarnInput) (EarnResult, error) {
	points, err := s.resolveEarnPoints(in)
	if err != nil {
		return EarnResult{}, err
	}

	unlock := s.locks.lock(in.ClientID)
	defer unlock()

	res := EarnResult{ClientID: in.ClientID, Earned: points}
	var version uint64
	err = s.repo.WithTx(ctx, func(tx *gorm.DB) error {
		existed, prev, err := s.repo.TxExists(ctx, tx, in.ClientID, model.TransactionEarn, in.IdempotencyKey)
		if err != nil {
			return err
		}
		if existed {
			res.Earned, res.NewBalance, res.Transaction, res.Replayed = prev.Points, prev.BalanceAfter, *prev, true
			return nil
		}

		c, err := s.repo.GetClientForUpdate(ctx, tx, in.ClientID)
		if err != nil {
			return err
		}
		if c.PointsBalance > math.MaxInt64-points {
			return repo.ErrInvalidState
		}
		newBal := c.PointsBalance + points
		if err := s.repo.UpdateClientBalance(ctx, tx, c.ID, newBal, c.Version); err != nil {
			return err
		}
		version = c.Version + 1

		entry := model.LoyaltyTransaction{
			ClientID:      c.ID,
			Type:          model.TransactionEarn,
			Points:        points,
			Amount:        in.Amount,
			Description:   earnDescription(in, points),
			BalanceBefore: c.PointsBalance,
			BalanceAfter:  newBal,
		}
		if in.IdempotencyKey != "" {
			key := in.IdempotencyKey
			entry.IdempotencyKey = &key
		}
		if err := s.repo.AppendTransaction(ctx, tx, &entry); err != nil {
			return err
		}
		if err := s.writeOutbox(ctx, tx, model.EventPointsEarned, entry); err != nil {
			return err
		}
		res.NewBalance, res.Transaction = newBal, entry
		return nil
	})

	s.record(model.TransactionEarn, res.Earned, res.Replayed, err)
	if err != nil {
		s.log.Warnw("earn failed", "client_id", in.ClientID, "points", points, "error", err)
		return EarnResult{}, err
	}
	if !res.Replayed {
		s.refreshCache(ctx, in.ClientID, version, res.NewBalance)
	}
	s.log.Infow("points earned",
		"client_id", in.ClientID, "points", res.Earned, "balance", res.NewBalance, "replayed", res.Replayed)
	return res, nil
}

// Redeem spends a reward's point cost. The reward's active flag is not checked.
func (s *LoyaltyService) Redeem(ctx context.Context, in RedeemInput) (RedeemResult, error) {
	unlock := s.locks.lock(in.ClientID)
	defer unlock()

	res := RedeemResult{ClientID: in.ClientID}
	var version uint64
	err := s.repo.WithTx(ctx, func(tx *gorm.DB) error {
		existed, prev, err := s.repo.TxExists(ctx, tx, in.ClientID, model.TransactionRedeem, in.IdempotencyKey)
		if err != nil {
			return err
		}
		if existed {
			res.PointsUsed, res.NewBalance, res.Transaction, res.Replayed = prev.Points, prev.BalanceAfter, *prev, true
			res.RewardName = prev.Description
			if prev.RewardID != nil {
				if rw, err := s.repo.GetReward(ctx, tx, *prev.RewardID); err == nil {
					res.RewardName = rw.Name
				}
			}
			return nil
		}

		c, err := s.repo.GetClientForUpdate(ctx, tx, in.ClientID)
		if err != nil {
			return err
		}
		rw, err := s.repo.GetReward(ctx, tx, in.RewardID)
		if err != nil {
			return err
		}
		if c.PointsBalance < rw.PointsRequired {
			return &repo.InsufficientBalanceError{
				ClientID: c.ID, Available: c.PointsBalance, Required: rw.PointsRequired,
			}
		}
		newBal := c.PointsBalance - rw.PointsRequired
		if err := s.repo.UpdateClientBalance(ctx, tx, c.ID, newBal, c.Version); err != nil {
			return err
		}
		version = c.Version + 1

		desc := in.Description
		if desc == "" {
			desc = rw.Name
		}
		rewardID := rw.ID
		entry := model.LoyaltyTransaction{
			ClientID:      c.ID,
			Type:          model.TransactionRedeem,
			Points:        rw.PointsRequired,
			RewardID:      &rewardID,
			Description:   desc,
			BalanceBefore: c.PointsBalance,
			BalanceAfter:  newBal,
		}
		if in.IdempotencyKey != "" {
			key := in.IdempotencyKey
			entry.IdempotencyKey = &key
		}
		if err := s.repo.AppendTransaction(ctx, tx, &entry); err != nil {
			return err
		}
		if err := s.writeOutbox(ctx, tx, model.EventPointsRedeemed, entry); err != nil {
			return err
		}
		res.RewardName, res.PointsUsed, res.NewBalance, res.Transaction = rw.Name, rw.PointsRequired, newBal, entry
		return nil
	})

	s.record(model.TransactionRedeem, res.PointsUsed, res.Replayed, err)
	if err != nil {
		s.log.Warnw("redeem failed", "client_id", in.ClientID, "reward_id", in.RewardID, "error", err)
		return RedeemResult{}, err
	}
	if !res.Replayed {
		s.refreshCache(ctx, in.ClientID, version, res.NewBalance)
	}
	s.log.Infow("points redeemed",
		"client_id", in.ClientID, "reward_id", in.RewardID, "points", res.PointsUsed,
		"balance", res.NewBalance, "replayed", res.Replayed)
	return res, nil
}

// GetClientPoints returns the current balance, served from cache when warm.
// A miss reads the database and fills the cache tagged with the row version,
// so a slow fill never replaces a balance written by a later commit.
func (s *LoyaltyService) GetClientPoints(ctx context.Context, clientID string) (int64, error) {
	if bal, err := s.repo.GetCachedBalance(ctx, clientID); err == nil {
		return bal, nil
	}
	c, err := s.repo.GetClient(ctx, nil, clientID)
	if err != nil {
		return 0, err
	}
	if err := s.repo.CacheBalance(ctx, clientID, c.Version, c.PointsBalance); err != nil {
		s.log.Warnw("fill cached balance", "client_id", clientID, "error", err)
	}
	return c.PointsBalance, nil
}

// GetHistory returns the client's ledger, newest first.
func (s *LoyaltyService) GetHistory(ctx context.Context, clientID string) ([]model.LoyaltyTransaction, error) {
	if _, err := s.repo.GetClient(ctx, nil, clientID); err != nil {
		return nil, err
	}
	return s.repo.ListTransactionsByClient(ctx, clientID)
}

// VerifyBalance rebuilds the balance from the log and compares it with the
// stored projection.
func (s *LoyaltyService) VerifyBalance(ctx context.Context, clientID string) (BalanceCheck, error) {
	unlock := s.locks.lock(clientID)
	defer unlock()

	c, err := s.repo.GetClient(ctx, nil, clientID)
	if err != nil {
		return BalanceCheck{}, err
	}
	earned, redeemed, err := s.repo.SumPointsByClient(ctx, clientID)
	if err != nil {
		return BalanceCheck{}, err
	}
	check := BalanceCheck{
		ClientID:      clientID,
		StoredBalance: c.PointsBalance,
		LedgerBalance: earned - redeemed,
		Earned:        earned,
		Redeemed:      redeemed,
	}
	check.Consistent = check.StoredBalance == check.LedgerBalance
	if !check.Consistent {
		s.log.Errorw("ledger drift detected",
			"client_id", clientID, "stored", check.StoredBalance, "ledger", check.LedgerBalance)
	}
	return check, nil
}

type ledgerEvent struct {
	TransactionID string           `json:"transactionId"`
	ClientID      string           `json:"clientId"`
	Type          string           `json:"type"`
	Points        int64            `json:"points"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	RewardID      *string          `json:"rewardId,omitempty"`
	BalanceAfter  int64            `json:"balanceAfter"`
	OccurredAt    string           `json:"occurredAt"`
}

func (s *LoyaltyService) writeOutbox(ctx context.Context, tx *gorm.DB, eventType string, t model.LoyaltyTransaction) error {
	payload, err := json.Marshal(ledgerEvent{
		TransactionID: t.ID,
		ClientID:      t.ClientID,
		Type:          string(t.Type),
		Points:        t.Points,
		Amount:        t.Amount,
		RewardID:      t.RewardID,
		BalanceAfter:  t.BalanceAfter,
		OccurredAt:    t.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   "Client",
		AggregateID: t.ClientID,
		EventType:   eventType,
		Payload:     datatypes.JSON(payload),
	})
}

// refreshCache publishes a committed balance. When Redis refuses the write
// the entry is dropped so readers fall back to the database.
func (s *LoyaltyService) refreshCache(ctx context.Context, clientID string, version uint64, bal int64) {
	// the write is committed; a cancelled request must not skip cache upkeep
	ctx = context.WithoutCancel(ctx)
	err := s.repo.CacheBalance(ctx, clientID, version, bal)
	if err == nil {
		return
	}
	s.log.Warnw("cache balance", "client_id", clientID, "version", version, "error", err)
	if err := s.repo.InvalidateBalance(ctx, clientID); err != nil {
		s.log.Errorw("invalidate cached balance", "client_id", clientID, "error", err)
	}
}

func (s *LoyaltyService) record(t model.TransactionType, points int64, replayed bool, err error) {
	outcome := "ok"
	switch {
	case err == nil && replayed:
		outcome = "replayed"
	case err == nil:
		metrics.PointsTotal.WithLabelValues(string(t)).Add(float64(points))
	case errors.Is(err, repo.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, repo.ErrInsufficientBalance):
		outcome = "insufficient"
	case errors.Is(err, repo.ErrConcurrentModification), errors.Is(err, repo.ErrDuplicateIdempotencyKey):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	metrics.OperationsTotal.WithLabelValues(string(t), outcome).Inc()
}
