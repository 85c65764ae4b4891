package service

import (
	"context"
	"errors"
	"strings"

	"github.com/richardliu001/loyalty-service/internal/model"
	"github.com/richardliu001/loyalty-service/internal/repo"
	"go.uber.org/zap"
)

// ErrInvalidReward is returned for a reward without a name or a positive cost.
var ErrInvalidReward = errors.New("reward needs a name and a positive pointsRequired")

type CreateRewardInput struct {
	Name           string
	Description    string
	PointsRequired int64
	Active         *bool
}

// UpdateRewardInput is a partial update; nil fields are left untouched.
type UpdateRewardInput struct {
	Name           *string
	Description    *string
	PointsRequired *int64
	Active         *bool
}

// RewardService manages the catalog that redemptions draw from.
type RewardService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

func NewRewardService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *RewardService {
	return &RewardService{repo: r, log: logger}
}

// ListActive returns the rewards currently offered.
func (s *RewardService) ListActive(ctx context.Context) ([]model.Reward, error) {
	return s.repo.ListActiveRewards(ctx)
}

func (s *RewardService) Get(ctx context.Context, id string) (*model.Reward, error) {
	return s.repo.GetReward(ctx, nil, id)
}

// Create adds a reward; it is active unless stated otherwise.
func (s *RewardService) Create(ctx context.Context, in CreateRewardInput) (*model.Reward, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || in.PointsRequired <= 0 {
		return nil, ErrInvalidReward
	}
	rw := &model.Reward{
		Name:           name,
		Description:    in.Description,
		PointsRequired: in.PointsRequired,
		Active:         true,
	}
	if in.Active != nil {
		rw.Active = *in.Active
	}
	if err := s.repo.CreateReward(ctx, rw); err != nil {
		return nil, err
	}
	s.log.Infow("reward created", "reward_id", rw.ID, "points_required", rw.PointsRequired)
	return rw, nil
}

func (s *RewardService) Update(ctx context.Context, id string, in UpdateRewardInput) (*model.Reward, error) {
	fields := map[string]interface{}{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, ErrInvalidReward
		}
		fields["name"] = name
	}
	if in.Description != nil {
		fields["description"] = *in.Description
	}
	if in.PointsRequired != nil {
		if *in.PointsRequired <= 0 {
			return nil, ErrInvalidReward
		}
		fields["points_required"] = *in.PointsRequired
	}
	if in.Active != nil {
		fields["active"] = *in.Active
	}
	rw, err := s.repo.UpdateReward(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	s.log.Infow("reward updated", "reward_id", id)
	return rw, nil
}

func (s *RewardService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteReward(ctx, id); err != nil {
		return err
	}
	s.log.Infow("reward deleted", "reward_id", id)
	return nil
}
