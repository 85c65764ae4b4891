package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richardliu001/loyalty-service/internal/repo"
	"github.com/richardliu001/loyalty-service/internal/service"
	"github.com/shopspring/decimal"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxIdempotencyKey = 64
)

func RegisterHandlers(r *gin.Engine, loyalty *service.LoyaltyService, rewards *service.RewardService) {
	g := r.Group("/loyalty")
	{
		g.GET("/points/:clientId", pointsHandler(loyalty))
		g.GET("/points/:clientId/verify", verifyHandler(loyalty))
		g.POST("/points/add", earnHandler(loyalty))
		g.POST("/points/redeem", redeemHandler(loyalty))
		g.GET("/history/:clientId", historyHandler(loyalty))

		g.GET("/rewards", listRewardsHandler(rewards))
		g.POST("/rewards", createRewardHandler(rewards))
		g.GET("/rewards/:id", getRewardHandler(rewards))
		g.PUT("/rewards/:id", updateRewardHandler(rewards))
		g.DELETE("/rewards/:id", deleteRewardHandler(rewards))
	}
}

// writeError maps domain errors onto HTTP statuses. Anything unrecognised is a 500
// and its detail stays in the access log.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var ibe *repo.InsufficientBalanceError
	switch {
	case errors.As(err, &ibe):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "insufficient points",
			"available": ibe.Available,
			"required":  ibe.Required,
		})
	case errors.Is(err, repo.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidPoints),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrMissingEarnBasis),
		errors.Is(err, service.ErrInvalidReward),
		errors.Is(err, repo.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrConcurrentModification),
		errors.Is(err, repo.ErrDuplicateIdempotencyKey):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// pathID returns the named uuid path parameter or writes a 400.
func pathID(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if _, err := uuid.Parse(id); err != nil {
		badRequest(c, "invalid "+name)
		return "", false
	}
	return id, true
}

func idempotencyKey(c *gin.Context) (string, bool) {
	key := c.GetHeader(idempotencyHeader)
	if len(key) > maxIdempotencyKey {
		badRequest(c, "Idempotency-Key too long")
		return "", false
	}
	return key, true
}

// replays answer 200 with the original body
func createdStatus(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func pointsHandler(svc *service.LoyaltyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "clientId")
		if !ok {
			return
		}
		bal, err := svc.GetClientPoints(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"clientId": id, "pointsBalance": bal})
	}
}

func verifyHandler(svc *service.LoyaltyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "clientId")
		if !ok {
			return
		}
		check, err := svc.VerifyBalance(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, check)
	}
}

type earnReq struct {
	ClientID    string           `json:"clientId" binding:"required,uuid"`
	Points      *int64           `json:"points"`
	Amount      *decimal.Decimal `json:"amount"`
	Description string           `json:"description" binding:"max=255"`
}

func earnHandler(svc *service.LoyaltyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req earnReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		key, ok := idempotencyKey(c)
		if !ok {
			return
		}
		res, err := svc.Earn(c.Request.Context(), service.EarnInput{
			ClientID:       req.ClientID,
			Points:         req.Points,
			Amount:         req.Amount,
			Description:    req.Description,
			IdempotencyKey: key,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(createdStatus(res.Replayed), gin.H{
			"message":    "Points added successfully",
			"clientId":   res.ClientID,
			"newBalance": res.NewBalance,
			"earned":     res.Earned,
		})
	}
}

type redeemReq struct {
	ClientID    string `json:"clientId" binding:"required,uuid"`
	RewardID    string `json:"rewardId" binding:"required,uuid"`
	Description string `json:"description" binding:"max=255"`
}

func redeemHandler(svc *service.LoyaltyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req redeemReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		key, ok := idempotencyKey(c)
		if !ok {
			return
		}
		res, err := svc.Redeem(c.Request.Context(), service.RedeemInput{
			ClientID:       req.ClientID,
			RewardID:       req.RewardID,
			Description:    req.Description,
			IdempotencyKey: key,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(createdStatus(res.Replayed), gin.H{
			"message":    "Reward redeemed successfully",
			"clientId":   res.ClientID,
			"reward":     res.RewardName,
			"pointsUsed": res.PointsUsed,
			"newBalance": res.NewBalance,
		})
	}
}

func historyHandler(svc *service.LoyaltyService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "clientId")
		if !ok {
			return
		}
		txs, err := svc.GetHistory(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func listRewardsHandler(svc *service.RewardService) gin.HandlerFunc {
	return func(c *gin.Context) {
		rewards, err := svc.ListActive(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rewards)
	}
}

type createRewardReq struct {
	Name           string `json:"name" binding:"required,max=128"`
	Description    string `json:"description" binding:"max=255"`
	PointsRequired int64  `json:"pointsRequired" binding:"required,gt=0"`
	Active         *bool  `json:"active"`
}

func createRewardHandler(svc *service.RewardService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRewardReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		rw, err := svc.Create(c.Request.Context(), service.CreateRewardInput{
			Name:           req.Name,
			Description:    req.Description,
			PointsRequired: req.PointsRequired,
			Active:         req.Active,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, rw)
	}
}

func getRewardHandler(svc *service.RewardService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		rw, err := svc.Get(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rw)
	}
}

type updateRewardReq struct {
	Name           *string `json:"name" binding:"omitempty,max=128"`
	Description    *string `json:"description" binding:"omitempty,max=255"`
	PointsRequired *int64  `json:"pointsRequired"`
	Active         *bool   `json:"active"`
}

func updateRewardHandler(svc *service.RewardService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req updateRewardReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		rw, err := svc.Update(c.Request.Context(), id, service.UpdateRewardInput{
			Name:           req.Name,
			Description:    req.Description,
			PointsRequired: req.PointsRequired,
			Active:         req.Active,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rw)
	}
}

func deleteRewardHandler(svc *service.RewardService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		if err := svc.Delete(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Reward deleted successfully", "id": id})
	}
}
