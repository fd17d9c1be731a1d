package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/openfund/fundd/pkg/ledger"
	"github.com/openfund/fundd/pkg/model"
	"github.com/openfund/fundd/pkg/registry"
)

// identityHeader carries the caller identity. Transport authentication is
// the environment's job; the value is trusted as-is.
const identityHeader = "X-Identity"

type campaignRegistry interface {
	Create(ctx context.Context, req registry.CreateRequest) (*model.Campaign, error)
	Get(campaignID string) (*ledger.Campaign, error)
	List() []*model.Campaign
	ListByCreator(creator string) []*model.Campaign
}

type handler struct {
	registry campaignRegistry
}

func New(reg campaignRegistry) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	h := handler{registry: reg}

	r.GET("/api/ping", h.ping)

	r.POST("/api/campaigns", h.createCampaign)
	r.GET("/api/campaigns", h.listCampaigns)
	r.GET("/api/campaigns/:id", h.getCampaign)
	r.GET("/api/campaigns/:id/status", h.status)
	r.GET("/api/campaigns/:id/tiers", h.tiers)
	r.POST("/api/campaigns/:id/tiers", h.addTier)
	r.DELETE("/api/campaigns/:id/tiers/:index", h.removeTier)
	r.POST("/api/campaigns/:id/fund", h.fund)
	r.POST("/api/campaigns/:id/withdraw", h.withdraw)
	r.POST("/api/campaigns/:id/refund", h.refund)
	r.POST("/api/campaigns/:id/pause", h.togglePause)
	r.POST("/api/campaigns/:id/deadline", h.extendDeadline)
	r.GET("/api/campaigns/:id/backers/:identity", h.backer)

	return r
}

func (h handler) ping(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

type createCampaignRequest struct {
	Name         string `json:"name" binding:"required"`
	Description  string `json:"description"`
	GoalCents    int64  `json:"goal_cents" binding:"required"`
	DurationDays int    `json:"duration_days" binding:"required"`
}

func (h handler) createCampaign(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}

	req := createCampaignRequest{}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	campaign, err := h.registry.Create(c.Request.Context(), registry.CreateRequest{
		Creator:      identity,
		Name:         req.Name,
		Description:  req.Description,
		GoalCents:    req.GoalCents,
		DurationDays: req.DurationDays,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, campaign)
}

func (h handler) listCampaigns(c *gin.Context) {
	if creator := c.Query("creator"); creator != "" {
		c.JSON(http.StatusOK, h.registry.ListByCreator(creator))
		return
	}

	c.JSON(http.StatusOK, h.registry.List())
}

func (h handler) getCampaign(c *gin.Context) {
	campaign, ok := h.campaign(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, campaign.View())
}

func (h handler) status(c *gin.Context) {
	campaign, ok := h.campaign(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"state":         campaign.Status(),
		"balance_cents": campaign.BalanceCents(),
	})
}

func (h handler) tiers(c *gin.Context) {
	campaign, ok := h.campaign(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, campaign.Tiers())
}

type addTierRequest struct {
	Name        string `json:"name" binding:"required"`
	AmountCents int64  `json:"amount_cents" binding:"required"`
}

func (h handler) addTier(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}

	campaign, ok := h.campaign(c)
	if !ok {
		return
	}

	req := addTierRequest{}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tier, err := campaign.AddTier(identity, req.Name, req.AmountCents)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, tier)
}

func (h handler) removeTier(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}

	campaign, ok := h.campaign(c)
	if !ok {
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": model.ErrInvalidTierIndex.Error()})
		return
	}

	if err := campaign.RemoveTier(identity, index); err != nil {
		h.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type fundRequest struct {
	TierIndex   *int  `json:"tier_index" binding:"required"`
	AmountCents int64 `json:"amount_cents" binding:"required"`
}

func (h handler) fund(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}

	campaign, ok := h.campaign(c)
	if !ok {
		return
	}

	req := fundRequest{}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := campaign.Fund(identity, *req.TierIndex, req.AmountCents); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"state":         campaign.Status(),
		"balance_cents": campaign.BalanceCents(),
	})
}

func (h handler) withdraw(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}

	campaign, ok := h.campaign(c)
	if !ok {
		return
	}

	amount, err := campaign.Withdraw(identity)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"amount_cents": amount})
}

func (h handler) refund(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}

	campaign, ok := h.campaign(c)
	if !ok {
		return
	}

	amount, err := campaign.Refund(identity)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"amount_cents": amount})
}

func (h handler) togglePause(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}

	campaign, ok := h.campaign(c)
	if !ok {
		return
	}

	paused, err := campaign.TogglePause(identity)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"paused": paused})
}

type extendDeadlineRequest struct {
	Days int `json:"days" binding:"required"`
}

func (h handler) extendDeadline(c *gin.Context) {
	identity, ok := h.identity(c)
	if !ok {
		return
	}

	campaign, ok := h.campaign(c)
	if !ok {
		return
	}

	req := extendDeadlineRequest{}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deadline, err := campaign.ExtendDeadline(identity, req.Days)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deadline": deadline})
}

func (h handler) backer(c *gin.Context) {
	campaign, ok := h.campaign(c)
	if !ok {
		return
	}

	identity := c.Param("identity")

	backer, found := campaign.Backer(identity)
	if !found {
		backer = &model.Backer{Identity: identity, Pledges: map[int64]int64{}}
	}

	// Translate stable tier IDs into current display positions
	fundedTiers := []int{}
	for index := range campaign.Tiers() {
		if campaign.HasFundedTier(identity, index) {
			fundedTiers = append(fundedTiers, index)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"identity":                 backer.Identity,
		"total_contribution_cents": backer.TotalContributionCents,
		"pledges":                  backer.Pledges,
		"funded_tiers":             fundedTiers,
	})
}

func (h handler) identity(c *gin.Context) (string, bool) {
	identity := c.GetHeader(identityHeader)
	if identity == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "identity header is required"})
		return "", false
	}

	return identity, true
}

func (h handler) campaign(c *gin.Context) (*ledger.Campaign, bool) {
	campaign, err := h.registry.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}

	return campaign, true
}

func (h handler) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError

	switch errors.Cause(err) {
	case model.ErrNotFound:
		code = http.StatusNotFound
	case model.ErrNotOwner:
		code = http.StatusForbidden
	case model.ErrInvalidTierIndex, model.ErrInvalidAmount, model.ErrInvalidDuration, registry.ErrInvalidRequest:
		code = http.StatusBadRequest
	case model.ErrNotOpen, model.ErrPaused, model.ErrTierAlreadyFunded,
		model.ErrNotSuccessful, model.ErrGoalNotReached, model.ErrNothingToWithdraw,
		model.ErrRefundsClosed, model.ErrNothingToRefund, model.ErrCreationPaused:
		code = http.StatusConflict
	}

	if code == http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}

	c.JSON(code, gin.H{"error": err.Error()})
}
