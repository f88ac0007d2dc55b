package httpapi

import (
	"net/http"

	"carbon-ledger/pkg/db/pagination"
	"carbon-ledger/pkg/errutil"
	"carbon-ledger/services/redemption"

	"github.com/gin-gonic/gin"
)

func (h *Handler) RequestRedemption(c *gin.Context) {
	var req redemption.RedeemRequest
	if !bind(c, &req) {
		return
	}

	r, err := h.redemption.Request(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, r)
}

func (h *Handler) GetRedemption(c *gin.Context) {
	r, err := h.redemption.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, r)
}

func (h *Handler) ListRedemptions(c *gin.Context) {
	var page pagination.Page
	if err := c.ShouldBindQuery(&page); err != nil {
		fail(c, errutil.BadRequest("invalid page", err))
		return
	}

	items, info, err := h.redemption.ListByUser(c.Request.Context(), c.Param("user_id"), page)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"redemptions": items, "page_info": info})
}

type settlementCompletedRequest struct {
	ExternalReference string `json:"external_reference"`
}

// SettlementCompleted is the callback of the settlement provider.
func (h *Handler) SettlementCompleted(c *gin.Context) {
	var req settlementCompletedRequest
	if !bind(c, &req) {
		return
	}

	r, err := h.redemption.Complete(c.Request.Context(), c.Param("id"), req.ExternalReference)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, r)
}

func (h *Handler) SettlementFailed(c *gin.Context) {
	var req reasonRequest
	if !bind(c, &req) {
		return
	}

	r, err := h.redemption.Fail(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, r)
}
