package httpapi

import (
	"net/http"

	"carbon-ledger/services/adjustment"
	"carbon-ledger/services/rate"
	"carbon-ledger/services/rule"

	"github.com/gin-gonic/gin"
)

func (h *Handler) Transfer(c *gin.Context) {
	var req adjustment.TransferRequest
	if !bind(c, &req) {
		return
	}

	t, err := h.adjustment.Transfer(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, t)
}

func (h *Handler) ReverseEntry(c *gin.Context) {
	var req reasonRequest
	if !bind(c, &req) {
		return
	}

	entry, err := h.adjustment.Reverse(c.Request.Context(), c.Param("entry_id"), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, entry)
}

// GetRate returns the rate in effect now, or at ?as_of when given.
func (h *Handler) GetRate(c *gin.Context) {
	rateType := rate.RateType(c.Param("rate_type"))
	asOf, err := queryTime(c, "as_of")
	if err != nil {
		fail(c, err)
		return
	}

	var snap *rate.Snapshot
	if asOf.IsZero() {
		snap, err = h.rates.CurrentRate(c.Request.Context(), rateType)
	} else {
		snap, err = h.rates.RateAsOf(c.Request.Context(), rateType, asOf)
	}
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, snap)
}

func (h *Handler) PublishRate(c *gin.Context) {
	var in rate.Snapshot
	if !bind(c, &in) {
		return
	}
	in.RateType = rate.RateType(c.Param("rate_type"))

	snap, err := h.rates.Publish(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.rules.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"rules": rules})
}

func (h *Handler) UpsertRule(c *gin.Context) {
	var r rule.Rule
	if !bind(c, &r) {
		return
	}
	r.ActivityType = c.Param("activity_type")

	saved, err := h.rules.Upsert(c.Request.Context(), r)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, saved)
}
