package httpapi

import (
	"carbon-ledger/services/verification"

	"github.com/gin-gonic/gin"
)

func (h *Handler) CreditActivity(c *gin.Context) {
	var req verification.CreditRequest
	if !bind(c, &req) {
		return
	}

	entry, err := h.verification.CreditActivity(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, entry)
}

type reviewRequest struct {
	Approve    *bool  `json:"approve" binding:"required"`
	ReviewerID string `json:"reviewer_id" binding:"required"`
	Note       string `json:"note"`
}

func (h *Handler) ReviewDecision(c *gin.Context) {
	var req reviewRequest
	if !bind(c, &req) {
		return
	}

	entry, err := h.verification.ReviewDecision(c.Request.Context(), c.Param("entry_id"), *req.Approve, req.ReviewerID, req.Note)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, entry)
}

type aiResultRequest struct {
	Confidence *float64 `json:"confidence" binding:"required"`
	Summary    string   `json:"summary"`
}

func (h *Handler) AIVerificationResult(c *gin.Context) {
	var req aiResultRequest
	if !bind(c, &req) {
		return
	}

	entry, err := h.verification.AIVerificationResult(c.Request.Context(), c.Param("entry_id"), *req.Confidence, req.Summary)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, entry)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelVerification(c *gin.Context) {
	var req reasonRequest
	if !bind(c, &req) {
		return
	}

	entry, err := h.verification.Cancel(c.Request.Context(), c.Param("entry_id"), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, entry)
}
