package httpapi

import (
	"errors"
	"strconv"
	"time"

	"carbon-ledger/pkg/errutil"
	"carbon-ledger/services/balance"
	"carbon-ledger/services/ledger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func queryInt(c *gin.Context, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errutil.BadRequest("invalid "+key, err, errutil.WithDetails(errutil.Detail{Field: key, Message: "must be a non-negative integer"}))
	}
	return v, nil
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errutil.BadRequest("invalid "+key, err, errutil.WithDetails(errutil.Detail{Field: key, Message: "must be an RFC3339 timestamp"}))
	}
	return t, nil
}

func (h *Handler) GetBalance(c *gin.Context) {
	b, err := h.balance.Get(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, b)
}

func (h *Handler) GetHistory(c *gin.Context) {
	var (
		r   ledger.HistoryRange
		err error
	)
	if r.FromSequence, err = queryInt(c, "from_seq"); err != nil {
		fail(c, err)
		return
	}
	if r.ToSequence, err = queryInt(c, "to_seq"); err != nil {
		fail(c, err)
		return
	}
	if r.Since, err = queryTime(c, "since"); err != nil {
		fail(c, err)
		return
	}
	if r.Until, err = queryTime(c, "until"); err != nil {
		fail(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		fail(c, err)
		return
	}
	r.Limit = int(limit)

	entries, err := h.ledger.History(c.Request.Context(), c.Param("user_id"), r)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"entries": entries})
}

func (h *Handler) GetEntry(c *gin.Context) {
	entry, err := h.ledger.Get(c.Request.Context(), c.Param("entry_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, entry)
}

func (h *Handler) VerifyChain(c *gin.Context) {
	userID := c.Param("user_id")
	valid, err := h.ledger.VerifyChain(c.Request.Context(), userID)
	if err != nil && !errors.Is(err, ledger.ErrChainIntegrity) {
		fail(c, err)
		return
	}

	resp := gin.H{"user_id": userID, "valid": valid}
	if err != nil {
		resp["error"] = errutil.As(err).Message
	}
	ok(c, resp)
}

func (h *Handler) ResumeChain(c *gin.Context) {
	userID := c.Param("user_id")
	if err := h.ledger.ResumeChain(c.Request.Context(), userID); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"user_id": userID, "halted": false})
}

// Reconcile reports drift between the stored and recomputed balance. A
// mismatch answers 409 with the full report.
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.balance.Reconcile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		if report != nil && errors.Is(err, balance.ErrReconciliationMismatch) {
			be := errutil.As(err)
			c.JSON(be.Code.HTTPStatus(), gin.H{"report": report, "error": be.JSON()})
			return
		}
		fail(c, err)
		return
	}
	ok(c, report)
}

type expireRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" binding:"required"`
}

func (h *Handler) Expire(c *gin.Context) {
	var req expireRequest
	if !bind(c, &req) {
		return
	}

	entry, err := h.adjustment.Expire(c.Request.Context(), c.Param("user_id"), req.Amount, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	if entry == nil {
		ok(c, gin.H{"expired": "0"})
		return
	}
	ok(c, entry)
}
