package ledger

import "carbon-ledger/pkg/errutil"

var (
	ErrInvalidAmount     = errutil.Sentinel(errutil.StatusBadRequest, "INVALID_AMOUNT", "invalid amount")
	ErrInvalidDraft      = errutil.Sentinel(errutil.StatusValidationFailed, "INVALID_DRAFT", "invalid ledger entry")
	ErrDuplicateActivity = errutil.Sentinel(errutil.StatusConflict, "DUPLICATE_ACTIVITY", "activity already credited")
	ErrChainIntegrity    = errutil.Sentinel(errutil.StatusLocked, "CHAIN_INTEGRITY", "ledger chain integrity violated")
	ErrEntryNotFound     = errutil.Sentinel(errutil.StatusNotFound, "ENTRY_NOT_FOUND", "ledger entry not found")
	ErrInvalidTransition = errutil.Sentinel(errutil.StatusConflict, "INVALID_TRANSITION", "invalid verification transition")
)
