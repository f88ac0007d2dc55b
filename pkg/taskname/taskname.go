package taskname

const (
	// Verification tasks
	VerificationAI           = "verification:ai"
	VerificationManualReview = "verification:manual_review"

	// Redemption tasks
	RedemptionSettle = "redemption:settle"

	// Ledger tasks
	LedgerExpire = "ledger:expire"

	// Balance tasks
	BalanceReconcile = "balance:reconcile"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
