package ledger

const (
	operationEnsureAccount  = "ensure_account"
	operationDeduct         = "deduct"
	operationRefund         = "refund"
	operationCapture        = "capture"
	operationCreditPurchase = "credit_purchase"
	operationGrant          = "grant"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter  = ":"
	idempotencyPrefixSignup  = "signup"
	idempotencyPrefixCharge  = "charge"
	idempotencyPrefixPayment = "payment"
	idempotencySuffixSpend   = "spend"
	idempotencySuffixRefund  = "refund"

	descriptionSignupGrant = "signup grant"
	descriptionGeneration  = "generation"
	descriptionRefund      = "refund"
	descriptionPurchase    = "payment"

	maxRefundReasonLength = 200

	// RefundReasonTimeout marks a refund issued after the provider never finished.
	RefundReasonTimeout = "timeout"
	// RefundReasonFailed marks a refund issued after the provider reported failure.
	RefundReasonFailed = "failed"
)
