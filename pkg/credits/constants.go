package credits

const (
	operationPurchase = "purchase"
	operationRefund   = "refund"
	operationSpend    = "spend"
	operationAdjust   = "adjust"
	operationExpire   = "expire"
	operationDeliver  = "deliver"
	operationPending  = "register_payment"
	operationFail     = "fail_payment"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"

	eventKeyDelimiter    = ":"
	eventKeyPrefixRefund = "refund"
	eventKeyPrefixAdmin  = "admin"
	eventKeyPrefixSpend  = "spend"
	eventKeyPrefixExpire = "expire"

	defaultListLimit   = 50
	maxListLimit       = 200
	defaultSweepBatch  = 100
	defaultOutboxBatch = 50
)
