package ledger

const (
	operationGrant   = "grant"
	operationReserve = "reserve"
	operationRelease = "release"
	operationConsume = "consume"
	operationExpire  = "expire"

	operationStatusOK    = "ok"
	operationStatusNoop  = "noop"
	operationStatusError = "error"
)
