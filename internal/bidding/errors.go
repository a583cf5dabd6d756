package bidding

import "errors"

// ErrDeadlockRetryExhausted means the bid commit kept losing transaction
// conflicts through every retry. The bidder's reservation has already been
// released when it is returned.
var ErrDeadlockRetryExhausted = errors.New("deadlock retry exhausted")
