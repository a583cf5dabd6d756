package bidding

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/auctionworks/settle/internal/taskqueue"
	"github.com/auctionworks/settle/pkg/ledger"
)

// ReleasePayload is the body of a release_reservation task.
type ReleasePayload struct {
	UserID        string `json:"user_id"`
	ReservationID string `json:"reservation_id"`
	AuctionID     string `json:"auction_id"`
}

// RegisterJobs binds the coordinator's deferred work to the worker. The
// release handler is idempotent: a reservation already released, consumed,
// or expired is success, so at-least-once delivery is safe.
func RegisterJobs(worker *taskqueue.Worker, reserver Reserver, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	worker.Register(TaskReleaseReservation, func(ctx context.Context, payload json.RawMessage) error {
		var release ReleasePayload
		if err := json.Unmarshal(payload, &release); err != nil {
			// Malformed payloads never become valid; don't retry them.
			log.Error("undecodable release payload", zap.Error(err))
			return nil
		}
		err := reserver.Release(ctx, release.UserID, release.ReservationID)
		if errors.Is(err, ledger.ErrReservationClosed) || errors.Is(err, ledger.ErrUnknownReservation) {
			return nil
		}
		return err
	})
}
