package pending

import (
	"context"
	"time"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
)

// RunExpirySweeper periodically marks overdue pending drafts expired so
// stale cards cannot be confirmed long after the user walked away.
// Confirm enforces the same deadline inline; the sweeper is cleanup.
func (e *Engine) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepExpired(ctx)
		}
	}
}

func (e *Engine) sweepExpired(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	overdue, err := e.store.ListOverduePendingActions(sweepCtx, e.now(), 100)
	if err != nil {
		e.logger.Warn().Err(err).Msg("expiry sweep failed")
		return
	}

	for _, action := range overdue {
		unlock := e.locks.lock(action.OperationID)
		moved, err := e.store.TransitionPendingAction(sweepCtx, action.OperationID, domain.ActionStatusExpired, nil, "")
		unlock()
		if err != nil {
			e.logger.Warn().Str("operation_id", action.OperationID).Err(err).Msg("failed to expire draft")
			continue
		}
		if moved {
			e.logger.Info().Str("operation_id", action.OperationID).Msg("draft expired by sweeper")
		}
	}
}
