package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/wallet-engine/ledger"
	"github.com/warp/wallet-engine/notify"
	"github.com/warp/wallet-engine/provider"
)

// =============================================================================
// PROVIDER CALLBACKS
// =============================================================================

// HandleCallback applies an asynchronous provider outcome to a pending
// purchase. Repeated callbacks are no-ops. A success for a purchase that was
// already reversed is ErrInvalidTransition and needs manual follow-up.
func (o *Orchestrator) HandleCallback(ctx context.Context, cb provider.Callback) (Receipt, error) {
	log := o.log.WithFields(logrus.Fields{"tx_id": cb.RequestID, "success": cb.Success})

	rec, err := o.ledger.Transaction(ctx, cb.RequestID)
	if err != nil {
		return Receipt{}, err
	}
	if !rec.Type.IsPurchase() {
		return Receipt{}, fmt.Errorf("%w: callback for %s record %s", ledger.ErrInvalidTransition, rec.Type, rec.ID)
	}
	log = log.WithField("user_id", rec.UserID)

	if cb.Success {
		return o.settle(ctx, rec.ID, ledger.Settlement{ProviderReference: cb.Reference, ProviderStatus: cb.Status}, log)
	}

	cause := fmt.Errorf("%w: %s", ledger.ErrProviderRejected, cb.Error)
	receipt, err := o.reverse(ctx, rec, cause, log)
	var reversed *ReversedError
	if errors.As(err, &reversed) {
		return receipt, nil
	}
	return receipt, err
}

// =============================================================================
// STALE PENDING SWEEP
// =============================================================================

// ReconcileStale reverses purchases left pending for longer than maxAge; a
// lost provider answer counts as a timeout. It returns how many it reversed.
func (o *Orchestrator) ReconcileStale(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := o.ledger.StalePending(ctx, maxAge)
	if err != nil {
		return 0, err
	}

	reversed := 0
	var errs []error
	for _, rec := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		log := o.log.WithFields(logrus.Fields{"tx_id": rec.ID, "user_id": rec.UserID, "age": time.Since(rec.CreatedAt).Round(time.Second)})
		cause := fmt.Errorf("%w: no provider outcome after %s", ledger.ErrProviderTimeout, maxAge)

		receipt, err := o.reverse(ctx, rec, cause, log)
		var rev *ReversedError
		switch {
		case errors.As(err, &rev):
			if !receipt.Replayed {
				reversed++
			}
		case errors.Is(err, ledger.ErrInvalidTransition):
			// Settled by a callback since the listing.
		default:
			errs = append(errs, err)
		}
	}
	return reversed, errors.Join(errs...)
}

// =============================================================================
// MANUAL RECONCILIATION
// =============================================================================

// ReverseManually lets an operator reverse a pending purchase.
func (o *Orchestrator) ReverseManually(ctx context.Context, id ledger.TransactionID, actor, reason string) (Receipt, error) {
	rec, err := o.ledger.Transaction(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	res, err := o.ledger.Reverse(ctx, id, ledger.Reversal{
		Reason:         fmt.Sprintf("manual reversal by %s: %s", actor, reason),
		ProviderStatus: "manual",
	})
	if err != nil {
		return Receipt{}, err
	}
	original, err := o.ledger.Transaction(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if !res.Replayed {
		o.log.WithFields(logrus.Fields{"tx_id": id, "user_id": rec.UserID, "actor": actor}).Warn("purchase reversed manually")
		o.recorder.PurchaseOutcome(rec.Type, string(StateReversed))
		o.notify(ctx, notify.EventPurchaseReversed, original, res.Account)
	}
	return Receipt{State: StateReversed, Record: original, Account: res.Account, Replayed: res.Replayed}, nil
}

// =============================================================================
// FUNDING
// =============================================================================

// Fund credits a confirmed payment and announces it.
func (o *Orchestrator) Fund(ctx context.Context, req ledger.FundRequest) (ledger.Result, error) {
	res, err := o.ledger.Fund(ctx, req)
	if err != nil {
		return res, err
	}
	if !res.Replayed {
		o.notify(ctx, notify.EventWalletFunded, res.Record, res.Account)
	}
	return res, nil
}
