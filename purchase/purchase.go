/*
Package purchase drives a purchase from PIN check to settlement or reversal.

STATE MACHINE:
  initiated -> pin_verified -> debited -> provider_pending
      provider_pending -> provider_settled -> completed
      provider_pending -> provider_failed  -> reversed
  Rejections before the debit end in failed. Nothing is written then.

FAILURE HANDLING:
  A provider failure or timeout is compensated with ledger.Reverse. The
  caller gets a *ReversedError (funds returned), never the bare provider
  error. If the reversal itself fails the debit is stranded: the error
  wraps ledger.ErrReversalFailed, is logged with alert=true and counted.

SEE ALSO:
  - ledger/ledger.go: Debit, Settle, Reverse
  - provider/provider.go: Submit and callbacks
*/
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
// STATES
// =============================================================================

type State string

const (
	StateInitiated       State = "initiated"
	StatePinVerified     State = "pin_verified"
	StateDebited         State = "debited"
	StateProviderPending State = "provider_pending"
	StateProviderSettled State = "provider_settled"
	StateProviderFailed  State = "provider_failed"
	StateCompleted       State = "completed"
	StateReversed        State = "reversed"
	StateFailed          State = "failed"
)

// stateOf maps a stored record back to the purchase state it represents.
func stateOf(rec ledger.TransactionRecord) State {
	switch rec.Status {
	case ledger.StatusPending:
		return StateProviderPending
	case ledger.StatusFailed:
		return StateReversed
	}
	return StateCompleted
}

// =============================================================================
// COLLABORATORS
// =============================================================================

type PinVerifier interface {
	VerifyPin(ctx context.Context, userID ledger.UserID, pin string) (bool, error)
}

// Recorder receives purchase outcomes for metrics.
type Recorder interface {
	PurchaseOutcome(category ledger.TxType, outcome string)
	ReversalFailed()
	ObserveProvider(service string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) PurchaseOutcome(ledger.TxType, string) {}
func (nopRecorder) ReversalFailed()                       {}
func (nopRecorder) ObserveProvider(string, time.Duration) {}

// =============================================================================
// ERRORS
// =============================================================================

// ReversedError reports a purchase whose debit was returned because the
// provider failed. Unwrap yields the provider error.
type ReversedError struct {
	TransactionID ledger.TransactionID
	Refunded      ledger.Money
	Cause         error
}

func (e *ReversedError) Error() string {
	return fmt.Sprintf("purchase %s reversed, %d refunded: %v", e.TransactionID, e.Refunded, e.Cause)
}

func (e *ReversedError) Unwrap() error { return e.Cause }

// =============================================================================
// ORCHESTRATOR
// =============================================================================

const DefaultProviderTimeout = 30 * time.Second

type Orchestrator struct {
	ledger   *ledger.Ledger
	catalog  ledger.Catalog
	pins     PinVerifier
	provider provider.Provider
	notifier notify.Notifier
	recorder Recorder
	timeout  time.Duration
	log      logrus.FieldLogger
}

type Option func(*Orchestrator)

func WithNotifier(n notify.Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }
func WithRecorder(r Recorder) Option        { return func(o *Orchestrator) { o.recorder = r } }
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithProviderTimeout bounds every provider submission.
func WithProviderTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func New(l *ledger.Ledger, catalog ledger.Catalog, pins PinVerifier, p provider.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:   l,
		catalog:  catalog,
		pins:     pins,
		provider: p,
		recorder: nopRecorder{},
		timeout:  DefaultProviderTimeout,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.notifier == nil {
		o.notifier = notify.LogNotifier{Log: o.log}
	}
	return o
}

type Request struct {
	UserID         ledger.UserID
	ServiceSlug    string
	Amount         ledger.Money
	Details        ledger.Details
	Pin            string
	IdempotencyKey string
}

// Receipt is the final state of a purchase and the records behind it.
type Receipt struct {
	State    State
	Record   ledger.TransactionRecord // the purchase record
	Account  ledger.Account
	Replayed bool
}

// Purchase runs one purchase end to end.
func (o *Orchestrator) Purchase(ctx context.Context, req Request) (Receipt, error) {
	log := o.log.WithFields(logrus.Fields{"user_id": req.UserID, "service": req.ServiceSlug})
	state := StateInitiated

	ok, err := o.pins.VerifyPin(ctx, req.UserID, req.Pin)
	if err != nil {
		return Receipt{State: StateFailed}, fmt.Errorf("failed to verify pin: %w", err)
	}
	if !ok {
		log.WithField("state", state).Info("purchase rejected: pin mismatch")
		return Receipt{State: StateFailed}, &ledger.RejectionError{Reason: ledger.ErrInvalidPin}
	}
	state = StatePinVerified

	if req.IdempotencyKey != "" {
		rec, err := o.ledger.TransactionByKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			return o.replay(ctx, req, rec)
		case !errors.Is(err, ledger.ErrTransactionNotFound):
			return Receipt{State: StateFailed}, err
		}
	}

	svc, err := o.catalog.Service(req.ServiceSlug)
	if err != nil {
		log.WithError(err).Info("purchase rejected: service lookup failed")
		return Receipt{State: StateFailed}, err
	}

	acc, err := o.ledger.Account(ctx, req.UserID)
	if err != nil {
		return Receipt{State: StateFailed}, err
	}
	if err := ledger.CheckPurchase(acc, req.Amount, svc); err != nil {
		o.recorder.PurchaseOutcome(svc.Category, "rejected")
		log.WithError(err).WithField("state", state).Info("purchase rejected by guard")
		return Receipt{State: StateFailed}, err
	}

	status := ledger.StatusCompleted
	if svc.Provider != "" {
		status = ledger.StatusPending
	}
	res, err := o.ledger.Debit(ctx, ledger.DebitRequest{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Type:           svc.Category,
		ServiceSlug:    svc.Slug,
		Details:        req.Details,
		CashbackRate:   svc.CashbackRate,
		IdempotencyKey: req.IdempotencyKey,
		Status:         status,
	})
	if err != nil {
		if ledger.IsClientError(err) {
			o.recorder.PurchaseOutcome(svc.Category, "rejected")
		}
		return Receipt{State: StateFailed}, err
	}
	if res.Replayed {
		return o.replay(ctx, req, res.Record)
	}
	state = StateDebited
	log = log.WithField("tx_id", res.Record.ID)
	log.WithField("state", state).Debug("purchase debited")

	if status == ledger.StatusCompleted {
		o.recorder.PurchaseOutcome(svc.Category, string(StateCompleted))
		o.notify(ctx, notify.EventPurchaseCompleted, res.Record, res.Account)
		return Receipt{State: StateCompleted, Record: res.Record, Account: res.Account}, nil
	}

	return o.submit(ctx, svc, res, log)
}

// submit hands a debited purchase to the provider and settles or reverses it.
func (o *Orchestrator) submit(ctx context.Context, svc ledger.ServiceDescriptor, debited ledger.Result, log logrus.FieldLogger) (Receipt, error) {
	rec := debited.Record
	log.WithField("state", StateProviderPending).Debug("submitting to provider")

	submitCtx, cancel := context.WithTimeout(ctx, o.timeout)
	start := time.Now()
	out, perr := o.provider.Submit(submitCtx, rec.ID, provider.SubmitRequest{
		UserID:      rec.UserID,
		ServiceSlug: svc.Slug,
		Category:    svc.Category,
		Amount:      rec.Amount,
		Details:     rec.Details,
	})
	cancel()
	o.recorder.ObserveProvider(svc.Slug, time.Since(start))

	// The debit stands regardless of the caller going away; finish it.
	ctx = context.WithoutCancel(ctx)

	if perr != nil {
		if errors.Is(perr, context.DeadlineExceeded) && !errors.Is(perr, ledger.ErrProviderTimeout) {
			perr = fmt.Errorf("%w: %v", ledger.ErrProviderTimeout, perr)
		}
		log.WithError(perr).WithField("state", StateProviderFailed).Warn("provider failed, reversing")
		receipt, err := o.reverse(ctx, rec, perr, log)
		if errors.Is(err, ledger.ErrInvalidTransition) {
			return o.settledMeanwhile(ctx, rec, receipt, err)
		}
		return receipt, err
	}

	if out.Pending {
		o.recorder.PurchaseOutcome(svc.Category, "pending")
		log.WithField("reference", out.Reference).Info("provider accepted purchase asynchronously")
		if out.Reference == "" && out.Status == "" {
			return Receipt{State: StateProviderPending, Record: rec, Account: debited.Account}, nil
		}
		res, err := o.ledger.Accept(ctx, rec.ID, ledger.Settlement{ProviderReference: out.Reference, ProviderStatus: out.Status})
		if err != nil {
			log.WithError(err).Warn("failed to record provider reference")
			rec.ProviderReference = out.Reference
			rec.ProviderStatus = out.Status
			return Receipt{State: StateProviderPending, Record: rec, Account: debited.Account}, nil
		}
		return Receipt{State: stateOf(res.Record), Record: res.Record, Account: res.Account}, nil
	}

	log.WithField("state", StateProviderSettled).Debug("provider settled purchase")
	return o.settle(ctx, rec.ID, ledger.Settlement{ProviderReference: out.Reference, ProviderStatus: out.Status}, log)
}

func (o *Orchestrator) settle(ctx context.Context, id ledger.TransactionID, s ledger.Settlement, log logrus.FieldLogger) (Receipt, error) {
	res, err := o.ledger.Settle(ctx, id, s)
	if err != nil {
		log.WithError(err).WithField("alert", true).Error("provider fulfilled a purchase that could not be settled")
		return Receipt{State: StateFailed}, err
	}
	if !res.Replayed {
		o.recorder.PurchaseOutcome(res.Record.Type, string(StateCompleted))
		o.notify(ctx, notify.EventPurchaseCompleted, res.Record, res.Account)
	}
	return Receipt{State: StateCompleted, Record: res.Record, Account: res.Account, Replayed: res.Replayed}, nil
}

// settledMeanwhile resolves a reversal that lost the race to a success
// callback. A completed record is reported as completed.
func (o *Orchestrator) settledMeanwhile(ctx context.Context, rec ledger.TransactionRecord, receipt Receipt, err error) (Receipt, error) {
	current, gerr := o.ledger.Transaction(ctx, rec.ID)
	if gerr != nil || current.Status != ledger.StatusCompleted {
		return receipt, err
	}
	acc, aerr := o.ledger.Account(ctx, rec.UserID)
	if aerr != nil {
		return Receipt{State: StateCompleted, Record: current}, aerr
	}
	return Receipt{State: StateCompleted, Record: current, Account: acc}, nil
}

// reverse compensates a failed purchase. It returns *ReversedError when the
// money is back, or an error wrapping ErrReversalFailed when it is not.
func (o *Orchestrator) reverse(ctx context.Context, rec ledger.TransactionRecord, cause error, log logrus.FieldLogger) (Receipt, error) {
	providerStatus := "failed"
	if errors.Is(cause, ledger.ErrProviderTimeout) {
		providerStatus = "timeout"
	}
	res, err := o.ledger.Reverse(ctx, rec.ID, ledger.Reversal{
		Reason:         "provider failure",
		ProviderStatus: providerStatus,
		ProviderError:  cause.Error(),
	})
	if errors.Is(err, ledger.ErrInvalidTransition) {
		log.WithError(err).Warn("purchase completed before it could be reversed")
		return Receipt{State: StateCompleted, Record: rec}, err
	}
	if err != nil {
		o.reversalFailed(ctx, rec, err, log)
		return Receipt{State: StateFailed, Record: rec}, fmt.Errorf("%w: transaction %s: %w", ledger.ErrReversalFailed, rec.ID, err)
	}

	original, gerr := o.ledger.Transaction(ctx, rec.ID)
	if gerr != nil {
		original = rec
	}
	if !res.Replayed {
		o.recorder.PurchaseOutcome(rec.Type, string(StateReversed))
		o.notify(ctx, notify.EventPurchaseReversed, original, res.Account)
	}
	log.WithField("state", StateReversed).Info("purchase reversed")
	return Receipt{State: StateReversed, Record: original, Account: res.Account, Replayed: res.Replayed},
		&ReversedError{TransactionID: rec.ID, Refunded: rec.Amount, Cause: cause}
}

func (o *Orchestrator) reversalFailed(ctx context.Context, rec ledger.TransactionRecord, err error, log logrus.FieldLogger) {
	o.recorder.ReversalFailed()
	log.WithError(err).WithFields(logrus.Fields{
		"alert":  true,
		"amount": rec.Amount,
	}).Error("reversal failed; debit requires manual reconciliation")
	o.notify(ctx, notify.EventReversalFailed, rec, ledger.Account{})
}

func (o *Orchestrator) replay(ctx context.Context, req Request, rec ledger.TransactionRecord) (Receipt, error) {
	if rec.UserID != req.UserID || !rec.Type.IsPurchase() {
		return Receipt{State: StateFailed}, fmt.Errorf("%w: key %q belongs to a different request", ledger.ErrDuplicateIdempotencyKey, req.IdempotencyKey)
	}
	acc, err := o.ledger.Account(ctx, req.UserID)
	if err != nil {
		return Receipt{State: StateFailed}, err
	}
	return Receipt{State: stateOf(rec), Record: rec, Account: acc, Replayed: true}, nil
}

func (o *Orchestrator) notify(ctx context.Context, event string, rec ledger.TransactionRecord, acc ledger.Account) {
	if err := o.notifier.Notify(ctx, notify.NewEvent(event, rec, acc)); err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{"event": event, "tx_id": rec.ID}).Warn("failed to publish wallet event")
	}
}
