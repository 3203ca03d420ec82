package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PERIOD - Reporting window for the finance summary
// =============================================================================

// Period is the half-open window [Start, End). A nil bound is unbounded.
type Period struct {
	Name  string
	Start *time.Time
	End   *time.Time
}

type PeriodName string

const (
	PeriodToday PeriodName = "today"
	PeriodWeek  PeriodName = "week"  // since Monday 00:00
	PeriodMonth PeriodName = "month" // since the 1st
	PeriodYear  PeriodName = "year"  // since Jan 1
	PeriodAll   PeriodName = "all"
)

// ParsePeriod resolves a named period relative to now, in now's location.
// An empty name means all time.
func ParsePeriod(name string, now time.Time) (Period, error) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var start time.Time
	switch PeriodName(name) {
	case "", PeriodAll:
		return Period{Name: string(PeriodAll)}, nil
	case PeriodToday:
		start = day
	case PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
	case PeriodMonth:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	case PeriodYear:
		start = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location())
	default:
		return Period{}, fmt.Errorf("unknown period %q", name)
	}
	return Period{Name: name, Start: &start}, nil
}

// CustomPeriod builds an explicit window. Either bound may be nil.
func CustomPeriod(start, end *time.Time) (Period, error) {
	if start != nil && end != nil && !end.After(*start) {
		return Period{}, fmt.Errorf("period end %s is not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return Period{Name: "custom", Start: start, End: end}, nil
}

func (p Period) Contains(t time.Time) bool {
	if p.Start != nil && t.Before(*p.Start) {
		return false
	}
	if p.End != nil && !t.Before(*p.End) {
		return false
	}
	return true
}

// =============================================================================
// FINANCE SUMMARY
// =============================================================================

type CategoryTotal struct {
	Count    int
	Volume   Money
	Cashback Money
}

// FinanceSummary aggregates ledger activity for a period. Purchase volume
// counts completed purchases only; reversed (failed) purchases show up under
// Reversals and pending ones under Pending.
type FinanceSummary struct {
	Period Period

	Funding      Money
	FundingCount int

	Purchases       map[TxType]CategoryTotal
	PurchaseVolume  Money
	PurchaseCount   int
	CashbackGranted Money
	// CashbackRatio is CashbackGranted / PurchaseVolume.
	CashbackRatio decimal.Decimal

	Pending       Money
	PendingCount  int
	Reversals     Money
	ReversalCount int

	CashbackReversed Money
	AdminCredits     Money
	AdminDebits      Money

	// Balances is the sum held across all accounts right now, regardless of period.
	Balances Balances
}

// Summary computes the finance summary for p.
func (l *Ledger) Summary(ctx context.Context, p Period) (FinanceSummary, error) {
	records, err := l.store.ListTransactions(ctx, TransactionFilter{From: p.Start, To: p.End})
	if err != nil {
		return FinanceSummary{}, err
	}
	balances, err := l.store.SumBalances(ctx)
	if err != nil {
		return FinanceSummary{}, err
	}

	s := FinanceSummary{
		Period:    p,
		Purchases: make(map[TxType]CategoryTotal),
		Balances:  balances,
	}
	for _, rec := range records {
		switch {
		case rec.Type == TxFunding:
			s.Funding += rec.Amount
			s.FundingCount++
		case rec.Type == TxAdminCredit:
			s.AdminCredits += rec.Amount
		case rec.Type == TxAdminDebit:
			s.AdminDebits += rec.Amount
		case rec.Type == TxReversal:
			s.Reversals += rec.Amount
			s.ReversalCount++
			if d, ok := rec.Details.(ReversalDetails); ok {
				s.CashbackReversed += d.CashbackReversed
			}
		case rec.Type.IsPurchase() && rec.Status == StatusCompleted:
			t := s.Purchases[rec.Type]
			t.Count++
			t.Volume += rec.Amount
			t.Cashback += rec.CashbackEarned
			s.Purchases[rec.Type] = t
			s.PurchaseVolume += rec.Amount
			s.PurchaseCount++
			s.CashbackGranted += rec.CashbackEarned
		case rec.Type.IsPurchase() && rec.Status == StatusPending:
			s.Pending += rec.Amount
			s.PendingCount++
		}
	}
	if s.PurchaseVolume > 0 {
		s.CashbackRatio = s.CashbackGranted.Decimal().Div(s.PurchaseVolume.Decimal()).Round(4)
	}
	return s, nil
}
