package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/warp/wallet-engine/ledger"
)

// Simulator fulfils purchases in-process. Services listed in Reject fail,
// services in Defer are accepted as pending, everything else succeeds after
// Latency.
type Simulator struct {
	Latency time.Duration
	Reject  map[string]bool
	Defer   map[string]bool

	mu        sync.Mutex
	submitted []ledger.TransactionID
}

func NewSimulator() *Simulator {
	return &Simulator{Reject: map[string]bool{}, Defer: map[string]bool{}}
}

func (s *Simulator) Submit(ctx context.Context, requestID ledger.TransactionID, req SubmitRequest) (Outcome, error) {
	s.mu.Lock()
	s.submitted = append(s.submitted, requestID)
	s.mu.Unlock()

	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return Outcome{}, fmt.Errorf("%w: %v", ledger.ErrProviderTimeout, ctx.Err())
		}
	}

	ref := "SIM-" + strings.ToUpper(strings.ReplaceAll(string(requestID), "-", ""))
	switch {
	case s.Reject[req.ServiceSlug]:
		return Outcome{}, fmt.Errorf("%w: %s is failing", ledger.ErrProviderRejected, req.ServiceSlug)
	case s.Defer[req.ServiceSlug]:
		return Outcome{Pending: true, Reference: ref, Status: "pending"}, nil
	}
	return Outcome{Reference: ref, Status: "success"}, nil
}

// Submitted returns the request ids seen so far.
func (s *Simulator) Submitted() []ledger.TransactionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.TransactionID(nil), s.submitted...)
}
