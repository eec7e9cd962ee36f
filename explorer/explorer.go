// Package explorer is the ad hoc read path over loan history: recent
// lifecycle events by kind and single-loan lookups, layered on the gateway's
// query capability.
package explorer

import (
	"context"
	"log/slog"
	"sync"

	"nftlend/loan"
	"nftlend/loanstate"
)

// Gateway is the slice of the ledger gateway the explorer reads from.
type Gateway interface {
	QueryEvents(ctx context.Context, kind loan.EventKind, fromBlock, toBlock uint64) ([]loan.Event, error)
	GetLoan(ctx context.Context, loanID uint64) (*loan.Loan, error)
	Head(ctx context.Context) (uint64, error)
}

// Explorer serves historical lookups over a bounded recent window. Older
// history is not reconstructed; id-indexed GetLoan stays authoritative for
// loans of any age.
type Explorer struct {
	gw     Gateway
	store  *EventStore
	window uint64
	log    *slog.Logger

	mu     sync.Mutex
	synced map[loan.EventKind]blockRange
}

type blockRange struct{ from, to uint64 }

// New builds an explorer. store may be nil to run without a cache.
func New(gw Gateway, store *EventStore, windowBlocks uint64, logger *slog.Logger) *Explorer {
	if windowBlocks == 0 {
		windowBlocks = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Explorer{
		gw:     gw,
		store:  store,
		window: windowBlocks,
		log:    logger.With("component", "explorer"),
		synced: make(map[loan.EventKind]blockRange),
	}
}

// Recent lists lifecycle events over the most recent window, newest block
// first, optionally filtered to the given kinds. Fresh results are merged
// with the cache, and a window already synced into the cache is answered
// without another ledger round trip; when the ledger is unreachable the
// cached view is served stale instead of failing the lookup.
func (e *Explorer) Recent(ctx context.Context, kinds ...loan.EventKind) ([]loan.Event, error) {
	if len(kinds) == 0 {
		kinds = loan.Kinds()
	}

	head, err := e.gw.Head(ctx)
	if err != nil {
		if cached, ok := e.cachedAll(kinds); ok {
			e.log.Warn("ledger unreachable, serving cached events", "err", err)
			return cached, nil
		}
		return nil, err
	}
	from := uint64(0)
	if head > e.window {
		from = head - e.window
	}

	var merged []loan.Event
	for _, kind := range kinds {
		if cached, ok := e.fromCache(kind, from, head); ok {
			merged = loanstate.MergeEvents(merged, cached)
			continue
		}
		fetched, err := e.gw.QueryEvents(ctx, kind, from, head)
		if err != nil {
			return nil, err
		}
		if e.store != nil {
			if saveErr := e.store.Save(fetched); saveErr != nil {
				e.log.Warn("could not cache events", "err", saveErr)
			} else if cached, cacheErr := e.store.Window(kind, from, head); cacheErr == nil {
				fetched = cached
				e.markSynced(kind, from, head)
			}
		}
		merged = loanstate.MergeEvents(merged, fetched)
	}
	return merged, nil
}

// fromCache answers a window the store has fully synced without another
// ledger round trip. Events are append-only within final blocks, so a
// covered window is complete.
func (e *Explorer) fromCache(kind loan.EventKind, from, to uint64) ([]loan.Event, bool) {
	if e.store == nil {
		return nil, false
	}
	e.mu.Lock()
	r, ok := e.synced[kind]
	e.mu.Unlock()
	if !ok || from < r.from || to > r.to {
		return nil, false
	}
	cached, err := e.store.Window(kind, from, to)
	if err != nil {
		return nil, false
	}
	return cached, true
}

// markSynced records the last window fetched straight from the ledger.
// Windows always end at the current head, so each replaces the previous one
// outright. No union is kept: a head jump larger than the window would leave
// a gap the store never saw.
func (e *Explorer) markSynced(kind loan.EventKind, from, to uint64) {
	e.mu.Lock()
	e.synced[kind] = blockRange{from: from, to: to}
	e.mu.Unlock()
}

// cachedAll serves the whole cache for the requested kinds, regardless of
// window, as a degraded-mode answer.
func (e *Explorer) cachedAll(kinds []loan.EventKind) ([]loan.Event, bool) {
	if e.store == nil {
		return nil, false
	}
	var merged []loan.Event
	for _, kind := range kinds {
		cached, err := e.store.Window(kind, 0, ^uint64(0))
		if err != nil {
			return nil, false
		}
		merged = loanstate.MergeEvents(merged, cached)
	}
	return merged, len(merged) > 0
}

// LoanRecord is one loan joined with its recently observed events.
type LoanRecord struct {
	Loan   *loan.Loan
	Events []loan.Event
}

// Find looks up one loan's full record by id together with its events from
// the recent window.
func (e *Explorer) Find(ctx context.Context, loanID uint64) (*LoanRecord, error) {
	record, err := e.gw.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	events, err := e.Recent(ctx)
	if err != nil {
		// The loan record alone is still an answer.
		e.log.Warn("could not list events for loan lookup", "loan", loanID, "err", err)
		return &LoanRecord{Loan: record}, nil
	}
	filtered := events[:0:0]
	for _, ev := range events {
		if ev.LoanID == loanID {
			filtered = append(filtered, ev)
		}
	}
	return &LoanRecord{Loan: record, Events: filtered}, nil
}
