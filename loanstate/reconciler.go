// Package loanstate maintains the per-account view of borrowed and lent
// loans, eventually consistent with ledger truth. The reconciler is the sole
// owner of the in-memory collection; everyone else works on snapshots.
package loanstate

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"nftlend/loan"
)

// Source is the slice of the gateway the reconciler reads from.
type Source interface {
	LoanIDsFor(ctx context.Context, addr common.Address, role loan.Role) ([]uint64, error)
	GetLoan(ctx context.Context, loanID uint64) (*loan.Loan, error)
	QueryEvents(ctx context.Context, kind loan.EventKind, fromBlock, toBlock uint64) ([]loan.Event, error)
	Head(ctx context.Context) (uint64, error)
}

// Config tunes the refresh policy.
type Config struct {
	// Account is the connected address whose loans are tracked.
	Account common.Address
	// Interval paces scheduled refreshes and floors explicit ones:
	// refreshes never run more often than this.
	Interval time.Duration
	// EventWindow bounds event queries to the most recent N blocks.
	EventWindow uint64
}

// Snapshot is one complete, immutable view handed to readers.
type Snapshot struct {
	Borrowed  []*loan.Loan
	Lent      []*loan.Loan
	Events    []loan.Event
	Head      uint64
	UpdatedAt time.Time
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{Head: s.Head, UpdatedAt: s.UpdatedAt}
	out.Borrowed = make([]*loan.Loan, len(s.Borrowed))
	for i, l := range s.Borrowed {
		out.Borrowed[i] = l.Clone()
	}
	out.Lent = make([]*loan.Loan, len(s.Lent))
	for i, l := range s.Lent {
		out.Lent[i] = l.Clone()
	}
	out.Events = append([]loan.Event(nil), s.Events...)
	return out
}

// Reconciler polls the ledger and merges optimistic updates from confirmed
// operations.
type Reconciler struct {
	source  Source
	cfg     Config
	log     *slog.Logger
	limiter *rate.Limiter

	refreshCh chan struct{}
	updates   chan Snapshot

	mu   sync.RWMutex
	snap Snapshot
}

// New constructs a reconciler with an empty snapshot.
func New(source Source, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.EventWindow == 0 {
		cfg.EventWindow = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		source:    source,
		cfg:       cfg,
		log:       logger.With("component", "loanstate"),
		limiter:   rate.NewLimiter(rate.Every(cfg.Interval), 1),
		refreshCh: make(chan struct{}, 1),
		updates:   make(chan Snapshot, 1),
	}
	return r
}

// Snapshot returns a deep copy of the current view.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.clone()
}

// Updates delivers the latest snapshot after each change. The channel holds
// one element; a slow reader only ever misses intermediate states, never the
// newest one.
func (r *Reconciler) Updates() <-chan Snapshot { return r.updates }

// RefreshNow requests an immediate refresh. The interval still floors the
// actual poll rate, so hammering this is safe.
func (r *Reconciler) RefreshNow() {
	select {
	case r.refreshCh <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled: once on entry, then on every tick or
// explicit request that the rate floor admits.
func (r *Reconciler) Run(ctx context.Context) error {
	r.attemptRefresh(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.attemptRefresh(ctx)
		case <-r.refreshCh:
			r.attemptRefresh(ctx)
		}
	}
}

// attemptRefresh runs a refresh when the rate floor admits one. A failed
// refresh leaves the prior snapshot untouched: scheduled refreshes swallow
// the error so a flaky ledger never interrupts the user, it only leaves the
// view stale.
func (r *Reconciler) attemptRefresh(ctx context.Context) {
	if !r.limiter.Allow() {
		return
	}
	if err := r.Refresh(ctx); err != nil {
		r.log.Warn("refresh failed, keeping previous snapshot", "err", err)
	}
}

// Refresh builds a complete candidate snapshot and swaps it in only when
// every query succeeded.
func (r *Reconciler) Refresh(ctx context.Context) error {
	candidate := Snapshot{UpdatedAt: time.Now()}

	head, err := r.source.Head(ctx)
	if err != nil {
		return err
	}
	candidate.Head = head

	for _, side := range []struct {
		role loan.Role
		dst  *[]*loan.Loan
	}{
		{loan.RoleBorrower, &candidate.Borrowed},
		{loan.RoleLender, &candidate.Lent},
	} {
		ids, err := r.source.LoanIDsFor(ctx, r.cfg.Account, side.role)
		if err != nil {
			return err
		}
		loans := make([]*loan.Loan, 0, len(ids))
		for _, id := range ids {
			record, err := r.source.GetLoan(ctx, id)
			if err != nil {
				return err
			}
			loans = append(loans, record)
		}
		*side.dst = loans
	}

	from := uint64(0)
	if head > r.cfg.EventWindow {
		from = head - r.cfg.EventWindow
	}
	var fetched []loan.Event
	for _, kind := range loan.Kinds() {
		events, err := r.source.QueryEvents(ctx, kind, from, head)
		if err != nil {
			return err
		}
		fetched = append(fetched, events...)
	}
	candidate.Events = MergeEvents(nil, fetched)

	r.mu.Lock()
	r.snap = candidate
	r.mu.Unlock()
	r.publish()
	return nil
}

// ApplyConfirmed folds a just-confirmed operation's emitted event into the
// snapshot immediately. The write is optimistic: the next authoritative
// refresh overwrites it wholesale.
func (r *Reconciler) ApplyConfirmed(ev loan.Event) {
	r.mu.RLock()
	snap := r.snap.clone()
	r.mu.RUnlock()

	switch ev.Kind {
	case loan.EventCreated:
		if ev.Borrower == r.cfg.Account && findLoan(snap.Borrowed, ev.LoanID) == nil {
			snap.Borrowed = append(snap.Borrowed, &loan.Loan{
				ID:              ev.LoanID,
				Borrower:        ev.Borrower,
				Collateral:      ev.Collateral,
				TokenID:         ev.TokenID,
				Principal:       ev.Amount,
				InterestRateBps: ev.InterestRateBps,
				Duration:        ev.Duration,
				Active:          true,
			})
		}
	case loan.EventFunded:
		matched := false
		for _, l := range []*loan.Loan{findLoan(snap.Borrowed, ev.LoanID), findLoan(snap.Lent, ev.LoanID)} {
			if l != nil {
				matched = true
				l.Lender = ev.Lender
				if l.StartTime == 0 {
					// The event carries no timestamp; a local
					// approximation holds until the next refresh.
					l.StartTime = uint64(time.Now().Unix())
				}
			}
		}
		if !matched && ev.Lender == r.cfg.Account {
			// The account just funded a loan it had never borrowed or
			// lent against, so no record exists to update yet.
			snap.Lent = append(snap.Lent, r.fundedLoan(ev))
		}
	case loan.EventRepaid, loan.EventLiquidated:
		for _, l := range []*loan.Loan{findLoan(snap.Borrowed, ev.LoanID), findLoan(snap.Lent, ev.LoanID)} {
			if l != nil {
				l.Active = false
			}
		}
	}
	snap.Events = MergeEvents(snap.Events, []loan.Event{ev})

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()
	r.publish()
}

func (r *Reconciler) publish() {
	snap := r.Snapshot()
	for {
		select {
		case r.updates <- snap:
			return
		default:
			// Drop the stale element so the newest snapshot wins.
			select {
			case <-r.updates:
			default:
			}
		}
	}
}

// fundedLoan materializes the lender-side record for a loan first seen
// through its funding confirmation. The full ledger record is preferred; when
// the fetch fails a stub holds the slot until the next refresh fills it in.
func (r *Reconciler) fundedLoan(ev loan.Event) *loan.Loan {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if record, err := r.source.GetLoan(ctx, ev.LoanID); err == nil && record != nil {
		record.Lender = ev.Lender
		if record.StartTime == 0 {
			record.StartTime = uint64(time.Now().Unix())
		}
		return record
	}
	return &loan.Loan{
		ID:        ev.LoanID,
		Lender:    ev.Lender,
		Active:    true,
		StartTime: uint64(time.Now().Unix()),
	}
}

func findLoan(loans []*loan.Loan, id uint64) *loan.Loan {
	for _, l := range loans {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// MergeEvents combines event lists, deduplicating by (transaction, log
// position) and ordering by descending block number, ties broken by
// ascending log index within a block.
func MergeEvents(existing, incoming []loan.Event) []loan.Event {
	seen := make(map[loan.EventIdentity]struct{}, len(existing)+len(incoming))
	merged := make([]loan.Event, 0, len(existing)+len(incoming))
	for _, list := range [][]loan.Event{existing, incoming} {
		for _, ev := range list {
			if _, dup := seen[ev.Identity()]; dup {
				continue
			}
			seen[ev.Identity()] = struct{}{}
			merged = append(merged, ev)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].BlockNumber != merged[j].BlockNumber {
			return merged[i].BlockNumber > merged[j].BlockNumber
		}
		return merged[i].LogIndex < merged[j].LogIndex
	})
	return merged
}
