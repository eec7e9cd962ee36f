package loanstate

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"nftlend/loan"
)

var account = common.HexToAddress("0x1111111111111111111111111111111111111111")

// fakeSource serves a scripted ledger state.
type fakeSource struct {
	mu       sync.Mutex
	head     uint64
	borrowed []uint64
	lent     []uint64
	loans    map[uint64]*loan.Loan
	events   map[loan.EventKind][]loan.Event
	fail     error

	eventQueries []struct{ from, to uint64 }
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		head:   5000,
		loans:  make(map[uint64]*loan.Loan),
		events: make(map[loan.EventKind][]loan.Event),
	}
}

func (s *fakeSource) LoanIDsFor(_ context.Context, _ common.Address, role loan.Role) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	if role == loan.RoleLender {
		return s.lent, nil
	}
	return s.borrowed, nil
}

func (s *fakeSource) GetLoan(_ context.Context, loanID uint64) (*loan.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	l, ok := s.loans[loanID]
	if !ok {
		return nil, errors.New("not found")
	}
	return l.Clone(), nil
}

func (s *fakeSource) QueryEvents(_ context.Context, kind loan.EventKind, from, to uint64) ([]loan.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	s.eventQueries = append(s.eventQueries, struct{ from, to uint64 }{from, to})
	return s.events[kind], nil
}

func (s *fakeSource) Head(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	return s.head, nil
}

func (s *fakeSource) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func testLoan(id uint64, borrower common.Address) *loan.Loan {
	return &loan.Loan{
		ID:              id,
		Borrower:        borrower,
		TokenID:         big.NewInt(int64(id)),
		Principal:       big.NewInt(1000),
		InterestRateBps: 500,
		Duration:        86_400,
		Active:          true,
	}
}

func event(kind loan.EventKind, loanID, block uint64, logIndex uint) loan.Event {
	return loan.Event{
		Kind:        kind,
		LoanID:      loanID,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000 + uint64(logIndex)))),
		LogIndex:    logIndex,
	}
}

func TestRefreshBuildsSnapshot(t *testing.T) {
	source := newFakeSource()
	source.borrowed = []uint64{1}
	source.lent = []uint64{2}
	source.loans[1] = testLoan(1, account)
	source.loans[2] = testLoan(2, common.HexToAddress("0x2"))
	source.events[loan.EventCreated] = []loan.Event{event(loan.EventCreated, 1, 4990, 0)}
	source.events[loan.EventFunded] = []loan.Event{event(loan.EventFunded, 2, 4995, 1)}

	r := New(source, Config{Account: account, EventWindow: 1000}, nil)
	require.NoError(t, r.Refresh(context.Background()))

	snap := r.Snapshot()
	require.Equal(t, uint64(5000), snap.Head)
	require.Len(t, snap.Borrowed, 1)
	require.Equal(t, uint64(1), snap.Borrowed[0].ID)
	require.Len(t, snap.Lent, 1)
	require.Equal(t, uint64(2), snap.Lent[0].ID)
	require.Len(t, snap.Events, 2)
	// Newest block first.
	require.Equal(t, uint64(4995), snap.Events[0].BlockNumber)
	require.False(t, snap.UpdatedAt.IsZero())

	// The query window is anchored at head minus the configured span.
	require.NotEmpty(t, source.eventQueries)
	require.Equal(t, uint64(4000), source.eventQueries[0].from)
	require.Equal(t, uint64(5000), source.eventQueries[0].to)
}

func TestRefreshWindowClampsAtGenesis(t *testing.T) {
	source := newFakeSource()
	source.head = 300
	r := New(source, Config{Account: account, EventWindow: 1000}, nil)
	require.NoError(t, r.Refresh(context.Background()))
	require.Equal(t, uint64(0), source.eventQueries[0].from)
	require.Equal(t, uint64(300), source.eventQueries[0].to)
}

func TestFailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	source := newFakeSource()
	source.borrowed = []uint64{1}
	source.loans[1] = testLoan(1, account)

	r := New(source, Config{Account: account}, nil)
	require.NoError(t, r.Refresh(context.Background()))
	require.Len(t, r.Snapshot().Borrowed, 1)

	source.setFail(errors.New("ledger down"))
	require.Error(t, r.Refresh(context.Background()))

	snap := r.Snapshot()
	require.Len(t, snap.Borrowed, 1)
	require.Equal(t, uint64(5000), snap.Head)
}

func TestSnapshotIsIsolatedFromInternalState(t *testing.T) {
	source := newFakeSource()
	source.borrowed = []uint64{1}
	source.loans[1] = testLoan(1, account)

	r := New(source, Config{Account: account}, nil)
	require.NoError(t, r.Refresh(context.Background()))

	snap := r.Snapshot()
	snap.Borrowed[0].Principal.SetInt64(9)
	snap.Borrowed[0].Active = false

	fresh := r.Snapshot()
	require.Equal(t, int64(1000), fresh.Borrowed[0].Principal.Int64())
	require.True(t, fresh.Borrowed[0].Active)
}

func TestApplyConfirmedCreated(t *testing.T) {
	r := New(newFakeSource(), Config{Account: account}, nil)

	ev := event(loan.EventCreated, 3, 5001, 0)
	ev.Borrower = account
	ev.TokenID = big.NewInt(3)
	ev.Amount = big.NewInt(500)
	ev.InterestRateBps = 250
	ev.Duration = 60
	r.ApplyConfirmed(ev)

	snap := r.Snapshot()
	require.Len(t, snap.Borrowed, 1)
	require.Equal(t, uint64(3), snap.Borrowed[0].ID)
	require.True(t, snap.Borrowed[0].Active)
	require.Len(t, snap.Events, 1)

	// Replaying the same confirmation neither duplicates the loan nor the
	// event.
	r.ApplyConfirmed(ev)
	snap = r.Snapshot()
	require.Len(t, snap.Borrowed, 1)
	require.Len(t, snap.Events, 1)
}

func TestApplyConfirmedFundedAndClosed(t *testing.T) {
	source := newFakeSource()
	source.borrowed = []uint64{1}
	source.loans[1] = testLoan(1, account)
	r := New(source, Config{Account: account}, nil)
	require.NoError(t, r.Refresh(context.Background()))

	lender := common.HexToAddress("0x2")
	funded := event(loan.EventFunded, 1, 5001, 0)
	funded.Lender = lender
	r.ApplyConfirmed(funded)

	snap := r.Snapshot()
	require.Equal(t, lender, snap.Borrowed[0].Lender)
	require.NotZero(t, snap.Borrowed[0].StartTime)

	repaid := event(loan.EventRepaid, 1, 5002, 0)
	repaid.Borrower = account
	r.ApplyConfirmed(repaid)
	require.False(t, r.Snapshot().Borrowed[0].Active)
}

func TestApplyConfirmedFundedAsLenderInsertsRecord(t *testing.T) {
	borrower := common.HexToAddress("0x1234")
	source := newFakeSource()
	source.loans[4] = testLoan(4, borrower)
	r := New(source, Config{Account: account}, nil)

	// The account funds a loan it has never seen; the snapshot is empty.
	ev := event(loan.EventFunded, 4, 5001, 0)
	ev.Lender = account
	r.ApplyConfirmed(ev)

	snap := r.Snapshot()
	require.Len(t, snap.Lent, 1)
	require.Equal(t, uint64(4), snap.Lent[0].ID)
	require.Equal(t, account, snap.Lent[0].Lender)
	require.Equal(t, borrower, snap.Lent[0].Borrower)
	require.NotZero(t, snap.Lent[0].StartTime)
	require.Len(t, snap.Events, 1)

	// Replaying the confirmation does not duplicate the record.
	r.ApplyConfirmed(ev)
	require.Len(t, r.Snapshot().Lent, 1)
}

func TestApplyConfirmedFundedAsLenderUnreachableLedger(t *testing.T) {
	source := newFakeSource()
	source.setFail(errors.New("connection refused"))
	r := New(source, Config{Account: account}, nil)

	ev := event(loan.EventFunded, 4, 5001, 0)
	ev.Lender = account
	r.ApplyConfirmed(ev)

	// A stub holds the slot until the next refresh replaces it.
	snap := r.Snapshot()
	require.Len(t, snap.Lent, 1)
	require.Equal(t, uint64(4), snap.Lent[0].ID)
	require.True(t, snap.Lent[0].Active)
}

func TestApplyConfirmedIgnoresForeignLoans(t *testing.T) {
	r := New(newFakeSource(), Config{Account: account}, nil)

	ev := event(loan.EventCreated, 9, 5001, 0)
	ev.Borrower = common.HexToAddress("0xdead")
	r.ApplyConfirmed(ev)

	snap := r.Snapshot()
	require.Empty(t, snap.Borrowed)
	// The event itself still lands in the feed.
	require.Len(t, snap.Events, 1)
}

func TestUpdatesLatestWins(t *testing.T) {
	source := newFakeSource()
	r := New(source, Config{Account: account}, nil)

	// Two publishes with no reader: only the newest snapshot is retained.
	require.NoError(t, r.Refresh(context.Background()))
	source.mu.Lock()
	source.head = 6000
	source.mu.Unlock()
	require.NoError(t, r.Refresh(context.Background()))

	select {
	case snap := <-r.Updates():
		require.Equal(t, uint64(6000), snap.Head)
	default:
		t.Fatal("expected a pending update")
	}
}

func TestRunRespectsRateFloor(t *testing.T) {
	source := newFakeSource()
	r := New(source, Config{Account: account, Interval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// The entry refresh lands; hammering RefreshNow adds nothing inside the
	// interval.
	require.Eventually(t, func() bool {
		return r.Snapshot().Head == 5000
	}, time.Second, 10*time.Millisecond)
	for i := 0; i < 5; i++ {
		r.RefreshNow()
	}
	time.Sleep(50 * time.Millisecond)

	source.mu.Lock()
	queries := len(source.eventQueries)
	source.mu.Unlock()
	require.Equal(t, len(loan.Kinds()), queries)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestMergeEventsDedupAndOrder(t *testing.T) {
	a := event(loan.EventCreated, 1, 100, 0)
	b := event(loan.EventFunded, 1, 102, 3)
	c := event(loan.EventRepaid, 1, 102, 1)

	merged := MergeEvents([]loan.Event{a, b}, []loan.Event{b, c, a})
	require.Len(t, merged, 3)
	// Descending block, ascending log index within a block.
	require.Equal(t, c.Identity(), merged[0].Identity())
	require.Equal(t, b.Identity(), merged[1].Identity())
	require.Equal(t, a.Identity(), merged[2].Identity())
}
