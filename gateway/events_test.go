package gateway

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"nftlend/contracts"
	"nftlend/loan"
)

// packLog builds a raw log the way the loan contract emits it: topic 0 is the
// event id, topics 1 and 2 the indexed fields, the rest ABI-packed data.
func packLog(t *testing.T, handles *contracts.Handles, kind loan.EventKind, loanID uint64, secondParty common.Address, data ...interface{}) gethtypes.Log {
	t.Helper()
	abiEvent, ok := handles.Lending.ABI.Events[string(kind)]
	require.True(t, ok, string(kind))
	packed, err := abiEvent.Inputs.NonIndexed().Pack(data...)
	require.NoError(t, err)
	return gethtypes.Log{
		Address: handles.Lending.Address,
		Topics: []common.Hash{
			abiEvent.ID,
			common.BigToHash(new(big.Int).SetUint64(loanID)),
			common.BytesToHash(secondParty.Bytes()),
		},
		Data:        packed,
		BlockNumber: 90,
		TxHash:      common.HexToHash("0xbeef"),
		Index:       2,
	}
}

func TestQueryEventsDecodesCreated(t *testing.T) {
	client := newFakeClient()
	gw, handles := newTestGateway(t, client)

	entry := packLog(t, handles, loan.EventCreated, 5, borrowerAddr,
		common.Address{}, handles.Collateral.Address, big.NewInt(3),
		big.NewInt(1_000_000), big.NewInt(500), big.NewInt(86_400))
	client.filterLogs = func(q ethereum.FilterQuery) ([]gethtypes.Log, error) {
		require.Equal(t, []common.Address{handles.Lending.Address}, q.Addresses)
		require.Equal(t, handles.Lending.ABI.Events[string(loan.EventCreated)].ID, q.Topics[0][0])
		return []gethtypes.Log{entry}, nil
	}

	events, err := gw.QueryEvents(context.Background(), loan.EventCreated, 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.Equal(t, loan.EventCreated, ev.Kind)
	require.Equal(t, uint64(5), ev.LoanID)
	require.Equal(t, borrowerAddr, ev.Borrower)
	require.Equal(t, handles.Collateral.Address, ev.Collateral)
	require.Equal(t, int64(3), ev.TokenID.Int64())
	require.Equal(t, int64(1_000_000), ev.Amount.Int64())
	require.Equal(t, uint64(500), ev.InterestRateBps)
	require.Equal(t, uint64(86_400), ev.Duration)
	require.Equal(t, uint64(90), ev.BlockNumber)
	require.Equal(t, uint(2), ev.LogIndex)
}

func TestQueryEventsDecodesFundedAndRepaid(t *testing.T) {
	client := newFakeClient()
	gw, handles := newTestGateway(t, client)

	funded := packLog(t, handles, loan.EventFunded, 5, lenderAddr)
	client.filterLogs = func(ethereum.FilterQuery) ([]gethtypes.Log, error) {
		return []gethtypes.Log{funded}, nil
	}
	events, err := gw.QueryEvents(context.Background(), loan.EventFunded, 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, lenderAddr, events[0].Lender)

	repaid := packLog(t, handles, loan.EventRepaid, 5, borrowerAddr, big.NewInt(1_002_000))
	client.filterLogs = func(ethereum.FilterQuery) ([]gethtypes.Log, error) {
		return []gethtypes.Log{repaid}, nil
	}
	events, err = gw.QueryEvents(context.Background(), loan.EventRepaid, 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, borrowerAddr, events[0].Borrower)
	require.Equal(t, int64(1_002_000), events[0].Amount.Int64())
}

func TestQueryEventsDecodesLiquidated(t *testing.T) {
	client := newFakeClient()
	gw, handles := newTestGateway(t, client)

	liquidator := common.HexToAddress("0x3333333333333333333333333333333333333333")
	entry := packLog(t, handles, loan.EventLiquidated, 7, liquidator,
		handles.Collateral.Address, big.NewInt(3))
	client.filterLogs = func(ethereum.FilterQuery) ([]gethtypes.Log, error) {
		return []gethtypes.Log{entry}, nil
	}

	events, err := gw.QueryEvents(context.Background(), loan.EventLiquidated, 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, liquidator, events[0].Liquidator)
	require.Equal(t, int64(3), events[0].TokenID.Int64())
}

func TestQueryEventsSkipsForeignLogs(t *testing.T) {
	client := newFakeClient()
	gw, handles := newTestGateway(t, client)

	unknown := gethtypes.Log{
		Address: handles.Lending.Address,
		Topics:  []common.Hash{common.HexToHash("0xdead"), common.BigToHash(big.NewInt(1)), common.BytesToHash(borrowerAddr.Bytes())},
	}
	good := packLog(t, handles, loan.EventFunded, 2, lenderAddr)
	client.filterLogs = func(ethereum.FilterQuery) ([]gethtypes.Log, error) {
		return []gethtypes.Log{unknown, good}, nil
	}

	events, err := gw.QueryEvents(context.Background(), loan.EventFunded, 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, uint64(2), events[0].LoanID)
}

func TestConfirmationCarriesDecodedEvents(t *testing.T) {
	client := newFakeClient()
	gw, handles := newTestGateway(t, client)
	client.returns(handles.Lending, "getLoan", activeLoan(big.NewInt(100)))

	entry := packLog(t, handles, loan.EventFunded, 1, borrowerAddr)
	foreign := packLog(t, handles, loan.EventFunded, 1, borrowerAddr)
	foreign.Address = common.HexToAddress("0x9999999999999999999999999999999999999999")
	client.receipt = func(hash common.Hash) (*gethtypes.Receipt, error) {
		return &gethtypes.Receipt{
			Status:      gethtypes.ReceiptStatusSuccessful,
			TxHash:      hash,
			BlockNumber: big.NewInt(42),
			Logs:        []*gethtypes.Log{&foreign, &entry},
		}, nil
	}

	conf, err := gw.FundLoan(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, conf.Events, 1)
	require.Equal(t, loan.EventFunded, conf.Events[0].Kind)
	require.Equal(t, uint64(1), conf.Events[0].LoanID)
}

type recordingSink struct {
	mu     sync.Mutex
	events []loan.Event
}

func (s *recordingSink) ApplyConfirmed(ev loan.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func TestConfirmedEventsRouteToSink(t *testing.T) {
	client := newFakeClient()
	gw, handles := newTestGateway(t, client)
	client.returns(handles.Lending, "getLoan", activeLoan(big.NewInt(100)))

	entry := packLog(t, handles, loan.EventFunded, 1, borrowerAddr)
	client.receipt = func(hash common.Hash) (*gethtypes.Receipt, error) {
		return &gethtypes.Receipt{
			Status:      gethtypes.ReceiptStatusSuccessful,
			TxHash:      hash,
			BlockNumber: big.NewInt(42),
			Logs:        []*gethtypes.Log{&entry},
		}, nil
	}

	sink := &recordingSink{}
	gw.NotifyConfirmed(sink)

	_, err := gw.FundLoan(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, sink.events, 1)
	require.Equal(t, loan.EventFunded, sink.events[0].Kind)
	require.Equal(t, uint64(1), sink.events[0].LoanID)

	// Detaching the sink stops routing.
	gw.NotifyConfirmed(nil)
	sink.mu.Lock()
	sink.events = nil
	sink.mu.Unlock()
	_, err = gw.FundLoan(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, sink.events)
}

func TestHead(t *testing.T) {
	client := newFakeClient()
	gw, _ := newTestGateway(t, client)
	head, err := gw.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), head)
}
