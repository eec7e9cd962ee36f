package main

import (
	"context"
	"fmt"
	"time"

	"nftlend/explorer"
	"nftlend/finance"
	"nftlend/loan"
	"nftlend/storage"
)

func showLoan(rawID string) {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		fail(err)
	}
	defer s.Close()

	id := parseLoanID(rawID)
	exp := explorer.New(s.gw, explorer.NewEventStore(storage.NewMemDB()), s.cfg.EventWindowBlocks, nil)
	record, err := exp.Find(ctx, id)
	if err != nil {
		fail(err)
	}
	printLoan(s, record.Loan, record.Events)
	if len(record.Events) > 0 {
		fmt.Println("History:")
		for _, ev := range record.Events {
			printEvent(ev)
		}
	}
}

func listLoans(rawRole string) {
	role := loan.Role(rawRole)
	if role != loan.RoleBorrower && role != loan.RoleLender {
		fail(fmt.Errorf("invalid role %q: want borrower or lender", rawRole))
	}

	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		fail(err)
	}
	defer s.Close()

	ids, err := s.gw.LoanIDsFor(ctx, s.gw.Signer(), role)
	if err != nil {
		fail(err)
	}
	if len(ids) == 0 {
		fmt.Printf("No loans as %s\n", role)
		return
	}
	for _, id := range ids {
		record, err := s.gw.GetLoan(ctx, id)
		if err != nil {
			fmt.Printf("Loan %d: unavailable (%v)\n", id, err)
			continue
		}
		printLoan(s, record, nil)
	}
}

func listAvailable() {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		fail(err)
	}
	defer s.Close()

	loans, err := s.gw.AvailableLoans(ctx)
	if err != nil {
		fail(err)
	}
	if len(loans) == 0 {
		fmt.Println("No loans awaiting funding")
		return
	}
	for _, l := range loans {
		printLoan(s, l, nil)
	}
}

func listEvents(rawKind string) {
	var kinds []loan.EventKind
	if rawKind != "" {
		kind := loan.EventKind(rawKind)
		known := false
		for _, k := range loan.Kinds() {
			if kind == k {
				known = true
				break
			}
		}
		if !known {
			fail(fmt.Errorf("unknown event kind %q", rawKind))
		}
		kinds = append(kinds, kind)
	}

	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		fail(err)
	}
	defer s.Close()

	exp := explorer.New(s.gw, explorer.NewEventStore(storage.NewMemDB()), s.cfg.EventWindowBlocks, nil)
	events, err := exp.Recent(ctx, kinds...)
	if err != nil {
		fail(err)
	}
	if len(events) == 0 {
		fmt.Println("No recent events")
		return
	}
	for _, ev := range events {
		printEvent(ev)
	}
}

func printLoan(s *session, l *loan.Loan, history []loan.Event) {
	state := l.StateWithHistory(time.Now(), s.estimator.DurationSeconds(l), history)
	fmt.Printf("Loan %d [%s]\n", l.ID, state)
	fmt.Printf("  Borrower:   %s\n", l.Borrower.Hex())
	if l.Funded() {
		fmt.Printf("  Lender:     %s\n", l.Lender.Hex())
	}
	fmt.Printf("  Collateral: %s token %s\n", l.Collateral.Hex(), l.TokenID)
	fmt.Printf("  Principal:  %s\n", finance.FormatWei(l.Principal))
	fmt.Printf("  Rate:       %d bps, term %d %s\n", l.InterestRateBps, l.Duration, s.estimator.Unit())
	fmt.Printf("  Repayment:  %s (estimate)\n", finance.FormatWei(s.estimator.RepaymentEstimate(l)))
	switch state {
	case loan.StateFunded:
		fmt.Printf("  Expires:    %s (%s remaining)\n",
			s.estimator.EndTime(l).UTC().Format(time.RFC3339),
			s.estimator.Remaining(l).Round(time.Second))
	case loan.StateExpired:
		fmt.Printf("  Expired:    %s\n", s.estimator.EndTime(l).UTC().Format(time.RFC3339))
	}
}

func printEvent(ev loan.Event) {
	line := fmt.Sprintf("  block %d  %-14s loan %d", ev.BlockNumber, ev.Kind, ev.LoanID)
	if ev.Amount != nil {
		line += "  " + finance.FormatWei(ev.Amount)
	}
	fmt.Printf("%s  (tx %s)\n", line, ev.TxHash.Hex())
}
