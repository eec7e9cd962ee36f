package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"nftlend/explorer"
	"nftlend/httpapi"
	"nftlend/loanstate"
	"nftlend/storage"
)

// runWatch keeps the local mirror fresh and serves it over the read-only
// HTTP API until interrupted.
func runWatch() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	logger := s.log

	var store *explorer.EventStore
	if s.cfg.DataDir != "" {
		if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		db, err := storage.NewLevelDB(filepath.Join(s.cfg.DataDir, "events"))
		if err != nil {
			return fmt.Errorf("open event cache: %w", err)
		}
		defer db.Close()
		store = explorer.NewEventStore(db)
	}
	exp := explorer.New(s.gw, store, s.cfg.EventWindowBlocks, logger)

	reconciler := loanstate.New(s.gw, loanstate.Config{
		Account:     s.gw.Signer(),
		Interval:    time.Duration(s.cfg.PollIntervalSeconds) * time.Second,
		EventWindow: s.cfg.EventWindowBlocks,
	}, logger)
	// Confirmed submissions fold into the mirror ahead of the next poll.
	s.gw.NotifyConfirmed(reconciler)

	api := httpapi.New(reconciler, exp, s.estimator, logger)
	server := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- reconciler.Run(ctx)
	}()
	go func() {
		logger.Info("serving local API", "addr", s.cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		for snap := range reconciler.Updates() {
			fmt.Printf("head %d: %d borrowed, %d lent, %d events (updated %s)\n",
				snap.Head, len(snap.Borrowed), len(snap.Lent), len(snap.Events), formatAge(snap.UpdatedAt))
		}
	}()

	fmt.Printf("Watching loans for %s (refresh every %ds), API on %s\n",
		s.gw.Signer().Hex(), s.cfg.PollIntervalSeconds, s.cfg.ListenAddress)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			stop()
			shutdown(server)
			return err
		}
	}

	shutdown(server)
	return nil
}

func shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}
