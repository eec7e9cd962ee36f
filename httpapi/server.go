// Package httpapi exposes the client's mirrored loan state to a display
// layer over a local, read-only HTTP surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nftlend/explorer"
	"nftlend/finance"
	"nftlend/gateway"
	"nftlend/loan"
	"nftlend/loanstate"
)

// LoanView is the display-layer rendering of a loan: amounts as decimal
// strings, derived time fields precomputed.
type LoanView struct {
	ID              uint64  `json:"id"`
	Borrower        string  `json:"borrower"`
	Lender          string  `json:"lender,omitempty"`
	Collateral      string  `json:"collateral"`
	TokenID         string  `json:"tokenId"`
	Principal       string  `json:"principal"`
	InterestRateBps uint64  `json:"interestRateBps"`
	Duration        uint64  `json:"duration"`
	StartTime       uint64  `json:"startTime,omitempty"`
	State           string  `json:"state"`
	RepaymentEst    string  `json:"repaymentEstimate"`
	EndTime         string  `json:"endTime,omitempty"`
	RemainingSecs   uint64  `json:"remainingSeconds"`
	Progress        float64 `json:"progress"`
}

// EventView renders one lifecycle event.
type EventView struct {
	Kind        string `json:"kind"`
	LoanID      uint64 `json:"loanId"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"txHash"`
	LogIndex    uint   `json:"logIndex"`
	Amount      string `json:"amount,omitempty"`
}

// Server serves the read-only API.
type Server struct {
	state     *loanstate.Reconciler
	explorer  *explorer.Explorer
	estimator *finance.Estimator
	log       *slog.Logger
}

// New wires the API over the reconciler's snapshots and the explorer.
func New(state *loanstate.Reconciler, exp *explorer.Explorer, estimator *finance.Estimator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{state: state, explorer: exp, estimator: estimator, log: logger.With("component", "httpapi")}
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/loans", s.handleLoans)
	r.Get("/loans/{id}", s.handleLoan)
	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.state.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"head":      snap.Head,
		"updatedAt": snap.UpdatedAt,
	})
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Snapshot()
	var loans []*loan.Loan
	switch r.URL.Query().Get("role") {
	case "", string(loan.RoleBorrower):
		loans = snap.Borrowed
	case string(loan.RoleLender):
		loans = snap.Lent
	default:
		writeError(w, http.StatusBadRequest, "role must be borrower or lender")
		return
	}
	views := make([]LoanView, 0, len(loans))
	for _, l := range loans {
		views = append(views, s.loanView(l, snap.Events))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "loan id must be a positive integer")
		return
	}
	record, err := s.explorer.Find(r.Context(), id)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such loan")
			return
		}
		s.log.Warn("loan lookup failed", "loan", id, "err", err)
		writeError(w, http.StatusBadGateway, "ledger unreachable")
		return
	}
	events := make([]EventView, 0, len(record.Events))
	for _, ev := range record.Events {
		events = append(events, eventView(ev))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loan":   s.loanView(record.Loan, record.Events),
		"events": events,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var kinds []loan.EventKind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind := loan.EventKind(raw)
		valid := false
		for _, known := range loan.Kinds() {
			if kind == known {
				valid = true
				break
			}
		}
		if !valid {
			writeError(w, http.StatusBadRequest, "unknown event kind")
			return
		}
		kinds = append(kinds, kind)
	}
	events, err := s.explorer.Recent(r.Context(), kinds...)
	if err != nil {
		s.log.Warn("event listing failed", "err", err)
		writeError(w, http.StatusBadGateway, "ledger unreachable")
		return
	}
	views := make([]EventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView(ev))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) loanView(l *loan.Loan, history []loan.Event) LoanView {
	view := LoanView{
		ID:              l.ID,
		Borrower:        l.Borrower.Hex(),
		Collateral:      l.Collateral.Hex(),
		InterestRateBps: l.InterestRateBps,
		Duration:        l.Duration,
		StartTime:       l.StartTime,
		State:           string(l.StateWithHistory(time.Now(), s.estimator.DurationSeconds(l), history)),
		Principal:       finance.FormatWei(l.Principal),
		RepaymentEst:    finance.FormatWei(s.estimator.RepaymentEstimate(l)),
		RemainingSecs:   uint64(s.estimator.Remaining(l).Seconds()),
		Progress:        s.estimator.Progress(l),
	}
	if l.TokenID != nil {
		view.TokenID = l.TokenID.String()
	}
	if l.Funded() {
		view.Lender = l.Lender.Hex()
	}
	if end := s.estimator.EndTime(l); !end.IsZero() {
		view.EndTime = end.UTC().Format(time.RFC3339)
	}
	return view
}

func eventView(ev loan.Event) EventView {
	view := EventView{
		Kind:        string(ev.Kind),
		LoanID:      ev.LoanID,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash.Hex(),
		LogIndex:    ev.LogIndex,
	}
	if ev.Amount != nil {
		view.Amount = finance.FormatWei(ev.Amount)
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
