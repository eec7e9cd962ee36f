package finance

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"nftlend/loan"
)

// DurationUnit declares how the connected ledger interprets a loan's plain
// integer duration. Hardhat test deployments use seconds; production
// deployments use days. The unit comes from configuration, never from
// guessing at the magnitude of the value.
type DurationUnit string

const (
	UnitSeconds DurationUnit = "seconds"
	UnitDays    DurationUnit = "days"
)

// ParseDurationUnit validates a configured unit string.
func ParseDurationUnit(raw string) (DurationUnit, error) {
	switch DurationUnit(strings.ToLower(strings.TrimSpace(raw))) {
	case UnitSeconds:
		return UnitSeconds, nil
	case UnitDays:
		return UnitDays, nil
	default:
		return "", fmt.Errorf("finance: unknown duration unit %q (want seconds or days)", raw)
	}
}

// Seconds converts a ledger duration value into seconds.
func (u DurationUnit) Seconds(units uint64) uint64 {
	if u == UnitDays {
		return units * 86_400
	}
	return units
}

// secondsPerYear matches the contract's 365-day simple-interest year.
const secondsPerYear = 31_536_000

var (
	basisPoints = big.NewInt(10_000)
	yearSeconds = big.NewInt(secondsPerYear)
)

// Interest computes simple interest accrued over elapsedSeconds:
//
//	principal * rateBps/10000 * elapsedSeconds/secondsPerYear
//
// Integer arithmetic in wei, truncating like the contract. The result is a
// display estimate; the ledger's calculateRepaymentAmount remains the
// authoritative figure for payment.
func Interest(principal *big.Int, rateBps, elapsedSeconds uint64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || rateBps == 0 || elapsedSeconds == 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(principal, new(big.Int).SetUint64(rateBps))
	interest.Mul(interest, new(big.Int).SetUint64(elapsedSeconds))
	interest.Div(interest, basisPoints)
	interest.Div(interest, yearSeconds)
	return interest
}

// Estimator derives display figures for a loan under a fixed duration unit.
type Estimator struct {
	unit DurationUnit
	// now is swappable for tests.
	now func() time.Time
}

// NewEstimator builds an estimator for the configured ledger unit.
func NewEstimator(unit DurationUnit) *Estimator {
	return &Estimator{unit: unit, now: time.Now}
}

// Unit returns the configured duration unit.
func (e *Estimator) Unit() DurationUnit { return e.unit }

// DurationSeconds converts a loan's stored duration into seconds.
func (e *Estimator) DurationSeconds(l *loan.Loan) uint64 {
	return e.unit.Seconds(l.Duration)
}

// RepaymentEstimate projects principal plus interest for display. Loans not
// yet funded are projected over the full term; funded loans accrue from
// StartTime to now, clamped to the full term once expired.
func (e *Estimator) RepaymentEstimate(l *loan.Loan) *big.Int {
	total := e.DurationSeconds(l)
	elapsed := total
	if l.Funded() && l.StartTime > 0 {
		now := uint64(e.now().Unix())
		if now <= l.StartTime {
			elapsed = 0
		} else if now-l.StartTime < total {
			elapsed = now - l.StartTime
		}
	}
	estimate := Interest(l.Principal, l.InterestRateBps, elapsed)
	return estimate.Add(estimate, l.Principal)
}

// EndTime returns the expiry instant, or the zero time for unfunded loans.
func (e *Estimator) EndTime(l *loan.Loan) time.Time {
	if l.StartTime == 0 {
		return time.Time{}
	}
	return time.Unix(int64(l.StartTime+e.DurationSeconds(l)), 0)
}

// Expired reports whether the loan term has elapsed.
func (e *Estimator) Expired(l *loan.Loan) bool {
	return l.ExpiredAt(e.now(), e.DurationSeconds(l))
}

// Remaining returns the time left until expiry, zero once expired or for
// unfunded loans.
func (e *Estimator) Remaining(l *loan.Loan) time.Duration {
	end := e.EndTime(l)
	if end.IsZero() {
		return 0
	}
	remaining := end.Sub(e.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Progress returns the fraction of the term still remaining, clamped to
// [0, 1]. Unfunded loans report a full bar.
func (e *Estimator) Progress(l *loan.Loan) float64 {
	total := e.DurationSeconds(l)
	if total == 0 {
		return 0
	}
	if l.StartTime == 0 {
		return 1
	}
	frac := e.Remaining(l).Seconds() / float64(total)
	if frac < 0 {
		return 0
	}
	if frac > 1 {
		return 1
	}
	return frac
}

// PaymentWithBuffer pads the ledger's authoritative repayment figure by 0.1%
// to cover interest accrued between the query and the transaction's
// inclusion. The contract refunds any surplus, so over-paying by the buffer
// is safe while under-paying is rejected outright.
func PaymentWithBuffer(authoritative *big.Int) *big.Int {
	if authoritative == nil || authoritative.Sign() <= 0 {
		return big.NewInt(0)
	}
	buffer := new(big.Int).Div(authoritative, big.NewInt(1000))
	return new(big.Int).Add(authoritative, buffer)
}
