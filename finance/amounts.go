package finance

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

// weiPerEther is 10^18 as a big integer.
var weiPerEther = new(big.Int).SetUint64(params.Ether)

// FormatWei renders a wei amount as a decimal ether string with trailing
// zeros trimmed. The output round-trips exactly through ParseDecimal for any
// amount expressible in 18 decimal places.
func FormatWei(amount *big.Int) string {
	if amount == nil || amount.Sign() == 0 {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Set(amount)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}
	whole, frac := new(big.Int).QuoRem(abs, weiPerEther, new(big.Int))
	if frac.Sign() == 0 {
		return sign + whole.String()
	}
	digits := strings.TrimRight(fmt.Sprintf("%018s", frac.String()), "0")
	return sign + whole.String() + "." + digits
}

// ParseDecimal converts a human decimal ether string into wei. Amounts with
// more than 18 fractional digits are rejected rather than silently rounded:
// a transmitted value must match ledger arithmetic exactly.
func ParseDecimal(raw string) (*big.Int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("finance: empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	wholePart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		wholePart, fracPart = s[:i], s[i+1:]
	}
	if wholePart == "" && fracPart == "" {
		return nil, fmt.Errorf("finance: malformed amount %q", raw)
	}
	// Both parts must be bare digits. SetString alone would also accept
	// signs and underscores, folding "1.-5" into a wrong wei value.
	if (wholePart != "" && !allDigits(wholePart)) || (fracPart != "" && !allDigits(fracPart)) {
		return nil, fmt.Errorf("finance: malformed amount %q", raw)
	}
	if len(fracPart) > 18 {
		return nil, fmt.Errorf("finance: amount %q exceeds 18 decimal places", raw)
	}
	if wholePart == "" {
		wholePart = "0"
	}
	whole, ok := new(big.Int).SetString(wholePart, 10)
	if !ok {
		return nil, fmt.Errorf("finance: malformed amount %q", raw)
	}
	wei := new(big.Int).Mul(whole, weiPerEther)
	if fracPart != "" {
		// Right-pad to 18 digits so "0.5" becomes 5*10^17.
		frac, ok := new(big.Int).SetString(fracPart+strings.Repeat("0", 18-len(fracPart)), 10)
		if !ok {
			return nil, fmt.Errorf("finance: malformed amount %q", raw)
		}
		wei.Add(wei, frac)
	}
	if neg {
		wei.Neg(wei)
	}
	return wei, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
