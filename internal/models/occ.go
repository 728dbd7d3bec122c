package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OCC option symbols pack the contract identity into one string: the
// underlying root, a six-digit YYMMDD expiration, P or C, and the strike
// price times 1000 zero-padded to eight digits. AMD260116P00145000 is the
// AMD 2026-01-16 145.00 put.

const occTailLen = 15 // YYMMDD + right + 8-digit strike

// FormatOCCSymbol builds the OCC symbol for a contract.
func FormatOCCSymbol(underlying string, expiration time.Time, right Right, strike float64) string {
	r := "C"
	if right == RightPut {
		r = "P"
	}
	// The small epsilon keeps strikes like 72.5 from truncating to 72499
	// after the float multiply.
	milli := int(math.Round(strike*1000 + 1e-9))
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(underlying), expiration.Format("060102"), r, milli)
}

// ParseOCCSymbol splits an OCC symbol into its parts. It returns an error for
// anything that does not end in the fixed 15-character tail, which is how
// plain equity symbols are told apart from option symbols.
func ParseOCCSymbol(symbol string) (underlying string, expiration time.Time, right Right, strike float64, err error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if len(s) <= occTailLen {
		return "", time.Time{}, "", 0, fmt.Errorf("symbol %q too short for an occ option symbol", symbol)
	}
	root := s[:len(s)-occTailLen]
	tail := s[len(s)-occTailLen:]

	dateStr, rightChar, strikeStr := tail[:6], tail[6], tail[7:]
	if !isDigits(dateStr) || !isDigits(strikeStr) {
		return "", time.Time{}, "", 0, fmt.Errorf("symbol %q does not have a numeric occ tail", symbol)
	}
	switch rightChar {
	case 'P':
		right = RightPut
	case 'C':
		right = RightCall
	default:
		return "", time.Time{}, "", 0, fmt.Errorf("symbol %q has unknown right %q", symbol, string(rightChar))
	}

	expiration, err = time.ParseInLocation("060102", dateStr, time.UTC)
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("symbol %q has invalid expiration: %w", symbol, err)
	}
	milli, err := strconv.Atoi(strikeStr)
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("symbol %q has invalid strike: %w", symbol, err)
	}
	return root, expiration, right, float64(milli) / 1000, nil
}

// IsOptionSymbol reports whether the symbol carries an OCC option tail.
func IsOptionSymbol(symbol string) bool {
	_, _, _, _, err := ParseOCCSymbol(symbol)
	return err == nil
}

// UnderlyingOf maps any tradable symbol to its underlying equity: option
// symbols yield their root, plain equity symbols pass through unchanged.
func UnderlyingOf(symbol string) string {
	root, _, _, _, err := ParseOCCSymbol(symbol)
	if err != nil {
		return strings.ToUpper(strings.TrimSpace(symbol))
	}
	return root
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}
