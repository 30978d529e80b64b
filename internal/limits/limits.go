// Package limits holds the pure budget arithmetic shared by the enforcement
// path and the dashboard endpoints: token-limit validation, usage percentage,
// warning bands, and per-1K token pricing.
package limits

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Validation failures are sentinel errors so callers can match the kind
// and map it to a client-facing message.
var (
	ErrEmptyValue     = errors.New("token limit is required")
	ErrNotWholeNumber = errors.New("token limit must be a whole number, not a decimal")
	ErrNotPositive    = errors.New("token limit must be a positive integer")
)

// ParseTokenLimit validates a to-be-set budget supplied as a string (API
// inputs arrive untyped). Only whole numbers >= 1 pass. A value like "5.0"
// is accepted because it carries no fractional component; "5.5" is not.
func ParseTokenLimit(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrEmptyValue
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return 0, ErrNotPositive
		}
		if f != math.Trunc(f) {
			return 0, ErrNotWholeNumber
		}
		if f > math.MaxInt64 || f < math.MinInt64 {
			return 0, ErrNotPositive
		}
		n = int64(f)
	}

	if n <= 0 {
		return 0, ErrNotPositive
	}
	return n, nil
}

// UsagePercent returns consumed budget as a percentage. The second return is
// false when the limit is absent or non-positive, which means "unlimited"
// rather than an error. No rounding here; rounding is a display concern.
func UsagePercent(totalTokens, tokenLimit int64) (float64, bool) {
	if tokenLimit <= 0 {
		return 0, false
	}
	return float64(totalTokens) / float64(tokenLimit) * 100, true
}

// Band is the display classification of a usage percentage.
type Band string

const (
	BandNone    Band = "none"
	BandNormal  Band = "normal"
	BandWarning Band = "warning"
	BandDanger  Band = "danger"
)

// Classify maps a usage percentage onto a band. Boundaries are inclusive on
// the lower edge: exactly 80 is warning, exactly 100 is danger.
func Classify(percent float64, ok bool) Band {
	switch {
	case !ok:
		return BandNone
	case percent >= 100:
		return BandDanger
	case percent >= 80:
		return BandWarning
	default:
		return BandNormal
	}
}

var perThousand = decimal.NewFromInt(1000)

// TieredCost prices token counts at separate per-1K input and output rates.
// Decimal arithmetic throughout, so accumulating many small increments never
// drifts the way repeated float addition would.
func TieredCost(inputTokens, outputTokens int64, inputPer1K, outputPer1K decimal.Decimal) decimal.Decimal {
	inputCost := decimal.NewFromInt(inputTokens).Mul(inputPer1K).Div(perThousand)
	outputCost := decimal.NewFromInt(outputTokens).Mul(outputPer1K).Div(perThousand)
	return inputCost.Add(outputCost)
}

// CombineCosts sums an inference cost and an infrastructure cost, treating a
// missing operand as zero.
func CombineCosts(inference, infrastructure *decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	if inference != nil {
		total = total.Add(*inference)
	}
	if infrastructure != nil {
		total = total.Add(*infrastructure)
	}
	return total
}
