package sizing

import (
	"math"

	"github.com/shopspring/decimal"
)

// volumeSlope controls how fast the order size grows with market volume.
const volumeSlope = 0.3982

// ScaleByVolume grows base sub-linearly with volume relative to baseVolume:
//
//	size = base * (1 + 0.3982 * sqrt(ln(volume / baseVolume)))
//
// Volumes at or below baseVolume return base unchanged. The result is
// rounded to two decimals.
func ScaleByVolume(base, volume, baseVolume decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() || !baseVolume.IsPositive() || !volume.IsPositive() {
		return base
	}
	ratio, _ := volume.Div(baseVolume).Float64()
	if ratio <= 1 {
		return base
	}
	factor := 1 + volumeSlope*math.Sqrt(math.Log(ratio))
	return base.Mul(decimal.NewFromFloat(factor)).Round(2)
}
