package session

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

func FormatBalance(balance float64) string {
	return decimal.NewFromFloat(balance).StringFixed(4)
}

// FormatUSD converts the balance at the given rate and shows cents.
func FormatUSD(balance, rate float64) string {
	usd := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(rate))
	return "$" + usd.StringFixed(2)
}

func FormatSpeed(perHour float64) string {
	return decimal.NewFromFloat(perHour).StringFixed(3) + "/h"
}

// FormatCountdown renders d as HH:MM:SS, truncated to whole seconds.
func FormatCountdown(d time.Duration) string {
	if d <= 0 {
		return "00:00:00"
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
}

// RoundBalance rounds half away from zero to precision fractional digits.
func RoundBalance(balance float64, precision int32) float64 {
	rounded, _ := decimal.NewFromFloat(balance).Round(precision).Float64()
	return rounded
}
