package consensus

import (
	"math"

	"github.com/dohr-michael/quorum/internal/config"
)

// Schedule returns the sampling temperature for round k of at most total
// rounds. Round 0 samples at max; the final round at min; intermediate
// rounds follow max − (max−min)·(k/(total−1))^curve, so the sequence is
// non-increasing and a curve above 1 keeps early rounds exploratory.
func Schedule(cfg config.TemperatureConfig, k, total int) float64 {
	if total <= 1 {
		return cfg.Max
	}
	if k <= 0 {
		return cfg.Max
	}
	if k >= total-1 {
		return cfg.Min
	}
	curve := cfg.Curve
	if curve <= 0 {
		curve = 1
	}
	frac := float64(k) / float64(total-1)
	return cfg.Max - (cfg.Max-cfg.Min)*math.Pow(frac, curve)
}
