package util

import (
	"math"

	"golang.org/x/time/rate"
)

// NewRateLimiter returns a token bucket allowing perSecond events with the
// given burst. A non-positive rate yields an unlimited limiter.
func NewRateLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = int(math.Max(1, math.Ceil(perSecond)))
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
