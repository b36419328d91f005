package ratelimit

import (
	"net/http"
	"strconv"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

// SetHeaders writes the eight x-ratelimit-* headers for snapshot onto h,
// used for both successful admissions and rate-limit rejections.
func SetHeaders(h http.Header, snapshot gateway.Snapshot) {
	h.Set("x-ratelimit-limit-requests-minute", strconv.Itoa(snapshot.LimitRequestsPerMinute))
	h.Set("x-ratelimit-remaining-requests-minute", strconv.Itoa(snapshot.RemainingRequestsPerMinute))
	h.Set("x-ratelimit-limit-tokens-minute", strconv.Itoa(snapshot.LimitTokensPerMinute))
	h.Set("x-ratelimit-remaining-tokens-minute", strconv.Itoa(snapshot.RemainingTokensPerMinute))
	h.Set("x-ratelimit-limit-tokens-day", strconv.Itoa(snapshot.LimitTokensPerDay))
	h.Set("x-ratelimit-remaining-tokens-day", strconv.Itoa(snapshot.RemainingTokensPerDay))
	h.Set("x-ratelimit-reset-requests-minute", strconv.FormatInt(snapshot.ResetRequestsPerMinute, 10))
	h.Set("x-ratelimit-reset-tokens-day", strconv.FormatInt(snapshot.ResetTokensPerDay, 10))
}
