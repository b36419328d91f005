// Package fingerprint derives a content-addressed key over the fields of a
// request that determine a deterministic response. It deliberately
// excludes user identity, request ID, and the stream flag, so a streamed
// and non-streamed request with identical content share coalescing and
// cache entries.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

// Of returns the lowercase hex SHA-256 fingerprint of req.
func Of(req gateway.NormalizedRequest) string {
	var b strings.Builder
	b.WriteString(req.Model)
	b.WriteByte('|')
	if req.Generation.MaxTokens != nil {
		b.WriteString(strconv.Itoa(*req.Generation.MaxTokens))
	} else {
		b.WriteByte('0')
	}
	b.WriteByte('|')
	b.WriteString(formatOptFloat(req.Generation.Temperature))
	b.WriteByte('|')
	b.WriteString(formatOptFloat(req.Generation.TopP))

	for _, m := range req.Messages {
		b.WriteByte('|')
		b.WriteString(string(m.Role))
		b.WriteByte(':')
		b.WriteString(m.Content)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// formatOptFloat renders an optional float with fixed 4-decimal precision,
// or the literal "none" when absent, to avoid representation drift between
// equivalent requests.
func formatOptFloat(v *float64) string {
	if v == nil {
		return "none"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}
