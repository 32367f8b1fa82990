package aggregate

import (
	"net/http"
	"strings"
)

// Metadata request header and the value that enables metadata mode.
const (
	HeaderAggregatorBody   = "Proxy-Aggregator-Body"
	AggregatorBodyMetadata = "response-metadata"
)

// Mode is the response mode requested by the inbound request.
type Mode int

const (
	// ModeAggregate returns backend bodies (or an error shape).
	ModeAggregate Mode = iota
	// ModeMetadata returns only status and headers per backend.
	ModeMetadata
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeAggregate:
		return "aggregate"
	case ModeMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// ModeFromRequest computes the mode once from the inbound headers.
// Header lookup is case-insensitive, and so is the value comparison.
func ModeFromRequest(r *http.Request) Mode {
	for _, v := range r.Header.Values(HeaderAggregatorBody) {
		if strings.EqualFold(strings.TrimSpace(v), AggregatorBodyMetadata) {
			return ModeMetadata
		}
	}
	return ModeAggregate
}
