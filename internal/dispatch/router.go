package dispatch

import (
	"strings"
)

// Tier is where an inbound message should be routed.
type Tier string

const (
	TierInline Tier = "inline"
	TierOracle Tier = "oracle"
	TierWorker Tier = "worker"
)

// Classification is QueryRouter's output: a tier plus the rule that fired,
// for logging/observability.
type Classification struct {
	Tier   Tier
	Reason string
}

// oracleThaiPrefixes and oracleEnglishPrefixes are the knowledge-query
// prefixes rule 2 matches against, lowercased. Extend here to add a
// configured language rather than threading a new parameter through
// ClassifyQuery.
var oraclePrefixes = map[string]string{
	"search":  "oracle-search",
	"remember": "oracle-remember",
	"recall":  "oracle-recall",
	"ค้นหา":    "oracle-search",
	"จำ":       "oracle-remember",
	"จำได้ไหม":  "oracle-recall",
}

// QueryRouter implements §4.5's classifyQuery: a three-tier classifier run
// in order, first match wins.
type QueryRouter struct{}

// NewQueryRouter constructs a QueryRouter. It holds no state; a single
// instance may be shared across every channel and goroutine.
func NewQueryRouter() *QueryRouter {
	return &QueryRouter{}
}

// Classify implements the three ordered rules of §4.5.
func (r *QueryRouter) Classify(text string) Classification {
	trimmed := strings.TrimSpace(text)

	if queryRouterSlashPattern.MatchString(trimmed) {
		return Classification{Tier: TierInline, Reason: "admin-cmd"}
	}

	lower := strings.ToLower(trimmed)
	for prefix, reason := range oraclePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return Classification{Tier: TierOracle, Reason: reason}
		}
	}

	return Classification{Tier: TierWorker, Reason: "default"}
}
