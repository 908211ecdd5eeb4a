package analytics

import (
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Query is a SQL statement plus its named parameters.
type Query struct {
	SQL  string
	Args []any
}

// QueryBuilder renders the pipeline's ClickHouse reads. User input only
// ever travels as named parameters.
type QueryBuilder struct{}

// Scope narrows a query to one (tenant, signature) over a trailing window.
type Scope struct {
	TenantID       string
	ErrorSignature string
	Window         time.Duration
}

// SpikeGroups sums error_frequency per (tenant, service, signature) over the
// trailing window and keeps groups at or above threshold.
func (b QueryBuilder) SpikeGroups(threshold uint64, window time.Duration) Query {
	sql := b.join(
		"SELECT tenant_id, service, error_signature, sum(event_count) AS total",
		"FROM error_frequency FINAL",
		"WHERE "+b.since("time_bucket", window),
		"GROUP BY tenant_id, service, error_signature",
		"HAVING total >= @threshold",
		"ORDER BY total DESC",
	)
	return Query{SQL: sql, Args: []any{clickhouse.Named("threshold", threshold)}}
}

// LatestErrorDetail selects the most recent raw event's type and value.
func (b QueryBuilder) LatestErrorDetail(tenantID, signature string) Query {
	sql := b.join(
		"SELECT error_type, error_value",
		"FROM raw_events",
		"WHERE "+b.scopeFilter(),
		"ORDER BY event_timestamp DESC",
		"LIMIT 1",
	)
	return Query{SQL: sql, Args: b.scopeArgs(tenantID, signature)}
}

// RecentSamples selects up to limit raw events, newest first.
func (b QueryBuilder) RecentSamples(s Scope, limit int) Query {
	sql := b.join(
		"SELECT event_id, error_type, error_value, stacktrace, service, deploy_hash, event_timestamp",
		"FROM raw_events",
		"WHERE "+b.scopeFilter(),
		"  AND "+b.since("event_timestamp", s.Window),
		"ORDER BY event_timestamp DESC",
		fmt.Sprintf("LIMIT %d", limit),
	)
	return Query{SQL: sql, Args: b.scopeArgs(s.TenantID, s.ErrorSignature)}
}

// FrequencyTotal sums error_frequency for one scope.
func (b QueryBuilder) FrequencyTotal(s Scope) Query {
	sql := b.join(
		"SELECT sum(event_count) AS total",
		"FROM error_frequency FINAL",
		"WHERE "+b.scopeFilter(),
		"  AND "+b.since("time_bucket", s.Window),
	)
	return Query{SQL: sql, Args: b.scopeArgs(s.TenantID, s.ErrorSignature)}
}

// DeployMarkers selects distinct non-empty deploy hashes, most recently seen first.
func (b QueryBuilder) DeployMarkers(s Scope) Query {
	sql := b.join(
		"SELECT deploy_hash",
		"FROM raw_events",
		"WHERE "+b.scopeFilter(),
		"  AND deploy_hash != ''",
		"  AND "+b.since("event_timestamp", s.Window),
		"GROUP BY deploy_hash",
		"ORDER BY max(event_timestamp) DESC",
	)
	return Query{SQL: sql, Args: b.scopeArgs(s.TenantID, s.ErrorSignature)}
}

func (b QueryBuilder) scopeFilter() string {
	return "tenant_id = @tenant_id AND error_signature = @error_signature"
}

func (b QueryBuilder) scopeArgs(tenantID, signature string) []any {
	return []any{
		clickhouse.Named("tenant_id", tenantID),
		clickhouse.Named("error_signature", signature),
	}
}

// since renders a trailing-window predicate in whole minutes, never less than one.
func (b QueryBuilder) since(column string, window time.Duration) string {
	minutes := int64(window / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("%s >= now() - INTERVAL %d MINUTE", column, minutes)
}

func (b QueryBuilder) join(lines ...string) string {
	return strings.Join(lines, "\n")
}
