package materialize

import (
	"fmt"
	"strings"

	"github.com/katasec/dstream-ingester-materialize/pkg/watermark"
)

const defaultUpstreamSchema = "public"

// QuoteIdent quotes a possibly schema-qualified name one dot-separated part at a time.
func QuoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// splitName returns the upstream schema and object name for a configured table.
func splitName(table string) (string, string) {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[:i], table[i+1:]
	}
	return defaultUpstreamSchema, table
}

// IntrospectionQuery lists (name, position, type, nullable, key_position) for
// every column of table. key_position is null for columns outside the
// table's first index.
func IntrospectionQuery(table string) string {
	schema, name := splitName(table)
	return fmt.Sprintf(`SELECT c.name, c.position, c.type, c.nullable, ic.index_position AS key_position
FROM mz_catalog.mz_columns c
JOIN mz_catalog.mz_objects o ON o.id = c.id
JOIN mz_catalog.mz_schemas s ON s.id = o.schema_id
LEFT JOIN (SELECT on_id, min(id) AS id FROM mz_catalog.mz_indexes GROUP BY on_id) i ON i.on_id = o.id
LEFT JOIN mz_catalog.mz_index_columns ic ON ic.index_id = i.id AND ic.on_position = c.position
WHERE s.name = %s AND o.name = %s
ORDER BY c.position`, quoteLiteral(schema), quoteLiteral(name))
}

// SubscribeQuery returns the live subscription for table. With a resume
// watermark w everything below w has already been shipped, so the
// subscription starts after w-1 without a snapshot.
func SubscribeQuery(table string, resume watermark.Watermark) string {
	q := fmt.Sprintf("SUBSCRIBE TO (SELECT * FROM %s) WITH (PROGRESS", QuoteIdent(table))
	if resume.IsMin() {
		return q + ")"
	}

	asOf := resume.Pred()
	if asOf.IsMin() {
		// resuming from 0: a snapshot as of 0 holds exactly the updates at 0
		return q + ") AS OF " + resume.String()
	}
	return q + ", SNAPSHOT = false) AS OF " + asOf.String()
}

// SetClusterStatement selects the compute cluster for the session.
func SetClusterStatement(cluster string) string {
	return "SET cluster = " + QuoteIdent(cluster)
}

func isSubscribe(stmt string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt)), "SUBSCRIBE")
}
