package search

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"reqorder/api/internal/orderkey"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches short names and names with plainto_tsquery, falling back
// to a prefix match on the short name. Matches are ordered by key in Go
// because stored values are text and may not decode.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	records, err := p.loadRecords(context.Background(), q.IterationID, q.Text, string(q.Kind))
	if err != nil {
		return nil, 0, err
	}
	sortRecords(records)

	total := len(records)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + normalizeLimit(q.Limit)
	if end > total {
		end = total
	}

	results := make([]Result, 0, end-offset)
	for _, r := range records[offset:end] {
		results = append(results, resultFromRecord(r))
	}
	return results, total, nil
}

// LoadIterationRecords returns every item of the iteration for reindexing.
func (p *PgFTS) LoadIterationRecords(ctx context.Context, iterationID string) ([]ItemRecord, error) {
	return p.loadRecords(ctx, iterationID, "", "")
}

func (p *PgFTS) loadRecords(ctx context.Context, iterationID, text, kind string) ([]ItemRecord, error) {
	query := `
		SELECT i.id, i.iteration_id, i.kind, i.short_name, i.name,
			COALESCE(i.parent_id, i.iteration_id), COALESCE(i.group_id, ''),
			COALESCE(ov.value, '')
		FROM items i
		JOIN iterations it ON it.id = i.iteration_id
		LEFT JOIN order_values ov ON ov.item_id = i.id AND ov.parameter_type = it.order_parameter_type
		WHERE i.iteration_id = $1`
	args := []any{iterationID}
	if text != "" {
		query += ` AND (
			to_tsvector('simple', i.short_name || ' ' || i.name) @@ plainto_tsquery('simple', $2)
			OR i.short_name ILIKE $3)`
		args = append(args, text, escapeLike(text)+"%")
	}
	if kind != "" {
		args = append(args, kind)
		query += fmt.Sprintf(" AND i.kind = $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	records := make([]ItemRecord, 0)
	for rows.Next() {
		var r ItemRecord
		var raw string
		if err := rows.Scan(&r.ID, &r.IterationID, &r.Kind, &r.ShortName, &r.Name, &r.ContainerID, &r.GroupID, &raw); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		key := orderkey.Unordered
		if raw != "" {
			key = orderkey.Parse(raw)
		}
		r.OrderKey = key.String()
		r.SortKey = int64(key.SortValue())
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgfts iterate: %w", err)
	}
	return records, nil
}

func sortRecords(records []ItemRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.SortKey != b.SortKey {
			return a.SortKey < b.SortKey
		}
		if a.ShortName != b.ShortName {
			return a.ShortName < b.ShortName
		}
		return a.ID < b.ID
	})
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
