package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across resources and blocks using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultResource {
		where := "r.fts @@ " + tsQuery + " AND r.status <> 'archived'"
		if q.FilterKind != "" {
			where += fmt.Sprintf(" AND r.kind = $%d", argN)
			args = append(args, q.FilterKind)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'resource'::text AS type, r.id, r.name AS title,
				ts_headline('english', coalesce(r.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				r.id AS resource_id, r.kind,
				ts_rank(r.fts, %s) AS rank
			FROM resources r
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultBlock {
		where := "b.fts @@ " + tsQuery + " AND b.deleted_at IS NULL"
		if q.FilterKind != "" {
			where += fmt.Sprintf(" AND r.kind = $%d", argN)
			args = append(args, q.FilterKind)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'block'::text AS type, b.id, b.name AS title,
				b.type AS snippet,
				b.resource_id, r.kind,
				ts_rank(b.fts, %s) AS rank
			FROM blocks b
			JOIN resources r ON r.id = b.resource_id
			WHERE %s`, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	query := fmt.Sprintf(`
		SELECT type, id, title, snippet, resource_id, kind, COUNT(*) OVER() AS total
		FROM (%s) hits
		ORDER BY rank DESC
		LIMIT $%d OFFSET $%d
	`, strings.Join(subQueries, " UNION ALL "), argN, argN+1)
	args = append(args, limit, offset)

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Type, &r.ID, &r.Title, &r.Snippet, &r.ResourceID, &r.Kind, &total); err != nil {
			return nil, 0, fmt.Errorf("scan search hit: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords reads all indexable entities for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ResourceRecord, []BlockRecord, error) {
	resourceRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, kind, status FROM resources WHERE status <> 'archived'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load resources: %w", err)
	}
	defer resourceRows.Close()

	var resources []ResourceRecord
	for resourceRows.Next() {
		var rec ResourceRecord
		if err := resourceRows.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.Kind, &rec.Status); err != nil {
			return nil, nil, fmt.Errorf("scan resource record: %w", err)
		}
		resources = append(resources, rec)
	}
	if err := resourceRows.Err(); err != nil {
		return nil, nil, err
	}

	blockRows, err := p.db.QueryContext(ctx, `
		SELECT b.id, b.name, b.type, b.resource_id, r.kind
		FROM blocks b
		JOIN resources r ON r.id = b.resource_id
		WHERE b.deleted_at IS NULL
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load blocks: %w", err)
	}
	defer blockRows.Close()

	var blocks []BlockRecord
	for blockRows.Next() {
		var rec BlockRecord
		if err := blockRows.Scan(&rec.ID, &rec.Name, &rec.Type, &rec.ResourceID, &rec.Kind); err != nil {
			return nil, nil, fmt.Errorf("scan block record: %w", err)
		}
		blocks = append(blocks, rec)
	}
	return resources, blocks, blockRows.Err()
}
