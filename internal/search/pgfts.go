package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as the
// fallback when Meilisearch is not configured or unreachable.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over the generated search_vector columns on
// properties and contacts, ranked with ts_rank.
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

	const tsQuery = "plainto_tsquery('english', $1)"
	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultProperty {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'property'::text AS type, p.id, p.name AS title,
				ts_headline('english', coalesce(p.address, '') || ' ' || coalesce(p.city, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.status, coalesce(p.city, '') AS city,
				ts_rank(p.search_vector, %s) AS rank
			FROM properties p
			WHERE p.search_vector @@ %s AND p.status <> 'Review'`, tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultContact {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'contact'::text AS type, c.id, c.name AS title,
				ts_headline('english', coalesce(c.email, '') || ' ' || coalesce(c.notes, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS status, ''::text AS city,
				ts_rank(c.search_vector, %s) AS rank
			FROM contacts c
			WHERE c.search_vector @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	query := fmt.Sprintf(`
		SELECT type, id, title, snippet, status, city
		FROM (%s) hits
		ORDER BY rank DESC
		LIMIT $2 OFFSET $3
	`, strings.Join(subQueries, " UNION ALL "))

	rows, err := p.db.Query(query, q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Status, &r.City); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return results, len(results), nil
}

// LoadAllRecords reads every indexable row for a full reindex into
// Meilisearch.
func (p *PgFTS) LoadAllRecords() ([]PropertyRecord, []ContactRecord, error) {
	propRows, err := p.db.Query(`
		SELECT id, name, coalesce(address, ''), coalesce(city, ''), coalesce(property_type, ''), status
		FROM properties WHERE status <> 'Review'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load properties: %w", err)
	}
	defer propRows.Close()

	var properties []PropertyRecord
	for propRows.Next() {
		var rec PropertyRecord
		if err := propRows.Scan(&rec.ID, &rec.Name, &rec.Address, &rec.City, &rec.PropertyType, &rec.Status); err != nil {
			return nil, nil, err
		}
		properties = append(properties, rec)
	}
	if err := propRows.Err(); err != nil {
		return nil, nil, err
	}

	contactRows, err := p.db.Query(`
		SELECT id, name, coalesce(email, ''), contact_type, coalesce(notes, '')
		FROM contacts
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load contacts: %w", err)
	}
	defer contactRows.Close()

	var contacts []ContactRecord
	for contactRows.Next() {
		var rec ContactRecord
		if err := contactRows.Scan(&rec.ID, &rec.Name, &rec.Email, &rec.ContactType, &rec.Notes); err != nil {
			return nil, nil, err
		}
		contacts = append(contacts, rec)
	}
	if err := contactRows.Err(); err != nil {
		return nil, nil, err
	}
	return properties, contacts, nil
}
