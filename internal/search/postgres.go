package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Postgres implements Searcher with ILIKE matching over cases and messages.
// It is the fallback whenever Meilisearch is not configured or unhealthy.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Healthy is always true: if Postgres is down, the whole app is down.
func (p *Postgres) Healthy() bool {
	return true
}

// Search runs a UNION ALL over case titles and message bodies, newest first.
func (p *Postgres) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	dataSQL, countSQL, args := buildFallbackQuery(q)
	if dataSQL == "" {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("search count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r   Result
			typ string
		)
		if err := rows.Scan(&typ, &r.ID, &r.CaseID, &r.UserID, &r.Title, &r.Snippet, &r.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("search scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// buildFallbackQuery returns the data query, the count query and their shared
// arguments. $1 is always the ILIKE pattern.
func buildFallbackQuery(q Query) (string, string, []any) {
	args := []any{"%" + escapeLike(strings.TrimSpace(q.Text)) + "%"}
	ownerClause := ""
	if q.UserID != "" {
		args = append(args, q.UserID)
		ownerClause = fmt.Sprintf(" AND s.user_id = $%d", len(args))
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultCase {
		subQueries = append(subQueries, `
			SELECT 'case'::text AS type, s.id, s.id AS case_id, s.user_id,
				s.case_title AS title, ''::text AS snippet,
				(extract(epoch FROM s.updated_at) * 1000)::bigint AS ts
			FROM chat_sessions s
			WHERE s.case_title ILIKE $1 ESCAPE '\'`+ownerClause)
	}
	if q.FilterType == "" || q.FilterType == ResultMessage {
		subQueries = append(subQueries, `
			SELECT 'message'::text AS type, m.id, m.chat_id AS case_id, s.user_id,
				s.case_title AS title, left(m.content, 200) AS snippet,
				(extract(epoch FROM m.created_at) * 1000)::bigint AS ts
			FROM chat_messages m
			JOIN chat_sessions s ON s.id = m.chat_id
			WHERE m.content ILIKE $1 ESCAPE '\'`+ownerClause)
	}
	if len(subQueries) == 0 {
		return "", "", nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, case_id, user_id, title, snippet, ts
		FROM (%s) sub
		ORDER BY ts DESC
		LIMIT %d OFFSET %d`, union, normalizeLimit(q.Limit), max(q.Offset, 0))
	return dataSQL, countSQL, args
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// LoadAllRecords returns every searchable record for a full reindex.
func (p *Postgres) LoadAllRecords(ctx context.Context) ([]CaseRecord, []MessageRecord, error) {
	caseRows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, case_title, (extract(epoch FROM updated_at) * 1000)::bigint
		FROM chat_sessions
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load cases: %w", err)
	}
	defer caseRows.Close()

	cases := make([]CaseRecord, 0)
	for caseRows.Next() {
		var c CaseRecord
		if err := caseRows.Scan(&c.ID, &c.UserID, &c.CaseTitle, &c.UpdatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan case: %w", err)
		}
		cases = append(cases, c)
	}
	if err := caseRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate cases: %w", err)
	}

	messageRows, err := p.db.QueryContext(ctx, `
		SELECT id, chat_id, user_id, role, content, (extract(epoch FROM created_at) * 1000)::bigint
		FROM chat_messages
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer messageRows.Close()

	messages := make([]MessageRecord, 0)
	for messageRows.Next() {
		var m MessageRecord
		if err := messageRows.Scan(&m.ID, &m.CaseID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := messageRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	return cases, messages, nil
}
