package store

import "context"

// SearchMessages performs a full-text search on message text.
func (q *Queries) SearchMessages(ctx context.Context, query string, chatID int64, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	sqlq := `
		SELECT ` + prefixed("m", msgColumns) + `,
		       snippet(msgs_fts, '<<', '>>', '...', -1, 16) AS snippet
		FROM msgs_fts f
		JOIN msgs m ON m.id = f.docid
		WHERE msgs_fts MATCH ? AND m.hidden = 0 AND m.chat_id > ?`

	args := []any{query, ChatIDLastSpecial}
	if chatID != 0 {
		sqlq += " AND m.chat_id = ?"
		args = append(args, chatID)
	}
	sqlq += " ORDER BY m.timestamp DESC LIMIT ?"
	args = append(args, limit)

	var results []SearchResult
	err := sqlxSelect(ctx, q.x, &results, sqlq, args...)
	return results, err
}
