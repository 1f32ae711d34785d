// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// The full-text layer mirrors three source columns -- prompt_batches.
// user_prompt (kind "prompt"), observations.observation (kind
// "observation"), and activities.tool_output_summary (kind "activity") --
// into one of two interchangeable backends: the FTS5 virtual table when
// the sqlite driver was built with the fts5 tag, and a plain trigram
// table otherwise. Only rank ordering differs between them, which is not
// part of the store's contract. The mirror is maintained at the Go level
// (every write path that touches a mirrored column calls
// indexText/deindexText in the same transaction), standing in for the SQL
// triggers an FTS5-only schema would use.

// hasFTS5 probes whether the fts5 module is compiled into the driver.
func hasFTS5(db *sql.DB) bool {
	_, err := db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS fts5_probe USING fts5(x)`)
	if err != nil {
		return false
	}
	db.Exec(`DROP TABLE IF EXISTS fts5_probe`)
	return true
}

// indexText mirrors body into whichever full-text backend is active.
// Runs inside the caller's transaction.
func (s *Store) indexText(tx *sql.Tx, entityID, kind, body string) error {
	if s.fts5 {
		_, err := tx.Exec(`INSERT INTO activity_fts (entity_id, kind, body) VALUES (?, ?, ?)`, entityID, kind, body)
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO activity_trigram (entity_id, kind, tri) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for tri := range trigrams(body) {
		if _, err := stmt.Exec(entityID, kind, tri); err != nil {
			return err
		}
	}
	return nil
}

// deindexText removes an entity's full-text rows.
func (s *Store) deindexText(tx *sql.Tx, entityID, kind string) error {
	if s.fts5 {
		_, err := tx.Exec(`DELETE FROM activity_fts WHERE entity_id = ? AND kind = ?`, entityID, kind)
		return err
	}
	_, err := tx.Exec(`DELETE FROM activity_trigram WHERE entity_id = ? AND kind = ?`, entityID, kind)
	return err
}

// searchText returns entity ids matching query, best match first.
func (s *Store) searchText(ctx context.Context, query, kind string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}

	if s.fts5 {
		rows, err := s.db.QueryContext(ctx, `SELECT entity_id FROM activity_fts WHERE activity_fts MATCH ? AND kind = ?
			ORDER BY rank LIMIT ?`, query, kind, limit)
		if err != nil {
			return nil, fmt.Errorf("activitystore: fts search: %w", err)
		}
		defer rows.Close()
		return scanIDs(rows)
	}

	tris := trigrams(query)
	if len(tris) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tris)), ",")
	args := make([]any, 0, len(tris)+2)
	for tri := range tris {
		args = append(args, tri)
	}
	args = append(args, kind, limit)

	// Rank by how many of the query's trigrams an entity shares.
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT entity_id, COUNT(DISTINCT tri) AS hits
		FROM activity_trigram WHERE tri IN (%s) AND kind = ?
		GROUP BY entity_id ORDER BY hits DESC LIMIT ?`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("activitystore: trigram search: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		var hits int
		if err := rows.Scan(&id, &hits); err != nil {
			return nil, fmt.Errorf("activitystore: scan trigram match: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("activitystore: scan fts match: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// trigrams extracts the set of lowercased 3-grams from s, word by word.
// Words shorter than three runes index as themselves so short tokens stay
// findable.
func trigrams(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	}) {
		runes := []rune(word)
		if len(runes) < 3 {
			out[word] = struct{}{}
			continue
		}
		for i := 0; i+3 <= len(runes); i++ {
			out[string(runes[i:i+3])] = struct{}{}
		}
	}
	return out
}

// mirrorSources lists the mirrored columns: kind, source table, id
// column, body column, and the filter that keeps empty bodies out.
var mirrorSources = []struct {
	kind, table, idCol, bodyCol, where string
}{
	{"prompt", "prompt_batches", "id", "user_prompt", "user_prompt != ''"},
	{"observation", "observations", "id", "observation", "observation != ''"},
	{"activity", "activities", "id", "tool_output_summary", "tool_output_summary IS NOT NULL AND tool_output_summary != ''"},
}

// rebuildTextIndex repopulates the active full-text backend from all
// three mirrored source tables, used after a bulk import.
func (s *Store) rebuildTextIndex(tx *sql.Tx) error {
	if s.fts5 {
		if _, err := tx.Exec(`DELETE FROM activity_fts`); err != nil {
			return err
		}
		for _, src := range mirrorSources {
			if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO activity_fts (entity_id, kind, body)
				SELECT %s, '%s', %s FROM %s WHERE %s`,
				src.idCol, src.kind, src.bodyCol, src.table, src.where)); err != nil {
				return err
			}
		}
		return nil
	}

	if _, err := tx.Exec(`DELETE FROM activity_trigram`); err != nil {
		return err
	}
	type entry struct{ id, kind, body string }
	var entries []entry
	for _, src := range mirrorSources {
		rows, err := tx.Query(fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s`,
			src.idCol, src.bodyCol, src.table, src.where))
		if err != nil {
			return err
		}
		for rows.Next() {
			e := entry{kind: src.kind}
			if err := rows.Scan(&e.id, &e.body); err != nil {
				rows.Close()
				return err
			}
			entries = append(entries, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := s.indexText(tx, e.id, e.kind, e.body); err != nil {
			return err
		}
	}
	return nil
}

// deindexSessionText removes every mirror row belonging to a session's
// batches, activities, and observations. Run inside the deletion
// transaction, before the source rows cascade away.
func (s *Store) deindexSessionText(tx *sql.Tx, sessionID string) error {
	table := "activity_trigram"
	if s.fts5 {
		table = "activity_fts"
	}
	stmts := []string{
		fmt.Sprintf(`DELETE FROM %s WHERE kind = 'prompt' AND entity_id IN
			(SELECT id FROM prompt_batches WHERE session_id = ?)`, table),
		fmt.Sprintf(`DELETE FROM %s WHERE kind = 'activity' AND entity_id IN
			(SELECT id FROM activities WHERE session_id = ?)`, table),
		fmt.Sprintf(`DELETE FROM %s WHERE kind = 'observation' AND entity_id IN
			(SELECT id FROM observations WHERE session_id = ?)`, table),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// TextMatch is one full-text hit, resolved back to its source row's body.
type TextMatch struct {
	EntityID string
	Kind     string
	Body     string
}

// SearchText runs a full-text query across the mirrored kinds (all three
// when kinds is empty), best match first, resolving each hit's current
// body from its source table.
func (s *Store) SearchText(ctx context.Context, query string, kinds []string, limit int) ([]TextMatch, error) {
	if limit <= 0 {
		limit = 20
	}
	if len(kinds) == 0 {
		kinds = []string{"prompt", "observation", "activity"}
	}

	var out []TextMatch
	for _, kind := range kinds {
		ids, err := s.searchText(ctx, query, kind, limit)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			body, err := s.lookupMirrorBody(ctx, kind, id)
			if err != nil {
				return nil, err
			}
			if body == "" {
				continue
			}
			out = append(out, TextMatch{EntityID: id, Kind: kind, Body: body})
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) lookupMirrorBody(ctx context.Context, kind, id string) (string, error) {
	var query string
	switch kind {
	case "prompt":
		query = `SELECT user_prompt FROM prompt_batches WHERE id = ?`
	case "observation":
		query = `SELECT observation FROM observations WHERE id = ?`
	case "activity":
		query = `SELECT COALESCE(tool_output_summary, '') FROM activities WHERE id = ?`
	default:
		return "", fmt.Errorf("activitystore: unknown text kind %q", kind)
	}
	var body string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&body)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("activitystore: resolve %s %s: %w", kind, id, err)
	}
	return body, nil
}

// sortedTrigrams is a deterministic view for tests.
func sortedTrigrams(s string) []string {
	set := trigrams(s)
	out := make([]string, 0, len(set))
	for tri := range set {
		out = append(out, tri)
	}
	sort.Strings(out)
	return out
}
