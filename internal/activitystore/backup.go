// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// backupTables lists the tables a backup round-trips, in an order that
// satisfies foreign keys on import.
var backupTables = []string{"sessions", "prompt_batches", "activities", "observations", "indexed_files"}

// ExportSQL renders the whole store as SQL text: one INSERT OR REPLACE per
// row. Importing the result into a same-version store reproduces the data
// exactly; the FTS mirror is rebuilt rather than dumped.
func (s *Store) ExportSQL(ctx context.Context) (string, error) {
	if err := s.FlushActivities(ctx); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "-- oak-ci activity store dump (schema version %d)\n", SchemaVersion)

	for _, table := range backupTables {
		rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+table)
		if err != nil {
			return "", fmt.Errorf("activitystore: export %s: %w", table, err)
		}
		if err := dumpRows(&b, table, rows); err != nil {
			rows.Close()
			return "", err
		}
		rows.Close()
	}
	return b.String(), nil
}

func dumpRows(b *strings.Builder, table string, rows *sql.Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("activitystore: columns of %s: %w", table, err)
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("activitystore: scan %s row: %w", table, err)
		}
		fmt.Fprintf(b, "INSERT OR REPLACE INTO %s (%s) VALUES (%s);\n",
			table, strings.Join(cols, ", "), renderValues(values))
	}
	return rows.Err()
}

func renderValues(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = sqlLiteral(v)
	}
	return strings.Join(parts, ", ")
}

func sqlLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return fmt.Sprintf("%d", t)
	case float64:
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "1"
		}
		return "0"
	case time.Time:
		// Matches the layout the sqlite3 driver itself writes, so the
		// re-imported value scans back identically.
		return "'" + t.Format("2006-01-02 15:04:05.999999999-07:00") + "'"
	case []byte:
		return "'" + strings.ReplaceAll(string(t), "'", "''") + "'"
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(t), "'", "''") + "'"
	}
}

// ImportSQL replays a dump produced by ExportSQL and rebuilds the FTS
// mirror from the imported prompts, observations, and activity summaries. Statements are split with a
// quote-aware scanner since prompt and observation text routinely carries
// semicolons and newlines.
func (s *Store) ImportSQL(ctx context.Context, dump string) error {
	statements := splitSQL(dump)

	err := s.write(ctx, func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("exec %q: %w", truncateStmt(stmt), err)
			}
		}
		if err := s.rebuildTextIndex(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("activitystore: import: %w", err)
	}
	s.invalidateStats()
	return nil
}

// splitSQL splits dump on statement-terminating semicolons, tracking
// single-quote string state so literals survive intact.
func splitSQL(dump string) []string {
	var out []string
	var cur strings.Builder
	inString := false

	for i := 0; i < len(dump); i++ {
		c := dump[i]
		switch {
		case c == '\'':
			inString = !inString
			cur.WriteByte(c)
		case c == ';' && !inString:
			stmt := stripLeadingComments(cur.String())
			cur.Reset()
			if stmt != "" {
				out = append(out, stmt)
			}
		default:
			cur.WriteByte(c)
		}
	}
	if stmt := stripLeadingComments(cur.String()); stmt != "" {
		out = append(out, stmt)
	}
	return out
}

// stripLeadingComments removes "--" comment lines ahead of a statement;
// comments never appear inside one since ExportSQL only emits them at the
// top of the dump.
func stripLeadingComments(chunk string) string {
	chunk = strings.TrimSpace(chunk)
	for strings.HasPrefix(chunk, "--") {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			return ""
		}
		chunk = strings.TrimSpace(chunk[i+1:])
	}
	return chunk
}

func truncateStmt(stmt string) string {
	if len(stmt) > 120 {
		return stmt[:120] + "..."
	}
	return stmt
}
