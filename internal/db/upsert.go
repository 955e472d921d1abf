package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Table describes a bulk upsert target. Rows are staged with COPY into a
// transaction-scoped temp table and merged with INSERT ... ON CONFLICT.
type Table struct {
	// Name may be schema-qualified, e.g. "public.expenses".
	Name    string
	Columns []string
	// Key columns form the unique constraint; every other column is
	// overwritten on conflict.
	Key []string
}

func (t Table) ident() pgx.Identifier {
	return pgx.Identifier(strings.Split(t.Name, "."))
}

func (t Table) staging() string {
	return "_stage_" + strings.ReplaceAll(t.Name, ".", "_")
}

func (t Table) validate() error {
	switch {
	case t.Name == "":
		return eris.New("db: upsert: table name is empty")
	case len(t.Columns) == 0:
		return eris.Errorf("db: upsert %s: no columns", t.Name)
	case len(t.Key) == 0:
		return eris.Errorf("db: upsert %s: no key columns", t.Name)
	}
	return nil
}

func quoted(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(out, ", ")
}

// MergeSQL returns the statement that moves staged rows into the table.
// A table whose columns are all key columns ignores conflicts.
func (t Table) MergeSQL() string {
	key := make(map[string]bool, len(t.Key))
	for _, k := range t.Key {
		key[k] = true
	}
	var sets []string
	for _, c := range t.Columns {
		if !key[c] {
			q := pgx.Identifier{c}.Sanitize()
			sets = append(sets, q+" = EXCLUDED."+q)
		}
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	cols := quoted(t.Columns)
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		t.ident().Sanitize(), cols, cols, pgx.Identifier{t.staging()}.Sanitize(), quoted(t.Key), action)
}

// Upsert writes rows into t in one transaction and returns the number of
// rows inserted or updated.
func Upsert(ctx context.Context, pool Pool, t Table, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := t.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: begin", t.Name)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := pgx.Identifier{t.staging()}
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		stage.Sanitize(), t.ident().Sanitize())); err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: create staging table", t.Name)
	}
	if _, err := tx.CopyFrom(ctx, stage, t.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: copy", t.Name)
	}
	tag, err := tx.Exec(ctx, t.MergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: merge", t.Name)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: commit", t.Name)
	}
	return tag.RowsAffected(), nil
}
