package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var movements = Table{
	Name:    "public.stock_movements",
	Columns: []string{"id", "product_id", "quantity"},
	Key:     []string{"id"},
}

func TestTable_MergeSQL(t *testing.T) {
	assert.Equal(t,
		`INSERT INTO "public"."stock_movements" ("id", "product_id", "quantity") `+
			`SELECT "id", "product_id", "quantity" FROM "_stage_public_stock_movements" `+
			`ON CONFLICT ("id") DO UPDATE SET "product_id" = EXCLUDED."product_id", "quantity" = EXCLUDED."quantity"`,
		movements.MergeSQL())

	links := Table{Name: "links", Columns: []string{"a", "b"}, Key: []string{"a", "b"}}
	assert.Equal(t,
		`INSERT INTO "links" ("a", "b") SELECT "a", "b" FROM "_stage_links" ON CONFLICT ("a", "b") DO NOTHING`,
		links.MergeSQL())
}

func TestUpsert_Validation(t *testing.T) {
	row := [][]any{{"x"}}
	tests := []struct {
		name  string
		table Table
		msg   string
	}{
		{"no name", Table{Columns: []string{"id"}, Key: []string{"id"}}, "table name is empty"},
		{"no columns", Table{Name: "t", Key: []string{"id"}}, "no columns"},
		{"no key", Table{Name: "t", Columns: []string{"id"}}, "no key columns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Upsert(context.Background(), nil, tt.table, row)
			assert.ErrorContains(t, err, tt.msg)
		})
	}
}

func TestUpsert_NoRows(t *testing.T) {
	n, err := Upsert(context.Background(), nil, Table{}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_public_stock_movements" \(LIKE "public"."stock_movements" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_public_stock_movements"}, movements.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "public"."stock_movements"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := Upsert(context.Background(), mock, movements, [][]any{{"m1", "p1", 3.0}, {"m2", "p1", -1.0}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_CopyFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_public_stock_movements"}, movements.Columns).
		WillReturnError(eris.New("disk full"))
	mock.ExpectRollback()

	_, err = Upsert(context.Background(), mock, movements, [][]any{{"m1", "p1", 3.0}})
	assert.ErrorContains(t, err, "copy")
	assert.NoError(t, mock.ExpectationsWereMet())
}
