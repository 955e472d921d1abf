package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/advisor/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// sqliteTime is fixed width so stored timestamps sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

func toSQLiteTime(t time.Time) string { return t.UTC().Format(sqliteTime) }

func fromSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

var sqliteDialect = dialect{
	ph:      func(int) string { return "?" },
	ts:      func(t time.Time) any { return toSQLiteTime(t) },
	noLimit: "-1",
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS expenses (
	id          TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	amount      REAL NOT NULL,
	vendor      TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	date        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	sku             TEXT NOT NULL DEFAULT '',
	category        TEXT NOT NULL DEFAULT '',
	current_stock   REAL NOT NULL DEFAULT 0,
	min_stock_level REAL NOT NULL DEFAULT 0,
	max_stock_level REAL NOT NULL DEFAULT 0,
	reorder_point   REAL NOT NULL DEFAULT 0,
	unit_cost       REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS stock_movements (
	id         TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	quantity   REAL NOT NULL,
	direction  TEXT NOT NULL,
	date       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tenders (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	category        TEXT NOT NULL DEFAULT '',
	authority       TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	estimated_value REAL NOT NULL DEFAULT 0,
	submitted_price REAL NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'draft',
	deadline        TEXT,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS decision_requests (
	subject_type TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	request_id   TEXT NOT NULL,
	requested_at TEXT NOT NULL,
	PRIMARY KEY (subject_type, subject_id)
);

CREATE TABLE IF NOT EXISTS decision_results (
	subject_type     TEXT NOT NULL,
	subject_id       TEXT NOT NULL,
	result           TEXT NOT NULL,
	source_kind      TEXT NOT NULL,
	provider_id      TEXT NOT NULL,
	confidence_score REAL NOT NULL,
	is_anomaly       INTEGER NOT NULL DEFAULT 0,
	is_confirmed     INTEGER NOT NULL DEFAULT 0,
	computed_at      TEXT NOT NULL,
	valid_until      TEXT NOT NULL,
	request_id       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (subject_type, subject_id)
);

CREATE INDEX IF NOT EXISTS idx_expenses_vendor_date ON expenses(vendor, date);
CREATE INDEX IF NOT EXISTS idx_movements_product_date ON stock_movements(product_id, date);
CREATE INDEX IF NOT EXISTS idx_tenders_category_created ON tenders(category, created_at);
CREATE INDEX IF NOT EXISTS idx_results_computed_at ON decision_results(computed_at);
CREATE INDEX IF NOT EXISTS idx_results_source_kind ON decision_results(source_kind);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Domain reads ---

func (s *SQLiteStore) GetExpense(ctx context.Context, id string) (*model.Expense, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, description, amount, vendor, category, date FROM expenses WHERE id = ?`, id)
	e, err := scanSQLiteExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, eris.Wrapf(err, "sqlite: get expense %s", id)
}

func (s *SQLiteStore) ExpenseHistory(ctx context.Context, vendor, excludeID string, limit int) ([]model.Expense, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, description, amount, vendor, category, date FROM expenses
		 WHERE vendor = ? AND id <> ? ORDER BY date DESC, id DESC LIMIT ?`,
		vendor, excludeID, clampLimit(limit, 50))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: expense history")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Expense
	for rows.Next() {
		e, err := scanSQLiteExpense(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan expense")
		}
		out = append(out, *e)
	}
	return reverse(out), eris.Wrap(rows.Err(), "sqlite: expense history rows")
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, sku, category, current_stock, min_stock_level, max_stock_level, reorder_point, unit_cost
		 FROM products WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.SKU, &p.Category, &p.CurrentStock, &p.MinStockLevel, &p.MaxStockLevel, &p.ReorderPoint, &p.UnitCost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get product %s", id)
	}
	return &p, nil
}

func (s *SQLiteStore) ProductMovements(ctx context.Context, productID string, limit int) ([]model.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, quantity, direction, date FROM stock_movements
		 WHERE product_id = ? ORDER BY date DESC, id DESC LIMIT ?`,
		productID, clampLimit(limit, 50))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: product movements")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.StockMovement
	for rows.Next() {
		var (
			m    model.StockMovement
			date string
		)
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Quantity, &m.Direction, &date); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan movement")
		}
		if m.Date, err = fromSQLiteTime(date); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return reverse(out), eris.Wrap(rows.Err(), "sqlite: product movements rows")
}

func (s *SQLiteStore) GetTender(ctx context.Context, id string) (*model.Tender, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, category, authority, description, estimated_value, submitted_price, status, deadline, created_at
		 FROM tenders WHERE id = ?`, id)
	t, err := scanSQLiteTender(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, eris.Wrapf(err, "sqlite: get tender %s", id)
}

func (s *SQLiteStore) TenderHistory(ctx context.Context, category, excludeID string, limit int) ([]model.Tender, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, category, authority, description, estimated_value, submitted_price, status, deadline, created_at
		 FROM tenders WHERE category = ? AND id <> ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		category, excludeID, clampLimit(limit, 50))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: tender history")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Tender
	for rows.Next() {
		t, err := scanSQLiteTender(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tender")
		}
		out = append(out, *t)
	}
	return reverse(out), eris.Wrap(rows.Err(), "sqlite: tender history rows")
}

func (s *SQLiteStore) SubjectIDs(ctx context.Context, st model.SubjectType, limit int) ([]string, error) {
	query, err := subjectIDsQuery(st)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query+" LIMIT ?", clampLimit(limit, 1000))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: subject ids")
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan subject id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: subject ids rows")
}

// --- Domain writes ---

func (s *SQLiteStore) SaveExpenses(ctx context.Context, rows []model.Expense) (int64, error) {
	return sqliteBulk(ctx, s.db, "expenses",
		`INSERT INTO expenses (id, description, amount, vendor, category, date) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET description = excluded.description, amount = excluded.amount,
		 vendor = excluded.vendor, category = excluded.category, date = excluded.date`,
		len(rows), func(i int) []any {
			e := rows[i]
			return []any{e.ID, e.Description, e.Amount, e.Vendor, e.Category, toSQLiteTime(e.Date)}
		})
}

func (s *SQLiteStore) SaveProducts(ctx context.Context, rows []model.Product) (int64, error) {
	return sqliteBulk(ctx, s.db, "products",
		`INSERT INTO products (id, name, sku, category, current_stock, min_stock_level, max_stock_level, reorder_point, unit_cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, sku = excluded.sku, category = excluded.category,
		 current_stock = excluded.current_stock, min_stock_level = excluded.min_stock_level,
		 max_stock_level = excluded.max_stock_level, reorder_point = excluded.reorder_point, unit_cost = excluded.unit_cost`,
		len(rows), func(i int) []any {
			p := rows[i]
			return []any{p.ID, p.Name, p.SKU, p.Category, p.CurrentStock, p.MinStockLevel, p.MaxStockLevel, p.ReorderPoint, p.UnitCost}
		})
}

func (s *SQLiteStore) SaveMovements(ctx context.Context, rows []model.StockMovement) (int64, error) {
	return sqliteBulk(ctx, s.db, "stock_movements",
		`INSERT INTO stock_movements (id, product_id, quantity, direction, date) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET product_id = excluded.product_id, quantity = excluded.quantity,
		 direction = excluded.direction, date = excluded.date`,
		len(rows), func(i int) []any {
			m := rows[i]
			return []any{m.ID, m.ProductID, m.Quantity, m.Direction, toSQLiteTime(m.Date)}
		})
}

func (s *SQLiteStore) SaveTenders(ctx context.Context, rows []model.Tender) (int64, error) {
	return sqliteBulk(ctx, s.db, "tenders",
		`INSERT INTO tenders (id, title, category, authority, description, estimated_value, submitted_price, status, deadline, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET title = excluded.title, category = excluded.category,
		 authority = excluded.authority, description = excluded.description,
		 estimated_value = excluded.estimated_value, submitted_price = excluded.submitted_price,
		 status = excluded.status, deadline = excluded.deadline, created_at = excluded.created_at`,
		len(rows), func(i int) []any {
			t := rows[i]
			var deadline any
			if t.Deadline != nil {
				deadline = toSQLiteTime(*t.Deadline)
			}
			return []any{t.ID, t.Title, t.Category, t.Authority, t.Description, t.EstimatedValue,
				t.SubmittedPrice, string(t.Status), deadline, toSQLiteTime(t.CreatedAt)}
		})
}

// sqliteBulk runs one prepared upsert per row inside a transaction.
func sqliteBulk(ctx context.Context, db *sql.DB, table, query string, n int, row func(i int) []any) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: begin %s upsert", table)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: prepare %s upsert", table)
	}
	defer stmt.Close() //nolint:errcheck

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, row(i)...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert %s row %d", table, i)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrapf(err, "sqlite: commit %s upsert", table)
	}
	return int64(n), nil
}

// --- Results ---

func (s *SQLiteStore) GetResult(ctx context.Context, st model.SubjectType, id string) (*model.DecisionResult, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM decision_results WHERE subject_type = ? AND subject_id = ?`,
		string(st), id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get result %s/%s", st, id)
	}
	return decodeResult([]byte(raw))
}

func (s *SQLiteStore) MarkRequested(ctx context.Context, st model.SubjectType, id, requestID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_requests (subject_type, subject_id, request_id, requested_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (subject_type, subject_id) DO UPDATE SET request_id = excluded.request_id, requested_at = excluded.requested_at`,
		string(st), id, requestID, toSQLiteTime(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: mark requested %s/%s", st, id)
}

func (s *SQLiteStore) UpsertResult(ctx context.Context, r *model.DecisionResult, requestID string) (bool, error) {
	stored, err := prepareResult(r)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal result")
	}

	// The SELECT carries a WHERE clause so SQLite parses the trailing
	// ON CONFLICT as an upsert clause.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_results (subject_type, subject_id, result, source_kind, provider_id, confidence_score,
			is_anomaly, is_confirmed, computed_at, valid_until, request_id)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM decision_requests WHERE subject_type = ? AND subject_id = ? AND request_id = ?)
		 ON CONFLICT (subject_type, subject_id) DO UPDATE SET result = excluded.result,
			source_kind = excluded.source_kind, provider_id = excluded.provider_id,
			confidence_score = excluded.confidence_score, is_anomaly = excluded.is_anomaly,
			is_confirmed = excluded.is_confirmed, computed_at = excluded.computed_at,
			valid_until = excluded.valid_until, request_id = excluded.request_id`,
		string(stored.SubjectType), stored.SubjectID, string(raw), string(stored.SourceKind), stored.ProviderID,
		stored.ConfidenceScore, stored.IsAnomaly, stored.IsConfirmed,
		toSQLiteTime(stored.ComputedAt), toSQLiteTime(stored.ValidUntil), requestID,
		string(stored.SubjectType), stored.SubjectID, requestID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert result %s/%s", stored.SubjectType, stored.SubjectID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) SaveConfirmation(ctx context.Context, r *model.DecisionResult) error {
	stored, err := prepareResult(r)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE decision_results SET result = ?, is_confirmed = ?, confidence_score = ?, is_anomaly = ?
		 WHERE subject_type = ? AND subject_id = ? AND computed_at = ?`,
		string(raw), stored.IsConfirmed, stored.ConfidenceScore, stored.IsAnomaly,
		string(stored.SubjectType), stored.SubjectID, toSQLiteTime(stored.ComputedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save confirmation %s/%s", stored.SubjectType, stored.SubjectID)
	}
	if err := checkRowsAffected(res); !errors.Is(err, ErrNotFound) {
		return err
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM decision_results WHERE subject_type = ? AND subject_id = ?)`,
		string(stored.SubjectType), stored.SubjectID,
	).Scan(&exists)
	if err != nil {
		return eris.Wrap(err, "sqlite: check result")
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func (s *SQLiteStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.DecisionResult, error) {
	query, args := listResultsQuery(filter, sqliteDialect)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DecisionResult
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		r, err := decodeResult([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list results rows")
}

// helpers

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteExpense(row scannable) (*model.Expense, error) {
	var (
		e    model.Expense
		date string
	)
	if err := row.Scan(&e.ID, &e.Description, &e.Amount, &e.Vendor, &e.Category, &date); err != nil {
		return nil, err
	}
	var err error
	if e.Date, err = fromSQLiteTime(date); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanSQLiteTender(row scannable) (*model.Tender, error) {
	var (
		t         model.Tender
		status    string
		deadline  sql.NullString
		createdAt string
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Category, &t.Authority, &t.Description,
		&t.EstimatedValue, &t.SubmittedPrice, &status, &deadline, &createdAt); err != nil {
		return nil, err
	}
	t.Status = model.TenderStatus(status)
	var err error
	if t.CreatedAt, err = fromSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if deadline.Valid {
		d, err := fromSQLiteTime(deadline.String)
		if err != nil {
			return nil, err
		}
		t.Deadline = &d
	}
	return &t, nil
}

func decodeResult(raw []byte) (*model.DecisionResult, error) {
	var r model.DecisionResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrap(err, "store: decode result")
	}
	return &r, nil
}

// subjectIDsQuery returns the id listing for a subject type, newest first.
func subjectIDsQuery(st model.SubjectType) (string, error) {
	switch st {
	case model.SubjectExpenseCategorization:
		return `SELECT id FROM expenses ORDER BY date DESC, id DESC`, nil
	case model.SubjectInventoryOptimization:
		return `SELECT id FROM products ORDER BY id DESC`, nil
	case model.SubjectTenderPricing, model.SubjectTenderMarketAnalysis:
		return `SELECT id FROM tenders ORDER BY created_at DESC, id DESC`, nil
	default:
		return "", eris.Errorf("store: unknown subject type %q", st)
	}
}
