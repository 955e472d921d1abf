package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/advisor/internal/db"
	"github.com/sells-group/advisor/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// Hot-path queries, prepared on each new connection.
const (
	pgGetResult = `SELECT result FROM decision_results WHERE subject_type = $1 AND subject_id = $2`

	pgMarkRequested = `INSERT INTO decision_requests (subject_type, subject_id, request_id, requested_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_type, subject_id) DO UPDATE SET request_id = EXCLUDED.request_id, requested_at = EXCLUDED.requested_at`

	// The marker check and the write happen in one statement so a request
	// that was superseded in between cannot overwrite the newer result.
	pgUpsertResult = `INSERT INTO decision_results (subject_type, subject_id, result, source_kind, provider_id,
			confidence_score, is_anomaly, is_confirmed, computed_at, valid_until, request_id)
		SELECT $1::text, $2::text, $3::jsonb, $4::text, $5::text, $6::double precision, $7::boolean, $8::boolean,
			$9::timestamptz, $10::timestamptz, $11::text
		WHERE EXISTS (
			SELECT 1 FROM decision_requests
			WHERE subject_type = $1 AND subject_id = $2 AND request_id = $11
		)
		ON CONFLICT (subject_type, subject_id) DO UPDATE SET result = EXCLUDED.result,
			source_kind = EXCLUDED.source_kind, provider_id = EXCLUDED.provider_id,
			confidence_score = EXCLUDED.confidence_score, is_anomaly = EXCLUDED.is_anomaly,
			is_confirmed = EXCLUDED.is_confirmed, computed_at = EXCLUDED.computed_at,
			valid_until = EXCLUDED.valid_until, request_id = EXCLUDED.request_id`

	// A recompute changes computed_at, so a confirmation of the result read
	// before it matches no row.
	pgSaveConfirmation = `UPDATE decision_results SET result = $1, is_confirmed = $2, confidence_score = $3, is_anomaly = $4
		WHERE subject_type = $5 AND subject_id = $6 AND computed_at = $7`

	pgResultExists = `SELECT EXISTS (SELECT 1 FROM decision_results WHERE subject_type = $1 AND subject_id = $2)`
)

var preparedStatements = map[string]string{
	"get_result":     pgGetResult,
	"mark_requested": pgMarkRequested,
	"upsert_result":  pgUpsertResult,
}

var postgresDialect = dialect{
	ph:      func(n int) string { return fmt.Sprintf("$%d", n) },
	ts:      func(t time.Time) any { return t.UTC() },
	noLimit: "ALL",
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables may not exist before the first migrate.
				var pgErr interface{ SQLState() string }
				if errors.As(err, &pgErr) && pgErr.SQLState() == "42P01" {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS expenses (
	id          TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	amount      DOUBLE PRECISION NOT NULL,
	vendor      TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	date        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	sku             TEXT NOT NULL DEFAULT '',
	category        TEXT NOT NULL DEFAULT '',
	current_stock   DOUBLE PRECISION NOT NULL DEFAULT 0,
	min_stock_level DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_stock_level DOUBLE PRECISION NOT NULL DEFAULT 0,
	reorder_point   DOUBLE PRECISION NOT NULL DEFAULT 0,
	unit_cost       DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS stock_movements (
	id         TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	quantity   DOUBLE PRECISION NOT NULL,
	direction  TEXT NOT NULL CHECK (direction IN ('in', 'out')),
	date       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tenders (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	category        TEXT NOT NULL DEFAULT '',
	authority       TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	estimated_value DOUBLE PRECISION NOT NULL DEFAULT 0,
	submitted_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'draft',
	deadline        TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS decision_requests (
	subject_type TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	request_id   TEXT NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (subject_type, subject_id)
);

CREATE TABLE IF NOT EXISTS decision_results (
	subject_type     TEXT NOT NULL,
	subject_id       TEXT NOT NULL,
	result           JSONB NOT NULL,
	source_kind      TEXT NOT NULL,
	provider_id      TEXT NOT NULL,
	confidence_score DOUBLE PRECISION NOT NULL,
	is_anomaly       BOOLEAN NOT NULL DEFAULT false,
	is_confirmed     BOOLEAN NOT NULL DEFAULT false,
	computed_at      TIMESTAMPTZ NOT NULL,
	valid_until      TIMESTAMPTZ NOT NULL,
	request_id       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (subject_type, subject_id)
);

CREATE INDEX IF NOT EXISTS idx_expenses_vendor_date ON expenses(vendor, date DESC);
CREATE INDEX IF NOT EXISTS idx_movements_product_date ON stock_movements(product_id, date DESC);
CREATE INDEX IF NOT EXISTS idx_tenders_category_created ON tenders(category, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_results_computed_at ON decision_results(computed_at DESC);
CREATE INDEX IF NOT EXISTS idx_results_source_kind ON decision_results(source_kind);
CREATE INDEX IF NOT EXISTS idx_results_anomaly ON decision_results(subject_type) WHERE is_anomaly;
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Domain reads ---

const (
	pgExpenseCols = `id, description, amount, vendor, category, date`
	pgTenderCols  = `id, title, category, authority, description, estimated_value, submitted_price, status, deadline, created_at`
)

func (s *PostgresStore) GetExpense(ctx context.Context, id string) (*model.Expense, error) {
	var e model.Expense
	err := s.pool.QueryRow(ctx,
		`SELECT `+pgExpenseCols+` FROM expenses WHERE id = $1`, id,
	).Scan(&e.ID, &e.Description, &e.Amount, &e.Vendor, &e.Category, &e.Date)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get expense %s", id)
	}
	return &e, nil
}

func (s *PostgresStore) ExpenseHistory(ctx context.Context, vendor, excludeID string, limit int) ([]model.Expense, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgExpenseCols+` FROM expenses WHERE vendor = $1 AND id <> $2 ORDER BY date DESC, id DESC LIMIT $3`,
		vendor, excludeID, clampLimit(limit, 50))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: expense history")
	}
	defer rows.Close()

	var out []model.Expense
	for rows.Next() {
		var e model.Expense
		if err := rows.Scan(&e.ID, &e.Description, &e.Amount, &e.Vendor, &e.Category, &e.Date); err != nil {
			return nil, eris.Wrap(err, "postgres: scan expense")
		}
		out = append(out, e)
	}
	return reverse(out), eris.Wrap(rows.Err(), "postgres: expense history rows")
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, sku, category, current_stock, min_stock_level, max_stock_level, reorder_point, unit_cost
		 FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.SKU, &p.Category, &p.CurrentStock, &p.MinStockLevel, &p.MaxStockLevel, &p.ReorderPoint, &p.UnitCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get product %s", id)
	}
	return &p, nil
}

func (s *PostgresStore) ProductMovements(ctx context.Context, productID string, limit int) ([]model.StockMovement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_id, quantity, direction, date FROM stock_movements
		 WHERE product_id = $1 ORDER BY date DESC, id DESC LIMIT $2`,
		productID, clampLimit(limit, 50))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: product movements")
	}
	defer rows.Close()

	var out []model.StockMovement
	for rows.Next() {
		var m model.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Quantity, &m.Direction, &m.Date); err != nil {
			return nil, eris.Wrap(err, "postgres: scan movement")
		}
		out = append(out, m)
	}
	return reverse(out), eris.Wrap(rows.Err(), "postgres: product movements rows")
}

func (s *PostgresStore) GetTender(ctx context.Context, id string) (*model.Tender, error) {
	t, err := scanPgTender(s.pool.QueryRow(ctx, `SELECT `+pgTenderCols+` FROM tenders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get tender %s", id)
	}
	return t, nil
}

func (s *PostgresStore) TenderHistory(ctx context.Context, category, excludeID string, limit int) ([]model.Tender, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTenderCols+` FROM tenders WHERE category = $1 AND id <> $2 ORDER BY created_at DESC, id DESC LIMIT $3`,
		category, excludeID, clampLimit(limit, 50))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: tender history")
	}
	defer rows.Close()

	var out []model.Tender
	for rows.Next() {
		t, err := scanPgTender(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan tender")
		}
		out = append(out, *t)
	}
	return reverse(out), eris.Wrap(rows.Err(), "postgres: tender history rows")
}

func (s *PostgresStore) SubjectIDs(ctx context.Context, st model.SubjectType, limit int) ([]string, error) {
	query, err := subjectIDsQuery(st)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query+" LIMIT $1", clampLimit(limit, 1000))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: subject ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan subject id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: subject ids rows")
}

func scanPgTender(row scannable) (*model.Tender, error) {
	var (
		t      model.Tender
		status string
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Category, &t.Authority, &t.Description,
		&t.EstimatedValue, &t.SubmittedPrice, &status, &t.Deadline, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Status = model.TenderStatus(status)
	return &t, nil
}

// --- Domain writes ---

var (
	expensesTable = db.Table{
		Name:    "expenses",
		Columns: []string{"id", "description", "amount", "vendor", "category", "date"},
		Key:     []string{"id"},
	}
	productsTable = db.Table{
		Name: "products",
		Columns: []string{"id", "name", "sku", "category", "current_stock", "min_stock_level",
			"max_stock_level", "reorder_point", "unit_cost"},
		Key: []string{"id"},
	}
	movementsTable = db.Table{
		Name:    "stock_movements",
		Columns: []string{"id", "product_id", "quantity", "direction", "date"},
		Key:     []string{"id"},
	}
	tendersTable = db.Table{
		Name: "tenders",
		Columns: []string{"id", "title", "category", "authority", "description", "estimated_value",
			"submitted_price", "status", "deadline", "created_at"},
		Key: []string{"id"},
	}
)

func (s *PostgresStore) SaveExpenses(ctx context.Context, rows []model.Expense) (int64, error) {
	data := make([][]any, len(rows))
	for i, e := range rows {
		data[i] = []any{e.ID, e.Description, e.Amount, e.Vendor, e.Category, e.Date.UTC()}
	}
	n, err := db.Upsert(ctx, s.pool, expensesTable, data)
	return n, eris.Wrap(err, "postgres: save expenses")
}

func (s *PostgresStore) SaveProducts(ctx context.Context, rows []model.Product) (int64, error) {
	data := make([][]any, len(rows))
	for i, p := range rows {
		data[i] = []any{p.ID, p.Name, p.SKU, p.Category, p.CurrentStock, p.MinStockLevel, p.MaxStockLevel, p.ReorderPoint, p.UnitCost}
	}
	n, err := db.Upsert(ctx, s.pool, productsTable, data)
	return n, eris.Wrap(err, "postgres: save products")
}

func (s *PostgresStore) SaveMovements(ctx context.Context, rows []model.StockMovement) (int64, error) {
	data := make([][]any, len(rows))
	for i, m := range rows {
		data[i] = []any{m.ID, m.ProductID, m.Quantity, m.Direction, m.Date.UTC()}
	}
	n, err := db.Upsert(ctx, s.pool, movementsTable, data)
	return n, eris.Wrap(err, "postgres: save movements")
}

func (s *PostgresStore) SaveTenders(ctx context.Context, rows []model.Tender) (int64, error) {
	data := make([][]any, len(rows))
	for i, t := range rows {
		data[i] = []any{t.ID, t.Title, t.Category, t.Authority, t.Description, t.EstimatedValue,
			t.SubmittedPrice, string(t.Status), t.Deadline, t.CreatedAt.UTC()}
	}
	n, err := db.Upsert(ctx, s.pool, tendersTable, data)
	return n, eris.Wrap(err, "postgres: save tenders")
}

// --- Results ---

func (s *PostgresStore) GetResult(ctx context.Context, st model.SubjectType, id string) (*model.DecisionResult, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, pgGetResult, string(st), id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get result %s/%s", st, id)
	}
	return decodeResult(raw)
}

func (s *PostgresStore) MarkRequested(ctx context.Context, st model.SubjectType, id, requestID string) error {
	_, err := s.pool.Exec(ctx, pgMarkRequested, string(st), id, requestID, time.Now().UTC())
	return eris.Wrapf(err, "postgres: mark requested %s/%s", st, id)
}

func (s *PostgresStore) UpsertResult(ctx context.Context, r *model.DecisionResult, requestID string) (bool, error) {
	stored, err := prepareResult(r)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal result")
	}
	tag, err := s.pool.Exec(ctx, pgUpsertResult,
		string(stored.SubjectType), stored.SubjectID, raw, string(stored.SourceKind), stored.ProviderID,
		stored.ConfidenceScore, stored.IsAnomaly, stored.IsConfirmed, stored.ComputedAt, stored.ValidUntil, requestID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert result %s/%s", stored.SubjectType, stored.SubjectID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SaveConfirmation(ctx context.Context, r *model.DecisionResult) error {
	stored, err := prepareResult(r)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	tag, err := s.pool.Exec(ctx, pgSaveConfirmation,
		raw, stored.IsConfirmed, stored.ConfidenceScore, stored.IsAnomaly,
		string(stored.SubjectType), stored.SubjectID, stored.ComputedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save confirmation %s/%s", stored.SubjectType, stored.SubjectID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, pgResultExists, string(stored.SubjectType), stored.SubjectID).Scan(&exists)
	if err != nil {
		return eris.Wrap(err, "postgres: check result")
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func (s *PostgresStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.DecisionResult, error) {
	query, args := listResultsQuery(filter, postgresDialect)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	var out []model.DecisionResult
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		r, err := decodeResult(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list results rows")
}
