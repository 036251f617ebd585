/*
Package sqlite provides a SQLite-backed implementation of loyalty.TxStore.

PURPOSE:
  Durable storage for one or more loyalty tenants in a single database
  file. Every table carries tenant_id; a Store value is bound to exactly one
  tenant, and Tenant() hands out sibling views over the same connection.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries
  - Corrections are new entries (adjustments, expiries)

KEY TABLES:
  loyalty_config:      Per-tenant Config as JSON
  customers:           Profile + cached balance
  ledger_entries:      Immutable ledger; seq gives the append order
  rewards:             Catalog
  redemption_requests: Workflow state
  sweep_runs:          Expiry reaper audit trail

INDEXES:
  - idx_ledger_customer:    History and reconciliation (hot path)
  - idx_ledger_idempotency: One entry per (tenant, idempotency key)
  - idx_ledger_expiring:    Reaper candidate scan

CONCURRENCY:
  One sync.RWMutex shared by all tenant views. WithTx holds the write lock
  for the whole transaction, so a transaction sees a stable database and
  readers never observe half of one.

WAL MODE:
  Opened with WAL (Write-Ahead Logging): readers don't block, single
  writer, better crash recovery.

TIMESTAMPS:
  Stored as fixed-width UTC strings (timeLayout) so that SQL string
  comparison orders them correctly.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := loyalty.New(store.Tenant("acme"))

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// DefaultTenant is the tenant bound to the Store returned by New.
const DefaultTenant = "default"

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements loyalty.TxStore for a single tenant.
type Store struct {
	db     *sql.DB
	mu     *sync.RWMutex
	tenant string
	root   bool
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// All access is serialized by mu; a single connection also keeps a
	// ":memory:" database visible to every caller.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, mu: &sync.RWMutex{}, tenant: DefaultTenant, root: true}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return store, nil
}

// Tenant returns a view of the same database scoped to tenantID.
func (s *Store) Tenant(tenantID string) *Store {
	return &Store{db: s.db, mu: s.mu, tenant: tenantID}
}

// TenantID reports the tenant this Store is bound to.
func (s *Store) TenantID() string { return s.tenant }

// Close closes the database connection. Closing a tenant view is a no-op.
func (s *Store) Close() error {
	if !s.root {
		return nil
	}
	return s.db.Close()
}

// Tenants lists every tenant with stored config or customers.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id FROM loyalty_config
		UNION
		SELECT DISTINCT tenant_id FROM customers
		ORDER BY 1
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list tenants")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan tenant")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Reset deletes every row of this tenant. Used by the demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin reset")
	}
	defer tx.Rollback()

	for _, table := range []string{
		"ledger_entries",
		"redemption_requests",
		"rewards",
		"customers",
		"sweep_runs",
		"loyalty_config",
	} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE tenant_id = ?", s.tenant); err != nil {
			return errors.Wrapf(err, "reset %s", table)
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit reset")
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS loyalty_config (
		tenant_id TEXT PRIMARY KEY,
		config_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS customers (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT,
		phone TEXT,
		lifetime_spend TEXT NOT NULL,
		visit_count INTEGER NOT NULL DEFAULT 0,
		tier TEXT NOT NULL,
		points_earned INTEGER NOT NULL DEFAULT 0,
		points_redeemed INTEGER NOT NULL DEFAULT 0,
		points_expired INTEGER NOT NULL DEFAULT 0,
		balance INTEGER NOT NULL DEFAULT 0,
		last_visit TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		enrolled_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		delta INTEGER NOT NULL,
		invoice_id TEXT,
		invoice_amount TEXT,
		description TEXT,
		expires_at TEXT,
		reference_id TEXT,
		idempotency_key TEXT,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_customer
		ON ledger_entries(tenant_id, customer_id, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_idempotency
		ON ledger_entries(tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_ledger_expiring
		ON ledger_entries(tenant_id, expires_at) WHERE expires_at IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_entries(tenant_id, reference_id) WHERE reference_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS rewards (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		point_cost INTEGER NOT NULL,
		effect_type TEXT NOT NULL,
		effect_value TEXT NOT NULL,
		applicable_tiers_json TEXT,
		valid_from TEXT,
		valid_until TEXT,
		usage_limit INTEGER NOT NULL DEFAULT 0,
		usage_count INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS redemption_requests (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		reward_id TEXT,
		type TEXT NOT NULL,
		points INTEGER NOT NULL,
		cash_value TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		invoice_id TEXT,
		created_at TEXT NOT NULL,
		approved_at TEXT,
		approved_by TEXT,
		cancelled_at TEXT,
		cancelled_by TEXT,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON redemption_requests(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_requests_customer
		ON redemption_requests(tenant_id, customer_id);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		as_of TEXT NOT NULL,
		points_expired INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_started
		ON sweep_runs(tenant_id, started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE (loyalty.Store interface) - locking wrappers around queries
// =============================================================================

func (s *Store) q() queries { return queries{db: s.db, tenant: s.tenant} }

func (s *Store) GetConfig(ctx context.Context) (*loyalty.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().getConfig(ctx)
}

func (s *Store) SaveConfig(ctx context.Context, cfg loyalty.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().saveConfig(ctx, cfg)
}

func (s *Store) GetCustomer(ctx context.Context, id loyalty.CustomerID) (*loyalty.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().getCustomer(ctx, id)
}

func (s *Store) SaveCustomer(ctx context.Context, c loyalty.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().saveCustomer(ctx, c)
}

func (s *Store) ListCustomers(ctx context.Context) ([]loyalty.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().listCustomers(ctx)
}

// AppendEntry adds an entry to the ledger.
func (s *Store) AppendEntry(ctx context.Context, e *loyalty.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().appendEntry(ctx, e)
}

func (s *Store) Entries(ctx context.Context, id loyalty.CustomerID) ([]loyalty.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().entries(ctx, id)
}

func (s *Store) CustomersWithGrantsExpiringBefore(ctx context.Context, t time.Time) ([]loyalty.CustomerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().expiringBefore(ctx, t)
}

func (s *Store) GetReward(ctx context.Context, id loyalty.RewardID) (*loyalty.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().getReward(ctx, id)
}

func (s *Store) SaveReward(ctx context.Context, r loyalty.Reward) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().saveReward(ctx, r)
}

func (s *Store) ListRewards(ctx context.Context) ([]loyalty.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().listRewards(ctx)
}

func (s *Store) GetRequest(ctx context.Context, id loyalty.RequestID) (*loyalty.RedemptionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().getRequest(ctx, id)
}

func (s *Store) SaveRequest(ctx context.Context, r loyalty.RedemptionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().saveRequest(ctx, r)
}

func (s *Store) ListRequests(ctx context.Context, status loyalty.RequestStatus) ([]loyalty.RedemptionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().listRequests(ctx, status)
}

func (s *Store) SaveSweepRun(ctx context.Context, run loyalty.SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().saveSweepRun(ctx, run)
}

func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]loyalty.SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().listSweepRuns(ctx, limit)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store loyalty.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries{db: sqlTx, tenant: s.tenant}}); err != nil {
		return err
	}

	return errors.Wrap(sqlTx.Commit(), "failed to commit transaction")
}

// txStore runs every query on the open *sql.Tx. The parent's lock is
// already held.
type txStore struct {
	queries
}

func (ts *txStore) GetConfig(ctx context.Context) (*loyalty.Config, error) {
	return ts.getConfig(ctx)
}

func (ts *txStore) SaveConfig(ctx context.Context, cfg loyalty.Config) error {
	return ts.saveConfig(ctx, cfg)
}

func (ts *txStore) GetCustomer(ctx context.Context, id loyalty.CustomerID) (*loyalty.Customer, error) {
	return ts.getCustomer(ctx, id)
}

func (ts *txStore) SaveCustomer(ctx context.Context, c loyalty.Customer) error {
	return ts.saveCustomer(ctx, c)
}

func (ts *txStore) ListCustomers(ctx context.Context) ([]loyalty.Customer, error) {
	return ts.listCustomers(ctx)
}

func (ts *txStore) AppendEntry(ctx context.Context, e *loyalty.LedgerEntry) error {
	return ts.appendEntry(ctx, e)
}

func (ts *txStore) Entries(ctx context.Context, id loyalty.CustomerID) ([]loyalty.LedgerEntry, error) {
	return ts.entries(ctx, id)
}

func (ts *txStore) CustomersWithGrantsExpiringBefore(ctx context.Context, t time.Time) ([]loyalty.CustomerID, error) {
	return ts.expiringBefore(ctx, t)
}

func (ts *txStore) GetReward(ctx context.Context, id loyalty.RewardID) (*loyalty.Reward, error) {
	return ts.getReward(ctx, id)
}

func (ts *txStore) SaveReward(ctx context.Context, r loyalty.Reward) error {
	return ts.saveReward(ctx, r)
}

func (ts *txStore) ListRewards(ctx context.Context) ([]loyalty.Reward, error) {
	return ts.listRewards(ctx)
}

func (ts *txStore) GetRequest(ctx context.Context, id loyalty.RequestID) (*loyalty.RedemptionRequest, error) {
	return ts.getRequest(ctx, id)
}

func (ts *txStore) SaveRequest(ctx context.Context, r loyalty.RedemptionRequest) error {
	return ts.saveRequest(ctx, r)
}

func (ts *txStore) ListRequests(ctx context.Context, status loyalty.RequestStatus) ([]loyalty.RedemptionRequest, error) {
	return ts.listRequests(ctx, status)
}

func (ts *txStore) SaveSweepRun(ctx context.Context, run loyalty.SweepRun) error {
	return ts.saveSweepRun(ctx, run)
}

func (ts *txStore) ListSweepRuns(ctx context.Context, limit int) ([]loyalty.SweepRun, error) {
	return ts.listSweepRuns(ctx, limit)
}

// =============================================================================
// QUERIES - shared by Store and txStore
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db     querier
	tenant string
}

// -- config --

func (q queries) getConfig(ctx context.Context) (*loyalty.Config, error) {
	var raw string
	err := q.db.QueryRowContext(ctx,
		`SELECT config_json FROM loyalty_config WHERE tenant_id = ?`, q.tenant).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	var cfg loyalty.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return &cfg, nil
}

func (q queries) saveConfig(ctx context.Context, cfg loyalty.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO loyalty_config (tenant_id, config_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
	`, q.tenant, string(raw), formatTime(time.Now()))
	return errors.Wrap(err, "save config")
}

// -- customers --

const customerColumns = `id, name, email, phone, lifetime_spend, visit_count, tier,
	points_earned, points_redeemed, points_expired, balance,
	last_visit, active, enrolled_at, updated_at`

func (q queries) getCustomer(ctx context.Context, id loyalty.CustomerID) (*loyalty.Customer, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE tenant_id = ? AND id = ?`, q.tenant, id)
	c, err := scanCustomer(row)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrCustomerNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load customer %s", id)
	}
	return c, nil
}

func (q queries) saveCustomer(ctx context.Context, c loyalty.Customer) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO customers (tenant_id, `+customerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			lifetime_spend = excluded.lifetime_spend,
			visit_count = excluded.visit_count,
			tier = excluded.tier,
			points_earned = excluded.points_earned,
			points_redeemed = excluded.points_redeemed,
			points_expired = excluded.points_expired,
			balance = excluded.balance,
			last_visit = excluded.last_visit,
			active = excluded.active,
			updated_at = excluded.updated_at
	`,
		q.tenant, c.ID, c.Name, nullString(c.Email), nullString(c.Phone),
		c.LifetimeSpend.String(), c.VisitCount, c.Tier,
		c.LifetimePointsEarned, c.LifetimePointsRedeemed, c.LifetimePointsExpired, c.Balance,
		nullTime(c.LastVisit), c.Active, formatTime(c.EnrolledAt), formatTime(c.UpdatedAt),
	)
	return errors.Wrapf(err, "save customer %s", c.ID)
}

func (q queries) listCustomers(ctx context.Context) ([]loyalty.Customer, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE tenant_id = ? ORDER BY id`, q.tenant)
	if err != nil {
		return nil, errors.Wrap(err, "list customers")
	}
	defer rows.Close()

	var out []loyalty.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan customer")
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// -- ledger --

func (q queries) appendEntry(ctx context.Context, e *loyalty.LedgerEntry) error {
	var amount sql.NullString
	if e.InvoiceAmount != nil {
		amount = sql.NullString{String: e.InvoiceAmount.String(), Valid: true}
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, tenant_id, customer_id, kind, delta, invoice_id, invoice_amount, description,
		 expires_at, reference_id, idempotency_key, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, q.tenant, e.CustomerID, e.Kind, e.Delta,
		nullString(e.InvoiceID), amount, nullString(e.Description),
		nullTime(e.ExpiresAt), nullString(e.ReferenceID), nullString(e.IdempotencyKey),
		formatTime(e.CreatedAt), e.CreatedBy,
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
			return loyalty.ErrDuplicateIdempotencyKey
		}
		return errors.Wrap(err, "failed to append ledger entry")
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "read ledger sequence")
	}
	e.Seq = seq
	return nil
}

func (q queries) entries(ctx context.Context, id loyalty.CustomerID) ([]loyalty.LedgerEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, id, customer_id, kind, delta, invoice_id, invoice_amount, description,
			expires_at, reference_id, idempotency_key, created_at, created_by
		FROM ledger_entries
		WHERE tenant_id = ? AND customer_id = ?
		ORDER BY seq ASC
	`, q.tenant, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load ledger for %s", id)
	}
	defer rows.Close()

	var out []loyalty.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ledger entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// expiringBefore skips grants that already have a compensating expired
// entry.
func (q queries) expiringBefore(ctx context.Context, t time.Time) ([]loyalty.CustomerID, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT DISTINCT g.customer_id
		FROM ledger_entries g
		WHERE g.tenant_id = ?
			AND g.kind IN ('earned', 'bonus')
			AND g.expires_at IS NOT NULL
			AND g.expires_at < ?
			AND NOT EXISTS (
				SELECT 1 FROM ledger_entries x
				WHERE x.tenant_id = g.tenant_id
					AND x.kind = 'expired'
					AND x.reference_id = g.id
			)
		ORDER BY g.customer_id
	`, q.tenant, formatTime(t))
	if err != nil {
		return nil, errors.Wrap(err, "find expiring grants")
	}
	defer rows.Close()

	var out []loyalty.CustomerID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan customer id")
		}
		out = append(out, loyalty.CustomerID(id))
	}
	return out, rows.Err()
}

// -- rewards --

const rewardColumns = `id, title, description, point_cost, effect_type, effect_value,
	applicable_tiers_json, valid_from, valid_until, usage_limit, usage_count, active,
	created_at, updated_at`

func (q queries) getReward(ctx context.Context, id loyalty.RewardID) (*loyalty.Reward, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+rewardColumns+` FROM rewards WHERE tenant_id = ? AND id = ?`, q.tenant, id)
	r, err := scanReward(row)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrRewardNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load reward %s", id)
	}
	return r, nil
}

func (q queries) saveReward(ctx context.Context, r loyalty.Reward) error {
	tiers, err := json.Marshal(r.ApplicableTiers)
	if err != nil {
		return errors.Wrap(err, "encode tiers")
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO rewards (tenant_id, `+rewardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			point_cost = excluded.point_cost,
			effect_type = excluded.effect_type,
			effect_value = excluded.effect_value,
			applicable_tiers_json = excluded.applicable_tiers_json,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until,
			usage_limit = excluded.usage_limit,
			usage_count = excluded.usage_count,
			active = excluded.active,
			updated_at = excluded.updated_at
	`,
		q.tenant, r.ID, r.Title, nullString(r.Description), r.PointCost, r.EffectType,
		r.EffectValue.String(), string(tiers), nullTime(r.ValidFrom), nullTime(r.ValidUntil),
		r.UsageLimit, r.UsageCount, r.Active, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	return errors.Wrapf(err, "save reward %s", r.ID)
}

func (q queries) listRewards(ctx context.Context) ([]loyalty.Reward, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+rewardColumns+` FROM rewards WHERE tenant_id = ? ORDER BY point_cost, id`, q.tenant)
	if err != nil {
		return nil, errors.Wrap(err, "list rewards")
	}
	defer rows.Close()

	var out []loyalty.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan reward")
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// -- redemption requests --

const requestColumns = `id, customer_id, reward_id, type, points, cash_value, status, invoice_id,
	created_at, approved_at, approved_by, cancelled_at, cancelled_by`

func (q queries) getRequest(ctx context.Context, id loyalty.RequestID) (*loyalty.RedemptionRequest, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM redemption_requests WHERE tenant_id = ? AND id = ?`, q.tenant, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrRequestNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load request %s", id)
	}
	return r, nil
}

func (q queries) saveRequest(ctx context.Context, r loyalty.RedemptionRequest) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO redemption_requests (tenant_id, `+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			status = excluded.status,
			approved_at = excluded.approved_at,
			approved_by = excluded.approved_by,
			cancelled_at = excluded.cancelled_at,
			cancelled_by = excluded.cancelled_by
	`,
		q.tenant, r.ID, r.CustomerID, nullString(string(r.RewardID)), r.Type, r.Points,
		r.CashValue.String(), r.Status, nullString(r.InvoiceID), formatTime(r.CreatedAt),
		nullTime(r.ApprovedAt), nullString(r.ApprovedBy), nullTime(r.CancelledAt), nullString(r.CancelledBy),
	)
	return errors.Wrapf(err, "save request %s", r.ID)
}

func (q queries) listRequests(ctx context.Context, status loyalty.RequestStatus) ([]loyalty.RedemptionRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM redemption_requests WHERE tenant_id = ?`
	args := []any{q.tenant}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list requests")
	}
	defer rows.Close()

	var out []loyalty.RedemptionRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan request")
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// -- sweep runs --

func (q queries) saveSweepRun(ctx context.Context, r loyalty.SweepRun) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (tenant_id, id, started_at, completed_at, as_of, points_expired, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			completed_at = excluded.completed_at,
			points_expired = excluded.points_expired,
			status = excluded.status,
			error = excluded.error
	`,
		q.tenant, r.ID, formatTime(r.StartedAt), nullTime(r.CompletedAt), formatTime(r.AsOf),
		r.PointsExpired, r.Status, nullString(r.Error),
	)
	return errors.Wrapf(err, "save sweep run %s", r.ID)
}

func (q queries) listSweepRuns(ctx context.Context, limit int) ([]loyalty.SweepRun, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, started_at, completed_at, as_of, points_expired, status, error
		FROM sweep_runs
		WHERE tenant_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, q.tenant, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list sweep runs")
	}
	defer rows.Close()

	var out []loyalty.SweepRun
	for rows.Next() {
		var (
			r                    loyalty.SweepRun
			startedAt, asOf      string
			completedAt, errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &startedAt, &completedAt, &asOf, &r.PointsExpired, &r.Status, &errText); err != nil {
			return nil, errors.Wrap(err, "scan sweep run")
		}
		r.StartedAt = parseTime(startedAt)
		r.AsOf = parseTime(asOf)
		r.CompletedAt = parseNullTime(completedAt)
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row scanner) (*loyalty.Customer, error) {
	var (
		c                       loyalty.Customer
		email, phone, lastVisit sql.NullString
		spend                   string
		enrolledAt, updatedAt   string
	)
	if err := row.Scan(
		&c.ID, &c.Name, &email, &phone, &spend, &c.VisitCount, &c.Tier,
		&c.LifetimePointsEarned, &c.LifetimePointsRedeemed, &c.LifetimePointsExpired, &c.Balance,
		&lastVisit, &c.Active, &enrolledAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	c.Email = email.String
	c.Phone = phone.String
	c.LifetimeSpend = parseDecimal(spend)
	c.LastVisit = parseNullTime(lastVisit)
	c.EnrolledAt = parseTime(enrolledAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func scanEntry(row scanner) (loyalty.LedgerEntry, error) {
	var (
		e                                  loyalty.LedgerEntry
		invoiceID, amount, desc, expiresAt sql.NullString
		referenceID, idempotencyKey        sql.NullString
		createdAt                          string
	)
	if err := row.Scan(
		&e.Seq, &e.ID, &e.CustomerID, &e.Kind, &e.Delta, &invoiceID, &amount, &desc,
		&expiresAt, &referenceID, &idempotencyKey, &createdAt, &e.CreatedBy,
	); err != nil {
		return e, err
	}
	e.InvoiceID = invoiceID.String
	if amount.Valid {
		d := parseDecimal(amount.String)
		e.InvoiceAmount = &d
	}
	e.Description = desc.String
	e.ExpiresAt = parseNullTime(expiresAt)
	e.ReferenceID = referenceID.String
	e.IdempotencyKey = idempotencyKey.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func scanReward(row scanner) (*loyalty.Reward, error) {
	var (
		r                     loyalty.Reward
		desc, tiers           sql.NullString
		validFrom, validUntil sql.NullString
		effectValue           string
		createdAt, updatedAt  string
	)
	if err := row.Scan(
		&r.ID, &r.Title, &desc, &r.PointCost, &r.EffectType, &effectValue,
		&tiers, &validFrom, &validUntil, &r.UsageLimit, &r.UsageCount, &r.Active,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	r.Description = desc.String
	r.EffectValue = parseDecimal(effectValue)
	if tiers.Valid && tiers.String != "" && tiers.String != "null" {
		if err := json.Unmarshal([]byte(tiers.String), &r.ApplicableTiers); err != nil {
			return nil, errors.Wrap(err, "decode applicable tiers")
		}
	}
	r.ValidFrom = parseNullTime(validFrom)
	r.ValidUntil = parseNullTime(validUntil)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func scanRequest(row scanner) (*loyalty.RedemptionRequest, error) {
	var (
		r                        loyalty.RedemptionRequest
		rewardID, invoiceID      sql.NullString
		approvedAt, approvedBy   sql.NullString
		cancelledAt, cancelledBy sql.NullString
		cashValue, createdAt     string
	)
	if err := row.Scan(
		&r.ID, &r.CustomerID, &rewardID, &r.Type, &r.Points, &cashValue, &r.Status, &invoiceID,
		&createdAt, &approvedAt, &approvedBy, &cancelledAt, &cancelledBy,
	); err != nil {
		return nil, err
	}
	r.RewardID = loyalty.RewardID(rewardID.String)
	r.InvoiceID = invoiceID.String
	r.CashValue = parseDecimal(cashValue)
	r.CreatedAt = parseTime(createdAt)
	r.ApprovedAt = parseNullTime(approvedAt)
	r.ApprovedBy = approvedBy.String
	r.CancelledAt = parseNullTime(cancelledAt)
	r.CancelledBy = cancelledBy.String
	return &r, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
