package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	lockExec    = execExpectation{expect: regexp.MustCompile(`pg_advisory_xact_lock`)}
	appliedStmt = regexp.MustCompile(`schema_migrations WHERE version=\$1`)
)

func pendingTx(name, marker string) *mockTx {
	return &mockTx{
		execs: []execExpectation{
			lockExec,
			{expect: regexp.MustCompile(marker)},
			{expect: regexp.MustCompile("INSERT INTO schema_migrations"), args: []any{name}},
		},
		queries: []queryExpectation{{expect: appliedStmt, args: []any{name}, value: false}},
	}
}

func appliedTx(name string) *mockTx {
	return &mockTx{
		execs:   []execExpectation{lockExec},
		queries: []queryExpectation{{expect: appliedStmt, args: []any{name}, value: true}},
	}
}

func TestApplyMigrationsEmptyDatabase(t *testing.T) {
	tx1 := pendingTx("001_init.sql", "-- Initial schema for calsync")
	tx2 := pendingTx("002_sync_state.sql", "-- Track sync progress")
	tx3 := pendingTx("003_sync_claims.sql", "CREATE TABLE IF NOT EXISTS sync_claims")

	pool := &mockPool{
		t: t,
		execs: []execExpectation{
			{expect: regexp.MustCompile("CREATE TABLE IF NOT EXISTS schema_migrations")},
		},
		txs: []*mockTx{tx1, tx2, tx3},
	}

	if err := ApplyMigrations(context.Background(), pool); err != nil {
		t.Fatalf("expected migrations to apply, got error: %v", err)
	}

	pool.assertDone()
	for _, tx := range []*mockTx{tx1, tx2, tx3} {
		tx.assertDone()
		if !tx.committed {
			t.Errorf("expected migration transaction to commit")
		}
	}
}

func TestApplyMigrationsPartiallyApplied(t *testing.T) {
	tx1 := appliedTx("001_init.sql")
	tx2 := pendingTx("002_sync_state.sql", "ALTER TABLE calendar_providers")
	tx3 := pendingTx("003_sync_claims.sql", "sync_claims")

	pool := &mockPool{
		t:     t,
		execs: []execExpectation{{expect: regexp.MustCompile("CREATE TABLE IF NOT EXISTS schema_migrations")}},
		txs:   []*mockTx{tx1, tx2, tx3},
	}

	if err := ApplyMigrations(context.Background(), pool); err != nil {
		t.Fatalf("expected pending migration to apply, got error: %v", err)
	}

	pool.assertDone()
	tx1.assertDone()
	tx2.assertDone()
	if tx1.committed {
		t.Error("already applied migration should not commit")
	}
	tx3.assertDone()
	if !tx2.committed || !tx3.committed {
		t.Error("pending migrations should commit")
	}
}

func TestApplyMigrationsAllAlreadyApplied(t *testing.T) {
	tx1 := appliedTx("001_init.sql")
	tx2 := appliedTx("002_sync_state.sql")
	tx3 := appliedTx("003_sync_claims.sql")
	pool := &mockPool{
		t:     t,
		execs: []execExpectation{{expect: regexp.MustCompile("CREATE TABLE IF NOT EXISTS schema_migrations")}},
		txs:   []*mockTx{tx1, tx2, tx3},
	}

	if err := ApplyMigrations(context.Background(), pool); err != nil {
		t.Fatalf("expected no-op migrations, got error: %v", err)
	}

	pool.assertDone()
	tx1.assertDone()
	tx2.assertDone()
	tx3.assertDone()
}

func TestApplyMigrationsStopsOnFailure(t *testing.T) {
	boom := errors.New("syntax error")
	tx1 := &mockTx{
		execs: []execExpectation{
			lockExec,
			{expect: regexp.MustCompile("-- Initial schema"), err: boom},
		},
		queries: []queryExpectation{{expect: appliedStmt, value: false}},
	}
	pool := &mockPool{
		t:     t,
		execs: []execExpectation{{expect: regexp.MustCompile("CREATE TABLE IF NOT EXISTS schema_migrations")}},
		txs:   []*mockTx{tx1},
	}

	err := ApplyMigrations(context.Background(), pool)
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "001_init.sql") {
		t.Fatalf("expected wrapped failure naming the migration, got %v", err)
	}
	pool.assertDone()
	tx1.assertDone()
	if tx1.committed || !tx1.rolled {
		t.Error("failed migration must roll back")
	}
}

type queryExpectation struct {
	expect *regexp.Regexp
	args   []any
	value  any
	err    error
}

type execExpectation struct {
	expect *regexp.Regexp
	args   []any
	err    error
}

type mockPool struct {
	t     *testing.T
	execs []execExpectation
	txs   []*mockTx
	txIdx int
}

func (m *mockPool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if len(m.execs) == 0 {
		m.t.Fatalf("unexpected exec: %s", sql)
	}
	exp := m.execs[0]
	m.execs = m.execs[1:]
	if !exp.expect.MatchString(sql) {
		m.t.Fatalf("exec mismatch: %s", sql)
	}
	assertArgs(m.t, exp.args, arguments)
	return pgconn.NewCommandTag("MOCK"), exp.err
}

func (m *mockPool) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	if m.txIdx >= len(m.txs) {
		m.t.Fatalf("unexpected begin tx (no more transactions)")
	}
	tx := m.txs[m.txIdx]
	m.txIdx++
	tx.started = true
	return tx, nil
}

func (m *mockPool) assertDone() {
	if len(m.execs) != 0 {
		m.t.Fatalf("pending execs: %v", m.execs)
	}
	if m.txIdx != len(m.txs) {
		m.t.Fatalf("expected %d transactions, got %d", len(m.txs), m.txIdx)
	}
}

type mockRow struct {
	value any
	err   error
}

func (m mockRow) Scan(dest ...any) error {
	if m.err != nil {
		return m.err
	}
	if len(dest) != 1 {
		return fmt.Errorf("unexpected dest count: %d", len(dest))
	}
	switch v := m.value.(type) {
	case bool:
		ptr, ok := dest[0].(*bool)
		if !ok {
			return fmt.Errorf("expected *bool destination")
		}
		*ptr = v
	case int:
		ptr, ok := dest[0].(*int)
		if !ok {
			return fmt.Errorf("expected *int destination")
		}
		*ptr = v
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

type mockTx struct {
	execs     []execExpectation
	queries   []queryExpectation
	started   bool
	committed bool
	rolled    bool
}

func (m *mockTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, fmt.Errorf("unexpected nested begin")
}
func (m *mockTx) Commit(ctx context.Context) error {
	m.committed = true
	return nil
}
func (m *mockTx) Rollback(ctx context.Context) error {
	if m.committed {
		return pgx.ErrTxClosed
	}
	m.rolled = true
	return nil
}
func (m *mockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, fmt.Errorf("unexpected CopyFrom")
}
func (m *mockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return emptyBatchResults{}
}
func (m *mockTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }
func (m *mockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, fmt.Errorf("unexpected Prepare")
}
func (m *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if len(m.execs) == 0 {
		return pgconn.CommandTag{}, fmt.Errorf("unexpected tx exec: %s", sql)
	}
	exp := m.execs[0]
	m.execs = m.execs[1:]
	if !exp.expect.MatchString(sql) {
		return pgconn.CommandTag{}, fmt.Errorf("exec mismatch: %s", sql)
	}
	if err := assertArgs(nil, exp.args, arguments); err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag("MOCK"), exp.err
}
func (m *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("unexpected query")
}
func (m *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if len(m.queries) == 0 {
		return mockRow{err: fmt.Errorf("unexpected queryrow: %s", sql)}
	}
	exp := m.queries[0]
	m.queries = m.queries[1:]
	if !exp.expect.MatchString(sql) {
		return mockRow{err: fmt.Errorf("queryrow mismatch: %s", sql)}
	}
	if err := assertArgs(nil, exp.args, args); err != nil {
		return mockRow{err: err}
	}
	return mockRow{value: exp.value, err: exp.err}
}
func (m *mockTx) Conn() *pgx.Conn { return nil }

func (m *mockTx) assertDone() {
	if len(m.execs) != 0 {
		panic(fmt.Sprintf("pending tx execs: %v", m.execs))
	}
	if len(m.queries) != 0 {
		panic(fmt.Sprintf("pending tx queries: %v", m.queries))
	}
	if !m.committed && !m.rolled {
		panic("transaction not finished")
	}
}

func assertArgs(t *testing.T, expected, actual []any) error {
	if len(expected) == 0 {
		return nil
	}
	if len(expected) != len(actual) {
		if t != nil {
			t.Fatalf("argument length mismatch: expected %d got %d", len(expected), len(actual))
		}
		return fmt.Errorf("argument length mismatch")
	}
	for i, exp := range expected {
		if exp == nil {
			continue
		}
		if exp != actual[i] {
			if t != nil {
				t.Fatalf("argument mismatch at %d: expected %v got %v", i, exp, actual[i])
			}
			return fmt.Errorf("argument mismatch")
		}
	}
	return nil
}

type emptyBatchResults struct{}

func (emptyBatchResults) Exec() (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, fmt.Errorf("unexpected batch exec")
}
func (emptyBatchResults) Query() (pgx.Rows, error) { return nil, fmt.Errorf("unexpected batch query") }
func (emptyBatchResults) QueryRow() pgx.Row {
	return mockRow{err: fmt.Errorf("unexpected batch queryrow")}
}
func (emptyBatchResults) Close() error { return nil }
