package audit

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
)

type pgxMockAdapter struct {
	mock pgxmock.PgxPoolIface
}

func (a *pgxMockAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return a.mock.Exec(ctx, sql, args...)
}

func (a *pgxMockAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.mock.Query(ctx, sql, args...)
}

func (a *pgxMockAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.mock.QueryRow(ctx, sql, args...)
}

func (a *pgxMockAdapter) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return a.mock.BeginTx(ctx, txOptions)
}

func (a *pgxMockAdapter) Close() {
	a.mock.Close()
}

func (a *pgxMockAdapter) Ping(ctx context.Context) error {
	return a.mock.Ping(ctx)
}

func setupMockLogger(t *testing.T) (pgxmock.PgxPoolIface, *PostgresLogger) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}

	logger := NewPostgresLogger(&pgxMockAdapter{mock: mock})
	return mock, logger
}

func TestPostgresLogger_Log(t *testing.T) {
	mock, logger := setupMockLogger(t)
	defer mock.Close()

	entry := NewEntry().
		Service("process-svc").
		Method("process").
		Action(ActionProcess).
		Outcome(OutcomeSuccess).
		User("user-1", "alice").
		RequestID("req-1").
		Build()

	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(
			entry.ID, entry.Timestamp, entry.Service, entry.Method, entry.Action, entry.Outcome,
			entry.RequestID, entry.UserID, entry.Username, nil, nil,
			nil, nil, entry.DurationMs, nil, nil, []byte("{}"),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := logger.Log(context.Background(), entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresLogger_Query(t *testing.T) {
	mock, logger := setupMockLogger(t)
	defer mock.Close()

	now := time.Now()
	rows := pgxmock.NewRows([]string{
		"id", "timestamp", "service", "method", "action", "outcome",
		"request_id", "user_id", "username", "client_ip", "user_agent",
		"resource", "resource_id", "duration_ms",
		"error_code", "error_message", "metadata",
	}).AddRow(
		"20260101000000-abcdefgh", now, "process-svc", "process", ActionProcess, OutcomeSuccess,
		"req-1", "user-1", "alice", "127.0.0.1", "test-agent",
		"request", "req-1", int64(42),
		"", "", []byte(`{"nodes":3}`),
	)

	mock.ExpectQuery("SELECT id, timestamp, service, method, action, outcome").
		WillReturnRows(rows)

	entries, err := logger.Query(context.Background(), &QueryFilter{Service: "process-svc", Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Service != "process-svc" {
		t.Errorf("expected service process-svc, got %s", entries[0].Service)
	}
	if entries[0].Metadata["nodes"] != float64(3) {
		t.Errorf("expected metadata nodes=3, got %v", entries[0].Metadata["nodes"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresLogger_Close(t *testing.T) {
	_, logger := setupMockLogger(t)
	if err := logger.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBuildWhereClause(t *testing.T) {
	where, args := buildWhereClause(nil)
	if where != "1=1" {
		t.Errorf("expected 1=1 for nil filter, got %s", where)
	}
	if len(args) != 0 {
		t.Errorf("expected no args for nil filter, got %d", len(args))
	}

	where, args = buildWhereClause(&QueryFilter{Service: "executor-svc", Action: ActionNodeTransition})
	if len(args) != 2 {
		t.Errorf("expected 2 args, got %d", len(args))
	}
	if where == "1=1" {
		t.Error("expected filtered where clause")
	}
}
