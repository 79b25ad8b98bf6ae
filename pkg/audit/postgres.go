// Package audit provides a Postgres-backed Logger that persists audit
// entries to the audit_log table managed by the migrations package.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"dfm/pkg/database"
	"dfm/pkg/telemetry"
)

// PostgresLogger implements Logger by writing audit entries to Postgres.
type PostgresLogger struct {
	db database.DB
}

// NewPostgresLogger creates a PostgresLogger around an already-connected db handle.
func NewPostgresLogger(db database.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

// Log inserts an audit entry into audit_log.
func (l *PostgresLogger) Log(ctx context.Context, entry *Entry) error {
	ctx, span := telemetry.StartSpan(ctx, "PostgresLogger.Log")
	defer span.End()

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}

	query := `
		INSERT INTO audit_log (
			id, timestamp, service, method, action, outcome,
			request_id, user_id, username, client_ip, user_agent,
			resource, resource_id, duration_ms,
			error_code, error_message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = l.db.Exec(ctx, query,
		entry.ID,
		entry.Timestamp,
		entry.Service,
		entry.Method,
		entry.Action,
		entry.Outcome,
		nullString(entry.RequestID),
		nullString(entry.UserID),
		nullString(entry.Username),
		nullString(entry.ClientIP),
		nullString(entry.UserAgent),
		nullString(entry.Resource),
		nullString(entry.ResourceID),
		entry.DurationMs,
		nullString(entry.ErrorCode),
		nullString(entry.ErrorMessage),
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	return nil
}

// Query retrieves audit entries matching filter, newest first.
func (l *PostgresLogger) Query(ctx context.Context, filter *QueryFilter) ([]*Entry, error) {
	ctx, span := telemetry.StartSpan(ctx, "PostgresLogger.Query")
	defer span.End()

	where, args := buildWhereClause(filter)
	limit, offset := 100, 0
	if filter != nil {
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		offset = filter.Offset
	}

	query := fmt.Sprintf(`
		SELECT id, timestamp, service, method, action, outcome,
			request_id, user_id, username, client_ip, user_agent,
			resource, resource_id, duration_ms,
			error_code, error_message, metadata
		FROM audit_log
		WHERE %s
		ORDER BY timestamp DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)

	args = append(args, limit, offset)

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Close is a no-op; the underlying database.DB is owned by the caller.
func (l *PostgresLogger) Close() error {
	return nil
}

type scannableRow interface {
	Scan(dest ...any) error
}

func scanEntry(row scannableRow) (*Entry, error) {
	entry := &Entry{}
	var (
		requestID, userID, username pgtype.Text
		clientIP, userAgent         pgtype.Text
		resource, resourceID        pgtype.Text
		errorCode, errorMessage     pgtype.Text
		metadata                    []byte
	)

	err := row.Scan(
		&entry.ID,
		&entry.Timestamp,
		&entry.Service,
		&entry.Method,
		&entry.Action,
		&entry.Outcome,
		&requestID,
		&userID,
		&username,
		&clientIP,
		&userAgent,
		&resource,
		&resourceID,
		&entry.DurationMs,
		&errorCode,
		&errorMessage,
		&metadata,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}

	entry.RequestID = requestID.String
	entry.UserID = userID.String
	entry.Username = username.String
	entry.ClientIP = clientIP.String
	entry.UserAgent = userAgent.String
	entry.Resource = resource.String
	entry.ResourceID = resourceID.String
	entry.ErrorCode = errorCode.String
	entry.ErrorMessage = errorMessage.String

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			entry.Metadata = nil
		}
	}

	return entry, nil
}

// ErrEntryNotFound is returned when a query targeting a single entry finds none.
var ErrEntryNotFound = errors.New("audit: entry not found")

func buildWhereClause(filter *QueryFilter) (string, []any) {
	if filter == nil {
		return "1=1", nil
	}

	conditions := []string{"1=1"}
	args := []any{}
	argNum := 1

	if filter.StartTime != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argNum))
		args = append(args, *filter.StartTime)
		argNum++
	}
	if filter.EndTime != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp < $%d", argNum))
		args = append(args, *filter.EndTime)
		argNum++
	}
	if filter.Service != "" {
		conditions = append(conditions, fmt.Sprintf("service = $%d", argNum))
		args = append(args, filter.Service)
		argNum++
	}
	if filter.Method != "" {
		conditions = append(conditions, fmt.Sprintf("method = $%d", argNum))
		args = append(args, filter.Method)
		argNum++
	}
	if filter.Action != "" {
		conditions = append(conditions, fmt.Sprintf("action = $%d", argNum))
		args = append(args, string(filter.Action))
		argNum++
	}
	if filter.Outcome != "" {
		conditions = append(conditions, fmt.Sprintf("outcome = $%d", argNum))
		args = append(args, string(filter.Outcome))
		argNum++
	}
	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argNum))
		args = append(args, filter.UserID)
		argNum++
	}
	if filter.Resource != "" {
		conditions = append(conditions, fmt.Sprintf("resource = $%d", argNum))
		args = append(args, filter.Resource)
		argNum++
	}
	if filter.ResourceID != "" {
		conditions = append(conditions, fmt.Sprintf("resource_id = $%d", argNum))
		args = append(args, filter.ResourceID)
		argNum++
	}

	return strings.Join(conditions, " AND "), args
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
