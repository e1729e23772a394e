package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/relay/pkg/models"
)

// DriverPostgres and DriverSQLite name the supported SQL backends.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// SQLConfig tunes the connection pool.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns pool settings suitable for a single node.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements Store on database/sql for Postgres and SQLite.
// Queries are written with `?` placeholders and rebound for Postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenPostgres opens a Postgres-backed store.
func OpenPostgres(dsn string, cfg SQLConfig) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("store: postgres dsn is required")
	}
	return open("postgres", DriverPostgres, dsn, cfg)
}

// OpenSQLite opens a SQLite-backed store at the given file path.
func OpenSQLite(path string, cfg SQLConfig) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		path = "relay.db"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return open("sqlite", DriverSQLite, path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", cfg)
}

func open(sqlDriver, driver, dsn string, cfg SQLConfig) (*SQLStore, error) {
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// NewSQLStoreFromDB wraps an existing connection; used by tests.
func NewSQLStoreFromDB(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// DB exposes the underlying connection for maintenance commands.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// rebind converts `?` placeholders to `$N` for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// ---- sessions ----

// CreateSession inserts a new session row.
func (s *SQLStore) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := s.exec(ctx, `
		INSERT INTO sessions (id, user_id, is_active, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.IsActive, session.CreatedAt, session.LastActivityAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads one session, optionally with its full message log.
func (s *SQLStore) GetSession(ctx context.Context, id string, includeMessages bool) (*models.Session, error) {
	session, err := s.scanSession(s.queryRow(ctx, `
		SELECT id, user_id, is_active, created_at, last_activity_at, deleted_at
		FROM sessions WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	if includeMessages {
		msgs, err := s.GetHistory(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		session.Messages = msgs
	}
	return session, nil
}

func (s *SQLStore) scanSession(row *sql.Row) (*models.Session, error) {
	var session models.Session
	var deletedAt sql.NullTime
	err := row.Scan(&session.ID, &session.UserID, &session.IsActive,
		&session.CreatedAt, &session.LastActivityAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		session.DeletedAt = &t
	}
	return &session, nil
}

// ListSessions returns one page ordered by last activity, newest first.
func (s *SQLStore) ListSessions(ctx context.Context, opts ListOptions) (*models.Page, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.Size <= 0 {
		opts.Size = 20
	}

	where := "WHERE 1=1"
	args := []any{}
	if !opts.IncludeDeleted {
		where += " AND deleted_at IS NULL"
	}
	if opts.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, opts.UserID)
	}

	var total int
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM sessions "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	listArgs := append(append([]any{}, args...), opts.Size, (opts.Page-1)*opts.Size)
	rows, err := s.query(ctx, `
		SELECT id, user_id, is_active, created_at, last_activity_at, deleted_at
		FROM sessions `+where+`
		ORDER BY last_activity_at DESC
		LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	page := &models.Page{Total: total, Page: opts.Page, Size: opts.Size}
	for rows.Next() {
		var session models.Session
		var deletedAt sql.NullTime
		if err := rows.Scan(&session.ID, &session.UserID, &session.IsActive,
			&session.CreatedAt, &session.LastActivityAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if deletedAt.Valid {
			t := deletedAt.Time
			session.DeletedAt = &t
		}
		page.Sessions = append(page.Sessions, &session)
	}
	return page, rows.Err()
}

// AppendMessage inserts the message and bumps last_activity_at atomically.
func (s *SQLStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var deletedAt sql.NullTime
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT deleted_at FROM sessions WHERE id = ?`), msg.SessionID).
		Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if deletedAt.Valid {
		return ErrSessionDeleted
	}

	toolCalls, err := marshalNullable(msg.ToolCalls, len(msg.ToolCalls) > 0)
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}
	metadata, err := marshalNullable(msg.Metadata, len(msg.Metadata) > 0)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO messages (id, session_id, role, content, name, tool_call_id, tool_calls, token_count, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.Name, msg.ToolCallID,
		toolCalls, msg.TokenCount, metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET last_activity_at = ? WHERE id = ? AND last_activity_at < ?`),
		msg.CreatedAt, msg.SessionID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("bump activity: %w", err)
	}

	return tx.Commit()
}

// GetHistory returns the newest limit messages in chronological order.
func (s *SQLStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, session_id, role, content, name, tool_call_id, tool_calls, token_count, metadata, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var msg models.Message
	var role string
	var toolCalls, metadata sql.NullString
	if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.Name,
		&msg.ToolCallID, &toolCalls, &msg.TokenCount, &metadata, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = models.Role(role)
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &msg, nil
}

// SoftDeleteSession marks the session deleted and clears its approvals.
func (s *SQLStore) SoftDeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE sessions SET deleted_at = ?, is_active = ? WHERE id = ? AND deleted_at IS NULL`),
		time.Now().UTC(), false, id)
	if err != nil {
		return fmt.Errorf("soft delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete session: %w", err)
	}
	if affected == 0 {
		// Distinguish missing from already deleted.
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM sessions WHERE id = ?`), id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		return ErrSessionDeleted
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM pending_approvals WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("clear approvals: %w", err)
	}

	return tx.Commit()
}

// SweepIdle soft-deletes active sessions idle since before cutoff.
func (s *SQLStore) SweepIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.query(ctx, `
		UPDATE sessions SET deleted_at = ?, is_active = ?
		WHERE deleted_at IS NULL AND last_activity_at < ?
		RETURNING id`,
		time.Now().UTC(), false, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweep idle sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := s.exec(ctx, `DELETE FROM pending_approvals WHERE session_id = ?`, id); err != nil {
			return ids, fmt.Errorf("clear approvals for %s: %w", id, err)
		}
	}
	return ids, nil
}

// Purge permanently removes sessions soft-deleted before cutoff.
func (s *SQLStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM pending_approvals
		WHERE session_id IN (SELECT id FROM sessions WHERE deleted_at IS NOT NULL AND deleted_at < ?)`),
		cutoff); err != nil {
		return 0, fmt.Errorf("purge approvals: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM sessions WHERE deleted_at IS NOT NULL AND deleted_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(affected), nil
}

// ---- agent contexts ----

// GetContext loads the agent context and its switch history.
func (s *SQLStore) GetContext(ctx context.Context, sessionID string) (*models.AgentContext, error) {
	var agentCtx models.AgentContext
	var current string
	var lastSwitch sql.NullTime
	var metadata sql.NullString

	err := s.queryRow(ctx, `
		SELECT session_id, current_agent, switch_count, created_at, last_switch_at, metadata
		FROM agent_contexts WHERE session_id = ?`, sessionID).
		Scan(&agentCtx.SessionID, &current, &agentCtx.SwitchCount,
			&agentCtx.CreatedAt, &lastSwitch, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContextNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	agentCtx.CurrentAgent = models.AgentType(current)
	if lastSwitch.Valid {
		t := lastSwitch.Time
		agentCtx.LastSwitchAt = &t
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &agentCtx.Metadata); err != nil {
			return nil, fmt.Errorf("decode context metadata: %w", err)
		}
	}

	rows, err := s.query(ctx, `
		SELECT from_agent, to_agent, reason, switched_at
		FROM agent_switches WHERE session_id = ?
		ORDER BY switched_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get switches: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sw models.AgentSwitch
		var from, to string
		if err := rows.Scan(&from, &to, &sw.Reason, &sw.SwitchedAt); err != nil {
			return nil, fmt.Errorf("scan switch: %w", err)
		}
		sw.From = models.AgentType(from)
		sw.To = models.AgentType(to)
		agentCtx.History = append(agentCtx.History, sw)
	}
	return &agentCtx, rows.Err()
}

// CreateContext inserts a fresh agent context.
func (s *SQLStore) CreateContext(ctx context.Context, agentCtx *models.AgentContext) error {
	metadata, err := marshalNullable(agentCtx.Metadata, len(agentCtx.Metadata) > 0)
	if err != nil {
		return fmt.Errorf("encode context metadata: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO agent_contexts (session_id, current_agent, switch_count, created_at, metadata)
		VALUES (?, ?, ?, ?, ?)`,
		agentCtx.SessionID, string(agentCtx.CurrentAgent), agentCtx.SwitchCount,
		agentCtx.CreatedAt, metadata)
	if err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	return nil
}

// RecordSwitch appends a switch and advances the context in one transaction.
func (s *SQLStore) RecordSwitch(ctx context.Context, sessionID string, sw models.AgentSwitch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin switch: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO agent_switches (session_id, from_agent, to_agent, reason, switched_at)
		VALUES (?, ?, ?, ?, ?)`),
		sessionID, string(sw.From), string(sw.To), sw.Reason, sw.SwitchedAt)
	if err != nil {
		return fmt.Errorf("insert switch: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE agent_contexts
		SET current_agent = ?, switch_count = switch_count + 1, last_switch_at = ?
		WHERE session_id = ?`),
		string(sw.To), sw.SwitchedAt, sessionID)
	if err != nil {
		return fmt.Errorf("update context: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrContextNotFound
	}

	return tx.Commit()
}

// ---- pending approvals ----

// CreateApproval inserts a pending approval keyed by call ID.
func (s *SQLStore) CreateApproval(ctx context.Context, approval *models.PendingApproval) error {
	_, err := s.exec(ctx, `
		INSERT INTO pending_approvals (call_id, session_id, tool_name, arguments, status, decision_feedback, modified_arguments, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		approval.CallID, approval.SessionID, approval.ToolName, rawOrNil(approval.Arguments),
		string(approval.Status), approval.DecisionFeedback, rawOrNil(approval.ModifiedArgs),
		approval.CreatedAt)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// GetApproval loads one pending approval by call ID.
func (s *SQLStore) GetApproval(ctx context.Context, callID string) (*models.PendingApproval, error) {
	row := s.queryRow(ctx, `
		SELECT call_id, session_id, tool_name, arguments, status, decision_feedback, modified_arguments, created_at
		FROM pending_approvals WHERE call_id = ?`, callID)
	approval, err := scanApprovalRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	return approval, err
}

// ListPendingApprovals returns a session's unresolved approvals, oldest first.
func (s *SQLStore) ListPendingApprovals(ctx context.Context, sessionID string) ([]*models.PendingApproval, error) {
	rows, err := s.query(ctx, `
		SELECT call_id, session_id, tool_name, arguments, status, decision_feedback, modified_arguments, created_at
		FROM pending_approvals WHERE session_id = ?
		ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.PendingApproval
	for rows.Next() {
		approval, err := scanApprovalRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, approval)
	}
	return out, rows.Err()
}

// DeleteApproval removes a resolved approval; missing rows are not an error.
func (s *SQLStore) DeleteApproval(ctx context.Context, callID string) error {
	if _, err := s.exec(ctx, `DELETE FROM pending_approvals WHERE call_id = ?`, callID); err != nil {
		return fmt.Errorf("delete approval: %w", err)
	}
	return nil
}

// SweepApprovals removes approvals created before cutoff and returns them.
func (s *SQLStore) SweepApprovals(ctx context.Context, cutoff time.Time) ([]*models.PendingApproval, error) {
	rows, err := s.query(ctx, `
		DELETE FROM pending_approvals WHERE created_at < ?
		RETURNING call_id, session_id, tool_name, arguments, status, decision_feedback, modified_arguments, created_at`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweep approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.PendingApproval
	for rows.Next() {
		approval, err := scanApprovalRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, approval)
	}
	return out, rows.Err()
}

func scanApprovalRow(scan func(...any) error) (*models.PendingApproval, error) {
	var approval models.PendingApproval
	var status string
	var args, modified sql.NullString
	if err := scan(&approval.CallID, &approval.SessionID, &approval.ToolName, &args,
		&status, &approval.DecisionFeedback, &modified, &approval.CreatedAt); err != nil {
		return nil, err
	}
	approval.Status = models.ApprovalStatus(status)
	if args.Valid {
		approval.Arguments = json.RawMessage(args.String)
	}
	if modified.Valid {
		approval.ModifiedArgs = json.RawMessage(modified.String)
	}
	return &approval, nil
}

// ---- audit ----

// WriteAudit appends one event to the durable audit trail.
func (s *SQLStore) WriteAudit(ctx context.Context, event *models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO audit_logs (event_id, event_type, session_id, correlation_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Type), event.SessionID, event.CorrelationID,
		string(payload), event.Time)
	if err != nil {
		return fmt.Errorf("write audit: %w", err)
	}
	return nil
}

func marshalNullable(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
