package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/shared"
	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	q  querier
	tx *sql.Tx
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so writers queue on
	// busy_timeout instead of failing on lock upgrade.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, q: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		external_user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'P3',
		category TEXT NOT NULL DEFAULT 'general',
		tags_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		current_phase TEXT NOT NULL,
		interactions_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_customer_message_at INTEGER,
		last_agent_message_at INTEGER,
		resolved_at INTEGER,
		auto_closed_at INTEGER,
		reopened_at INTEGER,
		reopen_count INTEGER NOT NULL DEFAULT 0,
		lock_version INTEGER NOT NULL DEFAULT 0,
		lifecycle_stage TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_active_user
		ON tickets(channel, external_user_id)
		WHERE status IN ('open', 'in_progress', 'escalated');
	CREATE INDEX IF NOT EXISTS idx_tickets_user_created ON tickets(channel, external_user_id, created_at);

	CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		type TEXT NOT NULL,
		author TEXT NOT NULL,
		content TEXT NOT NULL,
		channel TEXT NOT NULL,
		sentiment_score REAL,
		pii_detected INTEGER NOT NULL DEFAULT 0,
		pii_types_json TEXT NOT NULL DEFAULT '[]',
		ai_metadata_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_ticket ON interactions(ticket_id, id);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		operation TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_ticket ON audit_logs(ticket_id, id);

	CREATE TABLE IF NOT EXISTS agent_states (
		ticket_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		decision_json TEXT NOT NULL,
		lock_version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (ticket_id, agent_name)
	);

	CREATE TABLE IF NOT EXISTS routing_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		target_team TEXT NOT NULL,
		confidence REAL NOT NULL,
		reasons_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_routing_ticket ON routing_decisions(ticket_id, id);

	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		event_type TEXT NOT NULL,
		scheduled_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		executed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_due ON lifecycle_events(status, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_ticket ON lifecycle_events(ticket_id, status);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.tx != nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// WithTx runs fn inside one transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	if s.tx != nil {
		return fn(ctx, s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txStore := &SQLiteStore{db: s.db, q: tx, tx: tx}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("transaction rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const ticketColumns = `id, company_id, customer_id, external_user_id, channel, subject, description,
	priority, category, tags_json, status, current_phase, interactions_count,
	created_at, updated_at, last_customer_message_at, last_agent_message_at,
	resolved_at, auto_closed_at, reopened_at, reopen_count, lock_version, lifecycle_stage`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*domain.Ticket, error) {
	var t domain.Ticket
	var channel, priority, status, phase, tagsJSON string
	var createdAt, updatedAt int64
	var lastCustomer, lastAgent, resolved, autoClosed, reopened sql.NullInt64

	err := row.Scan(
		&t.ID, &t.CompanyID, &t.CustomerID, &t.ExternalUserID, &channel, &t.Subject, &t.Description,
		&priority, &t.Category, &tagsJSON, &status, &phase, &t.InteractionsCount,
		&createdAt, &updatedAt, &lastCustomer, &lastAgent,
		&resolved, &autoClosed, &reopened, &t.ReopenCount, &t.LockVersion, &t.LifecycleStage,
	)
	if err != nil {
		return nil, err
	}

	t.Channel = domain.Channel(channel)
	t.Priority = domain.Priority(priority)
	t.Status = domain.TicketStatus(status)
	t.CurrentPhase = domain.Phase(phase)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	t.LastCustomerMessageAt = nullTime(lastCustomer)
	t.LastAgentMessageAt = nullTime(lastAgent)
	t.ResolvedAt = nullTime(resolved)
	t.AutoClosedAt = nullTime(autoClosed)
	t.ReopenedAt = nullTime(reopened)
	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &t, nil
}

// CreateTicket inserts a new ticket.
func (s *SQLiteStore) CreateTicket(ctx context.Context, t *domain.Ticket) error {
	tagsJSON, err := marshalJSON(nonNilStrings(t.Tags))
	if err != nil {
		return err
	}

	query := `INSERT INTO tickets (` + ticketColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.q.ExecContext(ctx, query,
		t.ID, t.CompanyID, t.CustomerID, t.ExternalUserID, string(t.Channel), t.Subject, t.Description,
		string(t.Priority), t.Category, tagsJSON, string(t.Status), string(t.CurrentPhase), t.InteractionsCount,
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt), nullMillis(t.LastCustomerMessageAt), nullMillis(t.LastAgentMessageAt),
		nullMillis(t.ResolvedAt), nullMillis(t.AutoClosedAt), nullMillis(t.ReopenedAt), t.ReopenCount, t.LockVersion, t.LifecycleStage,
	)
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return ErrDuplicateActiveTicket
		}
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

// GetTicket retrieves a ticket by id.
func (s *SQLiteStore) GetTicket(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, ticketID)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan ticket row: %w", err)
	}
	return t, nil
}

// UpdateTicket persists the mutable fields of a ticket.
func (s *SQLiteStore) UpdateTicket(ctx context.Context, t *domain.Ticket) error {
	tagsJSON, err := marshalJSON(nonNilStrings(t.Tags))
	if err != nil {
		return err
	}

	query := `
	UPDATE tickets SET
		customer_id = ?, subject = ?, description = ?, priority = ?, category = ?, tags_json = ?,
		status = ?, current_phase = ?, interactions_count = ?, updated_at = ?,
		last_customer_message_at = ?, last_agent_message_at = ?, resolved_at = ?,
		auto_closed_at = ?, reopened_at = ?, reopen_count = ?, lifecycle_stage = ?
	WHERE id = ?`

	result, err := s.q.ExecContext(ctx, query,
		t.CustomerID, t.Subject, t.Description, string(t.Priority), t.Category, tagsJSON,
		string(t.Status), string(t.CurrentPhase), t.InteractionsCount, toMillis(t.UpdatedAt),
		nullMillis(t.LastCustomerMessageAt), nullMillis(t.LastAgentMessageAt), nullMillis(t.ResolvedAt),
		nullMillis(t.AutoClosedAt), nullMillis(t.ReopenedAt), t.ReopenCount, t.LifecycleStage,
		t.ID,
	)
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return ErrDuplicateActiveTicket
		}
		return fmt.Errorf("update ticket: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("ticket %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// FindActiveTicket returns the active ticket for a channel and external user.
func (s *SQLiteStore) FindActiveTicket(ctx context.Context, channel domain.Channel, externalUserID string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets
		WHERE channel = ? AND external_user_id = ? AND status IN ('open', 'in_progress', 'escalated')
		ORDER BY created_at DESC LIMIT 1`
	t, err := scanTicket(s.q.QueryRowContext(ctx, query, string(channel), externalUserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active ticket: %w", err)
	}
	return t, nil
}

// FindLatestTicket returns the most recent ticket for a channel and external user.
func (s *SQLiteStore) FindLatestTicket(ctx context.Context, channel domain.Channel, externalUserID string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets
		WHERE channel = ? AND external_user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`
	t, err := scanTicket(s.q.QueryRowContext(ctx, query, string(channel), externalUserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest ticket: %w", err)
	}
	return t, nil
}

// RecentRoutingHistory returns the customer's most recent other tickets.
func (s *SQLiteStore) RecentRoutingHistory(ctx context.Context, channel domain.Channel, externalUserID, excludeTicketID string, limit int) ([]domain.RoutingHistoryEntry, error) {
	query := `
	SELECT t.id, t.category, t.status, t.created_at,
	       COALESCE((SELECT rd.target_team FROM routing_decisions rd
	                 WHERE rd.ticket_id = t.id ORDER BY rd.id DESC LIMIT 1), '')
	FROM tickets t
	WHERE t.channel = ? AND t.external_user_id = ? AND t.id <> ?
	ORDER BY t.created_at DESC, t.rowid DESC
	LIMIT ?`

	rows, err := s.q.QueryContext(ctx, query, string(channel), externalUserID, excludeTicketID, limit)
	if err != nil {
		return nil, fmt.Errorf("query routing history: %w", err)
	}
	defer closeRows(rows, "routing history")

	var history []domain.RoutingHistoryEntry
	for rows.Next() {
		var e domain.RoutingHistoryEntry
		var status string
		var createdAt int64
		if err := rows.Scan(&e.TicketID, &e.Category, &status, &createdAt, &e.TargetTeam); err != nil {
			return nil, fmt.Errorf("scan routing history row: %w", err)
		}
		e.Status = domain.TicketStatus(status)
		e.CreatedAt = fromMillis(createdAt)
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routing history: %w", err)
	}
	return history, nil
}

// BumpLockVersion increments the ticket lock version if it equals expected.
func (s *SQLiteStore) BumpLockVersion(ctx context.Context, ticketID string, expected int64) (int64, error) {
	query := `UPDATE tickets SET lock_version = lock_version + 1 WHERE id = ? AND lock_version = ?`
	result, err := s.q.ExecContext(ctx, query, ticketID, expected)
	if err != nil {
		return 0, fmt.Errorf("bump lock version: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Debug("BumpLockVersion affected 0 rows", "ticket_id", ticketID, "expected", expected)
		return 0, ErrVersionConflict
	}
	return expected + 1, nil
}

// AppendInteraction inserts an interaction.
func (s *SQLiteStore) AppendInteraction(ctx context.Context, in *domain.Interaction) error {
	piiJSON, err := marshalJSON(nonNilStrings(in.PIITypes))
	if err != nil {
		return err
	}

	var aiJSON any
	if in.AIMetadata != nil {
		encoded, err := marshalJSON(in.AIMetadata)
		if err != nil {
			return err
		}
		aiJSON = encoded
	}

	var sentiment any
	if in.SentimentScore != nil {
		sentiment = *in.SentimentScore
	}

	query := `
	INSERT INTO interactions (ticket_id, type, author, content, channel, sentiment_score,
		pii_detected, pii_types_json, ai_metadata_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := s.q.ExecContext(ctx, query,
		in.TicketID, string(in.Type), in.Author, in.Content, string(in.Channel), sentiment,
		in.PIIDetected, piiJSON, aiJSON, toMillis(in.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	if in.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("interaction id: %w", err)
	}
	return nil
}

// ListInteractions returns the ticket interactions in insertion order.
func (s *SQLiteStore) ListInteractions(ctx context.Context, ticketID string, limit int) ([]domain.Interaction, error) {
	query := `
	SELECT id, ticket_id, type, author, content, channel, sentiment_score,
	       pii_detected, pii_types_json, ai_metadata_json, created_at
	FROM interactions WHERE ticket_id = ? ORDER BY id DESC`
	args := []any{ticketID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer closeRows(rows, "interactions")

	var out []domain.Interaction
	for rows.Next() {
		var in domain.Interaction
		var typ, channel, piiJSON string
		var sentiment sql.NullFloat64
		var aiJSON sql.NullString
		var createdAt int64

		if err := rows.Scan(&in.ID, &in.TicketID, &typ, &in.Author, &in.Content, &channel, &sentiment,
			&in.PIIDetected, &piiJSON, &aiJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan interaction row: %w", err)
		}
		in.Type = domain.InteractionType(typ)
		in.Channel = domain.Channel(channel)
		in.CreatedAt = fromMillis(createdAt)
		if sentiment.Valid {
			v := sentiment.Float64
			in.SentimentScore = &v
		}
		if err := json.Unmarshal([]byte(piiJSON), &in.PIITypes); err != nil {
			return nil, fmt.Errorf("decode pii types: %w", err)
		}
		if aiJSON.Valid {
			var meta domain.AIMetadata
			if err := json.Unmarshal([]byte(aiJSON.String), &meta); err != nil {
				return nil, fmt.Errorf("decode ai metadata: %w", err)
			}
			in.AIMetadata = &meta
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}

	// Rows were read newest first so LIMIT keeps the tail; restore order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// AppendAudit inserts an audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	beforeJSON, err := marshalJSON(e.Before)
	if err != nil {
		return err
	}
	afterJSON, err := marshalJSON(e.After)
	if err != nil {
		return err
	}

	query := `INSERT INTO audit_logs (ticket_id, agent_name, operation, before_json, after_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	result, err := s.q.ExecContext(ctx, query,
		e.TicketID, e.AgentName, string(e.Operation), beforeJSON, afterJSON, toMillis(e.Timestamp))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	if e.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("audit entry id: %w", err)
	}
	return nil
}

// ListAudit returns the audit trail of a ticket.
func (s *SQLiteStore) ListAudit(ctx context.Context, ticketID string) ([]domain.AuditEntry, error) {
	query := `SELECT id, ticket_id, agent_name, operation, before_json, after_json, created_at
		FROM audit_logs WHERE ticket_id = ? ORDER BY id`
	rows, err := s.q.QueryContext(ctx, query, ticketID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer closeRows(rows, "audit log")

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var op string
		var beforeJSON, afterJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.TicketID, &e.AgentName, &op, &beforeJSON, &afterJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Operation = domain.AuditOperation(op)
		e.Timestamp = fromMillis(createdAt)
		if e.Before, err = decodeMap(beforeJSON); err != nil {
			return nil, err
		}
		if e.After, err = decodeMap(afterJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return out, nil
}

// GetAgentState returns the last state of an agent for a ticket.
func (s *SQLiteStore) GetAgentState(ctx context.Context, ticketID, agentName string) (*domain.AgentState, error) {
	query := `SELECT ticket_id, agent_name, decision_json, lock_version, updated_at
		FROM agent_states WHERE ticket_id = ? AND agent_name = ?`

	var st domain.AgentState
	var decisionJSON string
	var updatedAt int64
	err := s.q.QueryRowContext(ctx, query, ticketID, agentName).
		Scan(&st.TicketID, &st.AgentName, &decisionJSON, &st.LockVersion, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent state: %w", err)
	}
	st.UpdatedAt = fromMillis(updatedAt)
	if err := json.Unmarshal([]byte(decisionJSON), &st.Decision); err != nil {
		return nil, fmt.Errorf("decode agent decision: %w", err)
	}
	return &st, nil
}

// UpsertAgentState creates or replaces the state of an agent for a ticket.
func (s *SQLiteStore) UpsertAgentState(ctx context.Context, st *domain.AgentState) error {
	decisionJSON, err := marshalJSON(st.Decision)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO agent_states (ticket_id, agent_name, decision_json, lock_version, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(ticket_id, agent_name) DO UPDATE SET
		decision_json = excluded.decision_json,
		lock_version = excluded.lock_version,
		updated_at = excluded.updated_at`
	if _, err := s.q.ExecContext(ctx, query,
		st.TicketID, st.AgentName, decisionJSON, st.LockVersion, toMillis(st.UpdatedAt)); err != nil {
		return fmt.Errorf("upsert agent state: %w", err)
	}
	return nil
}

// RecordRoutingDecision appends a routing decision.
func (s *SQLiteStore) RecordRoutingDecision(ctx context.Context, d *domain.RoutingDecision) error {
	reasonsJSON, err := marshalJSON(nonNilStrings(d.Reasons))
	if err != nil {
		return err
	}

	query := `INSERT INTO routing_decisions (ticket_id, target_team, confidence, reasons_json, created_at)
		VALUES (?, ?, ?, ?, ?)`
	result, err := s.q.ExecContext(ctx, query, d.TicketID, d.TargetTeam, d.Confidence, reasonsJSON, toMillis(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert routing decision: %w", err)
	}
	if d.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("routing decision id: %w", err)
	}
	return nil
}

// ListRoutingDecisions returns the routing history of a ticket.
func (s *SQLiteStore) ListRoutingDecisions(ctx context.Context, ticketID string) ([]domain.RoutingDecision, error) {
	query := `SELECT id, ticket_id, target_team, confidence, reasons_json, created_at
		FROM routing_decisions WHERE ticket_id = ? ORDER BY id`
	rows, err := s.q.QueryContext(ctx, query, ticketID)
	if err != nil {
		return nil, fmt.Errorf("query routing decisions: %w", err)
	}
	defer closeRows(rows, "routing decisions")

	var out []domain.RoutingDecision
	for rows.Next() {
		var d domain.RoutingDecision
		var reasonsJSON string
		var createdAt int64
		if err := rows.Scan(&d.ID, &d.TicketID, &d.TargetTeam, &d.Confidence, &reasonsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan routing decision row: %w", err)
		}
		d.CreatedAt = fromMillis(createdAt)
		if err := json.Unmarshal([]byte(reasonsJSON), &d.Reasons); err != nil {
			return nil, fmt.Errorf("decode routing reasons: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routing decisions: %w", err)
	}
	return out, nil
}

// InsertLifecycleEvent inserts a lifecycle event.
func (s *SQLiteStore) InsertLifecycleEvent(ctx context.Context, ev *domain.LifecycleEvent) error {
	if ev.Status == "" {
		ev.Status = domain.EventPending
	}
	query := `INSERT INTO lifecycle_events (ticket_id, event_type, scheduled_at, status, created_at)
		VALUES (?, ?, ?, ?, ?)`
	result, err := s.q.ExecContext(ctx, query,
		ev.TicketID, string(ev.EventType), toMillis(ev.ScheduledAt), string(ev.Status), toMillis(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert lifecycle event: %w", err)
	}
	if ev.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("lifecycle event id: %w", err)
	}
	return nil
}

// CancelPendingLifecycleEvents cancels every pending event of a ticket.
func (s *SQLiteStore) CancelPendingLifecycleEvents(ctx context.Context, ticketID string) (int64, error) {
	query := `UPDATE lifecycle_events SET status = 'cancelled' WHERE ticket_id = ? AND status = 'pending'`
	result, err := s.q.ExecContext(ctx, query, ticketID)
	if err != nil {
		return 0, fmt.Errorf("cancel lifecycle events: %w", err)
	}
	return result.RowsAffected()
}

const lifecycleColumns = `id, ticket_id, event_type, scheduled_at, status, created_at, executed_at`

func scanLifecycleEvent(row rowScanner) (*domain.LifecycleEvent, error) {
	var ev domain.LifecycleEvent
	var typ, status string
	var scheduledAt, createdAt int64
	var executedAt sql.NullInt64
	if err := row.Scan(&ev.ID, &ev.TicketID, &typ, &scheduledAt, &status, &createdAt, &executedAt); err != nil {
		return nil, err
	}
	ev.EventType = domain.LifecycleEventType(typ)
	ev.Status = domain.LifecycleEventStatus(status)
	ev.ScheduledAt = fromMillis(scheduledAt)
	ev.CreatedAt = fromMillis(createdAt)
	ev.ExecutedAt = nullTime(executedAt)
	return &ev, nil
}

// ClaimDueLifecycleEvent atomically claims the oldest due pending event.
func (s *SQLiteStore) ClaimDueLifecycleEvent(ctx context.Context, now time.Time) (*domain.LifecycleEvent, error) {
	query := `
	UPDATE lifecycle_events SET status = 'executed', executed_at = ?
	WHERE status = 'pending' AND id = (
		SELECT id FROM lifecycle_events
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY scheduled_at, id LIMIT 1
	)
	RETURNING ` + lifecycleColumns

	ev, err := scanLifecycleEvent(s.q.QueryRowContext(ctx, query, toMillis(now), toMillis(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim lifecycle event: %w", err)
	}
	return ev, nil
}

// ListLifecycleEvents returns all lifecycle events of a ticket.
func (s *SQLiteStore) ListLifecycleEvents(ctx context.Context, ticketID string) ([]domain.LifecycleEvent, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+lifecycleColumns+` FROM lifecycle_events WHERE ticket_id = ? ORDER BY id`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer closeRows(rows, "lifecycle events")

	var out []domain.LifecycleEvent
	for rows.Next() {
		ev, err := scanLifecycleEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lifecycle event row: %w", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lifecycle events: %w", err)
	}
	return out, nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func decodeMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("decode json map: %w", err)
	}
	return m, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
