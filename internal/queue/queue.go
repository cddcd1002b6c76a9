// Package queue implements the durable, single-process priority work queue
// of tickets that the conductor and worker pools claim, heartbeat, and
// complete against.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Status values a ticket may hold.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Target roles a ticket may be routed to.
const (
	RoleRouter     = "router"
	RoleWorker     = "worker"
	RoleSupervisor = "supervisor"
	RoleGatekeeper = "gatekeeper"
)

// ErrNotProcessing is returned when a CAS transition is attempted from a
// ticket whose current status is not `processing`.
var ErrNotProcessing = errors.New("queue: ticket is not in processing state")

// Ticket is one attempt to have a role process a bead.
type Ticket struct {
	ID            string
	BeadID        string
	Status        string
	Priority      int
	TargetRole    string
	AssigneeID    string
	CreatedAt     time.Time
	StartedAt     sql.NullTime
	CompletedAt   sql.NullTime
	HeartbeatAt   sql.NullTime
	RetryCount    int
	Output        json.RawMessage
	NextAttemptAt int64 // epoch ms
}

const schema = `
CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	bead_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	priority INTEGER NOT NULL DEFAULT 0,
	target_role TEXT NOT NULL,
	assignee_id TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	heartbeat_at INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,
	output TEXT,
	next_attempt_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tickets_claim ON tickets(target_role, status, priority ASC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tickets_bead ON tickets(bead_id);

CREATE TABLE IF NOT EXISTS tick_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tick_at DATETIME NOT NULL DEFAULT (datetime('now')),
	open_seen INTEGER NOT NULL DEFAULT 0,
	verify_seen INTEGER NOT NULL DEFAULT 0,
	routed INTEGER NOT NULL DEFAULT 0,
	released_stalled INTEGER NOT NULL DEFAULT 0,
	reconciled_orphans INTEGER NOT NULL DEFAULT 0
);
`

// WorkQueue is the sqlite-backed ticket store. A single process owns it and
// is the sole writer.
type WorkQueue struct {
	db *sql.DB
}

// Open creates or opens the queue's sqlite database, ensuring the schema
// exists and is migrated to the current shape.
func Open(dbPath string) (*WorkQueue, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: migrate: %w", err)
	}

	return &WorkQueue{db: db}, nil
}

// migrate applies incremental schema migrations for databases created
// before a given column existed.
func migrate(db *sql.DB) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('tickets') WHERE name = 'next_attempt_at'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check next_attempt_at column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE tickets ADD COLUMN next_attempt_at INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add next_attempt_at column: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (q *WorkQueue) Close() error {
	return q.db.Close()
}

// Enqueue creates a new queued ticket for a bead/role pair. No uniqueness
// check is performed; callers enforce at-most-one-active.
func (q *WorkQueue) Enqueue(beadID string, priority int, targetRole string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UnixMilli()
	_, err := q.db.Exec(
		`INSERT INTO tickets (id, bead_id, status, priority, target_role, created_at, retry_count, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0)`,
		id, beadID, StatusQueued, priority, targetRole, now,
	)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// Claim atomically selects the oldest highest-priority queued ticket for a
// role whose next_attempt_at has elapsed, and transitions it to processing.
// Returns nil, nil if nothing is claimable.
func (q *WorkQueue) Claim(assigneeID, role string) (*Ticket, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("queue: claim: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	row := tx.QueryRow(
		`SELECT id FROM tickets
		 WHERE target_role = ? AND status = ? AND next_attempt_at <= ?
		 ORDER BY priority ASC, created_at ASC, id ASC
		 LIMIT 1`,
		role, StatusQueued, now,
	)

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: claim: select: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE tickets SET status = ?, assignee_id = ?, started_at = ?, heartbeat_at = ?
		 WHERE id = ? AND status = ?`,
		StatusProcessing, assigneeID, now, now, id, StatusQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: claim: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("queue: claim: rows affected: %w", err)
	}
	if n == 0 {
		// Lost the race to a concurrent claimer; caller retries next cycle.
		return nil, nil
	}

	ticket, err := scanTicketTx(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: claim: commit: %w", err)
	}
	return ticket, nil
}

// Heartbeat refreshes heartbeat_at for a ticket, but only if it is still
// processing. A no-op otherwise.
func (q *WorkQueue) Heartbeat(ticketID string) error {
	now := time.Now().UnixMilli()
	_, err := q.db.Exec(
		`UPDATE tickets SET heartbeat_at = ? WHERE id = ? AND status = ?`,
		now, ticketID, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("queue: heartbeat: %w", err)
	}
	return nil
}

// Complete performs a CAS transition processing->completed. A nil output
// preserves any previously stored output for this ticket; a non-nil output
// is stored only if the ticket had none. Returns ErrNotProcessing if the
// ticket is not currently processing.
func (q *WorkQueue) Complete(ticketID string, output json.RawMessage) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("queue: complete: begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	var existing sql.NullString
	err = tx.QueryRow(`SELECT status, output FROM tickets WHERE id = ?`, ticketID).Scan(&status, &existing)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("queue: complete: unknown ticket %s", ticketID)
		}
		return fmt.Errorf("queue: complete: select: %w", err)
	}
	if status != StatusProcessing {
		return fmt.Errorf("queue: complete ticket %s: %w", ticketID, ErrNotProcessing)
	}

	newOutput := existing.String
	if !existing.Valid && output != nil {
		newOutput = string(output)
	}

	now := time.Now().UnixMilli()
	res, err := tx.Exec(
		`UPDATE tickets SET status = ?, completed_at = ?, output = ? WHERE id = ? AND status = ?`,
		StatusCompleted, now, newOutput, ticketID, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("queue: complete: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: complete: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("queue: complete ticket %s: %w", ticketID, ErrNotProcessing)
	}
	return tx.Commit()
}

// Fail transitions a processing ticket. If permanent, CAS processing->failed.
// Otherwise CAS processing->queued, clearing assignee/started/heartbeat,
// incrementing retry_count, and setting next_attempt_at via backoff.
func (q *WorkQueue) Fail(ticketID string, permanent bool) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("queue: fail: begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	var retryCount int
	err = tx.QueryRow(`SELECT status, retry_count FROM tickets WHERE id = ?`, ticketID).Scan(&status, &retryCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("queue: fail: unknown ticket %s", ticketID)
		}
		return fmt.Errorf("queue: fail: select: %w", err)
	}
	if status != StatusProcessing {
		return fmt.Errorf("queue: fail ticket %s: %w", ticketID, ErrNotProcessing)
	}

	var res sql.Result
	if permanent {
		res, err = tx.Exec(
			`UPDATE tickets SET status = ? WHERE id = ? AND status = ?`,
			StatusFailed, ticketID, StatusProcessing,
		)
	} else {
		newRetryCount := retryCount + 1
		delay := BackoffDelay(newRetryCount, DefaultBackoffBase, DefaultBackoffCap)
		nextAttempt := time.Now().Add(delay).UnixMilli()
		res, err = tx.Exec(
			`UPDATE tickets SET status = ?, assignee_id = NULL, started_at = NULL, heartbeat_at = NULL,
			 retry_count = ?, next_attempt_at = ? WHERE id = ? AND status = ?`,
			StatusQueued, newRetryCount, nextAttempt, ticketID, StatusProcessing,
		)
	}
	if err != nil {
		return fmt.Errorf("queue: fail: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: fail: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("queue: fail ticket %s: %w", ticketID, ErrNotProcessing)
	}
	return tx.Commit()
}

// ReleaseStalled applies the non-permanent fail transformation to every
// processing ticket whose heartbeat is older than timeout. Returns the
// number released.
func (q *WorkQueue) ReleaseStalled(timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout).UnixMilli()

	tx, err := q.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("queue: release stalled: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, retry_count FROM tickets WHERE status = ? AND heartbeat_at < ?`,
		StatusProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: release stalled: select: %w", err)
	}
	type stalled struct {
		id         string
		retryCount int
	}
	var targets []stalled
	for rows.Next() {
		var s stalled
		if err := rows.Scan(&s.id, &s.retryCount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("queue: release stalled: scan: %w", err)
		}
		targets = append(targets, s)
	}
	rows.Close()

	released := 0
	for _, s := range targets {
		newRetryCount := s.retryCount + 1
		delay := BackoffDelay(newRetryCount, DefaultBackoffBase, DefaultBackoffCap)
		nextAttempt := time.Now().Add(delay).UnixMilli()
		res, err := tx.Exec(
			`UPDATE tickets SET status = ?, assignee_id = NULL, started_at = NULL, heartbeat_at = NULL,
			 retry_count = ?, next_attempt_at = ? WHERE id = ? AND status = ?`,
			StatusQueued, newRetryCount, nextAttempt, s.id, StatusProcessing,
		)
		if err != nil {
			return released, fmt.Errorf("queue: release stalled: update %s: %w", s.id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return released, fmt.Errorf("queue: release stalled: rows affected: %w", err)
		}
		released += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("queue: release stalled: commit: %w", err)
	}
	return released, nil
}

// FailExhaustedRetries permanently fails every queued ticket for role whose
// retry_count has reached maxRetries, rather than letting it requeue
// forever. The bead itself is left untouched for operator review.
func (q *WorkQueue) FailExhaustedRetries(role string, maxRetries int) (int, error) {
	if maxRetries <= 0 {
		return 0, nil
	}
	res, err := q.db.Exec(
		`UPDATE tickets SET status = ? WHERE target_role = ? AND status = ? AND retry_count >= ?`,
		StatusFailed, role, StatusQueued, maxRetries,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: fail exhausted retries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: fail exhausted retries: rows affected: %w", err)
	}
	return int(n), nil
}

// LastCompletedAt returns the completion time of a bead's most recently
// completed ticket, used by the janitor's grace-period check against
// orphaned in_progress beads.
func (q *WorkQueue) LastCompletedAt(beadID string) (time.Time, bool, error) {
	row := q.db.QueryRow(
		`SELECT completed_at FROM tickets WHERE bead_id = ? AND status = ?
		 ORDER BY completed_at DESC, id DESC LIMIT 1`,
		beadID, StatusCompleted,
	)
	var completedAtMs sql.NullInt64
	if err := row.Scan(&completedAtMs); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("queue: last completed at: %w", err)
	}
	if !completedAtMs.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(completedAtMs.Int64), true, nil
}

// GetActiveTicket returns the queued or processing ticket for a bead, if any.
func (q *WorkQueue) GetActiveTicket(beadID string) (*Ticket, error) {
	row := q.db.QueryRow(
		`SELECT id FROM tickets WHERE bead_id = ? AND status IN (?, ?) ORDER BY created_at ASC LIMIT 1`,
		beadID, StatusQueued, StatusProcessing,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: get active ticket: %w", err)
	}
	return q.scanTicket(id)
}

// GetOutput returns the most recently completed ticket's output for a bead.
// Ties on completed_at are broken by ticket id.
func (q *WorkQueue) GetOutput(beadID string) (json.RawMessage, error) {
	row := q.db.QueryRow(
		`SELECT output FROM tickets WHERE bead_id = ? AND status = ?
		 ORDER BY completed_at DESC, id DESC LIMIT 1`,
		beadID, StatusCompleted,
	)
	var output sql.NullString
	if err := row.Scan(&output); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: get output: %w", err)
	}
	if !output.Valid || output.String == "" {
		return nil, nil
	}
	return json.RawMessage(output.String), nil
}

// GetPendingCount counts queued tickets for a role, used by pool scaling.
func (q *WorkQueue) GetPendingCount(role string) (int, error) {
	var count int
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM tickets WHERE target_role = ? AND status = ?`,
		role, StatusQueued,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("queue: get pending count: %w", err)
	}
	return count, nil
}

// ResetBead deletes all tickets for a bead. Admin/CLI only.
func (q *WorkQueue) ResetBead(beadID string) (int, error) {
	res, err := q.db.Exec(`DELETE FROM tickets WHERE bead_id = ?`, beadID)
	if err != nil {
		return 0, fmt.Errorf("queue: reset bead: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: reset bead: rows affected: %w", err)
	}
	return int(n), nil
}

// ResetAll deletes every ticket in the queue. Admin/CLI only.
func (q *WorkQueue) ResetAll() (int, error) {
	res, err := q.db.Exec(`DELETE FROM tickets`)
	if err != nil {
		return 0, fmt.Errorf("queue: reset all: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: reset all: rows affected: %w", err)
	}
	return int(n), nil
}

// RecordTick records an analogous per-tick summary to the tick_metrics
// table: useful for an external dashboard, no core semantic weight.
func (q *WorkQueue) RecordTick(openSeen, verifySeen, routed, releasedStalled, reconciledOrphans int) error {
	_, err := q.db.Exec(
		`INSERT INTO tick_metrics (open_seen, verify_seen, routed, released_stalled, reconciled_orphans)
		 VALUES (?, ?, ?, ?, ?)`,
		openSeen, verifySeen, routed, releasedStalled, reconciledOrphans,
	)
	if err != nil {
		return fmt.Errorf("queue: record tick: %w", err)
	}
	return nil
}

func (q *WorkQueue) scanTicket(id string) (*Ticket, error) {
	return scanTicketRower(q.db.QueryRow(ticketSelect+` WHERE id = ?`, id))
}

func scanTicketTx(tx *sql.Tx, id string) (*Ticket, error) {
	return scanTicketRower(tx.QueryRow(ticketSelect+` WHERE id = ?`, id))
}

const ticketSelect = `SELECT id, bead_id, status, priority, target_role, assignee_id, created_at,
	started_at, completed_at, heartbeat_at, retry_count, output, next_attempt_at FROM tickets`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicketRower(row rowScanner) (*Ticket, error) {
	var t Ticket
	var assignee sql.NullString
	var createdAtMs int64
	var startedAtMs, completedAtMs, heartbeatAtMs sql.NullInt64
	var output sql.NullString

	err := row.Scan(
		&t.ID, &t.BeadID, &t.Status, &t.Priority, &t.TargetRole, &assignee, &createdAtMs,
		&startedAtMs, &completedAtMs, &heartbeatAtMs, &t.RetryCount, &output, &t.NextAttemptAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: scan ticket: %w", err)
	}

	t.AssigneeID = assignee.String
	t.CreatedAt = time.UnixMilli(createdAtMs)
	if startedAtMs.Valid {
		t.StartedAt = sql.NullTime{Time: time.UnixMilli(startedAtMs.Int64), Valid: true}
	}
	if completedAtMs.Valid {
		t.CompletedAt = sql.NullTime{Time: time.UnixMilli(completedAtMs.Int64), Valid: true}
	}
	if heartbeatAtMs.Valid {
		t.HeartbeatAt = sql.NullTime{Time: time.UnixMilli(heartbeatAtMs.Int64), Valid: true}
	}
	if output.Valid && strings.TrimSpace(output.String) != "" {
		t.Output = json.RawMessage(output.String)
	}

	return &t, nil
}
