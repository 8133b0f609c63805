package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const ticketColumns = `ticket_id, agency_id, service_id, ticket_number, issue_date, status, client_name,
	created_at, called_at, first_called_at, completed_at, abandoned_at, counter_id, recall_count, version`

// Store keeps tickets in a single SQLite file. Writers are serialized by
// SQLite itself; the call-next claim is a compare-and-swap on version.
type Store struct {
	db *sql.DB
}

type Options struct {
	MaxOpenConns int
}

func Open(path string, options Options) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conns := options.MaxOpenConns
	if conns <= 0 {
		conns = 4
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var migs []migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := parseMigrationVersion(f.Name())
		if err != nil {
			return err
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, migration{Version: v, Name: f.Name(), SQL: string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })
	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.Version, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func parseMigrationVersion(filename string) (int, error) {
	base := strings.TrimSuffix(filename, ".sql")
	v, err := strconv.Atoi(strings.SplitN(base, "_", 2)[0])
	if err != nil {
		return 0, fmt.Errorf("invalid migration version in %s", filename)
	}
	return v, nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return mapError(op, err)
	}
	if err = tx.Commit(); err != nil {
		return mapError(op, err)
	}
	return nil
}

func (s *Store) NextTicketNumber(ctx context.Context, agencyID, issueDate string) (int64, error) {
	var next int64
	err := s.inTx(ctx, "next ticket number", func(tx *sql.Tx) error {
		var err error
		next, err = nextTicketNumber(ctx, tx, agencyID, issueDate)
		return err
	})
	return next, err
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	createdAt := occurredAt(input.CreatedAt)
	ticket := models.Ticket{
		TicketID:   uuid.NewString(),
		AgencyID:   input.AgencyID,
		ServiceID:  input.ServiceID,
		IssueDate:  input.IssueDate,
		Status:     models.StatusWaiting,
		ClientName: input.ClientName,
		CreatedAt:  createdAt,
		Version:    1,
	}

	err := s.inTx(ctx, "create ticket", func(tx *sql.Tx) error {
		number, err := nextTicketNumber(ctx, tx, input.AgencyID, input.IssueDate)
		if err != nil {
			return err
		}
		ticket.TicketNumber = number
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tickets (
				ticket_id, agency_id, service_id, ticket_number, issue_date, status, client_name, created_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ticket.TicketID, ticket.AgencyID, ticket.ServiceID, ticket.TicketNumber, ticket.IssueDate,
			ticket.Status, nullIfEmpty(ticket.ClientName), toNanos(ticket.CreatedAt), ticket.Version); err != nil {
			return err
		}
		return insertTicketEvent(ctx, tx, ticket, store.EventCreated, "", "", createdAt)
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, err := scanTicket(s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = ?`, ticketID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, mapError("get ticket", err)
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, input store.ListTicketsInput) ([]models.Ticket, error) {
	order := "created_at ASC, ticket_number ASC"
	if input.Status == models.StatusCalled {
		order = "called_at DESC, ticket_number DESC"
	}
	limit := input.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE agency_id = ? AND status = ?
		ORDER BY `+order+`
		LIMIT ?
	`, input.AgencyID, input.Status, limit)
	if err != nil {
		return nil, mapError("list tickets", err)
	}
	defer func() { _ = rows.Close() }()

	tickets := []models.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, mapError("list tickets", err)
		}
		if input.Status == models.StatusWaiting {
			ticket.Position = len(tickets) + 1
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list tickets", err)
	}
	return tickets, nil
}

func (s *Store) ActiveTicket(ctx context.Context, agencyID, counterID string) (models.Ticket, bool, error) {
	ticket, err := scanTicket(s.db.QueryRowContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE agency_id = ? AND counter_id = ? AND status = 'called'
	`, agencyID, counterID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, mapError("active ticket", err)
	}
	return ticket, true, nil
}

// ClaimNext reads the oldest waiting ticket and claims it only if its
// version is unchanged. A lost race reports ErrConflict.
func (s *Store) ClaimNext(ctx context.Context, input store.ClaimInput) (models.Ticket, error) {
	calledAt := occurredAt(input.CalledAt)
	var ticket models.Ticket
	err := s.inTx(ctx, "claim next", func(tx *sql.Tx) error {
		busy, err := counterHoldsTicket(ctx, tx, input.CounterID)
		if err != nil {
			return err
		}
		if busy {
			return store.ErrCounterBusy
		}

		candidate, err := scanTicket(tx.QueryRowContext(ctx, `
			SELECT `+ticketColumns+`
			FROM tickets
			WHERE agency_id = ? AND status = 'waiting'
			ORDER BY created_at ASC, ticket_number ASC
			LIMIT 1
		`, input.AgencyID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNoTicket
			}
			return err
		}

		at := toNanos(calledAt)
		res, err := tx.ExecContext(ctx, `
			UPDATE tickets
			SET status = 'called',
				counter_id = ?,
				called_at = ?,
				first_called_at = COALESCE(first_called_at, ?),
				version = version + 1
			WHERE ticket_id = ? AND status = 'waiting' AND version = ?
		`, input.CounterID, at, at, candidate.TicketID, candidate.Version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrConflict
		}

		ticket, err = scanTicket(tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = ?`, candidate.TicketID))
		if err != nil {
			return err
		}
		return insertTicketEvent(ctx, tx, ticket, store.EventCalled, "", "", calledAt)
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) RecallTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.updateCalledTicket(ctx, store.ActionRecall, input)
}

func (s *Store) CompleteTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.updateCalledTicket(ctx, store.ActionComplete, input)
}

func (s *Store) TransferTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.updateCalledTicket(ctx, store.ActionTransfer, input)
}

func (s *Store) AbandonTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.updateCalledTicket(ctx, store.ActionAbandon, input)
}

func (s *Store) updateCalledTicket(ctx context.Context, action string, input store.TicketActionInput) (models.Ticket, error) {
	at := occurredAt(input.OccurredAt)
	var set string
	var args []interface{}
	switch action {
	case store.ActionRecall:
		set = "called_at = ?, recall_count = recall_count + 1"
		args = append(args, toNanos(at))
	case store.ActionComplete:
		set = "completed_at = ?"
		args = append(args, toNanos(at))
	case store.ActionTransfer:
		set = "counter_id = ?, called_at = ?"
		args = append(args, input.ToCounterID, toNanos(at))
	case store.ActionAbandon:
		set = "abandoned_at = ?"
		args = append(args, toNanos(at))
	default:
		return models.Ticket{}, store.ErrInvalidState
	}
	args = append(args, store.TargetStatus(action))
	args = append(args, input.TicketID, input.CounterID)

	var ticket models.Ticket
	err := s.inTx(ctx, action, func(tx *sql.Tx) error {
		if action == store.ActionTransfer {
			busy, err := counterHoldsTicket(ctx, tx, input.ToCounterID)
			if err != nil {
				return err
			}
			if busy {
				return store.ErrCounterBusy
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tickets
			SET `+set+`, status = ?, version = version + 1
			WHERE ticket_id = ? AND status = 'called' AND counter_id = ?
		`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			status, holder, exists, err := loadTicketState(ctx, tx, input.TicketID)
			if err != nil {
				return err
			}
			if !exists {
				return store.ErrTicketNotFound
			}
			return store.TransitionError(action, status, holder, input.CounterID)
		}

		ticket, err = scanTicket(tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = ?`, input.TicketID))
		if err != nil {
			return err
		}
		from := ""
		if action == store.ActionTransfer {
			from = input.CounterID
		}
		return insertTicketEvent(ctx, tx, ticket, store.EventTypeFor(action), from, input.Reason, at)
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) AbandonStale(ctx context.Context, input store.AbandonStaleInput) ([]models.Ticket, error) {
	var conditions []string
	var args []interface{}
	if !input.CalledBefore.IsZero() {
		conditions = append(conditions, "(status = 'called' AND called_at <= ?)")
		args = append(args, toNanos(input.CalledBefore))
	}
	if input.IssuedBefore != "" {
		conditions = append(conditions, "(status = 'waiting' AND issue_date < ?)")
		args = append(args, input.IssuedBefore)
	}
	if len(conditions) == 0 {
		return nil, nil
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	at := occurredAt(input.OccurredAt)

	var abandoned []models.Ticket
	err := s.inTx(ctx, "abandon stale", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+ticketColumns+`
			FROM tickets
			WHERE `+strings.Join(conditions, " OR ")+`
			ORDER BY created_at ASC
			LIMIT ?
		`, args...)
		if err != nil {
			return err
		}
		var candidates []models.Ticket
		for rows.Next() {
			ticket, err := scanTicket(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			candidates = append(candidates, ticket)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, candidate := range candidates {
			res, err := tx.ExecContext(ctx, `
				UPDATE tickets
				SET status = 'abandoned', abandoned_at = ?, version = version + 1
				WHERE ticket_id = ? AND version = ?
			`, toNanos(at), candidate.TicketID, candidate.Version)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				continue
			}
			ticket, err := scanTicket(tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = ?`, candidate.TicketID))
			if err != nil {
				return err
			}
			if err := insertTicketEvent(ctx, tx, ticket, store.EventAbandoned, "", abandonReason(candidate.Status), at); err != nil {
				return err
			}
			abandoned = append(abandoned, ticket)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return abandoned, nil
}

func (s *Store) QueueCounts(ctx context.Context, agencyID string, completedSince time.Time) (store.QueueCounts, error) {
	var counts store.QueueCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'waiting' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'called' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' AND completed_at >= ? THEN 1 ELSE 0 END), 0)
		FROM tickets
		WHERE agency_id = ?
	`, toNanos(completedSince), agencyID)
	if err := row.Scan(&counts.Waiting, &counts.Serving, &counts.CompletedToday); err != nil {
		return store.QueueCounts{}, mapError("queue counts", err)
	}
	return counts, nil
}

func (s *Store) RecentWaits(ctx context.Context, agencyID string, since time.Time, limit int) ([]store.WaitSample, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at, first_called_at
		FROM tickets
		WHERE agency_id = ? AND first_called_at IS NOT NULL AND first_called_at >= ?
		ORDER BY first_called_at DESC
		LIMIT ?
	`, agencyID, toNanos(since), limit)
	if err != nil {
		return nil, mapError("recent waits", err)
	}
	defer func() { _ = rows.Close() }()

	var samples []store.WaitSample
	for rows.Next() {
		var createdAt, firstCalledAt int64
		if err := rows.Scan(&createdAt, &firstCalledAt); err != nil {
			return nil, mapError("recent waits", err)
		}
		samples = append(samples, store.WaitSample{CreatedAt: fromNanos(createdAt), FirstCalledAt: fromNanos(firstCalledAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("recent waits", err)
	}
	return samples, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = ?
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, mapError("list ticket events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload string
		var createdAt int64
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &createdAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, mapError("list ticket events", err)
		}
		event.Payload = []byte(payload)
		event.CreatedAt = fromNanos(createdAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list ticket events", err)
	}
	return events, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, bool, error) {
	counter, err := scanCounter(s.db.QueryRowContext(ctx, `
		SELECT counter_id, agency_id, name, is_open, updated_at
		FROM counters
		WHERE counter_id = ?
	`, counterID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Counter{}, false, nil
		}
		return models.Counter{}, false, mapError("get counter", err)
	}
	return counter, true, nil
}

func (s *Store) SaveCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	updatedAt := occurredAt(counter.UpdatedAt)
	saved, err := scanCounter(s.db.QueryRowContext(ctx, `
		INSERT INTO counters (counter_id, agency_id, name, is_open, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (counter_id)
		DO UPDATE SET agency_id = excluded.agency_id,
			name = CASE WHEN excluded.name = '' THEN counters.name ELSE excluded.name END,
			is_open = excluded.is_open,
			updated_at = excluded.updated_at
		RETURNING counter_id, agency_id, name, is_open, updated_at
	`, counter.CounterID, counter.AgencyID, counter.Name, counter.IsOpen, toNanos(updatedAt)))
	if err != nil {
		return models.Counter{}, mapError("save counter", err)
	}
	return saved, nil
}

func (s *Store) ListCounters(ctx context.Context, agencyID string) ([]models.Counter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT counter_id, agency_id, name, is_open, updated_at
		FROM counters
		WHERE agency_id = ?
		ORDER BY name ASC, counter_id ASC
	`, agencyID)
	if err != nil {
		return nil, mapError("list counters", err)
	}
	defer func() { _ = rows.Close() }()

	counters := []models.Counter{}
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, mapError("list counters", err)
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list counters", err)
	}
	return counters, nil
}

func nextTicketNumber(ctx context.Context, tx *sql.Tx, agencyID, issueDate string) (int64, error) {
	var next int64
	row := tx.QueryRowContext(ctx, `
		INSERT INTO ticket_sequences (agency_id, issue_date, next_number)
		VALUES (?, ?, 1)
		ON CONFLICT (agency_id, issue_date)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, agencyID, issueDate)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func counterHoldsTicket(ctx context.Context, tx *sql.Tx, counterID string) (bool, error) {
	var held int
	row := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE counter_id = ? AND status = 'called')`, counterID)
	if err := row.Scan(&held); err != nil {
		return false, err
	}
	return held == 1, nil
}

func insertTicketEvent(ctx context.Context, tx *sql.Tx, ticket models.Ticket, eventType, fromCounterID, reason string, at time.Time) error {
	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRowContext(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = ?
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1

	payload, err := store.EventPayload(ticket, fromCounterID, reason)
	if err != nil {
		return err
	}
	createdAt := at.UTC()
	hash := store.ComputeTicketEventHash(prevHash.String, ticket.TicketID, eventType, payload, createdAt, nextSeq)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ticket.TicketID, nextSeq, eventType, string(payload), toNanos(createdAt), prevHash.String, hash)
	return err
}

func loadTicketState(ctx context.Context, tx *sql.Tx, ticketID string) (string, string, bool, error) {
	var status string
	var counterID sql.NullString
	row := tx.QueryRowContext(ctx, `SELECT status, counter_id FROM tickets WHERE ticket_id = ?`, ticketID)
	if err := row.Scan(&status, &counterID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	return status, counterID.String, true, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row scanner) (models.Ticket, error) {
	var ticket models.Ticket
	var clientName, counterID sql.NullString
	var createdAt int64
	var calledAt, firstCalledAt, completedAt, abandonedAt sql.NullInt64
	if err := row.Scan(
		&ticket.TicketID, &ticket.AgencyID, &ticket.ServiceID, &ticket.TicketNumber, &ticket.IssueDate,
		&ticket.Status, &clientName, &createdAt, &calledAt, &firstCalledAt, &completedAt,
		&abandonedAt, &counterID, &ticket.RecallCount, &ticket.Version,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.ClientName = clientName.String
	ticket.CreatedAt = fromNanos(createdAt)
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.FirstCalledAt = nullTimePtr(firstCalledAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	ticket.AbandonedAt = nullTimePtr(abandonedAt)
	if counterID.Valid {
		ticket.CounterID = &counterID.String
	}
	return ticket, nil
}

func scanCounter(row scanner) (models.Counter, error) {
	var counter models.Counter
	var updatedAt int64
	if err := row.Scan(&counter.CounterID, &counter.AgencyID, &counter.Name, &counter.IsOpen, &updatedAt); err != nil {
		return models.Counter{}, err
	}
	counter.UpdatedAt = fromNanos(updatedAt)
	return counter, nil
}

// mapError turns busy and constraint failures into domain errors.
func mapError(op string, err error) error {
	if store.IsDomain(err) {
		return err
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return store.ErrConflict
		case sqlite3.SQLITE_CONSTRAINT:
			if strings.Contains(sqliteErr.Error(), "tickets.counter_id") {
				return store.ErrCounterBusy
			}
		}
	}
	return store.Storage(op, err)
}

func abandonReason(status string) string {
	if status == models.StatusCalled {
		return "call_timeout"
	}
	return "day_rollover"
}

func occurredAt(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}

func toNanos(value time.Time) int64 {
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	return time.Unix(0, value).UTC()
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromNanos(value.Int64)
	return &t
}
