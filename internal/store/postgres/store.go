package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const counterCalledIndex = "tickets_counter_called_idx"

var ticketColumns = []string{
	"ticket_id", "agency_id", "service_id", "ticket_number", "issue_date", "status", "client_name",
	"created_at", "called_at", "first_called_at", "completed_at", "abandoned_at",
	"counter_id", "recall_count", "version",
}

type Store struct {
	pool *pgxpool.Pool
}

type Options struct {
	MaxConns int32
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects, pings and migrates.
func Open(ctx context.Context, dsn string, options Options) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if options.MaxConns > 0 {
		cfg.MaxConns = options.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := NewStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Migrate applies embedded migrations not yet recorded in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`); err != nil {
		return err
	}

	applied := make(map[int]bool)
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	type migration struct {
		version int
		name    string
		sql     string
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
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil {
			return fmt.Errorf("invalid migration version in %s", f.Name())
		}
		if applied[v] {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, migration{v, f.Name(), string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })

	for _, m := range migs {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING`, m.version, time.Now().Unix())
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Storage(op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(tx); err != nil {
		return mapError(op, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return mapError(op, err)
	}
	return nil
}

func (s *Store) NextTicketNumber(ctx context.Context, agencyID, issueDate string) (int64, error) {
	var next int64
	err := s.inTx(ctx, "next ticket number", func(tx pgx.Tx) error {
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

	err := s.inTx(ctx, "create ticket", func(tx pgx.Tx) error {
		number, err := nextTicketNumber(ctx, tx, input.AgencyID, input.IssueDate)
		if err != nil {
			return err
		}
		ticket.TicketNumber = number

		if _, err := tx.Exec(ctx, `
			INSERT INTO tickets (
				ticket_id, agency_id, service_id, ticket_number, issue_date, status, client_name, created_at, version
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, ticket.TicketID, ticket.AgencyID, ticket.ServiceID, ticket.TicketNumber, ticket.IssueDate,
			ticket.Status, nullIfEmpty(ticket.ClientName), ticket.CreatedAt, ticket.Version); err != nil {
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
	row := s.pool.QueryRow(ctx, `SELECT `+columns("")+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, store.Storage("get ticket", err)
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, input store.ListTicketsInput) ([]models.Ticket, error) {
	order := "created_at ASC, ticket_number ASC"
	if input.Status == models.StatusCalled {
		order = "called_at DESC, ticket_number DESC"
	}
	query := `SELECT ` + columns("") + ` FROM tickets WHERE agency_id = $1 AND status = $2 ORDER BY ` + order
	args := []interface{}{input.AgencyID, input.Status}
	if input.Limit > 0 {
		query += " LIMIT $3"
		args = append(args, input.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, store.Storage("list tickets", err)
	}
	defer rows.Close()

	tickets := []models.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, store.Storage("list tickets", err)
		}
		if input.Status == models.StatusWaiting {
			ticket.Position = len(tickets) + 1
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage("list tickets", err)
	}
	return tickets, nil
}

func (s *Store) ActiveTicket(ctx context.Context, agencyID, counterID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+columns("")+`
		FROM tickets
		WHERE agency_id = $1 AND counter_id = $2 AND status = 'called'
	`, agencyID, counterID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, store.Storage("active ticket", err)
	}
	return ticket, true, nil
}

// ClaimNext hands the oldest waiting ticket of the agency to the counter.
// Rows locked by a concurrent claim are skipped; if every waiting row is
// locked the caller gets ErrConflict and may retry.
func (s *Store) ClaimNext(ctx context.Context, input store.ClaimInput) (models.Ticket, error) {
	calledAt := occurredAt(input.CalledAt)
	var ticket models.Ticket
	err := s.inTx(ctx, "claim next", func(tx pgx.Tx) error {
		busy, err := counterHoldsTicket(ctx, tx, input.CounterID)
		if err != nil {
			return err
		}
		if busy {
			return store.ErrCounterBusy
		}

		row := tx.QueryRow(ctx, `
			WITH next_ticket AS (
				SELECT ticket_id
				FROM tickets
				WHERE agency_id = $1 AND status = 'waiting'
				ORDER BY created_at ASC, ticket_number ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			UPDATE tickets
			SET status = 'called',
				counter_id = $2,
				called_at = $3,
				first_called_at = COALESCE(tickets.first_called_at, $3),
				version = tickets.version + 1
			FROM next_ticket
			WHERE tickets.ticket_id = next_ticket.ticket_id
			RETURNING `+columns("tickets."), input.AgencyID, input.CounterID, calledAt)
		ticket, err = scanTicket(row)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			waiting, err := hasWaitingTickets(ctx, tx, input.AgencyID)
			if err != nil {
				return err
			}
			if waiting {
				return store.ErrConflict
			}
			return store.ErrNoTicket
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

// updateCalledTicket applies a counter action to a ticket the counter holds.
// The update is guarded on status and owner; when it matches nothing the
// current row is re-read to report why.
func (s *Store) updateCalledTicket(ctx context.Context, action string, input store.TicketActionInput) (models.Ticket, error) {
	at := occurredAt(input.OccurredAt)
	args := []interface{}{input.TicketID, input.CounterID, at, store.TargetStatus(action)}

	var set string
	switch action {
	case store.ActionRecall:
		set = "called_at = $3, recall_count = recall_count + 1"
	case store.ActionComplete:
		set = "completed_at = $3"
	case store.ActionTransfer:
		set = "counter_id = $5, called_at = $3"
		args = append(args, input.ToCounterID)
	case store.ActionAbandon:
		set = "abandoned_at = $3"
	default:
		return models.Ticket{}, store.ErrInvalidState
	}

	var ticket models.Ticket
	err := s.inTx(ctx, action, func(tx pgx.Tx) error {
		if action == store.ActionTransfer {
			busy, err := counterHoldsTicket(ctx, tx, input.ToCounterID)
			if err != nil {
				return err
			}
			if busy {
				return store.ErrCounterBusy
			}
		}

		row := tx.QueryRow(ctx, `
			UPDATE tickets
			SET `+set+`, status = $4, version = version + 1
			WHERE ticket_id = $1 AND status = 'called' AND counter_id = $2
			RETURNING `+columns(""), args...)
		var err error
		ticket, err = scanTicket(row)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			status, holder, exists, err := loadTicketState(ctx, tx, input.TicketID)
			if err != nil {
				return err
			}
			if !exists {
				return store.ErrTicketNotFound
			}
			return store.TransitionError(action, status, holder, input.CounterID)
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
		args = append(args, input.CalledBefore)
		conditions = append(conditions, fmt.Sprintf("(status = 'called' AND called_at <= $%d)", len(args)))
	}
	if input.IssuedBefore != "" {
		args = append(args, input.IssuedBefore)
		conditions = append(conditions, fmt.Sprintf("(status = 'waiting' AND issue_date < $%d)", len(args)))
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
	err := s.inTx(ctx, "abandon stale", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT ticket_id, status
			FROM tickets
			WHERE `+strings.Join(conditions, " OR ")+`
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $`+strconv.Itoa(len(args)), args...)
		if err != nil {
			return err
		}
		type candidate struct {
			ticketID string
			status   string
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.ticketID, &c.status); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range candidates {
			row := tx.QueryRow(ctx, `
				UPDATE tickets
				SET status = 'abandoned', abandoned_at = $2, version = version + 1
				WHERE ticket_id = $1 AND status = $3
				RETURNING `+columns(""), c.ticketID, at, c.status)
			ticket, err := scanTicket(row)
			if err != nil {
				return err
			}
			if err := insertTicketEvent(ctx, tx, ticket, store.EventAbandoned, "", abandonReason(c.status), at); err != nil {
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
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'waiting'),
			COUNT(*) FILTER (WHERE status = 'called'),
			COUNT(*) FILTER (WHERE status = 'completed' AND completed_at >= $2)
		FROM tickets
		WHERE agency_id = $1
	`, agencyID, completedSince)
	if err := row.Scan(&counts.Waiting, &counts.Serving, &counts.CompletedToday); err != nil {
		return store.QueueCounts{}, store.Storage("queue counts", err)
	}
	return counts, nil
}

func (s *Store) RecentWaits(ctx context.Context, agencyID string, since time.Time, limit int) ([]store.WaitSample, error) {
	query := `
		SELECT created_at, first_called_at
		FROM tickets
		WHERE agency_id = $1 AND first_called_at IS NOT NULL AND first_called_at >= $2
		ORDER BY first_called_at DESC`
	args := []interface{}{agencyID, since}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, store.Storage("recent waits", err)
	}
	defer rows.Close()

	var samples []store.WaitSample
	for rows.Next() {
		var sample store.WaitSample
		if err := rows.Scan(&sample.CreatedAt, &sample.FirstCalledAt); err != nil {
			return nil, store.Storage("recent waits", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage("recent waits", err)
	}
	return samples, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, store.Storage("list ticket events", err)
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload []byte
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, store.Storage("list ticket events", err)
		}
		event.Payload = payload
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage("list ticket events", err)
	}
	return events, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, bool, error) {
	var counter models.Counter
	row := s.pool.QueryRow(ctx, `
		SELECT counter_id, agency_id, name, is_open, updated_at
		FROM counters
		WHERE counter_id = $1
	`, counterID)
	if err := row.Scan(&counter.CounterID, &counter.AgencyID, &counter.Name, &counter.IsOpen, &counter.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, false, nil
		}
		return models.Counter{}, false, store.Storage("get counter", err)
	}
	return counter, true, nil
}

func (s *Store) SaveCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	updatedAt := occurredAt(counter.UpdatedAt)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO counters (counter_id, agency_id, name, is_open, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (counter_id)
		DO UPDATE SET agency_id = EXCLUDED.agency_id,
			name = CASE WHEN EXCLUDED.name = '' THEN counters.name ELSE EXCLUDED.name END,
			is_open = EXCLUDED.is_open,
			updated_at = EXCLUDED.updated_at
		RETURNING counter_id, agency_id, name, is_open, updated_at
	`, counter.CounterID, counter.AgencyID, counter.Name, counter.IsOpen, updatedAt)
	var saved models.Counter
	if err := row.Scan(&saved.CounterID, &saved.AgencyID, &saved.Name, &saved.IsOpen, &saved.UpdatedAt); err != nil {
		return models.Counter{}, store.Storage("save counter", err)
	}
	return saved, nil
}

func (s *Store) ListCounters(ctx context.Context, agencyID string) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT counter_id, agency_id, name, is_open, updated_at
		FROM counters
		WHERE agency_id = $1
		ORDER BY name ASC, counter_id ASC
	`, agencyID)
	if err != nil {
		return nil, store.Storage("list counters", err)
	}
	defer rows.Close()

	counters := []models.Counter{}
	for rows.Next() {
		var counter models.Counter
		if err := rows.Scan(&counter.CounterID, &counter.AgencyID, &counter.Name, &counter.IsOpen, &counter.UpdatedAt); err != nil {
			return nil, store.Storage("list counters", err)
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage("list counters", err)
	}
	return counters, nil
}

func nextTicketNumber(ctx context.Context, tx pgx.Tx, agencyID, issueDate string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (agency_id, issue_date, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (agency_id, issue_date)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, agencyID, issueDate)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func counterHoldsTicket(ctx context.Context, tx pgx.Tx, counterID string) (bool, error) {
	var held bool
	row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE counter_id = $1 AND status = 'called')`, counterID)
	if err := row.Scan(&held); err != nil {
		return false, err
	}
	return held, nil
}

func hasWaitingTickets(ctx context.Context, tx pgx.Tx, agencyID string) (bool, error) {
	var waiting bool
	row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE agency_id = $1 AND status = 'waiting')`, agencyID)
	if err := row.Scan(&waiting); err != nil {
		return false, err
	}
	return waiting, nil
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticket models.Ticket, eventType, fromCounterID, reason string, at time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticket.TicketID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}

	payload, err := store.EventPayload(ticket, fromCounterID, reason)
	if err != nil {
		return err
	}
	// timestamptz keeps microseconds; hash what will be read back
	createdAt := at.UTC().Truncate(time.Microsecond)
	hash := store.ComputeTicketEventHash(prev, ticket.TicketID, eventType, payload, createdAt, nextSeq)

	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ticket.TicketID, nextSeq, eventType, string(payload), createdAt, prev, hash)
	return err
}

func loadTicketState(ctx context.Context, tx pgx.Tx, ticketID string) (string, string, bool, error) {
	var status string
	var counterID sql.NullString
	row := tx.QueryRow(ctx, `SELECT status, counter_id FROM tickets WHERE ticket_id = $1`, ticketID)
	if err := row.Scan(&status, &counterID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	return status, counterID.String, true, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var clientName sql.NullString
	var calledAt, firstCalledAt, completedAt, abandonedAt sql.NullTime
	var counterID sql.NullString
	if err := row.Scan(
		&ticket.TicketID, &ticket.AgencyID, &ticket.ServiceID, &ticket.TicketNumber, &ticket.IssueDate,
		&ticket.Status, &clientName, &ticket.CreatedAt, &calledAt, &firstCalledAt, &completedAt,
		&abandonedAt, &counterID, &ticket.RecallCount, &ticket.Version,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	ticket.ClientName = clientName.String
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.FirstCalledAt = nullTimePtr(firstCalledAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	ticket.AbandonedAt = nullTimePtr(abandonedAt)
	ticket.CounterID = nullStringPtr(counterID)
	return ticket, nil
}

func columns(prefix string) string {
	if prefix == "" {
		return strings.Join(ticketColumns, ", ")
	}
	qualified := make([]string, len(ticketColumns))
	for i, column := range ticketColumns {
		qualified[i] = prefix + column
	}
	return strings.Join(qualified, ", ")
}

func mapError(op string, err error) error {
	if store.IsDomain(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if pgErr.ConstraintName == counterCalledIndex {
				return store.ErrCounterBusy
			}
		case "40001", "40P01":
			return store.ErrConflict
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

// occurredAt is truncated to what timestamptz keeps so values returned
// from a write match later reads.
func occurredAt(value time.Time) time.Time {
	if value.IsZero() {
		value = time.Now()
	}
	return value.UTC().Truncate(time.Microsecond)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
