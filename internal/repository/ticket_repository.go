package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailbridge-io/mailbridge/internal/database"
	"github.com/mailbridge-io/mailbridge/internal/faults"
	"github.com/mailbridge-io/mailbridge/internal/models"
)

// ErrDuplicateTicketNumber signals a collision on the unique ticket_number
// index. Only concurrent allocation races produce it; the allocator retries.
var ErrDuplicateTicketNumber = faults.New(faults.KindConflict, "ticket number already taken")

// TicketRepository persists tickets and their assignment records.
type TicketRepository struct {
	db *database.DB
}

// NewTicketRepository creates the repository bound to a store handle.
func NewTicketRepository(db *database.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

// Insert stores a new ticket row. Missing id and timestamps are filled in.
func (r *TicketRepository) Insert(ctx context.Context, ext sqlx.ExtContext, ticket *models.Ticket) error {
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = now
	}
	ticket.UpdatedAt = now
	if ticket.StatusName == "" {
		ticket.StatusName = models.StatusNew
	}

	q := ext.Rebind(`INSERT INTO tickets (
		id, ticket_number, subject, queue_id, status_name,
		assigned_supporter_id, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := ext.ExecContext(ctx, q,
		ticket.ID,
		ticket.TicketNumber,
		ticket.Subject,
		ticket.QueueID,
		ticket.StatusName,
		ticket.AssignedSupporterID,
		ticket.CreatedAt,
		ticket.UpdatedAt,
	)
	if err != nil {
		if database.IsDuplicateKey(err) {
			return fmt.Errorf("insert ticket %s: %w", ticket.TicketNumber, ErrDuplicateTicketNumber)
		}
		return fmt.Errorf("insert ticket %s: %w", ticket.TicketNumber, err)
	}
	return nil
}

// GetByNumber resolves a ticket by its human-facing number (subject tag
// fallback path).
func (r *TicketRepository) GetByNumber(ctx context.Context, ext sqlx.ExtContext, number string) (*models.Ticket, error) {
	q := ext.Rebind(`SELECT id, ticket_number, subject, queue_id, status_name,
		assigned_supporter_id, created_at, updated_at
		FROM tickets WHERE ticket_number = ?`)

	var ticket models.Ticket
	err := sqlx.GetContext(ctx, ext, &ticket, q, number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ticket by number %s: %w", number, err)
	}
	return &ticket, nil
}

// GetByID loads one ticket.
func (r *TicketRepository) GetByID(ctx context.Context, ext sqlx.ExtContext, id string) (*models.Ticket, error) {
	q := ext.Rebind(`SELECT id, ticket_number, subject, queue_id, status_name,
		assigned_supporter_id, created_at, updated_at
		FROM tickets WHERE id = ?`)

	var ticket models.Ticket
	err := sqlx.GetContext(ctx, ext, &ticket, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ticket by id %s: %w", id, err)
	}
	return &ticket, nil
}

// UpdateStatus sets the named status on a ticket.
func (r *TicketRepository) UpdateStatus(ctx context.Context, ext sqlx.ExtContext, ticketID, statusName string) error {
	q := ext.Rebind(`UPDATE tickets SET status_name = ?, updated_at = ? WHERE id = ?`)
	res, err := ext.ExecContext(ctx, q, statusName, time.Now().UTC(), ticketID)
	if err != nil {
		return fmt.Errorf("update status of %s: %w", ticketID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignSupporter records an assignment on the ticket and in the append-only
// assignment log. Re-assigning the same supporter is a no-op for the log.
func (r *TicketRepository) AssignSupporter(ctx context.Context, ext sqlx.ExtContext, ticketID, supporterID string) error {
	q := ext.Rebind(`UPDATE tickets SET assigned_supporter_id = ?, updated_at = ? WHERE id = ?`)
	if _, err := ext.ExecContext(ctx, q, supporterID, time.Now().UTC(), ticketID); err != nil {
		return fmt.Errorf("assign supporter %s to %s: %w", supporterID, ticketID, err)
	}

	var logQ string
	if r.db.IsMySQL() {
		logQ = `INSERT IGNORE INTO ticket_assignments (id, ticket_id, supporter_id) VALUES (?, ?, ?)`
	} else {
		logQ = `INSERT INTO ticket_assignments (id, ticket_id, supporter_id) VALUES (?, ?, ?)
		        ON CONFLICT DO NOTHING`
	}
	if _, err := ext.ExecContext(ctx, ext.Rebind(logQ), uuid.NewString(), ticketID, supporterID); err != nil {
		if database.IsDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("log assignment %s/%s: %w", ticketID, supporterID, err)
	}
	return nil
}
