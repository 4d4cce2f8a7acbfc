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

// ItemRepository persists message items and their thread edges. Methods take
// a sqlx.ExtContext so callers can run them on the connection pool or inside
// a transaction they own.
type ItemRepository struct {
	db *database.DB
}

// NewItemRepository creates the repository bound to a store handle. The
// handle is only consulted for dialect decisions; queries run on the ext.
func NewItemRepository(db *database.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// Insert stores one item. Missing id/created_at are filled in. For email
// items the unique message_id index is the idempotency boundary: a
// duplicate-key failure surfaces as ErrDuplicateMessage, which concurrent
// duplicate delivery must treat as success-no-op.
func (r *ItemRepository) Insert(ctx context.Context, ext sqlx.ExtContext, item *models.Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.Kind == "" {
		item.Kind = models.ItemKindEmail
	}

	q := ext.Rebind(`INSERT INTO items (
		id, ticket_id, kind, message_id, from_address, to_address,
		subject, body, received_at, in_reply_to, references_list,
		created_at, created_by, source
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := ext.ExecContext(ctx, q,
		item.ID,
		item.TicketID,
		item.Kind,
		item.MessageID,
		item.FromAddress,
		item.ToAddress,
		item.Subject,
		item.Body,
		item.ReceivedAt,
		item.InReplyTo,
		item.ReferencesList,
		item.CreatedAt,
		item.CreatedBy,
		item.Source,
	)
	if err != nil {
		if database.IsDuplicateKey(err) {
			return fmt.Errorf("insert item %s: %w", item.ID, ErrDuplicateMessage)
		}
		return fmt.Errorf("insert item %s: %w", item.ID, err)
	}
	return nil
}

// ExistsByMessageID reports whether an email item with this message id is
// already stored. This is the cheap pre-check; the unique index settles races.
func (r *ItemRepository) ExistsByMessageID(ctx context.Context, ext sqlx.ExtContext, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	q := ext.Rebind(`SELECT 1 FROM items WHERE kind = ? AND message_id = ?`)
	var one int
	err := sqlx.GetContext(ctx, ext, &one, q, models.ItemKindEmail, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("message id lookup: %w", err)
	}
	return true, nil
}

// ThreadMatch is the item a new message was correlated to.
type ThreadMatch struct {
	ItemID    string  `db:"id"`
	TicketID  *string `db:"ticket_id"`
	MessageID *string `db:"message_id"`
}

// FindThreadMatch looks up the email item a reply continues. Candidates are
// the message ids from In-Reply-To and References; an exact In-Reply-To match
// outranks any reference match, remaining ties go to the newest item.
func (r *ItemRepository) FindThreadMatch(ctx context.Context, ext sqlx.ExtContext, refs []string, inReplyTo string) (*ThreadMatch, error) {
	if len(refs) == 0 {
		return nil, ErrNotFound
	}

	query, args, err := sqlx.In(`SELECT id, ticket_id, message_id
		FROM items
		WHERE kind = 'email' AND message_id IN (?)
		ORDER BY
			CASE WHEN message_id = ? THEN 0 ELSE 1 END,
			created_at DESC
		LIMIT 1`, refs, inReplyTo)
	if err != nil {
		return nil, fmt.Errorf("build thread query: %w", err)
	}

	var match ThreadMatch
	err = sqlx.GetContext(ctx, ext, &match, ext.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindConnectivity, fmt.Errorf("thread lookup: %w", err))
	}
	return &match, nil
}

// LinkThread records a parent->child reply edge. Re-inserting an existing
// edge is a no-op, not an error.
func (r *ItemRepository) LinkThread(ctx context.Context, ext sqlx.ExtContext, parentItemID, childItemID string) error {
	var q string
	if r.db.IsMySQL() {
		q = `INSERT IGNORE INTO item_threads (parent_item_id, child_item_id) VALUES (?, ?)`
	} else {
		q = `INSERT INTO item_threads (parent_item_id, child_item_id) VALUES (?, ?)
		     ON CONFLICT DO NOTHING`
	}
	if _, err := ext.ExecContext(ctx, ext.Rebind(q), parentItemID, childItemID); err != nil {
		if database.IsDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("link thread %s->%s: %w", parentItemID, childItemID, err)
	}
	return nil
}

// AttachTicket back-fills the ticket reference on an item stored before its
// ticket existed.
func (r *ItemRepository) AttachTicket(ctx context.Context, ext sqlx.ExtContext, itemID, ticketID string) error {
	q := ext.Rebind(`UPDATE items SET ticket_id = ? WHERE id = ?`)
	if _, err := ext.ExecContext(ctx, q, ticketID, itemID); err != nil {
		return fmt.Errorf("attach ticket %s to item %s: %w", ticketID, itemID, err)
	}
	return nil
}

// LatestEmailForTicket returns the most recent customer email on a ticket,
// used to build the reply headers of the confirmation. Outbound items are
// excluded so a reply never targets our own mail.
func (r *ItemRepository) LatestEmailForTicket(ctx context.Context, ext sqlx.ExtContext, ticketID string) (*models.Item, error) {
	q := ext.Rebind(`SELECT id, ticket_id, kind, message_id, from_address, to_address,
		subject, body, received_at, in_reply_to, references_list,
		created_at, created_by, source
		FROM items
		WHERE ticket_id = ? AND kind = 'email' AND source = 'customer'
		ORDER BY created_at DESC
		LIMIT 1`)

	var item models.Item
	err := sqlx.GetContext(ctx, ext, &item, q, ticketID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest item for ticket %s: %w", ticketID, err)
	}
	return &item, nil
}
