package postmaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailbridge-io/mailbridge/internal/database"
	"github.com/mailbridge-io/mailbridge/internal/email/inbound/connector"
	"github.com/mailbridge-io/mailbridge/internal/faults"
	"github.com/mailbridge-io/mailbridge/internal/models"
	"github.com/mailbridge-io/mailbridge/internal/repository"
	"github.com/mailbridge-io/mailbridge/internal/service"
)

const (
	// allocation retries on number conflicts before giving up on a message
	maxStoreAttempts = 3
	retryBaseDelay   = 100 * time.Millisecond
)

// Result reports what one message turned into.
type Result struct {
	Action       string // new_ticket, follow_up, duplicate, skipped
	TicketID     string
	TicketNumber string
	ItemID       string
}

const (
	ActionNewTicket = "new_ticket"
	ActionFollowUp  = "follow_up"
	ActionDuplicate = "duplicate"
	ActionSkipped   = "skipped"
)

type confirmationDispatcher interface {
	Dispatch(ctx context.Context, ticket *models.Ticket) error
}

// Processor drives one message through parse, correlation, storage and
// confirmation. It implements connector.Handler.
type Processor struct {
	db        *database.DB
	parser    *Parser
	resolver  *ThreadResolver
	items     *repository.ItemRepository
	allocator *service.TicketAllocator
	confirmer confirmationDispatcher
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
}

// ProcessorOption customizes Processor.
type ProcessorOption func(*Processor)

// NewProcessor wires the inbound pipeline.
func NewProcessor(
	db *database.DB,
	parser *Parser,
	resolver *ThreadResolver,
	items *repository.ItemRepository,
	allocator *service.TicketAllocator,
	opts ...ProcessorOption,
) *Processor {
	p := &Processor{
		db:        db,
		parser:    parser,
		resolver:  resolver,
		items:     items,
		allocator: allocator,
		logger:    slog.Default(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithProcessorLogger overrides the logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProcessorConfirmer wires the dispatcher used to acknowledge new
// tickets. Without one, tickets are created silently.
func WithProcessorConfirmer(confirmer confirmationDispatcher) ProcessorOption {
	return func(p *Processor) {
		p.confirmer = confirmer
	}
}

func withProcessorSleep(sleep func(context.Context, time.Duration) error) ProcessorOption {
	return func(p *Processor) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// Handle processes one fetched message. Malformed messages are logged and
// acknowledged so they do not wedge the mailbox; storage-level errors
// propagate so the message stays unacknowledged and is retried next cycle.
func (p *Processor) Handle(ctx context.Context, msg *connector.FetchedMessage) error {
	if msg == nil {
		return errors.New("postmaster: message required")
	}

	env, err := p.parser.Parse(msg.Raw)
	if err != nil {
		if faults.Is(err, faults.KindParse) {
			p.logger.Warn("dropping unparseable message",
				"remote_id", msg.RemoteID,
				"error", err)
			return nil
		}
		return err
	}

	result, err := p.Process(ctx, env, msg)
	if err != nil {
		return err
	}

	p.logger.Info("message processed",
		"action", result.Action,
		"ticket_id", result.TicketID,
		"ticket_number", result.TicketNumber,
		"item_id", result.ItemID,
		"remote_id", msg.RemoteID)
	return nil
}

// Process stores the parsed message. The whole unit of work runs in one
// transaction and is retried from scratch on conflicts: two workers racing
// for the same counter value both insert cleanly on their own retry, and a
// duplicate delivery collapses into a no-op at the message-id constraint.
func (p *Processor) Process(ctx context.Context, env *Envelope, msg *connector.FetchedMessage) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= maxStoreAttempts; attempt++ {
		result, err := p.storeOnce(ctx, env, msg)
		if err == nil {
			if result.Action == ActionNewTicket {
				p.confirm(ctx, result)
			}
			return result, nil
		}
		if errors.Is(err, repository.ErrDuplicateMessage) {
			p.logger.Info("duplicate message ignored",
				"message_id", env.MessageID,
				"remote_id", msg.RemoteID)
			return Result{Action: ActionDuplicate}, nil
		}
		if !faults.Is(err, faults.KindConflict) {
			return Result{}, err
		}
		lastErr = err
		p.logger.Warn("store conflict, retrying",
			"attempt", attempt,
			"remote_id", msg.RemoteID,
			"error", err)
		if attempt < maxStoreAttempts {
			if serr := p.sleep(ctx, time.Duration(attempt)*retryBaseDelay); serr != nil {
				return Result{}, serr
			}
		}
	}
	return Result{}, faults.Newf(faults.KindAllocation,
		"giving up after %d attempts: %v", maxStoreAttempts, lastErr)
}

func (p *Processor) storeOnce(ctx context.Context, env *Envelope, msg *connector.FetchedMessage) (Result, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return Result{}, faults.Wrap(faults.KindConnectivity, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if env.MessageID != "" {
		exists, err := p.items.ExistsByMessageID(ctx, tx, env.MessageID)
		if err != nil {
			return Result{}, err
		}
		if exists {
			return Result{}, repository.ErrDuplicateMessage
		}
	}

	res, err := p.resolver.Resolve(ctx, tx, env)
	if err != nil {
		return Result{}, err
	}

	item := p.buildItem(env, msg)
	result := Result{}

	if res != nil && res.TicketID != "" {
		item.TicketID = &res.TicketID
		result.Action = ActionFollowUp
		result.TicketID = res.TicketID
	}

	// Inserting before allocation lets the message-id constraint settle a
	// duplicate race without burning a counter value on the loser.
	if err := p.items.Insert(ctx, tx, item); err != nil {
		return Result{}, err
	}
	result.ItemID = item.ID

	if res != nil && res.ParentItemID != "" {
		if err := p.items.LinkThread(ctx, tx, res.ParentItemID, item.ID); err != nil {
			return Result{}, err
		}
	}

	if item.TicketID == nil {
		ticket, err := p.allocator.Allocate(ctx, tx, subjectOrDefault(env, msg))
		if err != nil {
			return Result{}, err
		}
		if err := p.items.AttachTicket(ctx, tx, item.ID, ticket.ID); err != nil {
			return Result{}, err
		}
		item.TicketID = &ticket.ID
		result.Action = ActionNewTicket
		result.TicketID = ticket.ID
		result.TicketNumber = ticket.TicketNumber
	}

	if err := tx.Commit(); err != nil {
		if database.IsSerializationFailure(err) {
			return Result{}, faults.Wrap(faults.KindConflict, err)
		}
		return Result{}, faults.Wrap(faults.KindConnectivity, fmt.Errorf("commit: %w", err))
	}
	return result, nil
}

// confirm acknowledges a freshly created ticket. Failure leaves the ticket
// in place: the requester simply never hears back until a supporter replies.
func (p *Processor) confirm(ctx context.Context, result Result) {
	if p.confirmer == nil {
		return
	}
	ticket := &models.Ticket{ID: result.TicketID, TicketNumber: result.TicketNumber}
	if err := p.confirmer.Dispatch(ctx, ticket); err != nil {
		p.logger.Error("confirmation dispatch failed",
			"ticket_number", result.TicketNumber,
			"error", err)
	}
}

func (p *Processor) buildItem(env *Envelope, msg *connector.FetchedMessage) *models.Item {
	item := &models.Item{
		Kind:        models.ItemKindEmail,
		Source:      models.ItemSourceCustomer,
		FromAddress: env.FromAddress,
		ToAddress:   env.ToAddress,
		Subject:     env.Subject,
		Body:        env.Body,
		InReplyTo:   env.InReplyTo,
	}
	if env.MessageID != "" {
		id := env.MessageID
		item.MessageID = &id
	}
	item.SetReferences(env.ReferenceIDs)
	switch {
	case !env.SentAt.IsZero():
		item.ReceivedAt = env.SentAt
	case msg != nil && !msg.ReceivedAt.IsZero():
		item.ReceivedAt = msg.ReceivedAt
	default:
		item.ReceivedAt = time.Now().UTC()
	}
	return item
}

func subjectOrDefault(env *Envelope, msg *connector.FetchedMessage) string {
	if s := env.Subject; s != "" {
		return s
	}
	if msg != nil && msg.RemoteID != "" {
		return fmt.Sprintf("Inbound email %s", msg.RemoteID)
	}
	return "Inbound email"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
