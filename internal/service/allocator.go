// Package service holds the ticket allocation unit that sits between the
// inbound processor and the repositories.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/mailbridge-io/mailbridge/internal/models"
	"github.com/mailbridge-io/mailbridge/internal/repository"
	"github.com/mailbridge-io/mailbridge/internal/ticketnumber"
)

// TicketAllocator mints new tickets with a collision-free number and a
// least-loaded supporter assignment. It always creates; correlating to
// existing tickets happens before allocation is reached.
type TicketAllocator struct {
	queues     *repository.QueueRepository
	tickets    *repository.TicketRepository
	supporters *repository.SupporterRepository
	generator  ticketnumber.Generator
	logger     *slog.Logger
}

// NewTicketAllocator wires the allocator.
func NewTicketAllocator(
	queues *repository.QueueRepository,
	tickets *repository.TicketRepository,
	supporters *repository.SupporterRepository,
	generator ticketnumber.Generator,
	logger *slog.Logger,
) *TicketAllocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TicketAllocator{
		queues:     queues,
		tickets:    tickets,
		supporters: supporters,
		generator:  generator,
		logger:     logger,
	}
}

// Allocate runs one allocation attempt on the caller's transaction: queue
// resolution, number generation, ticket insert, assignment. The caller owns
// commit/rollback and retries the whole unit on conflicts, so a failed
// attempt leaves nothing behind except a counter gap.
func (a *TicketAllocator) Allocate(ctx context.Context, ext sqlx.ExtContext, subject string) (*models.Ticket, error) {
	queue, err := a.queues.EnsureDefault(ctx, ext)
	if err != nil {
		return nil, fmt.Errorf("resolve queue: %w", err)
	}

	number, err := a.generator.Next(ctx, ext, queue.Prefix)
	if err != nil {
		return nil, fmt.Errorf("next ticket number: %w", err)
	}

	ticket := &models.Ticket{
		TicketNumber: number,
		Subject:      subject,
		QueueID:      queue.ID,
		StatusName:   models.StatusNew,
	}
	if err := a.tickets.Insert(ctx, ext, ticket); err != nil {
		return nil, err
	}

	if err := a.assign(ctx, ext, ticket); err != nil {
		return nil, err
	}

	a.logger.Info("ticket allocated",
		"ticket_number", ticket.TicketNumber,
		"ticket_id", ticket.ID,
		"queue", queue.Name)
	return ticket, nil
}

// assign picks the supporter with the fewest open tickets. No supporters is
// a valid state: the ticket simply stays unassigned.
func (a *TicketAllocator) assign(ctx context.Context, ext sqlx.ExtContext, ticket *models.Ticket) error {
	supporter, err := a.supporters.LeastLoaded(ctx, ext)
	if errors.Is(err, repository.ErrNotFound) {
		a.logger.Debug("no supporters configured, ticket left unassigned",
			"ticket_number", ticket.TicketNumber)
		return nil
	}
	if err != nil {
		return fmt.Errorf("pick supporter: %w", err)
	}

	if err := a.tickets.AssignSupporter(ctx, ext, ticket.ID, supporter.ID); err != nil {
		return err
	}
	ticket.AssignedSupporterID = &supporter.ID
	return nil
}
