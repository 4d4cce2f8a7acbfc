package postmaster

import (
	"context"
	"errors"
	"log/slog"
	"regexp"

	"github.com/jmoiron/sqlx"

	"github.com/mailbridge-io/mailbridge/internal/repository"
)

// ticketNumberTag matches an explicit ticket reference carried in a subject
// line, e.g. "Re: printer is down #SUP-42".
var ticketNumberTag = regexp.MustCompile(`#([A-Z]+-\d+)`)

// Resolution names the ticket a message belongs to. ParentItemID is set only
// for header-based matches and marks the item the reply continues.
type Resolution struct {
	TicketID     string
	ParentItemID string
}

// ThreadResolver correlates an inbound message to an existing ticket.
// Correlation order: reply headers first, subject tag second. Thread matches
// outrank the tag because replies routinely quote stale subjects.
type ThreadResolver struct {
	items   *repository.ItemRepository
	tickets *repository.TicketRepository
	logger  *slog.Logger
}

// NewThreadResolver wires the resolver.
func NewThreadResolver(items *repository.ItemRepository, tickets *repository.TicketRepository, logger *slog.Logger) *ThreadResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadResolver{items: items, tickets: tickets, logger: logger}
}

// Resolve returns nil when the message cannot be tied to any existing ticket
// and a new one must be allocated.
func (r *ThreadResolver) Resolve(ctx context.Context, ext sqlx.ExtContext, env *Envelope) (*Resolution, error) {
	if env == nil {
		return nil, nil
	}

	if res, err := r.resolveByHeaders(ctx, ext, env); err != nil || res != nil {
		return res, err
	}
	return r.resolveBySubjectTag(ctx, ext, env.Subject)
}

func (r *ThreadResolver) resolveByHeaders(ctx context.Context, ext sqlx.ExtContext, env *Envelope) (*Resolution, error) {
	candidates := uniqueMessageIDs(append([]string{env.InReplyTo}, env.ReferenceIDs...)...)
	if len(candidates) == 0 {
		return nil, nil
	}

	match, err := r.items.FindThreadMatch(ctx, ext, candidates, env.InReplyTo)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res := &Resolution{ParentItemID: match.ItemID}
	if match.TicketID != nil {
		res.TicketID = *match.TicketID
	}
	r.logger.Debug("thread match",
		"parent_item_id", match.ItemID,
		"ticket_id", res.TicketID)
	return res, nil
}

func (r *ThreadResolver) resolveBySubjectTag(ctx context.Context, ext sqlx.ExtContext, subject string) (*Resolution, error) {
	m := ticketNumberTag.FindStringSubmatch(subject)
	if m == nil {
		return nil, nil
	}
	number := m[1]

	ticket, err := r.tickets.GetByNumber(ctx, ext, number)
	if errors.Is(err, repository.ErrNotFound) {
		r.logger.Debug("subject references unknown ticket", "ticket_number", number)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Resolution{TicketID: ticket.ID}, nil
}
