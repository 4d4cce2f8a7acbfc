package outbound

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	stdmail "net/mail"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/mailbridge-io/mailbridge/internal/config"
	"github.com/mailbridge-io/mailbridge/internal/database"
	"github.com/mailbridge-io/mailbridge/internal/faults"
	"github.com/mailbridge-io/mailbridge/internal/models"
	"github.com/mailbridge-io/mailbridge/internal/repository"
	"github.com/mailbridge-io/mailbridge/internal/template"
)

// ConfirmationDispatcher acknowledges freshly allocated tickets by replying
// to the requester. The confirmation item and its thread edge are stored in
// their own transaction, committed only after the SMTP conversation
// succeeds; a failed send rolls everything back and leaves the ticket
// unconfirmed.
type ConfirmationDispatcher struct {
	db       *database.DB
	items    *repository.ItemRepository
	tickets  *repository.TicketRepository
	renderer *template.Renderer
	sender   Sender
	outbound config.OutboundMailConfig
	company  config.CompanyConfig
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	markdown goldmark.Markdown
}

// DispatcherOption customizes ConfirmationDispatcher.
type DispatcherOption func(*ConfirmationDispatcher)

// NewConfirmationDispatcher wires the dispatcher.
func NewConfirmationDispatcher(
	db *database.DB,
	items *repository.ItemRepository,
	tickets *repository.TicketRepository,
	renderer *template.Renderer,
	sender Sender,
	outbound config.OutboundMailConfig,
	company config.CompanyConfig,
	opts ...DispatcherOption,
) *ConfirmationDispatcher {
	d := &ConfirmationDispatcher{
		db:       db,
		items:    items,
		tickets:  tickets,
		renderer: renderer,
		sender:   sender,
		outbound: outbound,
		company:  company,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		markdown: goldmark.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// WithDispatcherLogger overrides the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *ConfirmationDispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherClock overrides the wall clock, primarily for tests.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *ConfirmationDispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func withDispatcherIDs(newID func() string) DispatcherOption {
	return func(d *ConfirmationDispatcher) {
		d.newID = newID
	}
}

// Dispatch builds and sends the confirmation for one new ticket.
func (d *ConfirmationDispatcher) Dispatch(ctx context.Context, ticket *models.Ticket) error {
	if ticket == nil {
		return faults.New(faults.KindDispatch, "ticket required")
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return faults.Wrap(faults.KindConnectivity, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	full, err := d.tickets.GetByID(ctx, tx, ticket.ID)
	if err != nil {
		return fmt.Errorf("load ticket %s: %w", ticket.ID, err)
	}

	original, err := d.items.LatestEmailForTicket(ctx, tx, full.ID)
	if err != nil {
		return fmt.Errorf("load original email for %s: %w", full.TicketNumber, err)
	}
	if original.FromAddress == "" {
		return faults.Newf(faults.KindDispatch, "original email on %s has no sender", full.TicketNumber)
	}

	body, err := d.renderer.Render(template.TicketConfirmation, map[string]any{
		"requester_name": requesterName(original.FromAddress),
		"ticket_number":  full.TicketNumber,
		"ticket_id":      full.ID,
		"subject":        full.Subject,
		"body":           original.Body,
		"company_name":   d.company.Name,
		"company_domain": d.company.Domain,
	})
	if err != nil {
		return fmt.Errorf("render confirmation: %w", err)
	}

	confirmation := d.buildItem(full, original, body)
	raw, err := d.buildMIME(confirmation, body)
	if err != nil {
		return fmt.Errorf("assemble confirmation: %w", err)
	}

	if err := d.items.Insert(ctx, tx, confirmation); err != nil {
		return fmt.Errorf("store confirmation item: %w", err)
	}
	if err := d.items.LinkThread(ctx, tx, original.ID, confirmation.ID); err != nil {
		return err
	}

	if err := d.sender.Send(ctx, d.outbound.From, []string{original.FromAddress}, raw); err != nil {
		return faults.Wrap(faults.KindDispatch, fmt.Errorf("send confirmation for %s: %w", full.TicketNumber, err))
	}

	if err := tx.Commit(); err != nil {
		return faults.Wrap(faults.KindConnectivity, fmt.Errorf("commit confirmation: %w", err))
	}

	d.logger.Info("confirmation sent",
		"ticket_number", full.TicketNumber,
		"to", original.FromAddress)
	return nil
}

// buildItem records the outbound reply with the full reference chain, so a
// customer answering the confirmation threads back onto the same ticket.
func (d *ConfirmationDispatcher) buildItem(ticket *models.Ticket, original *models.Item, body string) *models.Item {
	msgID := fmt.Sprintf("%s@%s", d.newID(), d.company.Domain)
	item := &models.Item{
		ID:          d.newID(),
		TicketID:    &ticket.ID,
		Kind:        models.ItemKindEmail,
		Source:      models.ItemSourceSupporter,
		MessageID:   &msgID,
		FromAddress: d.outbound.From,
		ToAddress:   original.FromAddress,
		Subject:     confirmationSubject(ticket),
		Body:        body,
		ReceivedAt:  d.now(),
	}
	refs := original.References()
	if original.MessageID != nil && *original.MessageID != "" {
		item.InReplyTo = *original.MessageID
		refs = append(refs, *original.MessageID)
	}
	item.SetReferences(refs)
	return item
}

func (d *ConfirmationDispatcher) buildMIME(item *models.Item, body string) ([]byte, error) {
	var buf bytes.Buffer

	var h gomail.Header
	h.SetDate(d.now())
	h.SetAddressList("From", []*gomail.Address{{Name: d.outbound.FromName, Address: item.FromAddress}})
	h.SetAddressList("To", []*gomail.Address{{Address: item.ToAddress}})
	h.SetSubject(item.Subject)
	if item.MessageID != nil {
		h.SetMessageID(*item.MessageID)
	}
	if item.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{item.InReplyTo})
	}
	if refs := item.References(); len(refs) > 0 {
		h.SetMsgIDList("References", refs)
	}

	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	var textHeader gomail.InlineHeader
	textHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := iw.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	if _, err := io.WriteString(tw, body); err != nil {
		return nil, fmt.Errorf("write text part: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	html, err := d.renderHTML(body)
	if err != nil {
		d.logger.Warn("html alternative skipped", "error", err)
	} else {
		var htmlHeader gomail.InlineHeader
		htmlHeader.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		hw, err := iw.CreatePart(htmlHeader)
		if err != nil {
			return nil, fmt.Errorf("create html part: %w", err)
		}
		if _, err := hw.Write(html); err != nil {
			return nil, fmt.Errorf("write html part: %w", err)
		}
		if err := hw.Close(); err != nil {
			return nil, err
		}
	}

	if err := iw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *ConfirmationDispatcher) renderHTML(body string) ([]byte, error) {
	var out bytes.Buffer
	if err := d.markdown.Convert([]byte(body), &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func confirmationSubject(ticket *models.Ticket) string {
	return fmt.Sprintf("Ticket created: %s - %s", ticket.TicketNumber, ticket.Subject)
}

// requesterName derives a salutation from the sender address when no display
// name survived parsing.
func requesterName(address string) string {
	if addr, err := stdmail.ParseAddress(address); err == nil && addr.Name != "" {
		return addr.Name
	}
	if at := strings.Index(address, "@"); at > 0 {
		return address[:at]
	}
	return address
}
