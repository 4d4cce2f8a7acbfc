package outbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailbridge-io/mailbridge/internal/config"
	"github.com/mailbridge-io/mailbridge/internal/database"
	"github.com/mailbridge-io/mailbridge/internal/faults"
	"github.com/mailbridge-io/mailbridge/internal/models"
	"github.com/mailbridge-io/mailbridge/internal/repository"
	"github.com/mailbridge-io/mailbridge/internal/template"
)

type fakeSender struct {
	from       string
	recipients []string
	raw        []byte
	calls      int
	err        error
}

func (s *fakeSender) Send(_ context.Context, from string, recipients []string, raw []byte) error {
	s.calls++
	s.from = from
	s.recipients = recipients
	s.raw = append([]byte(nil), raw...)
	return s.err
}

func newMockStore(t *testing.T) (*database.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return database.NewWithDB(sqlx.NewDb(raw, "postgres"), "postgres"), mock
}

func newTestDispatcher(db *database.DB, sender Sender) *ConfirmationDispatcher {
	items := repository.NewItemRepository(db)
	tickets := repository.NewTicketRepository(db)
	renderer := template.NewRenderer("")

	var seq int
	return NewConfirmationDispatcher(
		db, items, tickets, renderer, sender,
		config.OutboundMailConfig{From: "support@mailbridge.example", FromName: "MailBridge Support"},
		config.CompanyConfig{Name: "MailBridge", Domain: "mailbridge.example"},
		WithDispatcherLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDispatcherClock(func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }),
		withDispatcherIDs(func() string {
			seq++
			return fmt.Sprintf("fixed-%d", seq)
		}),
	)
}

func expectTicketAndOriginal(mock sqlmock.Sqlmock) {
	now := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM tickets WHERE id").
		WithArgs("ticket-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "ticket_number", "subject", "queue_id", "status_name",
			"assigned_supporter_id", "created_at", "updated_at",
		}).AddRow("ticket-1", "SUP-7", "Printer is on fire", "queue-1", "New", nil, now, now))

	mock.ExpectQuery("FROM items").
		WithArgs("ticket-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "ticket_id", "kind", "message_id", "from_address", "to_address",
			"subject", "body", "received_at", "in_reply_to", "references_list",
			"created_at", "created_by", "source",
		}).AddRow(
			"item-1", "ticket-1", "email", "msg-1@customer.example",
			"alice@customer.example", "support@mailbridge.example",
			"Printer is on fire", "Please send help.", now,
			"", "root@customer.example", now, nil, "customer",
		))
}

func TestDispatchSendsConfirmation(t *testing.T) {
	db, mock := newMockStore(t)
	sender := &fakeSender{}
	d := newTestDispatcher(db, sender)

	mock.ExpectBegin()
	expectTicketAndOriginal(mock)
	mock.ExpectExec("INSERT INTO items").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO item_threads").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := d.Dispatch(context.Background(), &models.Ticket{ID: "ticket-1", TicketNumber: "SUP-7"})
	require.NoError(t, err)

	require.Equal(t, 1, sender.calls)
	assert.Equal(t, "support@mailbridge.example", sender.from)
	assert.Equal(t, []string{"alice@customer.example"}, sender.recipients)

	raw := string(sender.raw)
	assert.Contains(t, raw, "Subject: Ticket created: SUP-7 - Printer is on fire")
	assert.Contains(t, raw, "In-Reply-To: <msg-1@customer.example>")
	assert.Contains(t, raw, "References: <root@customer.example> <msg-1@customer.example>")
	assert.Contains(t, raw, "Message-Id: <fixed-1@mailbridge.example>")
	assert.Contains(t, raw, "#SUP-7")
	// the requester's own words are echoed back
	assert.Contains(t, raw, "Please send help.")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchRollsBackWhenSendFails(t *testing.T) {
	db, mock := newMockStore(t)
	sender := &fakeSender{err: errors.New("relay refused")}
	d := newTestDispatcher(db, sender)

	mock.ExpectBegin()
	expectTicketAndOriginal(mock)
	mock.ExpectExec("INSERT INTO items").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO item_threads").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := d.Dispatch(context.Background(), &models.Ticket{ID: "ticket-1"})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindDispatch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchRequiresOriginalSender(t *testing.T) {
	db, mock := newMockStore(t)
	d := newTestDispatcher(db, &fakeSender{})

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("FROM tickets WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "ticket_number", "subject", "queue_id", "status_name",
			"assigned_supporter_id", "created_at", "updated_at",
		}).AddRow("ticket-1", "SUP-7", "subj", "queue-1", "New", nil, now, now))
	mock.ExpectQuery("FROM items").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "ticket_id", "kind", "message_id", "from_address", "to_address",
			"subject", "body", "received_at", "in_reply_to", "references_list",
			"created_at", "created_by", "source",
		}).AddRow("item-1", "ticket-1", "email", nil, "", "", "s", "b", now, "", "", now, nil, "customer"))
	mock.ExpectRollback()

	err := d.Dispatch(context.Background(), &models.Ticket{ID: "ticket-1"})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindDispatch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequesterName(t *testing.T) {
	assert.Equal(t, "alice", requesterName("alice@customer.example"))
	assert.Equal(t, "bob", requesterName("bob"))
}
