package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailbridge-io/mailbridge/internal/database"
	"github.com/mailbridge-io/mailbridge/internal/faults"
	"github.com/mailbridge-io/mailbridge/internal/models"
)

func newMockDB(t *testing.T, driver string) (*database.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return database.NewWithDB(sqlx.NewDb(raw, driver), driver), mock
}

func TestItemInsertFillsDefaults(t *testing.T) {
	db, mock := newMockDB(t, "postgres")
	repo := NewItemRepository(db)

	mock.ExpectExec("INSERT INTO items").WillReturnResult(sqlmock.NewResult(0, 1))

	item := &models.Item{
		FromAddress: "alice@customer.example",
		Subject:     "help",
		ReceivedAt:  time.Now().UTC(),
	}
	require.NoError(t, repo.Insert(context.Background(), db, item))
	assert.NotEmpty(t, item.ID)
	assert.False(t, item.CreatedAt.IsZero())
	assert.Equal(t, models.ItemKindEmail, item.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemInsertDuplicateMessageID(t *testing.T) {
	db, mock := newMockDB(t, "postgres")
	repo := NewItemRepository(db)

	mock.ExpectExec("INSERT INTO items").WillReturnError(&pq.Error{Code: "23505"})

	msgID := "msg-1@customer.example"
	err := repo.Insert(context.Background(), db, &models.Item{MessageID: &msgID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateMessage))
	assert.True(t, faults.Is(err, faults.KindConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindThreadMatchRanksInReplyToFirst(t *testing.T) {
	db, mock := newMockDB(t, "postgres")
	repo := NewItemRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("CASE WHEN message_id = ")).
		WithArgs("root@x", "msg-1@x", "msg-1@x").
		WillReturnRows(sqlmock.NewRows([]string{"id", "ticket_id", "message_id"}).
			AddRow("item-1", "ticket-1", "msg-1@x"))

	match, err := repo.FindThreadMatch(context.Background(), db, []string{"root@x", "msg-1@x"}, "msg-1@x")
	require.NoError(t, err)
	assert.Equal(t, "item-1", match.ItemID)
	require.NotNil(t, match.TicketID)
	assert.Equal(t, "ticket-1", *match.TicketID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindThreadMatchNoCandidates(t *testing.T) {
	db, _ := newMockDB(t, "postgres")
	repo := NewItemRepository(db)

	_, err := repo.FindThreadMatch(context.Background(), db, nil, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLinkThreadDuplicateEdgeIsNoOp(t *testing.T) {
	db, mock := newMockDB(t, "postgres")
	repo := NewItemRepository(db)

	mock.ExpectExec("INSERT INTO item_threads").WillReturnError(&pq.Error{Code: "23505"})

	require.NoError(t, repo.LinkThread(context.Background(), db, "parent", "child"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachTicket(t *testing.T) {
	db, mock := newMockDB(t, "postgres")
	repo := NewItemRepository(db)

	mock.ExpectExec("UPDATE items SET ticket_id").
		WithArgs("ticket-1", "item-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.AttachTicket(context.Background(), db, "item-1", "ticket-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistsByMessageID(t *testing.T) {
	db, mock := newMockDB(t, "postgres")
	repo := NewItemRepository(db)

	mock.ExpectQuery("SELECT 1 FROM items").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	exists, err := repo.ExistsByMessageID(context.Background(), db, "msg-1@x")
	require.NoError(t, err)
	assert.True(t, exists)

	mock.ExpectQuery("SELECT 1 FROM items").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	exists, err = repo.ExistsByMessageID(context.Background(), db, "msg-2@x")
	require.NoError(t, err)
	assert.False(t, exists)

	// empty id never hits the store
	exists, err = repo.ExistsByMessageID(context.Background(), db, "")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestEmailForTicketExcludesOutbound(t *testing.T) {
	db, mock := newMockDB(t, "postgres")
	repo := NewItemRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("source = 'customer'")).
		WithArgs("ticket-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "ticket_id", "kind", "message_id", "from_address", "to_address",
			"subject", "body", "received_at", "in_reply_to", "references_list",
			"created_at", "created_by", "source",
		}).AddRow("item-1", "ticket-1", "email", "msg-1@x", "alice@x", "support@x",
			"s", "b", now, "", "", now, nil, "customer"))

	item, err := repo.LatestEmailForTicket(context.Background(), db, "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, "alice@x", item.FromAddress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemReferencesRoundTrip(t *testing.T) {
	item := &models.Item{}
	item.SetReferences([]string{"a@x", "b@x"})
	assert.Equal(t, "a@x b@x", item.ReferencesList)
	assert.Equal(t, []string{"a@x", "b@x"}, item.References())
}
