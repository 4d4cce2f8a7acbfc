package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailbridge-io/mailbridge/internal/database"
	"github.com/mailbridge-io/mailbridge/internal/models"
)

// Default queue created lazily when an installation has none configured.
const (
	DefaultQueueName   = "Support"
	DefaultQueuePrefix = "SUP"
)

// QueueRepository reads routing queues. The core assumes a single queue;
// selection among several is deliberately out of scope.
type QueueRepository struct {
	db *database.DB
}

// NewQueueRepository creates the repository bound to a store handle.
func NewQueueRepository(db *database.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// First returns the first configured queue.
func (r *QueueRepository) First(ctx context.Context, ext sqlx.ExtContext) (*models.Queue, error) {
	q := ext.Rebind(`SELECT id, name, prefix, description FROM queues ORDER BY name LIMIT 1`)

	var queue models.Queue
	err := sqlx.GetContext(ctx, ext, &queue, q)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("first queue: %w", err)
	}
	return &queue, nil
}

// EnsureDefault returns the first queue, creating the default one when the
// installation has none. Racing creators are resolved by re-reading.
func (r *QueueRepository) EnsureDefault(ctx context.Context, ext sqlx.ExtContext) (*models.Queue, error) {
	queue, err := r.First(ctx, ext)
	if err == nil {
		return queue, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	created := &models.Queue{
		ID:     uuid.NewString(),
		Name:   DefaultQueueName,
		Prefix: DefaultQueuePrefix,
	}
	ins := ext.Rebind(`INSERT INTO queues (id, name, prefix, description) VALUES (?, ?, ?, ?)`)
	if _, err := ext.ExecContext(ctx, ins, created.ID, created.Name, created.Prefix, created.Description); err != nil {
		if database.IsDuplicateKey(err) {
			return r.First(ctx, ext)
		}
		return nil, fmt.Errorf("create default queue: %w", err)
	}
	return created, nil
}
