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

// StatusRepository manages installation-defined ticket statuses and their
// base lifecycle buckets.
type StatusRepository struct {
	db *database.DB
}

// NewStatusRepository creates the repository bound to a store handle.
func NewStatusRepository(db *database.DB) *StatusRepository {
	return &StatusRepository{db: db}
}

// Create registers a named status mapped to a base bucket.
func (r *StatusRepository) Create(ctx context.Context, ext sqlx.ExtContext, name string, base models.BaseStatus, description *string) (*models.StatusDefinition, error) {
	def := &models.StatusDefinition{
		ID:          uuid.NewString(),
		Name:        name,
		BaseStatus:  base,
		Description: description,
	}
	q := ext.Rebind(`INSERT INTO status_definitions (id, name, base_status, description) VALUES (?, ?, ?, ?)`)
	if _, err := ext.ExecContext(ctx, q, def.ID, def.Name, def.BaseStatus, def.Description); err != nil {
		if database.IsDuplicateKey(err) {
			return nil, fmt.Errorf("status %q: already defined", name)
		}
		return nil, fmt.Errorf("create status %q: %w", name, err)
	}
	return def, nil
}

// BaseStatusFor resolves the base bucket behind a status name.
func (r *StatusRepository) BaseStatusFor(ctx context.Context, ext sqlx.ExtContext, name string) (models.BaseStatus, error) {
	q := ext.Rebind(`SELECT base_status FROM status_definitions WHERE name = ?`)
	var base models.BaseStatus
	err := sqlx.GetContext(ctx, ext, &base, q, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("base status for %q: %w", name, err)
	}
	return base, nil
}

// List returns all statuses ordered by base bucket then name.
func (r *StatusRepository) List(ctx context.Context, ext sqlx.ExtContext) ([]models.StatusDefinition, error) {
	q := `SELECT id, name, base_status, description
		FROM status_definitions
		ORDER BY base_status, name`

	var defs []models.StatusDefinition
	if err := sqlx.SelectContext(ctx, ext, &defs, q); err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	return defs, nil
}
