package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mailbridge-io/mailbridge/internal/database"
	"github.com/mailbridge-io/mailbridge/internal/models"
)

// SupporterRepository picks assignees for new tickets.
type SupporterRepository struct {
	db *database.DB
}

// NewSupporterRepository creates the repository bound to a store handle.
func NewSupporterRepository(db *database.DB) *SupporterRepository {
	return &SupporterRepository{db: db}
}

// LeastLoaded returns the supporter with the fewest non-Closed assigned
// tickets; ties break on supporter id so the pick is stable. ErrNotFound
// means no supporters exist, which callers treat as "leave unassigned".
func (r *SupporterRepository) LeastLoaded(ctx context.Context, ext sqlx.ExtContext) (*models.Supporter, error) {
	q := ext.Rebind(`SELECT s.id, s.email
		FROM supporters s
		ORDER BY
			(SELECT COUNT(*) FROM tickets t
			 WHERE t.assigned_supporter_id = s.id AND t.status_name != ?),
			s.id
		LIMIT 1`)

	var supporter models.Supporter
	err := sqlx.GetContext(ctx, ext, &supporter, q, models.StatusClosed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("least loaded supporter: %w", err)
	}
	return &supporter, nil
}
