package ticketnumber

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// DBStore maintains exactly one row per counter_uid and increments it
// atomically with a dialect-specific upsert:
//
//	Postgres: INSERT ... ON CONFLICT (counter_uid) DO UPDATE ... RETURNING counter
//	MySQL:    INSERT ... ON DUPLICATE KEY UPDATE counter = LAST_INSERT_ID(...)
//	SQLite:   same upsert shape as Postgres (RETURNING supported since 3.35)
//
// Concurrent workers serialize on the counter row inside their transactions,
// so two allocations can never observe the same value.
type DBStore struct {
	dialect string
	uid     string
	clock   func() time.Time
}

// DefaultCounterUID is the per-installation counter scope. Numbering is
// global, not per-queue; the queue prefix only affects formatting.
const DefaultCounterUID = "ticket"

// NewDBStore builds a counter store for the given SQL dialect.
func NewDBStore(dialect, uid string) *DBStore {
	if uid == "" {
		uid = DefaultCounterUID
	}
	return &DBStore{dialect: dialect, uid: uid, clock: time.Now}
}

// Add implements CounterStore. offset must be >= 1.
func (s *DBStore) Add(ctx context.Context, ext sqlx.ExtContext, offset int64) (int64, error) {
	if offset < 1 {
		return 0, errors.New("bad offset")
	}
	now := s.clock().UTC()

	switch s.dialect {
	case "mysql":
		// LAST_INSERT_ID read from the Exec result stays on the same
		// connection, which matters when ext is a pooled *sqlx.DB.
		q := `INSERT INTO ticket_number_counter (counter, counter_uid, create_time)
		      VALUES (?, ?, ?)
		      ON DUPLICATE KEY UPDATE counter = LAST_INSERT_ID(counter + VALUES(counter))`
		res, err := ext.ExecContext(ctx, q, offset, s.uid, now)
		if err != nil {
			return 0, err
		}
		c, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		if c == 0 {
			// First insert: LAST_INSERT_ID is unset until a conflict occurs.
			return offset, nil
		}
		return c, nil
	default:
		q := ext.Rebind(`INSERT INTO ticket_number_counter (counter, counter_uid, create_time)
		      VALUES (?, ?, ?)
		      ON CONFLICT (counter_uid) DO UPDATE SET counter = ticket_number_counter.counter + excluded.counter
		      RETURNING counter`)
		var c int64
		err := ext.QueryRowxContext(ctx, q, offset, s.uid, now).Scan(&c)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, errors.New("counter upsert returned no row")
			}
			return 0, err
		}
		return c, nil
	}
}
