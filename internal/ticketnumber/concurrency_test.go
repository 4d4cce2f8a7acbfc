package ticketnumber

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func openSQLiteDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "counters.db") + "?_busy_timeout=10000"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Single writer connection; contention happens in the pool, not as
	// SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE ticket_number_counter (
		counter BIGINT NOT NULL,
		counter_uid VARCHAR(100) NOT NULL UNIQUE,
		create_time TIMESTAMP NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create counter table: %v", err)
	}
	return db
}

func TestConcurrentNextYieldsUniqueNumbers(t *testing.T) {
	db := openSQLiteDB(t)
	gen := NewPrefixIncrement(NewDBStore("sqlite3", ""))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(map[string]struct{})
	var mu sync.Mutex
	n := 40
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tn, err := gen.Next(ctx, db, "SUP")
			if err != nil {
				t.Errorf("next failed: %v", err)
				return
			}
			mu.Lock()
			if _, ok := results[tn]; ok {
				t.Errorf("duplicate %s", tn)
			} else {
				results[tn] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(results) != n {
		t.Fatalf("expected %d unique got %d", n, len(results))
	}

	// No allocation rolled back, so the counter must land exactly on n:
	// every value handed out, none skipped.
	var counter int64
	if err := db.Get(&counter, `SELECT counter FROM ticket_number_counter WHERE counter_uid = ?`, DefaultCounterUID); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if counter != int64(n) {
		t.Fatalf("expected counter %d got %d", n, counter)
	}
	for i := 1; i <= n; i++ {
		if _, ok := results[fmt.Sprintf("SUP-%d", i)]; !ok {
			t.Errorf("missing SUP-%d", i)
		}
	}
}
