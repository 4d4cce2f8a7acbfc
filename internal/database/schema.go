package database

import (
	"context"
	"fmt"
	"strings"
)

// schemaStatements is the minimal schema the pipeline needs. Types stay in
// the portable subset shared by Postgres, MySQL, and SQLite; UNIQUE columns
// use VARCHAR so MySQL can index them.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS queues (
		id VARCHAR(36) PRIMARY KEY,
		name VARCHAR(200) NOT NULL,
		prefix VARCHAR(10) NOT NULL,
		description VARCHAR(500)
	)`,
	`CREATE TABLE IF NOT EXISTS supporters (
		id VARCHAR(36) PRIMARY KEY,
		email VARCHAR(255) NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id VARCHAR(36) PRIMARY KEY,
		ticket_number VARCHAR(50) NOT NULL UNIQUE,
		subject VARCHAR(500) NOT NULL,
		queue_id VARCHAR(36) NOT NULL,
		status_name VARCHAR(50) NOT NULL,
		assigned_supporter_id VARCHAR(36),
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS items (
		id VARCHAR(36) PRIMARY KEY,
		ticket_id VARCHAR(36),
		kind VARCHAR(10) NOT NULL,
		message_id VARCHAR(255),
		from_address VARCHAR(255),
		to_address VARCHAR(255),
		subject VARCHAR(500),
		body TEXT,
		received_at TIMESTAMP,
		in_reply_to VARCHAR(255),
		references_list TEXT,
		created_at TIMESTAMP NOT NULL,
		created_by VARCHAR(36),
		source VARCHAR(20) NOT NULL,
		CONSTRAINT items_message_id_unique UNIQUE (message_id)
	)`,
	`CREATE TABLE IF NOT EXISTS item_threads (
		parent_item_id VARCHAR(36) NOT NULL,
		child_item_id VARCHAR(36) NOT NULL,
		PRIMARY KEY (parent_item_id, child_item_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_assignments (
		id VARCHAR(36) PRIMARY KEY,
		ticket_id VARCHAR(36) NOT NULL,
		supporter_id VARCHAR(36) NOT NULL,
		CONSTRAINT ticket_assignments_unique UNIQUE (ticket_id, supporter_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_number_counter (
		counter BIGINT NOT NULL,
		counter_uid VARCHAR(100) NOT NULL UNIQUE,
		create_time TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS status_definitions (
		id VARCHAR(36) PRIMARY KEY,
		name VARCHAR(100) NOT NULL UNIQUE,
		base_status VARCHAR(20) NOT NULL,
		description VARCHAR(500)
	)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so re-running these surfaces a
// duplicate-key-name error we swallow below.
var indexStatements = []string{
	`CREATE INDEX idx_items_ticket_id ON items (ticket_id)`,
	`CREATE INDEX idx_tickets_supporter ON tickets (assigned_supporter_id)`,
}

// EnsureSchema applies the schema idempotently. Intended for the migrate
// command and for test databases; production installs normally run it once.
func (d *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := d.ExecContext(ctx, stmt); err != nil && !indexExists(err) {
			return fmt.Errorf("apply index: %w", err)
		}
	}
	return nil
}

func indexExists(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "Duplicate key name")
}
