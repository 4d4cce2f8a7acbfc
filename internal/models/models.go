// Package models holds the persisted row types shared across repositories.
package models

import (
	"strings"
	"time"
)

// ItemKind discriminates inbound/outbound emails from internal comments.
type ItemKind string

const (
	ItemKindEmail   ItemKind = "email"
	ItemKindComment ItemKind = "comment"
)

// ItemSource records which side of the conversation produced an item.
type ItemSource string

const (
	ItemSourceCustomer  ItemSource = "customer"
	ItemSourceSupporter ItemSource = "supporter"
)

// Ticket status names used by the core. Installations may define more via
// status_definitions; the core only ever writes StatusNew.
const (
	StatusNew    = "New"
	StatusClosed = "Closed"
)

// BaseStatus is the coarse lifecycle bucket a named status maps to.
type BaseStatus string

const (
	BaseOpen    BaseStatus = "Open"
	BaseDoing   BaseStatus = "Doing"
	BaseWaiting BaseStatus = "Waiting"
	BaseClosed  BaseStatus = "Closed"
)

// Item is one message unit, inbound or outbound, eventually attached to a
// ticket. Email items carry a message id that is unique store-wide; that
// constraint is the idempotency boundary for duplicate delivery.
type Item struct {
	ID             string     `db:"id"`
	TicketID       *string    `db:"ticket_id"`
	Kind           ItemKind   `db:"kind"`
	MessageID      *string    `db:"message_id"`
	FromAddress    string     `db:"from_address"`
	ToAddress      string     `db:"to_address"`
	Subject        string     `db:"subject"`
	Body           string     `db:"body"`
	ReceivedAt     time.Time  `db:"received_at"`
	InReplyTo      string     `db:"in_reply_to"`
	ReferencesList string     `db:"references_list"`
	CreatedAt      time.Time  `db:"created_at"`
	CreatedBy      *string    `db:"created_by"`
	Source         ItemSource `db:"source"`
}

// References splits the stored space-joined reference list.
func (i *Item) References() []string {
	if i.ReferencesList == "" {
		return nil
	}
	return strings.Fields(i.ReferencesList)
}

// SetReferences stores the reference list in its space-joined column form.
func (i *Item) SetReferences(refs []string) {
	i.ReferencesList = strings.Join(refs, " ")
}

// Ticket is the case record grouping related items.
type Ticket struct {
	ID                  string    `db:"id"`
	TicketNumber        string    `db:"ticket_number"`
	Subject             string    `db:"subject"`
	QueueID             string    `db:"queue_id"`
	StatusName          string    `db:"status_name"`
	AssignedSupporterID *string   `db:"assigned_supporter_id"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

// Queue is a routing bucket whose prefix forms part of the ticket number.
type Queue struct {
	ID          string  `db:"id"`
	Name        string  `db:"name"`
	Prefix      string  `db:"prefix"`
	Description *string `db:"description"`
}

// Supporter is a candidate assignee.
type Supporter struct {
	ID    string `db:"id"`
	Email string `db:"email"`
}

// TicketAssignment is the append-only record of who was assigned when.
type TicketAssignment struct {
	ID          string `db:"id"`
	TicketID    string `db:"ticket_id"`
	SupporterID string `db:"supporter_id"`
}

// ItemThread is a parent->child reply edge between two items. Edges form a
// forest: this core records at most one parent per child and only ever adds
// edges whose parent predates the child.
type ItemThread struct {
	ParentItemID string `db:"parent_item_id"`
	ChildItemID  string `db:"child_item_id"`
}

// StatusDefinition maps an installation-defined status name onto a base
// lifecycle bucket.
type StatusDefinition struct {
	ID          string     `db:"id"`
	Name        string     `db:"name"`
	BaseStatus  BaseStatus `db:"base_status"`
	Description *string    `db:"description"`
}
