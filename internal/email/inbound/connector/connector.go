// Package connector fetches raw messages from mailboxes and streams them
// into the inbound pipeline.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/mailbridge-io/mailbridge/internal/faults"
)

// Account carries the minimal set of fields a connector needs to open a
// mailbox.
type Account struct {
	Type            string // imap, imaps, pop3, pop3s
	Host            string
	Port            int
	Username        string
	Password        []byte
	Folder          string
	DeleteOnSuccess bool
	// BatchLimit caps how many messages one fetch cycle hands to the
	// handler. Zero means no cap.
	BatchLimit int
}

// FetchedMessage wraps the on-wire RFC822 payload plus derived metadata.
type FetchedMessage struct {
	Connector  string
	UID        string
	RemoteID   string
	ReceivedAt time.Time
	SizeBytes  int64
	Raw        []byte
	Metadata   map[string]string
}

// Handler receives fully fetched messages. Message-scoped errors (parse,
// allocation) make the fetcher skip that message and keep going; any other
// error aborts the fetch.
type Handler interface {
	Handle(ctx context.Context, msg *FetchedMessage) error
}

// Fetcher implementations (IMAP, POP3) stream unseen messages to a handler.
// Messages are acknowledged (seen/deleted) only after the handler returns,
// which gives at-least-once delivery; the store's idempotency absorbs the
// resulting duplicates.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, account Account, handler Handler) error
}

// isMessageFault reports whether a handler error concerns only the one
// message. Such failures never abort the batch: the fetcher skips the
// message, leaves it unacknowledged, and moves on. Everything else counts
// as a batch-level problem (store or gateway unreachable) and aborts the
// cycle.
func isMessageFault(err error) bool {
	switch faults.KindOf(err) {
	case faults.KindParse, faults.KindAllocation:
		return true
	default:
		return false
	}
}

func buildRemoteID(account Account, uid string) string {
	if account.Username == "" {
		return fmt.Sprintf("%s:%s", account.Host, uid)
	}
	return fmt.Sprintf("%s@%s:%s", account.Username, account.Host, uid)
}
