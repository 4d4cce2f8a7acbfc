package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/go-pop3"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

type pop3ConnFactory func(Account) (pop3Connection, error)

// POP3Fetcher streams POP3/POP3S mailboxes into the inbound pipeline.
// POP3 has no seen flag, so handled messages are always deleted; otherwise
// each cycle would re-deliver the whole mailbox.
type POP3Fetcher struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
	newConn     pop3ConnFactory
}

// POP3FetcherOption customizes fetcher behavior.
type POP3FetcherOption func(*POP3Fetcher)

// NewPOP3Fetcher returns a POP3 connector ready for polling.
func NewPOP3Fetcher(opts ...POP3FetcherOption) *POP3Fetcher {
	f := &POP3Fetcher{
		dialTimeout: 5 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	f.newConn = f.defaultConnFactory
	for _, opt := range opts {
		opt(f)
	}
	if f.newConn == nil {
		f.newConn = f.defaultConnFactory
	}
	return f
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger *slog.Logger) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		f.newConn = factory
	}
}

// WithPOP3Clock overrides the wall clock, primarily for tests.
func WithPOP3Clock(now func() time.Time) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// Name returns the connector identifier.
func (f *POP3Fetcher) Name() string {
	return "pop3"
}

// Fetch drains a POP3 mailbox and hands each message to the provided handler.
// A message is deleted only after its handler returns nil, so a crash mid-batch
// re-delivers unhandled mail on the next cycle.
func (f *POP3Fetcher) Fetch(ctx context.Context, account Account, handler Handler) error {
	if handler == nil {
		return errors.New("pop3 fetcher requires a handler")
	}
	if err := validatePOP3Account(account); err != nil {
		return err
	}

	conn, err := f.newConn(account)
	if err != nil {
		return fmt.Errorf("pop3 connect: %w", err)
	}
	defer f.safeQuit(conn)

	if err := conn.Auth(account.Username, string(account.Password)); err != nil {
		return fmt.Errorf("pop3 auth: %w", err)
	}

	msgs, err := conn.Uidl(0)
	if err != nil {
		return fmt.Errorf("pop3 uidl: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	if account.BatchLimit > 0 && len(msgs) > account.BatchLimit {
		msgs = msgs[:account.BatchLimit]
	}

	for _, meta := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		payload, err := conn.RetrRaw(meta.ID)
		if err != nil {
			return fmt.Errorf("pop3 retr %d: %w", meta.ID, err)
		}

		uid := meta.UID
		if uid == "" {
			uid = strconv.Itoa(meta.ID)
		}
		raw := append([]byte(nil), payload.Bytes()...)
		msg := &FetchedMessage{
			Connector:  f.Name(),
			UID:        uid,
			RemoteID:   buildRemoteID(account, uid),
			ReceivedAt: f.now(),
			SizeBytes:  int64(len(raw)),
			Raw:        raw,
			Metadata: map[string]string{
				"uidl":    uid,
				"pop3_id": strconv.Itoa(meta.ID),
			},
		}
		if meta.Size > 0 {
			msg.Metadata["reported_size"] = strconv.Itoa(meta.Size)
		}

		if err := handler.Handle(ctx, msg); err != nil {
			if isMessageFault(err) {
				f.logger.Warn("message failed, left in mailbox for next cycle",
					"uid", uid,
					"error", err)
				continue
			}
			return fmt.Errorf("inbound handler failed for %s: %w", uid, err)
		}
		if err := conn.Dele(meta.ID); err != nil {
			return fmt.Errorf("pop3 delete %d: %w", meta.ID, err)
		}
	}

	return nil
}

func (f *POP3Fetcher) safeQuit(conn pop3Connection) {
	if conn == nil {
		return
	}
	if err := conn.Quit(); err != nil && f.logger != nil {
		f.logger.Warn("pop3 quit error", "error", err)
	}
}

func (f *POP3Fetcher) defaultConnFactory(account Account) (pop3Connection, error) {
	if account.Host == "" {
		return nil, errors.New("pop3 account missing host")
	}
	port := account.Port
	if port == 0 {
		if usePOP3TLS(account.Type) {
			port = 995
		} else {
			port = 110
		}
	}
	client := pop3.New(pop3.Opt{
		Host:        account.Host,
		Port:        port,
		DialTimeout: f.dialTimeout,
		TLSEnabled:  usePOP3TLS(account.Type),
	})
	return client.NewConn()
}

func validatePOP3Account(account Account) error {
	if account.Username == "" {
		return errors.New("pop3 account missing username")
	}
	if len(account.Password) == 0 {
		return errors.New("pop3 account missing password")
	}
	if !supportsPOP3(account.Type) {
		return fmt.Errorf("account type %s not supported by POP3 connector", account.Type)
	}
	return nil
}

func supportsPOP3(t string) bool {
	switch strings.ToLower(t) {
	case "pop3", "pop3s":
		return true
	default:
		return false
	}
}

func usePOP3TLS(t string) bool {
	return strings.ToLower(t) == "pop3s"
}
