package connector

import (
	"context"
	"testing"
)

type noopFetcher struct{}

func (noopFetcher) Name() string { return "noop" }

func (noopFetcher) Fetch(ctx context.Context, account Account, handler Handler) error { return nil }

func TestFactoryReturnsRegisteredFetcher(t *testing.T) {
	factory := NewFactory(WithFetcher(noopFetcher{}, "Pop3"))

	fetcher, err := factory.FetcherFor(Account{Type: "POP3"})
	if err != nil {
		t.Fatalf("expected fetcher, got error %v", err)
	}
	if fetcher.Name() != "noop" {
		t.Fatalf("unexpected fetcher %s", fetcher.Name())
	}
}

func TestFactoryRejectsUnknownType(t *testing.T) {
	factory := DefaultFactory()
	if _, err := factory.FetcherFor(Account{Type: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected error for unknown account type")
	}
}

func TestDefaultFactoryKnowsBuiltins(t *testing.T) {
	factory := DefaultFactory()
	for _, typ := range []string{"imap", "imaps", "pop3", "pop3s"} {
		if _, err := factory.FetcherFor(Account{Type: typ}); err != nil {
			t.Fatalf("expected builtin fetcher for %s, got %v", typ, err)
		}
	}
}
