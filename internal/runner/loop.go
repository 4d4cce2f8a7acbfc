// Package runner drives the fetch/process cycle on a fixed cadence.
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/mailbridge-io/mailbridge/internal/config"
	"github.com/mailbridge-io/mailbridge/internal/email/inbound/connector"
	"github.com/mailbridge-io/mailbridge/internal/faults"
)

const (
	defaultInterval      = 10 * time.Second
	defaultErrorBackoff  = time.Minute
	defaultConfigBackoff = 5 * time.Minute
)

// Loop polls the inbound mailbox and pushes each message through the
// handler. A clean cycle schedules the next one at the normal interval;
// failures stretch the pause so a broken mailbox or store is not hammered.
// Configuration faults get the longest backoff since they need an operator.
type Loop struct {
	factory connector.Factory
	account connector.Account
	handler connector.Handler
	cfg     config.ProcessingConfig
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
}

// LoopOption customizes Loop.
type LoopOption func(*Loop)

// NewLoop wires the polling loop.
func NewLoop(
	factory connector.Factory,
	account connector.Account,
	handler connector.Handler,
	cfg config.ProcessingConfig,
	opts ...LoopOption,
) *Loop {
	l := &Loop{
		factory: factory,
		account: account,
		handler: handler,
		cfg:     cfg,
		logger:  slog.Default(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// WithLoopLogger overrides the logger.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func withLoopSleep(sleep func(context.Context, time.Duration) error) LoopOption {
	return func(l *Loop) {
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// Run cycles until the context is cancelled. The cancellation error is
// swallowed: shutdown is the expected way out.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("inbound loop started",
		"account_type", l.account.Type,
		"host", l.account.Host,
		"interval", l.interval())

	for {
		pause := l.runCycle(ctx)
		if err := l.sleep(ctx, pause); err != nil {
			l.logger.Info("inbound loop stopped")
			return nil
		}
	}
}

// runCycle executes one fetch and returns how long to pause before the next.
func (l *Loop) runCycle(ctx context.Context) time.Duration {
	fetcher, err := l.factory.FetcherFor(l.account)
	if err != nil {
		l.logger.Error("no connector for account",
			"account_type", l.account.Type,
			"error", err)
		return l.configBackoff()
	}

	start := time.Now()
	err = fetcher.Fetch(ctx, l.account, l.handler)
	elapsed := time.Since(start)
	if err == nil {
		l.logger.Debug("cycle complete", "duration", elapsed)
		return l.interval()
	}
	if ctx.Err() != nil {
		return 0
	}

	switch faults.KindOf(err) {
	case faults.KindConfiguration:
		l.logger.Error("cycle failed on configuration, backing off",
			"backoff", l.configBackoff(),
			"error", err)
		return l.configBackoff()
	default:
		l.logger.Error("cycle failed, backing off",
			"backoff", l.errorBackoff(),
			"error", err)
		return l.errorBackoff()
	}
}

func (l *Loop) interval() time.Duration {
	if l.cfg.Interval > 0 {
		return l.cfg.Interval
	}
	return defaultInterval
}

func (l *Loop) errorBackoff() time.Duration {
	if l.cfg.ErrorBackoff > 0 {
		return l.cfg.ErrorBackoff
	}
	return defaultErrorBackoff
}

func (l *Loop) configBackoff() time.Duration {
	if l.cfg.ConfigBackoff > 0 {
		return l.cfg.ConfigBackoff
	}
	return defaultConfigBackoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
