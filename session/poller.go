// Package session polls an issuer service until an authentication session
// started by a QR code scan is resolved.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/iden3/go-onchain-issuance/errs"
	"github.com/iden3/go-onchain-issuance/logging"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 150
)

var log = logging.Module("Session")

var errPending = errors.New("session pending")

// Session is an authentication session created by the issuer service. The
// QR payload is handed to the holder's wallet app as is.
type Session struct {
	ID        string
	QRPayload json.RawMessage
}

type statusKind int

const (
	statusPending statusKind = iota
	statusResolved
	statusExpired
)

// Status is the answer to a single check.
type Status[T any] struct {
	kind  statusKind
	value T
}

func Resolved[T any](v T) Status[T] {
	return Status[T]{kind: statusResolved, value: v}
}

func Pending[T any]() Status[T] {
	return Status[T]{kind: statusPending}
}

// Expired reports that the service gave up on the session.
func Expired[T any]() Status[T] {
	return Status[T]{kind: statusExpired}
}

func (s Status[T]) IsResolved() bool { return s.kind == statusResolved }
func (s Status[T]) IsPending() bool  { return s.kind == statusPending }
func (s Status[T]) IsExpired() bool  { return s.kind == statusExpired }

// Value returns the resolved value, or the zero value if not resolved.
func (s Status[T]) Value() T { return s.value }

type StartFunc func(ctx context.Context) (Session, error)

type CheckFunc[T any] func(ctx context.Context, sessionID string) (Status[T], error)

type options struct {
	interval    time.Duration
	maxAttempts uint
	onCheck     func(attempt uint)
}

type Option func(*options)

// WithInterval sets the fixed delay between checks.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		o.interval = d
	}
}

// WithMaxAttempts bounds the number of checks before the session is
// considered expired.
func WithMaxAttempts(n uint) Option {
	return func(o *options) {
		o.maxAttempts = n
	}
}

// WithCheckHook is called before every check with its 1-based number.
func WithCheckHook(fn func(attempt uint)) Option {
	return func(o *options) {
		o.onCheck = fn
	}
}

// Poller starts a session and checks its status at a fixed interval. It
// runs on the caller's goroutine; the context is the only cancellation
// token.
type Poller[T any] struct {
	start StartFunc
	check CheckFunc[T]
	opts  options
}

func NewPoller[T any](start StartFunc, check CheckFunc[T], opts ...Option) *Poller[T] {
	o := options{
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts == 0 {
		o.maxAttempts = DefaultMaxAttempts
	}
	return &Poller[T]{start: start, check: check, opts: o}
}

// Start creates a new session.
func (p *Poller[T]) Start(ctx context.Context) (Session, error) {
	s, err := p.start(ctx)
	if err != nil {
		return Session{}, err
	}
	if s.ID == "" {
		return Session{}, errs.New(errs.CodeSessionCheckFailed,
			"issuer service returned a session without id")
	}
	return s, nil
}

// Wait checks the session until it resolves. The first check fires one
// interval after the call. Once ctx is done no further check is issued and
// no result is returned.
func (p *Poller[T]) Wait(ctx context.Context, sessionID string) (T, error) {
	var zero T

	timer := time.NewTimer(p.opts.interval)
	select {
	case <-ctx.Done():
		timer.Stop()
		return zero, ctx.Err()
	case <-timer.C:
	}

	var attempt uint
	value, err := retry.DoWithData(
		func() (T, error) {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			attempt++
			if p.opts.onCheck != nil {
				p.opts.onCheck(attempt)
			}
			status, err := p.check(ctx, sessionID)
			if err != nil {
				return zero, errs.Wrap(err, errs.CodeSessionCheckFailed,
					fmt.Sprintf("failed to check session %s", sessionID))
			}
			switch {
			case status.IsResolved():
				return status.Value(), nil
			case status.IsExpired():
				return zero, errs.New(errs.CodeSessionExpired,
					fmt.Sprintf("session %s expired", sessionID))
			default:
				return zero, errPending
			}
		},
		retry.Attempts(p.opts.maxAttempts),
		retry.Delay(p.opts.interval),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errPending)
		}),
	)
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	if errors.Is(err, errPending) {
		return zero, errs.New(errs.CodeSessionExpired,
			fmt.Sprintf("session %s not resolved after %d checks", sessionID, attempt))
	}
	if err != nil {
		log.WithError(err).WithField("session", sessionID).Warn("session polling stopped")
		return zero, err
	}
	log.WithField("session", sessionID).Debugf("session resolved after %d checks", attempt)
	return value, nil
}

// Run starts a session, hands it to present and waits for it to resolve.
func (p *Poller[T]) Run(ctx context.Context, present func(Session) error) (T, error) {
	var zero T
	s, err := p.Start(ctx)
	if err != nil {
		return zero, err
	}
	if present != nil {
		if err := present(s); err != nil {
			return zero, err
		}
	}
	return p.Wait(ctx, s.ID)
}
