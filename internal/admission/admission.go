// Package admission is the per-request entry point of the quota engine. It
// checks that the caller presented a known API key, resolves the key's tier,
// runs the tier limiter and reports the outcome.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/quotagate/internal/account"
	"github.com/AlexKimmel/quotagate/internal/clock"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/tier"
)

// FailurePolicy decides what happens when the shared store cannot be reached.
type FailurePolicy string

const (
	// FailClosed rejects the request with ErrStoreUnavailable.
	FailClosed FailurePolicy = "closed"
	// FailOpen admits the request and marks its metadata as degraded.
	FailOpen FailurePolicy = "open"
)

// ParseFailurePolicy accepts "open" or "closed".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case FailClosed, FailOpen:
		return p, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// Metadata describes the quota state of the caller after a request. It is
// filled in whenever the tier limiter ran, admitted or not.
type Metadata struct {
	Tier         string
	Limit        int
	Remaining    int
	ResetUnixSec int64
	// Degraded is set when the request was admitted without consulting the
	// shared store (FailOpen).
	Degraded bool
}

// Recorder counts admission outcomes.
type Recorder interface {
	Admission(tier, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) Admission(string, string) {}

// Outcome labels passed to Recorder.
const (
	OutcomeAllowed     = "allowed"
	OutcomeDenied      = "denied"
	OutcomeFailedOpen  = "failed_open"
	OutcomeUnavailable = "unavailable"
)

// Orchestrator admits requests. It holds no per-request state and is safe for
// concurrent use.
type Orchestrator struct {
	accounts account.Directory
	resolver *tier.Resolver
	limiter  ratelimit.TierLimiter
	now      clock.TimeSource
	policy   FailurePolicy
	log      zerolog.Logger
	rec      Recorder
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the system clock.
func WithClock(ts clock.TimeSource) Option {
	return func(o *Orchestrator) { o.now = ts }
}

// WithFailurePolicy sets the store failure policy. The default is FailClosed.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.rec = r
		}
	}
}

// New returns an Orchestrator.
func New(accounts account.Directory, resolver *tier.Resolver, limiter ratelimit.TierLimiter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		accounts: accounts,
		resolver: resolver,
		limiter:  limiter,
		now:      clock.System,
		policy:   FailClosed,
		log:      zerolog.Nop(),
		rec:      noopRecorder{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Admit decides whether the caller holding identity may proceed. The returned
// Metadata is valid whenever the limiter ran, including on ErrQuotaExceeded.
func (o *Orchestrator) Admit(ctx context.Context, identity string) (Metadata, error) {
	if identity == "" {
		return Metadata{}, ErrMissingIdentity
	}

	acct, err := o.accounts.Find(ctx, identity)
	switch {
	case errors.Is(err, account.ErrNotFound):
		return Metadata{}, ErrUnknownIdentity
	case err != nil:
		o.log.Error().Err(err).Msg("admission: account lookup failed")
		return Metadata{}, wrap(ErrDirectoryUnavailable, err)
	}

	t := o.resolver.ResolveAccount(ctx, acct)
	dec, err := o.limiter.Check(ctx, identity, t.Name)
	if err != nil {
		return o.storeFailure(t, err)
	}

	md := Metadata{
		Tier:         t.Name,
		Limit:        dec.Limit,
		Remaining:    dec.Remaining,
		ResetUnixSec: dec.ResetUnixSec,
	}
	if !dec.Allowed {
		o.rec.Admission(t.Name, OutcomeDenied)
		retry := time.Duration(max(0, dec.ResetUnixSec-o.now.Now().Unix())) * time.Second
		o.log.Debug().Str("tier", t.Name).Dur("retry_after", retry).Msg("admission: quota exceeded")
		return md, quotaExceeded(retry)
	}
	o.rec.Admission(t.Name, OutcomeAllowed)
	return md, nil
}

func (o *Orchestrator) storeFailure(t tier.Tier, err error) (Metadata, error) {
	if o.policy == FailOpen {
		o.rec.Admission(t.Name, OutcomeFailedOpen)
		o.log.Warn().Err(err).Str("tier", t.Name).Msg("admission: store unavailable, failing open")
		return Metadata{
			Tier:         t.Name,
			Limit:        t.Limit,
			Remaining:    t.Limit,
			ResetUnixSec: o.now.Now().Add(t.Period).Unix(),
			Degraded:     true,
		}, nil
	}
	o.rec.Admission(t.Name, OutcomeUnavailable)
	o.log.Error().Err(err).Str("tier", t.Name).Msg("admission: store unavailable")
	return Metadata{}, wrap(ErrStoreUnavailable, err)
}
