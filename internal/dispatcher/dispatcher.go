// Package dispatcher builds, signs and submits one probe per qualifying
// slot, concurrently, and collects every outcome.
package dispatcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/leaderprobe/internal/blockhash"
	"github.com/gateway-fm/leaderprobe/internal/rpc"
	"github.com/gateway-fm/leaderprobe/internal/txbuilder"
)

// ErrDuplicateSignature is recorded when a probe signature repeats within a run.
var ErrDuplicateSignature = errors.New("duplicate probe signature")

// maxBuildAttempts bounds rebuilds after a signature collision.
const maxBuildAttempts = 3

// TokenSource provides the blockhash to sign against.
type TokenSource interface {
	Current() (blockhash.Token, error)
}

// ProbeBuilder builds a signed probe. *txbuilder.Builder satisfies it.
type ProbeBuilder interface {
	Build(blockhash solana.Hash) (*txbuilder.Probe, error)
}

// Submitter sends a serialized transaction. rpc.Client satisfies it.
type Submitter interface {
	SendTransaction(ctx context.Context, rawTx []byte, opts rpc.SendOptions) (solana.Signature, error)
}

// Outcome is the immutable record of one dispatch.
type Outcome struct {
	Slot           uint64
	Signature      solana.Signature
	Memo           string
	Blockhash      solana.Hash
	StaleBlockhash bool
	SubmittedAt    time.Time
	// Err is non-nil when the probe was never accepted by the endpoint.
	Err error
}

// Sent reports whether the endpoint accepted the probe.
func (o Outcome) Sent() bool {
	return o.Err == nil
}

// Config for creating a Dispatcher.
type Config struct {
	Submitter Submitter
	Builder   ProbeBuilder
	Tokens    TokenSource
	// MaxInFlight caps concurrent submissions; 0 means unbounded.
	MaxInFlight int
	SendOptions rpc.SendOptions
	// OnOutcome, if set, is called from the worker goroutine after each dispatch.
	OnOutcome func(Outcome)
	Logger    *slog.Logger
}

// Dispatcher fans out one unit of work per slot. A failed unit never
// affects the others; its error is kept in the Outcome.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	group  errgroup.Group

	mu       sync.Mutex
	outcomes []Outcome
	seen     map[solana.Signature]struct{}

	inFlight   atomic.Int64
	dispatched atomic.Int64
	failed     atomic.Int64
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Submitter == nil || cfg.Builder == nil || cfg.Tokens == nil {
		return nil, errors.New("dispatcher needs a submitter, builder and token source")
	}
	if cfg.MaxInFlight < 0 {
		return nil, fmt.Errorf("max in-flight must not be negative, got %d", cfg.MaxInFlight)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Dispatcher{
		cfg:    cfg,
		logger: cfg.Logger,
		seen:   make(map[solana.Signature]struct{}),
	}
	if cfg.MaxInFlight > 0 {
		d.group.SetLimit(cfg.MaxInFlight)
	}
	return d, nil
}

// Dispatch starts the probe for slot. It returns immediately unless
// MaxInFlight submissions are outstanding, in which case it waits for
// one to finish. Cancelling ctx does not abandon the submission.
func (d *Dispatcher) Dispatch(ctx context.Context, slot uint64) {
	sendCtx := context.WithoutCancel(ctx)
	d.dispatched.Add(1)
	d.group.Go(func() error {
		d.inFlight.Add(1)
		defer d.inFlight.Add(-1)

		out := d.send(sendCtx, slot)
		if out.Err != nil {
			d.failed.Add(1)
		}

		d.mu.Lock()
		d.outcomes = append(d.outcomes, out)
		d.mu.Unlock()

		if d.cfg.OnOutcome != nil {
			d.cfg.OnOutcome(out)
		}
		return nil
	})
}

func (d *Dispatcher) send(ctx context.Context, slot uint64) Outcome {
	out := Outcome{Slot: slot}

	tok, err := d.cfg.Tokens.Current()
	if err != nil {
		out.Err = fmt.Errorf("blockhash: %w", err)
		d.logger.Warn("probe not sent", "slot", slot, "error", out.Err)
		return out
	}
	out.Blockhash = tok.Hash
	out.StaleBlockhash = tok.Stale

	probe, err := d.build(tok.Hash)
	if err != nil {
		out.Err = err
		d.logger.Warn("probe not sent", "slot", slot, "error", err)
		return out
	}
	out.Signature = probe.Signature
	out.Memo = probe.Memo

	out.SubmittedAt = time.Now()
	sig, err := d.cfg.Submitter.SendTransaction(ctx, probe.Raw, d.cfg.SendOptions)
	if err != nil {
		out.Err = fmt.Errorf("send: %w", err)
		d.logger.Warn("probe send failed", "slot", slot, "signature", probe.Signature.String(), "error", err)
		return out
	}
	if sig != (solana.Signature{}) && sig != probe.Signature {
		d.logger.Warn("endpoint returned a different signature",
			"slot", slot, "local", probe.Signature.String(), "remote", sig.String())
	}

	d.logger.Debug("probe sent", "slot", slot, "signature", probe.Signature.String(), "memo", probe.Memo)
	return out
}

// build signs a probe whose signature has not been used in this run.
func (d *Dispatcher) build(hash solana.Hash) (*txbuilder.Probe, error) {
	for attempt := 0; attempt < maxBuildAttempts; attempt++ {
		probe, err := d.cfg.Builder.Build(hash)
		if err != nil {
			return nil, fmt.Errorf("build probe: %w", err)
		}

		d.mu.Lock()
		_, dup := d.seen[probe.Signature]
		if !dup {
			d.seen[probe.Signature] = struct{}{}
		}
		d.mu.Unlock()

		if !dup {
			return probe, nil
		}
	}
	return nil, ErrDuplicateSignature
}

// Wait blocks until every dispatched unit has finished and returns all
// outcomes ordered by slot.
func (d *Dispatcher) Wait() []Outcome {
	_ = d.group.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	out := slices.Clone(d.outcomes)
	slices.SortFunc(out, func(a, b Outcome) int { return cmp.Compare(a.Slot, b.Slot) })
	return out
}

// InFlight returns the number of submissions currently running.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Dispatched returns how many slots have been handed to Dispatch.
func (d *Dispatcher) Dispatched() int64 {
	return d.dispatched.Load()
}

// Failed returns how many units ended without the probe being accepted.
func (d *Dispatcher) Failed() int64 {
	return d.failed.Load()
}
