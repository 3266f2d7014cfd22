// Package audit reconciles dispatched probes against on-chain landing
// status and attributes misses to the scheduled leader.
package audit

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/leaderprobe/internal/dispatcher"
	"github.com/gateway-fm/leaderprobe/internal/rpc"
	"github.com/gateway-fm/leaderprobe/pkg/types"
)

// ErrInvariant marks a data-consistency fault found while auditing: a
// negative landing latency or a missed slot with no scheduled leader.
var ErrInvariant = errors.New("audit invariant violated")

const (
	DefaultSettleDelay   = 10 * time.Second
	DefaultBatchSize     = 10
	DefaultBatchInterval = 200 * time.Millisecond
)

// StatusQuerier looks up landing status. rpc.Client satisfies it.
type StatusQuerier interface {
	GetSignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]*rpc.SignatureStatus, error)
}

// Resolver maps a slot to its scheduled leader. *schedule.Index satisfies it.
type Resolver interface {
	Leader(slot uint64) (string, bool)
}

// Pacer spaces out status queries. *ratelimit.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Config for creating an Auditor.
type Config struct {
	Querier  StatusQuerier
	Resolver Resolver
	Pacer    Pacer

	SettleDelay time.Duration
	// BatchSize caps signatures per status query.
	BatchSize int
	Logger    *slog.Logger
}

// Auditor classifies dispatch outcomes once the run is over.
type Auditor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Auditor.
func New(cfg Config) (*Auditor, error) {
	if cfg.Querier == nil || cfg.Resolver == nil {
		return nil, errors.New("auditor needs a status querier and a schedule resolver")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > rpc.MaxStatusBatch {
		return nil, fmt.Errorf("batch size %d exceeds RPC limit %d", cfg.BatchSize, rpc.MaxStatusBatch)
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Auditor{cfg: cfg, logger: cfg.Logger}, nil
}

// Result is the classified outcome of a run.
type Result struct {
	// Probes holds one record per outcome, ordered by target slot.
	Probes []types.ProbeRecord

	Sent       int
	SendFailed int
	Landed     int
	NotLanded  int
	Unknown    int

	// Latencies are landed-minus-target slot counts of landed probes.
	Latencies           []uint64
	NotLandedSlots      []uint64
	NotLandedValidators []string
	Misses              []types.ValidatorMisses
}

// LandingRate returns Landed/Sent, or false when nothing was sent.
func (r *Result) LandingRate() (float64, bool) {
	if r.Sent == 0 {
		return 0, false
	}
	return float64(r.Landed) / float64(r.Sent), true
}

// MeanLatency returns the mean of latencies, or false when there are none.
func MeanLatency(latencies []uint64) (float64, bool) {
	if len(latencies) == 0 {
		return 0, false
	}
	var sum uint64
	for _, l := range latencies {
		sum += l
	}
	return float64(sum) / float64(len(latencies)), true
}

// Chunk splits items into consecutive batches of at most size.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var out [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n:n])
		items = items[n:]
	}
	return out
}

// Audit waits the settle delay, queries status for every sent probe in
// batches and classifies each one. Failed sends are reported but left
// out of landing statistics. A query failure marks its batch unknown and
// the audit carries on. Invariant violations are returned as an error
// wrapping ErrInvariant alongside the complete Result.
func (a *Auditor) Audit(ctx context.Context, outcomes []dispatcher.Outcome) (*Result, error) {
	res := &Result{Probes: make([]types.ProbeRecord, 0, len(outcomes))}

	var sent []dispatcher.Outcome
	for _, o := range outcomes {
		if o.Sent() {
			sent = append(sent, o)
			continue
		}
		res.SendFailed++
		rec := record(o)
		rec.Status = types.ProbeSendFailed
		rec.Error = o.Err.Error()
		res.Probes = append(res.Probes, rec)
	}
	res.Sent = len(sent)

	if len(sent) > 0 && a.cfg.SettleDelay > 0 {
		a.logger.Info("waiting for probes to settle", "delay", a.cfg.SettleDelay, "probes", len(sent))
		timer := time.NewTimer(a.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
	}

	var violations []error
	for _, batch := range Chunk(sent, a.cfg.BatchSize) {
		if a.cfg.Pacer != nil {
			if err := a.cfg.Pacer.Wait(ctx); err != nil {
				return res, err
			}
		}

		sigs := make([]solana.Signature, len(batch))
		for i, o := range batch {
			sigs[i] = o.Signature
		}
		statuses, err := a.cfg.Querier.GetSignatureStatuses(ctx, sigs)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			a.logger.Warn("signature status query failed, marking batch unknown",
				"error", err, "batch_size", len(batch), "first_slot", batch[0].Slot)
			for _, o := range batch {
				rec := record(o)
				rec.Status = types.ProbeUnknown
				rec.Error = err.Error()
				res.Probes = append(res.Probes, rec)
				res.Unknown++
			}
			continue
		}

		for i, o := range batch {
			rec, err := a.classify(o, statuses[i], res)
			if err != nil {
				violations = append(violations, err)
			}
			res.Probes = append(res.Probes, rec)
		}
	}

	slices.SortStableFunc(res.Probes, func(x, y types.ProbeRecord) int { return cmp.Compare(x.TargetSlot, y.TargetSlot) })
	res.Misses = missesByValidator(res.Probes)

	if len(violations) > 0 {
		return res, errors.Join(violations...)
	}
	return res, nil
}

func (a *Auditor) classify(o dispatcher.Outcome, st *rpc.SignatureStatus, res *Result) (types.ProbeRecord, error) {
	rec := record(o)

	if st == nil {
		res.NotLanded++
		rec.Status = types.ProbeNotLanded
		res.NotLandedSlots = append(res.NotLandedSlots, o.Slot)

		validator, ok := a.cfg.Resolver.Leader(o.Slot)
		if !ok {
			return rec, fmt.Errorf("%w: missed slot %d has no scheduled leader", ErrInvariant, o.Slot)
		}
		rec.Validator = validator
		res.NotLandedValidators = append(res.NotLandedValidators, validator)
		return rec, nil
	}

	res.Landed++
	rec.Status = types.ProbeLanded
	landed := st.Slot
	rec.LandedSlot = &landed
	if validator, ok := a.cfg.Resolver.Leader(o.Slot); ok {
		rec.Validator = validator
	}
	if st.Failed() {
		// Included in a block but the memo failed; still counts as landed.
		rec.Error = "execution error: " + string(st.Err)
	}

	if landed < o.Slot {
		return rec, fmt.Errorf("%w: probe %s landed at slot %d before its target slot %d",
			ErrInvariant, o.Signature, landed, o.Slot)
	}
	latency := landed - o.Slot
	rec.LatencySlots = &latency
	res.Latencies = append(res.Latencies, latency)
	return rec, nil
}

func record(o dispatcher.Outcome) types.ProbeRecord {
	rec := types.ProbeRecord{
		TargetSlot:  o.Slot,
		Memo:        o.Memo,
		SubmittedAt: o.SubmittedAt,
	}
	if o.Signature != (solana.Signature{}) {
		rec.Signature = o.Signature.String()
	}
	return rec
}

func missesByValidator(probes []types.ProbeRecord) []types.ValidatorMisses {
	byValidator := make(map[string]*types.ValidatorMisses)
	for _, p := range probes {
		if p.Status != types.ProbeNotLanded || p.Validator == "" {
			continue
		}
		m, ok := byValidator[p.Validator]
		if !ok {
			m = &types.ValidatorMisses{Validator: p.Validator}
			byValidator[p.Validator] = m
		}
		m.Misses++
		m.Slots = append(m.Slots, p.TargetSlot)
	}

	out := make([]types.ValidatorMisses, 0, len(byValidator))
	for _, m := range byValidator {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b types.ValidatorMisses) int {
		if c := cmp.Compare(b.Misses, a.Misses); c != 0 {
			return c
		}
		return cmp.Compare(a.Validator, b.Validator)
	})
	return out
}
