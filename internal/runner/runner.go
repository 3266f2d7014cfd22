// Package runner drives one benchmark run end to end: wait for a
// blockhash, stream qualifying slots into the dispatcher, drain, audit
// and publish the report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"

	"github.com/gateway-fm/leaderprobe/internal/audit"
	"github.com/gateway-fm/leaderprobe/internal/blockhash"
	"github.com/gateway-fm/leaderprobe/internal/dispatcher"
	"github.com/gateway-fm/leaderprobe/internal/metrics"
	"github.com/gateway-fm/leaderprobe/internal/ratelimit"
	"github.com/gateway-fm/leaderprobe/internal/rpc"
	"github.com/gateway-fm/leaderprobe/internal/slots"
	"github.com/gateway-fm/leaderprobe/internal/storage"
	"github.com/gateway-fm/leaderprobe/pkg/types"
)

// ErrRunInProgress is returned when a run is started while another is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// ErrUnbounded is returned when neither a slot count nor a duration is set.
var ErrUnbounded = errors.New("run needs a slot count or a duration bound")

// maxMemoryHistory bounds the in-memory history kept without storage.
const maxMemoryHistory = 100

// Schedule is the leader schedule as the runner uses it. *schedule.Index
// satisfies it.
type Schedule interface {
	slots.Membership
	audit.Resolver
	SlotCount() int
	Validators() []string
}

// Tokens is the blockhash cache. *blockhash.Cache satisfies it.
type Tokens interface {
	dispatcher.TokenSource
	WaitReady(ctx context.Context) error
	Subscribe(ch chan<- blockhash.Token) event.Subscription
}

// Source is a closable slot event feed.
type Source interface {
	slots.Source
	Close() error
}

// SubscribeFunc opens a fresh slot event feed for one run.
type SubscribeFunc func(ctx context.Context) (Source, error)

// Config for creating a Runner.
type Config struct {
	Schedule  Schedule
	Tokens    Tokens
	Subscribe SubscribeFunc
	Builder   dispatcher.ProbeBuilder
	Submitter dispatcher.Submitter
	Querier   audit.StatusQuerier

	Policy      slots.Policy
	NumLeaders  int
	RunDuration time.Duration
	MaxInFlight int

	SettleDelay   time.Duration
	BatchSize     int
	BatchInterval time.Duration

	// Storage is optional; without it history lives in memory only.
	Storage storage.Storage
	Metrics *metrics.PrometheusMetrics
	Logger  *slog.Logger
}

// Options bound a single run. Zero fields use the Config values.
type Options struct {
	NumLeaders int
	Duration   time.Duration
}

// Runner executes runs one at a time and keeps their results.
type Runner struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.PrometheusMetrics

	mu         sync.RWMutex
	status     types.RunStatus
	dispatcher *dispatcher.Dispatcher
	stop       context.CancelFunc
	active     bool
	token      *blockhash.Token
	last       *types.Report
	history    []*types.Report
}

// New creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Schedule == nil || cfg.Tokens == nil || cfg.Subscribe == nil {
		return nil, errors.New("runner needs a schedule, blockhash cache and slot subscription")
	}
	if cfg.Builder == nil || cfg.Submitter == nil || cfg.Querier == nil {
		return nil, errors.New("runner needs a probe builder, submitter and status querier")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Runner{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		status:  types.RunStatus{Phase: types.PhaseIdle},
	}
	r.metrics.SetRunPhase(types.PhaseIdle)
	return r, nil
}

// Start runs in the background and returns the new run ID.
func (r *Runner) Start(ctx context.Context, opts Options) (string, error) {
	runCtx, runID, err := r.begin(ctx, opts)
	if err != nil {
		return "", err
	}
	go r.run(runCtx, runID, opts)
	return runID, nil
}

// Run executes one run and returns its report. The report is non-nil
// whenever the run got past startup, even if an error is also returned.
func (r *Runner) Run(ctx context.Context, opts Options) (*types.Report, error) {
	runCtx, runID, err := r.begin(ctx, opts)
	if err != nil {
		return nil, err
	}
	return r.run(runCtx, runID, opts)
}

// Stop ends the dispatch phase of the active run early. In-flight probes
// are still awaited and audited.
func (r *Runner) Stop() {
	r.mu.RLock()
	stop := r.stop
	r.mu.RUnlock()
	if stop != nil {
		stop()
	}
}

func (r *Runner) begin(ctx context.Context, opts Options) (context.Context, string, error) {
	opts = r.resolve(opts)
	if opts.NumLeaders <= 0 && opts.Duration <= 0 {
		return nil, "", ErrUnbounded
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return nil, "", ErrRunInProgress
	}
	r.active = true

	runCtx, cancel := context.WithCancel(ctx)
	r.stop = cancel

	runID := uuid.NewString()
	now := time.Now()
	r.status = types.RunStatus{
		RunID:            runID,
		Phase:            types.PhaseIdle,
		StartedAt:        &now,
		ScheduledSlots:   r.cfg.Schedule.SlotCount(),
		ScheduledLeaders: len(r.cfg.Schedule.Validators()),
	}
	r.dispatcher = nil
	return runCtx, runID, nil
}

func (r *Runner) resolve(opts Options) Options {
	if opts.NumLeaders == 0 {
		opts.NumLeaders = r.cfg.NumLeaders
	}
	if opts.Duration == 0 {
		opts.Duration = r.cfg.RunDuration
	}
	return opts
}

func (r *Runner) run(ctx context.Context, runID string, opts Options) (*types.Report, error) {
	opts = r.resolve(opts)
	report := &types.Report{
		RunID:     runID,
		StartedAt: *r.Status().StartedAt,
		Policy:    r.cfg.Policy.Mode,
	}

	err := r.execute(ctx, opts, report)
	report.CompletedAt = time.Now()
	if err != nil {
		report.Error = err.Error()
	}
	r.finish(ctx, report, err)
	return report, err
}

func (r *Runner) execute(ctx context.Context, opts Options, report *types.Report) error {
	r.setPhase(types.PhaseWaitingBlockhash)
	if err := r.cfg.Tokens.WaitReady(ctx); err != nil {
		return fmt.Errorf("waiting for blockhash: %w", err)
	}

	d, err := dispatcher.New(dispatcher.Config{
		Submitter:   r.cfg.Submitter,
		Builder:     r.cfg.Builder,
		Tokens:      r.cfg.Tokens,
		MaxInFlight: r.cfg.MaxInFlight,
		SendOptions: rpc.SendOptions{SkipPreflight: true},
		OnOutcome:   r.onOutcome,
		Logger:      r.logger,
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.dispatcher = d
	r.mu.Unlock()

	var (
		dispatchCtx context.Context
		cancel      context.CancelFunc
	)
	if opts.Duration > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, opts.Duration)
	} else {
		dispatchCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	src, err := r.cfg.Subscribe(dispatchCtx)
	if err != nil {
		return fmt.Errorf("subscribe to slot updates: %w", err)
	}

	r.setPhase(types.PhaseDispatching)
	r.logger.Info("running stream",
		"policy", r.cfg.Policy.Mode,
		"num_leaders", opts.NumLeaders,
		"duration", opts.Duration,
		"max_in_flight", r.cfg.MaxInFlight)

	stream := slots.NewStream(dispatchCtx, src, slots.NewFilter(r.cfg.Schedule, r.cfg.Policy), r.logger)
	qualified := 0
	for slot := range stream.Slots() {
		qualified++
		r.onQualified(slot)
		d.Dispatch(dispatchCtx, slot)
		if opts.NumLeaders > 0 && qualified >= opts.NumLeaders {
			break
		}
	}
	cancel()
	feedErr := stream.Err()
	if err := src.Close(); err != nil {
		r.logger.Debug("closing slot subscription", "error", err)
	}
	report.Qualified = qualified

	r.setPhase(types.PhaseDraining)
	outcomes := d.Wait()

	// Auditing must finish even when the run was interrupted.
	auditCtx := context.WithoutCancel(ctx)
	r.setPhase(types.PhaseAuditing)
	auditor, err := audit.New(audit.Config{
		Querier:     r.cfg.Querier,
		Resolver:    r.cfg.Schedule,
		Pacer:       ratelimit.New(r.cfg.BatchInterval),
		SettleDelay: r.cfg.SettleDelay,
		BatchSize:   r.cfg.BatchSize,
		Logger:      r.logger,
	})
	if err != nil {
		return errors.Join(feedErr, err)
	}
	res, auditErr := auditor.Audit(auditCtx, outcomes)
	r.fill(report, res)

	if feedErr != nil {
		feedErr = fmt.Errorf("slot feed: %w", feedErr)
	}
	return errors.Join(feedErr, auditErr)
}

func (r *Runner) fill(report *types.Report, res *audit.Result) {
	if res == nil {
		return
	}
	report.Sent = res.Sent
	report.SendFailed = res.SendFailed
	report.Landed = res.Landed
	report.NotLanded = res.NotLanded
	report.Unknown = res.Unknown
	if rate, ok := res.LandingRate(); ok {
		report.LandingRate = &rate
	}
	if mean, ok := audit.MeanLatency(res.Latencies); ok {
		report.MeanLatencySlots = &mean
	}
	report.Latency = metrics.Summarize(res.Latencies)
	report.LatenciesSlots = res.Latencies
	report.NotLandedSlots = res.NotLandedSlots
	report.NotLandedValidators = res.NotLandedValidators
	report.MissesByValidator = res.Misses
	report.Probes = res.Probes

	for _, p := range res.Probes {
		switch p.Status {
		case types.ProbeLanded, types.ProbeNotLanded, types.ProbeUnknown:
			r.metrics.RecordProbe(string(p.Status))
		}
	}
	for _, l := range res.Latencies {
		r.metrics.RecordLandingLatency(l)
	}
}

func (r *Runner) finish(ctx context.Context, report *types.Report, err error) {
	r.logger.Info("total landed / total sent", "landed", report.Landed, "sent", report.Sent,
		"send_failed", report.SendFailed, "unknown", report.Unknown)
	if report.MeanLatencySlots != nil {
		r.logger.Info("slot latencies", "latencies", report.LatenciesSlots, "mean", *report.MeanLatencySlots)
	} else {
		r.logger.Info("slot latencies", "latencies", report.LatenciesSlots, "mean", "no landings")
	}
	r.logger.Info("not landed validators", "validators", report.NotLandedValidators, "slots", report.NotLandedSlots)

	if r.cfg.Storage != nil {
		if serr := r.cfg.Storage.SaveRun(context.WithoutCancel(ctx), report); serr != nil {
			r.logger.Error("failed to save run", "run_id", report.RunID, "error", serr)
		}
	}

	phase := types.PhaseCompleted
	if err != nil {
		phase = types.PhaseError
		r.logger.Error("run finished with errors", "run_id", report.RunID, "error", err)
	}

	r.mu.Lock()
	r.status.Phase = phase
	r.status.Error = report.Error
	r.status.ProbesSent = uint64(report.Sent)
	r.status.ProbesFailed = uint64(report.SendFailed)
	r.last = report
	r.history = append(r.history, report)
	if len(r.history) > maxMemoryHistory {
		r.history = r.history[len(r.history)-maxMemoryHistory:]
	}
	r.active = false
	r.stop = nil
	r.mu.Unlock()
	r.metrics.SetRunPhase(phase)
	r.metrics.SetInFlight(0)
}

func (r *Runner) setPhase(phase types.RunPhase) {
	r.mu.Lock()
	r.status.Phase = phase
	r.mu.Unlock()
	r.metrics.SetRunPhase(phase)
	r.logger.Debug("run phase", "phase", phase)
}

func (r *Runner) onQualified(slot uint64) {
	r.mu.Lock()
	r.status.QualifiedSlots++
	r.status.LastQualified = slot
	r.mu.Unlock()
	r.metrics.RecordQualifiedSlot()
}

func (r *Runner) onOutcome(o dispatcher.Outcome) {
	r.mu.Lock()
	if o.Sent() {
		r.status.ProbesSent++
	} else {
		r.status.ProbesFailed++
	}
	d := r.dispatcher
	r.mu.Unlock()

	if o.Sent() {
		r.metrics.RecordProbe("sent")
	} else {
		r.metrics.RecordProbe(string(types.ProbeSendFailed))
	}
	if d != nil {
		r.metrics.SetInFlight(d.InFlight())
	}
}

// Status returns a snapshot of the active or last run.
func (r *Runner) Status() types.RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := r.status
	if r.dispatcher != nil && r.active {
		st.InFlight = r.dispatcher.InFlight()
	}
	if r.token != nil {
		st.Blockhash = r.token.Hash.String()
		st.BlockhashAgeSec = r.token.Age().Seconds()
		st.BlockhashStale = r.token.Stale
	}
	return st
}

// LastReport returns the most recent finished report, or nil.
func (r *Runner) LastReport() *types.Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// TrackBlockhash follows cache updates into the status and metrics until
// ctx is done.
func (r *Runner) TrackBlockhash(ctx context.Context) {
	ch := make(chan blockhash.Token, 4)
	sub := r.cfg.Tokens.Subscribe(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case tok := <-ch:
			r.mu.Lock()
			r.token = &tok
			r.mu.Unlock()
			r.metrics.SetBlockhash(tok.Age().Seconds(), tok.Stale)
		case <-sub.Err():
			return
		case <-ctx.Done():
			return
		}
	}
}

// ListRuns returns a page of past runs, newest first.
func (r *Runner) ListRuns(ctx context.Context, limit, offset int) (*types.PaginatedRuns, error) {
	if r.cfg.Storage != nil {
		return r.cfg.Storage.ListRuns(ctx, limit, offset)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	page := &types.PaginatedRuns{Runs: []types.RunSummary{}, Total: len(r.history), Limit: limit, Offset: offset}
	for i := len(r.history) - 1 - offset; i >= 0 && len(page.Runs) < limit; i-- {
		page.Runs = append(page.Runs, summarize(r.history[i]))
	}
	return page, nil
}

// GetRun returns a past run by ID, or nil if unknown.
func (r *Runner) GetRun(ctx context.Context, id string) (*types.Report, error) {
	if r.cfg.Storage != nil {
		return r.cfg.Storage.GetRun(ctx, id)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rep := range r.history {
		if rep.RunID == id {
			return rep, nil
		}
	}
	return nil, nil
}

// DeleteRun removes a run from history.
func (r *Runner) DeleteRun(ctx context.Context, id string) error {
	if r.cfg.Storage != nil {
		return r.cfg.Storage.DeleteRun(ctx, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rep := range r.history {
		if rep.RunID == id {
			r.history = append(r.history[:i], r.history[i+1:]...)
			break
		}
	}
	return nil
}

func summarize(rep *types.Report) types.RunSummary {
	return types.RunSummary{
		RunID:            rep.RunID,
		StartedAt:        rep.StartedAt,
		CompletedAt:      rep.CompletedAt,
		Policy:           rep.Policy,
		Sent:             rep.Sent,
		Landed:           rep.Landed,
		SendFailed:       rep.SendFailed,
		MeanLatencySlots: rep.MeanLatencySlots,
		Error:            rep.Error,
	}
}
