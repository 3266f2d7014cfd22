// Package types contains public API types for the leader probe.
// These types form the external interface (HTTP API, run history, MCP tools)
// and must remain backwards-compatible.
package types

import "time"

// SlotPolicy selects which scheduled slots fire a probe.
type SlotPolicy string

const (
	PolicyAnyAssigned SlotPolicy = "any"          // every slot owned by a scheduled validator
	PolicyWindowStart SlotPolicy = "window-start" // only the first slot of each leader window
)

// RunPhase represents the current stage of a benchmark run.
type RunPhase string

const (
	PhaseIdle             RunPhase = "idle"
	PhaseWaitingBlockhash RunPhase = "waiting_blockhash"
	PhaseDispatching      RunPhase = "dispatching"
	PhaseDraining         RunPhase = "draining" // dispatch stopped, awaiting in-flight sends
	PhaseAuditing         RunPhase = "auditing"
	PhaseCompleted        RunPhase = "completed"
	PhaseError            RunPhase = "error"
)

// ProbeStatus is the final classification of a single probe.
type ProbeStatus string

const (
	ProbeLanded     ProbeStatus = "landed"
	ProbeNotLanded  ProbeStatus = "not_landed"
	ProbeSendFailed ProbeStatus = "send_failed"
	ProbeUnknown    ProbeStatus = "unknown" // status query failed for this probe's batch
)

// RunStatus is the live view of a run, served at /v1/status.
type RunStatus struct {
	RunID            string     `json:"runId,omitempty"`
	Phase            RunPhase   `json:"phase"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	QualifiedSlots   uint64     `json:"qualifiedSlots"`
	LastQualified    uint64     `json:"lastQualifiedSlot,omitempty"`
	ProbesSent       uint64     `json:"probesSent"`
	ProbesFailed     uint64     `json:"probesFailed"`
	InFlight         int64      `json:"inFlight"`
	Blockhash        string     `json:"blockhash,omitempty"`
	BlockhashAgeSec  float64    `json:"blockhashAgeSec,omitempty"`
	BlockhashStale   bool       `json:"blockhashStale"`
	ScheduledSlots   int        `json:"scheduledSlots"`
	ScheduledLeaders int        `json:"scheduledLeaders"`
	Error            string     `json:"error,omitempty"`
}

// LatencyStats summarises landing latency in slots.
type LatencyStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

// ProbeRecord is the persisted outcome of one probe transaction.
type ProbeRecord struct {
	Signature    string      `json:"signature,omitempty"`
	TargetSlot   uint64      `json:"targetSlot"`
	LandedSlot   *uint64     `json:"landedSlot,omitempty"`
	LatencySlots *uint64     `json:"latencySlots,omitempty"`
	Validator    string      `json:"validator,omitempty"`
	Status       ProbeStatus `json:"status"`
	Memo         string      `json:"memo,omitempty"`
	SubmittedAt  time.Time   `json:"submittedAt"`
	Error        string      `json:"error,omitempty"`
}

// ValidatorMisses counts probes that did not land during a validator's slots.
type ValidatorMisses struct {
	Validator string   `json:"validator"`
	Misses    int      `json:"misses"`
	Slots     []uint64 `json:"slots"`
}

// Report is the final result of a benchmark run.
type Report struct {
	RunID       string     `json:"runId"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt time.Time  `json:"completedAt"`
	Policy      SlotPolicy `json:"policy"`

	Qualified  int `json:"qualified"`  // slots emitted by the filter
	Sent       int `json:"sent"`       // probes accepted by the sender endpoint
	SendFailed int `json:"sendFailed"` // excluded from landing statistics
	Landed     int `json:"landed"`
	NotLanded  int `json:"notLanded"`
	Unknown    int `json:"unknown"`

	// LandingRate is Landed/Sent; nil when nothing was sent.
	LandingRate *float64 `json:"landingRate,omitempty"`
	// MeanLatencySlots is nil when no probe landed.
	MeanLatencySlots *float64      `json:"meanLatencySlots,omitempty"`
	Latency          *LatencyStats `json:"latency,omitempty"`
	LatenciesSlots   []uint64      `json:"latenciesSlots,omitempty"`

	NotLandedSlots      []uint64          `json:"notLandedSlots,omitempty"`
	NotLandedValidators []string          `json:"notLandedValidators,omitempty"`
	MissesByValidator   []ValidatorMisses `json:"missesByValidator,omitempty"`

	Probes []ProbeRecord `json:"probes,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// RunSummary is a compact row in run history listings.
type RunSummary struct {
	RunID            string     `json:"runId"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      time.Time  `json:"completedAt"`
	Policy           SlotPolicy `json:"policy"`
	Sent             int        `json:"sent"`
	Landed           int        `json:"landed"`
	SendFailed       int        `json:"sendFailed"`
	MeanLatencySlots *float64   `json:"meanLatencySlots,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// PaginatedRuns is a page of run history.
type PaginatedRuns struct {
	Runs   []RunSummary `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// StartRunRequest starts a run over the HTTP API. Zero fields fall back
// to the process configuration.
type StartRunRequest struct {
	NumLeaders  int `json:"numLeaders,omitempty"`
	DurationSec int `json:"durationSec,omitempty"`
}
