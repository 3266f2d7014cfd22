package slots

import (
	"fmt"

	"github.com/gateway-fm/leaderprobe/pkg/types"
)

// DefaultWindowLength is the number of consecutive slots a leader produces.
const DefaultWindowLength = 4

// Membership answers whether a slot belongs to a scheduled validator.
// *schedule.Index satisfies it.
type Membership interface {
	Contains(slot uint64) bool
}

// Policy decides which scheduled slots qualify.
type Policy struct {
	Mode         types.SlotPolicy
	WindowLength uint64 // used by PolicyWindowStart
}

// ParsePolicy builds a Policy from its configured name.
func ParsePolicy(name string, windowLength uint64) (Policy, error) {
	switch types.SlotPolicy(name) {
	case types.PolicyAnyAssigned:
		return Policy{Mode: types.PolicyAnyAssigned}, nil
	case types.PolicyWindowStart, "":
		if windowLength == 0 {
			return Policy{}, fmt.Errorf("window length must be positive for %s policy", types.PolicyWindowStart)
		}
		return Policy{Mode: types.PolicyWindowStart, WindowLength: windowLength}, nil
	default:
		return Policy{}, fmt.Errorf("unknown slot policy %q (valid: %s, %s)",
			name, types.PolicyAnyAssigned, types.PolicyWindowStart)
	}
}

// Admits reports whether slot qualifies under the policy.
func (p Policy) Admits(slot uint64, m Membership) bool {
	if !m.Contains(slot) {
		return false
	}
	if p.Mode == types.PolicyWindowStart {
		return p.WindowLength > 0 && slot%p.WindowLength == 0
	}
	return true
}

// Filter is the slot watermark state machine. It is not safe for
// concurrent use; a Stream owns exactly one Filter.
type Filter struct {
	watermark uint64
	member    Membership
	policy    Policy
}

// NewFilter creates a filter with its watermark at zero.
func NewFilter(member Membership, policy Policy) *Filter {
	return &Filter{member: member, policy: policy}
}

// Observe feeds one event through the filter and returns the slot to
// probe, if any. A candidate at or below the watermark is discarded
// without touching the watermark. A candidate above it always advances
// the watermark, whether or not it then passes the policy.
func (f *Filter) Observe(ev Event) (uint64, bool) {
	slot, ok := Candidate(ev)
	if !ok || slot <= f.watermark {
		return 0, false
	}
	f.watermark = slot

	if !f.policy.Admits(slot, f.member) {
		return 0, false
	}
	return slot, true
}

// Watermark returns the highest candidate slot seen so far.
func (f *Filter) Watermark() uint64 {
	return f.watermark
}
