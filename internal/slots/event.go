// Package slots turns a noisy slot-progress feed into a strictly
// increasing, schedule-gated sequence of slots to probe.
package slots

// Kind classifies a slot progress notification.
type Kind int

const (
	// KindOther carries no usable slot information (bank created, frozen, root, ...).
	KindOther Kind = iota
	// KindFirstShredReceived means the first shred of Slot was observed.
	KindFirstShredReceived
	// KindCompleted means Slot was fully received; Slot+1 is next.
	KindCompleted
)

func (k Kind) String() string {
	switch k {
	case KindFirstShredReceived:
		return "firstShredReceived"
	case KindCompleted:
		return "completed"
	default:
		return "other"
	}
}

// KindFromType maps the wire "type" of a slotsUpdatesNotification to a Kind.
func KindFromType(t string) Kind {
	switch t {
	case "firstShredReceived":
		return KindFirstShredReceived
	case "completed":
		return KindCompleted
	default:
		return KindOther
	}
}

// Event is a single slot progress notification.
type Event struct {
	Kind      Kind
	Slot      uint64
	Parent    uint64
	Timestamp int64  // unix millis reported by the node, 0 if absent
	Type      string // raw wire type, kept for logging
}

// Candidate returns the slot an event points at: the slot itself for a
// first shred, the following slot for a completion, nothing otherwise.
func Candidate(ev Event) (uint64, bool) {
	switch ev.Kind {
	case KindFirstShredReceived:
		return ev.Slot, true
	case KindCompleted:
		return ev.Slot + 1, true
	default:
		return 0, false
	}
}
