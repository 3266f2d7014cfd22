// Package schedule indexes a leader schedule in both directions:
// validator -> slots and slot -> validator.
package schedule

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInconsistent is returned when a schedule document assigns one slot to
// more than one validator, or the built index fails its round-trip check.
var ErrInconsistent = errors.New("inconsistent leader schedule")

// Document is the fetched leader schedule: validator identity -> slots.
type Document map[string][]uint64

// Index is an immutable bidirectional view of a leader schedule.
// It is safe for concurrent readers.
type Index struct {
	forward map[string][]uint64
	reverse map[uint64]string
}

// Build constructs an Index from a schedule document.
// Slot lists are sorted and deduplicated. A slot claimed by two different
// validators is rejected with ErrInconsistent.
func Build(doc Document) (*Index, error) {
	idx := &Index{
		forward: make(map[string][]uint64, len(doc)),
		reverse: make(map[uint64]string),
	}

	for validator, slots := range doc {
		if validator == "" {
			return nil, fmt.Errorf("%w: empty validator identity", ErrInconsistent)
		}
		sorted := slices.Clone(slots)
		slices.Sort(sorted)
		sorted = slices.Compact(sorted)

		for _, slot := range sorted {
			if owner, ok := idx.reverse[slot]; ok && owner != validator {
				return nil, fmt.Errorf("%w: slot %d assigned to both %s and %s",
					ErrInconsistent, slot, owner, validator)
			}
			idx.reverse[slot] = validator
		}
		idx.forward[validator] = sorted
	}

	if err := idx.verify(); err != nil {
		return nil, err
	}
	return idx, nil
}

// verify checks that every forward entry resolves back to its validator.
func (i *Index) verify() error {
	total := 0
	for validator, slots := range i.forward {
		total += len(slots)
		for _, slot := range slots {
			if owner := i.reverse[slot]; owner != validator {
				return fmt.Errorf("%w: slot %d listed under %s resolves to %q",
					ErrInconsistent, slot, validator, owner)
			}
		}
	}
	if total != len(i.reverse) {
		return fmt.Errorf("%w: forward lists hold %d slots, reverse map holds %d",
			ErrInconsistent, total, len(i.reverse))
	}
	return nil
}

// Leader returns the validator scheduled for slot.
func (i *Index) Leader(slot uint64) (string, bool) {
	v, ok := i.reverse[slot]
	return v, ok
}

// Contains reports whether any scheduled validator owns slot.
func (i *Index) Contains(slot uint64) bool {
	_, ok := i.reverse[slot]
	return ok
}

// Slots returns a copy of the ordered slots assigned to validator.
func (i *Index) Slots(validator string) []uint64 {
	return slices.Clone(i.forward[validator])
}

// Validators returns the scheduled validator identities in sorted order.
func (i *Index) Validators() []string {
	out := make([]string, 0, len(i.forward))
	for v := range i.forward {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// SlotCount returns the number of distinct scheduled slots.
func (i *Index) SlotCount() int {
	return len(i.reverse)
}

// Next returns the first scheduled slot >= from, and its leader.
func (i *Index) Next(from uint64) (uint64, string, bool) {
	var (
		best   uint64
		leader string
		found  bool
	)
	for slot, v := range i.reverse {
		if slot >= from && (!found || slot < best) {
			best, leader, found = slot, v, true
		}
	}
	return best, leader, found
}
