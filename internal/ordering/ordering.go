// Package ordering maintains the dense, zero-based order_index invariant for
// a parent's child collection: after any committed mutation the sibling
// indices are exactly {0..count-1} with no duplicates and no gaps.
package ordering

import (
	"fmt"
	"sort"

	"github.com/specboard/specboard/internal/errors"
)

// AllocateIndex computes the order_index for a new entry. A nil position, or
// a position at or past the end of the collection, appends. Position 0..count-1
// inserts at that slot; the caller must shift the tail via InsertShift.
func AllocateIndex(existing []int, position *int) (int, error) {
	count := len(existing)
	if position != nil && *position < 0 {
		return 0, errors.InvalidPosition(*position, count)
	}
	if position == nil || *position >= count {
		if count == 0 {
			return 0, nil
		}
		max := existing[0]
		for _, idx := range existing[1:] {
			if idx > max {
				max = idx
			}
		}
		return max + 1, nil
	}
	return *position, nil
}

// CheckCapacity rejects an insert that would exceed the per-parent bound.
// It must run inside the same transaction as the insert itself.
func CheckCapacity(currentCount, maxAllowed int, kind string) error {
	if currentCount >= maxAllowed {
		return errors.CapacityExceeded(kind, maxAllowed)
	}
	return nil
}

// Shift describes a batch index adjustment over a half-open sibling range.
// Applied as a single UPDATE so no intermediate state is visible.
type Shift struct {
	// MinIndex..MaxIndex is the inclusive affected range. MaxIndex < 0 means
	// unbounded above.
	MinIndex int
	MaxIndex int
	Delta    int
}

// Unbounded marks a shift with no upper limit.
const Unbounded = -1

// InsertShift returns the sibling adjustment for an insert at position.
// Appends need no shift.
func InsertShift(position, count int) (Shift, bool) {
	if position >= count {
		return Shift{}, false
	}
	return Shift{MinIndex: position, MaxIndex: Unbounded, Delta: +1}, true
}

// DeleteShift returns the sibling adjustment after removing the entry at
// position: everything above it moves down by one.
func DeleteShift(position int) Shift {
	return Shift{MinIndex: position + 1, MaxIndex: Unbounded, Delta: -1}
}

// MoveShift returns the sibling adjustment for moving one entry from
// position from to position to. ok is false when the move is a no-op.
func MoveShift(from, to int) (Shift, bool) {
	switch {
	case from == to:
		return Shift{}, false
	case to > from:
		return Shift{MinIndex: from + 1, MaxIndex: to, Delta: -1}, true
	default:
		return Shift{MinIndex: to, MaxIndex: from - 1, Delta: +1}, true
	}
}

// Move assigns a new index to one child in a batch reorder.
type Move struct {
	ChildID  string
	NewIndex int
}

// ValidatePermutation checks that moves assign exactly the indices
// {0..count-1}, one per child, and that every referenced child is a member of
// the parent's collection.
func ValidatePermutation(moves []Move, childIDs map[string]struct{}) error {
	if len(moves) != len(childIDs) {
		return errors.InvalidReorder(fmt.Sprintf(
			"reorder must cover all %d children, got %d moves", len(childIDs), len(moves)))
	}

	seenIDs := make(map[string]struct{}, len(moves))
	indices := make([]int, 0, len(moves))
	for _, m := range moves {
		if _, ok := childIDs[m.ChildID]; !ok {
			return errors.InvalidReorder(fmt.Sprintf("child %s does not belong to parent", m.ChildID))
		}
		if _, dup := seenIDs[m.ChildID]; dup {
			return errors.InvalidReorder(fmt.Sprintf("child %s listed twice", m.ChildID))
		}
		seenIDs[m.ChildID] = struct{}{}
		indices = append(indices, m.NewIndex)
	}

	sort.Ints(indices)
	for want, got := range indices {
		if got != want {
			return errors.InvalidReorder(fmt.Sprintf(
				"indices must form the range 0..%d, got index %d", len(moves)-1, got))
		}
	}
	return nil
}
