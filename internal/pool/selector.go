package pool

import (
	"fmt"
	"strings"
)

// Selector picks the record that serves the next call.
//
// records is a snapshot of the pool in insertion order and cursor is the
// number of successful selections made so far. Returning false means no
// record is available. The pool advances the cursor itself after every
// successful selection; implementations must not keep state of their own
// that depends on being called exactly once per dispatch.
type Selector interface {
	Select(records []TokenRecord, cursor int) (TokenRecord, bool)
}

// SelectorFunc adapts a plain function to the Selector interface.
type SelectorFunc func(records []TokenRecord, cursor int) (TokenRecord, bool)

// Select calls f.
func (f SelectorFunc) Select(records []TokenRecord, cursor int) (TokenRecord, bool) {
	return f(records, cursor)
}

// Selector names accepted by SelectorByName.
const (
	AlgorithmRoundRobin       = "round_robin"
	AlgorithmStrictRoundRobin = "strict_round_robin"
	AlgorithmLeastUsed        = "least_used"
)

// SelectorByName resolves a configured algorithm name. An empty name yields
// the default round robin.
func SelectorByName(name string) (Selector, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", AlgorithmRoundRobin:
		return RoundRobin{}, nil
	case AlgorithmStrictRoundRobin:
		return StrictRoundRobin{}, nil
	case AlgorithmLeastUsed:
		return LeastUsed{}, nil
	default:
		return nil, fmt.Errorf("unknown selection algorithm %q", name)
	}
}

// RoundRobin is the default selector. It rotates over the available records
// and skips records that reached their limit.
//
// A record counts as available when the cursor is still zero, when its
// position is past the cursor, when it has no limit or no usage yet, or when
// its usage is below its limit. The first two clauses let an exhausted
// record come back into rotation: before the first selection, and while the
// cursor has not yet moved past its position. Existing deployments depend on
// that rotation order, so it is kept as is; use StrictRoundRobin to retire
// exhausted records for good.
type RoundRobin struct{}

// Select implements Selector.
func (RoundRobin) Select(records []TokenRecord, cursor int) (TokenRecord, bool) {
	available := make([]TokenRecord, 0, len(records))
	for i, r := range records {
		if cursor == 0 || i > cursor || r.Limit == nil || r.Usage == nil || *r.Usage < *r.Limit {
			available = append(available, r)
		}
	}
	return pick(available, cursor)
}

// StrictRoundRobin rotates over records that are not exhausted. Unlike
// RoundRobin it never hands out a record whose usage reached its limit.
type StrictRoundRobin struct{}

// Select implements Selector.
func (StrictRoundRobin) Select(records []TokenRecord, cursor int) (TokenRecord, bool) {
	available := make([]TokenRecord, 0, len(records))
	for _, r := range records {
		if !r.Exhausted() {
			available = append(available, r)
		}
	}
	return pick(available, cursor)
}

// LeastUsed picks the non-exhausted record with the lowest usage. Ties go to
// the earliest record. The cursor is ignored.
type LeastUsed struct{}

// Select implements Selector.
func (LeastUsed) Select(records []TokenRecord, _ int) (TokenRecord, bool) {
	var (
		best  TokenRecord
		found bool
	)
	for _, r := range records {
		if r.Exhausted() {
			continue
		}
		if !found || r.UsageValue() < best.UsageValue() {
			best, found = r, true
		}
	}
	return best, found
}

func pick(available []TokenRecord, cursor int) (TokenRecord, bool) {
	if len(available) == 0 {
		return TokenRecord{}, false
	}
	idx := cursor % len(available)
	if idx < 0 {
		idx += len(available)
	}
	return available[idx], true
}
