// Package rules holds the per-pair matching rule schedules. A rule
// fixes the price tick that applies to events from a given log offset
// onward; schedules only change between restarts.
package rules

import (
	"fmt"
	"sort"

	"matcherd/domain/asset"
	"matcherd/domain/order"
)

// DefaultTick applies when a pair has no schedule.
const DefaultTick int64 = 1

// Rule activates a tick size at a log offset.
type Rule struct {
	FromOffset int64
	TickSize   int64
}

// Schedule is a pair's rule list, ascending by FromOffset.
type Schedule []Rule

// ActiveAt picks the rule with the largest FromOffset <= offset.
func (s Schedule) ActiveAt(offset int64) Rule {
	active := Rule{FromOffset: -1, TickSize: DefaultTick}
	for _, r := range s {
		if r.FromOffset > offset {
			break
		}
		active = r
	}
	return active
}

// Set maps pair keys to schedules.
type Set map[string]Schedule

// NewSet normalizes the configured schedules: sorted by FromOffset,
// ticks validated.
func NewSet(raw map[asset.Pair][]Rule) (Set, error) {
	set := make(Set, len(raw))
	for pair, list := range raw {
		sched := make(Schedule, len(list))
		copy(sched, list)
		sort.Slice(sched, func(i, j int) bool { return sched[i].FromOffset < sched[j].FromOffset })
		for _, r := range sched {
			if r.TickSize <= 0 {
				return nil, fmt.Errorf("rules: pair %s: tick %d must be positive", pair, r.TickSize)
			}
			if r.FromOffset < 0 {
				return nil, fmt.Errorf("rules: pair %s: offset %d must be non-negative", pair, r.FromOffset)
			}
		}
		set[pair.Key()] = sched
	}
	return set, nil
}

// TickAt resolves the active tick for a pair at an offset.
func (s Set) TickAt(pair asset.Pair, offset int64) int64 {
	sched, ok := s[pair.Key()]
	if !ok {
		return DefaultTick
	}
	return sched.ActiveAt(offset).TickSize
}

// RoundPrice quantizes an incoming price to the tick: buys round down,
// sells round up. A non-positive result means the order cannot be
// placed at this tick.
func RoundPrice(side order.Side, price, tick int64) int64 {
	if tick <= 1 {
		return price
	}
	if side == order.Buy {
		return price - price%tick
	}
	if rem := price % tick; rem != 0 {
		return price - rem + tick
	}
	return price
}

// Aligned reports whether a price already sits on the tick grid.
func Aligned(price, tick int64) bool {
	if tick <= 1 {
		return true
	}
	return price%tick == 0
}
