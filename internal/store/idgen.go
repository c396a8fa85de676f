package store

import (
	"fmt"
	"sync"
)

// idWidth is the zero-padding width for decimal ids, per spec.md §3 ("<id>
// is zero-padded decimal from IdGen"). The original's Utils::IdGen emits an
// unpadded "oss << counter++" (include/utils.hpp:191), which would sort
// "_10_" before "_2_" under the lexicographic ScanKeysContainingAll spec.md
// §4.1 requires; padding to a fixed width is the spec-faithful choice here
// (see DESIGN.md's Open Question ledger).
const idWidth = 10

// Family names the three independent id counters the spec requires.
type Family string

const (
	FamilySupplies      Family = "supplies"
	FamilyAlerts        Family = "alerts"
	FamilyNotifications Family = "notifications"
)

// IdGen hands out monotonically increasing decimal ids, one independent
// counter per Family. It must be rehydrated from the store's last_* keys at
// boot so that ids remain monotonic across restarts (I1 in spec.md §3).
//
// Grounded on Utils::IdGen (include/utils.hpp): a plain counter with a
// setId/rehydrate seam. The Go port adds a mutex so that, unlike the
// original's single-threaded class, Next and Rehydrate are safe to call from
// more than one goroutine.
type IdGen struct {
	mu       sync.Mutex
	counters map[Family]int64
}

// NewIdGen returns an IdGen with every family's counter at zero.
func NewIdGen() *IdGen {
	return &IdGen{counters: make(map[Family]int64)}
}

// Rehydrate sets family's counter so the next Next() call returns
// lastSeen+1, per spec.md §4.2.
func (g *IdGen) Rehydrate(family Family, lastSeen int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[family] = lastSeen + 1
}

// Next atomically returns the current zero-padded decimal value for family
// and increments its counter.
func (g *IdGen) Next(family Family) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.counters[family]
	g.counters[family] = id + 1
	return fmt.Sprintf("%0*d", idWidth, id)
}

// LastKey returns the store key under which family's last-assigned id is
// persisted, per the key schema in spec.md §3.
func LastKey(family Family) string {
	switch family {
	case FamilySupplies:
		return "last_supplies"
	case FamilyAlerts:
		return "last_alert"
	case FamilyNotifications:
		return "last_notif"
	default:
		return fmt.Sprintf("last_%s", family)
	}
}
