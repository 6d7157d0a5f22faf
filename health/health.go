// Package health tracks per-connection freshness and decides which
// connections are lagging enough to warrant a duplicate request on a
// fresh connection. Three interchangeable algorithms are provided
// behind one Detector interface, selected once at construction time
// rather than branched on inside the dispatch loop.
package health

import (
	"time"

	"golang.org/x/exp/slices"
)

// Snapshot is the read-only view of one connection's health state that
// detectors evaluate against.
type Snapshot struct {
	ID           uint64
	Stack        int
	LastRecvTime time.Time
}

// Detector decides, given the current time and every live connection's
// Snapshot, which connection ids should have a duplicate request
// issued on a fresh connection.
type Detector interface {
	Evaluate(now time.Time, conns []Snapshot) []uint64
}

// CountReceive applies the per-receive stack accounting (spec.md 4.6):
// every connection other than the one that just received increments
// its Stack; the receiving connection's Stack resets to zero.
func CountReceive(conns map[uint64]*Snapshot, receivedID uint64) {
	for id, s := range conns {
		if id == receivedID {
			s.Stack = 0
		} else {
			s.Stack++
		}
	}
}

// sortedIDs returns conns sorted by ID ascending, giving a stable,
// deterministic iteration order to break ties by "first in iteration
// order" as spec.md 4.6 requires for STACK_V1.
func sortedIDs(conns []Snapshot) []Snapshot {
	out := append([]Snapshot(nil), conns...)
	slices.SortFunc(out, func(a, b Snapshot) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// StackV1 is the default detector: if the sum of every connection's
// Stack exceeds weight*len(conns), the single connection with the
// highest Stack (ties broken by lowest ID) is duplicate-requested.
type StackV1 struct {
	Weight int
}

// NewStackV1 builds a StackV1 detector with the given weight (the
// spec's default weight is 10).
func NewStackV1(weight int) *StackV1 {
	if weight <= 0 {
		weight = 10
	}
	return &StackV1{Weight: weight}
}

func (d *StackV1) Evaluate(_ time.Time, conns []Snapshot) []uint64 {
	if len(conns) == 0 {
		return nil
	}

	sum := 0
	for _, c := range conns {
		sum += c.Stack
	}

	threshold := d.Weight * len(conns)
	if sum <= threshold {
		return nil
	}

	ordered := sortedIDs(conns)
	best := ordered[0]
	for _, c := range ordered[1:] {
		if c.Stack > best.Stack {
			best = c
		}
	}
	return []uint64{best.ID}
}

// StackV2 localizes to outliers: every connection whose Stack is at
// least mean*weight is duplicate-requested in one pass.
type StackV2 struct {
	Weight float64
}

// NewStackV2 builds a StackV2 detector with the given weight (the
// spec's default weight is 5).
func NewStackV2(weight float64) *StackV2 {
	if weight <= 0 {
		weight = 5
	}
	return &StackV2{Weight: weight}
}

func (d *StackV2) Evaluate(_ time.Time, conns []Snapshot) []uint64 {
	if len(conns) == 0 {
		return nil
	}

	sum := 0
	for _, c := range conns {
		sum += c.Stack
	}
	mean := float64(sum) / float64(len(conns))

	var out []uint64
	for _, c := range sortedIDs(conns) {
		if float64(c.Stack) >= mean*d.Weight {
			out = append(out, c.ID)
		}
	}
	return out
}

// Timeout duplicate-requests every connection that has not received
// any bytes for longer than the configured duration.
type Timeout struct {
	Duration time.Duration
}

// NewTimeout builds a Timeout detector (the spec's default is 5s).
func NewTimeout(d time.Duration) *Timeout {
	if d <= 0 {
		d = 5 * time.Second
	}
	return &Timeout{Duration: d}
}

func (d *Timeout) Evaluate(now time.Time, conns []Snapshot) []uint64 {
	var out []uint64
	for _, c := range sortedIDs(conns) {
		if now.Sub(c.LastRecvTime) > d.Duration {
			out = append(out, c.ID)
		}
	}
	return out
}
