// Package netalloc hands out deterministic, recyclable network slots for
// machines: a gateway/guest IPv4 pair and a host TAP device name, derived
// purely from an integer index so that uniqueness reduces to index
// uniqueness. Recycling is LIFO, matching the free-list shape used by the
// teacher codebase's CID/IP resource pools.
package netalloc

import (
	"errors"
	"fmt"
	"sync"
)

// MaxSlots bounds the number of concurrently issued slots. Beyond this the
// allocator returns ErrResourceExhausted rather than wrapping the index
// space and risking a duplicate slot.
const MaxSlots = 16384

// ErrResourceExhausted is returned once MaxSlots concurrently-issued slots
// are outstanding.
var ErrResourceExhausted = errors.New("netalloc: no network slots available")

// Slot is the (gateway, guest, TAP) triple owned by exactly one machine at
// a time.
type Slot struct {
	Index   int
	Gateway string
	Guest   string
	TAP     string
}

// Allocator issues and recycles Slots. Zero value is not usable; use New.
type Allocator struct {
	mu        sync.Mutex
	next      int   // first never-issued index
	recycled  []int // LIFO stack of reclaimed indices
	issued    int   // count of slots currently outstanding
	tapPrefix string
}

// New creates an Allocator. tapPrefix names the host TAP devices, e.g.
// "tap" yields "tap0", "tap1", ...
func New(tapPrefix string) *Allocator {
	if tapPrefix == "" {
		tapPrefix = "tap"
	}
	return &Allocator{tapPrefix: tapPrefix}
}

// Allocate pops a recycled slot if one is available, otherwise synthesizes
// the next never-issued slot from the running counter.
func (a *Allocator) Allocate() (Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.recycled); n > 0 {
		idx := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		a.issued++
		return slotForIndex(a.tapPrefix, idx), nil
	}

	if a.issued >= MaxSlots {
		return Slot{}, ErrResourceExhausted
	}
	idx := a.next
	a.next++
	a.issued++
	return slotForIndex(a.tapPrefix, idx), nil
}

// Reclaim returns a previously issued slot to the LIFO recycle stack.
func (a *Allocator) Reclaim(s Slot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recycled = append(a.recycled, s.Index)
	if a.issued > 0 {
		a.issued--
	}
}

// Outstanding reports the number of slots currently issued and not
// reclaimed. Exposed for metrics and tests.
func (a *Allocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.issued
}

// slotForIndex computes the deterministic slot for index i: gateway
// 172.16.(i>>6).((i<<2)&0xFF | 1), guest one higher, /30 mask, TAP named
// "<prefix><i>".
func slotForIndex(tapPrefix string, i int) Slot {
	b2 := byte(i >> 6)
	b3 := byte((i<<2)&0xFF) | 1
	gateway := fmt.Sprintf("172.16.%d.%d", b2, b3)
	guest := fmt.Sprintf("172.16.%d.%d", b2, b3+1)
	return Slot{
		Index:   i,
		Gateway: gateway,
		Guest:   guest,
		TAP:     fmt.Sprintf("%s%d", tapPrefix, i),
	}
}
