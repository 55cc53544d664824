// Package arena provides a generation-checked slot arena. Values live in a
// flat table and are addressed by compact handles instead of pointers, so a
// handle held past the value's release is detected instead of silently
// aliasing a recycled slot.
package arena

import "errors"

// Handle addresses one live slot. The low 32 bits index the table, the high
// 32 bits carry the slot's generation at allocation time. The zero Handle is
// never valid.
type Handle uint64

// None is the zero handle, valid for no slot.
const None Handle = 0

func (h Handle) index() uint32      { return uint32(h) }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

func makeHandle(index, gen uint32) Handle {
	return Handle(index) | Handle(gen)<<32
}

// ErrStale reports a handle whose slot was released, possibly recycled.
var ErrStale = errors.New("arena: stale handle")

type slot[T any] struct {
	value T
	gen   uint32
	live  bool
	pins  uint32
	// doomed marks a pinned slot whose Release was deferred; the last
	// Unpin completes it.
	doomed bool
}

// Arena is a generation-checked slot table. It is not safe for concurrent
// use; callers confine each arena to one loop goroutine.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
}

// New creates an arena with room for hint values before growing.
func New[T any](hint int) *Arena[T] {
	return &Arena[T]{slots: make([]slot[T], 0, hint)}
}

// Alloc stores value and returns its handle.
func (a *Arena[T]) Alloc(value T) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1)
	}

	s := &a.slots[idx]
	s.value = value
	s.live = true
	s.pins = 0
	s.doomed = false
	if s.gen == 0 {
		// Generation zero is reserved so the zero Handle stays invalid.
		s.gen = 1
	}
	a.live++
	return makeHandle(idx, s.gen)
}

// Get returns a pointer to the value behind h. The pointer is valid until
// the next Alloc and must not be retained across it.
func (a *Arena[T]) Get(h Handle) (*T, error) {
	s, err := a.lookup(h)
	if err != nil {
		return nil, err
	}
	return &s.value, nil
}

// Pin marks h in use by an in-flight operation. A pinned slot survives
// Release until every pin is dropped.
func (a *Arena[T]) Pin(h Handle) error {
	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	s.pins++
	return nil
}

// Unpin drops one pin. If Release ran while the slot was pinned, the last
// Unpin frees it. Unlike Get and Pin, Unpin still resolves a handle whose
// Release was deferred.
func (a *Arena[T]) Unpin(h Handle) error {
	s := a.slot(h)
	if s == nil || (!s.live && !s.doomed) {
		return ErrStale
	}
	if s.pins > 0 {
		s.pins--
	}
	if s.pins == 0 && s.doomed {
		a.freeSlot(h.index(), s)
	}
	return nil
}

// Release frees the slot behind h. If the slot is pinned the free is
// deferred until the last Unpin, but the handle goes stale immediately for
// Get and Pin.
func (a *Arena[T]) Release(h Handle) error {
	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	if s.pins > 0 {
		s.doomed = true
		s.live = false
		a.live--
		return nil
	}
	a.live--
	a.freeSlot(h.index(), s)
	return nil
}

// Len returns the number of live values, deferred frees excluded.
func (a *Arena[T]) Len() int { return a.live }

func (a *Arena[T]) lookup(h Handle) (*slot[T], error) {
	s := a.slot(h)
	if s == nil || !s.live {
		return nil, ErrStale
	}
	return s, nil
}

func (a *Arena[T]) slot(h Handle) *slot[T] {
	idx := h.index()
	if int(idx) >= len(a.slots) {
		return nil
	}
	s := &a.slots[idx]
	if s.gen != h.generation() {
		return nil
	}
	return s
}

func (a *Arena[T]) freeSlot(idx uint32, s *slot[T]) {
	var zero T
	s.value = zero
	s.live = false
	s.doomed = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, idx)
}
