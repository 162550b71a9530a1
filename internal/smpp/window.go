package smpp

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrWindowFull is returned when no slot frees up within the offer wait.
	ErrWindowFull = errors.New("smpp: send window full")
	// ErrSlotNotFound is returned by Cancel for unknown or completed slots.
	ErrSlotNotFound = errors.New("smpp: window slot not found")
)

// Slot is the externally visible state of one in-flight request.
type Slot struct {
	Seq       uint32
	OfferedAt time.Time
	Done      bool
}

// WindowView is the read/cancel surface the window monitor works against.
type WindowView interface {
	// MaxSize is the configured window bound.
	MaxSize() int
	// Snapshot lists the in-flight requests ordered by sequence number.
	Snapshot() []Slot
	// Cancel force-frees the slot for seq. The submit waiting on it, if
	// any, observes a cancellation.
	Cancel(seq uint32) error
}

type slotState struct {
	offeredAt time.Time
	done      bool
	resp      chan *SubmitSmResp // closed without a value on cancel
}

// window tracks in-flight submits, bounded by maxSize. A slot is freed when
// its response arrives and is collected, or when it is cancelled.
type window struct {
	mu      sync.Mutex
	free    *sync.Cond
	maxSize int
	slots   map[uint32]*slotState
}

func newWindow(maxSize int) *window {
	w := &window{
		maxSize: maxSize,
		slots:   make(map[uint32]*slotState),
	}
	w.free = sync.NewCond(&w.mu)
	return w
}

// offer reserves a slot for seq, waiting up to offerWait for space.
func (w *window) offer(seq uint32, offerWait time.Duration) (*slotState, error) {
	deadline := time.Now().Add(offerWait)

	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.slots) >= w.maxSize {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrWindowFull
		}
		// Cond has no deadline wait; poke waiters periodically so the
		// deadline is honored even if nothing completes.
		t := time.AfterFunc(remaining, w.free.Broadcast)
		w.free.Wait()
		t.Stop()
	}
	st := &slotState{
		offeredAt: time.Now(),
		resp:      make(chan *SubmitSmResp, 1),
	}
	w.slots[seq] = st
	return st, nil
}

// complete delivers a response to the slot for seq and frees it.
func (w *window) complete(resp *SubmitSmResp) bool {
	w.mu.Lock()
	st, ok := w.slots[resp.Seq]
	if ok {
		st.done = true
		delete(w.slots, resp.Seq)
		w.free.Broadcast()
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	st.resp <- resp
	return true
}

func (w *window) MaxSize() int { return w.maxSize }

func (w *window) Snapshot() []Slot {
	w.mu.Lock()
	out := make([]Slot, 0, len(w.slots))
	for seq, st := range w.slots {
		out = append(out, Slot{Seq: seq, OfferedAt: st.offeredAt, Done: st.done})
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (w *window) Cancel(seq uint32) error {
	w.mu.Lock()
	st, ok := w.slots[seq]
	if ok {
		delete(w.slots, seq)
		w.free.Broadcast()
	}
	w.mu.Unlock()
	if !ok {
		return ErrSlotNotFound
	}
	close(st.resp)
	return nil
}

// size reports the number of occupied slots.
func (w *window) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.slots)
}
