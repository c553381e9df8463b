package pajack

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// StreamID identifies a stream (sink input) on the sound server
type StreamID uint32

// NoStream marks a slot that no stream occupies
const NoStream StreamID = math.MaxUint32

// SlotHandle is the sink index of a slot's remap device
type SlotHandle uint32

// Slot is one stereo remap device feeding a channel pair of the master sink
type Slot struct {
	Index          int
	Name           string
	Handle         SlotHandle
	Module         uint32
	MasterChannels [2]int

	Occupied bool
	Stream   StreamID
}

// Occupancy is a snapshot of which slot devices have a stream playing into them.
// Its keys are the live set; the value is the stream found there.
type Occupancy map[SlotHandle]StreamID

// SlotPool is the authoritative occupancy table. Claims are first-fit by slot index.
type SlotPool struct {
	logger *zap.SugaredLogger

	lock     sync.Mutex
	slots    []Slot
	byHandle map[SlotHandle]int
}

func NewSlotPool(logger *zap.SugaredLogger) *SlotPool {
	logger = logger.Named("slots")

	p := &SlotPool{
		logger:   logger,
		byHandle: make(map[SlotHandle]int),
	}

	logger.Debug("Created slot pool instance")

	return p
}

// Reset replaces the whole table, e.g. after provisioning. Every slot starts free,
// so any assignment made against the previous topology is dropped.
func (p *SlotPool) Reset(slots []Slot) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.slots = make([]Slot, len(slots))
	p.byHandle = make(map[SlotHandle]int, len(slots))

	for i, slot := range slots {
		slot.Index = i
		slot.Occupied = false
		slot.Stream = NoStream

		p.slots[i] = slot
		p.byHandle[slot.Handle] = i
	}

	p.logger.Debugw("Slot table reset", "slots", len(slots))
}

// Claim marks the lowest-indexed free slot as occupied by stream and returns it
func (p *SlotPool) Claim(stream StreamID) (Slot, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for i := range p.slots {
		if p.slots[i].Occupied {
			continue
		}

		p.slots[i].Occupied = true
		p.slots[i].Stream = stream

		return p.slots[i], nil
	}

	return Slot{}, &NoFreeSlotError{Stream: stream, Slots: len(p.slots)}
}

// Release marks the slot backed by handle as free
func (p *SlotPool) Release(handle SlotHandle) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	idx, ok := p.byHandle[handle]
	if !ok {
		return fmt.Errorf("release sink %d: %w", handle, ErrUnknownSlot)
	}

	p.slots[idx].Occupied = false
	p.slots[idx].Stream = NoStream

	return nil
}

// ReleaseStream frees whatever slot stream holds, if any
func (p *SlotPool) ReleaseStream(stream StreamID) (Slot, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for i := range p.slots {
		if p.slots[i].Occupied && p.slots[i].Stream == stream {
			released := p.slots[i]

			p.slots[i].Occupied = false
			p.slots[i].Stream = NoStream

			return released, true
		}
	}

	return Slot{}, false
}

// SlotFor returns the slot currently assigned to stream
func (p *SlotPool) SlotFor(stream StreamID) (Slot, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for _, slot := range p.slots {
		if slot.Occupied && slot.Stream == stream {
			return slot, true
		}
	}

	return Slot{}, false
}

// Owns reports whether handle is one of the pool's slot devices
func (p *SlotPool) Owns(handle SlotHandle) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	_, ok := p.byHandle[handle]
	return ok
}

// Reconcile makes the table match live exactly. Live always wins; every corrected
// slot is reported back.
func (p *SlotPool) Reconcile(live Occupancy) []*StaleAssignmentError {
	p.lock.Lock()
	defer p.lock.Unlock()

	var stale []*StaleAssignmentError

	for i := range p.slots {
		slot := &p.slots[i]

		liveStream, busy := live[slot.Handle]
		if !busy {
			liveStream = NoStream
		}

		if busy == slot.Occupied && (!busy || liveStream == slot.Stream) {
			continue
		}

		stale = append(stale, &StaleAssignmentError{
			Slot:     slot.Index,
			Recorded: slot.Stream,
			Live:     liveStream,
		})

		slot.Occupied = busy
		slot.Stream = liveStream
	}

	return stale
}

// Snapshot returns a copy of the table in slot order
func (p *SlotPool) Snapshot() []Slot {
	p.lock.Lock()
	defer p.lock.Unlock()

	out := make([]Slot, len(p.slots))
	copy(out, p.slots)

	return out
}

// Size is the number of slots, i.e. channel budget / 2
func (p *SlotPool) Size() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	return len(p.slots)
}

// InUse is the number of occupied slots
func (p *SlotPool) InUse() int {
	p.lock.Lock()
	defer p.lock.Unlock()

	n := 0
	for _, slot := range p.slots {
		if slot.Occupied {
			n++
		}
	}

	return n
}

func (p *SlotPool) String() string {
	p.lock.Lock()
	defer p.lock.Unlock()

	used := 0
	for _, slot := range p.slots {
		if slot.Occupied {
			used++
		}
	}

	return fmt.Sprintf("<%d/%d slots occupied>", used, len(p.slots))
}
