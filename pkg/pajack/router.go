package pajack

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const overflowNotifyInterval = time.Minute

// Router ties the pieces together: it provisions the slot topology, routes new streams
// into free slots and keeps the occupancy table honest.
//
// opLock serializes everything that touches slot assignment or slot devices, so a
// reconciliation snapshot can never race a claim-and-move, and re-provisioning pauses
// event handling until the new slots exist.
type Router struct {
	logger      *zap.SugaredLogger
	server      SoundServer
	provisioner *Provisioner
	pool        *SlotPool
	metrics     *Metrics
	notifier    Notifier

	opLock sync.Mutex

	topoLock sync.Mutex
	topology *Topology

	overflowLimiter *rate.Limiter

	onFatal func(error)
}

func NewRouter(logger *zap.SugaredLogger, server SoundServer, provisioner *Provisioner, pool *SlotPool, metrics *Metrics, notifier Notifier) *Router {
	logger = logger.Named("router")

	r := &Router{
		logger:          logger,
		server:          server,
		provisioner:     provisioner,
		pool:            pool,
		metrics:         metrics,
		notifier:        notifier,
		overflowLimiter: rate.NewLimiter(rate.Every(overflowNotifyInterval), 1),
	}

	logger.Debug("Created router instance")

	return r
}

// OnFatal registers the callback for failures the process can't continue after
func (r *Router) OnFatal(f func(error)) {
	r.onFatal = f
}

// Provision builds the slot topology and resets the occupancy table to match it.
// Every assignment made before is invalid afterwards.
func (r *Router) Provision(channelBudget int) error {
	r.opLock.Lock()
	defer r.opLock.Unlock()

	return r.provisionLocked(channelBudget)
}

// Reprovision is Provision for a running daemon: a failure is fatal, since the
// old slots may already be gone
func (r *Router) Reprovision(channelBudget int) error {
	r.opLock.Lock()
	defer r.opLock.Unlock()

	r.logger.Warnw("Re-provisioning slots, current assignments will be dropped",
		"channelBudget", channelBudget,
		"occupied", r.pool.InUse())

	err := r.provisionLocked(channelBudget)
	if err != nil && r.onFatal != nil {
		r.onFatal(err)
	}

	return err
}

func (r *Router) provisionLocked(channelBudget int) error {
	topology, err := r.provisioner.Provision(channelBudget)
	r.metrics.observeProvision(err)

	if err != nil {
		r.logger.Errorw("Failed to provision devices", "channelBudget", channelBudget, "error", err)
		return fmt.Errorf("provision %d channels: %w", channelBudget, err)
	}

	r.pool.Reset(topology.Slots)

	r.topoLock.Lock()
	r.topology = topology
	r.topoLock.Unlock()

	r.observeSlots()

	return nil
}

// Topology returns the active topology, nil before the first successful provisioning
func (r *Router) Topology() *Topology {
	r.topoLock.Lock()
	defer r.topoLock.Unlock()

	return r.topology
}

// HandleNewStream claims the first free slot for the stream and moves it there
func (r *Router) HandleNewStream(ev ServerEvent) {
	r.opLock.Lock()
	defer r.opLock.Unlock()

	stream := StreamID(ev.Index)

	if slot, ok := r.pool.SlotFor(stream); ok {
		r.logger.Debugw("Stream already routed, ignoring", "stream", stream, "slot", slot.Index)
		r.metrics.observeClaim(claimOutcomeDuplicate)
		return
	}

	slot, err := r.pool.Claim(stream)
	if err != nil {
		var noFree *NoFreeSlotError
		if errors.As(err, &noFree) {
			r.logger.Warnw("No free slot, leaving stream unrouted", "stream", stream, "slots", noFree.Slots)
			r.metrics.observeClaim(claimOutcomeNoFreeSlot)
			r.maybeNotifyOverflow(noFree)
			return
		}

		r.logger.Errorw("Failed to claim slot", "stream", stream, "error", err)
		return
	}

	if err := r.server.MoveStreamToSink(uint32(stream), uint32(slot.Handle)); err != nil {
		if releaseErr := r.pool.Release(slot.Handle); releaseErr != nil {
			r.logger.Warnw("Failed to release slot after failed move", "slot", slot.Index, "error", releaseErr)
		}

		r.logger.Warnw("Failed to move stream into slot, slot released", "stream", stream, "slot", slot.Index, "error", err)
		r.metrics.observeClaim(claimOutcomeMoveFailed)
		return
	}

	r.logger.Infow("Claimed slot", "stream", stream, "slot", slot.Index, "sink", slot.Name, "masterChannels", slot.MasterChannels)
	r.metrics.observeClaim(claimOutcomeClaimed)
	r.observeSlots()
}

// HandleStreamRemoved frees the slot the removed stream held
func (r *Router) HandleStreamRemoved(ev ServerEvent) {
	r.opLock.Lock()
	defer r.opLock.Unlock()

	slot, ok := r.pool.ReleaseStream(StreamID(ev.Index))
	if !ok {
		return
	}

	r.logger.Infow("Released slot", "stream", ev.Index, "slot", slot.Index)
	r.metrics.observeRelease()
	r.observeSlots()
}

// Reconcile replaces tracked occupancy with what the server reports and returns the
// number of corrected slots
func (r *Router) Reconcile() (int, error) {
	r.opLock.Lock()
	defer r.opLock.Unlock()

	return r.reconcileLocked()
}

// ReconcileIfIdle is the timer variant: it skips the pass when an event is being handled
func (r *Router) ReconcileIfIdle() {
	if !r.opLock.TryLock() {
		r.logger.Debug("Router busy, skipping reconciliation")
		return
	}
	defer r.opLock.Unlock()

	if _, err := r.reconcileLocked(); err != nil {
		r.logger.Warnw("Reconciliation failed", "error", err)
	}
}

func (r *Router) reconcileLocked() (int, error) {
	inputs, err := r.server.ListSinkInputs()
	if err != nil {
		return 0, fmt.Errorf("list sink inputs: %w", err)
	}

	live := make(Occupancy)
	for _, input := range inputs {
		handle := SlotHandle(input.Sink)
		if !r.pool.Owns(handle) {
			continue
		}

		// several streams on one slot: the lowest index is reported as the occupant
		stream := StreamID(input.Index)
		if current, seen := live[handle]; !seen || stream < current {
			live[handle] = stream
		}
	}

	stale := r.pool.Reconcile(live)
	for _, discrepancy := range stale {
		r.logger.Debugw("Corrected stale assignment", "slot", discrepancy.Slot, "error", discrepancy)
	}

	if len(stale) > 0 {
		r.logger.Infow("Reconciled slot occupancy", "discrepancies", len(stale), "occupied", r.pool.InUse())
	} else {
		r.logger.Debugw("Reconciled slot occupancy", "discrepancies", 0, "occupied", r.pool.InUse())
	}

	r.metrics.observeReconcile(len(stale))
	r.observeSlots()

	return len(stale), nil
}

func (r *Router) maybeNotifyOverflow(noFree *NoFreeSlotError) {
	if !r.overflowLimiter.Allow() {
		return
	}

	r.notifier.Notify("No free audio slot",
		fmt.Sprintf("All %d slots are in use; stream %d plays unrouted.", noFree.Slots, noFree.Stream))
}

func (r *Router) observeSlots() {
	r.metrics.observeSlots(r.pool.Size(), r.pool.InUse())
}

// SlotStatus is one slot as reported by the status endpoint
type SlotStatus struct {
	Index          int     `json:"index"`
	Name           string  `json:"name"`
	Sink           uint32  `json:"sink"`
	MasterChannels [2]int  `json:"master_channels"`
	Occupied       bool    `json:"occupied"`
	Stream         *uint32 `json:"stream,omitempty"`
}

// Status is a point-in-time view of the routing state
type Status struct {
	Generation      string       `json:"generation"`
	ChannelBudget   int          `json:"channel_budget"`
	MasterSink      string       `json:"master_sink"`
	MasterSinkIndex uint32       `json:"master_sink_index"`
	FeedState       string       `json:"feed_state"`
	Slots           []SlotStatus `json:"slots"`
}

// Status reports the topology and occupancy; FeedState is left for the caller
func (r *Router) Status() Status {
	status := Status{Slots: []SlotStatus{}}

	if topology := r.Topology(); topology != nil {
		status.Generation = topology.Generation
		status.ChannelBudget = topology.ChannelBudget
		status.MasterSink = topology.Master.Name
		status.MasterSinkIndex = topology.Master.Index
	}

	for _, slot := range r.pool.Snapshot() {
		entry := SlotStatus{
			Index:          slot.Index,
			Name:           slot.Name,
			Sink:           uint32(slot.Handle),
			MasterChannels: slot.MasterChannels,
			Occupied:       slot.Occupied,
		}

		if slot.Occupied && slot.Stream != NoStream {
			stream := uint32(slot.Stream)
			entry.Stream = &stream
		}

		status.Slots = append(status.Slots, entry)
	}

	return status
}
