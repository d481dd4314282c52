// Package registry tracks which sandbox worker serves which canister: a
// CanisterId -> slot table with Active/Evicted/Empty states, get-or-spawn
// acquisition, and a background sweeper that demotes idle workers and
// publishes aggregate RSS metrics.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/roadrunner-server/errors"

	"github.com/pipe-blockchain/ic/config"
	"github.com/pipe-blockchain/ic/events"
	"github.com/pipe-blockchain/ic/ids"
	"github.com/pipe-blockchain/ic/procmetrics"
	"github.com/pipe-blockchain/ic/ref"
	"github.com/pipe-blockchain/ic/sandboxerrors"
	"github.com/pipe-blockchain/ic/sandboxmetrics"
	"github.com/pipe-blockchain/ic/workerproc"
)

// SlotState tags a canister's slot. Empty is transient: the registry mutex
// is held across every state write in this package, so Empty is never
// observed outside the critical section installing its replacement and never
// actually needs to be stored.
type SlotState int

const (
	Empty SlotState = iota
	Active
	Evicted
)

type slot struct {
	state    SlotState
	strong   ref.Strong[workerproc.Process] // valid iff state == Active
	weak     ref.Weak[workerproc.Process]   // valid iff state == Evicted
	lastUsed time.Time
}

// Registry is the CanisterId -> slot table, guarded by a single coarse
// mutex. The mutex is held only for map reads/writes, never across RPCs,
// I/O, or spawn.
type Registry struct {
	mu    sync.Mutex
	slots map[ids.CanisterId]*slot

	binary      string
	args        []string
	idleTimeout time.Duration
	sweepEvery  time.Duration

	metrics *sandboxmetrics.Metrics
	events  events.Handler
	log     zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Registry from its configuration. events may be nil, in
// which case lifecycle notifications are simply dropped.
func New(cfg *config.Config, metrics *sandboxmetrics.Metrics, ev events.Handler, log zerolog.Logger) *Registry {
	if ev == nil {
		ev = events.NewHandler()
	}
	return &Registry{
		slots:       make(map[ids.CanisterId]*slot),
		binary:      cfg.SandboxBinary,
		args:        cfg.SandboxArgs,
		idleTimeout: cfg.IdleTimeout,
		sweepEvery:  cfg.SweepInterval,
		metrics:     metrics,
		events:      ev,
		log:         log,
		stopCh:      make(chan struct{}),
	}
}

// Acquire returns a strong reference to the worker serving canisterID,
// spawning one if none exists.
func (r *Registry) Acquire(canisterID ids.CanisterId) (ref.Strong[workerproc.Process], error) {
	const op = errors.Op("registry_acquire")

	if strong, ok := r.tryExisting(canisterID); ok {
		return strong, nil
	}

	spawnStart := time.Now()
	spawned, err := workerproc.Spawn(r.binary, r.args, canisterID, r.log)
	if r.metrics != nil {
		r.metrics.SpawnProcess.Observe(time.Since(spawnStart).Seconds())
	}
	if err != nil {
		r.events.Push(events.WorkerEvent{Event: events.WorkerSpawnFailed, CanisterId: canisterID, Err: err})
		return ref.Strong[workerproc.Process]{}, errors.E(op, sandboxerrors.SpawnFailed, err)
	}
	r.events.Push(events.WorkerEvent{Event: events.WorkerSpawned, CanisterId: canisterID, Pid: spawned.Get().Pid()})

	return r.install(canisterID, spawned), nil
}

// tryExisting looks at the current slot for canisterID without spawning.
func (r *Registry) tryExisting(canisterID ids.CanisterId) (ref.Strong[workerproc.Process], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[canisterID]
	if !ok {
		return ref.Strong[workerproc.Process]{}, false
	}

	switch s.state {
	case Active:
		out := s.strong.Clone()
		s.lastUsed = time.Now()
		return out, true
	case Evicted:
		strong, upgraded := s.weak.Upgrade()
		if !upgraded {
			delete(r.slots, canisterID)
			return ref.Strong[workerproc.Process]{}, false
		}
		if r.idleTimeout > 0 {
			// A successful upgrade promotes back to Active whenever idle
			// retention is enabled at all; with no warm period there is
			// nothing to promote into.
			s.state = Active
			s.strong = strong.Clone()
			s.lastUsed = time.Now()
		}
		return strong, true
	default:
		return ref.Strong[workerproc.Process]{}, false
	}
}

// install places a freshly spawned worker into canisterID's slot. If a
// concurrent Acquire raced and already installed a slot, the later writer's
// worker replaces the earlier one in the map, and the earlier one's
// registry-held strong reference (if any) is dropped, triggering its
// Terminate RPC once the last outside holder lets go.
func (r *Registry) install(canisterID ids.CanisterId, spawned ref.Strong[workerproc.Process]) ref.Strong[workerproc.Process] {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.slots[canisterID]

	var newSlot *slot
	if r.idleTimeout == 0 {
		newSlot = &slot{state: Evicted, weak: spawned.Downgrade()}
	} else {
		newSlot = &slot{state: Active, strong: spawned.Clone(), lastUsed: time.Now()}
	}
	r.slots[canisterID] = newSlot

	if old != nil && old.state == Active {
		old.strong.Release()
	}

	return spawned
}

// StartSweeper launches the background sweeper goroutine. It runs until
// Stop is called.
func (r *Registry) StartSweeper() {
	go r.sweepLoop()
}

// Stop ends the sweeper goroutine so tests and embedding callers can tear a
// Registry down without leaking a goroutine for the process lifetime.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) sweepLoop() {
	interval := r.sweepEvery
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

// sweepOnce runs one sweep tick: snapshot live workers under the lock,
// release the lock, then probe RSS and publish totals.
func (r *Registry) sweepOnce() {
	live := r.snapshotLive()

	var anonTotal, sharedTotal uint64
	for _, w := range live {
		pid := int32(w.Get().Pid())

		if kib, err := procmetrics.AnonRSS(pid); err == nil {
			anonTotal += kib
		} else {
			r.log.Warn().Err(err).Int32("pid", pid).Msg("anon rss probe failed")
			r.events.Push(events.WorkerEvent{Event: events.SweeperProbeFailed, Pid: int64(pid), Err: err})
		}

		if kib, err := procmetrics.SharedRSS(pid); err == nil {
			sharedTotal += kib
		} else {
			r.log.Warn().Err(err).Int32("pid", pid).Msg("shared rss probe failed")
			r.events.Push(events.WorkerEvent{Event: events.SweeperProbeFailed, Pid: int64(pid), Err: err})
		}

		w.Release()
	}

	if r.metrics != nil {
		r.metrics.SubprocessAnonRSSTotal.Set(float64(anonTotal))
		r.metrics.SubprocessSharedRSSTotal.Set(float64(sharedTotal))
	}
}

// snapshotLive demotes idle Active slots to Evicted, drops Evicted slots
// whose weak ref has already died, and returns one strong reference per
// still-reachable worker for the caller to probe and release. Neither I/O
// nor RPC happens while the lock is held. A slot demoted this tick is still
// reported live this round; it is only reaped on a later tick once its weak
// ref is actually dead.
func (r *Registry) snapshotLive() []ref.Strong[workerproc.Process] {
	r.mu.Lock()
	defer r.mu.Unlock()

	var live []ref.Strong[workerproc.Process]
	for canisterID, s := range r.slots {
		switch s.state {
		case Active:
			// Clone before any demotion so a worker whose only strong ref
			// was the registry's is still probed this tick rather than being
			// terminated mid-sweep.
			live = append(live, s.strong.Clone())
			if r.idleTimeout > 0 && time.Since(s.lastUsed) > r.idleTimeout {
				s.weak = s.strong.Downgrade()
				s.strong.Release()
				s.strong = ref.Strong[workerproc.Process]{}
				s.state = Evicted
				r.events.Push(events.WorkerEvent{Event: events.WorkerEvicted, CanisterId: canisterID})
			}
		case Evicted:
			strong, upgraded := s.weak.Upgrade()
			if upgraded {
				live = append(live, strong)
			} else {
				delete(r.slots, canisterID)
				r.events.Push(events.WorkerEvent{Event: events.WorkerReaped, CanisterId: canisterID})
			}
		}
	}
	return live
}

// SlotState reports a canister's current slot state. Returns Empty if no
// slot exists.
func (r *Registry) SlotState(canisterID ids.CanisterId) SlotState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[canisterID]
	if !ok {
		return Empty
	}
	return s.state
}
