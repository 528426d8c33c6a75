package session

import (
	"sync"
	"time"

	"github.com/polycore/runtime/crypto"
)

// Guard inspects a candidate transition and may veto it by returning false.
type Guard func(old, next State) bool

// Effect runs on exit from the old state or entry to the new state. Effects
// must not themselves call Machine.Transition; doing so returns
// ReentrantTransition rather than recursing.
type Effect func(m *Machine)

// Diagnostics is the per-state bookkeeping the spec's failure semantics
// require (§4.4).
type Diagnostics struct {
	CreationTime            time.Time
	LastModified            time.Time
	TransitionCount         uint64
	IntegrityViolationCount uint64
	IsLocked                bool
	CurrentDigest           [32]byte
}

// Snapshot captures enough state to restore the machine later, subject to
// an integrity digest and staleness check on the per-state version counter.
type Snapshot struct {
	StateID        State
	IntegrityDigest [32]byte
	Timestamp       time.Time
	VersionCounter  uint64
}

// Machine is the session state machine. Exactly one goroutine — the owning
// coordinator — may call its mutating methods; the mutex exists to make
// that contract crash-safe rather than to support concurrent callers.
type Machine struct {
	mu sync.Mutex

	current State
	clock   func() time.Time

	versions map[State]uint64
	locked   map[State]bool
	diag     map[State]*Diagnostics

	guards  map[[2]State]Guard
	onExit  map[State]Effect
	onEnter map[State]Effect

	provider crypto.Provider
	inEffect bool
}

// New constructs a Machine in StateInit.
func New(provider crypto.Provider) *Machine {
	return NewWithClock(provider, time.Now)
}

// NewWithClock is New with an injectable clock, following the teacher's
// TimestampSource pattern for deterministic tests.
func NewWithClock(provider crypto.Provider, clock func() time.Time) *Machine {
	m := &Machine{
		current:  StateInit,
		clock:    clock,
		versions: make(map[State]uint64),
		locked:   make(map[State]bool),
		diag:     make(map[State]*Diagnostics),
		guards:   make(map[[2]State]Guard),
		onExit:   make(map[State]Effect),
		onEnter:  make(map[State]Effect),
		provider: provider,
	}
	now := clock()
	m.diag[StateInit] = &Diagnostics{CreationTime: now, LastModified: now}
	return m
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SetGuard installs a guard predicate for the (old, new) edge. A nil guard
// removes any previously installed guard for that edge.
func (m *Machine) SetGuard(old, next State, g Guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]State{old, next}
	if g == nil {
		delete(m.guards, key)
		return
	}
	m.guards[key] = g
}

// OnExit installs the effect run when leaving s.
func (m *Machine) OnExit(s State, e Effect) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit[s] = e
}

// OnEnter installs the effect run when entering s.
func (m *Machine) OnEnter(s State, e Effect) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnter[s] = e
}

// Lock rejects all outbound transitions from s until Unlock is called.
func (m *Machine) Lock(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked[s] = true
	m.diagFor(s).IsLocked = true
}

// Unlock re-permits outbound transitions from s.
func (m *Machine) Unlock(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked[s] = false
	m.diagFor(s).IsLocked = false
}

// Diagnostics returns a copy of the bookkeeping for s.
func (m *Machine) Diagnostics(s State) Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.diagFor(s)
}

func (m *Machine) diagFor(s State) *Diagnostics {
	d, ok := m.diag[s]
	if !ok {
		now := m.clock()
		d = &Diagnostics{CreationTime: now, LastModified: now}
		m.diag[s] = d
	}
	return d
}

// Transition attempts old→next. It fails with InvalidTransition if the
// edge is not in the permitted table, StateLocked if old is locked,
// GuardRejected if an installed guard vetoes it, and ReentrantTransition if
// called from within an effect closure. On success it runs old's on_exit
// effect, advances the current state, runs next's on_enter effect, bumps
// old's version counter, and updates both states' diagnostics.
func (m *Machine) Transition(next State) error {
	// inEffect is read before locking: the single-owner-goroutine invariant
	// (§5) means only the goroutine already inside Transition can observe
	// or set it, and m.mu is not reentrant — acquiring it from within an
	// effect invoked by this same call would deadlock.
	if m.inEffect {
		return stateErr(ErrReentrantTransition, "transition attempted from within an effect")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.current
	if !isPermitted(old, next) {
		return stateErr(ErrInvalidTransition, "%s -> %s is not a permitted edge", old, next)
	}
	if m.locked[old] {
		return stateErr(ErrStateLocked, "state %s is locked", old)
	}
	if g, ok := m.guards[[2]State{old, next}]; ok && !g(old, next) {
		return stateErr(ErrGuardRejected, "%s -> %s rejected by guard", old, next)
	}

	m.inEffect = true
	if eff, ok := m.onExit[old]; ok {
		eff(m)
	}
	m.inEffect = false

	now := m.clock()
	m.versions[old]++
	oldDiag := m.diagFor(old)
	oldDiag.LastModified = now
	oldDiag.TransitionCount++

	m.current = next
	newDiag := m.diagFor(next)
	newDiag.LastModified = now
	newDiag.TransitionCount++

	m.inEffect = true
	if eff, ok := m.onEnter[next]; ok {
		eff(m)
	}
	m.inEffect = false

	return nil
}

// recordIntegrityViolation transitions to StateError and records the
// violation in the offending state's diagnostics (§4.4 failure semantics).
// The move to ERROR goes through Transition, so an installed guard or a
// lock on the current state can still refuse it, and from a state with no
// ERROR edge it returns Transition's error instead.
func (m *Machine) recordIntegrityViolation(msg string) error {
	m.mu.Lock()
	old := m.current
	m.diagFor(old).IntegrityViolationCount++
	m.mu.Unlock()

	if old == StateError {
		return stateErr(ErrIntegrityViolation, "%s", msg)
	}
	if err := m.Transition(StateError); err != nil {
		return err
	}
	return stateErr(ErrIntegrityViolation, "%s", msg)
}

// FailIntegrity is the public entry point a coordinator calls when an
// integrity check fails outside a normal Transition call, e.g. on a
// checksum or MAC mismatch while processing a frame in the current state.
func (m *Machine) FailIntegrity(msg string) error {
	return m.recordIntegrityViolation(msg)
}

// Snapshot captures {state_id, integrity_digest, timestamp, version_counter}
// for the current state. The digest binds the state id and version counter
// so Restore can detect both corruption and staleness.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	version := m.versions[m.current]
	now := m.clock()
	digest := m.provider.Digest(snapshotDigestInput(m.current, version))
	return Snapshot{
		StateID:         m.current,
		IntegrityDigest: digest,
		Timestamp:       now,
		VersionCounter:  version,
	}
}

func snapshotDigestInput(s State, version uint64) []byte {
	buf := make([]byte, 0, 16)
	buf = append(buf, byte(s))
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(version>>(8*(7-i))))
	}
	return buf
}

// Restore atomically replaces the current state with snap.StateID if the
// integrity digest matches and the snapshot's version counter is not stale
// relative to the machine's own counter for that state.
func (m *Machine) Restore(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := m.provider.Digest(snapshotDigestInput(snap.StateID, snap.VersionCounter))
	if want != snap.IntegrityDigest {
		m.diagFor(m.current).IntegrityViolationCount++
		return stateErr(ErrIntegrityViolation, "snapshot digest mismatch for state %s", snap.StateID)
	}
	if snap.VersionCounter < m.versions[snap.StateID] {
		return stateErr(ErrStaleSnapshot, "snapshot version %d is stale for state %s (current %d)",
			snap.VersionCounter, snap.StateID, m.versions[snap.StateID])
	}

	m.current = snap.StateID
	m.versions[snap.StateID] = snap.VersionCounter
	diag := m.diagFor(snap.StateID)
	diag.LastModified = m.clock()
	diag.CurrentDigest = snap.IntegrityDigest
	return nil
}
