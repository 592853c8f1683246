package delivery

import (
	"sync"
	"time"
)

// State is the per-session Delivery State. Created lazily on
// first reference; never destroyed while the session lives.
type State struct {
	mu sync.Mutex

	IsIdle     bool
	LastIdleAt time.Time

	PendingUserInput          string
	PendingUserInputFirstSeen time.Time
	SavedUserInput            string

	StopNotifySenderID   string
	StopNotifySenderName string

	PasteBufferedStopNotifySenderID   string
	PasteBufferedStopNotifySenderName string

	LastOutgoingSendTarget string
	LastOutgoingSendAt     time.Time

	StopNotifySkipCount int
	SkipCountArmedAt    time.Time

	PendingHandoffPath string
}

// Snapshot returns a copy of the state's fields under lock, safe for
// cross-package callers (e.g. the scheduler's idle probe) that must not
// reach into the unexported mutex directly.
func (s *State) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		IsIdle:     s.IsIdle,
		LastIdleAt: s.LastIdleAt,

		PendingUserInput:          s.PendingUserInput,
		PendingUserInputFirstSeen: s.PendingUserInputFirstSeen,
		SavedUserInput:            s.SavedUserInput,

		StopNotifySenderID:   s.StopNotifySenderID,
		StopNotifySenderName: s.StopNotifySenderName,

		PasteBufferedStopNotifySenderID:   s.PasteBufferedStopNotifySenderID,
		PasteBufferedStopNotifySenderName: s.PasteBufferedStopNotifySenderName,

		LastOutgoingSendTarget: s.LastOutgoingSendTarget,
		LastOutgoingSendAt:     s.LastOutgoingSendAt,

		StopNotifySkipCount: s.StopNotifySkipCount,
		SkipCountArmedAt:    s.SkipCountArmedAt,

		PendingHandoffPath: s.PendingHandoffPath,
	}
}

// stateStore is the meta-mutex-guarded map from session id to Delivery
// State: entries are created under a meta-mutex and never removed.
type stateStore struct {
	metaMu sync.Mutex
	states map[string]*State
}

func newStateStore() *stateStore {
	return &stateStore{states: make(map[string]*State)}
}

func (s *stateStore) get(sessionID string) *State {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	st, ok := s.states[sessionID]
	if !ok {
		st = &State{}
		s.states[sessionID] = st
	}
	return st
}

// deliveryLocks is the per-session delivery mutex map: a map
// from session id to *sync.Mutex, created on first use under a meta-mutex,
// entries never removed (session ids are low-cardinality and long-lived).
type deliveryLocks struct {
	metaMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func newDeliveryLocks() *deliveryLocks {
	return &deliveryLocks{locks: make(map[string]*sync.Mutex)}
}

func (d *deliveryLocks) get(sessionID string) *sync.Mutex {
	d.metaMu.Lock()
	defer d.metaMu.Unlock()
	m, ok := d.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		d.locks[sessionID] = m
	}
	return m
}
