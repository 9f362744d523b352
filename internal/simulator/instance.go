package simulator

import (
	"errors"
	"sync"
)

// State is the lifecycle of a process-wide Handle. It only moves forward.
type State int

const (
	StateUninitialized State = iota
	StateLive
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLive:
		return "live"
	case StateTornDown:
		return "torn down"
	}
	return "unknown"
}

var (
	ErrNotInitialized   = errors.New("[simulator] no simulator installed yet")
	ErrTornDown         = errors.New("[simulator] simulator has been torn down")
	ErrAlreadyInstalled = errors.New("[simulator] simulator already installed")
)

// Handle is a lookup slot for code that cannot be handed the *Simulator
// directly (driver shims, mostly). Lookups report the lifecycle state instead
// of returning a stale instance.
type Handle struct {
	mu    sync.RWMutex
	sim   *Simulator
	state State
}

func (h *Handle) Install(s *Simulator) error {
	if s == nil {
		return errors.New("[simulator] cannot install a nil simulator")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateLive:
		return ErrAlreadyInstalled
	case StateTornDown:
		return ErrTornDown
	}
	h.sim = s
	h.state = StateLive
	return nil
}

func (h *Handle) Instance() (*Simulator, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch h.state {
	case StateUninitialized:
		return nil, ErrNotInitialized
	case StateTornDown:
		return nil, ErrTornDown
	}
	return h.sim, nil
}

// Teardown drops the installed simulator for good. Pointers obtained earlier
// stay memory safe but the handle will never hand one out again.
func (h *Handle) Teardown() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateUninitialized:
		return ErrNotInitialized
	case StateTornDown:
		return ErrTornDown
	}
	h.sim = nil
	h.state = StateTornDown
	return nil
}

func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

var global Handle

// Default is the process-wide handle the package level functions act on.
func Default() *Handle { return &global }

// Install, Instance, Teardown and CurrentState act on the process-wide handle.
func Install(s *Simulator) error    { return global.Install(s) }
func Instance() (*Simulator, error) { return global.Instance() }
func Teardown() error               { return global.Teardown() }
func CurrentState() State           { return global.State() }
