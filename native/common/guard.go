package common

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrModulePaused = errors.New("module paused")
	ErrReentrant    = errors.New("reentrant call rejected")
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is an in-memory PauseView toggled by operators.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses seeds the view with the provided paused modules.
func NewPauses(modules ...string) *Pauses {
	p := &Pauses{paused: make(map[string]bool)}
	for _, m := range modules {
		p.paused[m] = true
	}
	return p
}

func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}

func (p *Pauses) Set(module string, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[module] = true
		return
	}
	delete(p.paused, module)
}

// ReentrancyGuard rejects nested entry while an outer call is in flight.
// The zero value is ready for use.
type ReentrancyGuard struct {
	entered atomic.Bool
}

// Enter claims the guard. Callers must invoke the returned release exactly once.
func (g *ReentrancyGuard) Enter() (func(), error) {
	if !g.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrant
	}
	return func() { g.entered.Store(false) }, nil
}

// Entered reports whether a call currently holds the guard.
func (g *ReentrancyGuard) Entered() bool {
	return g.entered.Load()
}
