// Package cleanup holds deferred restoration actions for a single test case.
//
// Actions are pushed while a case mutates device state and flushed when the
// case ends, newest first, so the device is returned to the state the case
// found it in whatever the outcome.
package cleanup

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/newtron-network/drvtest/pkg/util"
)

// Action is a pending cleanup callback owned by a Registry.
// It runs at most once.
type Action struct {
	name string
	fn   func() error
	reg  *Registry
}

// Name returns the label the action was pushed with.
func (a *Action) Name() string {
	return a.name
}

// Cancel removes the action from its registry without running it.
// Cancelling an action that already ran or was cancelled is a no-op.
func (a *Action) Cancel() {
	a.reg.remove(a)
}

// Run executes the action immediately and removes it from the registry.
// An action that already ran or was cancelled is not run again.
func (a *Action) Run() error {
	if !a.reg.remove(a) {
		return nil
	}
	return a.exec()
}

func (a *Action) exec() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.fn()
}

// Registry is an ordered set of pending actions.
type Registry struct {
	mu      sync.Mutex
	pending []*Action
	log     *logrus.Entry
}

// New creates an empty registry. A nil log uses the package logger.
func New(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(util.Logger)
	}
	return &Registry{log: log}
}

// Push registers fn to run on Flush. The registry owns the action from here on.
func (r *Registry) Push(name string, fn func() error) *Action {
	a := &Action{name: name, fn: fn, reg: r}
	r.mu.Lock()
	r.pending = append(r.pending, a)
	r.mu.Unlock()
	r.log.Debugf("cleanup: queued %q", name)
	return a
}

// Len returns the number of pending actions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush runs every pending action, newest first, and empties the registry.
// A failing action does not stop the rest from running. The first failure
// is returned; later ones are only logged.
func (r *Registry) Flush() error {
	total := r.Len()
	var first error
	for i := 1; ; i++ {
		a := r.pop()
		if a == nil {
			break
		}
		if err := a.exec(); err != nil {
			r.log.WithError(err).Errorf("cleanup: %q failed (callback %d of %d)", a.name, i, total)
			if first == nil {
				first = fmt.Errorf("cleanup %q (callback %d of %d): %w", a.name, i, total, err)
			}
		}
	}
	return first
}

func (r *Registry) pop() *Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.pending)
	if n == 0 {
		return nil
	}
	a := r.pending[n-1]
	r.pending = r.pending[:n-1]
	return a
}

// remove drops a from the pending list and reports whether it was pending.
func (r *Registry) remove(a *Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.pending {
		if p == a {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return true
		}
	}
	return false
}
