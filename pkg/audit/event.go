// Package audit journals the changes test cases make to the device under
// test, so a run that leaves a NIC misconfigured can be traced afterwards.
package audit

import (
	"fmt"
	"time"
)

// Event is one journaled device operation.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Device    string        `json:"device"`
	Case      string        `json:"case,omitempty"`
	Operation Operation     `json:"operation"`
	Request   string        `json:"request"`
	Remote    bool          `json:"remote,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Operation categorizes journaled events
type Operation string

const (
	OpRingsSet Operation = "rings-set"
	OpCommand  Operation = "command"
)

// Filter defines criteria for querying events
type Filter struct {
	Device      string
	Case        string
	Operation   Operation
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates an event stamped now.
func NewEvent(device string, op Operation, request string) *Event {
	return &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		Device:    device,
		Operation: op,
		Request:   request,
	}
}

// WithCase sets the case that issued the operation
func (e *Event) WithCase(name string) *Event {
	e.Case = name
	return e
}

// WithRemote marks operations run on the traffic peer
func (e *Event) WithRemote(remote bool) *Event {
	e.Remote = remote
	return e
}

// WithResult records the outcome; a nil err is success.
func (e *Event) WithResult(err error) *Event {
	e.Success = err == nil
	e.Error = ""
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

// Match reports whether ev passes every set criterion.
func (f Filter) Match(ev *Event) bool {
	switch {
	case f.Device != "" && ev.Device != f.Device:
		return false
	case f.Case != "" && ev.Case != f.Case:
		return false
	case f.Operation != "" && ev.Operation != f.Operation:
		return false
	case !f.StartTime.IsZero() && ev.Timestamp.Before(f.StartTime):
		return false
	case !f.EndTime.IsZero() && ev.Timestamp.After(f.EndTime):
		return false
	case f.SuccessOnly && !ev.Success:
		return false
	case f.FailureOnly && ev.Success:
		return false
	}
	return true
}

func (f Filter) page(events []*Event) []*Event {
	if f.Offset > 0 {
		if f.Offset >= len(events) {
			return nil
		}
		events = events[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(events) {
		events = events[:f.Limit]
	}
	return events
}
