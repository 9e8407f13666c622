package drvtest

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/newtron-network/drvtest/pkg/cleanup"
)

// Case is one named test. Run reports the outcome through its error:
// nil passes, *SkipError skips, anything else fails.
type Case struct {
	Name string
	Doc  string
	Run  func(t *T) error
}

// T is the per-case handle passed to Run.
type T struct {
	ctx   context.Context
	suite string
	name  string
	reg   *cleanup.Registry
	log   *logrus.Entry
}

// NewT builds a handle outside a Runner, for driving a case from tests.
func NewT(ctx context.Context, suite, name string, reg *cleanup.Registry) *T {
	log := logForCase(suite, name)
	if reg == nil {
		reg = cleanup.New(log)
	}
	return &T{ctx: withCase(ctx, suite, name), suite: suite, name: name, reg: reg, log: log}
}

type caseKey struct{}

func withCase(ctx context.Context, suite, name string) context.Context {
	return context.WithValue(ctx, caseKey{}, suite+"."+name)
}

// CaseName returns "<suite>.<case>" for contexts handed out by T, or "".
func CaseName(ctx context.Context) string {
	s, _ := ctx.Value(caseKey{}).(string)
	return s
}

func (t *T) Context() context.Context { return t.ctx }

func (t *T) Name() string { return t.name }

// Defer registers fn to run when the case ends, after any later-registered
// actions. The returned action may be run early or cancelled.
func (t *T) Defer(name string, fn func() error) *cleanup.Action {
	return t.reg.Push(name, fn)
}

// Cleanup returns the case's registry.
func (t *T) Cleanup() *cleanup.Registry {
	return t.reg
}

func (t *T) Log() *logrus.Entry { return t.log }

// Logf logs at info level with the case's fields.
func (t *T) Logf(format string, args ...any) {
	t.log.Infof(format, args...)
}
