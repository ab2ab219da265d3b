package engine

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/poltergeist/revenant/pkg/logger"
)

// SafeGroup wraps errgroup.Group so a panicking stage fails its group
// instead of crashing the build.
type SafeGroup struct {
	group  *errgroup.Group
	logger logger.Logger
}

// NewSafeGroup creates a new SafeGroup. The returned context is canceled
// when the first member fails.
func NewSafeGroup(ctx context.Context, log logger.Logger) (*SafeGroup, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	return &SafeGroup{
		group:  g,
		logger: log,
	}, ctx
}

// Go runs fn in a new goroutine, converting a panic into an error.
func (sg *SafeGroup) Go(name string, fn func() error) {
	sg.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				sg.logger.Error("Stage panic recovered",
					logger.WithField("stage", name),
					logger.WithField("panic", r),
					logger.WithField("stack_trace", string(debug.Stack())))
				err = fmt.Errorf("%s: panic: %v", name, r)
			}
		}()

		return fn()
	})
}

// Wait blocks until every member has returned and yields the first error.
func (sg *SafeGroup) Wait() error {
	return sg.group.Wait()
}
