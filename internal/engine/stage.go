package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/types"
)

// Stage is a named unit of work in a build graph.
type Stage interface {
	Name() string
	Run(ctx context.Context) error
}

// StageFunc performs the work of a single step.
type StageFunc func(ctx context.Context) error

// StageTiming records how long a step took and whether it failed.
type StageTiming struct {
	Name     string
	Duration time.Duration
	Err      error
}

// Graph creates stages that share a logger and a timing record.
type Graph struct {
	logger logger.Logger

	mu      sync.Mutex
	timings []StageTiming
}

// NewGraph creates a stage graph builder
func NewGraph(log logger.Logger) *Graph {
	if log == nil {
		log = logger.Nop()
	}
	return &Graph{logger: log}
}

// Timings returns the step timings recorded so far, in completion order.
func (g *Graph) Timings() []StageTiming {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]StageTiming, len(g.timings))
	copy(out, g.timings)
	return out
}

func (g *Graph) record(t StageTiming) {
	g.mu.Lock()
	g.timings = append(g.timings, t)
	g.mu.Unlock()
}

// Step creates a leaf stage. Every path in requires must exist before fn
// runs; a missing one fails the step with a *types.MissingAssetError.
func (g *Graph) Step(name string, fn StageFunc, requires ...string) Stage {
	return &step{graph: g, name: name, fn: fn, requires: requires}
}

// Series runs stages one after another and stops at the first failure.
func (g *Graph) Series(name string, stages ...Stage) Stage {
	return &series{name: name, stages: stages}
}

// Parallel runs stages concurrently and waits for all of them. The group
// fails with the first error; the remaining members see a canceled context.
func (g *Graph) Parallel(name string, stages ...Stage) Stage {
	return &parallel{graph: g, name: name, stages: stages}
}

type step struct {
	graph    *Graph
	name     string
	fn       StageFunc
	requires []string
}

func (s *step) Name() string { return s.name }

func (s *step) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	log := logger.WithContext(ctx, s.graph.logger).WithStage(s.name)

	for _, path := range s.requires {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				err = &types.MissingAssetError{Stage: s.name, Path: path}
			}
			s.graph.record(StageTiming{Name: s.name, Err: err})
			return err
		}
	}

	log.Debug("Starting")
	start := time.Now()
	err := s.fn(ctx)
	elapsed := time.Since(start)
	s.graph.record(StageTiming{Name: s.name, Duration: elapsed, Err: err})

	if err != nil {
		log.Debug("Failed", logger.WithField("duration", elapsed), logger.WithField("error", err))
		return wrapStageError(s.name, err)
	}

	log.Debug("Finished", logger.WithField("duration", elapsed))
	return nil
}

// wrapStageError prefixes untyped errors with the stage name. Typed pipeline
// errors already name their stage.
func wrapStageError(name string, err error) error {
	var transform *types.SourceTransformError
	var missing *types.MissingAssetError
	if errors.As(err, &transform) || errors.As(err, &missing) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", name, err)
}

type series struct {
	name   string
	stages []Stage
}

func (s *series) Name() string { return s.name }

func (s *series) Run(ctx context.Context) error {
	for _, stage := range s.stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := stage.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}

type parallel struct {
	graph  *Graph
	name   string
	stages []Stage
}

func (p *parallel) Name() string { return p.name }

func (p *parallel) Run(ctx context.Context) error {
	group, gctx := NewSafeGroup(ctx, p.graph.logger)
	for _, stage := range p.stages {
		stage := stage
		group.Go(stage.Name(), func() error {
			return stage.Run(gctx)
		})
	}
	return group.Wait()
}
