// Package transform sequences the externally-defined dimension and fact
// build routines. The executor is a sequencing and logging boundary only:
// each routine either completes or raises, and its internals are opaque.
package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Routine is a named, side-effecting build step with no return payload.
// Routines are assumed idempotent when re-run against the same staging
// snapshot; that guarantee belongs to the routine, not to the executor.
type Routine struct {
	Name string
	Run  func(ctx context.Context) error
}

// Executor invokes dimension builds, then fact builds, in a fixed explicit
// order.
type Executor struct {
	log        logrus.FieldLogger
	dimensions []Routine
	facts      []Routine
}

// NewExecutor creates an executor over the given ordered routine lists.
func NewExecutor(
	log logrus.FieldLogger,
	dimensions, facts []Routine,
) *Executor {
	return &Executor{
		log:        log.WithField("component", "transform"),
		dimensions: dimensions,
		facts:      facts,
	}
}

// RunDimensionBuilds invokes the dimension routines in order.
func (e *Executor) RunDimensionBuilds(ctx context.Context) error {
	return e.runAll(ctx, "dimension", e.dimensions)
}

// RunFactBuilds invokes the fact routines in order. Dimensions must have
// been built first.
func (e *Executor) RunFactBuilds(ctx context.Context) error {
	return e.runAll(ctx, "fact", e.facts)
}

func (e *Executor) runAll(
	ctx context.Context, kind string, routines []Routine,
) error {
	for _, routine := range routines {
		log := e.log.WithFields(logrus.Fields{
			"routine": routine.Name,
			"kind":    kind,
		})

		start := time.Now()
		log.Debug("Running build routine")

		if err := routine.Run(ctx); err != nil {
			log.WithError(err).Error("Build routine failed")

			return fmt.Errorf("%s build %s: %w", kind, routine.Name, err)
		}

		log.WithField("duration", time.Since(start)).
			Info("Build routine complete")
	}

	return nil
}
