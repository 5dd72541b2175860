package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// teardown stops started components in reverse start order.
type teardown struct {
	logger *slog.Logger
	steps  []teardownStep
}

type teardownStep struct {
	name string
	stop func(ctx context.Context) error
}

func newTeardown(logger *slog.Logger) *teardown {
	if logger == nil {
		logger = slog.Default()
	}
	return &teardown{logger: logger}
}

// add registers stop to run when the teardown runs. Register a component
// once it has started, or before starting it if a partial start leaves
// something behind.
func (t *teardown) add(name string, stop func(ctx context.Context) error) {
	t.steps = append(t.steps, teardownStep{name: name, stop: stop})
}

// run calls every step, newest first. A failing step is logged and does not
// stop the rest. Steps run at most once.
func (t *teardown) run(ctx context.Context) error {
	steps := t.steps
	t.steps = nil

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if err := s.stop(ctx); err != nil {
			t.logger.Warn("shutdown step failed", "component", s.name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
